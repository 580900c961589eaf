package requests

import (
	"context"
	"sort"
	"sync"
	"time"

	"concierge/internal/audit"
	"concierge/internal/calls"
)

// MemoryRepo is an in-process Repository for tests and local development.
// Interaction log entries go to the wrapped audit.MemoryRepo.
type MemoryRepo struct {
	mu        sync.Mutex
	requests  map[string]ServiceRequest
	providers map[string]Provider
	logs      *audit.MemoryRepo
	clock     func() time.Time
}

func NewMemoryRepo(logs *audit.MemoryRepo) *MemoryRepo {
	if logs == nil {
		logs = audit.NewMemoryRepo()
	}
	return &MemoryRepo{
		requests:  map[string]ServiceRequest{},
		providers: map[string]Provider{},
		logs:      logs,
		clock:     time.Now,
	}
}

func (m *MemoryRepo) Logs() *audit.MemoryRepo { return m.logs }

func (m *MemoryRepo) CreateRequest(_ context.Context, r ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return ErrStaleState
	}
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryRepo) GetRequest(_ context.Context, id string) (ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ServiceRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepo) ListRequestsByUser(_ context.Context, userID string, limit int) ([]ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ServiceRequest
	for _, r := range m.requests {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepo) FindLatestByPhone(_ context.Context, phone string, status Status) (ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  ServiceRequest
		found bool
	)
	for _, r := range m.requests {
		if r.UserPhone != phone || r.Status != status {
			continue
		}
		if !found || r.UpdatedAt.After(best.UpdatedAt) {
			best, found = r, true
		}
	}
	if !found {
		return ServiceRequest{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryRepo) TransitionRequest(_ context.Context, id string, from, to Status, patch RequestPatch) (ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ServiceRequest{}, ErrNotFound
	}
	if r.Status != from {
		return r, ErrStaleState
	}
	r.Status = to
	if patch.SelectedProviderID != nil {
		r.SelectedProviderID = *patch.SelectedProviderID
	}
	if patch.FinalOutcome != nil {
		r.FinalOutcome = *patch.FinalOutcome
	}
	if patch.Recommendations != nil {
		r.Recommendations = patch.Recommendations
	}
	r.UpdatedAt = m.clock().UTC()
	m.requests[id] = r
	return r, nil
}

func (m *MemoryRepo) MarkNotified(_ context.Context, id, method string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.NotificationSentAt != nil {
		return false, nil
	}
	at = at.UTC()
	r.NotificationSentAt = &at
	r.NotificationMethod = method
	m.requests[id] = r
	return true, nil
}

func (m *MemoryRepo) CreateProviders(_ context.Context, ps []Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		if _, ok := m.requests[p.ServiceRequestID]; !ok {
			return ErrNotFound
		}
	}
	for _, p := range ps {
		m.providers[p.ID] = p
	}
	return nil
}

func (m *MemoryRepo) GetProvider(_ context.Context, id string) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return Provider{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryRepo) ListProviders(_ context.Context, serviceRequestID string) ([]Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(serviceRequestID), nil
}

func (m *MemoryRepo) listLocked(serviceRequestID string) []Provider {
	var out []Provider
	for _, p := range m.providers {
		if p.ServiceRequestID == serviceRequestID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (m *MemoryRepo) QueueProviders(_ context.Context, serviceRequestID string) ([]Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()
	var out []Provider
	for _, p := range m.listLocked(serviceRequestID) {
		if !p.Dialable() {
			continue
		}
		p.CallStatus = calls.CallStatusQueued
		p.UpdatedAt = now
		m.providers[p.ID] = p
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryRepo) AttachCallID(_ context.Context, providerID, callID string, status calls.CallStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	if !ok {
		return ErrNotFound
	}
	if p.CallStatus != calls.CallStatusUnset && !p.CallStatus.Pending() {
		return ErrStaleState
	}
	for id, other := range m.providers {
		if id != providerID && other.CallID == callID {
			return ErrStaleState
		}
	}
	at = at.UTC()
	p.CallID = callID
	p.CallStatus = status
	p.CalledAt = &at
	p.UpdatedAt = m.clock().UTC()
	m.providers[providerID] = p
	return nil
}

func (m *MemoryRepo) ResetForRetry(_ context.Context, providerID string) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	if !ok {
		return Provider{}, ErrNotFound
	}
	if !p.CallStatus.Terminal() {
		return p, ErrNotRetryable
	}
	p = resetProvider(p)
	p.UpdatedAt = m.clock().UTC()
	m.providers[providerID] = p
	return p, nil
}

func (m *MemoryRepo) BeginBooking(_ context.Context, serviceRequestID, providerID string) (ServiceRequest, Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[serviceRequestID]
	if !ok {
		return ServiceRequest{}, Provider{}, ErrNotFound
	}
	p, ok := m.providers[providerID]
	if !ok || p.ServiceRequestID != serviceRequestID {
		return ServiceRequest{}, Provider{}, ErrNotFound
	}
	if r.Status != StatusRecommended {
		return r, p, ErrStaleState
	}
	now := m.clock().UTC()
	r.Status = StatusBooking
	r.SelectedProviderID = providerID
	r.UpdatedAt = now
	p = startBooking(p)
	p.UpdatedAt = now
	m.requests[serviceRequestID] = r
	m.providers[providerID] = p
	return r, p, nil
}

func (m *MemoryRepo) UpdateProvider(ctx context.Context, providerID string, fn ProviderUpdate) (Provider, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	if !ok {
		return Provider{}, false, ErrNotFound
	}
	next := p
	entry, apply, err := fn(&next)
	if err != nil || !apply {
		return p, false, err
	}
	next.UpdatedAt = m.clock().UTC()
	m.providers[providerID] = next
	if entry != nil {
		if _, err := m.logs.Append(ctx, *entry); err != nil {
			m.providers[providerID] = p
			return p, false, err
		}
	}
	return next, true, nil
}

func resetProvider(p Provider) Provider {
	p.CallStatus = calls.CallStatusQueued
	p.CallID = ""
	p.CallResult = nil
	p.CalledAt = nil
	return p
}

// startBooking detaches the research call so the booking call id can be attached.
func startBooking(p Provider) Provider {
	p.CallStatus = calls.CallStatusBookingInProgress
	p.CallID = ""
	p.CalledAt = nil
	p.BookingConfirmed = false
	p.BookingDate = ""
	p.BookingTime = ""
	p.ConfirmationCode = ""
	return p
}
