package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for interaction log entries.
//
// It MUST be append-only: no Update/Delete methods are provided.
// Append reports false when the entry's dedupe key was already used.
type Repository interface {
	Append(ctx context.Context, e Entry) (bool, error)
	ListByRequest(ctx context.Context, serviceRequestID string) ([]Entry, error)
}

// Service appends to and reads the interaction log.
//
// Callers treat logging as best-effort except where the entry is written inside
// a larger transaction (call results), which goes through the request repository.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("audit: invalid entry")

// Prepare fills ID and CreatedAt and validates e.
func (s *Service) Prepare(e Entry) (Entry, error) {
	return Prepare(e, s.clock)
}

func Prepare(e Entry, clock func() time.Time) (Entry, error) {
	if e.ServiceRequestID == "" || e.Step == "" {
		return Entry{}, ErrInvalidEntry
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	if !e.Status.Valid() {
		return Entry{}, ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = clock().UTC()
	}
	return e, nil
}

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	e, err := s.Prepare(e)
	if err != nil {
		return err
	}
	_, err = s.repo.Append(ctx, e)
	return err
}

// Log records one step for a request.
func (s *Service) Log(ctx context.Context, serviceRequestID string, step Step, status Status, detail string) error {
	return s.Append(ctx, Entry{
		ServiceRequestID: serviceRequestID,
		Step:             step,
		Status:           status,
		Detail:           detail,
	})
}

// LogProvider records one step tied to a provider.
func (s *Service) LogProvider(ctx context.Context, serviceRequestID, providerID string, step Step, status Status, detail string) error {
	return s.Append(ctx, Entry{
		ServiceRequestID: serviceRequestID,
		ProviderID:       providerID,
		Step:             step,
		Status:           status,
		Detail:           detail,
	})
}

func (s *Service) List(ctx context.Context, serviceRequestID string) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.ListByRequest(ctx, serviceRequestID)
}
