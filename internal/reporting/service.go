package reporting

import (
	"context"
	"errors"
	"time"

	"concierge/internal/calls"
	"concierge/internal/requests"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side of the request store.
type Repository interface {
	GetRequest(ctx context.Context, id string) (requests.ServiceRequest, error)
	ListProviders(ctx context.Context, serviceRequestID string) ([]requests.Provider, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service { return &Service{repo: repo, clock: time.Now} }

func (s *Service) BatchStatus(ctx context.Context, serviceRequestID string) (BatchStatus, error) {
	if serviceRequestID == "" {
		return BatchStatus{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return BatchStatus{}, errors.New("reporting: repository not configured")
	}

	sr, err := s.repo.GetRequest(ctx, serviceRequestID)
	if err != nil {
		return BatchStatus{}, err
	}
	ps, err := s.repo.ListProviders(ctx, serviceRequestID)
	if err != nil {
		return BatchStatus{}, err
	}

	out := BatchStatus{ServiceRequestID: sr.ID, RequestStatus: string(sr.Status), Settled: true}
	ended := 0
	for _, p := range ps {
		out.Total++
		out.TotalCost += p.Cost
		if p.DurationSeconds > 0 {
			out.TotalDurationSeconds += p.DurationSeconds
			ended++
		}
		if p.CalledAt != nil && (out.StartedAt == nil || p.CalledAt.Before(*out.StartedAt)) {
			t := *p.CalledAt
			out.StartedAt = &t
		}
		if p.CallStatus.Pending() {
			out.Settled = false
		}
		switch p.CallStatus {
		case calls.CallStatusUnset:
			out.Unset++
		case calls.CallStatusQueued:
			out.Queued++
		case calls.CallStatusInProgress:
			out.InProgress++
		case calls.CallStatusCompleted:
			out.Completed++
		case calls.CallStatusVoicemail:
			out.Voicemail++
		case calls.CallStatusError:
			out.Failed++
		case calls.CallStatusTimeout:
			out.TimedOut++
		case calls.CallStatusBookingInProgress:
			out.Booking++
		}
	}
	if ended > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / float64(ended)
	}
	if sr.Status == requests.StatusResearching {
		out.Settled = false
	}
	if out.StartedAt != nil {
		end := s.clock().UTC()
		if out.Settled {
			end = sr.UpdatedAt
		}
		if end.After(*out.StartedAt) {
			out.Elapsed = end.Sub(*out.StartedAt)
		}
	}
	return out, nil
}

func (s *Service) BookingStatus(ctx context.Context, serviceRequestID string) (BookingStatus, error) {
	if serviceRequestID == "" {
		return BookingStatus{}, ErrInvalidRequest
	}
	sr, err := s.repo.GetRequest(ctx, serviceRequestID)
	if err != nil {
		return BookingStatus{}, err
	}
	out := BookingStatus{
		ServiceRequestID: sr.ID,
		RequestStatus:    string(sr.Status),
		ProviderID:       sr.SelectedProviderID,
		FinalOutcome:     sr.FinalOutcome,
		Done:             sr.Status != requests.StatusBooking,
	}
	if sr.SelectedProviderID == "" {
		return out, nil
	}
	ps, err := s.repo.ListProviders(ctx, serviceRequestID)
	if err != nil {
		return BookingStatus{}, err
	}
	for _, p := range ps {
		if p.ID != sr.SelectedProviderID {
			continue
		}
		out.ProviderName = p.Name
		out.CallStatus = string(p.CallStatus)
		out.BookingConfirmed = p.BookingConfirmed
		out.BookingDate = p.BookingDate
		out.BookingTime = p.BookingTime
		out.ConfirmationCode = p.ConfirmationCode
	}
	return out, nil
}
