// Package reconcile persists call results onto provider rows and the interaction log.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"concierge/internal/audit"
	"concierge/internal/calls"
	"concierge/internal/requests"
)

// Store is the part of the request repository the reconciler writes through.
type Store interface {
	UpdateProvider(ctx context.Context, providerID string, fn requests.ProviderUpdate) (requests.Provider, bool, error)
}

type Outcome string

const (
	// OutcomeApplied means the provider row changed and the log entry was written.
	OutcomeApplied Outcome = "applied"

	// OutcomeDuplicate means the same or richer data for this call is already stored.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeStale means the result belongs to a call the provider no longer tracks.
	OutcomeStale Outcome = "stale"
)

var ErrMismatch = errors.New("reconcile: provider does not belong to service request")

type Reconciler struct {
	store Store
	clock func() time.Time
	log   *slog.Logger
}

func New(store Store, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, clock: time.Now, log: log}
}

// SaveCallResult applies res to the provider in one transaction. Applying the same
// result twice leaves the same state and one log entry.
func (r *Reconciler) SaveCallResult(ctx context.Context, providerID, serviceRequestID string, res calls.CallResult) (Outcome, requests.Provider, error) {
	log := r.log.With("service_request_id", serviceRequestID, "provider_id", providerID, "call_id", res.CallID, "status", res.Status)
	if !res.Status.Valid() {
		return "", requests.Provider{}, fmt.Errorf("reconcile: invalid result status %q", res.Status)
	}

	outcome := OutcomeDuplicate
	p, applied, err := r.store.UpdateProvider(ctx, providerID, func(p *requests.Provider) (*audit.Entry, bool, error) {
		if p.ServiceRequestID != serviceRequestID {
			return nil, false, ErrMismatch
		}
		outcome = decide(*p, res)
		if outcome != OutcomeApplied {
			return nil, false, nil
		}
		now := r.clock().UTC()
		apply(p, res, now)
		entry, err := audit.Prepare(logEntry(*p, res), r.clock)
		if err != nil {
			return nil, false, err
		}
		return &entry, true, nil
	})
	if err != nil {
		log.Error("save call result failed", "err", err)
		return "", p, fmt.Errorf("reconcile provider %s: %w", providerID, err)
	}
	if !applied && outcome == OutcomeApplied {
		outcome = OutcomeDuplicate
	}
	log.Info("call result reconciled", "outcome", outcome, "call_status", p.CallStatus)
	return outcome, p, nil
}

// decide is the whole overwrite policy; it has no side effects.
func decide(p requests.Provider, res calls.CallResult) Outcome {
	if res.CallID != "" && p.CallID != "" && p.CallID != res.CallID {
		return OutcomeStale
	}
	// Without a call id the result cannot be tied to the call that finished the row.
	if res.CallID == "" && p.CallID != "" && p.CallStatus.Terminal() {
		return OutcomeStale
	}
	if res.Kind != calls.KindBooking && p.CallStatus == calls.CallStatusBookingInProgress {
		return OutcomeStale
	}
	if p.CallStatus.Terminal() && p.CallID == res.CallID {
		current := 0
		if p.CallResult != nil {
			current = p.CallResult.Rank()
		}
		if res.Rank() <= current {
			return OutcomeDuplicate
		}
	}
	return OutcomeApplied
}

func apply(p *requests.Provider, res calls.CallResult, now time.Time) {
	stored := res
	p.CallStatus = res.Status.CallStatus()
	p.CallResult = &stored
	if res.Transcript != "" {
		p.Transcript = res.Transcript
	}
	if s := res.Summary(); s != "" {
		p.Summary = s
	}
	if res.DurationSeconds > 0 {
		p.DurationSeconds = res.DurationSeconds
	}
	if res.Cost > 0 {
		p.Cost = res.Cost
	}
	if p.CallID == "" {
		p.CallID = res.CallID
	}
	if p.CalledAt == nil {
		p.CalledAt = &now
	}

	if res.Kind == calls.KindBooking && res.Analysis != nil {
		a := res.Analysis
		p.BookingConfirmed = a.BookingConfirmed && res.Status == calls.ResultCompleted
		p.BookingDate = a.BookingDate
		p.BookingTime = a.BookingTime
		p.ConfirmationCode = a.ConfirmationCode
	}
}

func logEntry(p requests.Provider, res calls.CallResult) audit.Entry {
	step := audit.StepCall
	if res.Kind == calls.KindBooking {
		step = audit.StepBooking
	}
	status := audit.StatusSuccess
	if res.Status == calls.ResultError || res.Status == calls.ResultTimeout {
		status = audit.StatusError
	}

	detail := fmt.Sprintf("Call to %s: %s", p.Name, describe(res))
	if s := res.Summary(); s != "" {
		detail += ". " + strings.TrimSuffix(s, ".")
	}

	e := audit.Entry{
		ServiceRequestID: p.ServiceRequestID,
		ProviderID:       p.ID,
		Step:             step,
		Status:           status,
		Detail:           detail,
		Transcript:       res.Transcript,
	}
	if res.CallID != "" {
		e.DedupeKey = "call_result:" + res.CallID
	}
	return e
}

func describe(res calls.CallResult) string {
	switch res.Status {
	case calls.ResultCompleted:
		return "completed"
	case calls.ResultVoicemail:
		return "reached voicemail"
	case calls.ResultTimeout:
		return "timed out"
	default:
		return "could not reach this provider"
	}
}
