package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"concierge/internal/audit"
	"concierge/internal/calls"
	"concierge/internal/recommend"
	"concierge/internal/requests"
	"concierge/internal/telephony"
)

// SelectProvider moves a recommended request to booking with p selected and schedules
// the booking call.
func (o *Orchestrator) SelectProvider(ctx context.Context, serviceRequestID, providerID string) (requests.ServiceRequest, error) {
	p, err := o.store.GetProvider(ctx, providerID)
	if err != nil {
		return requests.ServiceRequest{}, err
	}
	if p.ServiceRequestID != serviceRequestID {
		return requests.ServiceRequest{}, ErrProviderMismatch
	}
	if p.CallStatus != calls.CallStatusCompleted {
		return requests.ServiceRequest{}, ErrNotSelectable
	}

	sr, p, err := o.store.BeginBooking(ctx, serviceRequestID, providerID)
	if err != nil {
		o.log.Warn("select provider failed", "service_request_id", serviceRequestID, "provider_id", providerID,
			"transition", fmt.Sprintf("%s->%s", sr.Status, requests.StatusBooking), "err", err)
		return sr, err
	}
	o.audit(ctx, sr.ID, p.ID, audit.StepSelect, audit.StatusSuccess, "Selected "+p.Name+" for booking")

	if o.jobs != nil {
		if err := o.jobs.EnqueueBook(ctx, sr.ID, p.ID); err != nil {
			o.log.Error("enqueue booking failed", "service_request_id", sr.ID, "provider_id", p.ID, "err", err)
		}
		return sr, nil
	}
	go func() {
		if err := o.Book(context.WithoutCancel(ctx), sr.ID, p.ID); err != nil {
			o.log.Error("background booking failed", "service_request_id", sr.ID, "err", err)
		}
	}()
	return sr, nil
}

// HandleReply turns a numbered SMS reply into a provider selection for the sender's
// latest recommended request.
func (o *Orchestrator) HandleReply(ctx context.Context, msg telephony.InboundSMS) (string, error) {
	sr, err := o.store.FindLatestByPhone(ctx, msg.From, requests.StatusRecommended)
	if errors.Is(err, requests.ErrNotFound) {
		return "We couldn't find a request waiting for your choice.", nil
	}
	if err != nil {
		return "", err
	}

	var result recommend.Result
	if len(sr.Recommendations) > 0 {
		if err := json.Unmarshal(sr.Recommendations, &result); err != nil {
			return "", fmt.Errorf("decode recommendations for %s: %w", sr.ID, err)
		}
	}
	n := len(result.Recommendations)
	if n == 0 {
		return "There are no providers to choose from for this request.", nil
	}
	choice, ok := telephony.ParseChoice(msg.Body, n)
	if !ok {
		return fmt.Sprintf("Please reply with a number from 1 to %d to book.", n), nil
	}

	rec := result.Recommendations[choice-1]
	if _, err := o.SelectProvider(ctx, sr.ID, rec.ProviderID); err != nil {
		switch {
		case errors.Is(err, requests.ErrStaleState):
			return "This request is already being booked.", nil
		case errors.Is(err, ErrNotSelectable):
			return fmt.Sprintf("%s can't be booked right now. Please choose another option.", rec.Name), nil
		}
		return "", err
	}
	return fmt.Sprintf("Great choice. We're calling %s now to book and will text you when it's confirmed.", rec.Name), nil
}

// Book places (or resumes waiting on) the booking call for the selected provider.
func (o *Orchestrator) Book(ctx context.Context, serviceRequestID, providerID string) error {
	unlock, err := o.lock(ctx, serviceRequestID)
	if err != nil {
		return err
	}
	defer unlock()
	return o.book(ctx, serviceRequestID, providerID)
}

func (o *Orchestrator) book(ctx context.Context, serviceRequestID, providerID string) error {
	log := o.log.With("service_request_id", serviceRequestID, "provider_id", providerID)

	sr, err := o.store.GetRequest(ctx, serviceRequestID)
	if err != nil {
		return err
	}
	if sr.Status != requests.StatusBooking {
		log.Info("booking skipped", "status", sr.Status)
		return nil
	}
	if sr.SelectedProviderID != providerID {
		return fmt.Errorf("%w: selected provider is %s", requests.ErrStaleState, sr.SelectedProviderID)
	}
	p, err := o.store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}

	// The result was stored but the request was not advanced.
	if p.CallStatus.Terminal() {
		return o.finishBooking(ctx, serviceRequestID, p)
	}

	req := callRequest(sr, p, calls.KindBooking)
	req.PreferredSlot = preferredSlot(sr.Urgency)

	if p.CallID != "" {
		log.Info("awaiting booking call placed earlier", "call_id", p.CallID)
		return o.RecordCallResult(ctx, p.ID, sr.ID, o.caller.Await(ctx, req, p.CallID))
	}

	useEngine, err := o.useEngine(ctx)
	if err != nil {
		return err
	}
	if useEngine {
		res, err := o.engine.ScheduleService(ctx, req, o.cfg.ResultsCallbackURL)
		if err == nil {
			res.Kind = calls.KindBooking
			return o.RecordCallResult(ctx, p.ID, sr.ID, res)
		}
		if o.strict() {
			return err
		}
		log.Warn("workflow booking failed, calling in-process", "err", err)
	}

	req.OnStarted = o.attach(ctx, p.ID, calls.CallStatusBookingInProgress)
	return o.RecordCallResult(ctx, p.ID, sr.ID, o.caller.InitiateCall(ctx, req))
}

// finishBooking completes the request on a confirmed booking and otherwise returns it
// to recommended so the user can pick another provider.
func (o *Orchestrator) finishBooking(ctx context.Context, serviceRequestID string, p requests.Provider) error {
	sr, err := o.store.GetRequest(ctx, serviceRequestID)
	if err != nil {
		return err
	}
	if sr.SelectedProviderID != p.ID {
		o.log.Warn("booking result for a provider that is no longer selected", "service_request_id", serviceRequestID,
			"provider_id", p.ID, "selected_provider_id", sr.SelectedProviderID, "confirmed", p.BookingConfirmed)
		return nil
	}

	if p.BookingConfirmed {
		outcome := BookingOutcome(p)
		_, err := o.transition(ctx, serviceRequestID, requests.StatusBooking, requests.StatusCompleted,
			requests.RequestPatch{FinalOutcome: &outcome})
		if errors.Is(err, requests.ErrStaleState) {
			return o.lateConfirmation(ctx, serviceRequestID, p, outcome)
		}
		if err != nil {
			return err
		}
		o.notify(ctx, serviceRequestID)
		return nil
	}

	outcome := fmt.Sprintf("Booking with %s was not confirmed.", p.Name)
	if p.Summary != "" {
		outcome += " " + p.Summary
	}
	o.audit(ctx, serviceRequestID, p.ID, audit.StepBooking, audit.StatusError, outcome)
	_, err = o.transition(ctx, serviceRequestID, requests.StatusBooking, requests.StatusRecommended,
		requests.RequestPatch{FinalOutcome: &outcome})
	return ignoreStale(err)
}

// lateConfirmation completes a request whose booking call was first reported without a
// confirmation and sent back to recommended, as long as the provider is still selected.
func (o *Orchestrator) lateConfirmation(ctx context.Context, serviceRequestID string, p requests.Provider, outcome string) error {
	sr, err := o.store.GetRequest(ctx, serviceRequestID)
	if err != nil {
		return err
	}
	if sr.Status != requests.StatusRecommended || sr.SelectedProviderID != p.ID {
		if sr.Status != requests.StatusCompleted {
			o.log.Warn("booking confirmed after the request moved on", "service_request_id", serviceRequestID,
				"provider_id", p.ID, "status", sr.Status, "selected_provider_id", sr.SelectedProviderID)
		}
		return nil
	}
	o.audit(ctx, serviceRequestID, p.ID, audit.StepBooking, audit.StatusSuccess, "Late confirmation: "+outcome)
	if _, err := o.transition(ctx, serviceRequestID, requests.StatusRecommended, requests.StatusCompleted,
		requests.RequestPatch{FinalOutcome: &outcome}); err != nil {
		return ignoreStale(err)
	}
	o.notify(ctx, serviceRequestID)
	return nil
}

func BookingOutcome(p requests.Provider) string {
	var b strings.Builder
	b.WriteString("Booked with " + p.Name)
	if when := strings.TrimSpace(p.BookingDate + " " + p.BookingTime); when != "" {
		b.WriteString(" for " + when)
	}
	if p.ConfirmationCode != "" {
		b.WriteString(" (confirmation " + p.ConfirmationCode + ")")
	}
	b.WriteString(".")
	return b.String()
}

func preferredSlot(u requests.Urgency) string {
	switch u {
	case requests.UrgencyImmediate:
		return "as soon as possible today"
	case requests.Urgency24Hours:
		return "within the next 24 hours"
	case requests.Urgency2Days:
		return "within the next two days"
	default:
		return "the earliest convenient time"
	}
}

// ignoreStale treats a lost compare-and-set as someone else having finished the step.
func ignoreStale(err error) error {
	if errors.Is(err, requests.ErrStaleState) {
		return nil
	}
	return err
}
