package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"concierge/internal/audit"
	"concierge/internal/requests"
)

var ErrIllegalTransition = errors.New("orchestrator: illegal status transition")

// transitions lists every allowed edge. Two edges move backwards: a failed booking
// returns to recommended, and an explicit provider retry during analysis returns to calling.
// recommended -> completed is taken only when the selected provider's booking call is
// confirmed after it was first reported unconfirmed.
var transitions = map[requests.Status][]requests.Status{
	requests.StatusResearching: {requests.StatusCalling, requests.StatusFailed},
	requests.StatusCalling:     {requests.StatusAnalyzing, requests.StatusFailed},
	requests.StatusAnalyzing:   {requests.StatusRecommended, requests.StatusCompleted, requests.StatusCalling, requests.StatusFailed},
	requests.StatusRecommended: {requests.StatusBooking, requests.StatusCompleted},
	requests.StatusBooking:     {requests.StatusCompleted, requests.StatusRecommended, requests.StatusFailed},
}

func CanTransition(from, to requests.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition is a compare-and-set on the current status. On failure the request keeps
// its prior state and the attempt is logged.
func (o *Orchestrator) transition(ctx context.Context, id string, from, to requests.Status, patch requests.RequestPatch) (requests.ServiceRequest, error) {
	label := fmt.Sprintf("%s->%s", from, to)
	log := o.log.With("service_request_id", id, "transition", label)

	if !CanTransition(from, to) {
		log.Error("status transition refused")
		return requests.ServiceRequest{}, fmt.Errorf("%w: %s", ErrIllegalTransition, label)
	}
	sr, err := o.store.TransitionRequest(ctx, id, from, to, patch)
	if err != nil {
		log.Warn("status transition failed", "current", sr.Status, "err", err)
		return sr, err
	}
	log.Info("status changed")
	o.audit(ctx, id, "", audit.StepTransition, audit.StatusSuccess, fmt.Sprintf("Status changed from %s to %s", from, to))
	return sr, nil
}
