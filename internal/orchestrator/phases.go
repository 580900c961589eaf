package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"concierge/internal/audit"
	"concierge/internal/calls"
	"concierge/internal/recommend"
	"concierge/internal/requests"
	"concierge/internal/research"
	"concierge/internal/workflow"
)

const noProvidersOutcome = "No providers with a reachable phone number were found for this request."

func (o *Orchestrator) research(ctx context.Context, sr requests.ServiceRequest) error {
	log := o.log.With("service_request_id", sr.ID)

	existing, err := o.store.ListProviders(ctx, sr.ID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		found, err := o.findProviders(ctx, sr)
		if err != nil {
			log.Error("research failed", "err", err)
			o.audit(ctx, sr.ID, "", audit.StepResearch, audit.StatusError, "Research failed: "+err.Error())
			_, terr := o.transition(ctx, sr.ID, requests.StatusResearching, requests.StatusFailed,
				requests.RequestPatch{FinalOutcome: requests.Ptr("Provider research failed. Please try again later.")})
			if terr == nil {
				o.notify(ctx, sr.ID)
			}
			return terr
		}
		if len(found) == 0 {
			o.audit(ctx, sr.ID, "", audit.StepResearch, audit.StatusError, "No providers found")
			_, terr := o.transition(ctx, sr.ID, requests.StatusResearching, requests.StatusFailed,
				requests.RequestPatch{FinalOutcome: requests.Ptr(noProvidersOutcome)})
			if terr == nil {
				o.notify(ctx, sr.ID)
			}
			return terr
		}
		if err := o.store.CreateProviders(ctx, providersFrom(sr.ID, found, o.clock().UTC())); err != nil {
			return err
		}
		o.audit(ctx, sr.ID, "", audit.StepResearch, audit.StatusSuccess, fmt.Sprintf("Found %d providers", len(found)))
	}

	_, err = o.transition(ctx, sr.ID, requests.StatusResearching, requests.StatusCalling, requests.RequestPatch{})
	return err
}

func (o *Orchestrator) findProviders(ctx context.Context, sr requests.ServiceRequest) ([]research.Candidate, error) {
	q := research.Query{Service: sr.Title, Location: sr.Location, Criteria: sr.Criteria}
	useEngine, err := o.useEngine(ctx)
	if err != nil {
		return nil, err
	}
	if useEngine {
		found, err := o.engine.Research(ctx, sr.ID, q)
		if err == nil {
			return found, nil
		}
		if o.strict() {
			return nil, err
		}
		o.log.Warn("workflow research failed, searching in-process", "service_request_id", sr.ID, "err", err)
	}
	return o.researcher.Search(ctx, q)
}

func providersFrom(serviceRequestID string, found []research.Candidate, now time.Time) []requests.Provider {
	out := make([]requests.Provider, 0, len(found))
	for i, c := range found {
		out = append(out, requests.Provider{
			ID:               uuid.NewString(),
			ServiceRequestID: serviceRequestID,
			Position:         i,
			Name:             c.Name,
			Phone:            c.Phone,
			Rating:           c.Rating,
			ReviewCount:      c.ReviewCount,
			Address:          c.Address,
			SourceID:         c.SourceID,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return out
}

// dispatch calls every provider that has not been called yet and waits on calls that
// were already placed before a restart.
func (o *Orchestrator) dispatch(ctx context.Context, sr requests.ServiceRequest) error {
	log := o.log.With("service_request_id", sr.ID)

	before, err := o.store.ListProviders(ctx, sr.ID)
	if err != nil {
		return err
	}
	queued, err := o.store.QueueProviders(ctx, sr.ID)
	if err != nil {
		return err
	}

	toDial := queued
	seen := map[string]bool{}
	for _, p := range queued {
		seen[p.ID] = true
	}
	var toAwait []requests.Provider
	for _, p := range before {
		switch {
		case seen[p.ID]:
		case p.CallStatus == calls.CallStatusQueued && p.CallID == "":
			toDial = append(toDial, p)
		case p.CallStatus == calls.CallStatusInProgress && p.CallID != "":
			toAwait = append(toAwait, p)
		}
	}

	if len(toDial) > 0 || len(toAwait) > 0 {
		log.Info("dispatching calls", "dial", len(toDial), "await", len(toAwait))
		bctx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
		defer cancel()

		g := new(errgroup.Group)
		for _, p := range toAwait {
			g.Go(func() error {
				req := callRequest(sr, p, calls.KindResearch)
				o.record(bctx, p, o.caller.Await(bctx, req, p.CallID))
				return nil
			})
		}
		if len(toDial) > 0 {
			g.Go(func() error {
				return o.callBatch(bctx, sr, toDial)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return o.advanceIfSettled(ctx, sr.ID)
}

func (o *Orchestrator) callBatch(ctx context.Context, sr requests.ServiceRequest, ps []requests.Provider) error {
	reqs := make([]calls.CallRequest, len(ps))
	for i, p := range ps {
		reqs[i] = callRequest(sr, p, calls.KindResearch)
		reqs[i].OnStarted = o.attach(ctx, p.ID, calls.CallStatusInProgress)
	}

	useEngine, err := o.useEngine(ctx)
	if err != nil {
		return err
	}
	if useEngine {
		results, err := o.engine.CallProvidersConcurrent(ctx, sr.ID, o.cfg.ResultsCallbackURL, reqs)
		if err == nil {
			// The engine also pushes each result to the callback endpoint; recording
			// its summary here is idempotent.
			if len(results) == len(ps) {
				for i, res := range results {
					o.record(ctx, ps[i], res)
				}
			}
			return nil
		}
		if o.strict() {
			return err
		}
		o.log.Warn("workflow calling failed, calling in-process", "service_request_id", sr.ID, "err", err)
	}

	batch := o.batch.CallAll(ctx, reqs, func(i int, res calls.CallResult) {
		o.record(ctx, ps[i], res)
	})
	o.audit(ctx, sr.ID, "", audit.StepCall, audit.StatusSuccess, fmt.Sprintf(
		"Called %d providers: %d reached, %d failed, %d timed out",
		batch.Stats.Total, batch.Stats.Successful, batch.Stats.Failed, batch.Stats.TimedOut))
	return nil
}

func (o *Orchestrator) record(ctx context.Context, p requests.Provider, res calls.CallResult) {
	if err := o.RecordCallResult(ctx, p.ID, p.ServiceRequestID, res); err != nil {
		o.log.Error("record call result failed", "service_request_id", p.ServiceRequestID, "provider_id", p.ID, "call_id", res.CallID, "err", err)
	}
}

func (o *Orchestrator) attach(ctx context.Context, providerID string, status calls.CallStatus) func(string) {
	return func(callID string) {
		if err := o.store.AttachCallID(ctx, providerID, callID, status, o.clock()); err != nil {
			o.log.Warn("attach call id failed", "provider_id", providerID, "call_id", callID, "err", err)
		}
	}
}

func callRequest(sr requests.ServiceRequest, p requests.Provider, kind calls.Kind) calls.CallRequest {
	req := calls.CallRequest{
		Metadata:      calls.Metadata{ServiceRequestID: sr.ID, ProviderID: p.ID, Kind: kind},
		ProviderName:  p.Name,
		Phone:         p.Phone,
		ServiceNeeded: sr.Title,
		Criteria:      sr.Criteria,
		Location:      sr.Location,
		Urgency:       string(sr.Urgency),
	}
	if sr.Type == requests.TypeDirectTask && kind == calls.KindResearch {
		req.PromptOverride = sr.Description
	}
	return req
}

// Candidates converts stored providers to scorer input.
func Candidates(ps []requests.Provider) []recommend.Candidate {
	out := make([]recommend.Candidate, 0, len(ps))
	for _, p := range ps {
		out = append(out, recommend.Candidate{
			ProviderID:  p.ID,
			Name:        p.Name,
			Phone:       p.Phone,
			Rating:      p.Rating,
			ReviewCount: p.ReviewCount,
			CallStatus:  p.CallStatus,
			Result:      p.CallResult,
		})
	}
	return out
}

func (o *Orchestrator) analyze(ctx context.Context, sr requests.ServiceRequest) error {
	ps, err := o.store.ListProviders(ctx, sr.ID)
	if err != nil {
		return err
	}

	if sr.Type == requests.TypeDirectTask {
		outcome := "The call could not be completed."
		if len(ps) > 0 && ps[0].Summary != "" {
			outcome = ps[0].Summary
		}
		if _, err := o.transition(ctx, sr.ID, requests.StatusAnalyzing, requests.StatusCompleted,
			requests.RequestPatch{FinalOutcome: &outcome}); err != nil {
			return err
		}
		o.notify(ctx, sr.ID)
		return nil
	}

	result := recommend.Score(Candidates(ps))
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if len(result.Recommendations) == 0 {
		o.audit(ctx, sr.ID, "", audit.StepRecommend, audit.StatusError, result.OverallRecommendation)
		if _, err := o.transition(ctx, sr.ID, requests.StatusAnalyzing, requests.StatusFailed,
			requests.RequestPatch{FinalOutcome: requests.Ptr(result.OverallRecommendation), Recommendations: raw}); err != nil {
			return err
		}
		o.notify(ctx, sr.ID)
		return nil
	}

	if _, err := o.transition(ctx, sr.ID, requests.StatusAnalyzing, requests.StatusRecommended,
		requests.RequestPatch{Recommendations: raw}); err != nil {
		return err
	}
	o.audit(ctx, sr.ID, "", audit.StepRecommend, audit.StatusSuccess, fmt.Sprintf(
		"%d recommendations from %d calls. %s", len(result.Recommendations), result.Stats.TotalCalls, result.OverallRecommendation))
	o.notify(ctx, sr.ID)
	return nil
}

// strict reports whether engine failures must not fall back to in-process work.
func (o *Orchestrator) strict() bool {
	return o.cfg.EnginePolicy == workflow.Strict
}
