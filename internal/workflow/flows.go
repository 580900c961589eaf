package workflow

import (
	"context"
	"encoding/json"

	"concierge/internal/calls"
	"concierge/internal/research"
)

const (
	FlowResearch = "research_providers"
	FlowContact  = "contact_providers"
	FlowSchedule = "schedule_service"
)

// Research runs the research flow and returns candidates in the in-process shape.
func (c *Client) Research(ctx context.Context, serviceRequestID string, q research.Query) ([]research.Candidate, error) {
	ex, err := c.Run(ctx, FlowResearch, map[string]string{
		"service_request_id": serviceRequestID,
		"service":            q.Service,
		"location":           q.Location,
		"criteria":           q.Criteria,
	})
	if err != nil {
		return nil, err
	}
	var out []research.Candidate
	if err := ex.Output("providers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CallProvidersConcurrent hands the whole batch to the engine. The engine pushes each
// provider's result to the call-results endpoint itself; the returned results are the
// engine's own summary and may be empty.
func (c *Client) CallProvidersConcurrent(ctx context.Context, serviceRequestID, callbackURL string, reqs []calls.CallRequest) ([]calls.CallResult, error) {
	payload, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}
	ex, err := c.Run(ctx, FlowContact, map[string]string{
		"service_request_id": serviceRequestID,
		"providers":          string(payload),
		"callback_url":       callbackURL,
	})
	if err != nil {
		return nil, err
	}
	var out []calls.CallResult
	if _, ok := ex.Outputs["results"]; !ok {
		return nil, nil
	}
	if err := ex.Output("results", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ScheduleService runs the booking flow for one provider.
func (c *Client) ScheduleService(ctx context.Context, req calls.CallRequest, callbackURL string) (calls.CallResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return calls.CallResult{}, err
	}
	ex, err := c.Run(ctx, FlowSchedule, map[string]string{
		"service_request_id": req.ServiceRequestID,
		"provider_id":        req.ProviderID,
		"request":            string(payload),
		"callback_url":       callbackURL,
	})
	if err != nil {
		return calls.CallResult{}, err
	}
	var out calls.CallResult
	if err := ex.Output("result", &out); err != nil {
		return calls.CallResult{}, err
	}
	return out, nil
}
