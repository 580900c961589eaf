package calls

import (
	"encoding/json"
	"strings"

	"concierge/internal/vapi"
)

// ResultFromVapi maps a vendor call object onto a CallResult for req.
// A call that has not ended yet maps to an error result; callers only pass ended calls.
func ResultFromVapi(call vapi.Call, req CallRequest) CallResult {
	res := CallResult{
		CallID:          call.ID,
		Kind:            req.Kind,
		DurationSeconds: call.DurationSeconds(),
		Transcript:      call.FullTranscript(),
		Cost:            call.Cost,
		EndedReason:     call.EndedReason,
		Provider:        echoProvider(req),
		Request:         echoRequest(req),
	}
	if res.Kind == "" {
		res.Kind = MetadataFromMap(call.Metadata).Kind
	}

	if !call.Ended() {
		res.Status = ResultError
		res.Error = "call has not ended (status " + nonEmpty(call.Status, "unknown") + ")"
		return res
	}

	switch call.Classify() {
	case vapi.OutcomeCompleted:
		res.Status = ResultCompleted
	case vapi.OutcomeVoicemail:
		res.Status = ResultVoicemail
	default:
		res.Status = ResultError
		res.Error = "call ended: " + nonEmpty(call.EndedReason, "unknown reason")
	}

	if call.HasAnalysis() {
		res.Analysis = analysisFromVapi(call)
	}
	return res
}

func analysisFromVapi(call vapi.Call) *Analysis {
	a := &Analysis{}
	if sd := call.Analysis.StructuredData; len(sd) > 0 {
		// Malformed structured data still leaves the summary usable.
		_ = json.Unmarshal(sd, a)
	}
	if a.Summary == "" {
		a.Summary = strings.TrimSpace(call.Analysis.Summary)
	}
	if a.Summary == "" {
		a.Summary = strings.TrimSpace(call.Summary)
	}
	a.Availability = strings.ToLower(strings.TrimSpace(a.Availability))
	a.CallOutcome = strings.ToLower(strings.TrimSpace(a.CallOutcome))
	return a
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
