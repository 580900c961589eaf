package calls

import (
	"errors"
	"strings"
)

// CallStatus is the per-provider call lifecycle stored on the provider row.
//
// Forward-only: unset -> queued -> in_progress -> {completed|error|voicemail|timeout}.
// booking_in_progress opens a second lifecycle on a provider the user selected.
type CallStatus string

const (
	CallStatusUnset             CallStatus = ""
	CallStatusQueued            CallStatus = "queued"
	CallStatusInProgress        CallStatus = "in_progress"
	CallStatusCompleted         CallStatus = "completed"
	CallStatusError             CallStatus = "error"
	CallStatusVoicemail         CallStatus = "voicemail"
	CallStatusTimeout           CallStatus = "timeout"
	CallStatusBookingInProgress CallStatus = "booking_in_progress"
)

// Terminal reports whether no further result is expected for the current attempt.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusError, CallStatusVoicemail, CallStatusTimeout:
		return true
	default:
		return false
	}
}

// Pending reports whether a dispatched call is still outstanding.
func (s CallStatus) Pending() bool {
	switch s {
	case CallStatusQueued, CallStatusInProgress, CallStatusBookingInProgress:
		return true
	default:
		return false
	}
}

func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusUnset, CallStatusQueued, CallStatusInProgress, CallStatusCompleted,
		CallStatusError, CallStatusVoicemail, CallStatusTimeout, CallStatusBookingInProgress:
		return true
	default:
		return false
	}
}

// ResultStatus is the outcome of one call attempt.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultError     ResultStatus = "error"
	ResultTimeout   ResultStatus = "timeout"
	ResultVoicemail ResultStatus = "voicemail"
)

func (s ResultStatus) Valid() bool {
	switch s {
	case ResultCompleted, ResultError, ResultTimeout, ResultVoicemail:
		return true
	default:
		return false
	}
}

// CallStatus is the provider call status a result settles into.
func (s ResultStatus) CallStatus() CallStatus {
	switch s {
	case ResultCompleted:
		return CallStatusCompleted
	case ResultVoicemail:
		return CallStatusVoicemail
	case ResultTimeout:
		return CallStatusTimeout
	default:
		return CallStatusError
	}
}

// Kind says why a call is placed; it decides how the result is reconciled.
type Kind string

const (
	KindResearch     Kind = "research"
	KindBooking      Kind = "booking"
	KindNotification Kind = "notification"
)

// Metadata travels with the vendor call so webhooks can be joined back to their rows.
type Metadata struct {
	ServiceRequestID string `json:"serviceRequestId"`
	ProviderID       string `json:"providerId,omitempty"`
	Kind             Kind   `json:"kind"`
}

func (m Metadata) ToMap() map[string]string {
	out := map[string]string{"serviceRequestId": m.ServiceRequestID, "kind": string(m.Kind)}
	if m.ProviderID != "" {
		out["providerId"] = m.ProviderID
	}
	return out
}

func MetadataFromMap(in map[string]string) Metadata {
	m := Metadata{
		ServiceRequestID: in["serviceRequestId"],
		ProviderID:       in["providerId"],
		Kind:             Kind(in["kind"]),
	}
	if m.Kind == "" {
		m.Kind = KindResearch
	}
	return m
}

// CallRequest is everything needed to place one outbound call.
type CallRequest struct {
	Metadata

	ProviderName string `json:"providerName"`
	Phone        string `json:"phone"`

	ServiceNeeded string `json:"serviceNeeded"`
	Criteria      string `json:"criteria,omitempty"`
	Location      string `json:"location,omitempty"`
	Urgency       string `json:"urgency,omitempty"`

	// Booking calls carry the slot the user is trying to get.
	PreferredSlot string `json:"preferredSlot,omitempty"`

	// PromptOverride replaces the generated system prompt.
	PromptOverride string `json:"promptOverride,omitempty"`

	// Notification calls read Script to the user. Choices > 0 asks them to pick an
	// option from 1 to Choices.
	Script  string `json:"script,omitempty"`
	Choices int    `json:"choices,omitempty"`

	// OnStarted is called once the vendor has accepted the call and assigned an id.
	OnStarted func(callID string) `json:"-"`
}

func (r CallRequest) Validate() error {
	if strings.TrimSpace(r.Phone) == "" {
		return errors.New("calls: phone is required")
	}
	if r.Kind != KindNotification && strings.TrimSpace(r.ProviderName) == "" {
		return errors.New("calls: provider name is required")
	}
	return nil
}

// Analysis is the structured data extracted from the conversation.
type Analysis struct {
	Summary                string `json:"summary,omitempty"`
	Availability           string `json:"availability,omitempty"`
	EarliestAvailability   string `json:"earliest_availability,omitempty"`
	EstimatedRate          string `json:"estimated_rate,omitempty"`
	AllCriteriaMet         bool   `json:"all_criteria_met"`
	CriteriaDetails        string `json:"criteria_details,omitempty"`
	SinglePersonFound      bool   `json:"single_person_found"`
	Recommended            bool   `json:"recommended"`
	Disqualified           bool   `json:"disqualified"`
	DisqualificationReason string `json:"disqualification_reason,omitempty"`
	CallOutcome            string `json:"call_outcome,omitempty"`

	BookingConfirmed bool   `json:"booking_confirmed"`
	BookingDate      string `json:"booking_date,omitempty"`
	BookingTime      string `json:"booking_time,omitempty"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`

	SelectedOption int `json:"selected_option,omitempty"`
}

// Availability values reported by the assistant.
const (
	AvailabilityAvailable   = "available"
	AvailabilityUnavailable = "unavailable"
	AvailabilityCallback    = "callback_requested"
	AvailabilityUnclear     = "unclear"
)

// Outcome values reported by the assistant.
const (
	OutcomePositive = "positive"
	OutcomeNeutral  = "neutral"
	OutcomeNegative = "negative"
)

type ProviderEcho struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Service  string `json:"service,omitempty"`
	Location string `json:"location,omitempty"`
}

type RequestEcho struct {
	Criteria string `json:"criteria,omitempty"`
	Urgency  string `json:"urgency,omitempty"`
}

// CallResult is the normalized outcome of one call attempt. Every failure path produces one.
type CallResult struct {
	Status          ResultStatus `json:"status"`
	CallID          string       `json:"callId,omitempty"`
	Kind            Kind         `json:"kind,omitempty"`
	DurationSeconds float64      `json:"duration"`
	Transcript      string       `json:"transcript,omitempty"`
	Analysis        *Analysis    `json:"analysis,omitempty"`
	Cost            float64      `json:"cost,omitempty"`
	EndedReason     string       `json:"endedReason,omitempty"`
	Provider        ProviderEcho `json:"provider"`
	Request         RequestEcho  `json:"request"`
	Error           string       `json:"error,omitempty"`
}

// Summary is the best available one-paragraph description of the call.
func (r CallResult) Summary() string {
	if r.Analysis != nil && r.Analysis.Summary != "" {
		return r.Analysis.Summary
	}
	if r.Error != "" {
		return r.Error
	}
	return ""
}

// Rank orders results for the same call id so richer data replaces poorer data, never the reverse.
func (r CallResult) Rank() int {
	switch r.Status {
	case ResultCompleted:
		if r.Analysis != nil {
			return 4
		}
		return 3
	case ResultVoicemail:
		return 2
	case ResultError, ResultTimeout:
		return 1
	default:
		return 0
	}
}

func errorResult(req CallRequest, callID, msg string) CallResult {
	return CallResult{
		Status:   ResultError,
		CallID:   callID,
		Kind:     req.Kind,
		Provider: echoProvider(req),
		Request:  echoRequest(req),
		Error:    msg,
	}
}

func timeoutResult(req CallRequest, callID string) CallResult {
	return CallResult{
		Status:   ResultTimeout,
		CallID:   callID,
		Kind:     req.Kind,
		Provider: echoProvider(req),
		Request:  echoRequest(req),
		Error:    "call did not reach a terminal state in time",
	}
}

func echoProvider(req CallRequest) ProviderEcho {
	return ProviderEcho{Name: req.ProviderName, Phone: req.Phone, Service: req.ServiceNeeded, Location: req.Location}
}

func echoRequest(req CallRequest) RequestEcho {
	return RequestEcho{Criteria: req.Criteria, Urgency: req.Urgency}
}
