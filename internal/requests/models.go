// Package requests owns the ServiceRequest and Provider records and their persistence.
package requests

import (
	"encoding/json"
	"errors"
	"time"

	"concierge/internal/calls"
)

// Status is the lifecycle of a service request. Transitions are decided by the orchestrator;
// this package only enforces them as compare-and-set updates.
type Status string

const (
	StatusResearching Status = "researching"
	StatusCalling     Status = "calling"
	StatusAnalyzing   Status = "analyzing"
	StatusRecommended Status = "recommended"
	StatusBooking     Status = "booking"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusResearching, StatusCalling, StatusAnalyzing, StatusRecommended,
		StatusBooking, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

type Type string

const (
	TypeResearchAndBook Type = "research_and_book"
	TypeDirectTask      Type = "direct_task"
)

type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	Urgency24Hours   Urgency = "within_24_hours"
	Urgency2Days     Urgency = "within_2_days"
	UrgencyFlexible  Urgency = "flexible"
)

type ContactMethod string

const (
	ContactPhone ContactMethod = "phone"
	ContactText  ContactMethod = "text"
)

type ServiceRequest struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Type   Type   `json:"type"`

	Title       string  `json:"title"`
	Description string  `json:"description"`
	Criteria    string  `json:"criteria"`
	Location    string  `json:"location"`
	Urgency     Urgency `json:"urgency"`
	Status      Status  `json:"status"`

	SelectedProviderID string          `json:"selected_provider_id,omitempty"`
	FinalOutcome       string          `json:"final_outcome,omitempty"`
	Recommendations    json.RawMessage `json:"recommendations,omitempty"`

	UserPhone        string        `json:"user_phone"`
	PreferredContact ContactMethod `json:"preferred_contact"`

	// Direct tasks name the single business to call.
	DirectContactName  string `json:"direct_contact_name,omitempty"`
	DirectContactPhone string `json:"direct_contact_phone,omitempty"`

	// NotificationSentAt is set once and never cleared.
	NotificationSentAt *time.Time `json:"notification_sent_at,omitempty"`
	NotificationMethod string     `json:"notification_method,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Provider struct {
	ID               string  `json:"id"`
	ServiceRequestID string  `json:"service_request_id"`
	Position         int     `json:"position"`
	Name             string  `json:"name"`
	Phone            string  `json:"phone"`
	Rating           float64 `json:"rating"`
	ReviewCount      int     `json:"review_count"`
	Address          string  `json:"address,omitempty"`
	SourceID         string  `json:"source_id,omitempty"`

	CallStatus      calls.CallStatus  `json:"call_status"`
	CallResult      *calls.CallResult `json:"call_result,omitempty"`
	Transcript      string            `json:"call_transcript,omitempty"`
	Summary         string            `json:"call_summary,omitempty"`
	DurationSeconds float64           `json:"call_duration_sec"`
	Cost            float64           `json:"call_cost"`
	CallID          string            `json:"call_id,omitempty"`
	CalledAt        *time.Time        `json:"called_at,omitempty"`

	BookingConfirmed bool   `json:"booking_confirmed"`
	BookingDate      string `json:"booking_date,omitempty"`
	BookingTime      string `json:"booking_time,omitempty"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dialable reports whether the provider can be dispatched by the batch (not by retry).
func (p Provider) Dialable() bool {
	return p.Phone != "" && p.CallStatus == calls.CallStatusUnset
}

// RequestPatch carries optional column updates applied together with a status transition.
type RequestPatch struct {
	SelectedProviderID *string
	FinalOutcome       *string
	Recommendations    json.RawMessage
}

// Ptr is a small helper for RequestPatch literals.
func Ptr[T any](v T) *T { return &v }

var (
	ErrNotFound = errors.New("requests: not found")

	// ErrStaleState means a compare-and-set update found a different current state.
	ErrStaleState = errors.New("requests: stale state")

	// ErrNotRetryable means the provider is not in a terminal call state.
	ErrNotRetryable = errors.New("requests: provider is not in a terminal call state")
)
