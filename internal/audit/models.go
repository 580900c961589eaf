package audit

import "time"

// Entry is one interaction log record for a service request.
//
// Invariants:
// - Entries are never updated or deleted.
// - service_request_id is required.
// - DedupeKey, when set, is unique: a second append with the same key is a no-op.
//
// Storage (Postgres):
// - Table interaction_logs, INSERT-only; a trigger rejects UPDATE/DELETE.
// - Read order is created_at, then id.
type Entry struct {
	ID               string `json:"id" db:"id"`
	ServiceRequestID string `json:"service_request_id" db:"service_request_id"`
	ProviderID       string `json:"provider_id,omitempty" db:"provider_id"`

	Step   Step   `json:"step" db:"step"`
	Detail string `json:"detail" db:"detail"`
	Status Status `json:"status" db:"status"`

	Transcript string `json:"transcript,omitempty" db:"transcript"`

	DedupeKey string `json:"-" db:"dedupe_key"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPending Status = "pending"
)

func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusError || s == StatusPending
}

type Step string

const (
	StepResearch   Step = "research"
	StepCall       Step = "provider_call"
	StepBooking    Step = "booking_call"
	StepTransition Step = "status_change"
	StepRecommend  Step = "recommendations"
	StepSelect     Step = "provider_selected"
	StepRetry      Step = "provider_retry"
	StepNotify     Step = "notification"
	StepWorkflow   Step = "workflow"
)
