package reporting

import "time"

// BatchStatus is the progress view of one request's calling phase.
type BatchStatus struct {
	ServiceRequestID string `json:"service_request_id"`
	RequestStatus    string `json:"request_status"`

	Total      int `json:"total"`
	Unset      int `json:"not_started"`
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Voicemail  int `json:"voicemail"`
	Failed     int `json:"failed"`
	TimedOut   int `json:"timed_out"`
	Booking    int `json:"booking"`

	// Settled is true once no dispatched call is still pending.
	Settled bool `json:"settled"`

	TotalDurationSeconds   float64 `json:"total_duration_seconds"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
	TotalCost              float64 `json:"total_cost"`

	StartedAt *time.Time    `json:"started_at,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// BookingStatus is what the UI polls after a provider was selected.
type BookingStatus struct {
	ServiceRequestID string `json:"service_request_id"`
	RequestStatus    string `json:"request_status"`
	ProviderID       string `json:"provider_id,omitempty"`
	ProviderName     string `json:"provider_name,omitempty"`
	CallStatus       string `json:"call_status,omitempty"`
	BookingConfirmed bool   `json:"booking_confirmed"`
	BookingDate      string `json:"booking_date,omitempty"`
	BookingTime      string `json:"booking_time,omitempty"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`
	FinalOutcome     string `json:"final_outcome,omitempty"`
	Done             bool   `json:"done"`
}
