package telephony

import (
	"context"
	"time"
)

// SMSProvider defines the provider-agnostic interface used by business logic.
//
// Rules:
// - No provider API calls outside telephony adapters.
// - Keep request/response types provider-agnostic; keep raw payloads for debugging only.
type SMSProvider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	SendSMS(ctx context.Context, msg OutboundSMS) (SendResult, error)
}

type OutboundSMS struct {
	// To is E.164.
	To   string `json:"to"`
	Body string `json:"body"`
}

type SendResult struct {
	// ProviderMessageID is the provider's unique identifier for the message.
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status,omitempty"`
}

// InboundSMS represents a text message received from a provider.
type InboundSMS struct {
	ProviderMessageID string `json:"provider_message_id"`

	// From and To are E.164 where possible.
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`

	ReceivedAt time.Time `json:"received_at"`

	// RawPayload is optional for debugging; stored as JSON string.
	RawPayload string `json:"raw_payload,omitempty"`
}
