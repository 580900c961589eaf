package requests

import (
	"context"
	"time"

	"concierge/internal/audit"
	"concierge/internal/calls"
)

// ProviderUpdate mutates p under a row lock. Returning ok=false leaves the row untouched.
// A non-nil entry is appended to the interaction log in the same transaction.
type ProviderUpdate func(p *Provider) (entry *audit.Entry, ok bool, err error)

// Repository is the persistence contract for requests and their providers.
// Status changes are compare-and-set: the caller names the state it expects to leave.
type Repository interface {
	CreateRequest(ctx context.Context, r ServiceRequest) error
	GetRequest(ctx context.Context, id string) (ServiceRequest, error)
	ListRequestsByUser(ctx context.Context, userID string, limit int) ([]ServiceRequest, error)
	FindLatestByPhone(ctx context.Context, phone string, status Status) (ServiceRequest, error)

	// TransitionRequest moves id from -> to and applies patch. ErrStaleState when the
	// current status is not from.
	TransitionRequest(ctx context.Context, id string, from, to Status, patch RequestPatch) (ServiceRequest, error)

	// MarkNotified sets the notification timestamp only if it is unset. It reports
	// whether this call set it.
	MarkNotified(ctx context.Context, id, method string, at time.Time) (bool, error)

	CreateProviders(ctx context.Context, ps []Provider) error
	GetProvider(ctx context.Context, id string) (Provider, error)
	ListProviders(ctx context.Context, serviceRequestID string) ([]Provider, error)

	// QueueProviders moves every dialable provider of the request to queued and returns them.
	QueueProviders(ctx context.Context, serviceRequestID string) ([]Provider, error)

	// AttachCallID records the vendor call id on a provider whose call is pending.
	AttachCallID(ctx context.Context, providerID, callID string, status calls.CallStatus, at time.Time) error

	// ResetForRetry returns a provider in a terminal call state to queued and clears its call id.
	ResetForRetry(ctx context.Context, providerID string) (Provider, error)

	// BeginBooking atomically moves the request recommended -> booking with the provider
	// selected, and the provider to booking_in_progress.
	BeginBooking(ctx context.Context, serviceRequestID, providerID string) (ServiceRequest, Provider, error)

	UpdateProvider(ctx context.Context, providerID string, fn ProviderUpdate) (Provider, bool, error)
}
