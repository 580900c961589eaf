// Package httpapi holds the HTTP handlers for the public and internal API.
// Keep these thin: parse/validate input, call internal services, return JSON.
package httpapi

import (
	"context"
	"time"

	"concierge/internal/audit"
	"concierge/internal/auth"
	"concierge/internal/notify"
	"concierge/internal/orchestrator"
	"concierge/internal/reporting"
	"concierge/internal/requests"
)

// Notifier sends (or confirms already sent) the user notification for a request.
type Notifier interface {
	Notify(ctx context.Context, serviceRequestID string) (notify.Outcome, error)
}

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Auth         *auth.Manager
	Orchestrator *orchestrator.Orchestrator
	Requests     requests.Repository
	Audit        *audit.Service
	Reporting    *reporting.Service
	Notifier     Notifier
	Validator    *Validator

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h Handlers) validator() *Validator {
	if h.Validator != nil {
		return h.Validator
	}
	return defaultValidator
}
