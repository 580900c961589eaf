package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"concierge/internal/orchestrator"
	"concierge/internal/reconcile"
	"concierge/internal/requests"
	"concierge/pkg/apperr"
	"concierge/pkg/logger"
	"concierge/pkg/phone"
)

// toAppErr maps package sentinels onto HTTP-facing kinds. Unknown errors become internal.
func toAppErr(err error) *apperr.Error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, requests.ErrNotFound), errors.Is(err, orchestrator.ErrProviderMismatch),
		errors.Is(err, reconcile.ErrMismatch):
		return apperr.Wrap(apperr.KindNotFound, "not found", err)
	case errors.Is(err, requests.ErrStaleState):
		return apperr.Wrap(apperr.KindConflict, "request is not in a state that allows this action", err)
	case errors.Is(err, orchestrator.ErrBusy):
		return apperr.Wrap(apperr.KindConflict, "request is being processed, try again shortly", err)
	case errors.Is(err, requests.ErrNotRetryable):
		return apperr.Wrap(apperr.KindConflict, "provider call has not finished", err)
	case errors.Is(err, orchestrator.ErrRetryNotAllowed):
		return apperr.Wrap(apperr.KindConflict, "providers can only be retried while calling or analyzing", err)
	case errors.Is(err, orchestrator.ErrNotSelectable):
		return apperr.Wrap(apperr.KindConflict, "provider was not reached and cannot be booked", err)
	case errors.Is(err, phone.ErrInvalid):
		return apperr.Wrap(apperr.KindValidation, "phone number is not dialable", err)
	default:
		return apperr.Wrap(apperr.KindInternal, "internal error", err)
	}
}

func writeError(c *gin.Context, err error) {
	ae := toAppErr(err)
	status := ae.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
	}
	body := gin.H{"error": ae.Message}
	if ae.Details != nil {
		body["details"] = ae.Details
	}
	c.AbortWithStatusJSON(status, body)
}
