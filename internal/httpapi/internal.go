package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"concierge/internal/calls"
	"concierge/pkg/apperr"
	"concierge/pkg/logger"
)

// callResultBody is what the workflow engine posts for each finished call.
type callResultBody struct {
	ProviderID       string           `json:"provider_id" validate:"required"`
	ServiceRequestID string           `json:"service_request_id" validate:"required"`
	Result           calls.CallResult `json:"result"`
}

// RecordCallResult lets the workflow engine push results into the reconciler.
// Replays are harmless; the reconciler dedupes by call id.
func (h Handlers) RecordCallResult(c *gin.Context) {
	var body callResultBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperr.Wrap(apperr.KindBadRequest, "invalid json", err))
		return
	}
	if err := h.validator().Struct(body); err != nil {
		writeError(c, err)
		return
	}
	if !body.Result.Status.Valid() {
		writeError(c, apperr.Validation("validation failed").WithDetails([]FieldError{{
			Field:   "result.status",
			Rule:    "oneof",
			Message: "result.status must be one of: completed error timeout voicemail",
		}}))
		return
	}
	if body.Result.CallID == "" && body.Result.Status != calls.ResultError {
		writeError(c, apperr.Validation("validation failed").WithDetails([]FieldError{{
			Field:   "result.callId",
			Rule:    "required_unless",
			Message: "result.callId is required unless result.status is error",
		}}))
		return
	}

	log := logger.FromGin(c).With("service_request_id", body.ServiceRequestID, "provider_id", body.ProviderID, "call_id", body.Result.CallID)
	if err := h.Orchestrator.RecordCallResult(c.Request.Context(), body.ProviderID, body.ServiceRequestID, body.Result); err != nil {
		log.Warn("engine call result rejected", "err", err)
		writeError(c, err)
		return
	}
	log.Info("engine call result recorded", "status", body.Result.Status)
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
