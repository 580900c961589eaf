package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"concierge/internal/audit"
	"concierge/internal/auth"
	"concierge/internal/orchestrator"
	"concierge/internal/rbac"
	"concierge/internal/requests"
	"concierge/pkg/apperr"
	"concierge/pkg/logger"
)

type createRequestBody struct {
	Type               string `json:"type" validate:"omitempty,oneof=research_and_book direct_task"`
	Title              string `json:"title" validate:"required,max=200"`
	Description        string `json:"description" validate:"required,max=4000"`
	Criteria           string `json:"criteria" validate:"max=2000"`
	Location           string `json:"location" validate:"required_unless=Type direct_task,max=200"`
	Urgency            string `json:"urgency" validate:"omitempty,oneof=immediate within_24_hours within_2_days flexible"`
	UserPhone          string `json:"user_phone" validate:"required,phone"`
	PreferredContact   string `json:"preferred_contact" validate:"omitempty,oneof=phone text"`
	DirectContactName  string `json:"direct_contact_name" validate:"required_if=Type direct_task,max=200"`
	DirectContactPhone string `json:"direct_contact_phone" validate:"required_if=Type direct_task,omitempty,phone"`
}

type selectProviderBody struct {
	ProviderID string `json:"provider_id" validate:"required"`
}

type requestDetail struct {
	Request   requests.ServiceRequest `json:"request"`
	Providers []requests.Provider     `json:"providers"`
	Logs      []audit.Entry           `json:"logs"`
}

func (h Handlers) CreateRequest(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		writeError(c, apperr.Unauthorized("user_id required"))
		return
	}
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperr.Wrap(apperr.KindBadRequest, "invalid json", err))
		return
	}
	if err := h.validator().Struct(body); err != nil {
		writeError(c, err)
		return
	}

	sr, err := h.Orchestrator.Create(c.Request.Context(), orchestrator.NewRequest{
		UserID:             uid,
		Type:               requests.Type(body.Type),
		Title:              body.Title,
		Description:        body.Description,
		Criteria:           body.Criteria,
		Location:           body.Location,
		Urgency:            requests.Urgency(body.Urgency),
		UserPhone:          body.UserPhone,
		PreferredContact:   requests.ContactMethod(body.PreferredContact),
		DirectContactName:  body.DirectContactName,
		DirectContactPhone: body.DirectContactPhone,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("service request created", "service_request_id", sr.ID, "type", sr.Type)
	c.JSON(http.StatusCreated, sr)
}

func (h Handlers) ListRequests(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		writeError(c, apperr.Unauthorized("user_id required"))
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeError(c, apperr.Validation("limit must be between 1 and 200"))
			return
		}
		limit = n
	}
	out, err := h.Requests.ListRequestsByUser(c.Request.Context(), uid, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if out == nil {
		out = []requests.ServiceRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (h Handlers) GetRequest(c *gin.Context) {
	sr, ok := h.ownedRequest(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	ps, err := h.Requests.ListProviders(ctx, sr.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	logs, err := h.Audit.List(ctx, sr.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if ps == nil {
		ps = []requests.Provider{}
	}
	if logs == nil {
		logs = []audit.Entry{}
	}
	c.JSON(http.StatusOK, requestDetail{Request: sr, Providers: ps, Logs: logs})
}

func (h Handlers) BatchStatus(c *gin.Context) {
	sr, ok := h.ownedRequest(c)
	if !ok {
		return
	}
	st, err := h.Reporting.BatchStatus(c.Request.Context(), sr.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h Handlers) BookingStatus(c *gin.Context) {
	sr, ok := h.ownedRequest(c)
	if !ok {
		return
	}
	st, err := h.Reporting.BookingStatus(c.Request.Context(), sr.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h Handlers) SelectProvider(c *gin.Context) {
	sr, ok := h.ownedRequest(c)
	if !ok {
		return
	}
	var body selectProviderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperr.Wrap(apperr.KindBadRequest, "invalid json", err))
		return
	}
	if err := h.validator().Struct(body); err != nil {
		writeError(c, err)
		return
	}
	updated, err := h.Orchestrator.SelectProvider(c.Request.Context(), sr.ID, body.ProviderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, updated)
}

func (h Handlers) RetryProvider(c *gin.Context) {
	sr, ok := h.ownedRequest(c)
	if !ok {
		return
	}
	p, err := h.Orchestrator.RetryProvider(c.Request.Context(), sr.ID, c.Param("provider_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, p)
}

func (h Handlers) Notify(c *gin.Context) {
	sr, ok := h.ownedRequest(c)
	if !ok {
		return
	}
	outcome, err := h.Notifier.Notify(c.Request.Context(), sr.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service_request_id": sr.ID, "outcome": outcome})
}

// ownedRequest loads :id and enforces ownership. Requests owned by someone else
// look exactly like missing ones.
func (h Handlers) ownedRequest(c *gin.Context) (requests.ServiceRequest, bool) {
	ctx := c.Request.Context()
	uid, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)

	sr, err := h.Requests.GetRequest(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return requests.ServiceRequest{}, false
	}
	if !rbac.CanAccessOwned(role, uid, sr.UserID) {
		writeError(c, apperr.NotFound("not found"))
		return requests.ServiceRequest{}, false
	}
	return sr, true
}
