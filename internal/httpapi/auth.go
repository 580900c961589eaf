package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"concierge/internal/auth"
	"concierge/internal/rbac"
	"concierge/pkg/apperr"
	"concierge/pkg/logger"
)

type refreshBody struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// RefreshToken rotates a user's token pair. It sits outside the access token middleware
// because the caller's access token has usually expired.
func (h Handlers) RefreshToken(c *gin.Context) {
	var body refreshBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperr.Wrap(apperr.KindBadRequest, "invalid json", err))
		return
	}
	if err := h.validator().Struct(body); err != nil {
		writeError(c, err)
		return
	}

	now := h.now()
	claims, err := h.Auth.Verify(body.RefreshToken, auth.TokenTypeRefresh, now)
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindUnauthorized, "invalid refresh token", err))
		return
	}
	if rbac.IsHiddenRole(claims.Role) {
		writeError(c, apperr.Forbidden("service tokens cannot be refreshed"))
		return
	}

	pair, err := h.Auth.IssuePair(now, claims.UserID, claims.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("token pair refreshed", "user_id", claims.UserID, "role", claims.Role)
	c.JSON(http.StatusOK, pair)
}
