package telephony

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"concierge/pkg/logger"
)

// ReplyHandler decides what an inbound text means and what to answer.
type ReplyHandler interface {
	HandleReply(ctx context.Context, msg InboundSMS) (string, error)
}

// TwilioSMSWebhookHandler converts the Twilio messaging webhook to internal types,
// delegates to Replies, and writes TwiML.
//
// No business logic here.
type TwilioSMSWebhookHandler struct {
	Replies ReplyHandler

	// AuthToken enables signature validation when set.
	AuthToken string

	// PublicURL is the externally visible webhook URL Twilio signs.
	PublicURL string

	Now func() time.Time
}

const fallbackReply = "Sorry, something went wrong on our side. Please try again in a few minutes."

func (h TwilioSMSWebhookHandler) HandleInboundSMS(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Replies == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sms replies not configured"})
		return
	}

	form, err := ParseTwilioInboundSMS(c.Request)
	if err != nil {
		log.Warn("twilio sms parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	if h.AuthToken != "" {
		sig := c.GetHeader("X-Twilio-Signature")
		if !ValidateTwilioSignature(h.AuthToken, h.PublicURL, c.Request.PostForm, sig) {
			log.Warn("twilio signature mismatch", "message_sid", form.MessageSid)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}

	reply, err := h.Replies.HandleReply(c.Request.Context(), form.ToInboundSMS(h.Now()))
	if err != nil {
		log.Error("sms reply handling failed", "from", form.From, "err", err)
		reply = fallbackReply
	}

	twiml, err := RenderMessage(reply)
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
