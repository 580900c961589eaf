// Package webhook receives voice vendor callbacks and bridges them to waiting callers.
package webhook

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"concierge/internal/callcache"
	"concierge/internal/vapi"
	"concierge/pkg/logger"
)

const HeaderSecret = "X-Vapi-Secret"

// Enqueuer schedules enrichment of an ended call.
type Enqueuer interface {
	EnqueueEnrich(ctx context.Context, callID string) error
}

type Handler struct {
	Cache    callcache.Store
	Secret   string
	Enqueuer Enqueuer

	// Enricher runs in-process when no Enqueuer is set or enqueueing fails.
	Enricher *Enricher

	Now func() time.Time
}

// HandleVapi acknowledges every authenticated delivery with 200 so the vendor does not
// retry; problems with the payload are logged and the delivery is dropped.
func (h *Handler) HandleVapi(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Secret != "" {
		got := c.GetHeader(HeaderSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
			log.Warn("vapi webhook rejected: bad secret")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	var env vapi.WebhookEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		log.Warn("vapi webhook: undecodable body", "err", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	msg := env.Message
	snap := msg.CallSnapshot()
	if snap.ID == "" {
		log.Warn("vapi webhook: missing call id, dropped", "type", msg.Type)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	log = log.With("call_id", snap.ID, "type", msg.Type)

	ctx := c.Request.Context()
	if err := h.store(ctx, snap); err != nil {
		log.Error("vapi webhook: cache write failed", "err", err)
	}

	if msg.Type == vapi.MessageEndOfCallReport {
		h.enrich(ctx, snap.ID)
	}

	log.Info("vapi webhook accepted", "status", snap.Status)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) store(ctx context.Context, snap vapi.Call) error {
	prev, found, err := h.Cache.Get(ctx, snap.ID)
	if err != nil {
		return err
	}
	next := callcache.Entry{CallID: snap.ID, DataStatus: callcache.DataPartial, Call: snap, UpdatedAt: h.now()}
	if found {
		if prev.DataStatus.Terminal() {
			return nil
		}
		next.Call = MergeCall(prev.Call, snap)
		if prev.DataStatus == callcache.DataFetching {
			next.DataStatus = callcache.DataFetching
		}
	}
	return h.Cache.Put(ctx, next)
}

func (h *Handler) enrich(ctx context.Context, callID string) {
	log := logger.From(ctx).With("call_id", callID)
	if h.Enqueuer != nil {
		err := h.Enqueuer.EnqueueEnrich(ctx, callID)
		if err == nil {
			return
		}
		log.Error("enqueue enrichment failed, enriching in-process", "err", err)
	}
	if h.Enricher == nil {
		log.Warn("no enricher configured; call stays partial")
		return
	}
	go func() {
		bg := logger.With(context.WithoutCancel(ctx), log)
		if err := h.Enricher.Enrich(bg, callID); err != nil {
			log.Error("in-process enrichment failed", "err", err)
		}
	}()
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// MergeCall overlays the non-empty fields of next onto prev.
func MergeCall(prev, next vapi.Call) vapi.Call {
	out := prev
	if next.ID != "" {
		out.ID = next.ID
	}
	if next.Status != "" && out.Status != vapi.StatusEnded {
		out.Status = next.Status
	}
	if next.EndedReason != "" {
		out.EndedReason = next.EndedReason
	}
	if next.Transcript != "" {
		out.Transcript = next.Transcript
	}
	if next.Summary != "" {
		out.Summary = next.Summary
	}
	if next.Analysis != nil {
		out.Analysis = next.Analysis
	}
	if next.Artifact != nil {
		out.Artifact = next.Artifact
	}
	if next.Cost > 0 {
		out.Cost = next.Cost
	}
	if next.StartedAt != nil {
		out.StartedAt = next.StartedAt
	}
	if next.EndedAt != nil {
		out.EndedAt = next.EndedAt
	}
	if len(next.Metadata) > 0 {
		out.Metadata = next.Metadata
	}
	return out
}
