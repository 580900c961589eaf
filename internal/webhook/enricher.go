package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"concierge/internal/callcache"
	"concierge/internal/calls"
	"concierge/internal/vapi"
)

type CallFetcher interface {
	GetCall(ctx context.Context, id string) (vapi.Call, error)
}

// Recorder persists a finished call result against its provider row.
type Recorder interface {
	RecordCallResult(ctx context.Context, providerID, serviceRequestID string, res calls.CallResult) error
}

var errAnalysisPending = errors.New("webhook: analysis not ready")

// Enricher re-reads an ended call until the vendor's post-call analysis is present.
type Enricher struct {
	cache     callcache.Store
	vendor    CallFetcher
	recorder  Recorder
	attempts  uint64
	baseDelay time.Duration
	log       *slog.Logger
}

func NewEnricher(cache callcache.Store, vendor CallFetcher, recorder Recorder, attempts int, baseDelay time.Duration, log *slog.Logger) *Enricher {
	if attempts <= 0 {
		attempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Enricher{
		cache:     cache,
		vendor:    vendor,
		recorder:  recorder,
		attempts:  uint64(attempts),
		baseDelay: baseDelay,
		log:       log,
	}
}

// Enrich marks the entry fetching and polls the vendor with growing delays. A call whose
// analysis arrives is marked complete and recorded; otherwise the entry ends fetch_failed
// and nothing is recorded.
func (e *Enricher) Enrich(ctx context.Context, callID string) error {
	log := e.log.With("call_id", callID)

	entry, found, err := e.cache.Get(ctx, callID)
	if err != nil {
		log.Warn("enrich: cache read failed", "err", err)
	}
	if found && entry.DataStatus.Terminal() {
		log.Debug("enrich: already finished", "data_status", entry.DataStatus)
		return nil
	}
	best := entry.Call
	best.ID = callID
	e.put(ctx, callID, callcache.DataFetching, best)

	var fetched vapi.Call
	b := retry.WithMaxRetries(e.attempts-1, retry.NewExponential(e.baseDelay))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		call, err := e.vendor.GetCall(ctx, callID)
		if err != nil {
			if vapi.IsTransient(err) || errors.Is(err, vapi.ErrNotFound) {
				return retry.RetryableError(err)
			}
			return err
		}
		fetched = call
		if !call.HasAnalysis() {
			return retry.RetryableError(errAnalysisPending)
		}
		return nil
	})

	if fetched.ID != "" {
		best = MergeCall(best, fetched)
	}
	if err != nil {
		// The waiter falls back to vendor polling on fetch_failed and records what it finds.
		log.Warn("enrich: giving up without analysis", "err", err)
		e.put(ctx, callID, callcache.DataFetchFailed, best)
		return nil
	}
	e.put(ctx, callID, callcache.DataComplete, best)
	return e.record(ctx, best)
}

func (e *Enricher) record(ctx context.Context, call vapi.Call) error {
	if e.recorder == nil {
		return nil
	}
	md := calls.MetadataFromMap(call.Metadata)
	if md.ServiceRequestID == "" || md.ProviderID == "" {
		e.log.Info("enrich: call has no provider metadata, not recorded", "call_id", call.ID)
		return nil
	}
	if call.Status == "" {
		call.Status = vapi.StatusEnded
	}
	res := calls.ResultFromVapi(call, calls.CallRequest{Metadata: md})
	if err := e.recorder.RecordCallResult(ctx, md.ProviderID, md.ServiceRequestID, res); err != nil {
		return fmt.Errorf("record call %s: %w", call.ID, err)
	}
	return nil
}

func (e *Enricher) put(ctx context.Context, callID string, st callcache.DataStatus, call vapi.Call) {
	if err := e.cache.Put(ctx, callcache.Entry{CallID: callID, DataStatus: st, Call: call, UpdatedAt: time.Now().UTC()}); err != nil {
		e.log.Error("enrich: cache write failed", "call_id", callID, "data_status", st, "err", err)
	}
}
