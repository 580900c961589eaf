package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"concierge/internal/callcache"
	"concierge/internal/routing"
	"concierge/internal/vapi"
	"concierge/pkg/phone"
	"concierge/pkg/poll"
)

// VendorClient is the subset of the voice vendor API the caller needs.
type VendorClient interface {
	CreateCall(ctx context.Context, req vapi.CreateCallRequest) (vapi.Call, error)
	GetCall(ctx context.Context, id string) (vapi.Call, error)
}

// ResultCache is read by the webhook wait loop.
type ResultCache interface {
	Get(ctx context.Context, callID string) (callcache.Entry, bool, error)
}

type Router interface {
	Route(ctx context.Context, destination string) (routing.Decision, error)
}

type CallerConfig struct {
	PhoneNumberID string

	// CallbackURL enables the webhook wait path. Empty means poll-only.
	CallbackURL   string
	WebhookSecret string

	PollInterval time.Duration
	Timeout      time.Duration

	CachePollInterval time.Duration
	CacheTimeout      time.Duration
	CacheMaxFetching  int
	CacheMaxNotFound  int

	CreateAttempts  int
	CreateBaseDelay time.Duration

	Assistant AssistantOptions
}

func (c CallerConfig) withDefaults() CallerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.CachePollInterval <= 0 {
		c.CachePollInterval = 2 * time.Second
	}
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = 90 * time.Second
	}
	if c.CacheMaxFetching <= 0 {
		c.CacheMaxFetching = 15
	}
	if c.CacheMaxNotFound <= 0 {
		c.CacheMaxNotFound = 10
	}
	if c.CreateAttempts <= 0 {
		c.CreateAttempts = 3
	}
	if c.CreateBaseDelay <= 0 {
		c.CreateBaseDelay = 500 * time.Millisecond
	}
	return c
}

// Caller places single outbound calls and waits for their outcome.
type Caller struct {
	vendor VendorClient
	cache  ResultCache
	router Router
	cfg    CallerConfig
	log    *slog.Logger
}

func NewCaller(vendor VendorClient, cache ResultCache, router Router, cfg CallerConfig, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{vendor: vendor, cache: cache, router: router, cfg: cfg.withDefaults(), log: log}
}

// HybridMode reports whether results are awaited through the webhook cache first.
func (c *Caller) HybridMode() bool {
	return c.cfg.CallbackURL != "" && c.cache != nil
}

var errFallThrough = errors.New("calls: webhook path abandoned")

// InitiateCall places one call and blocks until it has an outcome.
// It never returns an error: every failure is reported as an error, timeout or voicemail result.
func (c *Caller) InitiateCall(ctx context.Context, req CallRequest) (res CallResult) {
	log := c.log.With("service_request_id", req.ServiceRequestID, "provider_id", req.ProviderID, "kind", req.Kind)
	defer func() {
		if r := recover(); r != nil {
			log.Error("call panicked", "panic", r)
			res = errorResult(req, res.CallID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := req.Validate(); err != nil {
		return errorResult(req, "", err.Error())
	}
	number, err := phone.Normalize(req.Phone)
	if err != nil {
		return errorResult(req, "", "invalid phone number: "+req.Phone)
	}
	req.Phone = number

	dialTo := number
	if c.router != nil {
		d, err := c.router.Route(ctx, number)
		if err != nil {
			return errorResult(req, "", err.Error())
		}
		if d.Action != routing.ActionConnect {
			log.Warn("call refused by router", "reason", d.Reason)
			return errorResult(req, "", "call not placed: "+d.Reason)
		}
		if d.Substituted {
			log.Info("dialing test number", "destination", number, "connect_to", d.ConnectTo)
		}
		dialTo = d.ConnectTo
	}

	opts := c.cfg.Assistant
	if c.cfg.CallbackURL != "" {
		opts.ServerURL = c.cfg.CallbackURL
		opts.ServerSecret = c.cfg.WebhookSecret
	}
	created, err := c.create(ctx, BuildCreateRequest(req, dialTo, c.cfg.PhoneNumberID, opts))
	if err != nil {
		log.Error("create call failed", "err", err)
		return errorResult(req, "", "vendor rejected call: "+err.Error())
	}
	log = log.With("call_id", created.ID)
	log.Info("call started", "hybrid", c.HybridMode())

	if req.OnStarted != nil {
		req.OnStarted(created.ID)
	}
	return c.await(ctx, req, created.ID, log)
}

// Await waits for an already-started call. It is used when a process resumes a call it did not place.
func (c *Caller) Await(ctx context.Context, req CallRequest, callID string) CallResult {
	return c.await(ctx, req, callID, c.log.With("call_id", callID, "provider_id", req.ProviderID))
}

func (c *Caller) await(ctx context.Context, req CallRequest, callID string, log *slog.Logger) CallResult {
	if c.HybridMode() {
		if res, ok := c.waitForWebhook(ctx, req, callID, log); ok {
			return res
		}
	}
	return c.pollVendor(ctx, req, callID, log)
}

func (c *Caller) create(ctx context.Context, body vapi.CreateCallRequest) (vapi.Call, error) {
	var out vapi.Call
	b := retry.WithMaxRetries(uint64(c.cfg.CreateAttempts-1), retry.NewExponential(c.cfg.CreateBaseDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		call, err := c.vendor.CreateCall(ctx, body)
		if err != nil {
			if vapi.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = call
		return nil
	})
	return out, err
}

func (c *Caller) waitForWebhook(ctx context.Context, req CallRequest, callID string, log *slog.Logger) (CallResult, bool) {
	var fetching, notFound int
	var reason string

	entry, err := poll.Until(ctx, c.cfg.CachePollInterval, c.cfg.CacheTimeout, func(ctx context.Context) (callcache.Entry, bool, error) {
		e, ok, err := c.cache.Get(ctx, callID)
		if err != nil {
			log.Warn("webhook cache read failed", "err", err)
			ok = false
		}
		if !ok {
			notFound++
			if notFound >= c.cfg.CacheMaxNotFound {
				reason = "not_found"
				return e, false, errFallThrough
			}
			return e, false, nil
		}
		notFound = 0

		switch e.DataStatus {
		case callcache.DataComplete:
			return e, true, nil
		case callcache.DataFetchFailed:
			reason = "fetch_failed"
			return e, false, errFallThrough
		case callcache.DataFetching:
			fetching++
			if fetching > c.cfg.CacheMaxFetching {
				reason = "fetching_too_long"
				return e, false, errFallThrough
			}
		}
		return e, false, nil
	})
	if err == nil {
		log.Info("call result from webhook")
		return ResultFromVapi(entry.Call, req), true
	}
	if errors.Is(err, poll.ErrTimeout) {
		reason = "timeout"
	}
	if ctx.Err() != nil {
		reason = "canceled"
	}
	log.Info("falling back to vendor polling", "reason", reason)
	return CallResult{}, false
}

func (c *Caller) pollVendor(ctx context.Context, req CallRequest, callID string, log *slog.Logger) CallResult {
	call, err := poll.Until(ctx, c.cfg.PollInterval, c.cfg.Timeout, func(ctx context.Context) (vapi.Call, bool, error) {
		call, err := c.vendor.GetCall(ctx, callID)
		if err != nil {
			if vapi.IsTransient(err) || errors.Is(err, vapi.ErrNotFound) {
				log.Debug("vendor poll retry", "err", err)
				return call, false, nil
			}
			return call, false, err
		}
		return call, call.Ended(), nil
	})
	switch {
	case err == nil:
		return ResultFromVapi(call, req)
	case errors.Is(err, poll.ErrTimeout):
		log.Warn("call timed out")
		return timeoutResult(req, callID)
	default:
		log.Error("vendor poll failed", "err", err)
		return errorResult(req, callID, err.Error())
	}
}
