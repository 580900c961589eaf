package calls

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"concierge/pkg/poll"
)

// Initiator places one call. *Caller satisfies it.
type Initiator interface {
	InitiateCall(ctx context.Context, req CallRequest) CallResult
}

// SlotLimiter caps in-flight calls across processes.
type SlotLimiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type BatchStats struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	TimedOut   int           `json:"timedOut"`
	Duration   time.Duration `json:"duration"`
}

type BatchResult struct {
	Results []CallResult `json:"results"`
	Stats   BatchStats   `json:"stats"`
}

type DispatcherConfig struct {
	MaxConcurrent int
	GroupDelay    time.Duration

	// SlotWait bounds how long a call waits for a global slot before it is failed.
	SlotWait time.Duration
}

// Dispatcher calls many providers in sequential groups of bounded size.
type Dispatcher struct {
	caller Initiator
	slots  SlotLimiter
	cfg    DispatcherConfig
	log    *slog.Logger
}

func NewDispatcher(caller Initiator, slots SlotLimiter, cfg DispatcherConfig, log *slog.Logger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.SlotWait <= 0 {
		cfg.SlotWait = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{caller: caller, slots: slots, cfg: cfg, log: log}
}

// CallAll places every request and returns one result per request, in input order.
// A group is fully settled before the next one starts. onResult, when set, is invoked
// once per finished call; invocations are serialized.
func (d *Dispatcher) CallAll(ctx context.Context, reqs []CallRequest, onResult func(i int, r CallResult)) BatchResult {
	start := time.Now()
	results := make([]CallResult, len(reqs))

	var cbMu sync.Mutex
	report := func(i int, r CallResult) {
		results[i] = r
		if onResult == nil {
			return
		}
		cbMu.Lock()
		defer cbMu.Unlock()
		onResult(i, r)
	}

	k := d.cfg.MaxConcurrent
	for lo := 0; lo < len(reqs); lo += k {
		hi := min(lo+k, len(reqs))

		if lo > 0 && d.cfg.GroupDelay > 0 {
			t := time.NewTimer(d.cfg.GroupDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		if err := ctx.Err(); err != nil {
			for i := lo; i < len(reqs); i++ {
				report(i, errorResult(reqs[i], "", "batch canceled before dispatch"))
			}
			break
		}

		d.log.Info("dispatching call group", "from", lo, "to", hi, "total", len(reqs))
		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				report(i, d.callOne(ctx, reqs[i]))
				return nil
			})
		}
		_ = g.Wait()
	}

	br := BatchResult{Results: results, Stats: Summarize(results)}
	br.Stats.Duration = time.Since(start)
	d.log.Info("batch finished",
		"total", br.Stats.Total,
		"successful", br.Stats.Successful,
		"failed", br.Stats.Failed,
		"timed_out", br.Stats.TimedOut,
		"duration_ms", br.Stats.Duration.Milliseconds(),
	)
	return br
}

func (d *Dispatcher) callOne(ctx context.Context, req CallRequest) (res CallResult) {
	defer func() {
		if r := recover(); r != nil {
			res = errorResult(req, "", "internal error")
		}
	}()

	if d.slots != nil {
		acquired, err := poll.Until(ctx, time.Second, d.cfg.SlotWait, func(ctx context.Context) (bool, bool, error) {
			ok, err := d.slots.Acquire(ctx)
			return ok, ok, err
		})
		switch {
		case err == nil && acquired:
			defer func() {
				if err := d.slots.Release(context.WithoutCancel(ctx)); err != nil {
					d.log.Warn("release call slot failed", "err", err)
				}
			}()
		case errors.Is(err, poll.ErrTimeout):
			return errorResult(req, "", "no call capacity available")
		default:
			d.log.Warn("call slot unavailable, calling uncapped", "err", err)
		}
	}
	return d.caller.InitiateCall(ctx, req)
}

// Summarize counts results by outcome. Voicemail counts as successful: the call was placed and answered.
func Summarize(results []CallResult) BatchStats {
	s := BatchStats{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case ResultCompleted, ResultVoicemail:
			s.Successful++
		case ResultTimeout:
			s.TimedOut++
		default:
			s.Failed++
		}
	}
	return s
}
