package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"concierge/internal/notify"
	"concierge/internal/requests"
	"concierge/pkg/logger"
)

type Enricher interface {
	Enrich(ctx context.Context, callID string) error
}

type Runner interface {
	Run(ctx context.Context, serviceRequestID string) error
	Book(ctx context.Context, serviceRequestID, providerID string) error
}

type Notifier interface {
	Notify(ctx context.Context, serviceRequestID string) (notify.Outcome, error)
}

type WorkerOptions struct {
	Concurrency int
	Queue       string
}

type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	enricher Enricher
	runner   Runner
	notifier Notifier
	log      *slog.Logger
}

func NewWorker(opt asynq.RedisConnOpt, wo WorkerOptions, enricher Enricher, runner Runner, notifier Notifier, log *slog.Logger) *Worker {
	if wo.Queue == "" {
		wo.Queue = "default"
	}
	if wo.Concurrency < 1 {
		wo.Concurrency = 10
	}
	if log == nil {
		log = slog.Default()
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: wo.Concurrency,
		Queues: map[string]int{
			wo.Queue: 1,
		},
		Logger:   newAsynqLogger(log),
		LogLevel: asynq.InfoLevel,
	})

	w := &Worker{
		server:   server,
		mux:      asynq.NewServeMux(),
		enricher: enricher,
		runner:   runner,
		notifier: notifier,
		log:      log,
	}
	w.mux.HandleFunc(TaskEnrichCall, w.handleEnrichCall)
	w.mux.HandleFunc(TaskRunRequest, w.handleRunRequest)
	w.mux.HandleFunc(TaskBookProvider, w.handleBookProvider)
	w.mux.HandleFunc(TaskNotifyRequest, w.handleNotifyRequest)
	return w
}

// Run blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "err", err)
	}
}

func (w *Worker) handleEnrichCall(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseEnrichCallPayload(task)
	if err != nil {
		return skip(err)
	}
	log := w.log.With("task", task.Type(), "call_id", payload.CallID)
	return w.finish(log, w.enricher.Enrich(logger.With(ctx, log), payload.CallID))
}

func (w *Worker) handleRunRequest(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseRunRequestPayload(task)
	if err != nil {
		return skip(err)
	}
	log := w.log.With("task", task.Type(), "service_request_id", payload.ServiceRequestID)
	return w.finish(log, w.runner.Run(logger.With(ctx, log), payload.ServiceRequestID))
}

func (w *Worker) handleBookProvider(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseBookProviderPayload(task)
	if err != nil {
		return skip(err)
	}
	log := w.log.With("task", task.Type(), "service_request_id", payload.ServiceRequestID, "provider_id", payload.ProviderID)
	return w.finish(log, w.runner.Book(logger.With(ctx, log), payload.ServiceRequestID, payload.ProviderID))
}

func (w *Worker) handleNotifyRequest(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseNotifyRequestPayload(task)
	if err != nil {
		return skip(err)
	}
	log := w.log.With("task", task.Type(), "service_request_id", payload.ServiceRequestID)
	outcome, err := w.notifier.Notify(logger.With(ctx, log), payload.ServiceRequestID)
	if err == nil && outcome == notify.OutcomeInFlight {
		// Another worker holds the claim; check again later.
		return errors.New("notification in flight")
	}
	return w.finish(log, err)
}

// finish logs the task outcome. Missing rows and stale state will not fix themselves
// on retry.
func (w *Worker) finish(log *slog.Logger, err error) error {
	if err == nil {
		log.Debug("task done")
		return nil
	}
	if errors.Is(err, requests.ErrNotFound) || errors.Is(err, requests.ErrStaleState) {
		log.Warn("task dropped", "err", err)
		return skip(err)
	}
	log.Error("task failed", "err", err)
	return err
}

func skip(err error) error {
	return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
}
