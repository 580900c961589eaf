// Package app builds the object graph shared by the api, worker and admin binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"concierge/internal/audit"
	"concierge/internal/auth"
	"concierge/internal/callcache"
	"concierge/internal/calls"
	"concierge/internal/config"
	"concierge/internal/notify"
	"concierge/internal/orchestrator"
	"concierge/internal/reconcile"
	"concierge/internal/reporting"
	"concierge/internal/requests"
	"concierge/internal/research"
	"concierge/internal/routing"
	"concierge/internal/scheduler"
	"concierge/internal/telephony"
	"concierge/internal/vapi"
	"concierge/internal/webhook"
	"concierge/internal/workflow"
	"concierge/pkg/utils"
)

const (
	callResultsPath = "/internal/call-results"
	smsWebhookPath  = "/webhooks/twilio/sms"
	callSlotsKey    = "calls:inflight"
)

// App is the wired service graph. Close releases the database, redis and queue client.
type App struct {
	Config config.Config
	Log    *slog.Logger

	DB    *sql.DB
	Redis *redis.Client

	Auth         *auth.Manager
	Requests     requests.Repository
	Audit        *audit.Service
	Reporting    *reporting.Service
	Orchestrator *orchestrator.Orchestrator
	Notifier     *notify.Notifier
	Jobs         *scheduler.Client
	Webhook      *webhook.Handler
	Enricher     *webhook.Enricher
	Engine       *workflow.Client

	// SMS is nil when Twilio is not configured; inbound replies still work.
	SMS        telephony.SMSProvider
	SMSWebhook telephony.TwilioSMSWebhookHandler

	asynqOpt asynq.RedisClientOpt
}

// New connects to Postgres and Redis and builds every service.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	a, err := build(cfg, log, db, rdb)
	if err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg config.Config, log *slog.Logger, db *sql.DB, rdb *redis.Client) (*App, error) {
	a := &App{Config: cfg, Log: log, DB: db, Redis: rdb}

	tokens, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, err
	}
	a.Auth = tokens

	repo := requests.NewPostgresRepo(db)
	a.Requests = repo
	a.Audit = audit.NewService(audit.NewPostgresRepo(db))
	a.Reporting = reporting.NewService(repo)

	vendor, err := vapi.NewClient(vapi.Options{
		BaseURL:           cfg.Vapi.BaseURL,
		APIKey:            cfg.Vapi.APIKey,
		RequestsPerSecond: cfg.Vapi.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("vapi: %w", err)
	}

	targets, err := routing.ParseDestinations(cfg.Calls.TestPhoneNumbers)
	if err != nil {
		return nil, fmt.Errorf("test numbers: %w", err)
	}
	cache := callcache.NewRedisStore(rdb, cfg.Calls.CacheTTL)

	caller := calls.NewCaller(vendor, cache, routing.NewDialRouter(cfg.Calls.LiveCallsEnabled, targets, nil), calls.CallerConfig{
		PhoneNumberID:     cfg.Vapi.PhoneNumberID,
		CallbackURL:       cfg.Webhook.CallbackURL(),
		WebhookSecret:     cfg.Vapi.WebhookSecret,
		PollInterval:      cfg.Calls.PollInterval,
		Timeout:           cfg.Calls.Timeout,
		CachePollInterval: cfg.Calls.CachePollInterval,
		CacheTimeout:      cfg.Calls.CacheTimeout,
		CacheMaxFetching:  cfg.Calls.CacheMaxFetching,
		CacheMaxNotFound:  cfg.Calls.CacheMaxNotFound,
	}, log.With("component", "caller"))

	var slots calls.SlotLimiter
	if cfg.Calls.GlobalConcurrency > 0 {
		slots = utils.Slots{RDB: rdb, Key: callSlotsKey, Limit: cfg.Calls.GlobalConcurrency, TTL: cfg.Calls.Timeout + cfg.Calls.CacheTimeout}
	}
	dispatcher := calls.NewDispatcher(caller, slots, calls.DispatcherConfig{
		MaxConcurrent: cfg.Calls.MaxConcurrent,
		GroupDelay:    cfg.Calls.GroupDelay,
	}, log.With("component", "dispatcher"))

	places := research.NewClient(research.Options{
		APIKey:     cfg.Places.APIKey,
		BaseURL:    cfg.Places.BaseURL,
		MaxResults: cfg.Places.MaxResults,
		MinRating:  cfg.Places.MinRating,
	}, log.With("component", "research"))

	a.asynqOpt = asynq.RedisClientOpt{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password}
	a.Jobs = scheduler.NewClient(a.asynqOpt, cfg.Worker.Queue)
	locks := utils.Locker{RDB: rdb}

	deps := orchestrator.Deps{
		Store:      repo,
		Audit:      a.Audit,
		Reconciler: reconcile.New(repo, log.With("component", "reconcile")),
		Researcher: places,
		Batch:      dispatcher,
		Caller:     caller,
		Jobs:       a.Jobs,
		Locks:      locks,
	}
	policy := workflow.Lenient
	if cfg.Workflow.Strict {
		policy = workflow.Strict
	}
	resultsURL := ""
	if base := strings.TrimRight(cfg.Webhook.CallbackBaseURL, "/"); base != "" {
		resultsURL = base + callResultsPath
	}
	if cfg.Workflow.Enabled() {
		a.Engine = workflow.NewClient(workflow.Options{
			BaseURL:      cfg.Workflow.BaseURL,
			Username:     cfg.Workflow.Username,
			Password:     cfg.Workflow.Password,
			Token:        cfg.Workflow.Token,
			Namespace:    cfg.Workflow.Namespace,
			PollInterval: cfg.Workflow.PollInterval,
			Timeout:      cfg.Workflow.Timeout,
		}, log.With("component", "workflow"))
		deps.Engine = a.Engine
	}
	a.Orchestrator = orchestrator.New(deps, orchestrator.Config{
		EnginePolicy:       policy,
		ResultsCallbackURL: resultsURL,
		BatchTimeout:       cfg.Calls.BatchTimeout,
	}, log.With("component", "orchestrator"))

	twilio, err := telephony.NewTwilioProvider(telephony.TwilioOptions{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		FromNumber: cfg.Twilio.FromNumber,
		BaseURL:    cfg.Twilio.BaseURL,
	})
	switch {
	case err == nil:
		a.SMS = twilio
	case errors.Is(err, telephony.ErrNotConfigured):
		log.Warn("twilio not configured, notifications fall back to voice")
	default:
		return nil, fmt.Errorf("twilio: %w", err)
	}
	a.Notifier = notify.New(repo, locks, a.SMS, caller, a.Audit, notify.Options{BaseURL: cfg.App.BaseURL, Selector: a.Orchestrator}, log.With("component", "notify"))

	smsURL := ""
	if base := strings.TrimRight(cfg.Webhook.CallbackBaseURL, "/"); base != "" {
		smsURL = base + smsWebhookPath
	}
	a.SMSWebhook = telephony.TwilioSMSWebhookHandler{
		Replies:   a.Orchestrator,
		AuthToken: cfg.Twilio.AuthToken,
		PublicURL: smsURL,
	}

	a.Enricher = webhook.NewEnricher(cache, vendor, a.Orchestrator, cfg.Vapi.EnrichAttempts, cfg.Vapi.EnrichBaseDelay, log.With("component", "enricher"))
	a.Webhook = &webhook.Handler{
		Cache:    cache,
		Secret:   cfg.Vapi.WebhookSecret,
		Enqueuer: a.Jobs,
		Enricher: a.Enricher,
	}
	return a, nil
}

// NewWorker builds the background job server over the same services.
func (a *App) NewWorker() *scheduler.Worker {
	return scheduler.NewWorker(a.asynqOpt, scheduler.WorkerOptions{
		Concurrency: a.Config.Worker.Concurrency,
		Queue:       a.Config.Worker.Queue,
	}, a.Enricher, a.Orchestrator, a.Notifier, a.Log.With("component", "worker"))
}

func (a *App) Close() error {
	var errs []error
	if a.Jobs != nil {
		errs = append(errs, a.Jobs.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
