// Package orchestrator drives a service request through research, calling, analysis
// and booking, and is the single writer of request status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"concierge/internal/audit"
	"concierge/internal/calls"
	"concierge/internal/reconcile"
	"concierge/internal/requests"
	"concierge/internal/research"
	"concierge/internal/workflow"
	"concierge/pkg/phone"
)

type Researcher interface {
	Search(ctx context.Context, q research.Query) ([]research.Candidate, error)
}

type BatchCaller interface {
	CallAll(ctx context.Context, reqs []calls.CallRequest, onResult func(i int, r calls.CallResult)) calls.BatchResult
}

type Caller interface {
	InitiateCall(ctx context.Context, req calls.CallRequest) calls.CallResult
	Await(ctx context.Context, req calls.CallRequest, callID string) calls.CallResult
}

// Engine is the external workflow engine. *workflow.Client satisfies it.
type Engine interface {
	Ready(ctx context.Context, policy workflow.Policy) (bool, error)
	Research(ctx context.Context, serviceRequestID string, q research.Query) ([]research.Candidate, error)
	CallProvidersConcurrent(ctx context.Context, serviceRequestID, callbackURL string, reqs []calls.CallRequest) ([]calls.CallResult, error)
	ScheduleService(ctx context.Context, req calls.CallRequest, callbackURL string) (calls.CallResult, error)
}

// Jobs moves long-running work onto the background queue.
type Jobs interface {
	EnqueueRun(ctx context.Context, serviceRequestID string) error
	EnqueueBook(ctx context.Context, serviceRequestID, providerID string) error
	EnqueueNotify(ctx context.Context, serviceRequestID string) error
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type Deps struct {
	Store      requests.Repository
	Audit      *audit.Service
	Reconciler *reconcile.Reconciler
	Researcher Researcher
	Batch      BatchCaller
	Caller     Caller

	// Optional.
	Engine Engine
	Jobs   Jobs
	Locks  Locker
}

type Config struct {
	EnginePolicy workflow.Policy

	// ResultsCallbackURL is where the workflow engine pushes call results.
	ResultsCallbackURL string

	BatchTimeout time.Duration
	LockTTL      time.Duration
}

type Orchestrator struct {
	store      requests.Repository
	auditSvc   *audit.Service
	reconciler *reconcile.Reconciler
	researcher Researcher
	batch      BatchCaller
	caller     Caller
	engine     Engine
	jobs       Jobs
	locks      Locker
	cfg        Config
	clock      func() time.Time
	log        *slog.Logger
}

func New(d Deps, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 45 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.BatchTimeout + 5*time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:      d.Store,
		auditSvc:   d.Audit,
		reconciler: d.Reconciler,
		researcher: d.Researcher,
		batch:      d.Batch,
		caller:     d.Caller,
		engine:     d.Engine,
		jobs:       d.Jobs,
		locks:      d.Locks,
		cfg:        cfg,
		clock:      time.Now,
		log:        log,
	}
}

var (
	ErrBusy             = errors.New("orchestrator: request is being processed")
	ErrRetryNotAllowed  = errors.New("orchestrator: providers can only be retried while calling or analyzing")
	ErrNotSelectable    = errors.New("orchestrator: provider was not reached and cannot be booked")
	ErrProviderMismatch = errors.New("orchestrator: provider does not belong to request")
)

// NewRequest is a validated request as accepted from a user.
type NewRequest struct {
	UserID             string
	Type               requests.Type
	Title              string
	Description        string
	Criteria           string
	Location           string
	Urgency            requests.Urgency
	UserPhone          string
	PreferredContact   requests.ContactMethod
	DirectContactName  string
	DirectContactPhone string
}

// Create stores a new request in researching and schedules its run.
func (o *Orchestrator) Create(ctx context.Context, in NewRequest) (requests.ServiceRequest, error) {
	userPhone, err := phone.Normalize(in.UserPhone)
	if err != nil {
		return requests.ServiceRequest{}, fmt.Errorf("user phone: %w", err)
	}
	if in.Type == "" {
		in.Type = requests.TypeResearchAndBook
	}
	if in.PreferredContact == "" {
		in.PreferredContact = requests.ContactText
	}
	if in.Urgency == "" {
		in.Urgency = requests.UrgencyFlexible
	}

	now := o.clock().UTC()
	sr := requests.ServiceRequest{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		Type:             in.Type,
		Title:            strings.TrimSpace(in.Title),
		Description:      strings.TrimSpace(in.Description),
		Criteria:         strings.TrimSpace(in.Criteria),
		Location:         strings.TrimSpace(in.Location),
		Urgency:          in.Urgency,
		Status:           requests.StatusResearching,
		UserPhone:        userPhone,
		PreferredContact: in.PreferredContact,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var direct *requests.Provider
	if sr.Type == requests.TypeDirectTask {
		contact, err := phone.Normalize(in.DirectContactPhone)
		if err != nil {
			return requests.ServiceRequest{}, fmt.Errorf("direct contact phone: %w", err)
		}
		sr.DirectContactName = strings.TrimSpace(in.DirectContactName)
		sr.DirectContactPhone = contact
		direct = &requests.Provider{
			ID:               uuid.NewString(),
			ServiceRequestID: sr.ID,
			Name:             sr.DirectContactName,
			Phone:            contact,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}

	if err := o.store.CreateRequest(ctx, sr); err != nil {
		return requests.ServiceRequest{}, err
	}
	if direct != nil {
		if err := o.store.CreateProviders(ctx, []requests.Provider{*direct}); err != nil {
			return requests.ServiceRequest{}, err
		}
	}
	o.audit(ctx, sr.ID, "", audit.StepWorkflow, audit.StatusSuccess, "Request created: "+sr.Title)
	o.start(ctx, sr.ID)
	return sr, nil
}

// Run advances the request from whatever state it is in until it waits on something
// outside this process. It is safe to call repeatedly; Resume is the same operation.
func (o *Orchestrator) Run(ctx context.Context, serviceRequestID string) error {
	unlock, err := o.lock(ctx, serviceRequestID)
	if err != nil {
		return err
	}
	defer unlock()

	var prev requests.Status
	for {
		sr, err := o.store.GetRequest(ctx, serviceRequestID)
		if err != nil {
			return err
		}
		if sr.Status == prev {
			return nil
		}
		prev = sr.Status

		switch sr.Status {
		case requests.StatusResearching:
			err = o.research(ctx, sr)
		case requests.StatusCalling:
			err = o.dispatch(ctx, sr)
		case requests.StatusAnalyzing:
			err = o.analyze(ctx, sr)
		case requests.StatusBooking:
			err = o.book(ctx, sr.ID, sr.SelectedProviderID)
		default:
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Resume picks up a request after a restart.
func (o *Orchestrator) Resume(ctx context.Context, serviceRequestID string) error {
	o.log.Info("resuming request", "service_request_id", serviceRequestID)
	return o.Run(ctx, serviceRequestID)
}

// RecordCallResult reconciles one call result and advances the request when it settles
// the batch or finishes a booking.
func (o *Orchestrator) RecordCallResult(ctx context.Context, providerID, serviceRequestID string, res calls.CallResult) error {
	outcome, p, err := o.reconciler.SaveCallResult(ctx, providerID, serviceRequestID, res)
	if err != nil {
		return err
	}
	if res.Kind == calls.KindBooking {
		if outcome != reconcile.OutcomeApplied {
			return nil
		}
		return o.finishBooking(ctx, serviceRequestID, p)
	}
	return o.advanceIfSettled(ctx, serviceRequestID)
}

// RetryProvider re-dials one provider whose call ended. A retry during analysis moves
// the request back to calling.
func (o *Orchestrator) RetryProvider(ctx context.Context, serviceRequestID, providerID string) (requests.Provider, error) {
	sr, err := o.store.GetRequest(ctx, serviceRequestID)
	if err != nil {
		return requests.Provider{}, err
	}
	p, err := o.store.GetProvider(ctx, providerID)
	if err != nil {
		return requests.Provider{}, err
	}
	if p.ServiceRequestID != serviceRequestID {
		return requests.Provider{}, ErrProviderMismatch
	}
	if !p.CallStatus.Terminal() {
		return p, requests.ErrNotRetryable
	}

	switch sr.Status {
	case requests.StatusCalling:
	case requests.StatusAnalyzing:
		if _, err := o.transition(ctx, sr.ID, requests.StatusAnalyzing, requests.StatusCalling, requests.RequestPatch{}); err != nil {
			return requests.Provider{}, err
		}
	default:
		return requests.Provider{}, ErrRetryNotAllowed
	}

	p, err = o.store.ResetForRetry(ctx, providerID)
	if err != nil {
		if aerr := o.advanceIfSettled(ctx, serviceRequestID); aerr != nil {
			o.log.Error("retry: restoring analysis failed", "service_request_id", serviceRequestID, "err", aerr)
		}
		return p, err
	}
	o.audit(ctx, serviceRequestID, providerID, audit.StepRetry, audit.StatusPending, "Retrying call to "+p.Name)
	o.start(ctx, serviceRequestID)
	return p, nil
}

// advanceIfSettled moves calling -> analyzing once no dispatched provider is pending.
func (o *Orchestrator) advanceIfSettled(ctx context.Context, serviceRequestID string) error {
	sr, err := o.store.GetRequest(ctx, serviceRequestID)
	if err != nil {
		return err
	}
	if sr.Status != requests.StatusCalling {
		return nil
	}
	ps, err := o.store.ListProviders(ctx, serviceRequestID)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if p.CallStatus.Pending() {
			return nil
		}
	}
	sr, err = o.transition(ctx, serviceRequestID, requests.StatusCalling, requests.StatusAnalyzing, requests.RequestPatch{})
	if errors.Is(err, requests.ErrStaleState) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.analyze(ctx, sr)
}

func (o *Orchestrator) start(ctx context.Context, serviceRequestID string) {
	if o.jobs != nil {
		if err := o.jobs.EnqueueRun(ctx, serviceRequestID); err != nil {
			o.log.Error("enqueue run failed", "service_request_id", serviceRequestID, "err", err)
		}
		return
	}
	go func() {
		if err := o.Run(context.WithoutCancel(ctx), serviceRequestID); err != nil && !errors.Is(err, ErrBusy) {
			o.log.Error("background run failed", "service_request_id", serviceRequestID, "err", err)
		}
	}()
}

func (o *Orchestrator) notify(ctx context.Context, serviceRequestID string) {
	if o.jobs == nil {
		return
	}
	if err := o.jobs.EnqueueNotify(ctx, serviceRequestID); err != nil {
		o.log.Error("enqueue notify failed", "service_request_id", serviceRequestID, "err", err)
	}
}

func (o *Orchestrator) lock(ctx context.Context, serviceRequestID string) (func(), error) {
	if o.locks == nil {
		return func() {}, nil
	}
	key := "orchestrator:run:" + serviceRequestID
	token, ok, err := o.locks.TryLock(ctx, key, o.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: lock: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		if err := o.locks.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			o.log.Warn("orchestrator: unlock failed", "service_request_id", serviceRequestID, "err", err)
		}
	}, nil
}

// useEngine applies the configured health policy.
func (o *Orchestrator) useEngine(ctx context.Context) (bool, error) {
	if o.engine == nil {
		return false, nil
	}
	return o.engine.Ready(ctx, o.cfg.EnginePolicy)
}

func (o *Orchestrator) audit(ctx context.Context, serviceRequestID, providerID string, step audit.Step, status audit.Status, detail string) {
	if o.auditSvc == nil {
		return
	}
	if err := o.auditSvc.LogProvider(ctx, serviceRequestID, providerID, step, status, detail); err != nil {
		o.log.Warn("interaction log append failed", "service_request_id", serviceRequestID, "step", step, "err", err)
	}
}
