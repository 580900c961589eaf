package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/audit"
	"concierge/internal/calls"
	"concierge/internal/reconcile"
	"concierge/internal/recommend"
	"concierge/internal/requests"
	"concierge/internal/research"
	"concierge/internal/telephony"
	"concierge/internal/workflow"
)

type fakeResearcher struct {
	found []research.Candidate
	err   error
	calls int
}

func (f *fakeResearcher) Search(context.Context, research.Query) ([]research.Candidate, error) {
	f.calls++
	return f.found, f.err
}

// fakeBatch answers each request by provider name.
type fakeBatch struct {
	mu      sync.Mutex
	byName  map[string]calls.CallResult
	started []calls.CallRequest
}

func (f *fakeBatch) CallAll(_ context.Context, reqs []calls.CallRequest, onResult func(int, calls.CallResult)) calls.BatchResult {
	results := make([]calls.CallResult, len(reqs))
	for i, req := range reqs {
		res := f.byName[req.ProviderName]
		res.Kind = req.Kind
		if req.OnStarted != nil && res.CallID != "" {
			req.OnStarted(res.CallID)
		}
		f.mu.Lock()
		f.started = append(f.started, req)
		f.mu.Unlock()
		results[i] = res
		onResult(i, res)
	}
	return calls.BatchResult{Results: results, Stats: calls.Summarize(results)}
}

type fakeCaller struct {
	mu       sync.Mutex
	result   calls.CallResult
	initReqs []calls.CallRequest
	awaited  []string
}

func (f *fakeCaller) InitiateCall(_ context.Context, req calls.CallRequest) calls.CallResult {
	f.mu.Lock()
	f.initReqs = append(f.initReqs, req)
	f.mu.Unlock()
	if req.OnStarted != nil && f.result.CallID != "" {
		req.OnStarted(f.result.CallID)
	}
	res := f.result
	res.Kind = req.Kind
	return res
}

func (f *fakeCaller) Await(_ context.Context, req calls.CallRequest, callID string) calls.CallResult {
	f.mu.Lock()
	f.awaited = append(f.awaited, callID)
	f.mu.Unlock()
	res := f.result
	res.CallID = callID
	res.Kind = req.Kind
	return res
}

type fakeJobs struct {
	mu       sync.Mutex
	runs     []string
	bookings [][2]string
	notifies []string
}

func (f *fakeJobs) EnqueueRun(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, id)
	return nil
}

func (f *fakeJobs) EnqueueBook(_ context.Context, id, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookings = append(f.bookings, [2]string{id, providerID})
	return nil
}

func (f *fakeJobs) EnqueueNotify(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, id)
	return nil
}

type fakeEngine struct {
	ready    bool
	readyErr error
	found    []research.Candidate
}

func (f *fakeEngine) Ready(context.Context, workflow.Policy) (bool, error) { return f.ready, f.readyErr }

func (f *fakeEngine) Research(context.Context, string, research.Query) ([]research.Candidate, error) {
	return f.found, nil
}

func (f *fakeEngine) CallProvidersConcurrent(context.Context, string, string, []calls.CallRequest) ([]calls.CallResult, error) {
	return nil, nil
}

func (f *fakeEngine) ScheduleService(context.Context, calls.CallRequest, string) (calls.CallResult, error) {
	return calls.CallResult{}, errors.New("not used")
}

type harness struct {
	repo   *requests.MemoryRepo
	o      *Orchestrator
	res    *fakeResearcher
	batch  *fakeBatch
	caller *fakeCaller
	jobs   *fakeJobs
}

func newHarness(t *testing.T, engine Engine, policy workflow.Policy) *harness {
	t.Helper()
	repo := requests.NewMemoryRepo(nil)
	h := &harness{
		repo:   repo,
		res:    &fakeResearcher{},
		batch:  &fakeBatch{byName: map[string]calls.CallResult{}},
		caller: &fakeCaller{},
		jobs:   &fakeJobs{},
	}
	h.o = New(Deps{
		Store:      repo,
		Audit:      audit.NewService(repo.Logs()),
		Reconciler: reconcile.New(repo, nil),
		Researcher: h.res,
		Batch:      h.batch,
		Caller:     h.caller,
		Engine:     engine,
		Jobs:       h.jobs,
	}, Config{EnginePolicy: policy}, nil)
	return h
}

func completed(callID, summary string, a calls.Analysis) calls.CallResult {
	a.Summary = summary
	return calls.CallResult{Status: calls.ResultCompleted, CallID: callID, Transcript: "AI: hi", Analysis: &a}
}

func seedRequest(t *testing.T, repo *requests.MemoryRepo, id string, status requests.Status) requests.ServiceRequest {
	t.Helper()
	sr := requests.ServiceRequest{
		ID:               id,
		Type:             requests.TypeResearchAndBook,
		Title:            "Fix leaking sink",
		Location:         "Greenville SC",
		Status:           status,
		UserPhone:        "+18645550000",
		PreferredContact: requests.ContactText,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, repo.CreateRequest(context.Background(), sr))
	return sr
}

func seedProviders(t *testing.T, repo *requests.MemoryRepo, ps ...requests.Provider) {
	t.Helper()
	require.NoError(t, repo.CreateProviders(context.Background(), ps))
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to requests.Status
		want     bool
	}{
		{requests.StatusResearching, requests.StatusCalling, true},
		{requests.StatusCalling, requests.StatusAnalyzing, true},
		{requests.StatusAnalyzing, requests.StatusRecommended, true},
		{requests.StatusRecommended, requests.StatusBooking, true},
		{requests.StatusBooking, requests.StatusCompleted, true},
		{requests.StatusBooking, requests.StatusRecommended, true},
		{requests.StatusAnalyzing, requests.StatusCalling, true},
		{requests.StatusRecommended, requests.StatusCompleted, true},
		{requests.StatusRecommended, requests.StatusCalling, false},
		{requests.StatusCalling, requests.StatusResearching, false},
		{requests.StatusCompleted, requests.StatusBooking, false},
		{requests.StatusFailed, requests.StatusCalling, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s->%s", c.from, c.to)
	}
}

func TestRun_ResearchThroughRecommendations(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	h.res.found = []research.Candidate{
		{Name: "Ace", Phone: "+18645550101", Rating: 4.9, ReviewCount: 200},
		{Name: "Bolt", Phone: "+18645550102", Rating: 4.2, ReviewCount: 40},
		{Name: "Crest", Phone: "+18645550103", Rating: 4.7, ReviewCount: 90},
	}
	h.batch.byName["Ace"] = completed("c-1", "Available tomorrow at 9am.", calls.Analysis{
		Availability: calls.AvailabilityAvailable, EarliestAvailability: "tomorrow 9am", EstimatedRate: "$95/hour",
		AllCriteriaMet: true, CallOutcome: calls.OutcomePositive,
	})
	h.batch.byName["Bolt"] = calls.CallResult{Status: calls.ResultVoicemail, CallID: "c-2"}
	h.batch.byName["Crest"] = completed("c-3", "Can come Friday.", calls.Analysis{Availability: calls.AvailabilityAvailable})

	seedRequest(t, h.repo, "sr-1", requests.StatusResearching)
	require.NoError(t, h.o.Run(context.Background(), "sr-1"))

	sr, err := h.repo.GetRequest(context.Background(), "sr-1")
	require.NoError(t, err)
	assert.Equal(t, requests.StatusRecommended, sr.Status)

	var result recommend.Result
	require.NoError(t, json.Unmarshal(sr.Recommendations, &result))
	require.Len(t, result.Recommendations, 2)
	assert.Equal(t, "Ace", result.Recommendations[0].Name)
	assert.Equal(t, 3, result.Stats.TotalCalls)

	ps, _ := h.repo.ListProviders(context.Background(), "sr-1")
	require.Len(t, ps, 3)
	assert.Equal(t, calls.CallStatusCompleted, ps[0].CallStatus)
	assert.Equal(t, "c-1", ps[0].CallID)
	assert.Equal(t, calls.CallStatusVoicemail, ps[1].CallStatus)

	assert.Equal(t, []string{"sr-1"}, h.jobs.notifies)

	var transitions []string
	for _, e := range h.repo.Logs().Entries() {
		if e.Step == audit.StepTransition {
			transitions = append(transitions, e.Detail)
		}
	}
	assert.Equal(t, []string{
		"Status changed from researching to calling",
		"Status changed from calling to analyzing",
		"Status changed from analyzing to recommended",
	}, transitions)
}

func TestRun_NoProvidersFails(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	seedRequest(t, h.repo, "sr-1", requests.StatusResearching)

	require.NoError(t, h.o.Run(context.Background(), "sr-1"))

	sr, _ := h.repo.GetRequest(context.Background(), "sr-1")
	assert.Equal(t, requests.StatusFailed, sr.Status)
	assert.Equal(t, noProvidersOutcome, sr.FinalOutcome)
}

func TestRun_NobodyQualifiesFails(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	h.res.found = []research.Candidate{{Name: "Ace", Phone: "+18645550101"}}
	h.batch.byName["Ace"] = calls.CallResult{Status: calls.ResultError, Error: "busy"}
	seedRequest(t, h.repo, "sr-1", requests.StatusResearching)

	require.NoError(t, h.o.Run(context.Background(), "sr-1"))

	sr, _ := h.repo.GetRequest(context.Background(), "sr-1")
	assert.Equal(t, requests.StatusFailed, sr.Status)
	assert.Equal(t, recommend.NoQualifiedMessage, sr.FinalOutcome)

	require.NotEmpty(t, sr.Recommendations, "the scorer result is kept on failure")
	var result recommend.Result
	require.NoError(t, json.Unmarshal(sr.Recommendations, &result))
	assert.Empty(t, result.Recommendations)
	assert.Equal(t, 1, result.Stats.TotalCalls)
	assert.Equal(t, 1, result.Stats.FailedCalls)
}

func TestRun_StrictEngineUnavailableFailsResearch(t *testing.T) {
	h := newHarness(t, &fakeEngine{readyErr: workflow.ErrEngineUnavailable}, workflow.Strict)
	seedRequest(t, h.repo, "sr-1", requests.StatusResearching)

	err := h.o.Run(context.Background(), "sr-1")
	require.NoError(t, err, "research failure is recorded on the request")

	sr, _ := h.repo.GetRequest(context.Background(), "sr-1")
	assert.Equal(t, requests.StatusFailed, sr.Status)
	assert.Zero(t, h.res.calls, "strict policy must not fall back")
}

func TestRun_LenientEngineFallsBackInProcess(t *testing.T) {
	h := newHarness(t, &fakeEngine{ready: false}, workflow.Lenient)
	h.res.found = []research.Candidate{{Name: "Ace", Phone: "+18645550101"}}
	h.batch.byName["Ace"] = completed("c-1", "Available.", calls.Analysis{Availability: calls.AvailabilityAvailable})
	seedRequest(t, h.repo, "sr-1", requests.StatusResearching)

	require.NoError(t, h.o.Run(context.Background(), "sr-1"))
	assert.Equal(t, 1, h.res.calls)

	sr, _ := h.repo.GetRequest(context.Background(), "sr-1")
	assert.Equal(t, requests.StatusRecommended, sr.Status)
}

func TestRecordCallResult_AdvancesOnlyWhenSettled(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	ctx := context.Background()
	seedRequest(t, h.repo, "sr-1", requests.StatusCalling)
	seedProviders(t, h.repo,
		requests.Provider{ID: "p-1", ServiceRequestID: "sr-1", Name: "Ace", Phone: "+18645550101", CallStatus: calls.CallStatusInProgress, CallID: "c-1"},
		requests.Provider{ID: "p-2", ServiceRequestID: "sr-1", Name: "Bolt", Phone: "+18645550102", Position: 1, CallStatus: calls.CallStatusInProgress, CallID: "c-2"},
	)

	require.NoError(t, h.o.RecordCallResult(ctx, "p-1", "sr-1", completed("c-1", "Available.", calls.Analysis{Availability: calls.AvailabilityAvailable})))
	sr, _ := h.repo.GetRequest(ctx, "sr-1")
	assert.Equal(t, requests.StatusCalling, sr.Status)

	// The same webhook delivered twice changes nothing.
	require.NoError(t, h.o.RecordCallResult(ctx, "p-1", "sr-1", completed("c-1", "Available.", calls.Analysis{Availability: calls.AvailabilityAvailable})))

	require.NoError(t, h.o.RecordCallResult(ctx, "p-2", "sr-1", calls.CallResult{Status: calls.ResultTimeout, CallID: "c-2"}))
	sr, _ = h.repo.GetRequest(ctx, "sr-1")
	assert.Equal(t, requests.StatusRecommended, sr.Status)

	callLogs := 0
	for _, e := range h.repo.Logs().Entries() {
		if e.Step == audit.StepCall && e.ProviderID == "p-1" {
			callLogs++
		}
	}
	assert.Equal(t, 1, callLogs)
}

func TestRun_ResumeAwaitsPlacedCalls(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	h.caller.result = completed("", "Available.", calls.Analysis{Availability: calls.AvailabilityAvailable})
	seedRequest(t, h.repo, "sr-1", requests.StatusCalling)
	seedProviders(t, h.repo,
		requests.Provider{ID: "p-1", ServiceRequestID: "sr-1", Name: "Ace", Phone: "+18645550101", CallStatus: calls.CallStatusInProgress, CallID: "c-1"},
	)

	require.NoError(t, h.o.Resume(context.Background(), "sr-1"))

	assert.Equal(t, []string{"c-1"}, h.caller.awaited)
	assert.Empty(t, h.batch.started)
	sr, _ := h.repo.GetRequest(context.Background(), "sr-1")
	assert.Equal(t, requests.StatusRecommended, sr.Status)
}

func TestRetryProvider(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	ctx := context.Background()
	seedRequest(t, h.repo, "sr-1", requests.StatusCalling)
	seedProviders(t, h.repo,
		requests.Provider{ID: "p-1", ServiceRequestID: "sr-1", Name: "Ace", Phone: "+18645550101", CallStatus: calls.CallStatusError, CallID: "c-1"},
		requests.Provider{ID: "p-2", ServiceRequestID: "sr-1", Name: "Bolt", Phone: "+18645550102", Position: 1, CallStatus: calls.CallStatusInProgress, CallID: "c-2"},
	)

	_, err := h.o.RetryProvider(ctx, "sr-1", "p-2")
	assert.ErrorIs(t, err, requests.ErrNotRetryable)

	p, err := h.o.RetryProvider(ctx, "sr-1", "p-1")
	require.NoError(t, err)
	assert.Equal(t, calls.CallStatusQueued, p.CallStatus)
	assert.Empty(t, p.CallID)
	assert.Equal(t, []string{"sr-1"}, h.jobs.runs)
}

func TestRetryProvider_DuringAnalysisReturnsToCalling(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	ctx := context.Background()
	seedRequest(t, h.repo, "sr-1", requests.StatusAnalyzing)
	seedProviders(t, h.repo,
		requests.Provider{ID: "p-1", ServiceRequestID: "sr-1", Name: "Ace", Phone: "+18645550101", CallStatus: calls.CallStatusTimeout, CallID: "c-1"},
	)

	_, err := h.o.RetryProvider(ctx, "sr-1", "p-1")
	require.NoError(t, err)
	sr, _ := h.repo.GetRequest(ctx, "sr-1")
	assert.Equal(t, requests.StatusCalling, sr.Status)
}

func TestRetryProvider_RefusedAfterRecommendation(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	seedRequest(t, h.repo, "sr-1", requests.StatusRecommended)
	seedProviders(t, h.repo,
		requests.Provider{ID: "p-1", ServiceRequestID: "sr-1", Name: "Ace", Phone: "+18645550101", CallStatus: calls.CallStatusError},
	)

	_, err := h.o.RetryProvider(context.Background(), "sr-1", "p-1")
	assert.ErrorIs(t, err, ErrRetryNotAllowed)
	p, _ := h.repo.GetProvider(context.Background(), "p-1")
	assert.Equal(t, calls.CallStatusError, p.CallStatus)
}

func seedRecommended(t *testing.T, h *harness) {
	t.Helper()
	recs, err := json.Marshal(recommend.Result{Recommendations: []recommend.Recommendation{
		{ProviderID: "p-1", Name: "Ace"},
		{ProviderID: "p-2", Name: "Bolt"},
	}})
	require.NoError(t, err)
	sr := seedRequest(t, h.repo, "sr-1", requests.StatusResearching)
	_, err = h.repo.TransitionRequest(context.Background(), sr.ID, requests.StatusResearching, requests.StatusRecommended, requests.RequestPatch{Recommendations: recs})
	require.NoError(t, err)
	research1 := completed("c-1", "Available.", calls.Analysis{})
	research2 := completed("c-2", "Available.", calls.Analysis{})
	seedProviders(t, h.repo,
		requests.Provider{ID: "p-1", ServiceRequestID: "sr-1", Name: "Ace", Phone: "+18645550101", CallStatus: calls.CallStatusCompleted, CallID: "c-1", CallResult: &research1},
		requests.Provider{ID: "p-2", ServiceRequestID: "sr-1", Name: "Bolt", Phone: "+18645550102", Position: 1, CallStatus: calls.CallStatusCompleted, CallID: "c-2", CallResult: &research2},
	)
}

func TestSelectAndBook_Confirmed(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	ctx := context.Background()
	seedRecommended(t, h)

	sr, err := h.o.SelectProvider(ctx, "sr-1", "p-2")
	require.NoError(t, err)
	assert.Equal(t, requests.StatusBooking, sr.Status)
	assert.Equal(t, [][2]string{{"sr-1", "p-2"}}, h.jobs.bookings)

	_, err = h.o.SelectProvider(ctx, "sr-1", "p-1")
	assert.ErrorIs(t, err, requests.ErrStaleState, "only one provider can be selected")

	h.caller.result = completed("b-1", "Booked for Monday.", calls.Analysis{
		BookingConfirmed: true, BookingDate: "2026-10-19", BookingTime: "09:00", ConfirmationCode: "XY9",
	})
	require.NoError(t, h.o.Book(ctx, "sr-1", "p-2"))

	require.Len(t, h.caller.initReqs, 1)
	assert.Equal(t, calls.KindBooking, h.caller.initReqs[0].Kind)

	sr, _ = h.repo.GetRequest(ctx, "sr-1")
	assert.Equal(t, requests.StatusCompleted, sr.Status)
	assert.Equal(t, "Booked with Bolt for 2026-10-19 09:00 (confirmation XY9).", sr.FinalOutcome)

	p, _ := h.repo.GetProvider(ctx, "p-2")
	assert.True(t, p.BookingConfirmed)
	assert.Equal(t, "b-1", p.CallID)
	assert.Contains(t, h.jobs.notifies, "sr-1")
}

func TestBook_UnconfirmedReturnsToRecommended(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	ctx := context.Background()
	seedRecommended(t, h)

	_, err := h.o.SelectProvider(ctx, "sr-1", "p-1")
	require.NoError(t, err)

	h.caller.result = completed("b-1", "They are fully booked this week.", calls.Analysis{BookingConfirmed: false})
	require.NoError(t, h.o.Book(ctx, "sr-1", "p-1"))

	sr, _ := h.repo.GetRequest(ctx, "sr-1")
	assert.Equal(t, requests.StatusRecommended, sr.Status)
	assert.Contains(t, sr.FinalOutcome, "Booking with Ace was not confirmed.")
}

func bookingPartial(callID string) calls.CallResult {
	return calls.CallResult{Status: calls.ResultCompleted, CallID: callID, Kind: calls.KindBooking, Transcript: "AI: hello"}
}

func bookingConfirmed(callID string) calls.CallResult {
	res := completed(callID, "Booked for Monday.", calls.Analysis{
		BookingConfirmed: true, BookingDate: "2026-10-19", BookingTime: "09:00", ConfirmationCode: "XY9",
	})
	res.Kind = calls.KindBooking
	return res
}

func TestRecordCallResult_LateBookingConfirmationCompletes(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	ctx := context.Background()
	seedRecommended(t, h)

	_, err := h.o.SelectProvider(ctx, "sr-1", "p-2")
	require.NoError(t, err)
	require.NoError(t, h.repo.AttachCallID(ctx, "p-2", "b-1", calls.CallStatusBookingInProgress, time.Now()))

	require.NoError(t, h.o.RecordCallResult(ctx, "p-2", "sr-1", bookingPartial("b-1")))
	sr, _ := h.repo.GetRequest(ctx, "sr-1")
	require.Equal(t, requests.StatusRecommended, sr.Status)

	require.NoError(t, h.o.RecordCallResult(ctx, "p-2", "sr-1", bookingConfirmed("b-1")))

	sr, _ = h.repo.GetRequest(ctx, "sr-1")
	assert.Equal(t, requests.StatusCompleted, sr.Status)
	assert.Equal(t, "Booked with Bolt for 2026-10-19 09:00 (confirmation XY9).", sr.FinalOutcome)
	p, _ := h.repo.GetProvider(ctx, "p-2")
	assert.True(t, p.BookingConfirmed)
	assert.Contains(t, h.jobs.notifies, "sr-1")
}

func TestRecordCallResult_LateConfirmationIgnoredAfterNewSelection(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	ctx := context.Background()
	seedRecommended(t, h)

	_, err := h.o.SelectProvider(ctx, "sr-1", "p-2")
	require.NoError(t, err)
	require.NoError(t, h.repo.AttachCallID(ctx, "p-2", "b-1", calls.CallStatusBookingInProgress, time.Now()))
	require.NoError(t, h.o.RecordCallResult(ctx, "p-2", "sr-1", bookingPartial("b-1")))

	_, err = h.o.SelectProvider(ctx, "sr-1", "p-1")
	require.NoError(t, err)
	require.NoError(t, h.o.RecordCallResult(ctx, "p-2", "sr-1", bookingConfirmed("b-1")))

	sr, _ := h.repo.GetRequest(ctx, "sr-1")
	assert.Equal(t, requests.StatusBooking, sr.Status)
	assert.Equal(t, "p-1", sr.SelectedProviderID)
}

func TestHandleReply(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	ctx := context.Background()
	seedRecommended(t, h)

	reply, err := h.o.HandleReply(ctx, telephony.InboundSMS{From: "+18645559999", Body: "1"})
	require.NoError(t, err)
	assert.Contains(t, reply, "couldn't find")

	reply, err = h.o.HandleReply(ctx, telephony.InboundSMS{From: "+18645550000", Body: "7"})
	require.NoError(t, err)
	assert.Equal(t, "Please reply with a number from 1 to 2 to book.", reply)

	reply, err = h.o.HandleReply(ctx, telephony.InboundSMS{From: "+18645550000", Body: " 2 "})
	require.NoError(t, err)
	assert.Contains(t, reply, "calling Bolt")

	sr, _ := h.repo.GetRequest(ctx, "sr-1")
	assert.Equal(t, requests.StatusBooking, sr.Status)
	assert.Equal(t, "p-2", sr.SelectedProviderID)
}

func TestCreate_DirectTaskCompletesWithSummary(t *testing.T) {
	h := newHarness(t, nil, workflow.Lenient)
	ctx := context.Background()

	sr, err := h.o.Create(ctx, NewRequest{
		UserID:             "u-1",
		Type:               requests.TypeDirectTask,
		Title:              "Ask about refund",
		Description:        "Ask whether the deposit for order 42 will be refunded.",
		UserPhone:          "(864) 555-0000",
		DirectContactName:  "Main Street Hardware",
		DirectContactPhone: "864-555-0111",
	})
	require.NoError(t, err)
	assert.Equal(t, "+18645550000", sr.UserPhone)
	assert.Equal(t, []string{sr.ID}, h.jobs.runs)

	h.batch.byName["Main Street Hardware"] = completed("c-1", "The refund was issued yesterday.", calls.Analysis{})
	require.NoError(t, h.o.Run(ctx, sr.ID))

	got, _ := h.repo.GetRequest(ctx, sr.ID)
	assert.Equal(t, requests.StatusCompleted, got.Status)
	assert.Equal(t, "The refund was issued yesterday.", got.FinalOutcome)
	assert.Zero(t, h.res.calls)
	require.Len(t, h.batch.started, 1)
	assert.Equal(t, "Ask whether the deposit for order 42 will be refunded.", h.batch.started[0].PromptOverride)
}
