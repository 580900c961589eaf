package calls

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/callcache"
	"concierge/internal/routing"
	"concierge/internal/vapi"
)

type fakeVendor struct {
	mu      sync.Mutex
	created []vapi.CreateCallRequest
	gets    int

	createFn func(vapi.CreateCallRequest) (vapi.Call, error)
	getFn    func(id string, n int) (vapi.Call, error)
}

func (f *fakeVendor) CreateCall(_ context.Context, req vapi.CreateCallRequest) (vapi.Call, error) {
	f.mu.Lock()
	f.created = append(f.created, req)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(req)
	}
	return vapi.Call{ID: "call-1", Status: vapi.StatusQueued}, nil
}

func (f *fakeVendor) GetCall(_ context.Context, id string) (vapi.Call, error) {
	f.mu.Lock()
	f.gets++
	n := f.gets
	f.mu.Unlock()
	if f.getFn != nil {
		return f.getFn(id, n)
	}
	return vapi.Call{ID: id, Status: vapi.StatusInProgress}, nil
}

func (f *fakeVendor) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

type netErr struct{}

func (netErr) Error() string   { return "connection refused" }
func (netErr) Timeout() bool   { return false }
func (netErr) Temporary() bool { return false }

var _ net.Error = netErr{}

func endedCall(id string) vapi.Call {
	return vapi.Call{
		ID:          id,
		Status:      vapi.StatusEnded,
		EndedReason: "assistant-ended-call",
		Transcript:  "AI: hello\nUser: yes we can do Tuesday",
		Analysis: &vapi.Analysis{
			Summary:        "Available Tuesday for $80/hr.",
			StructuredData: json.RawMessage(`{"availability":"available","estimated_rate":"$80/hr","all_criteria_met":true,"call_outcome":"positive"}`),
		},
	}
}

func fastConfig() CallerConfig {
	return CallerConfig{
		PhoneNumberID:     "pn-1",
		PollInterval:      5 * time.Millisecond,
		Timeout:           200 * time.Millisecond,
		CachePollInterval: 5 * time.Millisecond,
		CacheTimeout:      500 * time.Millisecond,
		CacheMaxFetching:  50,
		CacheMaxNotFound:  5,
		CreateAttempts:    2,
		CreateBaseDelay:   time.Millisecond,
	}
}

func researchRequest() CallRequest {
	return CallRequest{
		Metadata:      Metadata{ServiceRequestID: "sr-1", ProviderID: "p-1", Kind: KindResearch},
		ProviderName:  "Acme Carpentry",
		Phone:         "(864) 555-1234",
		ServiceNeeded: "carpenter",
		Criteria:      "licensed",
	}
}

func TestInitiateCall_VendorUnreachableYieldsErrorResult(t *testing.T) {
	v := &fakeVendor{createFn: func(vapi.CreateCallRequest) (vapi.Call, error) { return vapi.Call{}, netErr{} }}
	c := NewCaller(v, nil, nil, fastConfig(), nil)

	res := c.InitiateCall(context.Background(), researchRequest())

	assert.Equal(t, ResultError, res.Status)
	assert.Contains(t, res.Error, "connection refused")
	assert.Len(t, v.created, 2, "transient failures are retried")
}

func TestInitiateCall_TerminalVendorErrorIsNotRetried(t *testing.T) {
	v := &fakeVendor{createFn: func(vapi.CreateCallRequest) (vapi.Call, error) {
		return vapi.Call{}, &vapi.APIError{StatusCode: 400, Body: "invalid number"}
	}}
	c := NewCaller(v, nil, nil, fastConfig(), nil)

	res := c.InitiateCall(context.Background(), researchRequest())

	assert.Equal(t, ResultError, res.Status)
	assert.Len(t, v.created, 1)
}

func TestInitiateCall_PanicBecomesErrorResult(t *testing.T) {
	v := &fakeVendor{createFn: func(vapi.CreateCallRequest) (vapi.Call, error) { panic("boom") }}
	c := NewCaller(v, nil, nil, fastConfig(), nil)

	res := c.InitiateCall(context.Background(), researchRequest())

	assert.Equal(t, ResultError, res.Status)
	assert.Contains(t, res.Error, "boom")
}

func TestInitiateCall_InvalidPhone(t *testing.T) {
	v := &fakeVendor{}
	c := NewCaller(v, nil, nil, fastConfig(), nil)

	req := researchRequest()
	req.Phone = "call me maybe"
	res := c.InitiateCall(context.Background(), req)

	assert.Equal(t, ResultError, res.Status)
	assert.Empty(t, v.created)
}

func TestInitiateCall_RouterRejectSkipsVendor(t *testing.T) {
	v := &fakeVendor{}
	c := NewCaller(v, nil, routing.NewDialRouter(false, nil, nil), fastConfig(), nil)

	res := c.InitiateCall(context.Background(), researchRequest())

	assert.Equal(t, ResultError, res.Status)
	assert.Contains(t, res.Error, "live_calls_disabled")
	assert.Empty(t, v.created)
}

func TestInitiateCall_RouterSubstitutesTestNumber(t *testing.T) {
	v := &fakeVendor{getFn: func(id string, _ int) (vapi.Call, error) { return endedCall(id), nil }}
	router := routing.NewDialRouter(false, []routing.WeightedDestination{{Number: "+15005550006", Weight: 1}}, nil)
	c := NewCaller(v, nil, router, fastConfig(), nil)

	res := c.InitiateCall(context.Background(), researchRequest())

	require.Equal(t, ResultCompleted, res.Status)
	require.Len(t, v.created, 1)
	assert.Equal(t, "+15005550006", v.created[0].Customer.Number)
	assert.Equal(t, "+18645551234", res.Provider.Phone)
}

func TestInitiateCall_PollOnlyCompletes(t *testing.T) {
	v := &fakeVendor{getFn: func(id string, n int) (vapi.Call, error) {
		if n < 3 {
			return vapi.Call{ID: id, Status: vapi.StatusInProgress}, nil
		}
		return endedCall(id), nil
	}}
	c := NewCaller(v, callcache.NewMemoryStore(), nil, fastConfig(), nil)
	require.False(t, c.HybridMode())

	var started string
	req := researchRequest()
	req.OnStarted = func(id string) { started = id }
	res := c.InitiateCall(context.Background(), req)

	assert.Equal(t, "call-1", started)
	assert.Equal(t, ResultCompleted, res.Status)
	require.NotNil(t, res.Analysis)
	assert.True(t, res.Analysis.AllCriteriaMet)
	assert.Equal(t, AvailabilityAvailable, res.Analysis.Availability)
	assert.Nil(t, v.created[0].Assistant.Server)
}

func TestInitiateCall_VendorPollTimesOut(t *testing.T) {
	v := &fakeVendor{}
	c := NewCaller(v, nil, nil, fastConfig(), nil)

	res := c.InitiateCall(context.Background(), researchRequest())

	assert.Equal(t, ResultTimeout, res.Status)
	assert.Equal(t, "call-1", res.CallID)
}

func TestInitiateCall_WebhookCompleteSkipsVendorPolling(t *testing.T) {
	cache := callcache.NewMemoryStore()
	v := &fakeVendor{}
	cfg := fastConfig()
	cfg.CallbackURL = "https://concierge.example.com/webhooks/vapi"
	cfg.WebhookSecret = "s3cret"
	c := NewCaller(v, cache, nil, cfg, nil)

	req := researchRequest()
	req.OnStarted = func(id string) {
		go func() {
			ctx := context.Background()
			_ = cache.Put(ctx, callcache.Entry{CallID: id, DataStatus: callcache.DataPartial, Call: vapi.Call{ID: id, Status: vapi.StatusEnded}})
			time.Sleep(20 * time.Millisecond)
			_ = cache.Put(ctx, callcache.Entry{CallID: id, DataStatus: callcache.DataFetching, Call: vapi.Call{ID: id, Status: vapi.StatusEnded}})
			time.Sleep(20 * time.Millisecond)
			_ = cache.Put(ctx, callcache.Entry{CallID: id, DataStatus: callcache.DataComplete, Call: endedCall(id)})
		}()
	}
	res := c.InitiateCall(context.Background(), req)

	assert.Equal(t, ResultCompleted, res.Status)
	assert.NotNil(t, res.Analysis)
	assert.Zero(t, v.getCount(), "vendor must not be polled")

	server := v.created[0].Assistant.Server
	require.NotNil(t, server)
	assert.Equal(t, cfg.CallbackURL, server.URL)
	assert.Equal(t, "sr-1", v.created[0].Metadata["serviceRequestId"])
	assert.Equal(t, "p-1", v.created[0].Metadata["providerId"])
}

func TestInitiateCall_MissingWebhookFallsBackToVendor(t *testing.T) {
	v := &fakeVendor{getFn: func(id string, _ int) (vapi.Call, error) { return endedCall(id), nil }}
	cfg := fastConfig()
	cfg.CallbackURL = "https://concierge.example.com/webhooks/vapi"
	c := NewCaller(v, callcache.NewMemoryStore(), nil, cfg, nil)

	res := c.InitiateCall(context.Background(), researchRequest())

	assert.Equal(t, ResultCompleted, res.Status)
	assert.Equal(t, 1, v.getCount())
}

func TestInitiateCall_FetchFailedFallsBackToVendor(t *testing.T) {
	cache := callcache.NewMemoryStore()
	require.NoError(t, cache.Put(context.Background(), callcache.Entry{CallID: "call-1", DataStatus: callcache.DataFetchFailed}))
	v := &fakeVendor{getFn: func(id string, _ int) (vapi.Call, error) {
		c := endedCall(id)
		c.EndedReason = "voicemail"
		return c, nil
	}}
	cfg := fastConfig()
	cfg.CallbackURL = "https://concierge.example.com/webhooks/vapi"
	cfg.CacheMaxNotFound = 1000

	start := time.Now()
	res := NewCaller(v, cache, nil, cfg, nil).InitiateCall(context.Background(), researchRequest())

	assert.Equal(t, ResultVoicemail, res.Status)
	assert.Less(t, time.Since(start), cfg.CacheTimeout, "fetch_failed must not wait out the cache timeout")
}

func TestInitiateCall_FetchingTooLongFallsBack(t *testing.T) {
	cache := callcache.NewMemoryStore()
	require.NoError(t, cache.Put(context.Background(), callcache.Entry{CallID: "call-1", DataStatus: callcache.DataFetching}))
	v := &fakeVendor{getFn: func(id string, _ int) (vapi.Call, error) { return endedCall(id), nil }}
	cfg := fastConfig()
	cfg.CallbackURL = "https://concierge.example.com/webhooks/vapi"
	cfg.CacheMaxFetching = 3
	cfg.CacheTimeout = 10 * time.Second

	start := time.Now()
	res := NewCaller(v, cache, nil, cfg, nil).InitiateCall(context.Background(), researchRequest())

	assert.Equal(t, ResultCompleted, res.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResultFromVapi_Outcomes(t *testing.T) {
	req := researchRequest()

	failed := vapi.Call{ID: "c", Status: vapi.StatusEnded, EndedReason: "customer-busy"}
	res := ResultFromVapi(failed, req)
	assert.Equal(t, ResultError, res.Status)
	assert.Contains(t, res.Error, "customer-busy")

	vm := vapi.Call{ID: "c", Status: vapi.StatusEnded, EndedReason: "voicemail"}
	assert.Equal(t, ResultVoicemail, ResultFromVapi(vm, req).Status)

	bad := endedCall("c")
	bad.Analysis.StructuredData = json.RawMessage(`not json`)
	res = ResultFromVapi(bad, req)
	require.NotNil(t, res.Analysis)
	assert.Equal(t, "Available Tuesday for $80/hr.", res.Analysis.Summary)

	running := vapi.Call{ID: "c", Status: vapi.StatusInProgress}
	assert.Equal(t, ResultError, ResultFromVapi(running, req).Status)
}

func TestCallResult_Rank(t *testing.T) {
	withAnalysis := CallResult{Status: ResultCompleted, Analysis: &Analysis{}}
	plain := CallResult{Status: ResultCompleted}
	vm := CallResult{Status: ResultVoicemail}
	failed := CallResult{Status: ResultError}

	assert.Greater(t, withAnalysis.Rank(), plain.Rank())
	assert.Greater(t, plain.Rank(), vm.Rank())
	assert.Greater(t, vm.Rank(), failed.Rank())
	assert.Equal(t, failed.Rank(), CallResult{Status: ResultTimeout}.Rank())
}

func TestCallStatus_Classes(t *testing.T) {
	for _, s := range []CallStatus{CallStatusCompleted, CallStatusError, CallStatusVoicemail, CallStatusTimeout} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Pending(), s)
	}
	for _, s := range []CallStatus{CallStatusQueued, CallStatusInProgress, CallStatusBookingInProgress} {
		assert.True(t, s.Pending(), s)
		assert.False(t, s.Terminal(), s)
	}
	assert.False(t, CallStatusUnset.Pending())
	assert.False(t, CallStatus("ringing").Valid())
}

type scriptedInitiator struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	events   []string
	outcome  func(req CallRequest) CallResult
}

func (s *scriptedInitiator) InitiateCall(ctx context.Context, req CallRequest) CallResult {
	s.mu.Lock()
	s.inFlight++
	s.maxSeen = max(s.maxSeen, s.inFlight)
	s.events = append(s.events, "start:"+req.ProviderID)
	s.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	s.mu.Lock()
	s.inFlight--
	s.events = append(s.events, "end:"+req.ProviderID)
	s.mu.Unlock()
	return s.outcome(req)
}

func batchOf(n int) []CallRequest {
	reqs := make([]CallRequest, n)
	for i := range reqs {
		reqs[i] = researchRequest()
		reqs[i].ProviderID = string(rune('a' + i))
	}
	return reqs
}

func TestCallAll_ResultLengthAndStats(t *testing.T) {
	fake := &scriptedInitiator{outcome: func(req CallRequest) CallResult {
		switch req.ProviderID {
		case "a", "d":
			return CallResult{Status: ResultError, Provider: echoProvider(req)}
		case "b":
			return CallResult{Status: ResultTimeout}
		case "c":
			return CallResult{Status: ResultVoicemail}
		default:
			return CallResult{Status: ResultCompleted}
		}
	}}
	d := NewDispatcher(fake, nil, DispatcherConfig{MaxConcurrent: 3, GroupDelay: time.Millisecond}, nil)

	var seen atomic.Int32
	out := d.CallAll(context.Background(), batchOf(7), func(int, CallResult) { seen.Add(1) })

	require.Len(t, out.Results, 7)
	assert.EqualValues(t, 7, seen.Load())
	assert.Equal(t, 7, out.Stats.Total)
	assert.Equal(t, 2, out.Stats.Failed)
	assert.Equal(t, 1, out.Stats.TimedOut)
	assert.Equal(t, 4, out.Stats.Successful)
	assert.Equal(t, 7, out.Stats.Successful+out.Stats.Failed+out.Stats.TimedOut)
	assert.Equal(t, ResultError, out.Results[0].Status, "results keep input order")
	assert.LessOrEqual(t, fake.maxSeen, 3)
}

func TestCallAll_GroupSettlesBeforeNextStarts(t *testing.T) {
	fake := &scriptedInitiator{outcome: func(CallRequest) CallResult { return CallResult{Status: ResultCompleted} }}
	d := NewDispatcher(fake, nil, DispatcherConfig{MaxConcurrent: 2}, nil)

	d.CallAll(context.Background(), batchOf(4), nil)

	pos := map[string]int{}
	for i, e := range fake.events {
		pos[e] = i
	}
	for _, first := range []string{"a", "b"} {
		for _, second := range []string{"c", "d"} {
			assert.Less(t, pos["end:"+first], pos["start:"+second])
		}
	}
}

func TestCallAll_CanceledContextStillReturnsAllResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &scriptedInitiator{outcome: func(CallRequest) CallResult {
		cancel()
		return CallResult{Status: ResultCompleted}
	}}
	d := NewDispatcher(fake, nil, DispatcherConfig{MaxConcurrent: 1}, nil)

	out := d.CallAll(ctx, batchOf(3), nil)

	require.Len(t, out.Results, 3)
	assert.Equal(t, ResultCompleted, out.Results[0].Status)
	assert.Equal(t, ResultError, out.Results[2].Status)
	assert.Equal(t, 3, out.Stats.Successful+out.Stats.Failed+out.Stats.TimedOut)
}

type fakeSlots struct {
	acquire  func() (bool, error)
	released atomic.Int32
}

func (f *fakeSlots) Acquire(context.Context) (bool, error) { return f.acquire() }
func (f *fakeSlots) Release(context.Context) error {
	f.released.Add(1)
	return nil
}

func TestCallAll_SlotsAreReleased(t *testing.T) {
	slots := &fakeSlots{acquire: func() (bool, error) { return true, nil }}
	fake := &scriptedInitiator{outcome: func(CallRequest) CallResult { return CallResult{Status: ResultCompleted} }}
	d := NewDispatcher(fake, slots, DispatcherConfig{MaxConcurrent: 2}, nil)

	d.CallAll(context.Background(), batchOf(3), nil)

	assert.EqualValues(t, 3, slots.released.Load())
}

func TestCallAll_SlotRedisErrorCallsUncapped(t *testing.T) {
	slots := &fakeSlots{acquire: func() (bool, error) { return false, errors.New("redis down") }}
	fake := &scriptedInitiator{outcome: func(CallRequest) CallResult { return CallResult{Status: ResultCompleted} }}
	d := NewDispatcher(fake, slots, DispatcherConfig{MaxConcurrent: 2}, nil)

	out := d.CallAll(context.Background(), batchOf(2), nil)

	assert.Equal(t, 2, out.Stats.Successful)
	assert.Zero(t, slots.released.Load())
}

func TestSystemPrompt_NotificationChoices(t *testing.T) {
	p := systemPrompt(CallRequest{Metadata: Metadata{Kind: KindNotification}, ServiceNeeded: "Fix sink", Script: "Option 1: Ace.", Choices: 2})
	assert.Contains(t, p, "selected_option (1 to 2)")
	assert.Contains(t, p, "Option 1: Ace.")

	p = systemPrompt(CallRequest{Metadata: Metadata{Kind: KindNotification}, Script: "Booked: Ace."})
	assert.NotContains(t, p, "selected_option")
	assert.Contains(t, p, "Booked: Ace.")
}
