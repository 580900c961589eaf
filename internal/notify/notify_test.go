package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/audit"
	"concierge/internal/calls"
	"concierge/internal/recommend"
	"concierge/internal/requests"
	"concierge/internal/telephony"
	"concierge/pkg/utils"
)

type fakeSMS struct {
	mu    sync.Mutex
	sent  []telephony.OutboundSMS
	delay time.Duration
	err   error
}

func (f *fakeSMS) Name() string                      { return "fake" }
func (f *fakeSMS) HealthCheck(context.Context) error { return nil }

func (f *fakeSMS) SendSMS(_ context.Context, msg telephony.OutboundSMS) (telephony.SendResult, error) {
	time.Sleep(f.delay)
	if f.err != nil {
		return telephony.SendResult{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return telephony.SendResult{ProviderMessageID: "SM1", Status: "queued"}, nil
}

type fakeVoice struct {
	reqs []calls.CallRequest
	res  calls.CallResult
}

func (f *fakeVoice) InitiateCall(_ context.Context, req calls.CallRequest) calls.CallResult {
	f.reqs = append(f.reqs, req)
	return f.res
}

func setup(t *testing.T, contact requests.ContactMethod) (*requests.MemoryRepo, utils.Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := requests.NewMemoryRepo(nil)
	recs, err := json.Marshal(recommend.Result{
		Recommendations: []recommend.Recommendation{
			{ProviderID: "p-1", Name: "Ace Plumbing", Rating: 4.8, EarliestAvail: "tomorrow 9am"},
			{ProviderID: "p-2", Name: "Bolt Pipes", Rating: 4.5},
		},
	})
	require.NoError(t, err)
	require.NoError(t, repo.CreateRequest(context.Background(), requests.ServiceRequest{
		ID:               "sr-1",
		Title:            "Fix leaking sink",
		Status:           requests.StatusRecommended,
		Recommendations:  recs,
		UserPhone:        "+18645550000",
		PreferredContact: contact,
	}))
	return repo, utils.Locker{RDB: rdb}
}

func TestNotify_SendsSMSOnceAndMarks(t *testing.T) {
	repo, locker := setup(t, requests.ContactText)
	sms := &fakeSMS{}
	n := New(repo, locker, sms, nil, audit.NewService(repo.Logs()), Options{BaseURL: "https://app.example/"}, nil)

	out, err := n.Notify(context.Background(), "sr-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)

	out, err = n.Notify(context.Background(), "sr-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySent, out)

	require.Len(t, sms.sent, 1)
	assert.Contains(t, sms.sent[0].Body, "1. Ace Plumbing")
	assert.Contains(t, sms.sent[0].Body, "Reply 1, 2 to book.")
	assert.Contains(t, sms.sent[0].Body, "https://app.example/requests/sr-1")

	sr, _ := repo.GetRequest(context.Background(), "sr-1")
	require.NotNil(t, sr.NotificationSentAt)
	assert.Equal(t, MethodSMS, sr.NotificationMethod)
}

func TestNotify_ConcurrentTriggersSendOnce(t *testing.T) {
	repo, locker := setup(t, requests.ContactText)
	sms := &fakeSMS{delay: 30 * time.Millisecond}
	n := New(repo, locker, sms, nil, nil, Options{}, nil)

	var sent atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := n.Notify(context.Background(), "sr-1")
			assert.NoError(t, err)
			if out == OutcomeSent {
				sent.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), sent.Load())
	assert.Len(t, sms.sent, 1)
}

func TestNotify_FailureLeavesTimestampUnset(t *testing.T) {
	repo, locker := setup(t, requests.ContactText)
	n := New(repo, locker, &fakeSMS{err: errors.New("twilio down")}, nil, nil, Options{}, nil)

	_, err := n.Notify(context.Background(), "sr-1")
	require.Error(t, err)

	sr, _ := repo.GetRequest(context.Background(), "sr-1")
	assert.Nil(t, sr.NotificationSentAt)

	// The claim was released, so a later attempt can succeed.
	n.sms = &fakeSMS{}
	out, err := n.Notify(context.Background(), "sr-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
}

func TestNotify_PhonePreferenceUsesVoice(t *testing.T) {
	repo, locker := setup(t, requests.ContactPhone)
	voice := &fakeVoice{res: calls.CallResult{Status: calls.ResultVoicemail}}
	n := New(repo, locker, &fakeSMS{}, voice, nil, Options{}, nil)

	out, err := n.Notify(context.Background(), "sr-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	require.Len(t, voice.reqs, 1)
	assert.Equal(t, calls.KindNotification, voice.reqs[0].Kind)
	assert.Equal(t, "+18645550000", voice.reqs[0].Phone)

	sr, _ := repo.GetRequest(context.Background(), "sr-1")
	assert.Equal(t, MethodVoice, sr.NotificationMethod)
}

// bookingSelector moves the request to booking the way the orchestrator does.
type bookingSelector struct {
	repo   *requests.MemoryRepo
	picked []string
}

func (b *bookingSelector) SelectProvider(ctx context.Context, serviceRequestID, providerID string) (requests.ServiceRequest, error) {
	b.picked = append(b.picked, providerID)
	sr, _, err := b.repo.BeginBooking(ctx, serviceRequestID, providerID)
	return sr, err
}

func seedRecommendedProviders(t *testing.T, repo *requests.MemoryRepo) {
	t.Helper()
	require.NoError(t, repo.CreateProviders(context.Background(), []requests.Provider{
		{ID: "p-1", ServiceRequestID: "sr-1", Name: "Ace Plumbing", Phone: "+18645550101", CallStatus: calls.CallStatusCompleted, CallID: "c-1"},
		{ID: "p-2", ServiceRequestID: "sr-1", Name: "Bolt Pipes", Phone: "+18645550102", Position: 1, CallStatus: calls.CallStatusCompleted, CallID: "c-2"},
	}))
}

func TestNotify_VoiceChoiceSelectsProvider(t *testing.T) {
	repo, locker := setup(t, requests.ContactPhone)
	seedRecommendedProviders(t, repo)
	voice := &fakeVoice{res: calls.CallResult{Status: calls.ResultCompleted, CallID: "n-1", Analysis: &calls.Analysis{SelectedOption: 2}}}
	sel := &bookingSelector{repo: repo}
	auditSvc := audit.NewService(repo.Logs())
	n := New(repo, locker, &fakeSMS{}, voice, auditSvc, Options{Selector: sel}, nil)

	out, err := n.Notify(context.Background(), "sr-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)

	require.Len(t, voice.reqs, 1)
	assert.Equal(t, 2, voice.reqs[0].Choices)
	assert.Contains(t, voice.reqs[0].Script, "Option 2: Bolt Pipes")
	assert.Empty(t, voice.reqs[0].PromptOverride)

	assert.Equal(t, []string{"p-2"}, sel.picked)
	sr, _ := repo.GetRequest(context.Background(), "sr-1")
	assert.Equal(t, requests.StatusBooking, sr.Status)
	assert.Equal(t, "p-2", sr.SelectedProviderID)
	assert.NotNil(t, sr.NotificationSentAt)
}

func TestNotify_VoiceChoiceOutOfRangeIsIgnored(t *testing.T) {
	repo, locker := setup(t, requests.ContactPhone)
	seedRecommendedProviders(t, repo)
	voice := &fakeVoice{res: calls.CallResult{Status: calls.ResultCompleted, CallID: "n-1", Analysis: &calls.Analysis{SelectedOption: 3}}}
	sel := &bookingSelector{repo: repo}
	n := New(repo, locker, &fakeSMS{}, voice, nil, Options{Selector: sel}, nil)

	out, err := n.Notify(context.Background(), "sr-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Empty(t, sel.picked)

	sr, _ := repo.GetRequest(context.Background(), "sr-1")
	assert.Equal(t, requests.StatusRecommended, sr.Status)
}

func TestNotify_NotReadyWhileCalling(t *testing.T) {
	repo, locker := setup(t, requests.ContactText)
	_, err := repo.TransitionRequest(context.Background(), "sr-1", requests.StatusRecommended, requests.StatusBooking, requests.RequestPatch{})
	require.NoError(t, err)

	sms := &fakeSMS{}
	out, err := New(repo, locker, sms, nil, nil, Options{}, nil).Notify(context.Background(), "sr-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotReady, out)
	assert.Empty(t, sms.sent)
}

func TestBookingMessage(t *testing.T) {
	sr := requests.ServiceRequest{Title: "Fix sink"}
	p := requests.Provider{Name: "Ace", BookingConfirmed: true, BookingDate: "2026-10-20", BookingTime: "09:00", ConfirmationCode: "AB12"}
	assert.Equal(t, `Booked: Ace for "Fix sink" on 2026-10-20 09:00. Confirmation: AB12`, BookingMessage(sr, p))
}
