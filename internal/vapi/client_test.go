package vapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL, APIKey: "key", RequestsPerSecond: 100})
	require.NoError(t, err)
	return c
}

func TestCreateCall_SendsBearerAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "/call", r.URL.Path)
		var body CreateCallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "+18645551234", body.Customer.Number)
		assert.Equal(t, "p-1", body.Metadata["providerId"])
		_, _ = w.Write([]byte(`{"id":"call-1","status":"queued"}`))
	})

	call, err := c.CreateCall(context.Background(), CreateCallRequest{
		PhoneNumberID: "pn",
		Customer:      Customer{Number: "+18645551234"},
		Metadata:      map[string]string{"providerId": "p-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "call-1", call.ID)
}

func TestGetCall_MapsStatusCodes(t *testing.T) {
	status := http.StatusNotFound
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	})

	_, err := c.GetCall(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	status = http.StatusBadGateway
	_, err = c.GetCall(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	status = http.StatusBadRequest
	_, err = c.GetCall(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}

func TestCall_Classify(t *testing.T) {
	assert.Equal(t, OutcomeVoicemail, Call{EndedReason: "voicemail"}.Classify())
	assert.Equal(t, OutcomeCompleted, Call{EndedReason: "customer-ended-call"}.Classify())
	assert.Equal(t, OutcomeFailed, Call{EndedReason: "customer-did-not-answer"}.Classify())
	assert.Equal(t, OutcomeCompleted, Call{Transcript: "hello"}.Classify())
}

func TestWebhookMessage_CallSnapshot(t *testing.T) {
	var env WebhookEnvelope
	raw := `{"message":{"type":"end-of-call-report","endedReason":"customer-ended-call","transcript":"hi","analysis":{"summary":"ok"},"call":{"id":"c-9","metadata":{"providerId":"p"}}}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	snap := env.Message.CallSnapshot()
	assert.Equal(t, "c-9", snap.ID)
	assert.True(t, snap.Ended())
	assert.True(t, snap.HasAnalysis())
	assert.Equal(t, "hi", snap.FullTranscript())
	assert.Equal(t, "p", snap.Metadata["providerId"])
}
