package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/calls"
	"concierge/internal/research"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:      srv.URL,
		Username:     "admin",
		Password:     "pw",
		Namespace:    "ai_concierge",
		PollInterval: 5 * time.Millisecond,
		Timeout:      time.Second,
	}, nil)
}

func TestCheckHealth_ReportsReason(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"DOWN"}`))
	}))

	h := c.CheckHealth(context.Background())
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Reason, "503")
}

func TestReady_StrictAndLenient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"DOWN"}`))
	}))

	ok, err := c.Ready(context.Background(), Strict)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrEngineUnavailable)

	ok, err = c.Ready(context.Background(), Lenient)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestReady_NotConfigured(t *testing.T) {
	c := NewClient(Options{}, nil)
	_, err := c.Ready(context.Background(), Strict)
	assert.ErrorIs(t, err, ErrNotConfigured)
	ok, err := c.Ready(context.Background(), Lenient)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestResearch_TriggersAndPollsUntilSuccess(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/executions/ai_concierge/"+FlowResearch, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("service") != "plumber" || r.FormValue("service_request_id") != "sr-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"id":"ex-1","state":{"current":"CREATED"}}`))
	})
	mux.HandleFunc("/api/v1/executions/ex-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"id":"ex-1","state":{"current":"RUNNING"}}`))
			return
		}
		providers, _ := json.Marshal([]research.Candidate{{Name: "Ace", Phone: "+18645550101", Rating: 4.8}})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "ex-1",
			"state":   map[string]string{"current": "SUCCESS"},
			"outputs": map[string]any{"providers": string(providers)},
		})
	})

	c := newTestClient(t, mux)
	got, err := c.Research(context.Background(), "sr-1", research.Query{Service: "plumber", Location: "Greenville"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Ace", got[0].Name)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestScheduleService_FailedExecution(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/executions/ai_concierge/"+FlowSchedule, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ex-2","state":{"current":"CREATED"}}`))
	})
	mux.HandleFunc("/api/v1/executions/ex-2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ex-2","state":{"current":"FAILED"}}`))
	})

	c := newTestClient(t, mux)
	req := calls.CallRequest{ProviderName: "Ace", Phone: "+18645550101"}
	req.ServiceRequestID = "sr-1"
	req.ProviderID = "p-1"
	_, err := c.ScheduleService(context.Background(), req, "")
	assert.True(t, errors.Is(err, ErrExecutionFailed))
}

func TestCallProvidersConcurrent_StructuredOutputs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/executions/ai_concierge/"+FlowContact, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ex-3","state":{"current":"CREATED"}}`))
	})
	mux.HandleFunc("/api/v1/executions/ex-3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ex-3","state":{"current":"SUCCESS"},"outputs":{"results":[{"status":"completed","callId":"c-1"}]}}`))
	})

	c := newTestClient(t, mux)
	got, err := c.CallProvidersConcurrent(context.Background(), "sr-1", "", []calls.CallRequest{{ProviderName: "Ace", Phone: "+18645550101"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, calls.ResultCompleted, got[0].Status)
}
