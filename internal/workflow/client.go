// Package workflow delegates research, calling and booking to an external Kestra instance.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"concierge/pkg/poll"
)

// Health is the explicit result of an engine health check.
type Health struct {
	Healthy bool
	Reason  string
}

// Policy decides what an unhealthy engine means for the caller.
type Policy int

const (
	// Lenient falls back to in-process execution.
	Lenient Policy = iota
	// Strict fails the operation.
	Strict
)

var (
	ErrEngineUnavailable = errors.New("workflow: engine unavailable")
	ErrExecutionFailed   = errors.New("workflow: execution did not succeed")
	ErrNotConfigured     = errors.New("workflow: engine not configured")
)

type Options struct {
	BaseURL      string
	Username     string
	Password     string
	Token        string
	Namespace    string
	PollInterval time.Duration
	Timeout      time.Duration
	HTTPClient   *http.Client
}

type Client struct {
	opts Options
	http *http.Client
	log  *slog.Logger
}

func NewClient(opts Options, log *slog.Logger) *Client {
	if opts.Namespace == "" {
		opts.Namespace = "ai_concierge"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{opts: opts, http: hc, log: log}
}

func (c *Client) Enabled() bool { return c != nil && c.opts.BaseURL != "" }

// CheckHealth never returns an error; the reason is carried in Health.
func (c *Client) CheckHealth(ctx context.Context) Health {
	if !c.Enabled() {
		return Health{Reason: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var body struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, "", &body); err != nil {
		return Health{Reason: err.Error()}
	}
	if body.Status != "" && !strings.EqualFold(body.Status, "UP") {
		return Health{Reason: "status " + body.Status}
	}
	return Health{Healthy: true}
}

// Ready applies policy to the current health. It reports true when the engine should be used.
// Under Strict an unhealthy engine is an error; under Lenient it is logged and reported false.
func (c *Client) Ready(ctx context.Context, policy Policy) (bool, error) {
	if !c.Enabled() {
		if policy == Strict {
			return false, ErrNotConfigured
		}
		return false, nil
	}
	h := c.CheckHealth(ctx)
	if h.Healthy {
		return true, nil
	}
	if policy == Strict {
		return false, fmt.Errorf("%w: %s", ErrEngineUnavailable, h.Reason)
	}
	c.log.Warn("workflow engine unhealthy, running in-process", "reason", h.Reason)
	return false, nil
}

// Execution is the subset of a Kestra execution this service reads.
type Execution struct {
	ID      string         `json:"id"`
	FlowID  string         `json:"flowId"`
	State   ExecutionState `json:"state"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

type ExecutionState struct {
	Current string `json:"current"`
}

func (e Execution) Terminal() bool {
	switch e.State.Current {
	case "SUCCESS", "FAILED", "KILLED", "WARNING", "CANCELLED":
		return true
	default:
		return false
	}
}

func (e Execution) Succeeded() bool {
	return e.State.Current == "SUCCESS" || e.State.Current == "WARNING"
}

// Output decodes the named output into out. Kestra may deliver it as a JSON
// string or as a structured value.
func (e Execution) Output(name string, out any) error {
	v, ok := e.Outputs[name]
	if !ok {
		return fmt.Errorf("workflow: execution %s has no output %q", e.ID, name)
	}
	if s, ok := v.(string); ok {
		return json.Unmarshal([]byte(s), out)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Trigger starts flowID with the given inputs.
func (c *Client) Trigger(ctx context.Context, flowID string, inputs map[string]string) (Execution, error) {
	if !c.Enabled() {
		return Execution{}, ErrNotConfigured
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range inputs {
		if err := mw.WriteField(k, v); err != nil {
			return Execution{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Execution{}, err
	}

	path := "/api/v1/executions/" + url.PathEscape(c.opts.Namespace) + "/" + url.PathEscape(flowID)
	var ex Execution
	if err := c.do(ctx, http.MethodPost, path, &buf, mw.FormDataContentType(), &ex); err != nil {
		return Execution{}, err
	}
	if ex.ID == "" {
		return Execution{}, errors.New("workflow: trigger returned no execution id")
	}
	c.log.Info("workflow triggered", "flow", flowID, "execution_id", ex.ID)
	return ex, nil
}

// Wait polls the execution until it is terminal or the timeout elapses.
func (c *Client) Wait(ctx context.Context, executionID string) (Execution, error) {
	path := "/api/v1/executions/" + url.PathEscape(executionID)
	ex, err := poll.Until(ctx, c.opts.PollInterval, c.opts.Timeout, func(ctx context.Context) (Execution, bool, error) {
		var ex Execution
		if err := c.do(ctx, http.MethodGet, path, nil, "", &ex); err != nil {
			c.log.Debug("workflow poll failed", "execution_id", executionID, "err", err)
			return ex, false, nil
		}
		return ex, ex.Terminal(), nil
	})
	if err != nil {
		return Execution{}, err
	}
	if !ex.Succeeded() {
		return ex, fmt.Errorf("%w: %s ended %s", ErrExecutionFailed, executionID, ex.State.Current)
	}
	return ex, nil
}

// Run triggers flowID and waits for it.
func (c *Client) Run(ctx context.Context, flowID string, inputs map[string]string) (Execution, error) {
	ex, err := c.Trigger(ctx, flowID, inputs)
	if err != nil {
		return Execution{}, err
	}
	return c.Wait(ctx, ex.ID)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case c.opts.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	case c.opts.Username != "":
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("workflow: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
