package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrNotFound is returned when the vendor does not know the call id.
var ErrNotFound = errors.New("vapi: call not found")

// APIError carries a non-2xx vendor response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vapi: status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether err is worth retrying: network failures, 429 and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

type Options struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client talks to the voice vendor REST API. All requests share one rate limiter.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("vapi: api key is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("vapi: invalid base url %q", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}, nil
}

// CreateCall starts an outbound phone call.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (Call, error) {
	var out Call
	if err := c.do(ctx, http.MethodPost, "/call", req, &out); err != nil {
		return Call{}, err
	}
	if out.ID == "" {
		return Call{}, errors.New("vapi: create call returned no id")
	}
	return out, nil
}

// GetCall fetches the current state of a call.
func (c *Client) GetCall(ctx context.Context, id string) (Call, error) {
	if id == "" {
		return Call{}, ErrNotFound
	}
	var out Call
	if err := c.do(ctx, http.MethodGet, "/call/"+url.PathEscape(id), nil, &out); err != nil {
		return Call{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("vapi: decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
