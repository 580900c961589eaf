package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// TwilioProvider sends SMS through the Twilio REST API.
type TwilioProvider struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	http       *http.Client
	attempts   uint64
}

type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
	Attempts   int
}

// ErrNotConfigured is returned when the Twilio credentials are absent.
var ErrNotConfigured = errors.New("telephony: twilio account sid, auth token and from number are required")

func NewTwilioProvider(opts TwilioOptions) (*TwilioProvider, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" || opts.FromNumber == "" {
		return nil, ErrNotConfigured
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.twilio.com"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	return &TwilioProvider{
		accountSID: opts.AccountSID,
		authToken:  opts.AuthToken,
		from:       opts.FromNumber,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       opts.HTTPClient,
		attempts:   uint64(opts.Attempts),
	}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, p.accountPath(".json"), nil, nil)
}

// SendSMS posts one message. 429 and 5xx responses are retried with backoff.
func (p *TwilioProvider) SendSMS(ctx context.Context, msg OutboundSMS) (SendResult, error) {
	if strings.TrimSpace(msg.To) == "" || strings.TrimSpace(msg.Body) == "" {
		return SendResult{}, errors.New("telephony: sms to and body are required")
	}
	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", p.from)
	form.Set("Body", msg.Body)

	var out struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	b := retry.WithMaxRetries(p.attempts-1, retry.NewExponential(300*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := p.do(ctx, http.MethodPost, p.accountPath("/Messages.json"), form, &out)
		var apiErr *TwilioError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ProviderMessageID: out.SID, Status: out.Status}, nil
}

// TwilioError carries a non-2xx Twilio response.
type TwilioError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *TwilioError) Error() string {
	return fmt.Sprintf("twilio: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

func (e *TwilioError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (p *TwilioProvider) accountPath(suffix string) string {
	return "/2010-04-01/Accounts/" + url.PathEscape(p.accountSID) + suffix
}

func (p *TwilioProvider) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &TwilioError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, te)
		if te.Message == "" {
			te.Message = strings.TrimSpace(string(raw))
		}
		return te
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
