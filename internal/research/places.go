// Package research finds candidate providers through the Places text search API.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"concierge/pkg/phone"
)

// Candidate is one business found by research, phone already normalized.
type Candidate struct {
	SourceID    string  `json:"sourceId"`
	Name        string  `json:"name"`
	Phone       string  `json:"phone"`
	Rating      float64 `json:"rating"`
	ReviewCount int     `json:"reviewCount"`
	Address     string  `json:"address"`
}

type Query struct {
	Service  string
	Location string
	Criteria string
}

func (q Query) Text() string {
	s := strings.TrimSpace(q.Service)
	if loc := strings.TrimSpace(q.Location); loc != "" {
		s += " near " + loc
	}
	return s
}

type Options struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	MinRating  float64
	HTTPClient *http.Client
	Attempts   int
}

// Client calls the Places searchText endpoint.
type Client struct {
	opts Options
	http *http.Client
	log  *slog.Logger
}

var ErrNotConfigured = errors.New("research: places api key not configured")

const fieldMask = "places.id,places.displayName,places.formattedAddress,places.internationalPhoneNumber,places.nationalPhoneNumber,places.rating,places.userRatingCount"

func NewClient(opts Options, log *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://places.googleapis.com"
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{opts: opts, http: hc, log: log}
}

type placesResponse struct {
	Places []struct {
		ID          string `json:"id"`
		DisplayName struct {
			Text string `json:"text"`
		} `json:"displayName"`
		FormattedAddress         string  `json:"formattedAddress"`
		InternationalPhoneNumber string  `json:"internationalPhoneNumber"`
		NationalPhoneNumber      string  `json:"nationalPhoneNumber"`
		Rating                   float64 `json:"rating"`
		UserRatingCount          int     `json:"userRatingCount"`
	} `json:"places"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("research: places status %d: %s", e.code, e.body) }

// Search returns dialable candidates: normalized phone, rating at least MinRating,
// deduplicated by phone, at most MaxResults, in API relevance order.
func (c *Client) Search(ctx context.Context, q Query) ([]Candidate, error) {
	if c.opts.APIKey == "" {
		return nil, ErrNotConfigured
	}
	text := q.Text()
	if text == "" {
		return nil, errors.New("research: empty query")
	}

	body, err := json.Marshal(map[string]any{
		"textQuery":      text,
		"maxResultCount": min(c.opts.MaxResults*2, 20),
	})
	if err != nil {
		return nil, err
	}

	var resp placesResponse
	b := retry.WithMaxRetries(uint64(c.opts.Attempts-1), retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.post(ctx, body, &resp)
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusTooManyRequests || se.code >= 500) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	out := make([]Candidate, 0, len(resp.Places))
	for _, p := range resp.Places {
		raw := p.InternationalPhoneNumber
		if raw == "" {
			raw = p.NationalPhoneNumber
		}
		number, err := phone.Normalize(raw)
		if err != nil {
			c.log.Debug("skipping place without dialable phone", "name", p.DisplayName.Text)
			continue
		}
		if c.opts.MinRating > 0 && p.Rating < c.opts.MinRating {
			continue
		}
		if _, dup := seen[number]; dup {
			continue
		}
		seen[number] = struct{}{}
		out = append(out, Candidate{
			SourceID:    p.ID,
			Name:        p.DisplayName.Text,
			Phone:       number,
			Rating:      p.Rating,
			ReviewCount: p.UserRatingCount,
			Address:     p.FormattedAddress,
		})
		if len(out) == c.opts.MaxResults {
			break
		}
	}
	c.log.Info("research finished", "query", text, "found", len(resp.Places), "usable", len(out))
	return out, nil
}

func (c *Client) post(ctx context.Context, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/places:searchText", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.opts.APIKey)
	req.Header.Set("X-Goog-FieldMask", fieldMask)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	return json.Unmarshal(raw, out)
}
