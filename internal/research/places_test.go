package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const placesBody = `{"places":[
 {"id":"a","displayName":{"text":"Acme Carpentry"},"internationalPhoneNumber":"+1 864-555-1234","rating":4.8,"userRatingCount":120,"formattedAddress":"1 Main St"},
 {"id":"b","displayName":{"text":"Acme Duplicate"},"nationalPhoneNumber":"(864) 555-1234","rating":4.7,"userRatingCount":3},
 {"id":"c","displayName":{"text":"No Phone Co"},"rating":5},
 {"id":"d","displayName":{"text":"Low Rated"},"internationalPhoneNumber":"+1 864-555-9999","rating":2.1},
 {"id":"e","displayName":{"text":"Bob's Builds"},"nationalPhoneNumber":"864.555.0000","rating":4.1,"userRatingCount":40}
]}`

func TestSearch_FiltersAndDedupes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/places:searchText", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-Goog-Api-Key"))
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "places.internationalPhoneNumber")
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "carpenter near Greenville, SC", body["textQuery"])
		_, _ = w.Write([]byte(placesBody))
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL, MinRating: 3.0}, nil)
	out, err := c.Search(context.Background(), Query{Service: "carpenter", Location: "Greenville, SC"})
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, "Acme Carpentry", out[0].Name)
	assert.Equal(t, "+18645551234", out[0].Phone)
	assert.Equal(t, 120, out[0].ReviewCount)
	assert.Equal(t, "+18645550000", out[1].Phone)
}

func TestSearch_MaxResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(placesBody))
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL, MaxResults: 1}, nil)
	out, err := c.Search(context.Background(), Query{Service: "carpenter"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestSearch_RetriesRateLimit(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"places":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL}, nil)
	out, err := c.Search(context.Background(), Query{Service: "plumber"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.EqualValues(t, 2, n.Load())
}

func TestSearch_NotConfigured(t *testing.T) {
	_, err := NewClient(Options{}, nil).Search(context.Background(), Query{Service: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
