// Package callcache is the short-lived bridge between vendor webhooks and in-process call waiters.
// Entries are keyed by vendor call id and expire; the database stays the system of record.
package callcache

import (
	"context"
	"time"

	"concierge/internal/vapi"
)

type DataStatus string

const (
	DataPartial     DataStatus = "partial"
	DataFetching    DataStatus = "fetching"
	DataComplete    DataStatus = "complete"
	DataFetchFailed DataStatus = "fetch_failed"
)

// Terminal reports whether no further enrichment will happen for the entry.
func (s DataStatus) Terminal() bool {
	return s == DataComplete || s == DataFetchFailed
}

type Entry struct {
	CallID     string     `json:"call_id"`
	DataStatus DataStatus `json:"data_status"`
	Call       vapi.Call  `json:"call"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Store implementations keep the first terminal entry for a call id; a later Put for
// that call is a no-op.
type Store interface {
	Get(ctx context.Context, callID string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
}
