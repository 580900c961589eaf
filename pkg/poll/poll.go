// Package poll waits for an external condition on a fixed interval with an overall deadline.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrTimeout is returned when the condition did not become true before the deadline.
var ErrTimeout = errors.New("poll: timed out")

var errNotReady = errors.New("poll: not ready")

// Func reports the current value and whether polling is done.
// A non-nil error stops polling immediately and is returned as-is.
type Func[T any] func(ctx context.Context) (T, bool, error)

// Until calls fn immediately and then every interval until fn reports done,
// fn returns an error, timeout elapses, or ctx is canceled.
func Until[T any](ctx context.Context, interval, timeout time.Duration, fn Func[T]) (T, error) {
	var out T
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		return out, ErrTimeout
	}

	b := retry.WithMaxDuration(timeout, retry.NewConstant(interval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		v, done, err := fn(ctx)
		if err != nil {
			return err
		}
		if !done {
			return retry.RetryableError(errNotReady)
		}
		out = v
		return nil
	})
	if errors.Is(err, errNotReady) {
		return out, ErrTimeout
	}
	return out, err
}
