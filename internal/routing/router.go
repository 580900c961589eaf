package routing

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"concierge/pkg/phone"
)

// DialRouter decides the real number an outbound call is placed to.
//
// With live calls enabled the requested destination is dialed as-is.
// Otherwise a test destination is chosen by weight, so the whole pipeline can run
// without dialing real businesses. With no test destinations every call is refused.
type DialRouter struct {
	live    bool
	targets []WeightedDestination

	mu  sync.Mutex
	rng *rand.Rand
}

type WeightedDestination struct {
	// Number is E.164.
	Number string

	// Weight must be > 0.
	Weight int
}

// ParseDestinations reads entries of the form "+15551234567" or "+15551234567=3".
func ParseDestinations(entries []string) ([]WeightedDestination, error) {
	out := make([]WeightedDestination, 0, len(entries))
	for _, raw := range entries {
		num, weight := raw, 1
		if i := strings.LastIndex(raw, "="); i > 0 {
			w, err := strconv.Atoi(strings.TrimSpace(raw[i+1:]))
			if err != nil || w <= 0 {
				return nil, errors.New("routing: invalid weight in " + strconv.Quote(raw))
			}
			num, weight = raw[:i], w
		}
		n, err := phone.Normalize(num)
		if err != nil {
			return nil, errors.New("routing: invalid test number " + strconv.Quote(raw))
		}
		out = append(out, WeightedDestination{Number: n, Weight: weight})
	}
	return out, nil
}

func NewDialRouter(live bool, targets []WeightedDestination, rng *rand.Rand) *DialRouter {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DialRouter{live: live, targets: targets, rng: rng}
}

func (r *DialRouter) Route(_ context.Context, destination string) (Decision, error) {
	if destination == "" {
		return Decision{}, errors.New("routing: destination required")
	}
	if r.live {
		return Decision{Action: ActionConnect, ConnectTo: destination, Reason: "live"}, nil
	}
	if dest, ok := r.pickDestination(); ok {
		return Decision{Action: ActionConnect, ConnectTo: dest, Substituted: dest != destination, Reason: "test_number"}, nil
	}
	return Decision{Action: ActionReject, Reason: "live_calls_disabled"}, nil
}

func (r *DialRouter) pickDestination() (string, bool) {
	var total int
	for _, d := range r.targets {
		if d.Weight <= 0 {
			continue
		}
		total += d.Weight
	}
	if total <= 0 {
		return "", false
	}

	r.mu.Lock()
	n := r.rng.Intn(total) // 0..total-1
	r.mu.Unlock()

	var acc int
	for _, d := range r.targets {
		if d.Weight <= 0 {
			continue
		}
		acc += d.Weight
		if n < acc {
			return d.Number, true
		}
	}
	return "", false
}
