// Package cooldown decides whether a new alert for a (query, candidate) pair
// falls inside the cooldown window of the most recent prior alert.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
)

// History reads the most recent alert record for a key. It returns an error
// matching domain.ErrNotFound when the key has no history.
type History interface {
	Latest(ctx context.Context, key domain.CooldownKey) (domain.AlertRecord, error)
}

// Decision is the outcome of a cooldown check.
type Decision struct {
	Suppressed bool
	// Remaining is how long the window stays open. Zero when not suppressed.
	Remaining time.Duration
	// Last is the record the decision was based on, if any.
	Last *domain.AlertRecord
}

// Tracker is read-only; it never writes alert records.
type Tracker struct {
	history History
	timeout time.Duration
	now     func() time.Time
}

// New creates a Tracker. timeout bounds each history lookup; zero disables it.
func New(history History, timeout time.Duration) *Tracker {
	return &Tracker{history: history, timeout: timeout, now: time.Now}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Check reports whether key is suppressed for the given window. The outcome
// of the prior notification is irrelevant; sent=false records suppress too.
func (t *Tracker) Check(ctx context.Context, key domain.CooldownKey, window time.Duration) (Decision, error) {
	if window <= 0 {
		return Decision{}, nil
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	last, err := t.history.Latest(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return Decision{}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("cooldown: latest %q/%s: %w", key.QueryText, key.CandidateID, err)
	}
	return decide(last, window, t.now()), nil
}

func decide(last domain.AlertRecord, window time.Duration, now time.Time) Decision {
	remaining := last.CreatedAt.Add(window).Sub(now)
	if remaining <= 0 {
		return Decision{Last: &last}
	}
	return Decision{Suppressed: true, Remaining: remaining, Last: &last}
}
