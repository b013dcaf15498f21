package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vast-data/cosmos-labs-sub001/engine/alert"
	"github.com/vast-data/cosmos-labs-sub001/pkg/config"
	"github.com/vast-data/cosmos-labs-sub001/pkg/natsutil"
)

// Evaluator is satisfied by *alert.Evaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, queries []alert.Query) alert.Summary
}

// Trigger requests an out-of-schedule run.
type Trigger struct {
	Reason string `json:"reason,omitempty"`
}

// runner serializes evaluation runs within the process. A tick that arrives
// while a run is in flight is dropped rather than queued.
type runner struct {
	eval    Evaluator
	queries []alert.Query
	pub     natsutil.Publisher // nil disables summary publishing
	subject string
	logger  *slog.Logger

	mu sync.Mutex
}

// tick runs every query once. It reports false if a run was already active.
func (r *runner) tick(ctx context.Context, reason string) (alert.Summary, bool) {
	if !r.mu.TryLock() {
		r.logger.Warn("run skipped, previous run still active", "reason", reason)
		return alert.Summary{}, false
	}
	defer r.mu.Unlock()

	sum := r.eval.Evaluate(ctx, r.queries)
	r.logger.Info("run finished",
		"reason", reason,
		"queries", len(sum.Queries),
		"sent", sum.AlertsSent,
		"partial", sum.AlertsPartial,
		"failed_queries", sum.FailedQueries,
		"duration", sum.Duration,
	)

	if r.pub != nil && r.subject != "" {
		if err := natsutil.Publish(ctx, r.pub, r.subject, sum); err != nil {
			r.logger.Warn("publish run summary", "subject", r.subject, "err", err)
		}
	}
	return sum, true
}

func toAlertQuery(q config.Query) alert.Query {
	threshold := q.Threshold
	return alert.Query{
		Text:        q.Text,
		Threshold:   &threshold,
		Tags:        q.Tags,
		Destination: q.Destination,
	}
}
