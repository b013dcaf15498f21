// Package alert evaluates configured queries against newly indexed segments
// and raises threshold alerts, suppressing repeats inside a cooldown window.
//
// Per candidate the evaluator moves through:
//
//	Ranked -> Discarded                      similarity < threshold
//	       -> ThresholdPassed -> Suppressed  inside cooldown window
//	                          -> Eligible -> Alerted         notification sent
//	                                      -> AlertedPartial  notification failed
//
// Alerted and AlertedPartial both persist an AlertRecord, so a failed
// delivery still starts a cooldown window.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/vast-data/cosmos-labs-sub001/engine/cooldown"
	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
	"github.com/vast-data/cosmos-labs-sub001/engine/notify"
	"github.com/vast-data/cosmos-labs-sub001/engine/rank"
	"github.com/vast-data/cosmos-labs-sub001/pkg/fn"
	"github.com/vast-data/cosmos-labs-sub001/pkg/metrics"
)

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Ranker is satisfied by *rank.Ranker.
type Ranker interface {
	Rank(ctx context.Context, req rank.Request) (rank.Result, error)
}

// Cooldown is satisfied by *cooldown.Tracker.
type Cooldown interface {
	Check(ctx context.Context, key domain.CooldownKey, window time.Duration) (cooldown.Decision, error)
}

// Recorder persists alert records. Put must be idempotent by record ID.
type Recorder interface {
	Put(ctx context.Context, rec domain.AlertRecord) error
}

// Query is one configured alert query.
type Query struct {
	Text string `json:"query_text"`
	// Threshold is the minimum similarity. Nil uses Options.DefaultThreshold.
	Threshold   *float64 `json:"threshold,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Destination string   `json:"destination,omitempty"`
}

// Options configures an Evaluator.
type Options struct {
	TopK             int
	Cooldown         time.Duration
	Lookback         time.Duration
	DefaultThreshold float64
	// Destination is used for queries without their own.
	Destination string
	// CallTimeout bounds each alert-record write.
	CallTimeout time.Duration
	// SnippetRunes truncates the content quoted in messages.
	SnippetRunes int
	// Retry wraps each query step. Nil means a single attempt.
	Retry *fn.RetryOpts
}

// DefaultOptions returns evaluator defaults.
func DefaultOptions() Options {
	return Options{
		TopK:             10,
		Cooldown:         time.Hour,
		Lookback:         24 * time.Hour,
		DefaultThreshold: 0.75,
		CallTimeout:      10 * time.Second,
		SnippetRunes:     160,
	}
}

// Evaluator runs alert queries strictly one after another.
type Evaluator struct {
	embedder   Embedder
	ranker     Ranker
	cooldown   Cooldown
	recorder   Recorder
	dispatcher notify.Dispatcher
	opts       Options
	metrics    *metrics.EngineSet
	logger     *slog.Logger
	now        func() time.Time
}

// Deps groups the evaluator's collaborators.
type Deps struct {
	Embedder   Embedder
	Ranker     Ranker
	Cooldown   Cooldown
	Recorder   Recorder
	Dispatcher notify.Dispatcher
	Metrics    *metrics.EngineSet
	Logger     *slog.Logger
	// Now overrides the clock.
	Now func() time.Time
}

// New creates an Evaluator.
func New(d Deps, opts Options) *Evaluator {
	if d.Metrics == nil {
		d.Metrics = metrics.NewEngineSet(metrics.New())
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if opts.TopK < 1 {
		opts.TopK = 1
	}
	return &Evaluator{
		embedder:   d.Embedder,
		ranker:     d.Ranker,
		cooldown:   d.Cooldown,
		recorder:   d.Recorder,
		dispatcher: d.Dispatcher,
		opts:       opts,
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        d.Now,
	}
}

// Evaluate runs every query and aggregates the outcome. A failing query is
// reported in its QueryResult and never stops the run.
func (e *Evaluator) Evaluate(ctx context.Context, queries []Query) Summary {
	start := e.now()
	defer e.metrics.EvalDuration.Since(time.Now())

	sum := Summary{StartedAt: start, Queries: make([]QueryResult, 0, len(queries))}
	for _, q := range queries {
		if ctx.Err() != nil {
			qr := QueryResult{Query: q.Text}
			qr.setErr(&QueryError{Query: q.Text, Stage: "schedule", Err: ctx.Err()})
			sum.add(qr)
			continue
		}
		e.metrics.QueriesEvaluated.Inc()
		qr, err := e.runQuery(ctx, q)
		if err != nil {
			e.metrics.QueryFailures.Inc()
			qr.setErr(err)
			e.logger.Error("alert query aborted", "query", q.Text, "err", err)
		}
		sum.add(qr)
	}
	sum.Duration = e.now().Sub(start)

	e.logger.Info("alert run complete",
		"queries", len(queries),
		"alerts_sent", sum.AlertsSent,
		"alerts_partial", sum.AlertsPartial,
		"failed_queries", sum.FailedQueries,
		"duration", sum.Duration,
	)
	return sum
}

// runQuery evaluates q under the retry policy. A later attempt sees the
// alerts of an earlier failed attempt as suppressed, so those candidates are
// reported with the outcome of the attempt that delivered them.
func (e *Evaluator) runQuery(ctx context.Context, q Query) (QueryResult, error) {
	var delivered []CandidateResult
	step := fn.TracedStage("alert.EvaluateQuery", fn.StageFunc(func(ctx context.Context, q Query) (QueryResult, error) {
		qr, err := e.EvaluateQuery(ctx, q)
		for _, c := range qr.Candidates {
			if c.Outcome == Alerted || c.Outcome == AlertedPartial {
				delivered = append(delivered, c)
			}
		}
		return qr, err
	}))
	if e.opts.Retry != nil {
		retry := *e.opts.Retry
		if retry.Retryable == nil {
			retry.Retryable = domain.IsTransient
		}
		step = fn.RetryStage(retry, step)
	}

	qr, err := step(ctx, q).Unwrap()
	return qr.withDelivered(delivered), err
}

// EvaluateQuery processes one query. On error the returned QueryResult holds
// whatever was done before the failure and the error is a *QueryError.
func (e *Evaluator) EvaluateQuery(ctx context.Context, q Query) (QueryResult, error) {
	threshold := e.opts.DefaultThreshold
	if q.Threshold != nil {
		threshold = *q.Threshold
	}
	qr := QueryResult{Query: q.Text, Threshold: threshold}
	fail := func(stage string, err error) (QueryResult, error) {
		return qr, &QueryError{Query: q.Text, Stage: stage, Err: err}
	}

	if q.Text == "" {
		return fail("validate", fmt.Errorf("empty query text: %w", domain.ErrInvalidArgument))
	}
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return fail("validate", fmt.Errorf("threshold %v: %w", threshold, domain.ErrInvalidArgument))
	}

	vec, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		return fail("embed", domain.EmbeddingFailed("alert: embed", err))
	}

	filters := domain.Filters{Tags: q.Tags}
	if e.opts.Lookback > 0 {
		filters.Since = e.now().Add(-e.opts.Lookback)
	}
	ranked, err := e.ranker.Rank(ctx, rank.Request{
		Vector:     vec,
		TopK:       e.opts.TopK,
		Filters:    filters,
		PostFilter: true,
	})
	if err != nil {
		return fail("rank", err)
	}
	qr.Ranked = len(ranked.Candidates)
	e.metrics.CandidatesRanked.Add(int64(len(ranked.Candidates)))
	e.metrics.SkippedMalformed.Add(int64(ranked.Skipped))
	e.metrics.OutOfRange.Add(int64(ranked.OutOfRange))

	dest := q.Destination
	if dest == "" {
		dest = e.opts.Destination
	}

	for _, c := range ranked.Candidates {
		cr, err := e.evaluateCandidate(ctx, q.Text, threshold, dest, c)
		qr.record(cr)
		e.metrics.Alerts.With(cr.Outcome.String()).Inc()
		if err != nil {
			return fail(cr.Outcome.failedStage(), err)
		}
	}
	return qr, nil
}

func (e *Evaluator) evaluateCandidate(ctx context.Context, query string, threshold float64, dest string, c domain.Candidate) (CandidateResult, error) {
	sim := c.Similarity()
	cr := CandidateResult{CandidateID: c.ID, Similarity: sim}

	if sim < threshold {
		cr.Outcome = Discarded
		return cr, nil
	}

	key := domain.CooldownKey{QueryText: query, CandidateID: c.ID}
	dec, err := e.cooldown.Check(ctx, key, e.opts.Cooldown)
	if err != nil {
		cr.Outcome = cooldownFailed
		return cr, err
	}
	if dec.Suppressed {
		cr.Outcome = Suppressed
		cr.Remaining = dec.Remaining
		e.logger.Info("alert suppressed by cooldown",
			"query", query, "candidate", c.ID, "similarity", sim, "remaining", dec.Remaining)
		return cr, nil
	}

	msg := Message(query, c, e.opts.SnippetRunes)
	receipt, sendErr := e.dispatcher.Send(ctx, dest, msg)
	sent := sendErr == nil
	if !sent {
		e.logger.Warn("alert delivery failed",
			"query", query, "candidate", c.ID, "destination", dest,
			"transient", errors.Is(sendErr, domain.ErrNotificationUnavailable), "err", sendErr)
	}

	rec := domain.NewAlertRecord(query, c.ID, sim, threshold, sent, e.now(), snippet(c.Segment.Content, e.opts.SnippetRunes))
	rec.ProviderID = receipt.ProviderID
	if err := e.put(ctx, rec); err != nil {
		cr.Outcome = persistFailed
		return cr, err
	}

	cr.RecordID = rec.ID
	if sent {
		cr.Outcome = Alerted
	} else {
		cr.Outcome = AlertedPartial
		cr.NotifyErr = sendErr.Error()
	}
	return cr, nil
}

func (e *Evaluator) put(ctx context.Context, rec domain.AlertRecord) error {
	if e.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
	}
	return e.recorder.Put(ctx, rec)
}
