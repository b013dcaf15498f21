// Package rank issues nearest-neighbour queries against a candidate index and
// returns validated candidates ordered by ascending distance.
package rank

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
)

// Index is the vector store query the ranker depends on. Filters must be
// applied inside the query so that ineligible rows never consume the limit.
type Index interface {
	Nearest(ctx context.Context, embedding []float32, limit int, f domain.Filters) ([]domain.Hit, error)
}

// Options configures a Ranker.
type Options struct {
	// Dimensions is the deployment-wide embedding length.
	Dimensions int
	// OverFetchFactor multiplies the requested count when the caller intends
	// to post-filter.
	OverFetchFactor int
	// MaxFetch caps the over-fetched count.
	MaxFetch int
	// CallTimeout bounds one index query. Zero means the caller's context only.
	CallTimeout time.Duration
}

// DefaultOptions returns the 3x over-fetch policy capped at 100.
func DefaultOptions(dims int) Options {
	return Options{
		Dimensions:      dims,
		OverFetchFactor: 3,
		MaxFetch:        100,
		CallTimeout:     10 * time.Second,
	}
}

// Request is one ranking query.
type Request struct {
	Vector  []float32
	TopK    int
	Filters domain.Filters
	// PostFilter asks for the over-fetched count instead of TopK.
	PostFilter bool
}

// Result is the ranked candidate list plus bookkeeping.
type Result struct {
	Candidates []domain.Candidate
	// Fetched is the limit sent to the index.
	Fetched int
	// Skipped counts hits dropped for malformed payloads.
	Skipped int
	// OutOfRange counts candidates whose similarity falls outside [-1, 1].
	OutOfRange int
}

// Ranker turns a query vector into an ordered candidate list.
type Ranker struct {
	index  Index
	opts   Options
	logger *slog.Logger
}

// New creates a Ranker. A nil logger falls back to slog.Default().
func New(index Index, opts Options, logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OverFetchFactor < 1 {
		opts.OverFetchFactor = 1
	}
	return &Ranker{index: index, opts: opts, logger: logger}
}

// FetchSize is the number of candidates requested from the index when the
// caller wants `want` results after post-filtering. Callers bound want; the
// ranker only guarantees it is never reduced.
func (r *Ranker) FetchSize(want int) int {
	n := math.MaxInt
	if want <= math.MaxInt/r.opts.OverFetchFactor {
		n = want * r.opts.OverFetchFactor
	}
	if r.opts.MaxFetch > 0 && n > r.opts.MaxFetch {
		n = r.opts.MaxFetch
	}
	if n < want {
		n = want
	}
	return n
}

// Rank queries the index and returns candidates in non-decreasing distance
// order. It never retries.
func (r *Ranker) Rank(ctx context.Context, req Request) (Result, error) {
	if req.TopK < 1 {
		return Result{}, fmt.Errorf("rank: top_k %d: %w", req.TopK, domain.ErrInvalidArgument)
	}
	if r.opts.Dimensions > 0 && len(req.Vector) != r.opts.Dimensions {
		return Result{}, fmt.Errorf("rank: %w", &domain.DimensionError{Want: r.opts.Dimensions, Got: len(req.Vector)})
	}

	limit := req.TopK
	if req.PostFilter {
		limit = r.FetchSize(req.TopK)
	}

	ctx, span := otel.Tracer("engine/rank").Start(ctx, "rank.Rank")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rank.limit", limit),
		attribute.Int("rank.tags", len(req.Filters.Tags)),
	)

	if r.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
	}

	hits, err := r.index.Nearest(ctx, req.Vector, limit, req.Filters)
	if err != nil {
		if ctx.Err() != nil && !domain.IsTransient(err) {
			err = domain.Unavailable("rank: nearest", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("rank: %w", err)
	}

	res := Result{Fetched: limit, Candidates: make([]domain.Candidate, 0, len(hits))}
	for _, h := range hits {
		c, err := domain.CandidateFromHit(h)
		if err != nil {
			res.Skipped++
			r.logger.Warn("skipping malformed candidate", "id", h.ID, "err", err)
			continue
		}
		if s := c.Similarity(); s < -1 || s > 1 {
			res.OutOfRange++
		}
		res.Candidates = append(res.Candidates, c)
	}
	slices.SortStableFunc(res.Candidates, func(a, b domain.Candidate) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return 0
		}
	})

	if res.OutOfRange > 0 {
		r.logger.Warn("similarity outside [-1, 1]; embeddings may not be normalized",
			"count", res.OutOfRange, "limit", limit)
	}
	span.SetAttributes(attribute.Int("rank.candidates", len(res.Candidates)))
	return res, nil
}
