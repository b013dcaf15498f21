// Package search serves permission-safe semantic search: embed, over-fetch
// rank, access filter.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vast-data/cosmos-labs-sub001/engine/access"
	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
	"github.com/vast-data/cosmos-labs-sub001/engine/rank"
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

// Request is one search call. Either Query or Vector must be set; Vector
// wins when both are.
type Request struct {
	Query         string
	Vector        []float32
	TopK          int
	Requester     string
	IncludePublic bool
	Tags          []string
	Since         time.Time
}

// Result is the visible, ranked result set.
type Result struct {
	Candidates []domain.Candidate
	// FilteredByPermission counts candidates hidden before the scan stopped.
	FilteredByPermission int
	// Skipped counts malformed candidates dropped by the ranker.
	Skipped int
}

// Service is the synchronous search entry point. It holds no mutable state
// and is safe for concurrent use.
type Service struct {
	embedder Embedder
	ranker   Ranker
	metrics  *metrics.EngineSet
	logger   *slog.Logger
}

// New creates a Service. A nil metrics set registers on a private registry;
// a nil logger falls back to slog.Default().
func New(embedder Embedder, ranker Ranker, m *metrics.EngineSet, logger *slog.Logger) *Service {
	if m == nil {
		m = metrics.NewEngineSet(metrics.New())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: embedder, ranker: ranker, metrics: m, logger: logger}
}

// Search returns up to TopK visible candidates in ranked order. Any hard
// failure is returned as a single *domain.OpError with no partial results.
func (s *Service) Search(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	defer s.metrics.SearchDuration.Since(start)
	s.metrics.Searches.Inc()

	ctx, span := otel.Tracer("engine/search").Start(ctx, "search.Search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("search.top_k", req.TopK),
		attribute.Bool("search.include_public", req.IncludePublic),
	)

	res, err := s.search(ctx, req)
	if err != nil {
		s.metrics.SearchFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		opErr := domain.NewOpError("search", err)
		s.logger.Error("search failed", "kind", opErr.Kind.String(), "err", err)
		return Result{}, opErr
	}

	s.metrics.SearchDenied.Add(int64(res.FilteredByPermission))
	span.SetAttributes(
		attribute.Int("search.results", len(res.Candidates)),
		attribute.Int("search.filtered", res.FilteredByPermission),
	)
	s.logger.Debug("search complete",
		"results", len(res.Candidates),
		"filtered_by_permission", res.FilteredByPermission,
		"duration", time.Since(start),
	)
	return res, nil
}

func (s *Service) search(ctx context.Context, req Request) (Result, error) {
	if req.TopK < 1 {
		return Result{}, fmt.Errorf("top_k %d: %w", req.TopK, domain.ErrInvalidArgument)
	}

	vec := req.Vector
	if len(vec) == 0 {
		if req.Query == "" {
			return Result{}, fmt.Errorf("query or vector required: %w", domain.ErrInvalidArgument)
		}
		var err error
		vec, err = s.embedder.Embed(ctx, req.Query)
		if err != nil {
			return Result{}, domain.EmbeddingFailed("embed", err)
		}
	}

	ranked, err := s.ranker.Rank(ctx, rank.Request{
		Vector:     vec,
		TopK:       req.TopK,
		Filters:    domain.Filters{Tags: req.Tags, Since: req.Since},
		PostFilter: true,
	})
	if err != nil {
		return Result{}, err
	}
	s.metrics.CandidatesRanked.Add(int64(len(ranked.Candidates)))
	s.metrics.SkippedMalformed.Add(int64(ranked.Skipped))
	s.metrics.OutOfRange.Add(int64(ranked.OutOfRange))

	filtered := access.Filter(ranked.Candidates, req.Requester, req.IncludePublic, req.TopK)
	return Result{
		Candidates:           filtered.Visible,
		FilteredByPermission: filtered.Denied,
		Skipped:              ranked.Skipped,
	}, nil
}
