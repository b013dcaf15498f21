// Package main implements the segwatch search API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
	"github.com/vast-data/cosmos-labs-sub001/engine/rank"
	"github.com/vast-data/cosmos-labs-sub001/engine/search"
	"github.com/vast-data/cosmos-labs-sub001/internal/app"
	"github.com/vast-data/cosmos-labs-sub001/pkg/config"
	"github.com/vast-data/cosmos-labs-sub001/pkg/fn"
	"github.com/vast-data/cosmos-labs-sub001/pkg/metrics"
	"github.com/vast-data/cosmos-labs-sub001/pkg/mid"
	"github.com/vast-data/cosmos-labs-sub001/pkg/resilience"
)

func main() {
	cfg, err := config.Load(os.Getenv("SEGWATCH_ENV_FILE"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Vector index ---
	idx, err := app.OpenIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer idx.Close()

	// --- Search service ---
	reg := metrics.New()
	reg.CollectRuntime(ctx, 15*time.Second)
	svc := search.New(
		app.NewEmbedder(cfg),
		rank.New(idx, app.RankOptions(cfg), logger),
		metrics.NewEngineSet(reg),
		logger,
	)

	// --- HTTP server ---
	limiter := resilience.NewKeyedLimiter(resilience.LimiterOpts{Rate: 20, Burst: 40}, 4096, 10*time.Minute)
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      newHandler(svc, reg, limiter, cfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "backend", cfg.VectorBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// Searcher is satisfied by *search.Service.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Result, error)
}

func newHandler(svc Searcher, reg *metrics.Registry, limiter *resilience.KeyedLimiter, cfg config.Config, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/search", handleSearch(svc, cfg.TopK, cfg.MaxTopK, logger))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	mux.Handle("/api/", mid.RateLimit(limiter)(api))

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.OTel("segwatch-api"),
		mid.Identity(),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// SearchRequest is the JSON body for POST /api/search.
type SearchRequest struct {
	Query  string    `json:"query"`
	Vector []float32 `json:"vector,omitempty"`
	TopK   int       `json:"top_k,omitempty"`
	// IncludePublic defaults to true.
	IncludePublic *bool      `json:"include_public,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
}

// SearchHit is one visible result.
type SearchHit struct {
	ID           string            `json:"id"`
	Similarity   float64           `json:"similarity"`
	Content      string            `json:"content"`
	Tags         []string          `json:"tags,omitempty"`
	SegmentIndex int               `json:"segment_index"`
	SegmentTotal int               `json:"segment_total"`
	CreatedAt    time.Time         `json:"created_at"`
	IsPublic     bool              `json:"is_public"`
	SourceID     string            `json:"source_id,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// SearchResponse is the JSON response for POST /api/search.
type SearchResponse struct {
	Results              []SearchHit `json:"results"`
	Count                int         `json:"count"`
	FilteredByPermission int         `json:"filtered_by_permission"`
}

// handleSearch serves POST /api/search. top_k above maxTopK is rejected so a
// caller cannot size the index query.
func handleSearch(svc Searcher, defaultTopK, maxTopK int, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			mid.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Query == "" && len(body.Vector) == 0 {
			mid.WriteError(w, http.StatusBadRequest, "query is required")
			return
		}
		if body.TopK < 0 || (maxTopK > 0 && body.TopK > maxTopK) {
			mid.WriteError(w, http.StatusBadRequest, fmt.Sprintf("top_k must be between 1 and %d", maxTopK))
			return
		}

		req := search.Request{
			Query:         body.Query,
			Vector:        body.Vector,
			TopK:          body.TopK,
			Requester:     mid.Requester(r.Context()),
			IncludePublic: body.IncludePublic == nil || *body.IncludePublic,
			Tags:          body.Tags,
		}
		if req.TopK == 0 {
			req.TopK = defaultTopK
		}
		if body.Since != nil {
			req.Since = *body.Since
		}

		res, err := svc.Search(r.Context(), req)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				logger.Error("search failed", "err", err)
				mid.WriteError(w, status, "internal server error")
				return
			}
			mid.WriteError(w, status, err.Error())
			return
		}

		mid.WriteJSON(w, http.StatusOK, SearchResponse{
			Results:              fn.Map(res.Candidates, toHit),
			Count:                len(res.Candidates),
			FilteredByPermission: res.FilteredByPermission,
		})
	}
}

func toHit(c domain.Candidate) SearchHit {
	return SearchHit{
		ID:           c.ID,
		Similarity:   c.Similarity(),
		Content:      c.Segment.Content,
		Tags:         c.Segment.Tags,
		SegmentIndex: c.Segment.Index,
		SegmentTotal: c.Segment.Total,
		CreatedAt:    c.Segment.CreatedAt,
		IsPublic:     c.Segment.IsPublic,
		SourceID:     c.Segment.SourceID,
		Meta:         c.Segment.Meta,
	}
}

// statusFor maps the engine's error kinds onto HTTP status codes.
func statusFor(err error) int {
	kind := domain.Classify(err)
	var opErr *domain.OpError
	if errors.As(err, &opErr) {
		kind = opErr.Kind
	}
	switch kind {
	case domain.KindInvalid, domain.KindDimension:
		return http.StatusBadRequest
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
