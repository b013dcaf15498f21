// Package app wires configured backends for the segwatch binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/vast-data/cosmos-labs-sub001/engine/alertstore"
	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
	"github.com/vast-data/cosmos-labs-sub001/engine/pgvector"
	"github.com/vast-data/cosmos-labs-sub001/engine/rank"
	"github.com/vast-data/cosmos-labs-sub001/engine/semantic"
	"github.com/vast-data/cosmos-labs-sub001/pkg/config"
	"github.com/vast-data/cosmos-labs-sub001/pkg/ollama"
)

// Index is a candidate index that owns a connection.
type Index interface {
	rank.Index
	UpsertSegments(ctx context.Context, segs []domain.Segment) error
	Close() error
}

var (
	_ Index = (*semantic.VectorStore)(nil)
	_ Index = (*pgvector.Store)(nil)
)

// NewLogger returns the JSON logger used by every binary and installs it as
// the slog default.
func NewLogger(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

// OpenIndex connects to the configured vector backend and provisions it. A
// provisioning failure is logged, not fatal; stores provision lazily on a
// missing collection or table.
func OpenIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (Index, error) {
	pctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	switch cfg.VectorBackend {
	case "pgvector":
		s, err := pgvector.Open(pctx, cfg.PostgresDSN, cfg.PostgresTable, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(pctx); err != nil {
			logger.Warn("pgvector schema not ready", "table", cfg.PostgresTable, "err", err)
		}
		return s, nil
	case "qdrant":
		vs, err := semantic.New(cfg.QdrantAddr, cfg.Collection, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		if err := vs.EnsureCollection(pctx); err != nil {
			logger.Warn("qdrant collection not ready", "collection", cfg.Collection, "err", err)
		}
		return vs, nil
	default:
		return nil, fmt.Errorf("app: unknown vector backend %q", cfg.VectorBackend)
	}
}

// OpenAlertStore opens the configured alert-record store.
func OpenAlertStore(ctx context.Context, cfg config.Config) (alertstore.Store, error) {
	switch cfg.AlertStore {
	case "sqlite":
		s, err := alertstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "neo4j":
		cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()
		n, err := alertstore.OpenNeo4j(cctx, cfg.Neo4jURL, cfg.Neo4jUser, cfg.Neo4jPass, cfg.Neo4jDatabase)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "memory":
		return alertstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("app: unknown alert store %q", cfg.AlertStore)
	}
}

// NewEmbedder returns the cached Ollama embedding client.
func NewEmbedder(cfg config.Config) *ollama.Cache {
	client := ollama.NewEmbedClient(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbedTimeout)
	return ollama.NewCache(client, cfg.EmbedCacheSize, cfg.EmbedCacheTTL)
}

// RankOptions derives ranker options from cfg.
func RankOptions(cfg config.Config) rank.Options {
	opts := rank.DefaultOptions(cfg.Dimensions)
	opts.CallTimeout = cfg.CallTimeout
	return opts
}
