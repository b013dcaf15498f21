// Command ingest loads pre-segmented sources into the candidate index. With
// -file it reads JSON sources from a file (or stdin with "-") and exits;
// otherwise it consumes them from NATS.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/vast-data/cosmos-labs-sub001/engine/ingest"
	"github.com/vast-data/cosmos-labs-sub001/internal/app"
	"github.com/vast-data/cosmos-labs-sub001/pkg/config"
)

func main() {
	var (
		envFile = flag.String("env", os.Getenv("SEGWATCH_ENV_FILE"), "dotenv file to load")
		file    = flag.String("file", "", "JSON sources to load once (- for stdin)")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idx, err := app.OpenIndex(ctx, cfg, logger)
	if err != nil {
		logger.Error("open index", "err", err)
		os.Exit(1)
	}
	defer idx.Close()

	deps := ingest.Deps{
		Embedder: app.NewEmbedder(cfg),
		Index:    idx,
		Logger:   logger,
	}

	if *file != "" {
		err = loadFile(ctx, *file, deps, logger)
	} else {
		err = consume(ctx, cfg, deps, logger)
	}
	if err != nil {
		logger.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

func loadFile(ctx context.Context, path string, deps ingest.Deps, logger *slog.Logger) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	srcs, err := ingest.DecodeSources(json.NewDecoder(r))
	if err != nil {
		return err
	}

	pipeline := ingest.NewPipeline(deps)
	var total, failed int
	for _, src := range srcs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := pipeline(ctx, src).Unwrap()
		if err != nil {
			failed++
			logger.Error("source failed", "source_id", src.SourceID, "err", err)
			continue
		}
		total += n
	}
	logger.Info("load complete", "sources", len(srcs), "segments", total, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(srcs))
	}
	return nil
}

func consume(ctx context.Context, cfg config.Config, deps ingest.Deps, logger *slog.Logger) error {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("segwatch-ingest"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	sub, err := ingest.Start(nc, ingest.NewConsumer(nc, cfg.IngestSubject, cfg.EmbedTimeout+cfg.CallTimeout, deps))
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logger.Info("ingest consumer started", "subject", cfg.IngestSubject)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
