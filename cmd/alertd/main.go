// Command alertd evaluates the configured alert queries on a schedule and
// dispatches notifications for newly matching segments.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/vast-data/cosmos-labs-sub001/engine/alert"
	"github.com/vast-data/cosmos-labs-sub001/engine/cooldown"
	"github.com/vast-data/cosmos-labs-sub001/engine/notify"
	"github.com/vast-data/cosmos-labs-sub001/engine/rank"
	"github.com/vast-data/cosmos-labs-sub001/internal/app"
	"github.com/vast-data/cosmos-labs-sub001/pkg/config"
	"github.com/vast-data/cosmos-labs-sub001/pkg/fn"
	"github.com/vast-data/cosmos-labs-sub001/pkg/metrics"
	"github.com/vast-data/cosmos-labs-sub001/pkg/natsutil"
)

func main() {
	var (
		envFile = flag.String("env", os.Getenv("SEGWATCH_ENV_FILE"), "dotenv file to load")
		queries = flag.String("queries", "", "queries file (overrides SEGWATCH_QUERIES_FILE)")
		once    = flag.Bool("once", false, "run every query once and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if *queries != "" {
		cfg.QueriesFile = *queries
	}
	logger := app.NewLogger(cfg)

	if err := run(cfg, *once, logger); err != nil {
		logger.Error("alertd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, once bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	qs, err := config.LoadQueries(cfg.QueriesFile, cfg.DefaultThreshold)
	if err != nil {
		return err
	}
	if len(qs) == 0 {
		logger.Warn("no alert queries configured", "file", cfg.QueriesFile)
	}

	// --- Backends ---
	idx, err := app.OpenIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer idx.Close()

	store, err := app.OpenAlertStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var nc *nats.Conn
	if needsNATS(cfg, once) {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("segwatch-alertd"))
		switch {
		case err == nil:
			defer nc.Drain()
		case cfg.DryRun:
			logger.Warn("nats unavailable, dry run continues without trigger and summary subjects",
				"url", cfg.NATSURL, "err", err)
			nc = nil
		default:
			return err
		}
	}

	var dispatcher notify.Dispatcher = notify.Log{Logger: logger}
	if !cfg.DryRun {
		dispatcher = notify.NewNATS(nc, notify.DefaultOptions(cfg.NotifySubject), logger)
	}

	// --- Metrics ---
	reg := metrics.New()
	reg.CollectRuntime(ctx, 15*time.Second)
	reg.ServeAsync(ctx, cfg.MetricsPort, logger)
	set := metrics.NewEngineSet(reg)

	// --- Evaluator ---
	eval := alert.New(alert.Deps{
		Embedder:   app.NewEmbedder(cfg),
		Ranker:     rank.New(idx, app.RankOptions(cfg), logger),
		Cooldown:   cooldown.New(store, cfg.CallTimeout),
		Recorder:   store,
		Dispatcher: dispatcher,
		Metrics:    set,
		Logger:     logger,
	}, evaluatorOptions(cfg, logger))

	r := &runner{
		eval:    eval,
		queries: fn.Map(qs, toAlertQuery),
		subject: cfg.SummarySubject,
		logger:  logger,
	}
	if nc != nil {
		r.pub = nc
	}

	if once {
		sum, _ := r.tick(ctx, "once")
		if sum.FailedQueries > 0 {
			return fmt.Errorf("%d of %d queries failed", sum.FailedQueries, len(sum.Queries))
		}
		return nil
	}

	if nc != nil && cfg.TriggerSubject != "" {
		sub, err := natsutil.Subscribe(nc, cfg.TriggerSubject, func(mctx context.Context, t Trigger) {
			// Keep the publisher's trace but the process lifetime.
			rctx := trace.ContextWithSpanContext(ctx, trace.SpanContextFromContext(mctx))
			reason := "trigger"
			if t.Reason != "" {
				reason = "trigger: " + t.Reason
			}
			r.tick(rctx, reason)
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	logger.Info("alertd started",
		"queries", len(r.queries),
		"interval", cfg.Interval,
		"trigger_subject", cfg.TriggerSubject,
		"dry_run", cfg.DryRun,
	)

	r.tick(ctx, "startup")

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			r.tick(ctx, "schedule")
		}
	}
}

// needsNATS reports whether the process must connect to NATS. Live runs
// dispatch through it; a dry run only needs it for the summary subject or,
// when scheduled, the trigger subject.
func needsNATS(cfg config.Config, once bool) bool {
	if !cfg.DryRun {
		return true
	}
	return cfg.SummarySubject != "" || (!once && cfg.TriggerSubject != "")
}

func evaluatorOptions(cfg config.Config, logger *slog.Logger) alert.Options {
	opts := alert.DefaultOptions()
	opts.TopK = cfg.TopK
	opts.Cooldown = cfg.Cooldown
	opts.Lookback = cfg.Lookback
	opts.DefaultThreshold = cfg.DefaultThreshold
	opts.Destination = cfg.NotifyDestination
	opts.CallTimeout = cfg.CallTimeout
	if cfg.RetryAttempts > 1 {
		retry := fn.DefaultRetry
		retry.MaxAttempts = cfg.RetryAttempts
		retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			logger.Warn("retrying query", "attempt", attempt, "wait", wait, "err", err)
		}
		opts.Retry = &retry
	}
	return opts
}
