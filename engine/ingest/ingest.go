// Package ingest loads pre-segmented sources into the candidate index
// through validation, embedding and storage stages.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
	"github.com/vast-data/cosmos-labs-sub001/pkg/fn"
	"github.com/vast-data/cosmos-labs-sub001/pkg/natsutil"
)

const (
	// Subject is the default NATS subject for incoming sources.
	Subject = "segwatch.ingest"
	// DLQSubject receives sources that failed permanently on Subject.
	DLQSubject = Subject + ".dlq"
	// MaxRetries before a source is sent to the DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// Embedder turns segment text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Writer upserts segments into the candidate index.
type Writer interface {
	UpsertSegments(ctx context.Context, segs []domain.Segment) error
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder Embedder
	Index    Writer
	Logger   *slog.Logger
	// Now overrides the clock used for sources without created_at.
	Now func() time.Time
}

// --- Pipeline Stages ---

// Validate rejects sources that cannot produce well-formed segments.
var Validate fn.Stage[Source, Source] = fn.StageFunc(func(_ context.Context, s Source) (Source, error) {
	return s, s.validate()
})

// NewSegment expands a Source into segments.
func NewSegment(now func() time.Time) fn.Stage[Source, []domain.Segment] {
	return func(_ context.Context, s Source) fn.Result[[]domain.Segment] {
		return fn.Ok(s.segments(now()))
	}
}

// NewEmbed creates a stage that embeds every segment's content.
func NewEmbed(e Embedder) fn.Stage[[]domain.Segment, []domain.Segment] {
	return func(ctx context.Context, segs []domain.Segment) fn.Result[[]domain.Segment] {
		for i := range segs {
			vec, err := e.Embed(ctx, segs[i].Content)
			if err != nil {
				return fn.Err[[]domain.Segment](domain.EmbeddingFailed("ingest: embed "+segs[i].ID, err))
			}
			segs[i].Embedding = vec
		}
		return fn.Ok(segs)
	}
}

// NewStore creates a stage that writes segments to the index and reports how
// many were written.
func NewStore(w Writer) fn.Stage[[]domain.Segment, int] {
	return func(ctx context.Context, segs []domain.Segment) fn.Result[int] {
		if err := w.UpsertSegments(ctx, segs); err != nil {
			return fn.Err[int](fmt.Errorf("ingest: upsert: %w", err))
		}
		return fn.Ok(len(segs))
	}
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the full ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[Source, int] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	// Validate → Segment → Embed → Store
	validated := fn.Then(LoggedTap[Source]("validate", log), Validate)
	segmented := fn.Then(validated, fn.Then(LoggedTap[Source]("segment", log), NewSegment(now)))
	embedded := fn.Then(segmented, fn.Then(LoggedTap[[]domain.Segment]("embed", log), NewEmbed(deps.Embedder)))
	stored := fn.Then(embedded, fn.Then(LoggedTap[[]domain.Segment]("store", log), NewStore(deps.Index)))

	return fn.TracedStage("ingest.Source", stored)
}

// dlqMessage is published to the DLQ on permanent failure.
type dlqMessage struct {
	Source  Source `json:"source"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Consumer runs NATS messages through the pipeline. Transient failures are
// re-published with an incremented retry count; invalid sources and sources
// out of retries go to the DLQ.
type Consumer struct {
	pipeline fn.Stage[Source, int]
	pub      natsutil.Publisher
	subject  string
	dlq      string
	timeout  time.Duration
	log      *slog.Logger
}

// NewConsumer creates a Consumer for subject. Failed sources go to subject+".dlq".
func NewConsumer(pub natsutil.Publisher, subject string, timeout time.Duration, deps Deps) *Consumer {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		pipeline: NewPipeline(deps),
		pub:      pub,
		subject:  subject,
		dlq:      subject + ".dlq",
		timeout:  timeout,
		log:      log,
	}
}

// Start subscribes c to its subject.
func Start(nc *nats.Conn, c *Consumer) (*nats.Subscription, error) {
	return nc.Subscribe(c.subject, c.Handle)
}

// Handle processes one message.
func (c *Consumer) Handle(msg *nats.Msg) {
	ctx, src, err := natsutil.Decode[Source](msg)
	if err != nil {
		c.log.Error("ingest: unmarshal failed", "err", err)
		return
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	retries := 0
	if msg.Header != nil {
		if v := msg.Header.Get(retryHeader); v != "" {
			retries, _ = strconv.Atoi(v)
		}
	}

	n, err := c.pipeline(ctx, src).Unwrap()
	if err == nil {
		c.log.Info("ingest: success", "source_id", src.SourceID, "segments", n)
		return
	}

	retries++
	c.log.Error("ingest: pipeline failed", "err", err, "source_id", src.SourceID, "retry", retries)

	if !retryable(err) || retries >= MaxRetries {
		if err := natsutil.Publish(ctx, c.pub, c.dlq, dlqMessage{Source: src, Error: err.Error(), Retries: retries}); err != nil {
			c.log.Error("ingest: DLQ publish failed", "err", err)
		}
		return
	}

	retryMsg := nats.NewMsg(c.subject)
	retryMsg.Data = msg.Data
	retryMsg.Header = nats.Header{}
	retryMsg.Header.Set(retryHeader, strconv.Itoa(retries))
	if err := c.pub.PublishMsg(retryMsg); err != nil {
		c.log.Error("ingest: retry publish failed", "err", err)
	}
}

func retryable(err error) bool {
	return domain.IsTransient(err) && !errors.Is(err, domain.ErrInvalidArgument)
}

// DecodeSources reads a stream of JSON sources, one per value.
func DecodeSources(dec *json.Decoder) ([]Source, error) {
	var out []Source
	for dec.More() {
		var s Source
		if err := dec.Decode(&s); err != nil {
			return out, fmt.Errorf("ingest: decode source %d: %w", len(out), err)
		}
		out = append(out, s)
	}
	return out, nil
}
