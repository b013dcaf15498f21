package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vast-data/cosmos-labs-sub001/engine/alert"
	"github.com/vast-data/cosmos-labs-sub001/pkg/config"
)

type fakeEvaluator struct {
	mu      sync.Mutex
	calls   int
	got     []alert.Query
	started chan struct{}
	release chan struct{}
	sum     alert.Summary
}

func (f *fakeEvaluator) Evaluate(_ context.Context, qs []alert.Query) alert.Summary {
	f.mu.Lock()
	f.calls++
	f.got = qs
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	return f.sum
}

type fakePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	p.msgs = append(p.msgs, m)
	return p.err
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRunner_PublishesSummary(t *testing.T) {
	eval := &fakeEvaluator{sum: alert.Summary{AlertsSent: 2, FailedQueries: 1, Queries: make([]alert.QueryResult, 3)}}
	pub := &fakePublisher{}
	r := &runner{eval: eval, queries: []alert.Query{{Text: "smoke"}}, pub: pub, subject: "segwatch.alerts.summary", logger: quiet}

	sum, ran := r.tick(context.Background(), "schedule")
	require.True(t, ran)
	assert.Equal(t, 2, sum.AlertsSent)
	assert.Equal(t, []alert.Query{{Text: "smoke"}}, eval.got)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "segwatch.alerts.summary", pub.msgs[0].Subject)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &decoded))
	assert.EqualValues(t, 2, decoded["alerts_sent"])
	assert.EqualValues(t, 1, decoded["failed_queries"])
}

func TestRunner_PublishFailureIsNotFatal(t *testing.T) {
	r := &runner{eval: &fakeEvaluator{}, pub: &fakePublisher{err: errors.New("closed")}, subject: "s", logger: quiet}
	_, ran := r.tick(context.Background(), "schedule")
	assert.True(t, ran)
}

func TestRunner_NoPublisher(t *testing.T) {
	eval := &fakeEvaluator{}
	r := &runner{eval: eval, logger: quiet}
	_, ran := r.tick(context.Background(), "once")
	assert.True(t, ran)
	assert.Equal(t, 1, eval.calls)
}

func TestRunner_SkipsOverlappingRuns(t *testing.T) {
	eval := &fakeEvaluator{started: make(chan struct{}), release: make(chan struct{})}
	r := &runner{eval: eval, logger: quiet}

	done := make(chan bool)
	go func() {
		_, ran := r.tick(context.Background(), "schedule")
		done <- ran
	}()

	select {
	case <-eval.started:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "first run never started")
	}

	_, ran := r.tick(context.Background(), "trigger")
	assert.False(t, ran, "overlapping tick must be skipped")

	close(eval.release)
	assert.True(t, <-done)

	eval.started = nil
	_, ran = r.tick(context.Background(), "schedule")
	assert.True(t, ran, "lock must be released after a run")
	assert.Equal(t, 2, eval.calls)
}

func TestToAlertQuery(t *testing.T) {
	q := toAlertQuery(config.Query{Text: "smoke", Threshold: 0.8, Tags: []string{"fire"}, Destination: "ops"})
	require.NotNil(t, q.Threshold)
	assert.Equal(t, 0.8, *q.Threshold)
	assert.Equal(t, "smoke", q.Text)
	assert.Equal(t, []string{"fire"}, q.Tags)
	assert.Equal(t, "ops", q.Destination)

	a, b := toAlertQuery(config.Query{Threshold: 0.1}), toAlertQuery(config.Query{Threshold: 0.2})
	assert.NotSame(t, a.Threshold, b.Threshold)
}

func TestEvaluatorOptions(t *testing.T) {
	cfg := config.Config{
		TopK: 5, Cooldown: time.Minute, Lookback: time.Hour, DefaultThreshold: 0.6,
		NotifyDestination: "ops", CallTimeout: 2 * time.Second, RetryAttempts: 4,
	}
	opts := evaluatorOptions(cfg, quiet)
	assert.Equal(t, 5, opts.TopK)
	assert.Equal(t, time.Minute, opts.Cooldown)
	assert.Equal(t, time.Hour, opts.Lookback)
	assert.Equal(t, 0.6, opts.DefaultThreshold)
	assert.Equal(t, "ops", opts.Destination)
	require.NotNil(t, opts.Retry)
	assert.Equal(t, 4, opts.Retry.MaxAttempts)

	cfg.RetryAttempts = 1
	assert.Nil(t, evaluatorOptions(cfg, quiet).Retry)
}

func TestNeedsNATS(t *testing.T) {
	tests := []struct {
		name    string
		dryRun  bool
		trigger string
		summary string
		once    bool
		want    bool
	}{
		{"live run always dispatches", false, "", "", true, true},
		{"dry run without subjects", true, "", "", false, false},
		{"dry run once ignores trigger", true, "segwatch.alerts.run", "", true, false},
		{"dry run scheduled listens for trigger", true, "segwatch.alerts.run", "", false, true},
		{"dry run publishes summary", true, "", "segwatch.alerts.summary", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{DryRun: tt.dryRun, TriggerSubject: tt.trigger, SummarySubject: tt.summary}
			assert.Equal(t, tt.want, needsNATS(cfg, tt.once))
		})
	}
}
