// Package metrics is the service's metric registry. Metrics are grouped in
// families that render in the Prometheus text exposition format on /metrics.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyBuckets cover an embedding round trip plus an index query, in seconds.
var LatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Counter is a monotonically increasing counter.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge holds the last sampled value.
type Gauge struct{ val atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.val.Store(n) }
func (g *Gauge) Value() int64 { return g.val.Load() }

// Histogram counts observations into fixed upper bounds.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64 // per bound, not cumulative
	sum    float64
	count  uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b))}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) {
	h.Observe(time.Since(t).Seconds())
}

func (h *Histogram) snapshot() (counts []uint64, sum float64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.counts...), h.sum, h.count
}

// CounterVec is a counter family partitioned by a single label.
type CounterVec struct {
	label string

	mu     sync.RWMutex
	series map[string]*Counter
}

// With returns the counter for the label value, creating it on first use.
func (v *CounterVec) With(value string) *Counter {
	v.mu.RLock()
	c, ok := v.series[value]
	v.mu.RUnlock()
	if ok {
		return c
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.series[value]; ok {
		return c
	}
	c = &Counter{}
	v.series[value] = c
	return c
}

func (v *CounterVec) values() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.series))
	for k := range v.series {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family is one named metric and its samples.
type family struct {
	name string
	help string
	kind kind

	counter   *Counter
	vec       *CounterVec
	gauge     *Gauge
	histogram *Histogram
}

// Registry holds metric families in registration order.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	order    []*family
}

func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// lookup returns the family registered under name, creating it with mk.
// Re-registering a name as a different kind is a programming error.
func (r *Registry) lookup(name string, k kind, mk func() *family) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		if f.kind != k {
			panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
		}
		return f
	}
	f := mk()
	f.name, f.kind = name, k
	r.families[name] = f
	r.order = append(r.order, f)
	return f
}

// Counter returns the counter registered under name.
func (r *Registry) Counter(name, help string) *Counter {
	f := r.lookup(name, kindCounter, func() *family {
		return &family{help: help, counter: &Counter{}}
	})
	if f.counter == nil {
		panic(fmt.Sprintf("metrics: %s is a labelled counter", name))
	}
	return f.counter
}

// CounterVec returns the labelled counter family registered under name.
func (r *Registry) CounterVec(name, help, label string) *CounterVec {
	f := r.lookup(name, kindCounter, func() *family {
		return &family{help: help, vec: &CounterVec{label: label, series: make(map[string]*Counter)}}
	})
	if f.vec == nil || f.vec.label != label {
		panic(fmt.Sprintf("metrics: %s is not a counter labelled by %q", name, label))
	}
	return f.vec
}

func (r *Registry) Gauge(name, help string) *Gauge {
	return r.lookup(name, kindGauge, func() *family {
		return &family{help: help, gauge: &Gauge{}}
	}).gauge
}

// Histogram returns the histogram registered under name. Nil bounds mean
// LatencyBuckets; bounds of an existing histogram are not changed.
func (r *Registry) Histogram(name, help string, bounds []float64) *Histogram {
	if bounds == nil {
		bounds = LatencyBuckets
	}
	return r.lookup(name, kindHistogram, func() *family {
		return &family{help: help, histogram: newHistogram(bounds)}
	}).histogram
}

// Render returns every family in the Prometheus text exposition format.
func (r *Registry) Render() string {
	r.mu.Lock()
	fams := append([]*family(nil), r.order...)
	r.mu.Unlock()

	var b strings.Builder
	for _, f := range fams {
		if f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", f.name, f.kind)
		switch {
		case f.counter != nil:
			fmt.Fprintf(&b, "%s %d\n", f.name, f.counter.Value())
		case f.vec != nil:
			for _, v := range f.vec.values() {
				fmt.Fprintf(&b, "%s{%s=\"%s\"} %d\n", f.name, f.vec.label, escapeLabel(v), f.vec.With(v).Value())
			}
		case f.gauge != nil:
			fmt.Fprintf(&b, "%s %d\n", f.name, f.gauge.Value())
		case f.histogram != nil:
			counts, sum, count := f.histogram.snapshot()
			var cumulative uint64
			for i, bound := range f.histogram.bounds {
				cumulative += counts[i]
				fmt.Fprintf(&b, "%s_bucket{le=\"%g\"} %d\n", f.name, bound, cumulative)
			}
			fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", f.name, count)
			fmt.Fprintf(&b, "%s_sum %g\n", f.name, sum)
			fmt.Fprintf(&b, "%s_count %d\n", f.name, count)
		}
	}
	return b.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(v string) string { return labelEscaper.Replace(v) }

// Handler serves Render.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}

// Serve runs a /metrics listener on addr until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ServeAsync runs Serve in the background on port. Failures are logged.
func (r *Registry) ServeAsync(ctx context.Context, port int, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		if err := r.Serve(ctx, fmt.Sprintf(":%d", port)); err != nil {
			logger.Error("metrics server", "port", port, "err", err)
		}
	}()
}

// CollectRuntime samples goroutine and heap gauges every interval until ctx
// is cancelled.
func (r *Registry) CollectRuntime(ctx context.Context, interval time.Duration) {
	goroutines := r.Gauge("go_goroutines", "Number of goroutines.")
	heap := r.Gauge("go_memstats_heap_alloc_bytes", "Heap bytes allocated and in use.")
	sample := func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		goroutines.Set(int64(runtime.NumGoroutine()))
		heap.Set(int64(ms.HeapAlloc))
	}
	sample()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				sample()
			}
		}
	}()
}
