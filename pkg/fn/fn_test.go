package fn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func noSleep(opts RetryOpts) (RetryOpts, *[]time.Duration) {
	var waits []time.Duration
	opts.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return opts, &waits
}

func TestResultBasics(t *testing.T) {
	ok := Ok(42)
	assert.True(t, ok.IsOk())
	assert.False(t, ok.IsErr())
	v, err := ok.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	bad := Err[int](errFatal)
	assert.False(t, bad.IsOk())
	assert.Equal(t, 7, bad.UnwrapOr(7))

	v, err = FromPair(3, errFatal).Unwrap()
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 3, v, "FromPair keeps the partial value")
	assert.True(t, FromPair(1, nil).IsOk())
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	opts, waits := noSleep(RetryOpts{MaxAttempts: 3, InitialWait: 10 * time.Millisecond, MaxWait: time.Second})
	calls := 0
	r := Retry(context.Background(), opts, func(context.Context) Result[string] {
		calls++
		if calls < 3 {
			return Err[string](errTransient)
		}
		return Ok("done")
	})
	v, err := r.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *waits)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	opts, _ := noSleep(RetryOpts{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	})
	calls := 0
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return Err[int](errFatal)
	})
	assert.Equal(t, 1, calls, "a single attempt")
	_, err := r.Unwrap()
	assert.ErrorIs(t, err, errFatal)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	var retried []int
	opts, _ := noSleep(RetryOpts{
		MaxAttempts: 3,
		InitialWait: time.Second,
		MaxWait:     1500 * time.Millisecond,
		OnRetry:     func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
	})
	calls := 0
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return FromPair(calls, errTransient)
	})
	assert.Equal(t, 3, calls)
	v, err := r.Unwrap()
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, v, "last partial value is kept")
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryJitterAndCap(t *testing.T) {
	opts, waits := noSleep(RetryOpts{MaxAttempts: 4, InitialWait: 100 * time.Millisecond, MaxWait: 150 * time.Millisecond, Jitter: true})
	Retry(context.Background(), opts, func(context.Context) Result[int] { return Err[int](errTransient) })
	require.Len(t, *waits, 3)
	for _, w := range *waits {
		assert.GreaterOrEqual(t, w, 50*time.Millisecond)
		assert.LessOrEqual(t, w, 150*time.Millisecond)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := Retry(ctx, RetryOpts{MaxAttempts: 5, InitialWait: time.Hour}, func(context.Context) Result[int] {
		calls++
		cancel()
		return Err[int](errTransient)
	})
	assert.Equal(t, 1, calls, "stops after cancel")
	assert.True(t, r.IsErr())
}

func TestRetryStageAndTraced(t *testing.T) {
	calls := 0
	stage := StageFunc(func(_ context.Context, in int) (int, error) {
		calls++
		if calls == 1 {
			return 0, errTransient
		}
		return in * 2, nil
	})
	opts, _ := noSleep(RetryOpts{MaxAttempts: 2})
	v, err := RetryStage(opts, TracedStage("double", stage))(context.Background(), 21).Unwrap()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSliceHelpers(t *testing.T) {
	assert.Equal(t, []int{2, 4, 6}, Map([]int{1, 2, 3}, func(i int) int { return i * 2 }))
	assert.Equal(t, []int{2, 4}, Filter([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 }))
	assert.Equal(t, []string{"fire", "smoke"}, Unique([]string{"fire", "smoke", "fire"}))
}

func TestThenShortCircuits(t *testing.T) {
	calls := 0
	double := StageFunc(func(_ context.Context, n int) (int, error) { calls++; return n * 2, nil })
	fail := StageFunc(func(_ context.Context, n int) (int, error) { return 0, errFatal })

	v, err := Then(double, double)(context.Background(), 3).Unwrap()
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	calls = 0
	_, err = Then(fail, double)(context.Background(), 3).Unwrap()
	assert.ErrorIs(t, err, errFatal)
	assert.Zero(t, calls, "later stages are skipped")
}
