// Package notify delivers alert messages to an external notification
// service over NATS request/reply.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
	"github.com/vast-data/cosmos-labs-sub001/pkg/natsutil"
	"github.com/vast-data/cosmos-labs-sub001/pkg/resilience"
)

// ErrDeliveryFailed is returned when the notification service answered but
// refused or failed the delivery.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Receipt is the provider's acknowledgement of a delivered message.
type Receipt struct {
	ProviderID string
}

// Dispatcher sends one message to one destination.
type Dispatcher interface {
	Send(ctx context.Context, destination, message string) (Receipt, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, destination, message string) (Receipt, error)

func (f DispatcherFunc) Send(ctx context.Context, destination, message string) (Receipt, error) {
	return f(ctx, destination, message)
}

// Request is the wire body sent to the notification service.
type Request struct {
	Destination string    `json:"destination"`
	Message     string    `json:"message"`
	SentAt      time.Time `json:"sent_at"`
}

// Response is the notification service's reply.
type Response struct {
	OK         bool   `json:"ok"`
	ProviderID string `json:"provider_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Options configures a NATS dispatcher.
type Options struct {
	Subject string
	Timeout time.Duration
	Breaker resilience.BreakerOpts
	Limiter resilience.LimiterOpts
}

// DefaultOptions returns dispatcher defaults for subject.
func DefaultOptions(subject string) Options {
	return Options{
		Subject: subject,
		Timeout: 5 * time.Second,
		Breaker: resilience.DefaultBreakerOpts,
		Limiter: resilience.LimiterOpts{Rate: 5, Burst: 10},
	}
}

// NATS is a Dispatcher that performs a request/reply round trip per message.
type NATS struct {
	req     natsutil.Requester
	opts    Options
	breaker *resilience.Breaker
	limiter *resilience.Limiter
	logger  *slog.Logger
}

// NewNATS creates a dispatcher. A nil logger falls back to slog.Default().
func NewNATS(req natsutil.Requester, opts Options, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	bo := opts.Breaker
	// A refused delivery is the provider's answer, not an outage.
	bo.IsFailure = func(err error) bool {
		return !errors.Is(err, ErrDeliveryFailed) && !errors.Is(err, context.Canceled)
	}
	bo.OnStateChange = func(from, to resilience.State) {
		logger.Warn("notification breaker state change", "from", from.String(), "to", to.String())
	}
	return &NATS{
		req:     req,
		opts:    opts,
		breaker: resilience.NewBreaker(bo),
		limiter: resilience.NewLimiter(opts.Limiter),
		logger:  logger,
	}
}

// Send delivers message. Channel failures (open breaker, timeout, no
// responders) match domain.ErrNotificationUnavailable; a refusal by the
// provider matches ErrDeliveryFailed.
func (n *NATS) Send(ctx context.Context, destination, message string) (Receipt, error) {
	if n.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return Receipt{}, unavailable("rate limit wait", err)
	}

	var resp Response
	err := n.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = natsutil.Request[Request, Response](ctx, n.req, n.opts.Subject, Request{
			Destination: destination,
			Message:     message,
			SentAt:      time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("%w: %s", ErrDeliveryFailed, resp.Error)
		}
		return nil
	})
	switch {
	case err == nil:
		return Receipt{ProviderID: resp.ProviderID}, nil
	case errors.Is(err, ErrDeliveryFailed):
		return Receipt{}, fmt.Errorf("notify: %s: %w", destination, err)
	default:
		return Receipt{}, unavailable(n.opts.Subject, err)
	}
}

func unavailable(op string, cause error) error {
	return fmt.Errorf("notify: %s: %w: %v", op, domain.ErrNotificationUnavailable, cause)
}

// Log is a Dispatcher that only logs. It backs dry runs.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(_ context.Context, destination, message string) (Receipt, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("alert (dry run)", "destination", destination, "message", message)
	return Receipt{ProviderID: "dry-run"}, nil
}

var (
	_ Dispatcher = (*NATS)(nil)
	_ Dispatcher = Log{}
	_ Dispatcher = DispatcherFunc(nil)
)
