package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/telemetry"
)

// Caller runs one remote request of a publish step.
type Caller interface {
	Call(ctx context.Context, step domain.PublishStep, fn func(ctx context.Context) error) error
}

// ThrottledError is a transient failure carrying how long the account
// should back off.
type ThrottledError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *ThrottledError) Unwrap() error {
	return e.Err
}

// RetryConfig bounds retries of transient destination failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// GatedCaller passes every request through the account gate and retries
// transient failures with exponential backoff. Validation and auth
// failures return immediately.
type GatedCaller struct {
	destination string
	gate        *ratelimit.Gate
	retry       RetryConfig
	telemetry   *telemetry.Provider
	log         infralogger.Logger
}

// NewGatedCaller creates a caller for destination. gate and tp may be nil.
func NewGatedCaller(
	destination string,
	gate *ratelimit.Gate,
	rc RetryConfig,
	tp *telemetry.Provider,
	log infralogger.Logger,
) *GatedCaller {
	return &GatedCaller{destination: destination, gate: gate, retry: rc, telemetry: tp, log: log}
}

// Call runs fn until it succeeds, fails terminally or the attempts run out.
func (c *GatedCaller) Call(ctx context.Context, step domain.PublishStep, fn func(ctx context.Context) error) error {
	cfg := retry.Config{
		MaxAttempts:  c.retry.MaxAttempts,
		InitialDelay: c.retry.InitialBackoff,
		MaxDelay:     c.retry.MaxBackoff,
		Multiplier:   2,
		IsRetryable: func(err error) bool {
			return errors.Is(err, domain.ErrPublishTransient)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.telemetry.RecordPublishRetry(c.destination, string(step))
			c.log.Warn("Destination call failed, retrying",
				infralogger.String("destination", c.destination),
				infralogger.String("step", string(step)),
				infralogger.Int("attempt", attempt),
				infralogger.Duration("delay", delay),
				infralogger.Error(err),
			)
		},
	}

	return retry.Retry(ctx, cfg, func() error {
		if c.gate != nil {
			if err := c.gate.Wait(ctx); err != nil {
				return err
			}
		}
		err := fn(ctx)

		var throttled *ThrottledError
		if c.gate != nil && errors.As(err, &throttled) && throttled.RetryAfter > 0 {
			c.gate.Pause(throttled.RetryAfter)
		}
		return err
	})
}

var _ Caller = (*GatedCaller)(nil)
