// Package retry implements the transient-fault retry policy shared by the
// token manager and the fetch-load engine.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	cserrors "github.com/cisync/cisync/pkg/errors"
	"github.com/cisync/cisync/pkg/metrics"
)

// Policy defines retry behavior for operations crossing a network boundary.
// A fault classified as transient is retried up to MaxRetries times after the
// first attempt; any other fault propagates immediately.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	MaxJitter  time.Duration

	logger *zap.Logger
}

// New creates a retry policy with the production defaults: three retries
// after the first attempt, exponential backoff, and 0-500ms of random jitter
// to avoid synchronized retry storms across tenants.
func New(logger *zap.Logger) *Policy {
	return &Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		MaxJitter:  500 * time.Millisecond,
		logger:     logger.With(zap.String("component", "retry_policy")),
	}
}

// Do runs fn, retrying transient faults with exponential backoff. The policy
// is deadline-aware: it never sleeps past the remaining context budget.
// Exhausting the retry budget surfaces the last fault unchanged.
func (p *Policy) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}

		if attempt == p.MaxRetries {
			break
		}

		delay := p.delay(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
			p.logger.Warn("retry abandoned, delay exceeds remaining deadline",
				zap.String("operation", op),
				zap.Duration("delay", delay),
				zap.Error(err))
			return lastErr
		}

		metrics.Retries.WithLabelValues(op).Inc()
		p.logger.Warn("transient fault, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", p.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// delay computes the backoff for a given attempt: exponential in the attempt
// number plus additive random jitter.
func (p *Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.MaxJitter > 0 {
		d += rand.Float64() * float64(p.MaxJitter)
	}
	return time.Duration(d)
}

// Delay exposes the backoff for a specific attempt, for tests.
func (p *Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt)
}

// IsTransient classifies a fault as retryable: network-level I/O failures,
// connection resets, request timeouts, and HTTP responses with status >= 500
// or 429. Everything else is final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Caller cancellation is never transient.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if cserrors.IsRetryable(err) {
		return true
	}

	var statusErr *cserrors.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500 || statusErr.Status == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
