package transfer

import (
	"time"

	"go.uber.org/zap"
)

const (
	// fileAttempts is the total attempt budget for a single transfer.
	fileAttempts = 3
	// fileRetryDelay is the fixed pause between attempts. Transfers are
	// already serialized, so a blocking fixed delay without jitter is enough
	// here, unlike the API retry policy.
	fileRetryDelay = 5 * time.Second
)

// withRetry wraps a single upload or download call with the per-file retry
// budget. Exhausting the attempts returns the last fault, which aborts the
// enclosing handshake cycle.
func (c *Cycle) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= fileAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt < fileAttempts {
			c.logger.Warn("transfer attempt failed, retrying",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			c.sleep(fileRetryDelay)
		}
	}
	return lastErr
}
