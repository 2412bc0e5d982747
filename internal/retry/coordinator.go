/**
 * @description
 * The retry coordinator is the single authority on attempt counting and retryability.
 * The orchestrator classifies each failure; the coordinator decides whether another
 * attempt may be made and how long to wait before making it.
 */
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
)

const DefaultMaxAttempts = 3

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

type Coordinator struct {
	cfg    Config
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

func NewCoordinator(cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, sleep: sleepWithContext, logger: logger.With("component", "retry")}
}

func (c *Coordinator) MaxAttempts() int { return c.cfg.MaxAttempts }

// Settle is called after a failed attempt has been recorded. It marks the transaction
// exhausted when the failure is terminal or the attempt budget is spent, which makes the
// Failed state final.
func (c *Coordinator) Settle(tx *domain.Transaction) {
	if tx.State != domain.StateFailed {
		return
	}
	if tx.LastErrorKind == nil || *tx.LastErrorKind != domain.ErrorKindRetryable || len(tx.Attempts) >= c.cfg.MaxAttempts {
		tx.Exhausted = true
	}
}

// Authorize decides whether tx may be resubmitted. On success the caller owns the next
// attempt and must reuse the transaction's idempotency key.
func (c *Coordinator) Authorize(tx *domain.Transaction, reason string) error {
	switch tx.State {
	case domain.StateFailed:
	case domain.StateSubmitting, domain.StatePending:
		return fmt.Errorf("%w: attempt %d has not reached an outcome", domain.ErrBusy, len(tx.Attempts))
	default:
		return fmt.Errorf("%w: transaction is %s", domain.ErrNotRetryable, tx.State)
	}

	if tx.LastErrorKind == nil || *tx.LastErrorKind != domain.ErrorKindRetryable {
		tx.Exhausted = true
		return fmt.Errorf("%w: last failure was terminal", domain.ErrNotRetryable)
	}
	if len(tx.Attempts) >= c.cfg.MaxAttempts {
		tx.Exhausted = true
		c.logger.Warn("retry budget exhausted", "transaction_id", tx.ID, "attempts", len(tx.Attempts), "reason", reason)
		return fmt.Errorf("%w: %d of %d attempts used", domain.ErrMaxAttemptsExceeded, len(tx.Attempts), c.cfg.MaxAttempts)
	}

	c.logger.Info("retry authorised", "transaction_id", tx.ID, "next_attempt", len(tx.Attempts)+1, "reason", reason)
	return nil
}

// Delay is the backoff before the next attempt: full jitter over base * 2^(attempts-1),
// capped at MaxDelay.
func (c *Coordinator) Delay(tx *domain.Transaction) time.Duration {
	d := exponential(c.cfg.BaseDelay, len(tx.Attempts)-1)
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return fullJitter(d)
}

// Wait sleeps for Delay(tx) unless ctx ends first.
func (c *Coordinator) Wait(ctx context.Context, tx *domain.Transaction) error {
	return c.sleep(ctx, c.Delay(tx))
}
