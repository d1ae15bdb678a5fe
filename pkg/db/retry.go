package db

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/bookyardhq/bookyard-backend/pkg/config"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

type txRetryCounter interface {
	IncTxRetry()
}

// RetryRunner executes closures inside serializable transactions, retrying
// serialization failures, deadlocks and lock timeouts with exponential
// backoff plus jitter. Other errors propagate immediately.
type RetryRunner struct {
	client  *Client
	cfg     config.TxRetryConfig
	metrics txRetryCounter
	logg    *logger.Logger
}

// NewRetryRunner builds a retry runner. metrics and logg may be nil.
func NewRetryRunner(client *Client, cfg config.TxRetryConfig, metrics txRetryCounter, logg *logger.Logger) *RetryRunner {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	return &RetryRunner{client: client, cfg: cfg, metrics: metrics, logg: logg}
}

// WithTx runs fn at serializable isolation. The name matches the plain client
// so services can accept either through the same txRunner interface.
func (r *RetryRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.WithTxAt(ctx, sql.LevelSerializable, fn)
}

// WithTxAt runs fn at the requested isolation level, retrying retryable
// failures up to the configured attempt budget.
func (r *RetryRunner) WithTxAt(ctx context.Context, iso sql.IsolationLevel, fn func(tx *gorm.DB) error) error {
	var (
		lastRetryable error
		fatal         error
		attempt       uint64
	)

	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attempt++
		attemptCtx := ctx
		if r.cfg.TxTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.TxTimeout)
			defer cancel()
		}

		txErr := r.client.WithTxOptions(attemptCtx, &sql.TxOptions{Isolation: iso}, fn)
		if txErr == nil {
			return nil
		}
		if !IsRetryableTxError(txErr) {
			fatal = txErr
			return txErr
		}

		lastRetryable = txErr
		if attempt < r.cfg.MaxRetries {
			// Counted per retry taken, not per final failure.
			if r.metrics != nil {
				r.metrics.IncTxRetry()
			}
			if r.logg != nil {
				logCtx := r.logg.WithFields(ctx, map[string]any{
					"attempt": attempt,
					"error":   txErr.Error(),
				})
				r.logg.Warn(logCtx, "retrying transaction after contention")
			}
		}
		return retry.RetryableError(txErr)
	})

	switch {
	case err == nil:
		return nil
	case fatal != nil:
		return fatal
	case lastRetryable != nil:
		// Retries exhausted: the caller sees the real underlying error.
		return lastRetryable
	default:
		return pkgerrors.Wrap(pkgerrors.CodeSystemBusy, err, "transaction never completed")
	}
}

// backoff yields base*2^attempt plus uniform(0, jitter), stopping after
// MaxRetries total attempts.
func (r *RetryRunner) backoff() retry.Backoff {
	var sleeps uint64
	maxSleeps := r.cfg.MaxRetries - 1
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if sleeps >= maxSleeps {
			return 0, true
		}
		delay := r.cfg.BaseDelay << sleeps
		if r.cfg.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(r.cfg.Jitter)))
		}
		sleeps++
		return delay, false
	})
}
