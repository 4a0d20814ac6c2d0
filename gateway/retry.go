package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/liminalfauna/tiermind/core"
	"github.com/liminalfauna/tiermind/internal/tlog"
)

var log = tlog.New("GATEWAY")

// RetryConfig controls the retry/backoff policy applied around a gateway
// call (spec §5 "Every LLM call has a timeout... and up to max_retry
// retries with backoff").
type RetryConfig struct {
	Timeout    time.Duration
	MaxRetry   int
	BaseBackoff time.Duration
}

// WithRetry runs fn up to cfg.MaxRetry+1 times, backing off
// cfg.BaseBackoff*2^attempt between attempts, and enforcing cfg.Timeout per
// attempt via context. An error matching core.ErrPermanent or
// core.ErrValidation (errors.Is) short-circuits without retrying; everything
// else is treated as transient.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := cfg.BaseBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	for attempt := 0; attempt <= cfg.MaxRetry; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, core.ErrPermanent) || errors.Is(err, core.ErrValidation) {
			return err
		}
		if attempt == cfg.MaxRetry {
			break
		}
		log.Warnf("attempt %d/%d failed, retrying in %s: %v", attempt+1, cfg.MaxRetry+1, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return lastErr
}
