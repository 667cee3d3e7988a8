// Package retry runs provider calls behind the quota guard, retrying
// transient failures with exponential backoff and rotating client
// credentials when the provider reports quota exhaustion.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/HanTheDev/review-gateway/internal/apierrors"
	"github.com/HanTheDev/review-gateway/internal/clock"
	"github.com/HanTheDev/review-gateway/internal/credentials"
	"github.com/HanTheDev/review-gateway/internal/metrics"
	"github.com/HanTheDev/review-gateway/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// MaxRetries is the number of retries after the first attempt, so a call
	// that keeps failing transiently is attempted MaxRetries+1 times.
	MaxRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// RotationPause is slept after switching credentials on a quota error.
	RotationPause time.Duration

	// MaxQuotaRetries caps quota-path loops. Zero means no cap.
	MaxQuotaRetries int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		RotationPause: time.Second,
	}
}

type Executor struct {
	cfg   Config
	guard *ratelimit.QuotaGuard
	creds *credentials.Rotator
	clock clock.Clock
}

func NewExecutor(cfg Config, guard *ratelimit.QuotaGuard, creds *credentials.Rotator, clk clock.Clock) *Executor {
	defaults := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.RotationPause <= 0 {
		cfg.RotationPause = defaults.RotationPause
	}
	if cfg.MaxQuotaRetries < 0 {
		cfg.MaxQuotaRetries = 0
	}
	if clk == nil {
		clk = clock.Wall
	}
	return &Executor{cfg: cfg, guard: guard, creds: creds, clock: clk}
}

// Backoff is the delay before the n-th retry (n starts at 1).
func (e *Executor) Backoff(n int) time.Duration {
	delay := e.cfg.InitialDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= e.cfg.MaxDelay {
			return e.cfg.MaxDelay
		}
	}
	return min(delay, e.cfg.MaxDelay)
}

// Do runs op until it succeeds, fails terminally or ctx ends.
//
// Before each attempt the quota guard is consulted; a denied slot waits for
// the cooldown and does not count as an attempt. A provider quota error opens
// the guard's backoff window and either rotates to the next credential set or
// waits out the window, again without counting. Any other retryable error is
// retried up to MaxRetries times with exponential backoff. Authentication
// and argument errors are returned at once.
func Do[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, error) {
	var zero T
	retries, quotaHits := 0, 0

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if !e.guard.RecordRequest(ctx) {
			if err := e.guard.WaitForCooldown(ctx); err != nil {
				return zero, err
			}
			continue
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		if apierrors.IsQuotaExceeded(err) {
			quotaHits++
			e.guard.SetQuotaLimited()
			if e.cfg.MaxQuotaRetries > 0 && quotaHits > e.cfg.MaxQuotaRetries {
				log.WithError(err).Errorf("retry: provider quota still exhausted after %d backoffs", e.cfg.MaxQuotaRetries)
				return zero, fmt.Errorf("%w: %w", apierrors.ErrQuotaExceeded, err)
			}
			if e.creds.Len() > 1 {
				e.creds.Next()
				if err := clock.Sleep(ctx, e.clock, e.cfg.RotationPause); err != nil {
					return zero, err
				}
				continue
			}
			if err := e.guard.WaitForCooldown(ctx); err != nil {
				return zero, err
			}
			continue
		}

		if !apierrors.IsRetryable(err) {
			return zero, err
		}

		retries++
		if retries > e.cfg.MaxRetries {
			log.WithError(err).Errorf("retry: giving up after %d retries", e.cfg.MaxRetries)
			return zero, err
		}
		delay := e.Backoff(retries)
		metrics.TransientRetries.Inc()
		log.WithError(err).Warnf("retry: attempt failed, retrying in %s (retry=%d/%d)", delay, retries, e.cfg.MaxRetries)
		if err := clock.Sleep(ctx, e.clock, delay); err != nil {
			return zero, err
		}
	}
}
