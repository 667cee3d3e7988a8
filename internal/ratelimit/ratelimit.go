package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/HanTheDev/review-gateway/internal/clock"
	"github.com/HanTheDev/review-gateway/internal/metrics"
	"github.com/HanTheDev/review-gateway/internal/models"
	log "github.com/sirupsen/logrus"
)

const (
	window = time.Minute

	LimitMinute = "minute"
	LimitDay    = "day"
)

// Limits are the local request budgets and the backoff windows.
type Limits struct {
	MaxPerMinute     int
	MaxPerDay        int
	CooldownTime     time.Duration
	QuotaBackoffTime time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxPerMinute:     60,
		MaxPerDay:        5000,
		CooldownTime:     60 * time.Second,
		QuotaBackoffTime: 60 * time.Second,
	}
}

// LimitRecorder receives an event every time a local limit denies a request.
type LimitRecorder interface {
	LogRateLimit(ctx context.Context, event *models.RateLimitEvent) error
}

// QuotaGuard counts provider requests per minute and per day, and tracks the
// backoff window opened when the provider itself reports quota exhaustion.
// One guard is shared by every caller in the process.
type QuotaGuard struct {
	mu       sync.Mutex
	state    models.QuotaState
	limits   Limits
	clock    clock.Clock
	recorder LimitRecorder
}

func NewQuotaGuard(limits Limits, clk clock.Clock, recorder LimitRecorder) *QuotaGuard {
	if clk == nil {
		clk = clock.Wall
	}
	defaults := DefaultLimits()
	if limits.MaxPerMinute <= 0 {
		limits.MaxPerMinute = defaults.MaxPerMinute
	}
	if limits.MaxPerDay <= 0 {
		limits.MaxPerDay = defaults.MaxPerDay
	}
	if limits.CooldownTime <= 0 {
		limits.CooldownTime = defaults.CooldownTime
	}
	if limits.QuotaBackoffTime <= 0 {
		limits.QuotaBackoffTime = defaults.QuotaBackoffTime
	}
	now := clk.Now()
	return &QuotaGuard{
		state: models.QuotaState{
			LastResetTime:  now,
			DailyResetTime: nextMidnight(now),
		},
		limits:   limits,
		clock:    clk,
		recorder: recorder,
	}
}

// RecordRequest is the gate in front of every provider call attempt. It
// returns false while a provider backoff is active or when a local budget is
// spent; otherwise it counts the request and returns true.
func (g *QuotaGuard) RecordRequest(ctx context.Context) bool {
	g.mu.Lock()
	now := g.clock.Now()
	if now.Before(g.state.QuotaLimitedUntil) {
		g.mu.Unlock()
		return false
	}

	if !now.Before(g.state.LastResetTime.Add(window)) {
		g.state.RequestCount = 0
		g.state.LastResetTime = now
		g.state.IsLimited = false
	}
	if !now.Before(g.state.DailyResetTime) {
		g.state.DailyRequestCount = 0
		g.state.DailyResetTime = nextMidnight(now)
	}

	var event *models.RateLimitEvent
	switch {
	case g.state.RequestCount >= g.limits.MaxPerMinute:
		event = &models.RateLimitEvent{LimitType: LimitMinute, Count: g.state.RequestCount, Threshold: g.limits.MaxPerMinute, Timestamp: now}
	case g.state.DailyRequestCount >= g.limits.MaxPerDay:
		event = &models.RateLimitEvent{LimitType: LimitDay, Count: g.state.DailyRequestCount, Threshold: g.limits.MaxPerDay, Timestamp: now}
	}
	if event != nil {
		g.state.IsLimited = true
		g.mu.Unlock()
		g.recordLimit(ctx, event)
		return false
	}

	g.state.RequestCount++
	g.state.DailyRequestCount++
	g.mu.Unlock()
	return true
}

func (g *QuotaGuard) recordLimit(ctx context.Context, event *models.RateLimitEvent) {
	metrics.LocalLimitHits.WithLabelValues(event.LimitType).Inc()
	log.WithFields(log.Fields{
		"limit":     event.LimitType,
		"count":     event.Count,
		"threshold": event.Threshold,
	}).Warn("ratelimit: local request limit reached")
	if g.recorder == nil {
		return
	}
	if err := g.recorder.LogRateLimit(ctx, event); err != nil {
		log.WithError(err).Warn("ratelimit: failed to store limit event")
	}
}

func (g *QuotaGuard) IsRateLimited() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.IsLimited || g.clock.Now().Before(g.state.QuotaLimitedUntil)
}

// SetQuotaLimited opens the provider backoff window.
func (g *QuotaGuard) SetQuotaLimited() {
	g.mu.Lock()
	until := g.clock.Now().Add(g.limits.QuotaBackoffTime)
	g.state.QuotaLimitedUntil = until
	g.mu.Unlock()
	metrics.QuotaBackoffs.Inc()
	log.Warnf("ratelimit: provider quota exhausted, backing off until %s", until.Format(time.RFC3339))
}

// WaitForCooldown blocks until the active backoff is over: the rest of the
// quota window (capped at QuotaBackoffTime) or a full CooldownTime when only
// the local budget is spent. It returns immediately when neither applies.
func (g *QuotaGuard) WaitForCooldown(ctx context.Context) error {
	g.mu.Lock()
	now := g.clock.Now()
	var wait time.Duration
	switch {
	case now.Before(g.state.QuotaLimitedUntil):
		wait = min(g.state.QuotaLimitedUntil.Sub(now), g.limits.QuotaBackoffTime)
	case g.state.IsLimited:
		wait = g.limits.CooldownTime
	}
	g.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	log.Debugf("ratelimit: cooling down for %s", wait)
	return clock.Sleep(ctx, g.clock, wait)
}

// GetRetryAfter returns the whole seconds a caller should wait before trying
// again, or 0 when nothing is limiting.
func (g *QuotaGuard) GetRetryAfter() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	var remaining time.Duration
	switch {
	case now.Before(g.state.QuotaLimitedUntil):
		remaining = g.state.QuotaLimitedUntil.Sub(now)
	case g.state.IsLimited && g.state.DailyRequestCount >= g.limits.MaxPerDay:
		remaining = g.state.DailyResetTime.Sub(now)
	case g.state.IsLimited:
		remaining = g.state.LastResetTime.Add(window).Sub(now)
		if remaining <= 0 {
			remaining = g.limits.CooldownTime
		}
	}
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// Snapshot returns a copy of the current counters.
func (g *QuotaGuard) Snapshot() models.QuotaState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Run resets the daily counter at every local midnight until ctx is done.
func (g *QuotaGuard) Run(ctx context.Context) {
	for {
		g.mu.Lock()
		wait := g.state.DailyResetTime.Sub(g.clock.Now())
		g.mu.Unlock()

		if err := clock.Sleep(ctx, g.clock, max(wait, time.Second)); err != nil {
			return
		}

		g.mu.Lock()
		now := g.clock.Now()
		if !now.Before(g.state.DailyResetTime) {
			g.state.DailyRequestCount = 0
			g.state.DailyResetTime = nextMidnight(now)
			log.Info("ratelimit: daily request counter reset")
		}
		g.mu.Unlock()
	}
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
