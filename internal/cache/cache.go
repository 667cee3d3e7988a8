package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/HanTheDev/review-gateway/internal/clock"
	"github.com/HanTheDev/review-gateway/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultSharedTTL     = 5 * time.Minute
)

type Tier string

const (
	TierNone   Tier = ""
	TierLocal  Tier = "local"
	TierShared Tier = "shared"
)

// Lookup is the result of Get. Degraded is set when the shared tier failed;
// it is informational and never turned into an error for the caller.
type Lookup struct {
	Value    []byte
	Found    bool
	Tier     Tier
	Degraded error
}

// Outcome reports how a write or delete went on the shared tier.
type Outcome struct {
	Degraded error
}

type entry struct {
	value  []byte
	expiry time.Time
}

// Cache is a two-tier cache: an in-process map in front of an optional
// shared key-value store. The shared tier is advisory; its failures are
// logged and absorbed.
type Cache struct {
	mu     sync.RWMutex
	local  map[string]entry
	shared Shared
	clock  clock.Clock

	sweepInterval time.Duration
	cancel        context.CancelFunc
	done          chan struct{}
}

type Option func(*Cache)

func WithClock(c clock.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

func WithSweepInterval(d time.Duration) Option {
	return func(cache *Cache) {
		if d > 0 {
			cache.sweepInterval = d
		}
	}
}

// New builds a cache. shared may be nil for an in-process only cache.
func New(shared Shared, opts ...Option) *Cache {
	c := &Cache{
		local:         make(map[string]entry),
		shared:        shared,
		clock:         clock.Wall,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set always writes the in-process tier and, when useShared is set, makes a
// best-effort write to the shared tier with the same TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, useShared bool) Outcome {
	c.mu.Lock()
	c.local[key] = entry{value: value, expiry: c.clock.Now().Add(ttl)}
	c.mu.Unlock()

	if !useShared || c.shared == nil {
		return Outcome{}
	}
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		return Outcome{Degraded: c.degraded("set", key, err)}
	}
	return Outcome{}
}

// Get checks the in-process tier first, then the shared tier. A shared hit
// is copied back into the in-process tier.
func (c *Cache) Get(ctx context.Context, key string, useShared bool) Lookup {
	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()
	if ok && c.clock.Now().Before(e.expiry) {
		metrics.CacheHits.WithLabelValues(string(TierLocal)).Inc()
		return Lookup{Value: e.value, Found: true, Tier: TierLocal}
	}

	if !useShared || c.shared == nil {
		metrics.CacheMisses.Inc()
		return Lookup{}
	}

	value, ttl, err := c.shared.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		metrics.CacheMisses.Inc()
		return Lookup{}
	}
	if err != nil {
		metrics.CacheMisses.Inc()
		return Lookup{Degraded: c.degraded("get", key, err)}
	}

	if ttl <= 0 {
		ttl = DefaultSharedTTL
	}
	c.mu.Lock()
	c.local[key] = entry{value: value, expiry: c.clock.Now().Add(ttl)}
	c.mu.Unlock()

	metrics.CacheHits.WithLabelValues(string(TierShared)).Inc()
	return Lookup{Value: value, Found: true, Tier: TierShared}
}

func (c *Cache) Delete(ctx context.Context, key string) Outcome {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()

	if c.shared == nil {
		return Outcome{}
	}
	if err := c.shared.Delete(ctx, key); err != nil {
		return Outcome{Degraded: c.degraded("delete", key, err)}
	}
	return Outcome{}
}

// DeleteByPrefix removes every key starting with the literal prefix from
// both tiers.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) Outcome {
	c.mu.Lock()
	for key := range c.local {
		if strings.HasPrefix(key, prefix) {
			delete(c.local, key)
		}
	}
	c.mu.Unlock()

	if c.shared == nil {
		return Outcome{}
	}
	keys, err := c.shared.Keys(ctx, prefix)
	if err != nil {
		return Outcome{Degraded: c.degraded("keys", prefix, err)}
	}
	if err := c.shared.Delete(ctx, keys...); err != nil {
		return Outcome{Degraded: c.degraded("delete", prefix, err)}
	}
	return Outcome{}
}

// EvictExpired drops expired in-process entries and returns how many went.
func (c *Cache) EvictExpired() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.local {
		if !now.Before(e.expiry) {
			delete(c.local, key)
			removed++
		}
	}
	metrics.CacheEvictions.Add(float64(removed))
	return removed
}

// Len is the number of in-process entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}

// Start launches the periodic sweep of the in-process tier. Close stops it.
// Starting an already running cache does nothing.
func (c *Cache) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.sweep(ctx, c.done)
	log.Infof("cache: sweep started (interval=%s)", c.sweepInterval)
}

func (c *Cache) sweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := clock.Sleep(ctx, c.clock, c.sweepInterval); err != nil {
			return
		}
		if n := c.EvictExpired(); n > 0 {
			log.Debugf("cache: evicted %d expired entries", n)
		}
	}
}

func (c *Cache) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

func (c *Cache) degraded(op, key string, err error) error {
	metrics.CacheDegraded.WithLabelValues(op).Inc()
	log.WithError(err).Warnf("cache: shared tier %s failed (key=%s), continuing without it", op, key)
	return err
}
