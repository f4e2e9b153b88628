package depth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-rangefinder/internal/log"
)

// Decision is the per-frame depth action chosen by the Cache.
type Decision int

const (
	// Skip withholds depth for this frame.
	Skip Decision = iota
	// RunFresh runs monocular inference on this frame.
	RunFresh
	// UseCached reuses the cached map.
	UseCached
)

func (d Decision) String() string {
	switch d {
	case RunFresh:
		return "run_fresh"
	case UseCached:
		return "use_cached"
	default:
		return "skip"
	}
}

// CacheConfig holds the cache timing parameters.
type CacheConfig struct {
	Interval  time.Duration // Minimum time between inferences
	Staleness time.Duration // Maximum age of a reusable map
}

// DefaultCacheConfig returns the production timing: infer at most every
// 1.5s and never reuse a map older than 3s.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Interval:  1500 * time.Millisecond,
		Staleness: 3000 * time.Millisecond,
	}
}

// Cache holds the most recent depth map and decides per frame whether to
// run inference, reuse the map, or skip depth.
type Cache struct {
	cfg    CacheConfig
	logger *slog.Logger

	mu        sync.Mutex
	current   *Map
	lastRun   time.Time // Time of the last successful inference
	disabled  bool
	lastError error
}

// NewCache creates an empty cache.
func NewCache(cfg CacheConfig) *Cache {
	return &Cache{
		cfg:    cfg,
		logger: log.Component("depth.cache"),
	}
}

// Decide returns the action for a frame arriving at now.
func (c *Cache) Decide(now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return Skip
	}
	if c.current == nil {
		return RunFresh
	}
	since := now.Sub(c.lastRun)
	if since >= c.cfg.Interval {
		return RunFresh
	}
	if since <= c.cfg.Staleness {
		return UseCached
	}
	return Skip
}

// Store replaces the cached map after a successful inference finished at now.
func (c *Cache) Store(m *Map, now time.Time) error {
	if !m.Valid() {
		return ErrInvalidMap
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return ErrDisabled
	}
	if c.current != nil && m.Timestamp.Before(c.current.Timestamp) {
		return ErrOutOfOrder
	}
	c.current = m
	c.lastRun = now
	return nil
}

// Current returns the cached map when it is no older than the staleness
// bound at now.
func (c *Cache) Current(now time.Time) (*Map, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || now.Sub(c.lastRun) > c.cfg.Staleness {
		return nil, false
	}
	return c.current, true
}

// Fail clears the cache and disables inference for the rest of the session.
func (c *Cache) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.disabled {
		c.logger.Warn("depth inference disabled", "error", err)
	}
	c.current = nil
	c.disabled = true
	c.lastError = err
}

// Disabled reports whether inference has been shut off, with the cause.
func (c *Cache) Disabled() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled, c.lastError
}

// Reset drops the cached map without disabling inference.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.current = nil
	c.lastRun = time.Time{}
	c.mu.Unlock()
}
