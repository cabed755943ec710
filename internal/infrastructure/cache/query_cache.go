package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
	"github.com/campuskit/campus-admin-backend/internal/infrastructure/config"
)

// QueryCache is the process-local TTL cache in front of filtered event
// listings and aggregate statistics. Entries live only in this process;
// there is no cross-process coherence. Any incident mutation clears the
// whole cache: correctness is prioritized over hit ratio.
type QueryCache struct {
	cfg    config.CacheConfig
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	sweepOnce sync.Once
	done      chan struct{}
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Metrics is a point-in-time snapshot of cache counters.
type Metrics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// NewQueryCache creates an empty cache. Call StartSweeper to enable the
// periodic purge of TTL-expired entries.
func NewQueryCache(cfg config.CacheConfig, logger *zap.Logger) *QueryCache {
	if cfg.ListingTTL <= 0 {
		cfg.ListingTTL = 2 * time.Minute
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.MaxCachedPageSize <= 0 {
		cfg.MaxCachedPageSize = 100
	}
	return &QueryCache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
}

// GetListing returns a cached listing page, or nil on miss/expiry.
func (c *QueryCache) GetListing(key string) *audit.EventPage {
	if v, ok := c.get(key); ok {
		if page, ok := v.(*audit.EventPage); ok {
			return page
		}
	}
	return nil
}

// SetListing caches a listing page unless the requested page size
// exceeds the cacheable bound (export-class queries bypass the cache).
func (c *QueryCache) SetListing(key string, limit int, page *audit.EventPage) {
	if page == nil || limit <= 0 || limit > c.cfg.MaxCachedPageSize {
		return
	}
	c.set(key, page, c.cfg.ListingTTL)
}

// GetStats returns cached aggregate statistics, or nil on miss/expiry.
func (c *QueryCache) GetStats(key string) *audit.Stats {
	if v, ok := c.get(key); ok {
		if stats, ok := v.(*audit.Stats); ok {
			return stats
		}
	}
	return nil
}

// SetStats caches aggregate statistics.
func (c *QueryCache) SetStats(key string, stats *audit.Stats) {
	if stats == nil {
		return
	}
	c.set(key, stats, c.cfg.StatsTTL)
}

// Clear drops every entry. Invoked on any incident mutation.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	if n > 0 {
		c.evictions.Add(int64(n))
		c.logger.Debug("query cache cleared", zap.Int("entries", n))
	}
}

// StartSweeper launches the background purge of expired entries. Safe to
// call once; Stop terminates it.
func (c *QueryCache) StartSweeper() {
	c.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.done:
					return
				case <-ticker.C:
					c.sweep(time.Now())
				}
			}
		}()
	})
}

// Stop terminates the sweeper.
func (c *QueryCache) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Snapshot returns current counter values.
func (c *QueryCache) Snapshot() Metrics {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

func (c *QueryCache) get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

func (c *QueryCache) set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// sweep purges entries whose TTL lapsed, independent of access.
func (c *QueryCache) sweep(now time.Time) {
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.evictions.Add(int64(removed))
		c.logger.Debug("query cache sweep", zap.Int("expired", removed))
	}
}
