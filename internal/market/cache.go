// Package market provides the per-pair candle cache that sits between
// bot evaluations and the exchange gateway.
package market

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/metrics"
)

// CandleSource fetches candles over REST. Satisfied by the exchange gateway.
type CandleSource interface {
	GetCandles(ctx context.Context, productID string, granularity exchange.Granularity, limit int) ([]exchange.Candle, error)
}

// Config carries cache tuning
type Config struct {
	TTL        time.Duration
	MaxEntries int
	StaleGrace time.Duration
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	CoalescedWaits int64 `json:"coalesced_waits"`
	Evictions      int64 `json:"evictions"`
	Size           int   `json:"size"`
}

// HitRate returns hits / (hits + misses)
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	key       string
	candles   []exchange.Candle
	fetchedAt time.Time
	elem      *list.Element
}

// MarketDataCache is a TTL candle cache with single-flight request
// coalescing and a hard LRU cap. Coalescing is a mandatory property:
// N bots sharing a pair trigger exactly one concurrent fetch per key.
type MarketDataCache struct {
	source CandleSource
	cfg    Config

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	sf singleflight.Group

	stats Stats
}

// NewCache creates the market data cache
func NewCache(source CandleSource, cfg Config) *MarketDataCache {
	return &MarketDataCache{
		source:  source,
		cfg:     cfg,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
}

// key builds the cache key for one candle request shape
func key(productID string, granularity exchange.Granularity, limit int) string {
	return fmt.Sprintf("%s:%s:%d", productID, granularity, limit)
}

// Get returns candles for the key, serving the cached value while its
// age is within TTL. On a miss, concurrent callers for the same key
// share one fetch. If the fetch fails and a stale entry exists within
// StaleGrace, it is served with stale=true.
func (c *MarketDataCache) Get(ctx context.Context, productID string, granularity exchange.Granularity, limit int) (candles []exchange.Candle, stale bool, err error) {
	k := key(productID, granularity, limit)
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[k]; ok && now.Sub(e.fetchedAt) <= c.cfg.TTL {
		c.lru.MoveToFront(e.elem)
		c.stats.Hits++
		metrics.CacheHits.Inc()
		candles = e.candles
		c.mu.Unlock()
		return candles, false, nil
	}
	c.stats.Misses++
	metrics.CacheMisses.Inc()
	c.mu.Unlock()

	executed := false
	result, fetchErr, _ := c.sf.Do(k, func() (interface{}, error) {
		executed = true
		fetched, err := c.source.GetCandles(ctx, productID, granularity, limit)
		if err != nil {
			return nil, err
		}
		c.put(k, fetched)
		return fetched, nil
	})
	if !executed {
		// This caller rode on another caller's in-flight fetch.
		c.mu.Lock()
		c.stats.CoalescedWaits++
		c.mu.Unlock()
		metrics.CacheCoalescedWaits.Inc()
	}

	if fetchErr == nil {
		return result.([]exchange.Candle), false, nil
	}

	// Stale-on-error: a recent enough stale entry beats failing.
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok && now.Sub(e.fetchedAt) <= c.cfg.StaleGrace {
		log.Debug().
			Str("key", k).
			Dur("age", now.Sub(e.fetchedAt)).
			Msg("Serving stale candles after fetch failure")
		return e.candles, true, nil
	}

	return nil, false, fmt.Errorf("candle fetch failed for %s: %w", k, fetchErr)
}

// put stores a fetched value and evicts past the LRU cap
func (c *MarketDataCache) put(k string, candles []exchange.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		e.candles = candles
		e.fetchedAt = time.Now()
		c.lru.MoveToFront(e.elem)
		return
	}

	e := &entry{key: k, candles: candles, fetchedAt: time.Now()}
	e.elem = c.lru.PushFront(e)
	c.entries[k] = e

	for len(c.entries) > c.cfg.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*entry)
		c.lru.Remove(oldest)
		delete(c.entries, victim.key)
		c.stats.Evictions++
		metrics.CacheEvictions.Inc()
	}
	metrics.CacheSize.Set(float64(len(c.entries)))
}

// Invalidate clears entries for one pair, or everything when pair is empty
func (c *MarketDataCache) Invalidate(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if productID == "" || hasPairPrefix(k, productID) {
			c.lru.Remove(e.elem)
			delete(c.entries, k)
		}
	}
	metrics.CacheSize.Set(float64(len(c.entries)))

	log.Debug().Str("pair", productID).Msg("Cache invalidated")
}

// Stats returns a snapshot of the cache counters
func (c *MarketDataCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = len(c.entries)
	return s
}

// hasPairPrefix reports whether the key belongs to the pair
func hasPairPrefix(k, productID string) bool {
	return len(k) > len(productID) && k[:len(productID)] == productID && k[len(productID)] == ':'
}
