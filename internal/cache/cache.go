// Package cache implements the namespaced, TTL'd, LRU-evicting process
// cache of spec.md 4.B. It mirrors the shape of the teacher's
// services/cache.go Redis wrapper, but the in-memory tier is primary: an
// optional Redis client (wrapped in a circuit breaker) serves as the
// write-through secondary tier described in 4.B, not the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/jstittsworth/wagering-core/internal/apperr"
)

// Namespace groups cache keys the way spec.md 4.B partitions the store.
type Namespace string

const (
	NamespaceCorrelation Namespace = "correlation"
	NamespaceFactor      Namespace = "factor"
	NamespaceCopula      Namespace = "copula"
	NamespaceMonteCarlo  Namespace = "monte_carlo"
	NamespaceOptimization Namespace = "optimization"
	NamespaceEdge        Namespace = "edge"
	NamespaceProp        Namespace = "prop"
)

type entry struct {
	value      []byte
	expiresAt  time.Time
	lastAccess time.Time
}

// Stats are the observable per-namespace counters of spec.md 4.B.
type Stats struct {
	Hits            int64
	Misses          int64
	Sets            int64
	Deletes         int64
	Evictions       int64
	MemoryUsageBytes int64
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type namespaceStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats
}

// Config bounds the cache's resource usage.
type Config struct {
	// MaxEntriesPerNamespace triggers approximate-LRU eviction once exceeded.
	MaxEntriesPerNamespace int
	// RemoteClient, when non-nil, is the secondary write-through tier.
	RemoteClient *redis.Client
	// RemotePrefix namespaces keys written to the remote tier.
	RemotePrefix string
}

// Cache is the process-wide namespaced store. Construct with New and hold
// it as a singleton per spec.md §9 — tests construct fresh instances.
type Cache struct {
	cfg  Config
	log  *logrus.Entry
	mu   sync.RWMutex
	ns   map[Namespace]*namespaceStore
	sf   singleflight.Group
	breaker *gobreaker.CircuitBreaker
}

func New(cfg Config, log *logrus.Entry) *Cache {
	if cfg.MaxEntriesPerNamespace <= 0 {
		cfg.MaxEntriesPerNamespace = 10000
	}
	c := &Cache{
		cfg: cfg,
		log: log,
		ns:  make(map[Namespace]*namespaceStore),
	}
	if cfg.RemoteClient != nil {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "cache-remote-tier",
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return c
}

func (c *Cache) store(ns Namespace) *namespaceStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.ns[ns]
	if !ok {
		s = &namespaceStore{entries: make(map[string]*entry)}
		c.ns[ns] = s
	}
	return s
}

// Get returns the cached value for key in namespace, unmarshalled into dest.
// Reports ok=false on miss or expiry (expired entries are removed on access).
func (c *Cache) Get(ctx context.Context, ns Namespace, key string, dest interface{}) (ok bool, err error) {
	s := c.store(ns)
	s.mu.Lock()
	e, found := s.entries[key]
	if found && time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		found = false
	}
	if found {
		e.lastAccess = time.Now()
		s.stats.Hits++
	} else {
		s.stats.Misses++
	}
	s.mu.Unlock()

	if !found {
		return false, nil
	}
	if dest != nil {
		if err := json.Unmarshal(e.value, dest); err != nil {
			return false, apperr.Wrap(apperr.KindInternal, "unmarshal cached value", err)
		}
	}
	return true, nil
}

// Set stores value under key in namespace with the given TTL, evicting the
// approximate-LRU entry if the namespace is over capacity, and writing
// through to the remote tier when configured.
func (c *Cache) Set(ctx context.Context, ns Namespace, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal cache value", err)
	}

	s := c.store(ns)
	s.mu.Lock()
	if len(s.entries) >= c.cfg.MaxEntriesPerNamespace {
		c.evictLocked(s)
	}
	s.entries[key] = &entry{value: data, expiresAt: time.Now().Add(ttl), lastAccess: time.Now()}
	s.stats.Sets++
	s.stats.MemoryUsageBytes += int64(len(data))
	s.mu.Unlock()

	c.writeThrough(ctx, ns, key, data, ttl)
	return nil
}

// evictLocked removes the least-recently-accessed entry. Caller holds s.mu.
func (c *Cache) evictLocked(s *namespaceStore) {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range s.entries {
		if first || e.lastAccess.Before(oldest) {
			oldestKey, oldest, first = k, e.lastAccess, false
		}
	}
	if !first {
		delete(s.entries, oldestKey)
		s.stats.Evictions++
	}
}

func (c *Cache) writeThrough(ctx context.Context, ns Namespace, key string, data []byte, ttl time.Duration) {
	if c.cfg.RemoteClient == nil {
		return
	}
	fullKey := path.Join(c.cfg.RemotePrefix, string(ns), key)
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.cfg.RemoteClient.Set(ctx, fullKey, data, ttl).Err()
	})
	if err != nil && c.log != nil {
		c.log.WithError(err).WithField("key", fullKey).Warn("cache remote write-through failed")
	}
}

// Factory computes a value to be cached when absent.
type Factory func(ctx context.Context) (interface{}, error)

// GetOrSet returns the cached value, or computes it via factory and stores
// it. Concurrent callers for the same (namespace, key) serialize on a
// per-key lock so factory runs at most once, per spec.md 4.B.
func (c *Cache) GetOrSet(ctx context.Context, ns Namespace, key string, ttl time.Duration, factory Factory, dest interface{}) error {
	if ok, err := c.Get(ctx, ns, key, dest); err != nil {
		return err
	} else if ok {
		return nil
	}

	sfKey := string(ns) + "|" + key
	v, err, _ := c.sf.Do(sfKey, func() (interface{}, error) {
		// Re-check under the single-flight lock: another goroutine may
		// have populated the cache while we waited to enter Do.
		var existing json.RawMessage
		if ok, _ := c.Get(ctx, ns, key, &existing); ok {
			return existing, nil
		}
		value, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, ns, key, value, ttl); err != nil {
			return nil, err
		}
		return value, nil
	})
	if err != nil {
		return err
	}
	if dest != nil {
		raw, marshalErr := json.Marshal(v)
		if marshalErr != nil {
			return apperr.Wrap(apperr.KindInternal, "marshal get_or_set result", marshalErr)
		}
		if err := json.Unmarshal(raw, dest); err != nil {
			return apperr.Wrap(apperr.KindInternal, "unmarshal get_or_set result", err)
		}
	}
	return nil
}

// Invalidate removes every key matching a glob pattern (`*` and `?`
// wildcards) from one namespace, or from all namespaces when ns is "".
func (c *Cache) Invalidate(ctx context.Context, pattern string, ns Namespace) (count int, err error) {
	c.mu.RLock()
	targets := make([]Namespace, 0, len(c.ns))
	if ns != "" {
		targets = append(targets, ns)
	} else {
		for n := range c.ns {
			targets = append(targets, n)
		}
	}
	c.mu.RUnlock()

	for _, n := range targets {
		s := c.store(n)
		s.mu.Lock()
		for k := range s.entries {
			if globMatch(pattern, k) {
				delete(s.entries, k)
				s.stats.Deletes++
				count++
			}
		}
		s.mu.Unlock()

		if c.cfg.RemoteClient != nil {
			remotePattern := path.Join(c.cfg.RemotePrefix, string(n), pattern)
			keys, err := c.cfg.RemoteClient.Keys(ctx, remotePattern).Result()
			if err == nil && len(keys) > 0 {
				c.cfg.RemoteClient.Del(ctx, keys...)
			}
		}
	}
	return count, nil
}

// ClearNamespace removes every entry in a single namespace.
func (c *Cache) ClearNamespace(ns Namespace) {
	s := c.store(ns)
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
}

// ClearAll removes every entry across every namespace.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ns = make(map[Namespace]*namespaceStore)
}

// WarmEntry is a single (key, value, ttl) tuple for bulk population.
type WarmEntry struct {
	Key   string
	Value interface{}
	TTL   time.Duration
}

// Warm bulk-populates a namespace, e.g. at process start.
func (c *Cache) Warm(ctx context.Context, ns Namespace, entries []WarmEntry) error {
	for _, e := range entries {
		if err := c.Set(ctx, ns, e.Key, e.Value, e.TTL); err != nil {
			return err
		}
	}
	return nil
}

// NamespaceStats returns the observable counters for one namespace.
func (c *Cache) NamespaceStats(ns Namespace) Stats {
	s := c.store(ns)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// AllStats returns a snapshot of every namespace's stats, keyed by name.
func (c *Cache) AllStats() map[Namespace]Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Namespace]Stats, len(c.ns))
	for ns, s := range c.ns {
		s.mu.Lock()
		out[ns] = s.stats
		s.mu.Unlock()
	}
	return out
}

// Health is the aggregate cache health snapshot: overall hit rate, the
// per-namespace breakdown, and whether the remote tier is configured.
type Health struct {
	Status          string             `json:"status"`
	Overall         Stats              `json:"overall_stats"`
	NamespaceStats  map[Namespace]Stats `json:"namespace_stats"`
	RemoteConfigured bool              `json:"remote_configured"`
}

// Health reports "degraded" once the aggregate hit rate drops at or below
// 0.5, mirroring the threshold the cache health check has always used.
func (c *Cache) Health() Health {
	perNS := c.AllStats()

	var overall Stats
	for _, s := range perNS {
		overall.Hits += s.Hits
		overall.Misses += s.Misses
		overall.Sets += s.Sets
		overall.Deletes += s.Deletes
		overall.Evictions += s.Evictions
		overall.MemoryUsageBytes += s.MemoryUsageBytes
	}

	status := "healthy"
	if total := overall.Hits + overall.Misses; total > 0 && overall.HitRate() <= 0.5 {
		status = "degraded"
	}

	return Health{
		Status:          status,
		Overall:         overall,
		NamespaceStats:  perNS,
		RemoteConfigured: c.cfg.RemoteClient != nil,
	}
}

// globMatch implements the `*`/`?` glob wildcard matching required by
// spec.md 4.B's Invalidate contract.
func globMatch(pattern, s string) bool {
	return globMatchRunes([]rune(pattern), []rune(s))
}

func globMatchRunes(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}
	switch pattern[0] {
	case '*':
		if globMatchRunes(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if globMatchRunes(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatchRunes(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatchRunes(pattern[1:], s[1:])
	}
}
