// Package cache implements the response cache: a TTL-bounded map from a
// normalized utterance to the reply text produced for it. Intents whose
// answers change over time (status, listings, weather) are never cached.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxEntries bounds the cache size.
	DefaultMaxEntries = 500

	// DefaultTTL is how long an entry stays valid.
	DefaultTTL = time.Hour

	storeTimeout = 2 * time.Second
)

// DefaultNeverCache lists intents whose answers go stale or whose handlers
// have side effects that a cached reply would skip.
func DefaultNeverCache() []string {
	return []string{
		"system.status",
		"system.time",
		"system.date",
		"timer.list",
		"timer.set",
		"timer.cancel",
		"app.open",
		"app.close",
		"weather.current",
		"weather.forecast",
		"search.web",
	}
}

// Config configures a Cache.
type Config struct {
	MaxEntries int
	TTL        time.Duration
	NeverCache []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries: DefaultMaxEntries,
		TTL:        DefaultTTL,
		NeverCache: DefaultNeverCache(),
	}
}

// Entry is one cached response.
type Entry struct {
	Utterance string         `json:"utterance"`
	Intent    string         `json:"intent"`
	Response  string         `json:"response"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StoredAt  time.Time      `json:"stored_at"`
	Hits      int64          `json:"hits"`
}

// Record is the persisted form of an entry: key → timestamped value.
type Record struct {
	Key      string
	Value    []byte
	StoredAt time.Time
}

// Store persists cache entries. Implementations must be safe for
// concurrent use.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
}

// Pruner is implemented by stores that can drop old records in bulk. Load
// uses it to discard expired rows before reading the rest.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Bypassed   int64   `json:"bypassed"`
	Evictions  int64   `json:"evictions"`
	Expired    int64   `json:"expired"`
	Invalid    int64   `json:"invalidated"`
	HitRate    float64 `json:"hit_rate"`
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	never   map[string]bool
	entries map[string]*Entry
	now     func() time.Time
	store   Store

	hits, misses, bypassed, evictions, expired, invalidated int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStore mirrors writes and evictions to store.
func WithStore(store Store) Option {
	return func(c *Cache) {
		c.store = store
	}
}

// New creates a cache.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.NeverCache == nil {
		cfg.NeverCache = DefaultNeverCache()
	}
	c := &Cache{
		cfg:     cfg,
		never:   make(map[string]bool, len(cfg.NeverCache)),
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, in := range cfg.NeverCache {
		c.never[in] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Normalize lowercases utterance, collapses whitespace and strips terminal
// punctuation.
func Normalize(utterance string) string {
	s := strings.ToLower(strings.Join(strings.Fields(utterance), " "))
	return strings.TrimRight(s, "?!.,;:… ")
}

// Key returns the cache key for utterance.
func Key(utterance string) string {
	sum := sha256.Sum256([]byte(Normalize(utterance)))
	return hex.EncodeToString(sum[:])
}

// Cacheable reports whether responses for intent may be cached.
func (c *Cache) Cacheable(intent string) bool {
	return !c.never[intent]
}

// Get looks up utterance. intent may be empty when it is not yet known; a
// never-cache intent always misses. Expired entries are evicted here.
func (c *Cache) Get(utterance, intent string) (Entry, bool) {
	if intent != "" && !c.Cacheable(intent) {
		c.mu.Lock()
		c.bypassed++
		c.mu.Unlock()
		return Entry{}, false
	}

	key := Key(utterance)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return Entry{}, false
	}
	if c.now().Sub(e.StoredAt) > c.cfg.TTL {
		delete(c.entries, key)
		c.expired++
		c.misses++
		c.mu.Unlock()
		c.deleteFromStore(key)
		return Entry{}, false
	}
	e.Hits++
	c.hits++
	out := *e
	c.mu.Unlock()

	out.Metadata = copyMeta(out.Metadata)
	return out, true
}

// Set stores response for utterance. It reports false when the intent is
// on the never-cache list or the utterance is empty.
func (c *Cache) Set(utterance, intent, response string, metadata map[string]any) bool {
	if !c.Cacheable(intent) || Normalize(utterance) == "" {
		return false
	}

	key := Key(utterance)
	e := &Entry{
		Utterance: utterance,
		Intent:    intent,
		Response:  response,
		Metadata:  copyMeta(metadata),
		StoredAt:  c.now(),
	}

	c.mu.Lock()
	var evicted string
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		evicted = c.evictOldestLocked()
	}
	c.entries[key] = e
	snapshot := *e
	c.mu.Unlock()

	if evicted != "" {
		c.deleteFromStore(evicted)
	}
	c.putToStore(key, snapshot)
	return true
}

// evictOldestLocked removes the single entry with the oldest StoredAt.
func (c *Cache) evictOldestLocked() string {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.StoredAt.Before(oldest) || (e.StoredAt.Equal(oldest) && k < oldestKey) {
			oldestKey, oldest = k, e.StoredAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
	return oldestKey
}

// Invalidate drops the entry for utterance when a caller finds a reply it
// just got from Get can no longer be served. That lookup is recounted as a
// miss. It reports whether an entry was removed.
func (c *Cache) Invalidate(utterance string) bool {
	key := Key(utterance)

	c.mu.Lock()
	if _, ok := c.entries[key]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, key)
	c.invalidated++
	if c.hits > 0 {
		c.hits--
		c.misses++
	}
	c.mu.Unlock()

	c.deleteFromStore(key)
	return true
}

// PruneExpired removes every expired entry and returns how many were
// removed.
func (c *Cache) PruneExpired() int {
	c.mu.Lock()
	now := c.now()
	var removed []string
	for k, e := range c.entries {
		if now.Sub(e.StoredAt) > c.cfg.TTL {
			delete(c.entries, k)
			removed = append(removed, k)
		}
	}
	c.expired += int64(len(removed))
	c.mu.Unlock()

	for _, k := range removed {
		c.deleteFromStore(k)
	}
	return len(removed)
}

// Clear empties the cache and its store. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.store.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to clear response cache store")
		}
	}
}

// Len returns the number of entries, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:    len(c.entries),
		MaxEntries: c.cfg.MaxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		Bypassed:   c.bypassed,
		Evictions:  c.evictions,
		Expired:    c.expired,
		Invalid:    c.invalidated,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Load warms the cache from its store, dropping expired or unreadable
// records. It returns the number of entries loaded.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	if p, ok := c.store.(Pruner); ok {
		n, err := p.DeleteOlderThan(ctx, c.now().Add(-c.cfg.TTL))
		if err != nil {
			log.Warn().Err(err).Msg("failed to prune persisted cache entries")
		} else if n > 0 {
			c.mu.Lock()
			c.expired += n
			c.mu.Unlock()
		}
	}
	recs, err := c.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load response cache: %w", err)
	}

	c.mu.Lock()
	now := c.now()
	var stale []string
	loaded := 0
	for _, rec := range recs {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			log.Warn().Err(err).Str("key", rec.Key).Msg("dropping unreadable cache record")
			stale = append(stale, rec.Key)
			continue
		}
		e.StoredAt = rec.StoredAt
		if now.Sub(e.StoredAt) > c.cfg.TTL || !c.Cacheable(e.Intent) {
			stale = append(stale, rec.Key)
			continue
		}
		if len(c.entries) >= c.cfg.MaxEntries {
			if k := c.evictOldestLocked(); k != "" {
				stale = append(stale, k)
			}
		}
		c.entries[rec.Key] = &e
		loaded++
	}
	c.mu.Unlock()

	for _, k := range stale {
		c.deleteFromStore(k)
	}
	log.Debug().Int("loaded", loaded).Int("dropped", len(stale)).Msg("response cache warmed")
	return loaded, nil
}

func (c *Cache) putToStore(key string, e Entry) {
	if c.store == nil {
		return
	}
	value, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode cache entry")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Put(ctx, Record{Key: key, Value: value, StoredAt: e.StoredAt}); err != nil {
		log.Warn().Err(err).Str("intent", e.Intent).Msg("failed to persist cache entry")
	}
}

func (c *Cache) deleteFromStore(key string) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Msg("failed to delete persisted cache entry")
	}
}

func copyMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
