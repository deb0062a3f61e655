package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/reqflow/pkg/request"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Defaults applied when Config fields are left zero.
const (
	DefaultCapacity = 100
	DefaultTTL      = 5 * time.Minute
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a nil response was offered for caching
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Config holds store configuration.
type Config struct {
	// Capacity is the maximum number of entries before LRU eviction.
	Capacity int

	// DefaultTTL applies when Set is called without a ttl.
	DefaultTTL time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Store is a bounded, TTL-aware, in-memory response cache. Expiry is
// evaluated lazily on read; eviction is least-recently-used.
type Store struct {
	// mu serializes compound check-then-act sequences on entries.
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
	config  Config
	logger  zerolog.Logger
}

// NewStore creates a store with the given configuration.
func NewStore(cfg Config, logger zerolog.Logger) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{config: cfg, logger: logger}
	// Capacity is positive, so NewWithEvict cannot fail.
	s.entries, _ = lru.NewWithEvict(cfg.Capacity, s.onRemove)
	return s
}

// onRemove runs for every entry leaving the LRU: evictions, expiry purges,
// deletes and clears.
func (s *Store) onRemove(key string, _ *Entry) {
	CacheEntries.Dec()
	s.logger.Debug().Str("key", key).Msg("Cache entry removed")
}

// Get retrieves a clone of the cached response marked FromCache.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired;
// expired entries are removed.
func (s *Store) Get(_ context.Context, key string) (*request.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries.Get(key)
	if !ok {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	now := s.config.Now()
	if entry.IsExpired(now) {
		s.entries.Remove(key)
		CacheMisses.Inc()
		s.logger.Debug().Str("key", key).Msg("Cache entry expired")
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	s.logger.Debug().Str("key", key).Dur("ttl", entry.TTL(now)).Msg("Cache entry served")

	resp := entry.Response.Clone()
	resp.FromCache = true
	return resp, nil
}

// Set stores a clone of resp under key for ttl (DefaultTTL when ttl <= 0).
func (s *Store) Set(_ context.Context, key string, resp *request.Response, ttl time.Duration) error {
	if resp == nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("set %q: %w", key, ErrInvalidEntry)
	}
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	now := s.config.Now()
	stored := resp.Clone()
	stored.FromCache = false
	stored.Timestamp = now
	entry := &Entry{Key: key, Response: stored, Expires: now.Add(ttl), CachedAt: now}

	s.mu.Lock()
	defer s.mu.Unlock()

	existed := s.entries.Contains(key)
	if !existed {
		CacheEntries.Inc()
	}
	if evicted := s.entries.Add(key, entry); evicted {
		CacheEvictions.Inc()
	}
	return nil
}

// Delete removes a cache entry.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(key)
	return nil
}

// Clear removes every entry.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
	return nil
}

// Len returns the number of stored entries, expired ones included until read.
func (s *Store) Len() int {
	return s.entries.Len()
}
