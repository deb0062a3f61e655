// Package preload holds prefetched responses under caller-chosen keys.
//
// Entries are read-once: Consume removes the entry whether or not it is
// still fresh. Expired entries that nobody claims are removed by Sweep, which
// Run calls on a fixed interval.
package preload

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/rs/zerolog"
)

// Defaults applied when Config fields are left zero.
const (
	DefaultTTL           = request.DefaultPreloadTTL
	DefaultSweepInterval = 60 * time.Second
)

// FetchFunc performs the prefetch request.
type FetchFunc func(ctx context.Context) (*request.Response, error)

// Config holds store configuration.
type Config struct {
	DefaultTTL    time.Duration
	SweepInterval time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

type entry struct {
	response *request.Response
	expires  time.Time
}

// Store is a keyed, TTL-aware, read-once response holder.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	config  Config
	logger  zerolog.Logger
}

// NewStore creates a preload store.
func NewStore(cfg Config, logger zerolog.Logger) *Store {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		entries: make(map[string]entry),
		config:  cfg,
		logger:  logger,
	}
}

// Preload runs fetch in the background and stores its response under key.
// Failures are logged and dropped. The returned channel closes once the
// fetch has finished, successfully or not.
func (s *Store) Preload(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		resp, err := fetch(ctx)
		if err != nil {
			preloadsTotal.WithLabelValues("failed").Inc()
			s.logger.Warn().Err(err).Str("key", key).Msg("Preload failed")
			return
		}
		if resp == nil {
			preloadsTotal.WithLabelValues("failed").Inc()
			return
		}
		s.Put(key, resp, ttl)
		preloadsTotal.WithLabelValues("stored").Inc()
		s.logger.Debug().Str("key", key).Msg("Preloaded response stored")
	}()
	return done
}

// Put stores resp under key for ttl (DefaultTTL when ttl <= 0), replacing any
// unconsumed entry.
func (s *Store) Put(key string, resp *request.Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{response: resp.Clone(), expires: s.config.Now().Add(ttl)}
	preloadEntries.Set(float64(len(s.entries)))
}

// Has reports whether a fresh entry exists for key. An expired entry is removed.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if !s.config.Now().Before(e.expires) {
		s.remove(key)
		return false
	}
	return true
}

// Consume returns the entry for key and deletes it. The second result is
// false when the key is unknown or its entry had expired.
func (s *Store) Consume(key string) (*request.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	s.remove(key)
	if !s.config.Now().Before(e.expires) {
		preloadsTotal.WithLabelValues("expired").Inc()
		return nil, false
	}
	preloadsTotal.WithLabelValues("consumed").Inc()
	return e.response, true
}

// Sweep removes expired entries and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.config.Now()
	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.expires) {
			s.remove(key)
			removed++
		}
	}
	if removed > 0 {
		preloadsTotal.WithLabelValues("expired").Add(float64(removed))
		s.logger.Debug().Int("removed", removed).Msg("Swept expired preload entries")
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	preloadEntries.Set(0)
}

func (s *Store) remove(key string) {
	delete(s.entries, key)
	preloadEntries.Set(float64(len(s.entries)))
}
