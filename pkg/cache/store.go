package cache

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/querycache/pkg/logging"
)

const (
	// DefaultTTL is the TTL used when a value is stored without one.
	DefaultTTL = 5 * time.Minute
)

// Store is an in-memory keyed cache with TTL and stale reads.
//
// Expired entries are never served by Get but stay readable through GetStale
// until they are overwritten, cleared, or swept by ClearExpired. A Store is
// safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	defaultTTL time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDefaultTTL sets the TTL applied when Set is called without one.
func WithDefaultTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithClock replaces the time source. Tests use it to move time forward.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries:    make(map[string]*Entry),
		defaultTTL: DefaultTTL,
		now:        time.Now,
		logger:     logging.NewLogger("cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// DefaultTTL returns the TTL used by Set.
func (s *Store) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Set stores a value under key with the default TTL.
func (s *Store) Set(key string, value any) {
	s.SetWithTTL(key, value, 0)
}

// SetWithTTL stores a value under key, replacing any previous entry.
// A ttl <= 0 means the store default.
func (s *Store) SetWithTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()

	s.mu.Lock()
	if _, exists := s.entries[key]; !exists {
		CacheEntries.Inc()
	}
	s.entries[key] = &Entry{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Unlock()

	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Stored value")
}

// Get returns the value for key only while it is fresh.
func (s *Store) Get(key string) (any, bool) {
	entry, ok := s.Lookup(key)
	if !ok {
		CacheMisses.Inc()
		return nil, false
	}
	if entry.IsExpired(s.now()) {
		CacheMisses.Inc()
		s.logger.Debug().Str("key", key).Msg("Entry expired")
		return nil, false
	}
	CacheHits.WithLabelValues("fresh").Inc()
	return entry.Value, true
}

// GetStale returns the value for key regardless of expiry.
func (s *Store) GetStale(key string) (any, bool) {
	entry, ok := s.Lookup(key)
	if !ok {
		CacheMisses.Inc()
		return nil, false
	}
	CacheHits.WithLabelValues("stale").Inc()
	return entry.Value, true
}

// Has reports whether a fresh value exists for key.
func (s *Store) Has(key string) bool {
	entry, ok := s.Lookup(key)
	return ok && !entry.IsExpired(s.now())
}

// Lookup returns a copy of the entry for key, expired or not.
// It does not touch hit/miss metrics.
func (s *Store) Lookup(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Clear removes a single entry. Clearing a missing key is a no-op.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		CacheEntries.Dec()
		CacheEvictions.WithLabelValues("clear").Inc()
	}
}

// ClearAll removes every entry.
func (s *Store) ClearAll() {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()

	CacheEntries.Sub(float64(n))
	CacheEvictions.WithLabelValues("clear_all").Add(float64(n))
}

// ClearExpired removes every entry past its expiry and returns how many
// were removed. Expired entries are never served as fresh without it.
func (s *Store) ClearExpired() int {
	now := s.now()
	return len(s.removeWhere("expired", func(e *Entry) bool {
		return e.IsExpired(now)
	}))
}

// InvalidatePattern removes every entry whose key matches pattern and
// returns how many were removed. See MatchPattern for the pattern syntax.
func (s *Store) InvalidatePattern(pattern string) int {
	return len(s.InvalidateFunc(MatchPattern(pattern)))
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (s *Store) InvalidatePrefix(prefix string) int {
	return len(s.InvalidateFunc(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}))
}

// InvalidateFunc removes every entry whose key satisfies match and returns
// the removed keys.
func (s *Store) InvalidateFunc(match func(key string) bool) []string {
	return s.removeWhere("pattern", func(e *Entry) bool {
		return match(e.Key)
	})
}

// MatchPattern compiles an invalidation pattern. The pattern is a regular
// expression; if it does not compile it is matched as a plain substring.
func MatchPattern(pattern string) func(key string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return func(key string) bool {
			return strings.Contains(key, pattern)
		}
	}
	return re.MatchString
}

// Len returns the number of entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// StartJanitor runs ClearExpired every interval until ctx is done.
// The returned channel is closed when the janitor has stopped.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.ClearExpired(); n > 0 {
					s.logger.Info().Int("removed", n).Msg("Swept expired entries")
				}
			}
		}
	}()

	return done
}

func (s *Store) removeWhere(reason string, match func(*Entry) bool) []string {
	s.mu.Lock()
	var removed []string
	for key, entry := range s.entries {
		if match(entry) {
			delete(s.entries, key)
			removed = append(removed, key)
		}
	}
	s.mu.Unlock()

	if n := len(removed); n > 0 {
		CacheEntries.Sub(float64(n))
		CacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
	return removed
}

// GetAs returns the fresh value for key if it holds a T.
func GetAs[T any](s *Store, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// GetStaleAs returns the value for key, expired or not, if it holds a T.
func GetStaleAs[T any](s *Store, key string) (T, bool) {
	var zero T
	v, ok := s.GetStale(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
