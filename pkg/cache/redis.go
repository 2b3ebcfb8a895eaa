package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

const (
	// DefaultKeyPrefix namespaces every key written to Redis.
	DefaultKeyPrefix = "querycache:"

	// DefaultStaleRetention is how long an expired record is kept in Redis
	// so that stale reads can still be served from the second level.
	DefaultStaleRetention = 10 * time.Minute
)

// Record is the serialized form of a cached value in a Backend.
type Record struct {
	// Data is the JSON encoded value
	Data []byte `json:"data"`

	// StoredAt is when the value was written
	StoredAt time.Time `json:"stored_at"`

	// ExpiresAt is when the value stops being fresh
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired returns true if the record has expired.
func (r *Record) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (r *Record) TTL() time.Duration {
	ttl := time.Until(r.ExpiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Backend is a shared second-level cache behind the in-memory Store.
// Get returns expired records too; callers decide whether to serve them
// as stale. A miss is reported as ErrCacheMiss.
type Backend interface {
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, rec *Record) error
	Delete(ctx context.Context, keys ...string) error
}

// MatchDeleter is implemented by backends that can remove every record
// whose key satisfies match, including keys written by other processes.
type MatchDeleter interface {
	DeleteFunc(ctx context.Context, match func(key string) bool) (int, error)
}

// RedisBackend stores records in Redis so that several processes share
// one cache.
type RedisBackend struct {
	redis          *redis.Client
	prefix         string
	staleRetention time.Duration
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) {
		b.prefix = prefix
	}
}

// WithStaleRetention overrides DefaultStaleRetention.
func WithStaleRetention(d time.Duration) RedisOption {
	return func(b *RedisBackend) {
		if d >= 0 {
			b.staleRetention = d
		}
	}
}

// NewRedisBackend creates a new Redis backed second-level cache.
func NewRedisBackend(redisClient *redis.Client, opts ...RedisOption) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	b := &RedisBackend{
		redis:          redisClient,
		prefix:         DefaultKeyPrefix,
		staleRetention: DefaultStaleRetention,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Get retrieves a record by key.
// Returns ErrCacheMiss if the key doesn't exist in Redis.
func (b *RedisBackend) Get(ctx context.Context, key string) (*Record, error) {
	data, err := b.redis.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	return &rec, nil
}

// Set stores a record. Redis keeps it for its remaining TTL plus the stale
// retention window.
func (b *RedisBackend) Set(ctx context.Context, key string, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("cache record cannot be nil")
	}

	expiration := rec.TTL() + b.staleRetention
	if expiration <= 0 {
		// Expired and no stale retention, nothing worth keeping
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache record: %w", err)
	}

	if err := b.redis.Set(ctx, b.prefix+key, data, expiration).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes records. Missing keys are ignored.
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = b.prefix + key
	}

	if err := b.redis.Del(ctx, prefixed...).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// DeletePrefix removes every record whose key starts with prefix and
// returns how many were removed.
func (b *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return b.scanDelete(ctx, b.prefix+escapeGlob(prefix)+"*", nil)
}

// DeleteFunc removes every record under the key prefix whose key satisfies
// match and returns how many were removed.
func (b *RedisBackend) DeleteFunc(ctx context.Context, match func(key string) bool) (int, error) {
	return b.scanDelete(ctx, escapeGlob(b.prefix)+"*", match)
}

// scanDelete deletes the keys matching glob, filtered by match when set.
func (b *RedisBackend) scanDelete(ctx context.Context, glob string, match func(key string) bool) (int, error) {
	var (
		cursor  uint64
		removed int
	)

	for {
		keys, next, err := b.redis.Scan(ctx, cursor, glob, 100).Result()
		if err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if match != nil {
			kept := keys[:0]
			for _, key := range keys {
				if match(strings.TrimPrefix(key, b.prefix)) {
					kept = append(kept, key)
				}
			}
			keys = kept
		}
		if len(keys) > 0 {
			n, err := b.redis.Del(ctx, keys...).Result()
			if err != nil {
				CacheErrors.WithLabelValues("delete").Inc()
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

var globReplacer = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// escapeGlob quotes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
