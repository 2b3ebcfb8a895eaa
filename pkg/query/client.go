package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/querycache/pkg/cache"
	"github.com/Sternrassler/querycache/pkg/logging"
)

// Common errors reported by coordinators.
var (
	// ErrSuperseded is reported when a fetch finished after a newer fetch for
	// the same key was issued and ClientConfig.DiscardSuperseded is set.
	ErrSuperseded = errors.New("superseded by a newer fetch")

	// ErrDisabled is reported when a fetch is requested on a disabled query.
	ErrDisabled = errors.New("query disabled")

	// ErrClosed is reported when a fetch is requested on a closed query.
	ErrClosed = errors.New("query closed")

	// ErrInFlight is reported when a fetch is already running for the query.
	ErrInFlight = errors.New("fetch already in flight")
)

// ClientConfig holds the client configuration.
type ClientConfig struct {
	// Backend is an optional shared second-level cache (e.g. Redis).
	Backend cache.Backend

	// BackendTimeout bounds each second-level cache call.
	BackendTimeout time.Duration

	// CoalesceFetches shares one in-flight fetch between all queries
	// watching the same key.
	CoalesceFetches bool

	// SharedFetchTimeout bounds a coalesced fetch. The shared call ignores
	// the cancellation of the caller that started it; each caller still
	// stops waiting when its own context is done.
	SharedFetchTimeout time.Duration

	// DiscardSuperseded tags each fetch with a per-key sequence number and
	// drops responses that are not from the newest fetch for their key.
	// Off by default: the last response to complete wins.
	DiscardSuperseded bool
}

// DefaultClientConfig returns the default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BackendTimeout:     500 * time.Millisecond,
		SharedFetchTimeout: 30 * time.Second,
	}
}

// Client is shared by every query, list and mutation that reads and writes
// the same store.
type Client struct {
	store  *cache.Store
	config ClientConfig
	logger zerolog.Logger

	group singleflight.Group

	seqMu sync.Mutex
	seqs  map[string]uint64
}

// NewClient creates a client around an explicitly constructed store.
func NewClient(store *cache.Store, cfg ClientConfig) *Client {
	if store == nil {
		panic("cache store cannot be nil")
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = DefaultClientConfig().BackendTimeout
	}
	if cfg.SharedFetchTimeout <= 0 {
		cfg.SharedFetchTimeout = DefaultClientConfig().SharedFetchTimeout
	}
	return &Client{
		store:  store,
		config: cfg,
		logger: logging.NewLogger("query"),
		seqs:   make(map[string]uint64),
	}
}

// Store returns the underlying cache store.
func (c *Client) Store() *cache.Store {
	return c.store
}

// Prime writes a value for key as if a fetch had just returned it.
func (c *Client) Prime(ctx context.Context, key string, value any, ttl time.Duration) {
	c.store.SetWithTTL(key, value, ttl)
	c.writeBackend(ctx, key, value, ttl)
}

// Invalidate clears key from the store and the second level.
func (c *Client) Invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.store.Clear(key)
	}
	if c.config.Backend == nil || len(keys) == 0 {
		return
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.BackendTimeout)
	defer cancel()
	if err := c.config.Backend.Delete(bctx, keys...); err != nil {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("Second-level cache delete failed")
	}
}

// InvalidatePattern clears every key matching pattern (see
// cache.MatchPattern) from the store and the second level, and returns how
// many store entries were removed.
func (c *Client) InvalidatePattern(ctx context.Context, pattern string) int {
	return c.invalidateFunc(ctx, cache.MatchPattern(pattern))
}

// InvalidatePrefix clears every key starting with prefix from both levels.
func (c *Client) InvalidatePrefix(ctx context.Context, prefix string) int {
	return c.invalidateFunc(ctx, func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// invalidateFunc clears matching keys. A backend implementing
// cache.MatchDeleter is scanned; any other backend only loses the keys this
// store held.
func (c *Client) invalidateFunc(ctx context.Context, match func(key string) bool) int {
	keys := c.store.InvalidateFunc(match)
	if c.config.Backend == nil {
		return len(keys)
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.BackendTimeout)
	defer cancel()

	if md, ok := c.config.Backend.(cache.MatchDeleter); ok {
		if _, err := md.DeleteFunc(bctx, match); err != nil {
			c.logger.Warn().Err(err).Msg("Second-level cache pattern delete failed")
		}
		return len(keys)
	}
	if len(keys) > 0 {
		if err := c.config.Backend.Delete(bctx, keys...); err != nil {
			c.logger.Warn().Err(err).Strs("keys", keys).Msg("Second-level cache delete failed")
		}
	}
	return len(keys)
}

// lookup reads key from the store, then from the second level.
// fresh reports whether the value is within its TTL.
func lookup[T any](ctx context.Context, c *Client, key string) (value T, fresh, found bool) {
	if entry, ok := c.store.Lookup(key); ok {
		typed, ok := entry.Value.(T)
		if !ok && entry.Value != nil {
			c.logger.Warn().Str("key", key).Str("type", fmt.Sprintf("%T", entry.Value)).Msg("Cached value has unexpected type, ignoring")
			return value, false, false
		}
		fresh = !entry.IsExpired(c.store.Now())
		if fresh {
			cache.CacheHits.WithLabelValues("fresh").Inc()
		} else {
			cache.CacheHits.WithLabelValues("stale").Inc()
		}
		return typed, fresh, true
	}

	if c.config.Backend == nil {
		cache.CacheMisses.Inc()
		return value, false, false
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.BackendTimeout)
	defer cancel()

	rec, err := c.config.Backend.Get(bctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Second-level cache get failed")
		}
		cache.CacheMisses.Inc()
		return value, false, false
	}
	if err := json.Unmarshal(rec.Data, &value); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Second-level cache record does not decode")
		cache.CacheMisses.Inc()
		return value, false, false
	}

	cache.CacheHits.WithLabelValues("redis").Inc()
	fresh = !rec.IsExpired()
	if fresh {
		// Promote into memory for the rest of its TTL.
		c.store.SetWithTTL(key, value, rec.TTL())
	}
	return value, fresh, true
}

// execute runs fn for key and commits the result to the cache.
// With CoalesceFetches, concurrent callers for one key share a single call.
func execute[T any](ctx context.Context, c *Client, key string, ttl time.Duration, fn FetchFunc[T]) (T, error) {
	var zero T

	call := func(ctx context.Context) (any, error) {
		seq := c.nextSeq(key)

		start := time.Now()
		value, err := fn(ctx)
		fetchDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		if !c.commit(ctx, key, seq, value, ttl) {
			return nil, ErrSuperseded
		}
		return value, nil
	}

	var (
		res any
		err error
	)
	if c.config.CoalesceFetches {
		ch := c.group.DoChan(key, func() (any, error) {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.SharedFetchTimeout)
			defer cancel()
			return call(sctx)
		})
		select {
		case r := <-ch:
			res, err = r.Val, r.Err
			if r.Shared {
				coalescedFetchesTotal.Inc()
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	} else {
		res, err = call(ctx)
	}
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}

	typed, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("query %q: shared fetch returned %T", key, res)
	}
	return typed, nil
}

// nextSeq issues the next sequence number for key.
func (c *Client) nextSeq(key string) uint64 {
	if !c.config.DiscardSuperseded {
		return 0
	}
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seqs[key]++
	return c.seqs[key]
}

// commit stores value unless a newer fetch for key has been issued.
func (c *Client) commit(ctx context.Context, key string, seq uint64, value any, ttl time.Duration) bool {
	if c.config.DiscardSuperseded {
		c.seqMu.Lock()
		latest := c.seqs[key]
		if seq != latest {
			c.seqMu.Unlock()
			c.logger.Debug().Str("key", key).Uint64("seq", seq).Uint64("latest", latest).Msg("Discarding superseded response")
			return false
		}
		c.store.SetWithTTL(key, value, ttl)
		c.seqMu.Unlock()
	} else {
		c.store.SetWithTTL(key, value, ttl)
	}

	c.writeBackend(ctx, key, value, ttl)
	return true
}

func (c *Client) writeBackend(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.config.Backend == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.store.DefaultTTL()
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Value cannot be written to second-level cache")
		return
	}

	now := time.Now()
	rec := &cache.Record{Data: data, StoredAt: now, ExpiresAt: now.Add(ttl)}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.BackendTimeout)
	defer cancel()
	if err := c.config.Backend.Set(bctx, key, rec); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Second-level cache set failed")
	}
}
