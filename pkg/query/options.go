package query

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTTL is the cache TTL for generic queries.
	DefaultTTL = 5 * time.Minute

	// DefaultListTTL is the cache TTL for list resources.
	DefaultListTTL = 2 * time.Minute
)

type options[T any] struct {
	ttl                  time.Duration
	staleWhileRevalidate bool
	enabled              bool
	onSuccess            func(T)
	onError              func(error)
	logger               *zerolog.Logger
}

func defaultOptions[T any]() options[T] {
	return options[T]{
		ttl:                  DefaultTTL,
		staleWhileRevalidate: true,
		enabled:              true,
	}
}

// Option configures a Query.
type Option[T any] func(*options[T])

// WithTTL sets how long a fetched value stays fresh.
func WithTTL[T any](ttl time.Duration) Option[T] {
	return func(o *options[T]) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithStaleWhileRevalidate controls whether a stale hit triggers a
// background fetch. Enabled by default.
func WithStaleWhileRevalidate[T any](enabled bool) Option[T] {
	return func(o *options[T]) {
		o.staleWhileRevalidate = enabled
	}
}

// WithEnabled gates every fetch. A disabled query only reads the cache.
func WithEnabled[T any](enabled bool) Option[T] {
	return func(o *options[T]) {
		o.enabled = enabled
	}
}

// WithOnSuccess registers a callback run after each successful fetch.
func WithOnSuccess[T any](fn func(T)) Option[T] {
	return func(o *options[T]) {
		o.onSuccess = fn
	}
}

// WithOnError registers a callback run after each failed fetch.
func WithOnError[T any](fn func(error)) Option[T] {
	return func(o *options[T]) {
		o.onError = fn
	}
}

// WithLogger overrides the query logger.
func WithLogger[T any](logger zerolog.Logger) Option[T] {
	return func(o *options[T]) {
		o.logger = &logger
	}
}

type mutationOptions[V, T any] struct {
	invalidateKeys     []string
	invalidatePatterns []string
	onSuccess          func(T, V)
	onError            func(error, V)
	logger             *zerolog.Logger
}

// MutationOption configures a Mutation.
type MutationOption[V, T any] func(*mutationOptions[V, T])

// WithInvalidate lists cache keys cleared after each successful mutation.
func WithInvalidate[V, T any](keys ...string) MutationOption[V, T] {
	return func(o *mutationOptions[V, T]) {
		o.invalidateKeys = append(o.invalidateKeys, keys...)
	}
}

// WithInvalidatePattern lists key patterns (see cache.MatchPattern) cleared
// from the store and the second level after each successful mutation.
func WithInvalidatePattern[V, T any](patterns ...string) MutationOption[V, T] {
	return func(o *mutationOptions[V, T]) {
		o.invalidatePatterns = append(o.invalidatePatterns, patterns...)
	}
}

// WithMutationSuccess registers a callback run after each successful mutation.
func WithMutationSuccess[V, T any](fn func(T, V)) MutationOption[V, T] {
	return func(o *mutationOptions[V, T]) {
		o.onSuccess = fn
	}
}

// WithMutationError registers a callback run after each failed mutation.
func WithMutationError[V, T any](fn func(error, V)) MutationOption[V, T] {
	return func(o *mutationOptions[V, T]) {
		o.onError = fn
	}
}

// WithMutationLogger overrides the mutation logger.
func WithMutationLogger[V, T any](logger zerolog.Logger) MutationOption[V, T] {
	return func(o *mutationOptions[V, T]) {
		o.logger = &logger
	}
}
