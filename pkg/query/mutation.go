package query

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// MutateFunc performs one write against the remote API.
type MutateFunc[V, T any] func(ctx context.Context, vars V) (T, error)

// MutationState is a snapshot of a mutation.
type MutationState[T any] struct {
	// Data is the result of the last successful mutation.
	Data T

	// HasData reports whether any mutation has succeeded yet.
	HasData bool

	// IsLoading is set while at least one mutation is running.
	IsLoading bool

	// Err is the error of the last failed mutation; cleared when a new one starts.
	Err error
}

// Mutation wraps a write with loading/error state and clears cache keys
// after it succeeds. Concurrent Mutate calls are not serialized; callers
// needing exactly-once or ordered writes must serialize them.
type Mutation[V, T any] struct {
	client *Client
	fn     MutateFunc[V, T]
	opts   mutationOptions[V, T]
	logger zerolog.Logger

	mu      sync.Mutex
	state   MutationState[T]
	pending int
	wg      sync.WaitGroup
}

// NewMutation creates a mutation coordinator.
func NewMutation[V, T any](c *Client, fn MutateFunc[V, T], opts ...MutationOption[V, T]) *Mutation[V, T] {
	if c == nil {
		panic("query client cannot be nil")
	}
	if fn == nil {
		panic("mutate function cannot be nil")
	}

	var o mutationOptions[V, T]
	for _, opt := range opts {
		opt(&o)
	}

	logger := c.logger
	if o.logger != nil {
		logger = *o.logger
	}

	return &Mutation[V, T]{
		client: c,
		fn:     fn,
		opts:   o,
		logger: logger,
	}
}

// State returns a snapshot of the mutation.
func (m *Mutation[V, T]) State() MutationState[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mutate runs the mutation with vars and returns its outcome.
// On success every configured key and pattern is invalidated; on failure
// nothing is invalidated and the previous Data is kept.
func (m *Mutation[V, T]) Mutate(ctx context.Context, vars V) Result[T] {
	m.mu.Lock()
	m.pending++
	m.state.IsLoading = true
	m.state.Err = nil
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.pending--
		m.state.IsLoading = m.pending > 0
		m.mu.Unlock()
	}()

	result, err := m.fn(ctx, vars)
	if err != nil {
		m.mu.Lock()
		m.state.Err = err
		m.mu.Unlock()

		mutationsTotal.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Msg("Mutation failed")

		if m.opts.onError != nil {
			m.opts.onError(err, vars)
		}
		return Result[T]{Value: result, Err: err}
	}

	m.mu.Lock()
	m.state.Data, m.state.HasData = result, true
	m.mu.Unlock()

	if len(m.opts.invalidateKeys) > 0 {
		m.client.Invalidate(ctx, m.opts.invalidateKeys...)
		invalidationsTotal.WithLabelValues("mutation").Add(float64(len(m.opts.invalidateKeys)))
	}
	removed := 0
	for _, pattern := range m.opts.invalidatePatterns {
		removed += m.client.InvalidatePattern(ctx, pattern)
	}
	if len(m.opts.invalidatePatterns) > 0 {
		invalidationsTotal.WithLabelValues("mutation").Add(float64(removed))
	}

	mutationsTotal.WithLabelValues("success").Inc()
	m.logger.Debug().
		Strs("invalidated", m.opts.invalidateKeys).
		Int("pattern_removed", removed).
		Msg("Mutation succeeded")

	if m.opts.onSuccess != nil {
		m.opts.onSuccess(result, vars)
	}
	return Result[T]{Value: result}
}

// MutateAsync runs Mutate in the background. Use Wait or the callbacks to
// observe the outcome.
func (m *Mutation[V, T]) MutateAsync(ctx context.Context, vars V) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Mutate(ctx, vars)
	}()
}

// Wait blocks until every MutateAsync call has finished.
func (m *Mutation[V, T]) Wait() {
	m.wg.Wait()
}
