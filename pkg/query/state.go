package query

import "context"

// FetchFunc loads the value for a query. It must return an error, not a
// value describing one, to signal failure.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// State is a snapshot of a query.
type State[T any] struct {
	// Key is the cache key the snapshot belongs to.
	Key string

	// Data is the last known value. Meaningful only when HasData is set.
	Data T

	// HasData reports whether Data holds a value (fresh, stale or fetched).
	HasData bool

	// IsLoading is set while the first fetch runs and nothing is cached.
	IsLoading bool

	// IsRefetching is set while a fetch runs and Data is already shown.
	IsRefetching bool

	// IsStale is set when Data is known to be expired or invalidated.
	IsStale bool

	// Err is the last fetch error. It never clears Data.
	Err error
}

// IsFetching reports whether a fetch is in flight.
func (s State[T]) IsFetching() bool {
	return s.IsLoading || s.IsRefetching
}

// Result is the outcome of one fetch or mutation.
type Result[T any] struct {
	// Value is the fetched value when Err is nil.
	Value T

	// Err is the failure, if any.
	Err error

	// Skipped is set when nothing ran (in flight, disabled or closed).
	// Err then names the reason.
	Skipped bool
}

// OK reports whether the call ran and succeeded.
func (r Result[T]) OK() bool {
	return !r.Skipped && r.Err == nil
}
