package query

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Query keeps one cached value fresh for one consumer.
//
// Mount seeds the state from the cache and starts a background fetch when
// nothing fresh is cached. A Query runs at most one fetch at a time; triggers
// while a fetch is in flight are ignored. Failed fetches keep the last good
// data. After Close no further state changes are applied, but late fetch
// results are still written to the shared store.
type Query[T any] struct {
	client  *Client
	fetchFn FetchFunc[T]
	opts    options[T]
	logger  zerolog.Logger

	mu          sync.Mutex
	key         string
	state       State[T]
	generation  uint64
	inFlight    bool
	done        chan struct{}
	closed      bool
	subscribers map[int]func(State[T])
	nextSub     int
}

// ticket identifies one fetch so stale generations can be ignored.
type ticket[T any] struct {
	key        string
	generation uint64
	fn         FetchFunc[T]
	done       chan struct{}
}

// New creates a query for key. Nothing is read or fetched until Mount.
func New[T any](c *Client, key string, fn FetchFunc[T], opts ...Option[T]) *Query[T] {
	if c == nil {
		panic("query client cannot be nil")
	}
	if fn == nil {
		panic("fetch function cannot be nil")
	}

	o := defaultOptions[T]()
	for _, opt := range opts {
		opt(&o)
	}

	logger := c.logger
	if o.logger != nil {
		logger = *o.logger
	}

	return &Query[T]{
		client:      c,
		fetchFn:     fn,
		opts:        o,
		logger:      logger,
		key:         key,
		state:       State[T]{Key: key},
		subscribers: make(map[int]func(State[T])),
	}
}

// Key returns the current cache key.
func (q *Query[T]) Key() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.key
}

// State returns a snapshot of the query.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Mount performs the initial cache lookup for the current key:
//
//   - fresh hit: data is served, nothing is fetched
//   - stale hit: data is served as stale and refreshed in the background
//     (unless stale-while-revalidate is off)
//   - miss: the query is loading and a fetch starts immediately
//
// The returned snapshot is the seeded state. Background fetches use ctx.
func (q *Query[T]) Mount(ctx context.Context) State[T] {
	q.mu.Lock()
	key, gen := q.key, q.generation
	q.mu.Unlock()

	value, fresh, found := lookup[T](ctx, q.client, key)

	q.mu.Lock()
	if q.closed || gen != q.generation {
		st := q.state
		q.mu.Unlock()
		return st
	}

	q.state = State[T]{Key: key}
	switch {
	case found && fresh:
		q.state.Data, q.state.HasData = value, true
	case found:
		q.state.Data, q.state.HasData, q.state.IsStale = value, true, true
	default:
		q.state.IsLoading = q.opts.enabled
	}
	if q.inFlight {
		// Remounted while a fetch is still running.
		q.state.IsLoading, q.state.IsRefetching = !q.state.HasData, q.state.HasData
	}
	needFetch := q.opts.enabled && (!found || (!fresh && q.opts.staleWhileRevalidate))
	st := q.state
	q.mu.Unlock()

	q.logger.Debug().
		Str("key", key).
		Bool("found", found).
		Bool("stale", found && !fresh).
		Bool("fetch", needFetch).
		Msg("Query mounted")

	q.notify(st)

	if needFetch {
		q.Refetch(ctx)
	}
	return st
}

// Refetch starts a background fetch regardless of cache state.
// It returns false when nothing was started: a fetch is already in flight,
// or the query is disabled or closed.
func (q *Query[T]) Refetch(ctx context.Context) bool {
	t, err := q.begin()
	if err != nil {
		return false
	}
	go q.run(ctx, t)
	return true
}

// Fetch runs a fetch synchronously and returns its outcome. Skipped results
// carry ErrInFlight, ErrDisabled or ErrClosed.
func (q *Query[T]) Fetch(ctx context.Context) Result[T] {
	t, err := q.begin()
	if err != nil {
		return Result[T]{Err: err, Skipped: true}
	}
	return q.run(ctx, t)
}

// Wait blocks until the fetch in flight, if any, has finished.
func (q *Query[T]) Wait() {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Invalidate drops the cached value for the current key and marks the data
// stale. It does not fetch; call Refetch for that.
func (q *Query[T]) Invalidate(ctx context.Context) {
	q.mu.Lock()
	key := q.key
	q.mu.Unlock()

	q.client.Invalidate(ctx, key)
	invalidationsTotal.WithLabelValues("query").Inc()

	q.mu.Lock()
	if q.closed || key != q.key {
		q.mu.Unlock()
		return
	}
	q.state.IsStale = true
	st := q.state
	q.mu.Unlock()

	q.notify(st)
}

// SetKey switches the query to a new key. The change is handled as a brand
// new query: previous data is dropped and Mount runs for the new key.
// Setting the current key again is a no-op.
func (q *Query[T]) SetKey(ctx context.Context, key string) State[T] {
	return q.rekey(ctx, key, nil)
}

// rekey switches key and, if fn is non-nil, the fetch function with it.
func (q *Query[T]) rekey(ctx context.Context, key string, fn FetchFunc[T]) State[T] {
	q.mu.Lock()
	if q.closed {
		st := q.state
		q.mu.Unlock()
		return st
	}
	if key == q.key {
		st := q.state
		q.mu.Unlock()
		return st
	}
	old := q.key
	q.key = key
	if fn != nil {
		q.fetchFn = fn
	}
	q.generation++
	q.inFlight = false
	q.done = nil
	q.state = State[T]{Key: key}
	q.mu.Unlock()

	q.logger.Debug().Str("from", old).Str("key", key).Msg("Query key changed")

	return q.Mount(ctx)
}

// Subscribe registers fn to receive every state change. The returned
// function removes the subscription.
func (q *Query[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subscribers[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.subscribers, id)
		q.mu.Unlock()
	}
}

// Close detaches the query. A fetch still in flight completes and is
// written to the store, but the query state no longer changes.
func (q *Query[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.subscribers = make(map[int]func(State[T]))
	q.mu.Unlock()
}

// begin claims the single in-flight slot.
func (q *Query[T]) begin() (ticket[T], error) {
	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return ticket[T]{}, ErrClosed
	case !q.opts.enabled:
		q.mu.Unlock()
		return ticket[T]{}, ErrDisabled
	case q.inFlight:
		q.mu.Unlock()
		fetchesTotal.WithLabelValues("skipped").Inc()
		return ticket[T]{}, ErrInFlight
	}

	q.inFlight = true
	q.done = make(chan struct{})
	if q.state.HasData {
		q.state.IsRefetching, q.state.IsLoading = true, false
	} else {
		q.state.IsLoading, q.state.IsRefetching = true, false
	}
	q.state.Err = nil

	t := ticket[T]{key: q.key, generation: q.generation, fn: q.fetchFn, done: q.done}
	st := q.state
	q.mu.Unlock()

	q.notify(st)
	return t, nil
}

// run executes the fetch for t and applies the outcome.
func (q *Query[T]) run(ctx context.Context, t ticket[T]) Result[T] {
	defer close(t.done)

	start := time.Now()
	value, err := execute(ctx, q.client, t.key, q.opts.ttl, t.fn)

	q.mu.Lock()
	current := !q.closed && t.generation == q.generation
	if t.generation == q.generation {
		q.inFlight = false
		q.done = nil
	}
	if current {
		q.state.IsLoading, q.state.IsRefetching = false, false
		switch {
		case err == nil:
			q.state.Data, q.state.HasData = value, true
			q.state.IsStale, q.state.Err = false, nil
		case errors.Is(err, ErrSuperseded):
			// A newer response owns the key; keep what is shown.
		default:
			q.state.Err = err
		}
	}
	st := q.state
	q.mu.Unlock()

	logEvent := q.logger.Debug()
	switch {
	case err == nil:
		fetchesTotal.WithLabelValues("success").Inc()
	case errors.Is(err, ErrSuperseded):
		fetchesTotal.WithLabelValues("superseded").Inc()
	default:
		fetchesTotal.WithLabelValues("error").Inc()
		logEvent = q.logger.Warn().Err(err)
	}
	logEvent.
		Str("key", t.key).
		Dur("duration", time.Since(start)).
		Bool("applied", current).
		Msg("Fetch finished")

	if current {
		q.notify(st)
		switch {
		case err == nil:
			if q.opts.onSuccess != nil {
				q.opts.onSuccess(value)
			}
		case errors.Is(err, ErrSuperseded):
		default:
			if q.opts.onError != nil {
				q.opts.onError(err)
			}
		}
	}

	return Result[T]{Value: value, Err: err}
}

func (q *Query[T]) notify(st State[T]) {
	q.mu.Lock()
	if q.closed || len(q.subscribers) == 0 {
		q.mu.Unlock()
		return
	}
	subs := make([]func(State[T]), 0, len(q.subscribers))
	for _, fn := range q.subscribers {
		subs = append(subs, fn)
	}
	q.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
