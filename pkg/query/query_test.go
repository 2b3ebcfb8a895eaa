package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/querycache/pkg/cache"
	"github.com/Sternrassler/querycache/pkg/logging"
)

// fakeClock is a manually advanced time source for the store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(cfg ClientConfig) (*Client, *fakeClock) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithClock(clock.Now), cache.WithLogger(logging.Nop()))
	c := NewClient(store, cfg)
	c.logger = logging.Nop()
	return c, clock
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// gatedFetch returns a fetch function that signals started and blocks until
// release is closed.
func gatedFetch[T any](value T, err error, started chan<- struct{}, release <-chan struct{}, calls *atomic.Int32) FetchFunc[T] {
	return func(ctx context.Context) (T, error) {
		calls.Add(1)
		if started != nil {
			started <- struct{}{}
		}
		<-release
		return value, err
	}
}

func TestQuery_Mount_ColdRead(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())
	ctx := context.Background()

	var calls atomic.Int32
	q := New(c, "users", func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []string{"ada", "grace"}, nil
	})

	st := q.Mount(ctx)
	if st.HasData {
		t.Error("Mount() on empty cache has data")
	}
	if !st.IsLoading {
		t.Error("Mount() on empty cache is not loading")
	}

	q.Wait()

	st = q.State()
	if !st.HasData || len(st.Data) != 2 {
		t.Fatalf("State() after fetch = %+v, want 2 users", st)
	}
	if st.IsLoading || st.IsRefetching || st.IsStale {
		t.Errorf("State() flags after fetch = %+v, want all false", st)
	}
	if !c.Store().Has("users") {
		t.Error("fetched value not written to store")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestQuery_Mount_FreshHit(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())
	c.Store().SetWithTTL("users", []string{"cached"}, time.Minute)

	var calls atomic.Int32
	q := New(c, "users", func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		return []string{"fetched"}, nil
	})

	st := q.Mount(context.Background())
	q.Wait()

	if !st.HasData || st.Data[0] != "cached" {
		t.Errorf("Mount() data = %v, want cached", st.Data)
	}
	if st.IsStale || st.IsLoading {
		t.Errorf("Mount() flags = %+v, want fresh and idle", st)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("fetch calls = %d, want 0 on fresh hit", got)
	}
}

func TestQuery_Mount_StaleHitRevalidates(t *testing.T) {
	c, clock := newTestClient(DefaultClientConfig())
	c.Store().SetWithTTL("users", "old", time.Millisecond)
	clock.Advance(2 * time.Millisecond)

	release := make(chan struct{})
	var calls atomic.Int32
	q := New(c, "users", gatedFetch("new", nil, nil, release, &calls))

	st := q.Mount(context.Background())
	if !st.HasData || st.Data != "old" {
		t.Fatalf("Mount() data = %q, want old", st.Data)
	}
	if !st.IsStale {
		t.Error("Mount() on expired entry is not stale")
	}

	eventually(t, func() bool { return q.State().IsRefetching }, "refetch started")
	if q.State().IsLoading {
		t.Error("IsLoading set while stale data is shown")
	}

	close(release)
	q.Wait()

	st = q.State()
	if st.Data != "new" || st.IsStale || st.IsRefetching {
		t.Errorf("State() after revalidate = %+v, want fresh new", st)
	}
	if got, ok := c.Store().Get("users"); !ok || got != "new" {
		t.Errorf("store value = %v, %v, want new", got, ok)
	}
}

func TestQuery_Mount_StaleWithoutRevalidate(t *testing.T) {
	c, clock := newTestClient(DefaultClientConfig())
	c.Store().SetWithTTL("users", "old", time.Millisecond)
	clock.Advance(time.Second)

	var calls atomic.Int32
	q := New(c, "users", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "new", nil
	}, WithStaleWhileRevalidate[string](false))

	st := q.Mount(context.Background())
	q.Wait()

	if st.Data != "old" || !st.IsStale {
		t.Errorf("Mount() = %+v, want stale old", st)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("fetch calls = %d, want 0", got)
	}
}

func TestQuery_AtMostOneFetchInFlight(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	q := New(c, "users", gatedFetch(1, nil, started, release, &calls))

	q.Mount(ctx)
	<-started

	if q.Refetch(ctx) {
		t.Error("Refetch() started a second fetch")
	}
	res := q.Fetch(ctx)
	if !res.Skipped || !errors.Is(res.Err, ErrInFlight) {
		t.Errorf("Fetch() = %+v, want skipped with ErrInFlight", res)
	}

	close(release)
	q.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}

	// Once settled, a new fetch is allowed.
	res = q.Fetch(ctx)
	if !res.OK() {
		t.Errorf("Fetch() after settle = %+v, want OK", res)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestQuery_ErrorKeepsData(t *testing.T) {
	c, clock := newTestClient(DefaultClientConfig())
	c.Store().SetWithTTL("users", "old", time.Millisecond)
	clock.Advance(time.Second)

	fetchErr := errors.New("boom")
	var gotErr error
	var successCalled bool
	q := New(c, "users", func(ctx context.Context) (string, error) {
		return "", fetchErr
	},
		WithOnError[string](func(err error) { gotErr = err }),
		WithOnSuccess[string](func(string) { successCalled = true }),
	)

	q.Mount(context.Background())
	q.Wait()

	st := q.State()
	if !st.HasData || st.Data != "old" {
		t.Errorf("Data after error = %q, want old", st.Data)
	}
	if !errors.Is(st.Err, fetchErr) {
		t.Errorf("Err = %v, want %v", st.Err, fetchErr)
	}
	if !errors.Is(gotErr, fetchErr) {
		t.Errorf("onError got %v, want %v", gotErr, fetchErr)
	}
	if successCalled {
		t.Error("onSuccess called after failed fetch")
	}
	if got, _ := c.Store().GetStale("users"); got != "old" {
		t.Errorf("store value after error = %v, want old", got)
	}
}

func TestQuery_Fetch_ClearsErrorOnSuccess(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())
	ctx := context.Background()

	var fail atomic.Bool
	fail.Store(true)
	q := New(c, "users", func(ctx context.Context) (string, error) {
		if fail.Load() {
			return "", errors.New("boom")
		}
		return "ok", nil
	})

	if res := q.Fetch(ctx); res.Err == nil {
		t.Fatal("Fetch() error = nil, want boom")
	}
	fail.Store(false)
	if res := q.Fetch(ctx); !res.OK() || res.Value != "ok" {
		t.Fatalf("Fetch() = %+v, want ok", res)
	}
	if st := q.State(); st.Err != nil {
		t.Errorf("Err after success = %v, want nil", st.Err)
	}
}

func TestQuery_Disabled(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())

	var calls atomic.Int32
	q := New(c, "users", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "x", nil
	}, WithEnabled[string](false))

	st := q.Mount(context.Background())
	if st.IsLoading {
		t.Error("disabled query is loading")
	}
	res := q.Fetch(context.Background())
	if !res.Skipped || !errors.Is(res.Err, ErrDisabled) {
		t.Errorf("Fetch() = %+v, want skipped with ErrDisabled", res)
	}
	if q.Refetch(context.Background()) {
		t.Error("Refetch() on disabled query started a fetch")
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("fetch calls = %d, want 0", got)
	}
}

func TestQuery_SetKey_IgnoresLateResult(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())
	ctx := context.Background()
	c.Store().SetWithTTL("users:2", "second", time.Minute)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	q := New(c, "users:1", gatedFetch("first", nil, started, release, &calls))

	q.Mount(ctx)
	<-started

	st := q.SetKey(ctx, "users:2")
	if st.Key != "users:2" || st.Data != "second" {
		t.Fatalf("SetKey() = %+v, want cached second", st)
	}

	close(release)
	eventually(t, func() bool { return c.Store().Has("users:1") }, "late result stored")

	st = q.State()
	if st.Key != "users:2" || st.Data != "second" {
		t.Errorf("State() after late result = %+v, want users:2 second", st)
	}
}

func TestQuery_SetKey_SameKeyIsNoop(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())
	c.Store().SetWithTTL("users", "cached", time.Minute)

	var calls atomic.Int32
	q := New(c, "users", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "x", nil
	})
	q.Mount(context.Background())
	q.SetKey(context.Background(), "users")
	q.Wait()

	if got := calls.Load(); got != 0 {
		t.Errorf("fetch calls = %d, want 0", got)
	}
}

func TestQuery_Close(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	var successCalled atomic.Bool
	q := New(c, "users", gatedFetch("late", nil, started, release, &calls),
		WithOnSuccess[string](func(string) { successCalled.Store(true) }))

	var notified atomic.Int32
	q.Subscribe(func(State[string]) { notified.Add(1) })

	q.Mount(context.Background())
	<-started
	before := notified.Load()

	q.Close()
	close(release)
	q.Wait()

	if q.State().HasData {
		t.Error("closed query applied a late result")
	}
	if successCalled.Load() {
		t.Error("onSuccess called after Close")
	}
	if notified.Load() != before {
		t.Error("subscriber notified after Close")
	}
	if got, ok := c.Store().Get("users"); !ok || got != "late" {
		t.Errorf("store value = %v, %v, want late result stored", got, ok)
	}

	res := q.Fetch(context.Background())
	if !errors.Is(res.Err, ErrClosed) {
		t.Errorf("Fetch() after Close = %+v, want ErrClosed", res)
	}
}

func TestQuery_Invalidate(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())
	c.Store().SetWithTTL("users", "cached", time.Minute)

	q := New(c, "users", func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	q.Mount(context.Background())
	q.Invalidate(context.Background())

	st := q.State()
	if !st.IsStale || st.Data != "cached" {
		t.Errorf("State() after Invalidate = %+v, want stale cached data", st)
	}
	if c.Store().Has("users") {
		t.Error("store still has invalidated key")
	}

	if res := q.Fetch(context.Background()); !res.OK() {
		t.Fatalf("Fetch() = %+v", res)
	}
	if st := q.State(); st.IsStale || st.Data != "fresh" {
		t.Errorf("State() after refetch = %+v, want fresh", st)
	}
}

func TestQuery_Subscribe(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())

	var mu sync.Mutex
	var states []State[int]
	q := New(c, "counter", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	unsubscribe := q.Subscribe(func(st State[int]) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	q.Mount(context.Background())
	q.Wait()

	mu.Lock()
	n := len(states)
	last := states[n-1]
	mu.Unlock()

	if n < 2 {
		t.Fatalf("got %d notifications, want at least 2", n)
	}
	if !last.HasData || last.Data != 42 {
		t.Errorf("last notification = %+v, want data 42", last)
	}

	unsubscribe()
	q.Fetch(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(states) != n {
		t.Errorf("notified after unsubscribe: %d -> %d", n, len(states))
	}
}

func TestQuery_NilFetchResult(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())

	q := New(c, "maybe", func(ctx context.Context) (error, error) {
		return nil, nil
	})
	res := q.Fetch(context.Background())
	if !res.OK() || res.Value != nil {
		t.Errorf("Fetch() = %+v, want OK nil value", res)
	}
}

func TestNew_Panics(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())
	tests := []struct {
		name string
		fn   func()
	}{
		{"nil client", func() { New[int](nil, "k", func(context.Context) (int, error) { return 0, nil }) }},
		{"nil fetch", func() { New[int](c, "k", nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn()
		})
	}
}

func TestQuery_NilValueIsCached(t *testing.T) {
	c, _ := newTestClient(DefaultClientConfig())

	var calls atomic.Int32
	fn := func(ctx context.Context) (error, error) {
		calls.Add(1)
		return nil, nil
	}

	first := New(c, "maybe", fn)
	first.Mount(context.Background())
	first.Wait()

	second := New(c, "maybe", fn)
	st := second.Mount(context.Background())
	if !st.HasData || st.IsLoading {
		t.Errorf("Mount() = %+v, want cached nil value", st)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}
