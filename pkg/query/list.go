package query

import (
	"context"
	"maps"
	"sync"

	"github.com/Sternrassler/querycache/pkg/cache"
)

// ListParams is the resolved parameter set for one list page.
type ListParams struct {
	Limit     int
	Offset    int
	Filters   map[string]any
	SortBy    string
	SortOrder string
}

// reservedParams are set from ListParams fields and cannot be filters.
var reservedParams = map[string]bool{
	"limit": true, "offset": true, "sortBy": true, "sortOrder": true,
}

// IsReservedParam reports whether name is a pagination or sort parameter.
// Filters with such a name are ignored.
func IsReservedParam(name string) bool {
	return reservedParams[name]
}

// Values flattens the params into the map used for the cache key:
// limit, offset, every filter, and sortBy/sortOrder when set.
func (p ListParams) Values() map[string]any {
	values := make(map[string]any, len(p.Filters)+4)
	for name, v := range p.Filters {
		if !reservedParams[name] {
			values[name] = v
		}
	}
	values["limit"] = p.Limit
	values["offset"] = p.Offset
	if p.SortBy != "" {
		values["sortBy"] = p.SortBy
		values["sortOrder"] = p.SortOrder
	}
	return values
}

// Page returns the 1-based page number the params describe.
func (p ListParams) Page() int {
	if p.Limit <= 0 {
		return 1
	}
	return p.Offset/p.Limit + 1
}

// Page is one page of a list resource plus its pagination metadata.
// Both are cached together as a single value.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// TotalPages returns the number of pages of p.Limit items.
func (p Page[T]) TotalPages() int {
	if p.Limit <= 0 || p.Total <= 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

// ListFetchFunc loads one page for the resolved params.
type ListFetchFunc[T any] func(ctx context.Context, params ListParams) (Page[T], error)

// List is a Query over a paginated, filterable and sortable collection.
// Its cache key is derived from the current page, filters and sort; every
// change re-keys the underlying query, which treats it as a new lookup.
type List[T any] struct {
	client    *Client
	namespace string
	fetchFn   ListFetchFunc[T]
	query     *Query[Page[T]]

	// applyMu orders re-keys so the query ends on the latest params.
	applyMu sync.Mutex

	mu        sync.Mutex
	limit     int
	page      int
	filters   map[string]any
	sortBy    string
	sortOrder string
	mounted   bool
}

// NewList creates a list resource under namespace with limit items per
// page, starting on page 1. Options default to a 2 minute TTL.
func NewList[T any](c *Client, namespace string, limit int, fn ListFetchFunc[T], opts ...Option[Page[T]]) *List[T] {
	if fn == nil {
		panic("list fetch function cannot be nil")
	}
	if limit <= 0 {
		limit = 10
	}

	l := &List[T]{
		client:    c,
		namespace: namespace,
		fetchFn:   fn,
		limit:     limit,
		page:      1,
		filters:   map[string]any{},
	}

	params := l.paramsLocked()
	all := append([]Option[Page[T]]{WithTTL[Page[T]](DefaultListTTL)}, opts...)
	l.query = New[Page[T]](c, ListKey(namespace, params), l.fetchFor(params), all...)
	return l
}

// ListKey derives the cache key a List uses for params.
func ListKey(namespace string, params ListParams) string {
	return cache.GenerateKey(namespace, params.Values())
}

// Mount performs the initial lookup for the current params.
func (l *List[T]) Mount(ctx context.Context) State[Page[T]] {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	l.mounted = true
	l.mu.Unlock()
	return l.query.Mount(ctx)
}

// SetFilters replaces the filters and goes back to page 1. Filters named
// like a reserved parameter (see IsReservedParam) are dropped.
func (l *List[T]) SetFilters(ctx context.Context, filters map[string]any) State[Page[T]] {
	next := make(map[string]any, len(filters))
	for name, v := range filters {
		if reservedParams[name] {
			l.client.logger.Warn().Str("list", l.namespace).Str("filter", name).Msg("Ignoring filter with reserved name")
			continue
		}
		next[name] = v
	}

	l.mu.Lock()
	l.filters = next
	l.page = 1
	l.mu.Unlock()
	return l.apply(ctx)
}

// SetPage moves to page (1-based). Filters and sort are kept.
func (l *List[T]) SetPage(ctx context.Context, page int) State[Page[T]] {
	if page < 1 {
		page = 1
	}
	l.mu.Lock()
	l.page = page
	l.mu.Unlock()
	return l.apply(ctx)
}

// SetSort sets the sort directive and goes back to page 1.
func (l *List[T]) SetSort(ctx context.Context, field, order string) State[Page[T]] {
	l.mu.Lock()
	l.sortBy, l.sortOrder = field, order
	l.page = 1
	l.mu.Unlock()
	return l.apply(ctx)
}

// CurrentPage returns the 1-based page number.
func (l *List[T]) CurrentPage() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.page
}

// Filters returns a copy of the current filters.
func (l *List[T]) Filters() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.filters)
}

// Params returns the resolved params for the current page.
func (l *List[T]) Params() ListParams {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paramsLocked()
}

// Key returns the cache key for the current params.
func (l *List[T]) Key() string {
	return l.query.Key()
}

// State returns a snapshot of the underlying query.
func (l *List[T]) State() State[Page[T]] {
	return l.query.State()
}

// TotalPages returns the page count of the last loaded page, or 0.
func (l *List[T]) TotalPages() int {
	st := l.query.State()
	if !st.HasData {
		return 0
	}
	return st.Data.TotalPages()
}

// Refetch reloads the current page in the background.
func (l *List[T]) Refetch(ctx context.Context) bool {
	return l.query.Refetch(ctx)
}

// Fetch reloads the current page synchronously.
func (l *List[T]) Fetch(ctx context.Context) Result[Page[T]] {
	return l.query.Fetch(ctx)
}

// Invalidate drops the current page from the cache.
func (l *List[T]) Invalidate(ctx context.Context) {
	l.query.Invalidate(ctx)
}

// Subscribe registers fn for state changes. fn must not call the list's
// setters.
func (l *List[T]) Subscribe(fn func(State[Page[T]])) func() {
	return l.query.Subscribe(fn)
}

// Wait blocks until the in-flight fetch, if any, is done.
func (l *List[T]) Wait() {
	l.query.Wait()
}

// Close detaches the list.
func (l *List[T]) Close() {
	l.query.Close()
}

// apply re-derives the key and re-keys the query once mounted.
func (l *List[T]) apply(ctx context.Context) State[Page[T]] {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	params := l.paramsLocked()
	mounted := l.mounted
	l.mu.Unlock()

	key := ListKey(l.namespace, params)
	if !mounted {
		// Not mounted yet: only remember the key, nothing is read.
		l.query.mu.Lock()
		l.query.key = key
		l.query.fetchFn = l.fetchFor(params)
		l.query.state = State[Page[T]]{Key: key}
		l.query.mu.Unlock()
		return l.query.State()
	}
	return l.query.rekey(ctx, key, l.fetchFor(params))
}

func (l *List[T]) paramsLocked() ListParams {
	return ListParams{
		Limit:     l.limit,
		Offset:    (l.page - 1) * l.limit,
		Filters:   maps.Clone(l.filters),
		SortBy:    l.sortBy,
		SortOrder: l.sortOrder,
	}
}

// fetchFor binds the fetch function to one params value so a fetch always
// loads the page its key describes.
func (l *List[T]) fetchFor(params ListParams) FetchFunc[Page[T]] {
	return func(ctx context.Context) (Page[T], error) {
		return l.fetchFn(ctx, params)
	}
}
