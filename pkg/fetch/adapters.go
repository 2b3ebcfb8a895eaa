package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/Sternrassler/querycache/pkg/query"
)

// JSON adapts GET path?query to a query fetch function decoding into T.
func JSON[T any](c *Client, path string, q url.Values) query.FetchFunc[T] {
	return func(ctx context.Context) (T, error) {
		var out T
		if err := c.GetJSON(ctx, path, q, &out); err != nil {
			return out, err
		}
		return out, nil
	}
}

// ListJSON adapts a paginated collection endpoint to a list fetch function.
// The endpoint receives limit, offset, sortBy, sortOrder and every filter as
// query parameters and must answer with {"items", "total", "limit", "offset"}.
func ListJSON[T any](c *Client, path string) query.ListFetchFunc[T] {
	return func(ctx context.Context, params query.ListParams) (query.Page[T], error) {
		var page query.Page[T]
		if err := c.GetJSON(ctx, path, ListQuery(params), &page); err != nil {
			return page, err
		}
		if page.Limit == 0 {
			page.Limit = params.Limit
		}
		if page.Offset == 0 {
			page.Offset = params.Offset
		}
		return page, nil
	}
}

// Send adapts a write endpoint to a mutation function: vars are sent as the
// JSON body of a method request to path and the response decodes into T.
func Send[V, T any](c *Client, method, path string) query.MutateFunc[V, T] {
	return func(ctx context.Context, vars V) (T, error) {
		var out T
		if err := c.Do(ctx, method, path, nil, vars, &out); err != nil {
			return out, err
		}
		return out, nil
	}
}

// ListQuery renders list params as a query string. Nil filters and filters
// with a reserved name are omitted.
func ListQuery(params query.ListParams) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(params.Limit))
	q.Set("offset", strconv.Itoa(params.Offset))
	if params.SortBy != "" {
		q.Set("sortBy", params.SortBy)
		if params.SortOrder != "" {
			q.Set("sortOrder", params.SortOrder)
		}
	}

	names := make([]string, 0, len(params.Filters))
	for name := range params.Filters {
		if !query.IsReservedParam(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if v := params.Filters[name]; v != nil {
			q.Set(name, filterValue(v))
		}
	}
	return q
}

func filterValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return fmt.Sprint(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
