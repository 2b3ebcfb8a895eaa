package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/querycache/pkg/cache"
	"github.com/Sternrassler/querycache/pkg/config"
	"github.com/Sternrassler/querycache/pkg/fetch"
	"github.com/Sternrassler/querycache/pkg/logging"
	"github.com/Sternrassler/querycache/pkg/metrics"
	"github.com/Sternrassler/querycache/pkg/pagination"
	"github.com/Sternrassler/querycache/pkg/query"
)

const maxBodyBytes = 1 << 20

// reserved list query parameters; everything else is a filter.
var reservedParams = map[string]bool{
	"page": true, "limit": true, "sort": true, "order": true,
	"offset": true, "sortBy": true, "sortOrder": true,
}

var resourceName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// raw is the proxied payload type: JSON passed through untouched.
type raw = json.RawMessage

// server reads a remote REST API through the query cache.
type server struct {
	cfg     config.Config
	ctx     context.Context
	api     *fetch.Client
	client  *query.Client
	redis   *redis.Client
	logger  zerolog.Logger

	background sync.WaitGroup
}

// newServer wires the handlers. rc may be nil when Redis is off.
// Background revalidation and prefetches run on ctx.
func newServer(ctx context.Context, cfg config.Config, api *fetch.Client, client *query.Client, rc *redis.Client) *server {
	return &server{
		cfg:    cfg,
		ctx:    ctx,
		api:    api,
		client: client,
		redis:  rc,
		logger: logging.NewLogger("query-proxy"),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/{resource}", s.handleList)
	mux.HandleFunc("GET /api/{resource}/{id}", s.handleItem)
	mux.HandleFunc("POST /api/{resource}", s.handleMutation)
	mux.HandleFunc("PUT /api/{resource}/{id}", s.handleMutation)
	mux.HandleFunc("PATCH /api/{resource}/{id}", s.handleMutation)
	mux.HandleFunc("DELETE /api/{resource}/{id}", s.handleMutation)

	mux.HandleFunc("POST /invalidate", s.handleInvalidate)
	return mux
}

// wait blocks until background prefetches have finished.
func (s *server) wait() {
	s.background.Wait()
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed: redis unreachable")
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// listRequest is a parsed list query string.
type listRequest struct {
	page      int
	limit     int
	sortBy    string
	sortOrder string
	filters   map[string]any
}

func (s *server) parseListRequest(q url.Values) (listRequest, error) {
	req := listRequest{page: 1, limit: s.cfg.Cache.PageSize, sortOrder: "asc"}

	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return req, fmt.Errorf("page must be a positive integer (got %q)", v)
		}
		req.page = page
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			return req, fmt.Errorf("limit must be in [1, 1000] (got %q)", v)
		}
		req.limit = limit
	}
	req.sortBy = q.Get("sort")
	if v := q.Get("order"); v != "" {
		if v != "asc" && v != "desc" {
			return req, fmt.Errorf("order must be asc or desc (got %q)", v)
		}
		req.sortOrder = v
	}

	for name, values := range q {
		if reservedParams[name] || len(values) == 0 {
			continue
		}
		if req.filters == nil {
			req.filters = make(map[string]any)
		}
		req.filters[name] = values[0]
	}
	return req, nil
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	if !s.checkResource(w, resource) {
		return
	}
	req, err := s.parseListRequest(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	l := query.NewList(s.client, resource, req.limit, fetch.ListJSON[raw](s.api, "/"+resource),
		query.WithTTL[query.Page[raw]](s.cfg.Cache.ListTTL),
		query.WithStaleWhileRevalidate[query.Page[raw]](s.cfg.Cache.StaleWhileRevalidate),
	)
	defer l.Close()

	if req.filters != nil {
		l.SetFilters(s.ctx, req.filters)
	}
	if req.sortBy != "" {
		l.SetSort(s.ctx, req.sortBy, req.sortOrder)
	}
	l.SetPage(s.ctx, req.page)

	seeded := l.Mount(s.ctx)
	if !serveState(s, w, seeded, l.Wait, l.State) {
		return
	}

	if n := s.cfg.Cache.PrefetchPages; n > 0 {
		next := l.Params()
		next.Offset += next.Limit
		s.prefetch(resource, next, n)
	}
}

func (s *server) handleItem(w http.ResponseWriter, r *http.Request) {
	resource, id := r.PathValue("resource"), r.PathValue("id")
	if !s.checkResource(w, resource) {
		return
	}

	key := cache.GenerateKey(resource, map[string]any{"id": id})
	q := query.New(s.client, key, fetch.JSON[raw](s.api, "/"+resource+"/"+url.PathEscape(id), nil),
		query.WithTTL[raw](s.cfg.Cache.DefaultTTL),
		query.WithStaleWhileRevalidate[raw](s.cfg.Cache.StaleWhileRevalidate),
	)
	defer q.Close()

	seeded := q.Mount(s.ctx)
	serveState(s, w, seeded, q.Wait, q.State)
}

func (s *server) handleMutation(w http.ResponseWriter, r *http.Request) {
	resource, id := r.PathValue("resource"), r.PathValue("id")
	if !s.checkResource(w, resource) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	path := "/" + resource
	if id != "" {
		path += "/" + url.PathEscape(id)
	}

	m := query.NewMutation(s.client, s.send(r.Method, path),
		query.WithInvalidatePattern[raw, raw](resourcePattern(resource)),
	)
	res := m.Mutate(r.Context(), body)
	if res.Err != nil {
		s.writeUpstreamError(w, res.Err)
		return
	}

	if len(res.Value) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res.Value)
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern, prefix := q.Get("pattern"), q.Get("prefix")

	var removed int
	switch {
	case pattern != "":
		removed = s.client.InvalidatePattern(r.Context(), pattern)
	case prefix != "":
		removed = s.client.InvalidatePrefix(r.Context(), prefix)
	default:
		writeError(w, http.StatusBadRequest, "pattern or prefix is required")
		return
	}

	s.logger.Info().
		Str("pattern", pattern).
		Str("prefix", prefix).
		Int("removed", removed).
		Msg("Cache invalidated")

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// send forwards a mutation body; an empty body is sent without payload.
func (s *server) send(method, path string) query.MutateFunc[raw, raw] {
	return func(ctx context.Context, body raw) (raw, error) {
		var payload any
		if len(body) > 0 {
			payload = body
		}
		var out raw
		if err := s.api.Do(ctx, method, path, nil, payload, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (s *server) prefetch(resource string, base query.ListParams, pages int) {
	p := pagination.NewPrefetcher(s.client, fetch.ListJSON[raw](s.api, "/"+resource), pagination.Config{
		MaxConcurrency: min(pages, 4),
		TTL:            s.cfg.Cache.ListTTL,
		SkipFresh:      true,
	})

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := p.Prefetch(s.ctx, resource, base, pages); err != nil {
			s.logger.Debug().Err(err).Str("resource", resource).Msg("Prefetch incomplete")
		}
	}()
}

func (s *server) checkResource(w http.ResponseWriter, resource string) bool {
	if !resourceName.MatchString(resource) {
		writeError(w, http.StatusBadRequest, "invalid resource name")
		return false
	}
	if !s.cfg.AllowsResource(resource) {
		writeError(w, http.StatusNotFound, "unknown resource")
		return false
	}
	return true
}

func (s *server) writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *fetch.APIError
	if errors.As(err, &apiErr) && apiErr.Class == fetch.ErrorClassClient {
		writeError(w, apiErr.StatusCode, apiErr.Message)
		return
	}
	s.logger.Warn().Err(err).Msg("Upstream request failed")
	writeError(w, http.StatusBadGateway, "upstream request failed")
}

// serveState writes the seeded state of a mounted query. A fresh or stale
// hit is answered at once; a miss waits for the fetch. It reports whether
// data was written.
func serveState[T any](s *server, w http.ResponseWriter, seeded query.State[T], wait func(), current func() query.State[T]) bool {
	switch {
	case seeded.HasData && !seeded.IsStale:
		w.Header().Set("X-Cache", "fresh")
		writeJSON(w, http.StatusOK, seeded.Data)
		return true
	case seeded.HasData:
		w.Header().Set("X-Cache", "stale")
		writeJSON(w, http.StatusOK, seeded.Data)
		return true
	}

	wait()
	st := current()
	if !st.HasData {
		if st.Err != nil {
			s.writeUpstreamError(w, st.Err)
		} else {
			writeError(w, http.StatusBadGateway, "no data")
		}
		return false
	}
	w.Header().Set("X-Cache", "miss")
	writeJSON(w, http.StatusOK, st.Data)
	return true
}

// resourcePattern matches every cache key of resource: the bare namespace
// and all keys under it.
func resourcePattern(resource string) string {
	return "^" + regexp.QuoteMeta(resource) + "(:|$)"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
