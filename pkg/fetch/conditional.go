package fetch

import (
	"container/list"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMaxValidators bounds the validators kept for conditional requests.
const DefaultMaxValidators = 1024

var notModifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "querycache_http_not_modified_total",
	Help: "Total 304 Not Modified responses answered from a stored body",
})

// validator is the last 200 response of a GET URL that carried an ETag or
// Last-Modified header.
type validator struct {
	url          string
	etag         string
	lastModified time.Time
	body         []byte
}

// newValidator builds a validator from a response. It returns nil when the
// response has neither ETag nor a parseable Last-Modified.
func newValidator(url string, h http.Header, body []byte) *validator {
	v := &validator{url: url, etag: h.Get("ETag"), body: body}
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			v.lastModified = t
		}
	}
	if v.etag == "" && v.lastModified.IsZero() {
		return nil
	}
	return v
}

// addConditionalHeaders sets If-None-Match, or If-Modified-Since when only
// Last-Modified is known.
func addConditionalHeaders(req *http.Request, v *validator) {
	if req == nil || v == nil {
		return
	}
	if v.etag != "" {
		req.Header.Set("If-None-Match", v.etag)
	} else if !v.lastModified.IsZero() {
		req.Header.Set("If-Modified-Since", v.lastModified.UTC().Format(http.TimeFormat))
	}
}

// validators is a bounded LRU of validators by request URL.
type validators struct {
	mu    sync.Mutex
	max   int
	order *list.List
	byURL map[string]*list.Element
}

func newValidators(max int) *validators {
	return &validators{max: max, order: list.New(), byURL: make(map[string]*list.Element)}
}

func (vs *validators) get(url string) *validator {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	el, ok := vs.byURL[url]
	if !ok {
		return nil
	}
	vs.order.MoveToFront(el)
	return el.Value.(*validator)
}

func (vs *validators) put(v *validator) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if el, ok := vs.byURL[v.url]; ok {
		el.Value = v
		vs.order.MoveToFront(el)
		return
	}
	vs.byURL[v.url] = vs.order.PushFront(v)
	for vs.order.Len() > vs.max {
		oldest := vs.order.Back()
		vs.order.Remove(oldest)
		delete(vs.byURL, oldest.Value.(*validator).url)
	}
}

func (vs *validators) remove(url string) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if el, ok := vs.byURL[url]; ok {
		vs.order.Remove(el)
		delete(vs.byURL, url)
	}
}

func (vs *validators) len() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.order.Len()
}
