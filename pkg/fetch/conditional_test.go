package fetch

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/querycache/internal/testutil"
)

func TestGetJSON_ETagRevalidation(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var notModified atomic.Int32
	mock.SetHandler("/users/1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"id":1,"name":"ada"}`))
	})

	c := newTestClient(t, mock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		var u user
		if err := c.GetJSON(ctx, "/users/1", nil, &u); err != nil {
			t.Fatalf("GetJSON() #%d error = %v", i, err)
		}
		if u.Name != "ada" {
			t.Errorf("GetJSON() #%d = %+v, want ada", i, u)
		}
	}
	if got := notModified.Load(); got != 1 {
		t.Errorf("304 responses = %d, want 1", got)
	}
}

func TestGetJSON_LastModifiedRevalidation(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	modified := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.SetHandler("/users", func(w http.ResponseWriter, r *http.Request) {
		if since := r.Header.Get("If-Modified-Since"); since != "" {
			if at, err := http.ParseTime(since); err == nil && !modified.After(at) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.Write([]byte(`[{"id":1,"name":"ada"}]`))
	})

	c := newTestClient(t, mock)
	ctx := context.Background()

	var first, second []user
	if err := c.GetJSON(ctx, "/users", nil, &first); err != nil {
		t.Fatalf("first GetJSON() error = %v", err)
	}
	if err := c.GetJSON(ctx, "/users", nil, &second); err != nil {
		t.Fatalf("second GetJSON() error = %v", err)
	}
	if len(second) != 1 || second[0].Name != "ada" {
		t.Errorf("second GetJSON() = %+v", second)
	}
	if got := mock.GetLastHeader().Get("If-Modified-Since"); got == "" {
		t.Error("If-Modified-Since not sent")
	}
}

func TestGetJSON_NotModifiedWithoutStoredResponse(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/users/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})

	c := newTestClient(t, mock)
	var u user
	err := c.GetJSON(context.Background(), "/users/1", nil, &u)
	if err == nil || !strings.Contains(err.Error(), "304") {
		t.Errorf("GetJSON() error = %v, want 304 error", err)
	}
}

func TestGetJSON_ConditionalDisabled(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/users/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"id":1,"name":"ada"}`))
	})

	cfg := DefaultConfig(mock.URL())
	cfg.Retry = fastRetry()
	cfg.MaxValidators = -1
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var u user
	for i := 0; i < 2; i++ {
		if err := c.GetJSON(context.Background(), "/users/1", nil, &u); err != nil {
			t.Fatalf("GetJSON() error = %v", err)
		}
	}
	if got := mock.GetLastHeader().Get("If-None-Match"); got != "" {
		t.Errorf("If-None-Match = %q, want none", got)
	}
}

func TestGetJSON_ValidatorDroppedWithoutHeaders(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var tagged atomic.Bool
	tagged.Store(true)
	mock.SetHandler("/users/1", func(w http.ResponseWriter, r *http.Request) {
		if tagged.Load() {
			w.Header().Set("ETag", `"v1"`)
		}
		w.Write([]byte(`{"id":1,"name":"ada"}`))
	})

	c := newTestClient(t, mock)
	ctx := context.Background()
	var u user

	c.GetJSON(ctx, "/users/1", nil, &u)
	tagged.Store(false)
	c.GetJSON(ctx, "/users/1", nil, &u)
	c.GetJSON(ctx, "/users/1", nil, &u)

	if got := mock.GetLastHeader().Get("If-None-Match"); got != "" {
		t.Errorf("If-None-Match = %q after untagged response, want none", got)
	}
}

func TestValidators_EvictsLeastRecentlyUsed(t *testing.T) {
	vs := newValidators(2)
	vs.put(&validator{url: "a", etag: "1"})
	vs.put(&validator{url: "b", etag: "2"})
	vs.get("a")
	vs.put(&validator{url: "c", etag: "3"})

	if vs.len() != 2 {
		t.Errorf("len() = %d, want 2", vs.len())
	}
	if vs.get("b") != nil {
		t.Error("least recently used validator kept")
	}
	if vs.get("a") == nil || vs.get("c") == nil {
		t.Error("recent validators evicted")
	}
}

func TestAddConditionalHeaders(t *testing.T) {
	modified := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		v           *validator
		noneMatch   string
		modifiedSet bool
	}{
		{"etag", &validator{etag: `"abc123"`}, `"abc123"`, false},
		{"prefer etag over last-modified", &validator{etag: `"abc123"`, lastModified: modified}, `"abc123"`, false},
		{"last-modified only", &validator{lastModified: modified}, "", true},
		{"nil validator", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			addConditionalHeaders(req, tt.v)

			if got := req.Header.Get("If-None-Match"); got != tt.noneMatch {
				t.Errorf("If-None-Match = %q, want %q", got, tt.noneMatch)
			}
			if got := req.Header.Get("If-Modified-Since") != ""; got != tt.modifiedSet {
				t.Errorf("If-Modified-Since set = %v, want %v", got, tt.modifiedSet)
			}
		})
	}
}
