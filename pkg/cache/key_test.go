package cache

import (
	"testing"
)

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		params    map[string]any
		want      string
	}{
		{
			name:      "no params",
			namespace: "users",
			want:      "users",
		},
		{
			name:      "pagination params",
			namespace: "users",
			params:    map[string]any{"offset": 0, "limit": 10},
			want:      "users:limit:10|offset:0",
		},
		{
			name:      "string values are JSON quoted",
			namespace: "users",
			params:    map[string]any{"search": "bob", "limit": 20},
			want:      `users:limit:20|search:"bob"`,
		},
		{
			name:      "nil value kept as null",
			namespace: "groups",
			params:    map[string]any{"sortBy": nil, "limit": 10},
			want:      "groups:limit:10|sortBy:null",
		},
		{
			name:      "nested map is canonical",
			namespace: "roles",
			params: map[string]any{
				"filter": map[string]any{"z": 1, "a": true},
			},
			want: `roles:filter:{"a":true,"z":1}`,
		},
		{
			name:      "slice value",
			namespace: "permissions",
			params:    map[string]any{"ids": []int{3, 1, 2}},
			want:      "permissions:ids:[3,1,2]",
		},
		{
			name:      "unencodable value falls back to fmt",
			namespace: "odd",
			params:    map[string]any{"fn": make(chan int)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateKey(tt.namespace, tt.params)
			if tt.want == "" {
				if got == "" || got == tt.namespace {
					t.Errorf("GenerateKey() = %q, want a non-empty parameterised key", got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("GenerateKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestGenerateKey_OrderIndependent ensures insertion order never changes the key.
func TestGenerateKey_OrderIndependent(t *testing.T) {
	p1 := map[string]any{}
	p1["limit"] = 10
	p1["offset"] = 20
	p1["status"] = "active"
	p1["role"] = "admin"

	p2 := map[string]any{}
	p2["role"] = "admin"
	p2["status"] = "active"
	p2["offset"] = 20
	p2["limit"] = 10

	k1 := GenerateKey("users", p1)
	for i := 0; i < 20; i++ {
		if k2 := GenerateKey("users", p2); k2 != k1 {
			t.Fatalf("GenerateKey not deterministic: %q != %q", k1, k2)
		}
	}
}

func TestGenerateKey_NumericTypesCollapse(t *testing.T) {
	a := GenerateKey("users", map[string]any{"limit": 10})
	b := GenerateKey("users", map[string]any{"limit": float64(10)})
	c := GenerateKey("users", map[string]any{"limit": int64(10)})

	if a != b || b != c {
		t.Errorf("numeric encodings differ: %q %q %q", a, b, c)
	}
}

func TestCacheKey_String(t *testing.T) {
	key := CacheKey{
		Namespace: "users",
		Params:    Params{"limit": 10, "offset": 0},
	}

	if got, want := key.String(), "users:limit:10|offset:0"; got != want {
		t.Errorf("CacheKey.String() = %q, want %q", got, want)
	}
}
