package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Params is a flat parameter set used to build a cache key.
type Params map[string]any

// CacheKey identifies a cached query: a namespace plus its parameters.
type CacheKey struct {
	// Namespace groups related keys (e.g., "users", "groups:members").
	Namespace string

	// Params are the query parameters. Insertion order is irrelevant.
	Params Params
}

// String generates the deterministic cache key string.
func (k CacheKey) String() string {
	return GenerateKey(k.Namespace, k.Params)
}

// GenerateKey builds a deterministic key from a namespace and a parameter set.
// Format: namespace:name1:value1|name2:value2
//
// Names are sorted lexicographically and each value is JSON encoded, so maps
// nested inside params are also order independent. A nil value is encoded as
// the JSON literal null and is never dropped.
//
// Example:
//
//	GenerateKey("users", Params{"offset": 0, "limit": 10}) // users:limit:10|offset:0
func GenerateKey(namespace string, params map[string]any) string {
	if len(params) == 0 {
		return namespace
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+":"+encodeValue(params[name]))
	}

	return namespace + ":" + strings.Join(parts, "|")
}

// encodeValue renders one parameter value in canonical form.
func encodeValue(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Channels, funcs and friends cannot be JSON encoded.
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
