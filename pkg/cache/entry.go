package cache

import (
	"time"
)

// Entry is a single cached value held by a Store.
type Entry struct {
	// Key is the deterministic cache key (see GenerateKey).
	Key string

	// Value is the cached payload. The store owns it once inserted.
	Value any

	// StoredAt is when the value was written.
	StoredAt time.Time

	// ExpiresAt is StoredAt plus the TTL the value was written with.
	ExpiresAt time.Time
}

// IsExpired reports whether the entry is past its expiry at the given time.
// An entry is still fresh at exactly ExpiresAt.
func (e Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TTL returns the time remaining until expiration.
// Returns 0 if already expired.
func (e Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}
