package cache

import (
	"time"

	"github.com/Sternrassler/reqflow/pkg/request"
)

// Entry is a cached response plus its expiry.
type Entry struct {
	// Key is the fingerprint the entry is stored under
	Key string

	// Response is the stored record (never handed out directly, only clones)
	Response *request.Response

	// Expires is when the entry stops being served
	Expires time.Time

	// CachedAt is when the entry was written
	CachedAt time.Time
}

// IsExpired reports whether the entry is past its expiry at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.Expires)
}

// TTL returns the time left until expiry at now.
// Returns 0 if already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.Expires.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
