// Package request defines the request, response, and error records that flow
// through the orchestrator, plus the pure helpers that normalize them.
package request

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Priority bounds. A zero Priority on a Descriptor means DefaultPriority.
const (
	DefaultPriority = 5
	LowestPriority  = 1
)

// DefaultPreloadTTL is how long a preloaded response stays claimable.
const DefaultPreloadTTL = 30 * time.Second

// CacheMode selects how a cacheable request uses the response cache.
type CacheMode int

const (
	// CacheDefault serves a cached value and revalidates it in the background.
	CacheDefault CacheMode = iota

	// CacheForce serves a cached value without proactive revalidation.
	CacheForce

	// CacheOnlyIfCached fails instead of hitting the transport on a miss.
	CacheOnlyIfCached

	// CacheDisabled bypasses the cache entirely.
	CacheDisabled
)

// String returns the mode name used in logs and proxy headers.
func (m CacheMode) String() string {
	switch m {
	case CacheDefault:
		return "default"
	case CacheForce:
		return "force"
	case CacheOnlyIfCached:
		return "only-if-cached"
	case CacheDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ParseCacheMode converts a mode name back into a CacheMode.
func ParseCacheMode(s string) (CacheMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return CacheDefault, true
	case "force", "force-cache":
		return CacheForce, true
	case "only-if-cached":
		return CacheOnlyIfCached, true
	case "disabled", "no-cache", "off":
		return CacheDisabled, true
	default:
		return CacheDefault, false
	}
}

// RetryPolicy controls how failed attempts are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// Delay is the wait before a retry.
	Delay time.Duration

	// Incremental multiplies Delay by the retry number (linear backoff).
	Incremental bool

	// RetryStatuses lists 4xx status codes that may be retried.
	RetryStatuses []int
}

// Descriptor is the unit of work handed to the orchestrator.
type Descriptor struct {
	URL    string
	Method string
	Header http.Header
	Body   any
	Query  url.Values

	// Cache policy
	Cache    CacheMode
	CacheTTL time.Duration
	CacheKey string // overrides the derived fingerprint when set

	// Retry overrides the client default when non-nil.
	Retry *RetryPolicy

	// Queue policy
	Priority    int
	GroupKey    string
	IgnoreQueue bool

	// Preload
	PreloadKey string
	PreloadTTL time.Duration

	// Extract is a CEL expression evaluated against the decoded response body.
	Extract string

	// Extensions carries caller-defined fields through interceptors.
	Extensions map[string]any
}

// EffectivePriority returns Priority, or DefaultPriority when unset.
func (d Descriptor) EffectivePriority() int {
	if d.Priority == 0 {
		return DefaultPriority
	}
	return d.Priority
}

// EffectiveMethod returns the upper-cased method, defaulting to GET.
func (d Descriptor) EffectiveMethod() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(d.Method)
}

// Cacheable reports whether the response to d may be read from or written to
// the cache: read-only method and caching not disabled.
func (d Descriptor) Cacheable() bool {
	return d.EffectiveMethod() == http.MethodGet && d.Cache != CacheDisabled
}

// FullURL returns URL with Query appended.
func (d Descriptor) FullURL() string {
	if len(d.Query) == 0 {
		return d.URL
	}
	base, fragment, hasFragment := strings.Cut(d.URL, "#")
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	full := base + sep + d.Query.Encode()
	if hasFragment {
		full += "#" + fragment
	}
	return full
}

// Clone returns a copy of d whose maps can be modified independently.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Header != nil {
		out.Header = d.Header.Clone()
	}
	if d.Query != nil {
		out.Query = make(url.Values, len(d.Query))
		for k, v := range d.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	if d.Retry != nil {
		policy := *d.Retry
		policy.RetryStatuses = append([]int(nil), d.Retry.RetryStatuses...)
		out.Retry = &policy
	}
	if d.Extensions != nil {
		out.Extensions = make(map[string]any, len(d.Extensions))
		for k, v := range d.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}
