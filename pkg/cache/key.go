package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Sternrassler/reqflow/pkg/request"
)

// Key represents the request shape a cached response is addressed by.
type Key struct {
	// Method is the upper-cased HTTP method
	Method string

	// URL is the target without query string
	URL string

	// Query are the query parameters (sorted when rendered)
	Query url.Values

	// Body is the request payload
	Body any
}

// Fingerprint derives the cache key for d. An explicit CacheKey wins.
func Fingerprint(d request.Descriptor) string {
	if d.CacheKey != "" {
		return d.CacheKey
	}
	return Key{
		Method: d.EffectiveMethod(),
		URL:    d.URL,
		Query:  d.Query,
		Body:   d.Body,
	}.String()
}

// String generates a deterministic cache key string.
// Format: reqflow:METHOD:url:q1=v1&q2=v2:body=<sha256>
//
// Example:
//
//	reqflow:GET:https://api.example.com/items:page=1&sort=asc
func (k Key) String() string {
	parts := []string{"reqflow", strings.ToUpper(k.Method), k.URL}

	// Add query params (sorted for determinism)
	if len(k.Query) > 0 {
		keys := make([]string, 0, len(k.Query))
		for key := range k.Query {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			values := append([]string(nil), k.Query[key]...)
			sort.Strings(values)
			for _, v := range values {
				pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(v))
			}
		}
		parts = append(parts, strings.Join(pairs, "&"))
	}

	if body := canonicalBody(k.Body); body != "" {
		sum := sha256.Sum256([]byte(body))
		parts = append(parts, "body="+hex.EncodeToString(sum[:8]))
	}

	return strings.Join(parts, ":")
}

// canonicalBody renders a payload so that equal payloads render equally.
// encoding/json sorts map keys, which covers the sorted-body requirement.
func canonicalBody(body any) string {
	switch b := body.(type) {
	case nil:
		return ""
	case string:
		return b
	case []byte:
		return string(b)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%v", body)
	}
	return string(data)
}
