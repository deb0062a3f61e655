package request

import (
	"net/http"
	"regexp"
	"strings"
	"time"
)

var absoluteURL = regexp.MustCompile(`(?i)^([a-z][a-z\d+\-.]*:)?//`)

// Defaults holds instance-level values merged into every descriptor before
// it enters the orchestrator.
//
// Zero-valued descriptor fields inherit the default. CacheDefault is the zero
// CacheMode, so a descriptor cannot opt back into CacheDefault when Cache is
// set here; leave Cache unset and select the other modes per request instead.
type Defaults struct {
	BaseURL  string
	Method   string
	Header   http.Header
	Cache    CacheMode
	CacheTTL time.Duration
}

// Apply merges the defaults into d and returns the normalized copy. Values
// set on d win. Apply has no side effects on d.
func (df Defaults) Apply(d Descriptor) Descriptor {
	out := d.Clone()

	if out.Method == "" {
		out.Method = df.Method
	}
	out.Method = out.EffectiveMethod()

	if df.BaseURL != "" && !absoluteURL.MatchString(out.URL) {
		out.URL = joinURL(df.BaseURL, out.URL)
	}

	if len(df.Header) > 0 {
		merged := df.Header.Clone()
		for k, v := range out.Header {
			merged[k] = append([]string(nil), v...)
		}
		out.Header = merged
	}

	if out.Cache == CacheDefault {
		out.Cache = df.Cache
	}
	if out.CacheTTL == 0 {
		out.CacheTTL = df.CacheTTL
	}
	return out
}

func joinURL(base, rel string) string {
	if rel == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}
