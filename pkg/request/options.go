package request

import (
	"net/http"
	"net/url"
	"time"
)

// Option mutates a Descriptor under construction.
type Option func(*Descriptor)

// New builds a Descriptor for method and target.
func New(method, target string, opts ...Option) Descriptor {
	d := Descriptor{Method: method, URL: target}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithBody sets the request payload.
func WithBody(body any) Option {
	return func(d *Descriptor) { d.Body = body }
}

// WithHeader sets a request header.
func WithHeader(key, value string) Option {
	return func(d *Descriptor) {
		if d.Header == nil {
			d.Header = http.Header{}
		}
		d.Header.Set(key, value)
	}
}

// WithQuery adds a query parameter.
func WithQuery(key, value string) Option {
	return func(d *Descriptor) {
		if d.Query == nil {
			d.Query = url.Values{}
		}
		d.Query.Add(key, value)
	}
}

// WithCache sets the cache mode.
func WithCache(mode CacheMode) Option {
	return func(d *Descriptor) { d.Cache = mode }
}

// WithCacheTTL overrides the cache lifetime for this request.
func WithCacheTTL(ttl time.Duration) Option {
	return func(d *Descriptor) { d.CacheTTL = ttl }
}

// WithCacheKey overrides the derived cache fingerprint.
func WithCacheKey(key string) Option {
	return func(d *Descriptor) { d.CacheKey = key }
}

// WithRetry sets a per-request retry policy.
func WithRetry(policy RetryPolicy) Option {
	return func(d *Descriptor) { d.Retry = &policy }
}

// WithPriority sets the queue priority; higher runs sooner.
func WithPriority(priority int) Option {
	return func(d *Descriptor) { d.Priority = priority }
}

// WithGroup routes the request through the batch coalescer under key.
func WithGroup(key string) Option {
	return func(d *Descriptor) { d.GroupKey = key }
}

// IgnoreQueue bypasses admission control.
func IgnoreQueue() Option {
	return func(d *Descriptor) { d.IgnoreQueue = true }
}

// WithPreloadKey names the preload entry this request stores or claims.
func WithPreloadKey(key string, ttl time.Duration) Option {
	return func(d *Descriptor) {
		d.PreloadKey = key
		d.PreloadTTL = ttl
	}
}

// WithExtract sets the field-extraction rule.
func WithExtract(expr string) Option {
	return func(d *Descriptor) { d.Extract = expr }
}

// WithExtension stores a caller-defined value on the descriptor.
func WithExtension(key string, value any) Option {
	return func(d *Descriptor) {
		if d.Extensions == nil {
			d.Extensions = map[string]any{}
		}
		d.Extensions[key] = value
	}
}
