// Package client provides the request orchestrator: interceptors, preload and
// cache lookup, in-flight deduplication, admission control, batching, retry
// and cache write-through around a single-request transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/reqflow/pkg/batch"
	"github.com/Sternrassler/reqflow/pkg/cache"
	"github.com/Sternrassler/reqflow/pkg/extract"
	"github.com/Sternrassler/reqflow/pkg/interceptor"
	"github.com/Sternrassler/reqflow/pkg/network"
	"github.com/Sternrassler/reqflow/pkg/preload"
	"github.com/Sternrassler/reqflow/pkg/queue"
	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/Sternrassler/reqflow/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Transport sends one request and returns one response.
type Transport interface {
	RoundTrip(ctx context.Context, d request.Descriptor) (*request.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, d request.Descriptor) (*request.Response, error)

// RoundTrip calls f.
func (f TransportFunc) RoundTrip(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	return f(ctx, d)
}

// Cache is the response cache used by the client. Get returns
// cache.ErrCacheMiss when the key is absent or expired.
type Cache interface {
	Get(ctx context.Context, key string) (*request.Response, error)
	Set(ctx context.Context, key string, resp *request.Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Interceptors holds the request-side and response-side chains.
type Interceptors struct {
	Request  interceptor.Chain[request.Descriptor]
	Response interceptor.Chain[*request.Response]
}

// Config holds the client configuration.
type Config struct {
	// Transport performs single requests (REQUIRED).
	Transport Transport

	// Defaults are merged into every descriptor.
	Defaults request.Defaults

	// Caching. Cache overrides the in-memory store built from MaxCacheSize and CacheTTL.
	Cache        Cache
	MaxCacheSize int
	CacheTTL     time.Duration

	// Retry is the default policy for descriptors without their own.
	Retry request.RetryPolicy

	// Admission control
	EnableQueue        bool
	MaxConcurrent      int
	EnableOfflineQueue bool

	// Batching
	BatchWindow       time.Duration
	BatchMaxSize      int
	BatchEndpoint     string
	BatchField        string
	BatchResponsePath string
	BatchExtractor    batch.Extractor

	// Preload
	PreloadTTL           time.Duration
	PreloadSweepInterval time.Duration

	// Network reports connectivity. Nil means always online.
	Network network.Provider

	// Logger defaults to the global logger with a component field.
	Logger *zerolog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultConfig returns the default configuration around transport.
func DefaultConfig(transport Transport) Config {
	return Config{
		Transport:            transport,
		MaxCacheSize:         cache.DefaultCapacity,
		CacheTTL:             cache.DefaultTTL,
		Retry:                retry.DefaultPolicy(),
		EnableQueue:          true,
		MaxConcurrent:        queue.DefaultMaxConcurrent,
		EnableOfflineQueue:   true,
		BatchWindow:          batch.DefaultWindow,
		BatchMaxSize:         batch.DefaultMaxSize,
		BatchEndpoint:        batch.DefaultEndpoint,
		BatchField:           batch.DefaultFieldName,
		PreloadTTL:           preload.DefaultTTL,
		PreloadSweepInterval: preload.DefaultSweepInterval,
	}
}

// Status is a point-in-time view of the client.
type Status struct {
	Queue        queue.Snapshot `json:"queue"`
	BatchPending int            `json:"batchPending"`
	Preload      PreloadStatus  `json:"preload"`
}

// PreloadStatus describes unclaimed preloaded responses.
type PreloadStatus struct {
	Count int      `json:"count"`
	Keys  []string `json:"keys"`
}

// Client is the request orchestrator.
type Client struct {
	Interceptors Interceptors

	transport Transport
	cache     Cache
	preload   *preload.Store
	queue     *queue.Controller
	batcher   *batch.Coalescer
	extractor *extract.Environment

	flight     singleflight.Group
	refreshing sync.Map

	config Config
	logger zerolog.Logger

	// lifecycle orders bg.Add against Close.
	lifecycle sync.Mutex
	bg        sync.WaitGroup
	stop      context.CancelFunc
	closed    atomic.Bool
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, ErrTransportRequired
	}
	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("max_concurrent must be >= 0 (got %d)", cfg.MaxConcurrent)
	}
	if cfg.MaxCacheSize < 0 {
		return nil, fmt.Errorf("max_cache_size must be >= 0 (got %d)", cfg.MaxCacheSize)
	}
	if cfg.BatchMaxSize < 0 {
		return nil, fmt.Errorf("batch_max_size must be >= 0 (got %d)", cfg.BatchMaxSize)
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("retry max_retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	// Initialize logger
	logger := log.With().Str("component", "reqflow-client").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "reqflow-client").Logger()
	}

	extractor, err := extract.NewEnvironment()
	if err != nil {
		return nil, err
	}

	queueCfg := queue.DefaultConfig()
	queueCfg.MaxConcurrent = cfg.MaxConcurrent
	queueCfg.OfflineQueue = cfg.EnableOfflineQueue
	queueCfg.Now = cfg.Now

	if cfg.Network == nil {
		cfg.Network = network.Always{}
	}

	store := cfg.Cache
	if store == nil {
		store = cache.NewStore(cache.Config{
			Capacity:   cfg.MaxCacheSize,
			DefaultTTL: cfg.CacheTTL,
			Now:        cfg.Now,
		}, logger.With().Str("component", "cache").Logger())
	}

	endpoint := cfg.BatchEndpoint
	if endpoint == "" {
		endpoint = batch.DefaultEndpoint
	}
	batcher, err := batch.New(batch.Config{
		MaxSize:      cfg.BatchMaxSize,
		Window:       cfg.BatchWindow,
		Endpoint:     cfg.Defaults.Apply(request.Descriptor{URL: endpoint}).URL,
		FieldName:    cfg.BatchField,
		Header:       cfg.Defaults.Header,
		ResponsePath: cfg.BatchResponsePath,
		Extractor:    cfg.BatchExtractor,
		Expressions:  extractor,
	}, logger.With().Str("component", "batch").Logger())
	if err != nil {
		return nil, err
	}

	c := &Client{
		transport: cfg.Transport,
		cache:     store,
		preload: preload.NewStore(preload.Config{
			DefaultTTL:    cfg.PreloadTTL,
			SweepInterval: cfg.PreloadSweepInterval,
			Now:           cfg.Now,
		}, logger.With().Str("component", "preload").Logger()),
		queue:     queue.New(queueCfg, logger.With().Str("component", "queue").Logger()),
		batcher:   batcher,
		extractor: extractor,
		config:    cfg,
		logger:    logger,
	}

	ctx, stop := context.WithCancel(context.Background())
	c.stop = stop
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.preload.Run(ctx)
	}()
	c.queue.Watch(ctx, cfg.Network)

	return c, nil
}

// Dispatch runs d through the full pipeline. Failures are always returned as
// *request.Error.
func (c *Client) Dispatch(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	start := time.Now()
	d = c.config.Defaults.Apply(d)

	if c.closed.Load() {
		return nil, closedError(d)
	}

	var resp *request.Response
	d, err := c.Interceptors.Request.Run(ctx, d, nil)
	if err == nil {
		resp, err = c.send(ctx, d)
		resp, err = c.Interceptors.Response.Run(ctx, resp, err)
	}
	if err == nil && resp == nil {
		err = &request.Error{Message: "pipeline produced no response", Kind: request.KindUnknown, Request: d, Err: ErrNoResponse}
	}

	dispatchDuration.WithLabelValues(d.EffectiveMethod()).Observe(time.Since(start).Seconds())
	if err != nil {
		reqErr := toError(err, d)
		dispatchTotal.WithLabelValues(string(reqErr.Kind)).Inc()
		return nil, reqErr
	}
	dispatchTotal.WithLabelValues("success").Inc()
	return resp, nil
}

// send resolves d from the preload store, the cache or the transport.
func (c *Client) send(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	if d.PreloadKey != "" {
		if resp, ok := c.preload.Consume(d.PreloadKey); ok {
			c.logger.Debug().Str("key", d.PreloadKey).Msg("Serving preloaded response")
			return resp, nil
		}
	}

	if !d.Cacheable() {
		return c.perform(ctx, d)
	}

	key := cache.Fingerprint(d)
	cached, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		cacheLookups.WithLabelValues("hit").Inc()
		c.logger.Debug().Str("key", key).Str("mode", d.Cache.String()).Msg("Cache hit")
		if d.Cache == request.CacheDefault {
			c.refresh(ctx, d, key)
		}
		return cached, nil
	case errors.Is(err, cache.ErrCacheMiss):
		cacheLookups.WithLabelValues("miss").Inc()
	default:
		cacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache get error")
	}

	if d.Cache == request.CacheOnlyIfCached {
		e := request.NewError(request.KindClient, d, "no cached response")
		e.Err = cache.ErrCacheMiss
		return nil, e
	}

	return c.fetchShared(ctx, d, key)
}

// fetchShared collapses identical concurrent cacheable requests into one
// transport call. Followers receive a clone marked FromCache. The shared call
// is detached from every caller's cancellation; each caller stops waiting
// when its own ctx is done.
func (c *Client) fetchShared(ctx context.Context, d request.Descriptor, key string) (*request.Response, error) {
	leader := false
	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		leader = true
		resp, err := c.fetch(shared, d)
		if err != nil {
			return nil, err
		}
		c.store(shared, d, key, resp)
		return resp, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, request.Classify(ctx.Err(), d)
	}

	if res.Err != nil {
		if !leader {
			return nil, toError(res.Err, d)
		}
		return nil, res.Err
	}

	resp := res.Val.(*request.Response)
	if leader {
		return resp, nil
	}
	dedupedTotal.Inc()
	out := resp.Clone()
	out.FromCache = true
	out.Request = d
	return out, nil
}

// fetch performs d and applies its extraction rule.
func (c *Client) fetch(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	resp, err := c.perform(ctx, d)
	if err != nil {
		return nil, err
	}
	if d.Extract != "" {
		data, err := c.extractor.Evaluate(d.Extract, resp)
		if err != nil {
			e := request.NewError(request.KindUnknown, d, "extract response field")
			e.Err = err
			return nil, e
		}
		resp.Data = data
	}
	return resp, nil
}

// invoke calls the transport once.
func (c *Client) invoke(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	resp, err := c.config.Transport.RoundTrip(ctx, d)
	if err != nil {
		return nil, request.Classify(err, d)
	}
	if resp == nil {
		return nil, &request.Error{Message: "transport returned no response", Kind: request.KindUnknown, Request: d, Err: ErrNoResponse}
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = c.config.Now()
	}
	return resp, nil
}

func (c *Client) store(ctx context.Context, d request.Descriptor, key string, resp *request.Response) {
	if err := c.cache.Set(ctx, key, resp, d.CacheTTL); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
		return
	}
	c.logger.Debug().Str("key", key).Dur("ttl", d.CacheTTL).Msg("Cached response")
}

// refresh revalidates key in the background with caching disabled, admission
// control bypassed and the lowest priority. A failed refresh leaves the cache
// untouched.
func (c *Client) refresh(ctx context.Context, d request.Descriptor, key string) {
	if _, busy := c.refreshing.LoadOrStore(key, struct{}{}); busy {
		return
	}
	if !c.track() {
		c.refreshing.Delete(key)
		return
	}

	rd := d.Clone()
	rd.Cache = request.CacheDisabled
	rd.IgnoreQueue = true
	rd.Priority = request.LowestPriority
	rd.PreloadKey = ""

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer c.bg.Done()
		defer c.refreshing.Delete(key)

		resp, err := c.fetch(ctx, rd)
		if err != nil {
			refreshesTotal.WithLabelValues("failed").Inc()
			c.logger.Warn().Err(err).Str("key", key).Msg("Background refresh failed")
			return
		}
		resp.Request = d
		c.store(ctx, d, key, resp)
		refreshesTotal.WithLabelValues("stored").Inc()
	}()
}

// Get dispatches a GET request.
func (c *Client) Get(ctx context.Context, target string, opts ...request.Option) (*request.Response, error) {
	return c.Dispatch(ctx, request.New(http.MethodGet, target, opts...))
}

// Post dispatches a POST request with body.
func (c *Client) Post(ctx context.Context, target string, body any, opts ...request.Option) (*request.Response, error) {
	return c.Dispatch(ctx, request.New(http.MethodPost, target, append([]request.Option{request.WithBody(body)}, opts...)...))
}

// Put dispatches a PUT request with body.
func (c *Client) Put(ctx context.Context, target string, body any, opts ...request.Option) (*request.Response, error) {
	return c.Dispatch(ctx, request.New(http.MethodPut, target, append([]request.Option{request.WithBody(body)}, opts...)...))
}

// Patch dispatches a PATCH request with body.
func (c *Client) Patch(ctx context.Context, target string, body any, opts ...request.Option) (*request.Response, error) {
	return c.Dispatch(ctx, request.New(http.MethodPatch, target, append([]request.Option{request.WithBody(body)}, opts...)...))
}

// Delete dispatches a DELETE request.
func (c *Client) Delete(ctx context.Context, target string, opts ...request.Option) (*request.Response, error) {
	return c.Dispatch(ctx, request.New(http.MethodDelete, target, opts...))
}

// Head dispatches a HEAD request.
func (c *Client) Head(ctx context.Context, target string, opts ...request.Option) (*request.Response, error) {
	return c.Dispatch(ctx, request.New(http.MethodHead, target, opts...))
}

// Options dispatches an OPTIONS request.
func (c *Client) Options(ctx context.Context, target string, opts ...request.Option) (*request.Response, error) {
	return c.Dispatch(ctx, request.New(http.MethodOptions, target, opts...))
}

// All dispatches every descriptor concurrently and returns the responses in
// input order, or the first error.
func (c *Client) All(ctx context.Context, ds ...request.Descriptor) ([]*request.Response, error) {
	out := make([]*request.Response, len(ds))
	var g errgroup.Group
	for i, d := range ds {
		g.Go(func() error {
			resp, err := c.Dispatch(ctx, d)
			if err != nil {
				return err
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Preload fetches d in the background and keeps the response under
// d.PreloadKey until a Dispatch with the same key consumes it. Failures are
// logged and dropped. The returned channel closes when the fetch finishes.
func (c *Client) Preload(ctx context.Context, d request.Descriptor) (<-chan struct{}, error) {
	d = c.config.Defaults.Apply(d)
	if d.PreloadKey == "" {
		return nil, ErrPreloadKeyRequired
	}

	d, err := c.Interceptors.Request.Run(ctx, d, nil)
	if err != nil {
		return nil, toError(err, d)
	}
	if !c.track() {
		return nil, closedError(d)
	}

	key, ttl := d.PreloadKey, d.PreloadTTL
	fetchD := d.Clone()
	fetchD.PreloadKey = ""

	done := c.preload.Preload(context.WithoutCancel(ctx), key, ttl, func(ctx context.Context) (*request.Response, error) {
		return c.send(ctx, fetchD)
	})
	go func() {
		<-done
		c.bg.Done()
	}()
	return done, nil
}

// HasPreload reports whether an unexpired preloaded response is waiting
// under key.
func (c *Client) HasPreload(key string) bool {
	return c.preload.Has(key)
}

// Cancel withdraws every queued or delayed request matching pred. Requests
// already in flight are unaffected. It returns the number withdrawn.
func (c *Client) Cancel(pred func(request.Descriptor) bool) int {
	return c.queue.Cancel(func(t *queue.Task) bool { return pred(t.Request) })
}

// ClearCache drops every cached response.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// Status returns queue, batch and preload occupancy.
func (c *Client) Status() Status {
	return Status{
		Queue:        c.queue.Snapshot(),
		BatchPending: c.batcher.Pending(),
		Preload: PreloadStatus{
			Count: c.preload.Len(),
			Keys:  c.preload.Keys(),
		},
	}
}

// SetOnline overrides connectivity for clients without a Network provider.
func (c *Client) SetOnline(online bool) {
	c.queue.SetOnline(online)
}

// Close flushes open batch groups, stops background work and waits for
// pending refreshes and preloads.
func (c *Client) Close() error {
	c.lifecycle.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.lifecycle.Unlock()
		return nil
	}
	c.lifecycle.Unlock()

	c.batcher.Flush()
	c.stop()
	c.bg.Wait()
	c.logger.Info().Msg("Client closed")
	return nil
}

// track registers one background task unless the client is closed. The
// caller must call c.bg.Done when the task ends.
func (c *Client) track() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.closed.Load() {
		return false
	}
	c.bg.Add(1)
	return true
}
