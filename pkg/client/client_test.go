package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/reqflow/internal/testutil"
	"github.com/Sternrassler/reqflow/pkg/cache"
	"github.com/Sternrassler/reqflow/pkg/network"
	"github.com/Sternrassler/reqflow/pkg/queue"
	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/Sternrassler/reqflow/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport answers through handler and records every call.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []request.Descriptor
	handler func(n int, d request.Descriptor) (*request.Response, error)
}

func (f *fakeTransport) RoundTrip(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, d)
	n := len(f.calls)
	f.mu.Unlock()
	if f.handler == nil {
		return okBody(d, fmt.Sprintf(`{"call":%d}`, n)), nil
	}
	return f.handler(n, d)
}

func (f *fakeTransport) Call(i int) request.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okBody(d request.Descriptor, body string) *request.Response {
	return &request.Response{Status: http.StatusOK, StatusText: "OK", Body: []byte(body), Request: d}
}

func newTestClient(t *testing.T, tr Transport, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig(tr)
	cfg.Retry = request.RetryPolicy{MaxRetries: 3, Delay: time.Millisecond}
	cfg.Defaults.BaseURL = "https://api.test"
	nop := zerolog.Nop()
	cfg.Logger = &nop
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func requireKind(t *testing.T, err error, kind request.Kind) *request.Error {
	t.Helper()
	var reqErr *request.Error
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, kind, reqErr.Kind, "error: %v", err)
	return reqErr
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrTransportRequired)

	cfg := DefaultConfig(&fakeTransport{})
	cfg.MaxConcurrent = -1
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig(&fakeTransport{})
	cfg.BatchResponsePath = "body."
	_, err = New(cfg)
	assert.Error(t, err, "invalid batch response path")
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		if n <= 2 {
			return nil, &request.Error{Kind: request.KindNetwork, Message: "connection reset", Request: d}
		}
		return okBody(d, `{"ok":true}`), nil
	}}
	c := newTestClient(t, tr)

	resp, err := c.Get(context.Background(), "/flaky", request.WithCache(request.CacheDisabled))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.RetryCount)
	assert.Equal(t, 3, tr.Calls())
}

func TestDispatch_ClientErrorNotRetried(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		return nil, request.StatusError(d, http.StatusNotFound, "Not Found")
	}}
	c := newTestClient(t, tr)

	_, err := c.Get(context.Background(), "/missing")
	reqErr := requireKind(t, err, request.KindClient)
	assert.Equal(t, 0, reqErr.RetryCount)
	assert.Equal(t, 404, reqErr.Status)
	assert.Equal(t, 1, tr.Calls())
}

func TestDispatch_RetryExhausted(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		return nil, request.StatusError(d, http.StatusServiceUnavailable, "Service Unavailable")
	}}
	c := newTestClient(t, tr)

	_, err := c.Get(context.Background(), "/down", request.WithRetry(request.RetryPolicy{MaxRetries: 2, Delay: time.Millisecond, Incremental: true}))
	reqErr := requireKind(t, err, request.KindServer)
	assert.Equal(t, 2, reqErr.RetryCount)
	assert.Equal(t, 3, tr.Calls())
	assert.Equal(t, "https://api.test/down", reqErr.Request.URL)
}

func TestDispatch_RetryableStatus(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		if n == 1 {
			return nil, request.StatusError(d, http.StatusTooManyRequests, "Too Many Requests")
		}
		return okBody(d, `{}`), nil
	}}
	c := newTestClient(t, tr)

	resp, err := c.Get(context.Background(), "/limited", request.WithRetry(request.RetryPolicy{
		MaxRetries: 1, Delay: time.Millisecond, RetryStatuses: []int{429},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.RetryCount)
}

func TestDispatch_ForceCacheSingleTransportCall(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)
	ctx := context.Background()

	first, err := c.Get(ctx, "/items", request.WithCache(request.CacheForce))
	require.NoError(t, err)
	second, err := c.Get(ctx, "/items", request.WithCache(request.CacheForce))
	require.NoError(t, err)

	assert.Equal(t, 1, tr.Calls())
	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)
	assert.Equal(t, string(first.Body), string(second.Body))
}

func TestDispatch_DefaultModeRefreshesInBackground(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)
	ctx := context.Background()

	_, err := c.Get(ctx, "/items")
	require.NoError(t, err)

	hit, err := c.Get(ctx, "/items")
	require.NoError(t, err)
	assert.True(t, hit.FromCache)
	assert.JSONEq(t, `{"call":1}`, string(hit.Body))

	require.Eventually(t, func() bool {
		resp, err := c.Get(ctx, "/items", request.WithCache(request.CacheForce))
		return err == nil && string(resp.Body) == `{"call":2}`
	}, time.Second, 5*time.Millisecond)

	refreshed := tr.Call(1)
	assert.Equal(t, request.CacheDisabled, refreshed.Cache)
	assert.True(t, refreshed.IgnoreQueue)
	assert.Equal(t, request.LowestPriority, refreshed.Priority)
}

func TestDispatch_RefreshFailureKeepsEntry(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		if n == 1 {
			return okBody(d, `"original"`), nil
		}
		return nil, request.StatusError(d, http.StatusBadRequest, "Bad Request")
	}}
	c := newTestClient(t, tr)
	ctx := context.Background()

	_, err := c.Get(ctx, "/items")
	require.NoError(t, err)
	_, err = c.Get(ctx, "/items")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.Calls() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	resp, err := c.cache.Get(ctx, cache.Fingerprint(c.config.Defaults.Apply(request.New(http.MethodGet, "/items"))))
	require.NoError(t, err)
	assert.Equal(t, `"original"`, string(resp.Body))
}

func TestDispatch_OnlyIfCachedMiss(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	_, err := c.Get(context.Background(), "/absent", request.WithCache(request.CacheOnlyIfCached))
	requireKind(t, err, request.KindClient)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
	assert.Zero(t, tr.Calls())
}

func TestDispatch_NonGETNotCached(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := c.Post(ctx, "/items", map[string]string{"name": "x"})
		require.NoError(t, err)
		assert.False(t, resp.FromCache)
	}
	assert.Equal(t, 2, tr.Calls())
}

func TestDispatch_DeduplicatesInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		started <- struct{}{}
		<-release
		return okBody(d, `"shared"`), nil
	}}
	c := newTestClient(t, tr)

	results := make(chan *request.Response, 2)
	go func() {
		resp, err := c.Get(context.Background(), "/slow", request.WithCache(request.CacheForce))
		assert.NoError(t, err)
		results <- resp
	}()
	<-started

	go func() {
		resp, err := c.Get(context.Background(), "/slow", request.WithCache(request.CacheForce))
		assert.NoError(t, err)
		results <- resp
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	assert.Equal(t, 1, tr.Calls())
	assert.Equal(t, `"shared"`, string(a.Body))
	assert.Equal(t, `"shared"`, string(b.Body))
	assert.True(t, a.FromCache != b.FromCache, "exactly one response is shared")
}

func TestDispatch_Interceptors(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)
	ctx := context.Background()

	authID := c.Interceptors.Request.Use(func(ctx context.Context, d request.Descriptor) (request.Descriptor, error) {
		if d.Header == nil {
			d.Header = http.Header{}
		}
		d.Header.Set("Authorization", "Bearer token")
		return d, nil
	}, nil)
	c.Interceptors.Response.Use(func(ctx context.Context, resp *request.Response) (*request.Response, error) {
		resp.Data = "seen"
		return resp, nil
	}, nil)

	resp, err := c.Get(ctx, "/me", request.WithCache(request.CacheDisabled))
	require.NoError(t, err)
	assert.Equal(t, "seen", resp.Data)
	assert.Equal(t, "Bearer token", tr.Call(0).Header.Get("Authorization"))

	c.Interceptors.Request.Eject(authID)
	_, err = c.Get(ctx, "/me", request.WithCache(request.CacheDisabled))
	require.NoError(t, err)
	assert.Empty(t, tr.Call(1).Header.Get("Authorization"))
}

func TestDispatch_RequestInterceptorFailure(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)
	denied := errors.New("denied")

	c.Interceptors.Request.Use(func(ctx context.Context, d request.Descriptor) (request.Descriptor, error) {
		return d, denied
	}, nil)

	_, err := c.Get(context.Background(), "/x")
	requireKind(t, err, request.KindUnknown)
	assert.ErrorIs(t, err, denied)
	assert.Zero(t, tr.Calls())
}

func TestDispatch_ResponseInterceptorRecovers(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		return nil, request.StatusError(d, http.StatusNotFound, "Not Found")
	}}
	c := newTestClient(t, tr)

	c.Interceptors.Response.Use(nil, func(ctx context.Context, err error) (*request.Response, error) {
		var reqErr *request.Error
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusNotFound {
			return &request.Response{Status: http.StatusOK, Body: []byte(`null`)}, nil
		}
		return nil, err
	})

	resp, err := c.Get(context.Background(), "/gone")
	require.NoError(t, err)
	assert.Equal(t, "null", string(resp.Body))
}

func TestDispatch_Extract(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		return okBody(d, `{"data":{"items":[{"id":"a"},{"id":"b"}]}}`), nil
	}}
	c := newTestClient(t, tr)

	resp, err := c.Get(context.Background(), "/items", request.WithExtract(`body.data.items.map(i, i.id)`))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, resp.Data)

	_, err = c.Get(context.Background(), "/other", request.WithExtract(`body.nope.field`))
	requireKind(t, err, request.KindUnknown)
}

func TestPreload_ConsumedOnce(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)
	ctx := context.Background()

	done, err := c.Preload(ctx, request.New(http.MethodGet, "/profile",
		request.WithPreloadKey("profile", time.Minute), request.WithCache(request.CacheDisabled)))
	require.NoError(t, err)
	<-done

	status := c.Status()
	assert.Equal(t, 1, status.Preload.Count)
	assert.Equal(t, []string{"profile"}, status.Preload.Keys)

	d := request.New(http.MethodGet, "/profile", request.WithPreloadKey("profile", 0), request.WithCache(request.CacheDisabled))
	resp, err := c.Dispatch(ctx, d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"call":1}`, string(resp.Body))
	assert.Equal(t, 1, tr.Calls())

	resp, err = c.Dispatch(ctx, d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"call":2}`, string(resp.Body), "second dispatch goes to the transport")
}

func TestPreload_RequiresKey(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	_, err := c.Preload(context.Background(), request.New(http.MethodGet, "/x"))
	assert.ErrorIs(t, err, ErrPreloadKeyRequired)
}

func TestPreload_FailureIsSwallowed(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		return nil, request.StatusError(d, http.StatusBadRequest, "Bad Request")
	}}
	c := newTestClient(t, tr)

	done, err := c.Preload(context.Background(), request.New(http.MethodGet, "/x", request.WithPreloadKey("k", 0)))
	require.NoError(t, err)
	<-done
	assert.Zero(t, c.Status().Preload.Count)
}

func TestCancel_PendingRequest(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		if d.URL == "https://api.test/blocker" {
			<-release
		}
		return okBody(d, `{}`), nil
	}}
	c := newTestClient(t, tr, func(cfg *Config) { cfg.MaxConcurrent = 1 })
	ctx := context.Background()

	go func() { _, _ = c.Post(ctx, "/blocker", nil) }()
	require.Eventually(t, func() bool { return tr.Calls() == 1 }, time.Second, time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Post(ctx, "/doomed", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Status().Queue.Pending == 1 }, time.Second, time.Millisecond)

	n := c.Cancel(func(d request.Descriptor) bool { return d.URL == "https://api.test/doomed" })
	assert.Equal(t, 1, n)

	err := <-errs
	requireKind(t, err, request.KindCancel)
	assert.ErrorIs(t, err, queue.ErrCancelled)

	close(release)
	assert.Equal(t, 1, tr.Calls())
}

func TestDispatch_OfflineBuffering(t *testing.T) {
	net := network.NewManual(false)
	tr := &fakeTransport{}
	c := newTestClient(t, tr, func(cfg *Config) { cfg.Network = net })

	errs := make(chan error, 1)
	go func() {
		_, err := c.Post(context.Background(), "/queued", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Status().Queue.Offline == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, tr.Calls())

	net.Set(true)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, tr.Calls())
}

func TestDispatch_OfflineRejected(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr, func(cfg *Config) { cfg.EnableOfflineQueue = false })
	c.SetOnline(false)

	_, err := c.Post(context.Background(), "/x", nil)
	requireKind(t, err, request.KindOffline)
	assert.Zero(t, tr.Calls())
}

func TestDispatch_BatchesGroupedRequests(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	for i := 1; i <= 3; i++ {
		mock.SetResponse(fmt.Sprintf("/items/%d", i), testutil.NewJSONResponse(fmt.Sprintf(`{"id":%d}`, i)))
	}

	c := newTestClient(t, transport.New(transport.DefaultConfig(), zerolog.Nop()), func(cfg *Config) {
		cfg.Defaults.BaseURL = mock.URL()
		cfg.BatchWindow = 100 * time.Millisecond
	})

	var wg sync.WaitGroup
	bodies := make([]string, 3)
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Get(context.Background(), fmt.Sprintf("/items/%d", i), request.WithGroup("G"))
			if assert.NoError(t, err) {
				bodies[i-1] = string(resp.Body)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, mock.BatchCalls())
	assert.Equal(t, 1, mock.RequestCount())
	for i, body := range bodies {
		assert.JSONEq(t, fmt.Sprintf(`{"id":%d}`, i+1), body)
	}

	var payload struct {
		Requests []struct {
			URL string `json:"url"`
		} `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(mock.LastBatchBody(), &payload))
	assert.Len(t, payload.Requests, 3)
}

func TestAll_PreservesOrder(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		return okBody(d, fmt.Sprintf("%q", d.URL)), nil
	}}
	c := newTestClient(t, tr)

	resps, err := c.All(context.Background(),
		request.New(http.MethodGet, "/a"),
		request.New(http.MethodGet, "/b"),
		request.New(http.MethodGet, "/c"),
	)
	require.NoError(t, err)
	require.Len(t, resps, 3)
	for i, want := range []string{"/a", "/b", "/c"} {
		assert.Equal(t, fmt.Sprintf("%q", "https://api.test"+want), string(resps[i].Body))
	}
}

func TestClearCache(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)
	ctx := context.Background()

	_, err := c.Get(ctx, "/x", request.WithCache(request.CacheForce))
	require.NoError(t, err)
	require.NoError(t, c.ClearCache(ctx))
	_, err = c.Get(ctx, "/x", request.WithCache(request.CacheForce))
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Calls())
}

func TestClose(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), "/x")
	requireKind(t, err, request.KindCancel)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatch_DedupLeaderCancelDoesNotFailFollowers(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	tr := &fakeTransport{handler: func(n int, d request.Descriptor) (*request.Response, error) {
		started <- struct{}{}
		<-release
		return okBody(d, `"shared"`), nil
	}}
	c := newTestClient(t, tr)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Get(leaderCtx, "/slow", request.WithCache(request.CacheForce))
		leaderErr <- err
	}()
	<-started

	type result struct {
		resp *request.Response
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		resp, err := c.Get(context.Background(), "/slow", request.WithCache(request.CacheForce))
		follower <- result{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	requireKind(t, <-leaderErr, request.KindCancel)

	close(release)
	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, `"shared"`, string(got.resp.Body))
	assert.Equal(t, 1, tr.Calls())

	cached, err := c.Get(context.Background(), "/slow", request.WithCache(request.CacheOnlyIfCached))
	require.NoError(t, err, "the shared fetch is stored even though its first caller left")
	assert.True(t, cached.FromCache)
}

func TestDispatch_ExpiredContextStopsRetries(t *testing.T) {
	tr := &hangingTransport{}
	c := newTestClient(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, "/hang",
		request.WithCache(request.CacheDisabled),
		request.WithRetry(request.RetryPolicy{MaxRetries: 3, Delay: 10 * time.Millisecond}))
	reqErr := requireKind(t, err, request.KindTimeout)
	assert.Equal(t, 0, reqErr.RetryCount)
	assert.Equal(t, int32(1), tr.calls.Load())
}

// hangingTransport blocks every call until its ctx is done.
type hangingTransport struct {
	calls atomic.Int32
}

func (h *hangingTransport) RoundTrip(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	h.calls.Add(1)
	<-ctx.Done()
	return nil, request.Classify(ctx.Err(), d)
}

func TestPreload_HasPreload(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	ctx := context.Background()

	assert.False(t, c.HasPreload("profile"))

	done, err := c.Preload(ctx, request.New(http.MethodGet, "/profile",
		request.WithPreloadKey("profile", time.Minute), request.WithCache(request.CacheDisabled)))
	require.NoError(t, err)
	<-done
	assert.True(t, c.HasPreload("profile"))

	_, err = c.Dispatch(ctx, request.New(http.MethodGet, "/profile",
		request.WithPreloadKey("profile", 0), request.WithCache(request.CacheDisabled)))
	require.NoError(t, err)
	assert.False(t, c.HasPreload("profile"), "consumed entries are gone")
}

func TestClose_ConcurrentBackgroundWork(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	ctx := context.Background()

	// Seed an entry so default-mode hits schedule background refreshes.
	_, err := c.Get(ctx, "/warm")
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				key := fmt.Sprintf("k-%d-%d", i, n)
				_, _ = c.Preload(ctx, request.New(http.MethodGet, "/p", request.WithPreloadKey(key, time.Minute)))
				_, _ = c.Get(ctx, "/warm")
			}
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())
	close(stop)
	wg.Wait()

	_, err = c.Preload(ctx, request.New(http.MethodGet, "/p", request.WithPreloadKey("late", time.Minute)))
	requireKind(t, err, request.KindCancel)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, c.HasPreload("late"))
}
