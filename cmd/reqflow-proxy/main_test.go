package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Sternrassler/reqflow/internal/testutil"
	"github.com/Sternrassler/reqflow/pkg/client"
	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/Sternrassler/reqflow/pkg/transport"
	"github.com/gavv/httpexpect/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type proxyFixture struct {
	expect   *httpexpect.Expect
	upstream *testutil.MockUpstream
	client   *client.Client
}

func newProxy(t *testing.T, mutate ...func(*client.Config)) proxyFixture {
	t.Helper()
	upstream := testutil.NewMockUpstream()
	t.Cleanup(upstream.Close)

	cfg := client.DefaultConfig(transport.New(transport.DefaultConfig(), zerolog.Nop()))
	cfg.Defaults = request.Defaults{BaseURL: upstream.URL()}
	cfg.Retry = request.RetryPolicy{MaxRetries: 1, Delay: time.Millisecond}
	nop := zerolog.Nop()
	cfg.Logger = &nop
	for _, m := range mutate {
		m(&cfg)
	}
	cl, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	server := httptest.NewServer(newMux(cl, zerolog.Nop()))
	t.Cleanup(server.Close)

	return proxyFixture{
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  server.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   server.Client(),
		}),
		upstream: upstream,
		client:   cl,
	}
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestProxy_ForwardsAndCaches(t *testing.T) {
	p := newProxy(t)
	p.upstream.SetResponse("/items/1", testutil.NewJSONResponse(`{"id":1}`))

	first := p.expect.GET("/proxy/items/1").Expect()
	first.Status(http.StatusOK)
	first.Header(headerCacheHit).IsEqual("false")
	first.Header("Content-Type").IsEqual("application/json; charset=utf-8")
	first.JSON().Object().Value("id").Number().IsEqual(1)

	second := p.expect.GET("/proxy/items/1").
		WithHeader(headerCache, "force").
		Expect()
	second.Status(http.StatusOK)
	second.Header(headerCacheHit).IsEqual("true")

	require.Equal(t, 1, p.upstream.PathCount("/items/1"))
}

func TestProxy_CacheDisabledHeader(t *testing.T) {
	p := newProxy(t)

	for i := 0; i < 2; i++ {
		p.expect.GET("/proxy/echo").
			WithHeader(headerCache, "disabled").
			Expect().
			Status(http.StatusOK).
			Header(headerCacheHit).IsEqual("false")
	}
	require.Equal(t, 2, p.upstream.PathCount("/echo"))
}

func TestProxy_ForwardsQueryAndBody(t *testing.T) {
	p := newProxy(t)
	p.upstream.SetHandler("/submit", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"page":"` + r.URL.Query().Get("page") + `","body":` + string(body) + `}`))
	})

	resp := p.expect.POST("/proxy/submit").
		WithQuery("page", "2").
		WithHeader("Content-Type", "application/json").
		WithBytes([]byte(`{"name":"x"}`)).
		Expect()

	resp.Status(http.StatusCreated)
	obj := resp.JSON().Object()
	obj.Value("page").String().IsEqual("2")
	obj.Value("body").Object().Value("name").String().IsEqual("x")
	require.Equal(t, "application/json", p.upstream.LastHeader().Get("Content-Type"))
}

func TestProxy_RequestID(t *testing.T) {
	p := newProxy(t)

	p.expect.GET("/proxy/echo").
		WithHeader(headerRequestID, "abc-123").
		Expect().
		Header(headerRequestID).IsEqual("abc-123")

	p.expect.GET("/proxy/echo").
		Expect().
		Header(headerRequestID).NotEmpty()
}

func TestProxy_InvalidControlHeaders(t *testing.T) {
	p := newProxy(t)

	p.expect.GET("/proxy/echo").
		WithHeader(headerCache, "sometimes").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("kind").String().IsEqual("client")

	p.expect.GET("/proxy/echo").
		WithHeader(headerPriority, "high").
		Expect().
		Status(http.StatusBadRequest)

	require.Zero(t, p.upstream.RequestCount())
}

func TestProxy_UpstreamErrorMapsToBadGateway(t *testing.T) {
	p := newProxy(t)
	p.upstream.SetResponse("/missing", testutil.NewNotFoundResponse())

	obj := p.expect.GET("/proxy/missing").
		Expect().
		Status(http.StatusBadGateway).
		JSON().Object()
	obj.Value("kind").String().IsEqual("client")
	obj.Value("status").Number().IsEqual(404)
}

func TestProxy_RetriesServerErrors(t *testing.T) {
	p := newProxy(t)
	p.upstream.SetSequence("/flaky",
		testutil.NewServerErrorResponse(),
		testutil.NewJSONResponse(`{"ok":true}`),
	)

	p.expect.GET("/proxy/flaky").
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("ok").Boolean().IsTrue()
	require.Equal(t, 2, p.upstream.PathCount("/flaky"))
}

func TestProxy_OfflineMapsToServiceUnavailable(t *testing.T) {
	p := newProxy(t, func(cfg *client.Config) { cfg.EnableOfflineQueue = false })
	p.client.SetOnline(false)

	p.expect.POST("/proxy/echo").
		Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().Value("kind").String().IsEqual("offline")
}

func TestProxy_TimeoutMapsToGatewayTimeout(t *testing.T) {
	p := newProxy(t, func(cfg *client.Config) {
		cfg.Transport = transport.New(transport.Config{Timeout: 20 * time.Millisecond}, zerolog.Nop())
		cfg.Retry = request.RetryPolicy{}
	})
	p.upstream.SetResponse("/slow", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{}`, Delay: 200 * time.Millisecond})

	p.expect.GET("/proxy/slow").
		Expect().
		Status(http.StatusGatewayTimeout).
		JSON().Object().Value("kind").String().IsEqual("timeout")
}

func TestProxy_GroupHeaderBatches(t *testing.T) {
	p := newProxy(t, func(cfg *client.Config) {
		cfg.BatchWindow = 100 * time.Millisecond
		cfg.BatchEndpoint = testutil.BatchPath
	})
	p.upstream.SetResponse("/a", testutil.NewJSONResponse(`"a"`))
	p.upstream.SetResponse("/b", testutil.NewJSONResponse(`"b"`))

	done := make(chan string, 2)
	for _, path := range []string{"/a", "/b"} {
		go func(path string) {
			body := p.expect.GET("/proxy"+path).
				WithHeader(headerGroup, "pair").
				Expect().
				Status(http.StatusOK).
				Body().Raw()
			done <- body
		}(path)
	}
	got := map[string]bool{<-done: true, <-done: true}

	require.True(t, got[`"a"`] && got[`"b"`], "bodies: %v", got)
	require.Equal(t, 1, p.upstream.BatchCalls())
}

func TestStatusEndpoint(t *testing.T) {
	p := newProxy(t)

	obj := p.expect.GET("/status").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("queue").Object().Value("online").Boolean().IsTrue()
	obj.Value("preload").Object().Value("count").Number().IsEqual(0)
}

func TestMetricsEndpoint(t *testing.T) {
	p := newProxy(t)
	p.expect.GET("/proxy/echo").Expect().Status(http.StatusOK)

	p.expect.GET("/metrics").
		Expect().
		Status(http.StatusOK).
		Body().Contains("reqflow_dispatch_total")
}
