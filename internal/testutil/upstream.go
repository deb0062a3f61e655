// Package testutil provides a configurable upstream server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// BatchPath is where the mock serves compound requests.
const BatchPath = "/batch"

// MockUpstream is a configurable mock HTTP upstream. Requests to BatchPath are
// unpacked and each sub-request is answered by the handler for its path.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	requestCount  int
	pathCounts    map[string]int
	batchCalls    int
	lastBatchBody []byte
	lastHeader    http.Header
}

// NewMockUpstream starts a mock upstream.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastHeader = r.Header.Clone()
		mock.mu.Unlock()

		if r.URL.Path == BatchPath && r.Method == http.MethodPost {
			mock.batchHandler(w, r)
			return
		}
		mock.handlerFor(r.URL.Path)(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.batchCalls = 0
	m.lastBatchBody = nil
	m.lastHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, resp.write)
}

// SetSequence answers successive requests to path with resps in order,
// repeating the last one once the sequence is used up.
func (m *MockUpstream) SetSequence(path string, resps ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[min(next, len(resps)-1)]
		next++
		mu.Unlock()
		resp.write(w, r)
	})
}

// RequestCount returns the number of requests the server received, compound
// calls counted once.
func (m *MockUpstream) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of direct requests to path.
func (m *MockUpstream) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// BatchCalls returns the number of compound calls received.
func (m *MockUpstream) BatchCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batchCalls
}

// LastBatchBody returns the raw body of the latest compound call.
func (m *MockUpstream) LastBatchBody() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastBatchBody
}

// LastHeader returns the headers of the latest request.
func (m *MockUpstream) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

func (m *MockUpstream) handlerFor(path string) http.HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.handlers[path]; ok {
		return h
	}
	return defaultHandler
}

type subRequest struct {
	URL     string              `json:"url"`
	Method  string              `json:"method"`
	Data    json.RawMessage     `json:"data"`
	Params  map[string][]string `json:"params"`
	Headers map[string][]string `json:"headers"`
}

type subResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
}

// batchHandler answers {"requests": [...]} with an array of sub-responses.
func (m *MockUpstream) batchHandler(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.batchCalls++
	m.lastBatchBody = raw
	m.mu.Unlock()

	var payload struct {
		Requests []subRequest `json:"requests"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out := make([]subResponse, 0, len(payload.Requests))
	for _, sub := range payload.Requests {
		target, err := url.Parse(sub.URL)
		if err != nil {
			out = append(out, subResponse{Status: http.StatusBadRequest, StatusText: err.Error()})
			continue
		}
		q := target.Query()
		for k, vs := range sub.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()

		var body io.Reader
		if len(sub.Data) > 0 {
			body = strings.NewReader(string(sub.Data))
		}
		req := httptest.NewRequest(sub.Method, target.RequestURI(), body)
		for k, vs := range sub.Headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		rec := httptest.NewRecorder()
		m.handlerFor(target.Path)(rec, req)

		resp := subResponse{
			Status:     rec.Code,
			StatusText: http.StatusText(rec.Code),
			Headers:    map[string]string{},
		}
		for k := range rec.Header() {
			resp.Headers[k] = rec.Header().Get(k)
		}
		if b := rec.Body.Bytes(); len(b) > 0 && json.Valid(b) {
			resp.Data = b
		}
		out = append(out, resp)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (resp MockResponse) write(w http.ResponseWriter, _ *http.Request) {
	// Add delay if specified
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// defaultHandler echoes the method and path as JSON.
func defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"method":%q,"path":%q}`, r.Method, r.URL.Path)
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8", "Retry-After": "1"},
	}
}
