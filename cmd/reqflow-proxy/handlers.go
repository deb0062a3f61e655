package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sternrassler/reqflow/pkg/client"
	"github.com/Sternrassler/reqflow/pkg/logging"
	"github.com/Sternrassler/reqflow/pkg/metrics"
	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Control headers read from proxied requests.
const (
	headerCache     = "X-Reqflow-Cache"
	headerPriority  = "X-Reqflow-Priority"
	headerGroup     = "X-Reqflow-Group"
	headerCacheHit  = "X-Reqflow-Cache-Hit"
	headerRequestID = "X-Request-ID"

	proxyPrefix  = "/proxy"
	maxBodyBytes = 10 << 20
)

// forwardedHeaders are copied from the caller to the upstream.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Authorization", "Content-Type"}

// skippedResponseHeaders are recomputed by net/http.
var skippedResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
}

func newMux(cl *client.Client, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/status", statusHandler(cl))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc(proxyPrefix+"/", proxyHandler(cl, logger))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func statusHandler(cl *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cl.Status())
	}
}

func proxyHandler(cl *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)

		d, err := describe(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(request.KindClient)})
			return
		}
		reqLogger := logging.ForRequest(logger, requestID, d)

		resp, err := cl.Dispatch(r.Context(), d)
		if err != nil {
			status, body := mapError(err)
			reqLogger.Error().Err(err).Str("kind", body.Kind).Int("status", status).Msg("Proxy request failed")
			writeJSON(w, status, body)
			return
		}

		for key, values := range resp.Header {
			if skippedResponseHeaders[http.CanonicalHeaderKey(key)] {
				continue
			}
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.Header().Set(headerCacheHit, strconv.FormatBool(resp.FromCache))
		w.WriteHeader(resp.Status)
		if _, err := w.Write(resp.Body); err != nil {
			reqLogger.Warn().Err(err).Msg("Failed to write response")
			return
		}
		reqLogger.Debug().
			Int("status", resp.Status).
			Bool("cache_hit", resp.FromCache).
			Int("retries", resp.RetryCount).
			Msg("Proxy request served")
	}
}

// describe turns an inbound proxy request into a descriptor.
func describe(r *http.Request) (request.Descriptor, error) {
	path := strings.TrimPrefix(r.URL.Path, proxyPrefix)
	if path == "" {
		path = "/"
	}

	opts := []request.Option{}
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			opts = append(opts, request.WithHeader(name, v))
		}
	}
	for key, values := range r.URL.Query() {
		for _, v := range values {
			opts = append(opts, request.WithQuery(key, v))
		}
	}

	if raw := r.Header.Get(headerCache); raw != "" {
		mode, ok := request.ParseCacheMode(raw)
		if !ok {
			return request.Descriptor{}, errors.New("invalid " + headerCache + " header: " + raw)
		}
		opts = append(opts, request.WithCache(mode))
	}
	if raw := r.Header.Get(headerPriority); raw != "" {
		priority, err := strconv.Atoi(raw)
		if err != nil || priority < request.LowestPriority {
			return request.Descriptor{}, errors.New("invalid " + headerPriority + " header: " + raw)
		}
		opts = append(opts, request.WithPriority(priority))
	}
	if group := r.Header.Get(headerGroup); group != "" {
		opts = append(opts, request.WithGroup(group))
	}

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return request.Descriptor{}, err
		}
		if len(body) > maxBodyBytes {
			return request.Descriptor{}, errors.New("request body too large")
		}
		if len(body) > 0 {
			opts = append(opts, request.WithBody(body))
		}
	}

	return request.New(r.Method, path, opts...), nil
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Status int    `json:"status,omitempty"`
}

// mapError converts an orchestrator failure to the proxy status code.
func mapError(err error) (int, errorBody) {
	body := errorBody{Error: err.Error(), Kind: string(request.KindUnknown)}
	var reqErr *request.Error
	if !errors.As(err, &reqErr) {
		return http.StatusBadGateway, body
	}
	body.Kind = string(reqErr.Kind)
	body.Status = reqErr.Status
	switch reqErr.Kind {
	case request.KindTimeout:
		return http.StatusGatewayTimeout, body
	case request.KindOffline:
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusBadGateway, body
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
