// Package transport sends descriptors over net/http.
//
// It is the default transport invoker for the orchestrator: one descriptor
// in, one response out. 2xx responses succeed; everything else is returned
// as a classified *request.Error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/rs/zerolog"
)

// Defaults applied when Config fields are left zero.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "reqflow/1.0"
)

// Config holds transport configuration.
type Config struct {
	// Timeout bounds a single round trip.
	Timeout time.Duration

	// UserAgent is sent unless the descriptor sets one.
	UserAgent string

	// HTTPClient overrides the underlying client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
	}
}

// HTTP is a net/http transport invoker.
type HTTP struct {
	client *http.Client
	config Config
	logger zerolog.Logger
}

// New creates an HTTP transport.
func New(cfg Config, logger zerolog.Logger) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTP{client: client, config: cfg, logger: logger}
}

// RoundTrip performs d and returns its response.
func (h *HTTP) RoundTrip(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	method := d.EffectiveMethod()
	target := d.FullURL()

	if u, err := url.Parse(target); err != nil || !u.IsAbs() {
		e := request.NewError(request.KindClient, d, "invalid request URL %q", target)
		e.Err = err
		return nil, e
	}

	body, contentType, err := encodeBody(d.Body)
	if err != nil {
		e := request.NewError(request.KindClient, d, "encode request body")
		e.Err = err
		return nil, e
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		e := request.NewError(request.KindClient, d, "create request")
		e.Err = err
		return nil, e
	}
	for name, values := range d.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", h.config.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	h.logger.Debug().
		Str("method", method).
		Str("url", target).
		Msg("Executing request")

	start := time.Now()
	resp, err := h.client.Do(req)
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		classified := request.Classify(err, d)
		requestsTotal.WithLabelValues(method, string(classified.Kind)).Inc()
		h.logger.Debug().Err(err).Str("url", target).Str("kind", string(classified.Kind)).Msg("Request failed")
		return nil, classified
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		classified := request.Classify(err, d)
		if classified.Kind == request.KindUnknown {
			classified.Kind = request.KindNetwork
		}
		requestsTotal.WithLabelValues(method, string(classified.Kind)).Inc()
		return nil, classified
	}
	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.logger.Debug().
			Str("url", target).
			Int("status", resp.StatusCode).
			Msg("Request returned unacceptable status")
		return nil, request.StatusError(d, resp.StatusCode, statusText)
	}

	return &request.Response{
		Status:     resp.StatusCode,
		StatusText: statusText,
		Header:     resp.Header,
		Body:       payload,
		Request:    d,
		Timestamp:  time.Now(),
	}, nil
}

// encodeBody returns the wire body and its default content type.
func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.NewReader(b), "application/octet-stream", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	case url.Values:
		return strings.NewReader(b.Encode()), "application/x-www-form-urlencoded", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("marshal body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}
