// Package batch coalesces concurrent requests that share a group key into a
// single compound call.
//
// A group flushes when it reaches MaxSize members or when Window has elapsed
// since its first member joined, whichever comes first. A group with one
// member is sent as an ordinary request. Larger groups are POSTed to Endpoint
// as
//
//	{"requests": [{"url": ..., "method": ..., "data": ..., "params": ..., "headers": ...}, ...]}
//
// and the response must carry one sub-response per member, in order.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/reqflow/pkg/extract"
	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Defaults applied when Config fields are left zero.
const (
	DefaultMaxSize   = 5
	DefaultWindow    = 50 * time.Millisecond
	DefaultEndpoint  = "/batch"
	DefaultFieldName = "requests"

	// HeaderBatchRequest marks compound calls.
	HeaderBatchRequest = "X-Batch-Request"
)

// ErrBatchMismatch is returned to every member of a group whose compound
// response does not hold exactly one sub-response per member.
var ErrBatchMismatch = errors.New("batch response mismatch")

// InvokeFunc sends one request.
type InvokeFunc func(ctx context.Context, d request.Descriptor) (*request.Response, error)

// Extractor pulls the sub-response list out of a compound response.
type Extractor func(resp *request.Response) ([]any, error)

// Config holds coalescer configuration.
type Config struct {
	MaxSize int
	Window  time.Duration

	// Endpoint receives compound calls. It should already be absolute.
	Endpoint string
	// Method defaults to POST.
	Method string
	// FieldName holds the sub-request list in the compound body.
	FieldName string
	// Header is added to every compound call.
	Header http.Header

	// ResponsePath is a CEL expression selecting the sub-response list,
	// e.g. `body.results`. Ignored when Extractor is set.
	ResponsePath string
	Extractor    Extractor

	// Expressions evaluates ResponsePath. Created on demand when nil.
	Expressions *extract.Environment
}

// SubRequest is one member of a compound body.
type SubRequest struct {
	URL     string      `json:"url"`
	Method  string      `json:"method"`
	Data    any         `json:"data,omitempty"`
	Params  url.Values  `json:"params,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
}

type result struct {
	resp *request.Response
	err  error
}

type member struct {
	ctx  context.Context
	desc request.Descriptor
	done chan result
}

type group struct {
	key     string
	members []*member
	timer   *time.Timer
	invoke  InvokeFunc
}

// Coalescer groups requests by GroupKey.
type Coalescer struct {
	mu     sync.Mutex
	groups map[string]*group
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a coalescer.
func New(cfg Config, logger zerolog.Logger) (*Coalescer, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.FieldName == "" {
		cfg.FieldName = DefaultFieldName
	}
	if cfg.ResponsePath != "" && cfg.Extractor == nil {
		if cfg.Expressions == nil {
			env, err := extract.NewEnvironment()
			if err != nil {
				return nil, fmt.Errorf("batch: %w", err)
			}
			cfg.Expressions = env
		}
		if _, err := cfg.Expressions.Compile(cfg.ResponsePath); err != nil {
			return nil, fmt.Errorf("batch: response path: %w", err)
		}
	}
	return &Coalescer{
		groups: make(map[string]*group),
		config: cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Add joins d to its group and blocks until the member's slot resolves or
// ctx is done. Requests without a GroupKey form a group of their own.
func (c *Coalescer) Add(ctx context.Context, d request.Descriptor, invoke InvokeFunc) (*request.Response, error) {
	key := d.GroupKey
	if key == "" {
		key = uuid.NewString()
	}
	m := &member{ctx: ctx, desc: d, done: make(chan result, 1)}

	c.mu.Lock()
	g, ok := c.groups[key]
	if !ok {
		g = &group{key: key, invoke: invoke}
		c.groups[key] = g
		g.timer = time.AfterFunc(c.config.Window, func() { c.flushGroup(g, "window") })
	}
	g.members = append(g.members, m)
	full := len(g.members) >= c.config.MaxSize
	if full {
		c.detach(g)
	}
	pendingMembers.Inc()
	c.mu.Unlock()

	if full {
		go c.send(g, "size")
	}

	select {
	case r := <-m.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, request.Classify(ctx.Err(), d)
	}
}

// Flush sends every open group immediately.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	groups := make([]*group, 0, len(c.groups))
	for _, g := range c.groups {
		c.detach(g)
		groups = append(groups, g)
	}
	c.mu.Unlock()

	for _, g := range groups {
		go c.send(g, "flush")
	}
}

// Pending returns the number of members waiting in open groups.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, g := range c.groups {
		n += len(g.members)
	}
	return n
}

func (c *Coalescer) flushGroup(g *group, reason string) {
	c.mu.Lock()
	if c.groups[g.key] != g {
		c.mu.Unlock()
		return
	}
	c.detach(g)
	c.mu.Unlock()
	c.send(g, reason)
}

// detach removes g from the open set. Callers hold c.mu.
func (c *Coalescer) detach(g *group) {
	g.timer.Stop()
	if c.groups[g.key] == g {
		delete(c.groups, g.key)
	}
}

func (c *Coalescer) send(g *group, reason string) {
	members := g.members
	pendingMembers.Sub(float64(len(members)))
	flushesTotal.WithLabelValues(reason).Inc()
	groupSize.Observe(float64(len(members)))

	if len(members) == 1 {
		m := members[0]
		resp, err := g.invoke(m.ctx, m.desc)
		m.done <- result{resp: resp, err: err}
		return
	}

	log := c.logger.With().Str("group", g.key).Int("size", len(members)).Str("reason", reason).Logger()
	log.Debug().Msg("Sending compound request")

	compound := c.compound(members)
	ctx := context.WithoutCancel(members[0].ctx)
	resp, err := g.invoke(ctx, compound)
	if err != nil {
		batchErrors.WithLabelValues("transport").Inc()
		log.Warn().Err(err).Msg("Compound request failed")
		base := request.Classify(err, compound)
		for _, m := range members {
			e := *base
			e.Request = m.desc
			m.done <- result{err: &e}
		}
		return
	}

	items, err := c.subResponses(resp)
	if err != nil {
		batchErrors.WithLabelValues("decode").Inc()
		log.Warn().Err(err).Msg("Compound response could not be decoded")
		for _, m := range members {
			e := request.NewError(request.KindUnknown, m.desc, "decode batch response")
			e.Err = err
			m.done <- result{err: e}
		}
		return
	}

	if len(items) != len(members) {
		batchErrors.WithLabelValues("mismatch").Inc()
		log.Warn().Int("responses", len(items)).Msg("Batch response length mismatch")
		for _, m := range members {
			e := request.NewError(request.KindUnknown, m.desc, "%d members, %d responses", len(members), len(items))
			e.Err = ErrBatchMismatch
			m.done <- result{err: e}
		}
		return
	}

	for i, m := range members {
		m.done <- c.resolve(m.desc, resp, items[i])
	}
}

func (c *Coalescer) compound(members []*member) request.Descriptor {
	subs := make([]SubRequest, len(members))
	for i, m := range members {
		subs[i] = SubRequest{
			URL:     m.desc.URL,
			Method:  m.desc.EffectiveMethod(),
			Data:    m.desc.Body,
			Params:  m.desc.Query,
			Headers: m.desc.Header,
		}
	}

	header := http.Header{}
	for k, v := range c.config.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderBatchRequest, "true")

	return request.Descriptor{
		URL:         c.config.Endpoint,
		Method:      c.config.Method,
		Header:      header,
		Body:        map[string]any{c.config.FieldName: subs},
		Cache:       request.CacheDisabled,
		IgnoreQueue: true,
	}
}

func (c *Coalescer) subResponses(resp *request.Response) ([]any, error) {
	switch {
	case c.config.Extractor != nil:
		return c.config.Extractor(resp)
	case c.config.ResponsePath != "":
		return c.config.Expressions.EvaluateList(c.config.ResponsePath, resp)
	}

	body, err := resp.JSON()
	if err != nil {
		return nil, err
	}
	if list, ok := body.([]any); ok {
		return list, nil
	}
	return []any{body}, nil
}

// resolve turns one sub-response into the member's result. Missing status
// fields inherit the compound response's.
func (c *Coalescer) resolve(d request.Descriptor, compound *request.Response, item any) result {
	status := compound.Status
	statusText := compound.StatusText
	header := http.Header{}
	var data any = item

	if fields, ok := item.(map[string]any); ok {
		if s, ok := fields["status"].(float64); ok && s > 0 {
			status = int(s)
		}
		if st, ok := fields["statusText"].(string); ok && st != "" {
			statusText = st
		}
		if hs, ok := fields["headers"].(map[string]any); ok {
			for name, v := range hs {
				switch val := v.(type) {
				case string:
					header.Add(name, val)
				case []any:
					for _, s := range val {
						header.Add(name, fmt.Sprint(s))
					}
				}
			}
		}
		data = fields["data"]
	}

	if status >= http.StatusBadRequest {
		return result{err: request.StatusError(d, status, statusText)}
	}

	var body []byte
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return result{err: &request.Error{Message: "encode sub-response", Kind: request.KindUnknown, Request: d, Err: err}}
		}
		body = raw
	}
	return result{resp: &request.Response{
		Status:     status,
		StatusText: statusText,
		Header:     header,
		Body:       body,
		Request:    d,
		Timestamp:  c.now(),
	}}
}
