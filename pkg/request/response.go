package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Response is produced once per successful transport call. Cached and
// preloaded copies are clones of it.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte

	// Data holds the result of the descriptor's Extract rule, if any.
	Data any

	Request   Descriptor
	FromCache bool
	Timestamp time.Time

	// RetryCount is the number of retries that preceded this response.
	RetryCount int
}

// Clone returns a copy that shares nothing mutable with r except Data.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.Header != nil {
		out.Header = r.Header.Clone()
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	out.Request = r.Request.Clone()
	return &out
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return fmt.Errorf("decode response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// JSON decodes the body into a generic value, or nil for an empty body.
func (r *Response) JSON() (any, error) {
	if r == nil || len(r.Body) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}
