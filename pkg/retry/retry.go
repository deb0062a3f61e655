// Package retry decides whether a failed attempt is retried and how long to
// wait before the next one. It never invokes the transport itself.
package retry

import (
	"slices"
	"strconv"
	"time"

	"github.com/Sternrassler/reqflow/pkg/request"
)

// Defaults used when no policy is configured.
const (
	DefaultMaxRetries = 3
	DefaultDelay      = time.Second
)

// DefaultPolicy returns the client-wide default retry policy.
func DefaultPolicy() request.RetryPolicy {
	return request.RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Delay:      DefaultDelay,
	}
}

// Retryable reports whether err's kind is transient under p.
// Network, timeout and server failures are transient. Client errors are only
// retried when their status is listed in p.RetryStatuses.
func Retryable(err *request.Error, p request.RetryPolicy) bool {
	if err == nil {
		return false
	}
	switch err.Kind {
	case request.KindNetwork, request.KindTimeout:
		return true
	case request.KindServer:
		return true
	case request.KindClient:
		return err.Status != 0 && slices.Contains(p.RetryStatuses, err.Status)
	default:
		// cancel, offline, unknown
		return false
	}
}

// ShouldRetry reports whether another attempt is allowed after attempts
// retries have already been made.
func ShouldRetry(err *request.Error, attempts int, p request.RetryPolicy) bool {
	if attempts >= p.MaxRetries {
		return false
	}
	return Retryable(err, p)
}

// ComputeDelay returns the wait before retry number attempt (1-based).
// Incremental policies grow linearly with attempt.
func ComputeDelay(attempt int, p request.RetryPolicy) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if !p.Incremental || attempt <= 1 {
		return p.Delay
	}
	return p.Delay * time.Duration(attempt)
}

// Context is one retry lineage. It is a value: Next returns a new Context and
// never modifies the receiver, so concurrent lineages cannot alias.
type Context struct {
	Policy   request.RetryPolicy
	Attempts int
	Last     *request.Error
}

// NewContext starts a lineage under p.
func NewContext(p request.RetryPolicy) Context {
	return Context{Policy: p}
}

// ShouldRetry reports whether err may be retried in this lineage.
func (c Context) ShouldRetry(err *request.Error) bool {
	return ShouldRetry(err, c.Attempts, c.Policy)
}

// Next records err as a failed attempt and returns the successor lineage.
func (c Context) Next(err *request.Error) Context {
	return Context{Policy: c.Policy, Attempts: c.Attempts + 1, Last: err}
}

// Delay returns the wait before the retry that Next would start.
func (c Context) Delay() time.Duration {
	return ComputeDelay(c.Attempts+1, c.Policy)
}

// Terminal returns err stamped with the retry count of this lineage.
func (c Context) Terminal(err *request.Error) *request.Error {
	return err.WithRetryCount(c.Attempts)
}

// statusClass labels metrics: the kind, or "status_NNN" for retryable 4xx.
func statusClass(err *request.Error) string {
	if err.Kind == request.KindClient && err.Status != 0 {
		return "status_" + strconv.Itoa(err.Status)
	}
	return string(err.Kind)
}
