package request

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failed request.
type Kind string

const (
	KindTimeout Kind = "timeout"
	KindNetwork Kind = "network"
	KindCancel  Kind = "cancel"

	// KindServer represents 5xx responses.
	KindServer Kind = "server"

	// KindClient represents 4xx responses and malformed requests.
	KindClient Kind = "client"

	// KindOffline is returned when admission rejects a request because the
	// network is down and offline buffering is disabled.
	KindOffline Kind = "offline"

	KindUnknown Kind = "unknown"
)

// Error is the typed failure every caller receives.
type Error struct {
	Message    string
	Kind       Kind
	Status     int
	Request    Descriptor
	RetryCount int
	Err        error
}

// NewError creates an Error of the given kind for d.
func NewError(kind Kind, d Descriptor, format string, args ...any) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Kind:    kind,
		Request: d,
	}
}

// StatusError creates an Error for an unacceptable HTTP status.
func StatusError(d Descriptor, status int, statusText string) *Error {
	msg := fmt.Sprintf("request failed with status %d", status)
	if statusText != "" {
		msg += ": " + statusText
	}
	return &Error{
		Message: msg,
		Kind:    KindForStatus(status),
		Status:  status,
		Request: d,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryCount > 0 {
		msg += fmt.Sprintf(" after %d retries", e.RetryCount)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithRetryCount returns a copy of e stamped with the final retry count.
func (e *Error) WithRetryCount(n int) *Error {
	out := *e
	out.RetryCount = n
	return &out
}

// KindForStatus maps an HTTP status onto a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// Classify turns any error into an *Error for d. Typed errors pass through.
func Classify(err error, d Descriptor) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	out := &Error{Message: err.Error(), Request: d, Err: err, Kind: KindUnknown}
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		out.Kind = KindCancel
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			out.Kind = KindTimeout
		} else {
			out.Kind = KindNetwork
		}
	}
	return out
}
