package client

import (
	"errors"

	"github.com/Sternrassler/reqflow/pkg/request"
)

// Common errors returned by the client.
var (
	// ErrTransportRequired is returned by New when no transport is configured.
	ErrTransportRequired = errors.New("transport is required")

	// ErrPreloadKeyRequired is returned by Preload for descriptors without a PreloadKey.
	ErrPreloadKeyRequired = errors.New("preload key is required")

	// ErrClosed is wrapped by errors for requests dispatched after Close.
	ErrClosed = errors.New("client closed")

	// ErrNoResponse is wrapped when the pipeline produced neither a response nor an error.
	ErrNoResponse = errors.New("no response")
)

// toError converts any pipeline failure into the typed error handed to
// callers. Shared errors are copied so callers never alias each other.
func toError(err error, d request.Descriptor) *request.Error {
	classified := request.Classify(err, d)
	out := *classified
	return &out
}

// closedError is returned for work submitted after Close.
func closedError(d request.Descriptor) *request.Error {
	e := request.NewError(request.KindCancel, d, "client closed")
	e.Err = ErrClosed
	return e
}
