package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/reqflow/pkg/request"
)

// Status is a task's lifecycle state.
type Status int32

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed

	// StatusCancelled marks tasks removed by Cancel before they started.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Thunk executes a task.
type Thunk func(ctx context.Context) (*request.Response, error)

// Task wraps one unit of admitted work.
type Task struct {
	ID         uint64
	Request    request.Descriptor
	Priority   int
	EnqueuedAt time.Time

	ctx   context.Context
	thunk Thunk

	status atomic.Int32
	once   sync.Once
	done   chan struct{}
	resp   *request.Response
	err    error
}

// NewTask creates a pending task for d. ctx is passed to thunk when the task runs.
func NewTask(ctx context.Context, d request.Descriptor, thunk Thunk) *Task {
	return &Task{
		Request:  d,
		Priority: d.EffectivePriority(),
		ctx:      ctx,
		thunk:    thunk,
		done:     make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

// Done is closed once the task has a result.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome. Only valid after Done is closed.
func (t *Task) Result() (*request.Response, error) {
	return t.resp, t.err
}

// Wait blocks until the task finishes or ctx is done. A finished task
// always reports its result, even when ctx is done too.
func (t *Task) Wait(ctx context.Context) (*request.Response, error) {
	select {
	case <-t.done:
		return t.Result()
	default:
	}
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, request.Classify(ctx.Err(), t.Request)
	}
}

func (t *Task) setStatus(s Status) {
	t.status.Store(int32(s))
}

func (t *Task) finish(status Status, resp *request.Response, err error) {
	t.once.Do(func() {
		t.setStatus(status)
		t.resp, t.err = resp, err
		close(t.done)
	})
}

// before reports whether t runs ahead of other: higher priority first, then
// earlier enqueue time, then submission order.
func (t *Task) before(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	if !t.EnqueuedAt.Equal(other.EnqueuedAt) {
		return t.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return t.ID < other.ID
}
