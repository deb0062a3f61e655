// Package queue implements the admission controller: a priority queue with a
// concurrency ceiling and an offline buffer.
//
// Tasks run highest priority first, FIFO among equal priorities. While the
// network is marked unavailable new tasks wait in the offline buffer, and a
// restore moves them into the live queue. Tasks flagged IgnoreQueue skip both
// buffers and run immediately.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/rs/zerolog"
)

// DefaultMaxConcurrent is the default concurrency ceiling.
const DefaultMaxConcurrent = 10

var (
	// ErrCancelled is wrapped by errors handed to tasks removed by Cancel.
	ErrCancelled = errors.New("request cancelled before start")

	// ErrOffline is wrapped by errors handed to tasks rejected while offline.
	ErrOffline = errors.New("network unavailable")
)

// StatusProvider reports connectivity changes.
type StatusProvider interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Config holds controller configuration.
type Config struct {
	MaxConcurrent int

	// OfflineQueue buffers tasks while offline instead of rejecting them.
	OfflineQueue bool

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: DefaultMaxConcurrent,
		OfflineQueue:  true,
	}
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	Offline    int  `json:"offline"`
	Delayed    int  `json:"delayed"`
	Online     bool `json:"online"`
}

type delayedTask struct {
	task  *Task
	timer *time.Timer
}

// Controller admits tasks.
type Controller struct {
	mu         sync.Mutex
	pending    *list.List // sorted, front runs next
	offline    *list.List // arrival order
	delayed    map[uint64]*delayedTask
	processing int
	online     bool
	seq        uint64

	config Config
	logger zerolog.Logger
}

// New creates a controller. It starts online.
func New(cfg Config, logger zerolog.Logger) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		pending: list.New(),
		offline: list.New(),
		delayed: make(map[uint64]*delayedTask),
		online:  true,
		config:  cfg,
		logger:  logger,
	}
}

// Enqueue admits t. It returns an error, and fails t with it, only when t is
// rejected because the network is down and offline buffering is disabled.
func (c *Controller) Enqueue(t *Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(t)
}

func (c *Controller) enqueueLocked(t *Task) error {
	if t.ID == 0 {
		c.seq++
		t.ID = c.seq
	}
	t.EnqueuedAt = c.config.Now()
	t.setStatus(StatusPending)

	if t.Request.IgnoreQueue {
		c.start(t)
		return nil
	}

	if !c.online {
		if !c.config.OfflineQueue {
			queueRejected.Inc()
			err := request.NewError(request.KindOffline, t.Request, "request rejected while offline")
			err.Err = ErrOffline
			t.finish(StatusFailed, nil, err)
			return err
		}
		c.offline.PushBack(t)
		queueDepth.WithLabelValues("offline").Inc()
		c.logger.Debug().Uint64("task", t.ID).Str("url", t.Request.URL).Msg("Buffered task while offline")
		return nil
	}

	c.insertLocked(t)
	c.pumpLocked()
	return nil
}

// Submit enqueues a task for d and waits for its result. If ctx ends while
// the task is still queued, the task is withdrawn.
func (c *Controller) Submit(ctx context.Context, d request.Descriptor, thunk Thunk) (*request.Response, error) {
	t := NewTask(ctx, d, thunk)
	if err := c.Enqueue(t); err != nil {
		return nil, err
	}
	return c.wait(ctx, t)
}

// SubmitAfter enqueues a task for d once delay has elapsed and waits for its
// result. Until the delay elapses the task is visible to Cancel.
func (c *Controller) SubmitAfter(ctx context.Context, delay time.Duration, d request.Descriptor, thunk Thunk) (*request.Response, error) {
	if delay <= 0 {
		return c.Submit(ctx, d, thunk)
	}

	t := NewTask(ctx, d, thunk)
	c.mu.Lock()
	c.seq++
	t.ID = c.seq
	dt := &delayedTask{task: t}
	c.delayed[t.ID] = dt
	queueDepth.WithLabelValues("delayed").Inc()
	dt.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.delayed[t.ID]; !ok {
			return
		}
		delete(c.delayed, t.ID)
		queueDepth.WithLabelValues("delayed").Dec()
		_ = c.enqueueLocked(t)
	})
	c.mu.Unlock()

	return c.wait(ctx, t)
}

func (c *Controller) wait(ctx context.Context, t *Task) (*request.Response, error) {
	resp, err := t.Wait(ctx)
	if ctx.Err() != nil && t.Status() != StatusProcessing {
		c.Cancel(func(other *Task) bool { return other == t })
	}
	return resp, err
}

// Cancel removes every queued, buffered or delayed task matching pred and
// fails it with a cancel-kind error. Running tasks are unaffected. It returns
// the number of tasks removed.
func (c *Controller) Cancel(pred func(*Task) bool) int {
	c.mu.Lock()
	var removed []*Task
	removed = append(removed, c.cleanupLocked(c.pending, "pending", pred)...)
	removed = append(removed, c.cleanupLocked(c.offline, "offline", pred)...)
	for id, dt := range c.delayed {
		if pred(dt.task) {
			dt.timer.Stop()
			delete(c.delayed, id)
			queueDepth.WithLabelValues("delayed").Dec()
			removed = append(removed, dt.task)
		}
	}
	c.mu.Unlock()

	for _, t := range removed {
		err := request.NewError(request.KindCancel, t.Request, "request cancelled")
		err.Err = ErrCancelled
		t.finish(StatusCancelled, nil, err)
	}
	if len(removed) > 0 {
		queueCancelled.Add(float64(len(removed)))
		c.logger.Debug().Int("count", len(removed)).Msg("Cancelled queued tasks")
	}
	return len(removed)
}

// Clear cancels every task that has not started.
func (c *Controller) Clear() int {
	return c.Cancel(func(*Task) bool { return true })
}

// SetOnline records connectivity. A transition to online moves the offline
// buffer into the live queue and resumes processing.
func (c *Controller) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	was := c.online
	c.online = online
	if was == online {
		return
	}
	if !online {
		c.logger.Info().Msg("Network unavailable, buffering new tasks")
		return
	}

	restored := c.offline.Len()
	for e := c.offline.Front(); e != nil; e = e.Next() {
		c.insertLocked(e.Value.(*Task))
	}
	queueDepth.WithLabelValues("offline").Sub(float64(restored))
	c.offline.Init()
	c.logger.Info().Int("restored", restored).Msg("Network restored, releasing offline buffer")
	c.pumpLocked()
}

// Watch follows p until ctx is done.
func (c *Controller) Watch(ctx context.Context, p StatusProvider) {
	updates, unsubscribe := p.Subscribe()
	c.SetOnline(p.Online())
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-updates:
				if !ok {
					return
				}
				c.SetOnline(online)
			}
		}
	}()
}

// Snapshot returns the current queue state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Pending:    c.pending.Len(),
		Processing: c.processing,
		Offline:    c.offline.Len(),
		Delayed:    len(c.delayed),
		Online:     c.online,
	}
}

// insertLocked places t into the live queue in run order.
func (c *Controller) insertLocked(t *Task) {
	queueDepth.WithLabelValues("pending").Inc()
	for e := c.pending.Back(); e != nil; e = e.Prev() {
		if !t.before(e.Value.(*Task)) {
			c.pending.InsertAfter(t, e)
			return
		}
	}
	c.pending.PushFront(t)
}

// pumpLocked starts tasks from the front of the live queue while capacity allows.
func (c *Controller) pumpLocked() {
	for c.processing < c.config.MaxConcurrent && c.pending.Len() > 0 {
		t := c.pending.Remove(c.pending.Front()).(*Task)
		queueDepth.WithLabelValues("pending").Dec()
		queueWaitSeconds.Observe(c.config.Now().Sub(t.EnqueuedAt).Seconds())
		c.start(t)
	}
}

// start marks t processing and runs it. Callers hold c.mu.
func (c *Controller) start(t *Task) {
	c.processing++
	queueDepth.WithLabelValues("processing").Inc()
	t.setStatus(StatusProcessing)
	go c.run(t)
}

func (c *Controller) run(t *Task) {
	resp, err := t.thunk(t.ctx)

	c.mu.Lock()
	c.processing--
	queueDepth.WithLabelValues("processing").Dec()
	c.pumpLocked()
	c.mu.Unlock()

	if err != nil {
		t.finish(StatusFailed, nil, err)
		return
	}
	t.finish(StatusCompleted, resp, nil)
}

func (c *Controller) cleanupLocked(l *list.List, state string, pred func(*Task) bool) []*Task {
	var removed []*Task
	var next *list.Element
	for e := l.Front(); e != nil; e = next {
		next = e.Next()
		t := e.Value.(*Task)
		if pred(t) {
			l.Remove(e)
			queueDepth.WithLabelValues(state).Dec()
			removed = append(removed, t)
		}
	}
	return removed
}
