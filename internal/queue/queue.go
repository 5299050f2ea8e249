// Package queue is a bounded in-memory priority queue feeding a fixed
// worker pool, with retries, timeouts and an optional global pacing
// gap between task starts.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cursorbot/cursorbot/internal/errs"
)

// Priority levels. Higher dequeues first; FIFO within a level.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// TaskState tracks a task through its lifecycle.
type TaskState string

const (
	Pending   TaskState = "pending"
	Running   TaskState = "running"
	Retrying  TaskState = "retrying"
	Completed TaskState = "completed"
	Failed    TaskState = "failed"
	Cancelled TaskState = "cancelled"
)

// TaskFunc is the unit of work.
type TaskFunc func(ctx context.Context) error

// Callback fires once on terminal success or failure. Panics inside
// the callback are isolated.
type Callback func(id string, state TaskState, err error)

// Options tune one submission.
type Options struct {
	Priority   Priority
	Timeout    time.Duration
	MaxRetries int
	Callback   Callback
}

type task struct {
	id        string
	fn        TaskFunc
	opts      Options
	state     TaskState
	retries   int
	seq       uint64
	notBefore time.Time
	index     int
}

// taskHeap orders by priority desc, then submission order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].opts.Priority != h[j].opts.Priority {
		return h[i].opts.Priority > h[j].opts.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Config sizes the queue.
type Config struct {
	MaxConcurrent int
	MaxPending    int
	BaseDelay     time.Duration // retry backoff base, default 1s
	MaxDelay      time.Duration // backoff cap, default 1m
	MinStartGap   time.Duration // 0 disables global pacing
}

// Queue is the engine. Construct with New, then Start.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	tasks   map[string]*task
	seq     uint64
	stopped bool

	pacer  *rate.Limiter
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a queue.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 256
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	q := &Queue{cfg: cfg, tasks: make(map[string]*task)}
	q.cond = sync.NewCond(&q.mu)
	if cfg.MinStartGap > 0 {
		q.pacer = rate.NewLimiter(rate.Every(cfg.MinStartGap), 1)
	}
	return q
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.MaxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	// Wake workers when the context dies so they can exit.
	go func() {
		<-ctx.Done()
		q.cond.Broadcast()
	}()
}

// Submit enqueues fn. Returns Unavailable when the queue is stopped or
// full.
func (q *Queue) Submit(fn TaskFunc, opts Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", errs.Unavailable("queue stopped")
	}
	if len(q.heap) >= q.cfg.MaxPending {
		return "", errs.Unavailable("queue full")
	}
	q.seq++
	t := &task{
		id:    uuid.NewString(),
		fn:    fn,
		opts:  opts,
		state: Pending,
		seq:   q.seq,
	}
	q.tasks[t.id] = t
	heap.Push(&q.heap, t)
	q.cond.Signal()
	return t.id, nil
}

// Cancel succeeds only while the task is Pending or Retrying.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || (t.state != Pending && t.state != Retrying) {
		return false
	}
	if t.index >= 0 && t.index < len(q.heap) && q.heap[t.index] == t {
		heap.Remove(&q.heap, t.index)
	}
	t.state = Cancelled
	delete(q.tasks, id)
	return true
}

// State reports a task's state; finished tasks report their terminal
// state until queried once, absent ids report Cancelled.
func (q *Queue) State(id string) TaskState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		return t.state
	}
	return Cancelled
}

// PendingCount reports queued (not running) tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		t := q.dequeue(ctx)
		if t == nil {
			return
		}
		if q.pacer != nil {
			if err := q.pacer.Wait(ctx); err != nil {
				q.requeue(t)
				return
			}
		}
		q.execute(ctx, t)
	}
}

func (q *Queue) dequeue(ctx context.Context) *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if q.stopped && len(q.heap) == 0 {
			return nil
		}
		now := time.Now()
		if len(q.heap) > 0 {
			t := q.heap[0]
			if t.notBefore.After(now) {
				// Backoff not elapsed; wait out the delay.
				q.mu.Unlock()
				time.Sleep(minDur(t.notBefore.Sub(now), 100*time.Millisecond))
				q.mu.Lock()
				continue
			}
			heap.Pop(&q.heap)
			t.state = Running
			return t
		}
		q.cond.Wait()
	}
}

func (q *Queue) requeue(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.state = Pending
	heap.Push(&q.heap, t)
	q.cond.Signal()
}

func (q *Queue) execute(ctx context.Context, t *task) {
	runCtx := ctx
	var cancel context.CancelFunc
	if t.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
	}
	err := runSafe(runCtx, t.fn)
	if cancel != nil {
		cancel()
	}

	q.mu.Lock()
	if err == nil {
		t.state = Completed
		delete(q.tasks, t.id)
		q.mu.Unlock()
		q.fireCallback(t, Completed, nil)
		return
	}

	if t.retries < t.opts.MaxRetries {
		t.retries++
		t.state = Retrying
		delay := q.cfg.BaseDelay << uint(t.retries-1)
		if delay > q.cfg.MaxDelay {
			delay = q.cfg.MaxDelay
		}
		t.notBefore = time.Now().Add(delay)
		heap.Push(&q.heap, t)
		q.cond.Signal()
		q.mu.Unlock()
		slog.Debug("queue: task retrying", "task", t.id, "attempt", t.retries, "delay", delay, "error", err)
		return
	}

	t.state = Failed
	delete(q.tasks, t.id)
	q.mu.Unlock()
	slog.Warn("queue: task failed", "task", t.id, "retries", t.retries, "error", err)
	q.fireCallback(t, Failed, err)
}

func (q *Queue) fireCallback(t *task, state TaskState, err error) {
	if t.opts.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: callback panicked", "task", t.id, "panic", r)
		}
	}()
	t.opts.Callback(t.id, state, err)
}

// runSafe converts panics in task bodies to errors.
func runSafe(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.CodeInternal, "task panicked")
		}
	}()
	return fn(ctx)
}

// StopDrain stops accepting work, waits for running tasks, then stops
// workers. Pending tasks are dropped and report Cancelled.
func (q *Queue) StopDrain(timeout time.Duration) {
	q.mu.Lock()
	q.stopped = true
	for _, t := range q.heap {
		t.state = Cancelled
		delete(q.tasks, t.id)
	}
	q.heap = nil
	q.mu.Unlock()
	q.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("queue: drain timeout, forcing stop")
	}
	if q.cancel != nil {
		q.cancel()
	}
}

// StopNow cancels workers immediately; pending tasks remain queued in
// memory but are never run.
func (q *Queue) StopNow() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.cond.Broadcast()
	q.wg.Wait()
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
