// Package queue provides the task queue for sync jobs: priority lanes,
// a delayed-execution scheduler, per-key mutual exclusion, and bounded
// uniqueness windows to suppress duplicate dispatch.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bookpilot/calsync/internal/policy"
	"github.com/bookpilot/calsync/internal/util"
)

// Task is one schedulable unit of work.
type Task struct {
	ID      string
	Kind    string
	Urgency policy.Urgency

	// Key serializes tasks touching the same resource. Tasks with the same
	// non-empty key never run concurrently.
	Key string

	// UniqueKey suppresses duplicate enqueue for UniqueWindow after a task
	// with the same key was accepted. Empty disables dedup.
	UniqueKey    string
	UniqueWindow time.Duration

	// Attempt is 1 on first execution and incremented by the dispatcher on
	// each retry release.
	Attempt int

	// Timeout bounds one execution attempt. Zero means no per-task timeout.
	Timeout time.Duration

	// Labels carry tracing fields attached to worker log lines.
	Labels map[string]string

	Run func(ctx context.Context, t *Task) error
}

// Queue manages worker goroutines pulling from priority-partitioned lanes.
type Queue struct {
	urgent  chan *Task
	high    chan *Task
	normal  chan *Task
	workers int

	locks  *keyMutex
	unique *uniqueTracker
	sched  *scheduler

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a queue with the given worker count and per-lane capacity.
func New(workers, laneCapacity int) *Queue {
	if workers < 1 {
		workers = 1
	}
	if laneCapacity < 1 {
		laneCapacity = 1
	}

	q := &Queue{
		urgent:  make(chan *Task, laneCapacity),
		high:    make(chan *Task, laneCapacity),
		normal:  make(chan *Task, laneCapacity),
		workers: workers,
		locks:   newKeyMutex(),
		unique:  newUniqueTracker(),
		stopCh:  make(chan struct{}),
	}
	q.sched = newScheduler(q)
	return q
}

// Start begins the scheduler and worker goroutines.
func (q *Queue) Start(ctx context.Context) {
	q.sched.start(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	util.Info("Task queue started", "workers", q.workers)
}

// Stop gracefully stops the scheduler and all workers. In-flight tasks run
// to completion.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.sched.stop()
		close(q.stopCh)
		q.wg.Wait()
		util.Info("Task queue stopped")
	})
}

// Enqueue adds a task to its priority lane for immediate execution.
// Returns false if the task was suppressed by its uniqueness window.
func (q *Queue) Enqueue(t *Task) bool {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Attempt < 1 {
		t.Attempt = 1
	}

	if t.UniqueKey != "" && !q.unique.claim(t.UniqueKey, t.UniqueWindow) {
		util.Debug("Duplicate task suppressed", "task_id", t.ID, "kind", t.Kind, "unique_key", t.UniqueKey)
		return false
	}

	lane := q.lane(t.Urgency)
	select {
	case lane <- t:
		util.Debug("Task enqueued", "task_id", t.ID, "kind", t.Kind, "urgency", t.Urgency.String())
	default:
		// Lane is full, log and fall back to blocking
		util.Warn("Task lane is full, enqueue may be delayed", "task_id", t.ID, "kind", t.Kind)
		lane <- t
	}
	return true
}

// Schedule arranges for the task to be enqueued after the given delay.
// The uniqueness window is claimed at schedule time, not at due time, so a
// retry release cannot be displaced by a later duplicate trigger.
func (q *Queue) Schedule(t *Task, delay time.Duration) bool {
	if delay <= 0 {
		return q.Enqueue(t)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	if t.UniqueKey != "" && !q.unique.claim(t.UniqueKey, t.UniqueWindow) {
		util.Debug("Duplicate scheduled task suppressed", "task_id", t.ID, "kind", t.Kind, "unique_key", t.UniqueKey)
		return false
	}

	q.sched.add(t, time.Now().Add(delay))
	util.Debug("Task scheduled", "task_id", t.ID, "kind", t.Kind, "delay", delay.String())
	return true
}

// Pending returns the number of tasks waiting in the lanes.
func (q *Queue) Pending() int {
	return len(q.urgent) + len(q.high) + len(q.normal)
}

// Delayed returns the number of tasks waiting in the scheduler.
func (q *Queue) Delayed() int {
	return q.sched.len()
}

func (q *Queue) lane(u policy.Urgency) chan *Task {
	switch u {
	case policy.UrgencyUrgent:
		return q.urgent
	case policy.UrgencyHigh:
		return q.high
	default:
		return q.normal
	}
}

// enqueueDue is called by the scheduler when a delayed task comes due. It
// bypasses the uniqueness check, which was already claimed at schedule time.
func (q *Queue) enqueueDue(t *Task) {
	lane := q.lane(t.Urgency)
	select {
	case lane <- t:
	default:
		util.Warn("Task lane is full for due task", "task_id", t.ID, "kind", t.Kind)
		lane <- t
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	util.Debug("Worker started", "worker_id", id)

	for {
		// Drain higher-priority lanes before taking normal work.
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case t := <-q.urgent:
			q.runTask(ctx, id, t)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case t := <-q.urgent:
			q.runTask(ctx, id, t)
		case t := <-q.high:
			q.runTask(ctx, id, t)
		default:
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case t := <-q.urgent:
				q.runTask(ctx, id, t)
			case t := <-q.high:
				q.runTask(ctx, id, t)
			case t := <-q.normal:
				q.runTask(ctx, id, t)
			}
		}
	}
}

func (q *Queue) runTask(ctx context.Context, workerID int, t *Task) {
	fields := []interface{}{"worker_id", workerID, "task_id", t.ID, "kind", t.Kind, "attempt", t.Attempt}
	for k, v := range t.Labels {
		fields = append(fields, k, v)
	}

	if t.Key != "" {
		q.locks.lock(t.Key)
		defer q.locks.unlock(t.Key)
	}

	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	util.Debug("Processing task", fields...)
	if err := t.Run(runCtx, t); err != nil {
		util.Error("Task execution failed", append(fields, "error", err)...)
	}
}
