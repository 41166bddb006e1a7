package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// scheduler holds delayed tasks in a min-heap keyed by due time and feeds
// them back to the queue lanes when they come due.
type scheduler struct {
	queue *Queue

	mu   sync.Mutex
	heap delayHeap

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type delayedTask struct {
	task *Task
	due  time.Time
}

func newScheduler(q *Queue) *scheduler {
	return &scheduler{
		queue:  q,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *scheduler) start(ctx context.Context) {
	go s.run(ctx)
}

func (s *scheduler) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
	})
}

func (s *scheduler) add(t *Task, due time.Time) {
	s.mu.Lock()
	heap.Push(&s.heap, &delayedTask{task: t, due: due})
	s.mu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

func (s *scheduler) run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := s.dispatchDue()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next.IsZero() {
			timer.Reset(time.Hour)
		} else {
			timer.Reset(time.Until(next))
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-timer.C:
		}
	}
}

// dispatchDue moves all due tasks to the lanes and returns the due time of
// the next pending task, or zero if the heap is empty.
func (s *scheduler) dispatchDue() time.Time {
	now := time.Now()

	var due []*Task
	s.mu.Lock()
	for s.heap.Len() > 0 {
		head := s.heap[0]
		if head.due.After(now) {
			break
		}
		heap.Pop(&s.heap)
		due = append(due, head.task)
	}
	var next time.Time
	if s.heap.Len() > 0 {
		next = s.heap[0].due
	}
	s.mu.Unlock()

	for _, t := range due {
		s.queue.enqueueDue(t)
	}
	return next
}

type delayHeap []*delayedTask

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(*delayedTask)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
