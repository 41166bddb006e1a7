package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bookpilot/calsync/internal/policy"
)

func TestEnqueueRunsTask(t *testing.T) {
	q := New(2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	done := make(chan struct{})
	q.Enqueue(&Task{
		Kind: "create",
		Run: func(ctx context.Context, task *Task) error {
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestUniquenessWindowSuppressesDuplicates(t *testing.T) {
	q := New(1, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var runs int32
	task := func() *Task {
		return &Task{
			Kind:         "create",
			UniqueKey:    "create:booking-1:int-1",
			UniqueWindow: time.Minute,
			Run: func(ctx context.Context, task *Task) error {
				atomic.AddInt32(&runs, 1)
				return nil
			},
		}
	}

	if !q.Enqueue(task()) {
		t.Fatal("first enqueue suppressed")
	}
	if q.Enqueue(task()) {
		t.Error("duplicate enqueue accepted within window")
	}

	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("task ran %d times, want 1", got)
	}
}

func TestKeyedMutualExclusion(t *testing.T) {
	q := New(4, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var inFlight int32
	var maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		q.Enqueue(&Task{
			Kind: "update",
			Key:  "int-1:evt-1",
			Run: func(ctx context.Context, task *Task) error {
				defer wg.Done()
				n := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxInFlight)
					if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			},
		})
	}

	wg.Wait()
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("max in-flight for one key = %d, want 1", got)
	}
}

func TestScheduleDelaysExecution(t *testing.T) {
	q := New(1, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	start := time.Now()
	done := make(chan time.Time, 1)
	q.Schedule(&Task{
		Kind: "delete",
		Run: func(ctx context.Context, task *Task) error {
			done <- time.Now()
			return nil
		},
	}, 100*time.Millisecond)

	if q.Delayed() != 1 {
		t.Errorf("Delayed() = %d, want 1", q.Delayed())
	}

	select {
	case ran := <-done:
		if elapsed := ran.Sub(start); elapsed < 90*time.Millisecond {
			t.Errorf("task ran after %v, want >= 100ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}
}

func TestScheduleOrdersByDueTime(t *testing.T) {
	q := New(1, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	order := make(chan string, 2)
	run := func(name string) func(context.Context, *Task) error {
		return func(ctx context.Context, task *Task) error {
			order <- name
			return nil
		}
	}

	q.Schedule(&Task{Kind: "create", Run: run("second")}, 150*time.Millisecond)
	q.Schedule(&Task{Kind: "create", Run: run("first")}, 50*time.Millisecond)

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("execution order got %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("scheduled tasks did not run")
		}
	}
}

func TestUrgentLaneRunsFirst(t *testing.T) {
	q := New(1, 16)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	record := func(name string) func(context.Context, *Task) error {
		return func(ctx context.Context, task *Task) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Fill lanes before starting workers so the drain order is observable.
	wg.Add(3)
	q.Enqueue(&Task{Kind: "create", Urgency: policy.UrgencyNormal, Run: record("normal")})
	q.Enqueue(&Task{Kind: "create", Urgency: policy.UrgencyHigh, Run: record("high")})
	q.Enqueue(&Task{Kind: "create", Urgency: policy.UrgencyUrgent, Run: record("urgent")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "urgent" {
		t.Errorf("first task executed = %q, want urgent", order[0])
	}
}

func TestTaskTimeout(t *testing.T) {
	q := New(1, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	done := make(chan error, 1)
	q.Enqueue(&Task{
		Kind:    "create",
		Timeout: 50 * time.Millisecond,
		Run: func(ctx context.Context, task *Task) error {
			<-ctx.Done()
			done <- ctx.Err()
			return ctx.Err()
		},
	})

	select {
	case err := <-done:
		if err != context.DeadlineExceeded {
			t.Errorf("task context error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task timeout never fired")
	}
}
