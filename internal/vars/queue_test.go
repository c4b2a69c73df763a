package vars

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueRunsJobsInOrder(t *testing.T) {
	q := newRequestQueue(4)
	defer q.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	var wg sync.WaitGroup
	ctx := context.Background()

	// Block the worker so later submissions pile up in FIFO order.
	release := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Do(ctx, func() { <-release })
	}()
	time.Sleep(10 * time.Millisecond)

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Do(ctx, func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			})
		}(i)
		time.Sleep(10 * time.Millisecond) // establish submission order
	}

	close(release)
	wg.Wait()

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("execution order = %v, want [1 2 3]", got)
	}
}

func TestQueueClosed(t *testing.T) {
	q := newRequestQueue(1)
	q.Close()

	// Give the worker time to drain and terminate.
	time.Sleep(10 * time.Millisecond)

	ran := false
	err := q.Do(context.Background(), func() { ran = true })
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
	if ran {
		t.Error("job ran after close")
	}
}

func TestQueueContextCancelWhileWaiting(t *testing.T) {
	q := newRequestQueue(1)
	defer q.Close()

	// Occupy the worker and fill the single queue slot.
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = q.Do(context.Background(), func() { <-release })
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		_ = q.Do(context.Background(), func() {})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Do(ctx, func() {}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	close(release)
	wg.Wait()
}
