package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/confabrtc/confab/internals/errs"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	defer q.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			// Stagger submissions so enqueue order is deterministic.
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			q.Do(func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, tasks ran out of order: %v", i, v, order)
		}
	}
}

func TestSerialized(t *testing.T) {
	q := New()
	defer q.Stop()

	var running, max int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Do(func() error {
				mu.Lock()
				running++
				if running > max {
					max = running
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Fatalf("max concurrent tasks = %d, want 1", max)
	}
}

func TestStopRejects(t *testing.T) {
	q := New()
	q.Stop()

	err := q.Do(func() error { return nil })
	if err == nil {
		t.Fatal("Do after Stop returned nil error")
	}
	if errs.KindOf(err) != errs.KindInvalidState {
		t.Fatalf("Do after Stop kind = %v, want InvalidState", errs.KindOf(err))
	}

	// Stop is idempotent.
	q.Stop()
}

func TestDoReturnsTaskError(t *testing.T) {
	q := New()
	defer q.Stop()

	want := errs.NotFound("room", "r1")
	if err := q.Do(func() error { return want }); err != want {
		t.Fatalf("Do error = %v, want %v", err, want)
	}
}
