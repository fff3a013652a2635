package doip_test

import (
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/dantte-lp/godoip/internal/doip"
)

func TestExecutorFIFO(t *testing.T) {
	t.Parallel()

	e := doip.NewExecutor("fifo", slog.New(slog.DiscardHandler))

	const n = 500
	var (
		mu  sync.Mutex
		got []int
	)
	for i := range n {
		if !e.Enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("Enqueue(%d) = false before shutdown", i)
		}
	}
	e.Shutdown()

	if len(got) != n {
		t.Fatalf("ran %d tasks, want %d", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestExecutorNoOverlap(t *testing.T) {
	t.Parallel()

	e := doip.NewExecutor("overlap", slog.New(slog.DiscardHandler))
	defer e.Shutdown()

	var (
		mu      sync.Mutex
		running int
		maxRun  int
		wg      sync.WaitGroup
	)
	for range 50 {
		wg.Add(1)
		go e.Enqueue(func() {
			defer wg.Done()
			mu.Lock()
			running++
			maxRun = max(maxRun, running)
			mu.Unlock()

			time.Sleep(100 * time.Microsecond)

			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	wg.Wait()

	if maxRun != 1 {
		t.Errorf("max concurrent tasks = %d, want 1", maxRun)
	}
}

func TestExecutorShutdownIdempotent(t *testing.T) {
	t.Parallel()

	e := doip.NewExecutor("idempotent", slog.New(slog.DiscardHandler))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Shutdown()
		}()
	}
	wg.Wait()
	e.Shutdown()

	select {
	case <-e.Done():
	default:
		t.Fatal("Done() not closed after Shutdown")
	}
	if e.Enqueue(func() {}) {
		t.Error("Enqueue after Shutdown = true, want false")
	}
}

func TestExecutorRecoversPanic(t *testing.T) {
	t.Parallel()

	e := doip.NewExecutor("panic", slog.New(slog.DiscardHandler))

	ran := make(chan struct{})
	e.Enqueue(func() { panic("boom") })
	e.Enqueue(func() { close(ran) })
	e.Shutdown()

	select {
	case <-ran:
	default:
		t.Fatal("task after a panicking task did not run")
	}
}

// TestExecutorDelayedTasks verifies that tasks which sleep before acting
// still complete in enqueue order.
func TestExecutorDelayedTasks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := doip.NewExecutor("delayed", slog.New(slog.DiscardHandler))

		var got []string
		start := time.Now()
		for _, name := range []string{"pending-1", "pending-2", "final"} {
			e.Enqueue(func() {
				time.Sleep(25 * time.Millisecond)
				got = append(got, name)
			})
		}
		e.Shutdown()

		if elapsed := time.Since(start); elapsed != 75*time.Millisecond {
			t.Errorf("elapsed = %v, want 75ms", elapsed)
		}
		want := []string{"pending-1", "pending-2", "final"}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("task %d = %s, want %s", i, got[i], want[i])
			}
		}
		if e.Pending() != 0 {
			t.Errorf("Pending() = %d after shutdown, want 0", e.Pending())
		}
	})
}
