package claude

import (
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ============================================================================
// Coalescing
// ============================================================================

func TestDebouncer_CoalescesRapidWrites(t *testing.T) {
	var processed []struct {
		path string
		op   fsnotify.Op
	}
	var mu sync.Mutex

	d := newFileDebouncer(50*time.Millisecond, func(path string, op fsnotify.Op) {
		mu.Lock()
		processed = append(processed, struct {
			path string
			op   fsnotify.Op
		}{path, op})
		mu.Unlock()
	})
	defer d.Stop()

	// Queue multiple rapid writes to the same file
	for i := 0; i < 5; i++ {
		d.Queue("session.jsonl", fsnotify.Write)
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to fire
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(processed) != 1 {
		t.Errorf("expected 1 processed event, got %d", len(processed))
	}

	if len(processed) > 0 && processed[0].path != "session.jsonl" {
		t.Errorf("expected path 'session.jsonl', got '%s'", processed[0].path)
	}

	if len(processed) > 0 && !processed[0].op.Has(fsnotify.Write) {
		t.Errorf("expected Write op, got %v", processed[0].op)
	}
}

func TestDebouncer_CreateFollowedByWritesKeepsCreate(t *testing.T) {
	var lastOp fsnotify.Op
	var mu sync.Mutex

	d := newFileDebouncer(50*time.Millisecond, func(path string, op fsnotify.Op) {
		mu.Lock()
		lastOp = op
		mu.Unlock()
	})
	defer d.Stop()

	// A fresh transcript arrives as a create plus a burst of writes. The
	// flushed op must still carry the create bit so the handler registers
	// the session instead of trying to refresh one that doesn't exist.
	d.Queue("session.jsonl", fsnotify.Create)
	d.Queue("session.jsonl", fsnotify.Write)
	d.Queue("session.jsonl", fsnotify.Write)

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if !lastOp.Has(fsnotify.Create) {
		t.Errorf("expected coalesced op to keep Create, got %v", lastOp)
	}
	if !lastOp.Has(fsnotify.Write) {
		t.Errorf("expected coalesced op to keep Write, got %v", lastOp)
	}
}

func TestDebouncer_ResetTimerOnNewEvent(t *testing.T) {
	var processedAt []time.Time
	var mu sync.Mutex

	d := newFileDebouncer(50*time.Millisecond, func(path string, op fsnotify.Op) {
		mu.Lock()
		processedAt = append(processedAt, time.Now())
		mu.Unlock()
	})
	defer d.Stop()

	startTime := time.Now()

	// Queue event at T0
	d.Queue("session.jsonl", fsnotify.Write)

	// Queue again at T25 - should reset timer
	time.Sleep(25 * time.Millisecond)
	d.Queue("session.jsonl", fsnotify.Write)

	// Queue again at T50 - should reset timer again
	time.Sleep(25 * time.Millisecond)
	d.Queue("session.jsonl", fsnotify.Write)

	// Wait for debounce to fire
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(processedAt) != 1 {
		t.Errorf("expected 1 processed event, got %d", len(processedAt))
	}

	// Should have fired ~100ms after start (25ms + 25ms + 50ms window).
	// Allow some tolerance for timing.
	if len(processedAt) > 0 {
		elapsed := processedAt[0].Sub(startTime)
		if elapsed < 90*time.Millisecond {
			t.Errorf("event processed too early: %v", elapsed)
		}
	}
}

func TestDebouncer_IndependentPaths(t *testing.T) {
	var processed []string
	var mu sync.Mutex

	d := newFileDebouncer(50*time.Millisecond, func(path string, op fsnotify.Op) {
		mu.Lock()
		processed = append(processed, path)
		mu.Unlock()
	})
	defer d.Stop()

	// Queue events for different files
	d.Queue("a.jsonl", fsnotify.Write)
	d.Queue("b.jsonl", fsnotify.Write)
	d.Queue("c.jsonl", fsnotify.Write)

	// Wait for all to process
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(processed) != 3 {
		t.Errorf("expected 3 processed events, got %d", len(processed))
	}

	found := make(map[string]bool)
	for _, p := range processed {
		found[p] = true
	}

	for _, expected := range []string{"a.jsonl", "b.jsonl", "c.jsonl"} {
		if !found[expected] {
			t.Errorf("expected %s to be processed", expected)
		}
	}
}

// ============================================================================
// Removals
// ============================================================================

func TestDebouncer_RemoveIsImmediate(t *testing.T) {
	var processed []fsnotify.Op
	var mu sync.Mutex
	done := make(chan bool, 1)

	d := newFileDebouncer(100*time.Millisecond, func(path string, op fsnotify.Op) {
		mu.Lock()
		processed = append(processed, op)
		mu.Unlock()
		if op.Has(fsnotify.Remove) {
			done <- true
		}
	})
	defer d.Stop()

	d.Queue("session.jsonl", fsnotify.Remove)

	// A remove must not wait out the debounce window
	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Error("remove was not processed immediately")
	}

	mu.Lock()
	defer mu.Unlock()

	if len(processed) != 1 || !processed[0].Has(fsnotify.Remove) {
		t.Errorf("expected immediate remove processing, got %v", processed)
	}
}

func TestDebouncer_RenameIsImmediate(t *testing.T) {
	done := make(chan fsnotify.Op, 1)

	d := newFileDebouncer(100*time.Millisecond, func(path string, op fsnotify.Op) {
		done <- op
	})
	defer d.Stop()

	d.Queue("session.jsonl", fsnotify.Rename)

	select {
	case op := <-done:
		if !op.Has(fsnotify.Rename) {
			t.Errorf("expected Rename op, got %v", op)
		}
	case <-time.After(50 * time.Millisecond):
		t.Error("rename was not processed immediately")
	}
}

func TestDebouncer_RemoveCancelsPending(t *testing.T) {
	var processed []fsnotify.Op
	var mu sync.Mutex

	d := newFileDebouncer(100*time.Millisecond, func(path string, op fsnotify.Op) {
		mu.Lock()
		processed = append(processed, op)
		mu.Unlock()
	})
	defer d.Stop()

	// Queue a write (will be pending for 100ms)
	d.Queue("session.jsonl", fsnotify.Write)

	// Immediately queue a remove - should cancel the pending write
	d.Queue("session.jsonl", fsnotify.Remove)

	// Wait for everything to settle
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// Should only have the remove, not the write
	if len(processed) != 1 || !processed[0].Has(fsnotify.Remove) {
		t.Errorf("expected only remove to be processed, got %v", processed)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestDebouncer_Stop(t *testing.T) {
	callCount := 0
	var mu sync.Mutex

	d := newFileDebouncer(50*time.Millisecond, func(path string, op fsnotify.Op) {
		mu.Lock()
		callCount++
		mu.Unlock()
	})

	// Queue an event
	d.Queue("session.jsonl", fsnotify.Write)

	// Stop before it fires
	d.Stop()

	// Wait past the debounce time
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if callCount != 0 {
		t.Errorf("expected no calls after Stop, got %d", callCount)
	}
}

func TestDebouncer_QueueAfterStop(t *testing.T) {
	d := newFileDebouncer(50*time.Millisecond, func(path string, op fsnotify.Op) {
		t.Error("should not be called after stop")
	})

	d.Stop()

	if d.Queue("session.jsonl", fsnotify.Write) {
		t.Error("expected Queue to return false after Stop")
	}

	if d.Queue("session.jsonl", fsnotify.Remove) {
		t.Error("expected Queue to return false for remove after Stop")
	}

	// Wait to ensure no processing happens
	time.Sleep(100 * time.Millisecond)
}

func TestDebouncer_PendingCount(t *testing.T) {
	d := newFileDebouncer(100*time.Millisecond, func(path string, op fsnotify.Op) {})
	defer d.Stop()

	if d.pendingCount() != 0 {
		t.Error("expected 0 pending initially")
	}

	d.Queue("a.jsonl", fsnotify.Write)
	d.Queue("b.jsonl", fsnotify.Write)

	if d.pendingCount() != 2 {
		t.Errorf("expected 2 pending, got %d", d.pendingCount())
	}

	// Wait for processing
	time.Sleep(200 * time.Millisecond)

	if d.pendingCount() != 0 {
		t.Errorf("expected 0 pending after processing, got %d", d.pendingCount())
	}
}
