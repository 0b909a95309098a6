package transcript

import (
	"context"
	"sync"
	"time"
)

// Tick cadence. A single fresh timer refreshes fast enough for a counting
// display, then everything falls back to the coarse rate; aggregates over
// several running operations only ever use the coarse rate.
const (
	tickFine       = 100 * time.Millisecond
	tickCoarse     = time.Second
	fineTickWindow = 10 * time.Second
)

// Tracker computes display durations for running operations and freezes them
// when the authoritative duration arrives.
//
// While an operation runs, its duration is derived from the wall clock and
// never decreases between reads, even if the clock does. Once Freeze records
// the authoritative duration the live estimate is discarded, and the shown
// value may jump in either direction; the recorded duration always wins.
// Operations whose start timestamp is unusable report no duration at all
// until frozen.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*timerEntry
	ticking bool

	now func() time.Time // stubbed in tests
}

type timerEntry struct {
	startedAt time.Time
	frozen    bool
	frozenDur time.Duration
	lastLive  time.Duration
}

// NewTracker returns an empty tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*timerEntry), now: time.Now}
}

// Start begins timing an operation. Starting an id that is already frozen or
// already running is a no-op.
func (t *Tracker) Start(id string, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return
	}
	t.entries[id] = &timerEntry{startedAt: startedAt}
}

// Freeze records the authoritative duration for an operation, stopping its
// live timer. Freezing an id that was never started still records the
// duration, so results replayed without their start events stay correct.
func (t *Tracker) Freeze(id string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &timerEntry{}
		t.entries[id] = e
	}
	if e.frozen {
		return
	}
	e.frozen = true
	e.frozenDur = d
}

// Live returns the current display duration for an operation: the frozen
// duration if one arrived, otherwise the non-decreasing live reading. The
// second return is false when nothing can be shown (unknown id, or a running
// entry with no usable start time).
func (t *Tracker) Live(id string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return t.liveLocked(e)
}

func (t *Tracker) liveLocked(e *timerEntry) (time.Duration, bool) {
	if e.frozen {
		return e.frozenDur, true
	}
	if e.startedAt.IsZero() {
		return 0, false
	}
	d := t.now().Sub(e.startedAt)
	if d < e.lastLive {
		d = e.lastLive
	}
	e.lastLive = d
	return d, true
}

// Aggregate sums the display durations of the given ids, frozen values and
// live estimates mixed. Ids with nothing to show contribute zero. The sum
// may jump when a freeze replaces a live estimate.
func (t *Tracker) Aggregate(ids []string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total time.Duration
	for _, id := range ids {
		e, ok := t.entries[id]
		if !ok {
			continue
		}
		if d, ok := t.liveLocked(e); ok {
			total += d
		}
	}
	return total
}

// RunningCount reports how many operations are still producing live readings.
func (t *Tracker) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningLocked()
}

// RunningDurations returns the current reading of every running operation,
// in milliseconds, for incremental timer pushes.
func (t *Tracker) RunningDurations() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64)
	for id, e := range t.entries {
		if e.frozen || e.startedAt.IsZero() {
			continue
		}
		if d, ok := t.liveLocked(e); ok {
			out[id] = d.Milliseconds()
		}
	}
	return out
}

// StopAll freezes every running timer at its current reading. Used when the
// producing process exits and no further results can arrive.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.frozen {
			continue
		}
		d, ok := t.liveLocked(e)
		if !ok {
			d = 0
		}
		e.frozen = true
		e.frozenDur = d
	}
}

func (t *Tracker) runningLocked() int {
	n := 0
	for _, e := range t.entries {
		if !e.frozen && !e.startedAt.IsZero() {
			n++
		}
	}
	return n
}

// TickInterval returns the refresh cadence the tracker currently needs: zero
// when nothing is running, the fine rate while a single young timer runs,
// the coarse rate otherwise.
func (t *Tracker) TickInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tickIntervalLocked()
}

func (t *Tracker) tickIntervalLocked() time.Duration {
	var running *timerEntry
	n := 0
	for _, e := range t.entries {
		if !e.frozen && !e.startedAt.IsZero() {
			running = e
			n++
		}
	}
	switch {
	case n == 0:
		return 0
	case n == 1 && t.now().Sub(running.startedAt) < fineTickWindow:
		return tickFine
	default:
		return tickCoarse
	}
}

// EnsureTicking guarantees a tick loop is running whenever at least one
// operation is: fn fires at the tracker's current cadence until ctx is
// cancelled or everything froze, then the loop tears itself down. Call it
// after every Start; at most one loop exists at a time, and stopping plus
// restarting later is the expected lifecycle.
func (t *Tracker) EnsureTicking(ctx context.Context, fn func()) {
	t.mu.Lock()
	if t.ticking || t.runningLocked() == 0 {
		t.mu.Unlock()
		return
	}
	t.ticking = true
	t.mu.Unlock()
	go t.tickLoop(ctx, fn)
}

func (t *Tracker) tickLoop(ctx context.Context, fn func()) {
	for {
		t.mu.Lock()
		iv := t.tickIntervalLocked()
		if iv == 0 {
			t.ticking = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.ticking = false
			t.mu.Unlock()
			return
		case <-time.After(iv):
		}
		fn()
	}
}
