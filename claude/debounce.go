package claude

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// refreshDebounceDelay is how long a transcript file must stay quiet before
// its queued events flush. The CLI appends rows one write at a time, so a
// single turn can produce dozens of events within milliseconds.
const refreshDebounceDelay = 100 * time.Millisecond

// fileDebouncer coalesces bursts of filesystem events per path, so one turn
// of CLI output costs one file re-read instead of one per appended row.
// Remove and rename flush immediately; create and write wait out the delay,
// with ops accumulated so a create followed by writes still flushes as a
// create.
type fileDebouncer struct {
	mu       sync.Mutex
	pending  map[string]*pendingFlush
	delay    time.Duration
	onFlush  func(path string, op fsnotify.Op)
	stopping atomic.Bool
}

type pendingFlush struct {
	timer *time.Timer
	op    fsnotify.Op
}

func newFileDebouncer(delay time.Duration, onFlush func(path string, op fsnotify.Op)) *fileDebouncer {
	return &fileDebouncer{
		pending: make(map[string]*pendingFlush),
		delay:   delay,
		onFlush: onFlush,
	}
}

// Queue records an event for path. Returns false if the debouncer is
// stopping and the event was discarded.
func (d *fileDebouncer) Queue(path string, op fsnotify.Op) bool {
	if d.stopping.Load() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Re-check under the lock so a racing Stop can't leave a live timer.
	if d.stopping.Load() {
		return false
	}

	// Deletions flush immediately: a pending refresh for a file that is gone
	// would only fail, and the store should drop the session promptly.
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		if p, ok := d.pending[path]; ok {
			p.timer.Stop()
			delete(d.pending, path)
		}
		go d.onFlush(path, op)
		return true
	}

	if p, ok := d.pending[path]; ok {
		// Reset fails when the timer already fired and the flush is in
		// flight; fall through and open a fresh window for this event.
		if p.timer.Reset(d.delay) {
			p.op |= op
			return true
		}
	}

	p := &pendingFlush{op: op}
	p.timer = time.AfterFunc(d.delay, func() { d.flush(path) })
	d.pending[path] = p
	return true
}

func (d *fileDebouncer) flush(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if ok {
		delete(d.pending, path)
	}
	d.mu.Unlock()

	if ok {
		d.onFlush(path, p.op)
	}
}

// Stop cancels all pending flushes and rejects new events.
func (d *fileDebouncer) Stop() {
	d.stopping.Store(true)

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.pending {
		p.timer.Stop()
	}
	d.pending = make(map[string]*pendingFlush)
}

func (d *fileDebouncer) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
