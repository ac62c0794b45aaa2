package prefetch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// Resolver maps the entry range [start, end) to its article ids in read
// order. It clamps end to the entry size.
type Resolver func(start, end int64) ([]string, error)

type WindowStats struct {
	Size      int64 `json:"window_bytes"`
	Pending   int   `json:"pending"`
	Scheduled int64 `json:"scheduled"`
	Cancelled int64 `json:"cancelled"`
	Dropped   int64 `json:"dropped"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Window tracks what one session has asked the scheduler for. The window
// doubles while reads are sequential and falls back to its initial size on
// a seek.
type Window struct {
	sched   *Scheduler
	session string
	resolve Resolver
	initial int64
	max     int64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	size    int64
	next    int64 // end of the previous read
	primed  bool
	closed  bool
	pending map[string]*job

	scheduled atomic.Int64
	cancelled atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Notify records a foreground read of [offset, offset+length) and schedules
// the articles of [offset, offset+window).
func (w *Window) Notify(offset, length int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	sequential := w.primed && offset == w.next
	seek := w.primed && !sequential
	switch {
	case sequential:
		w.size = min(w.size*2, w.max)
	case seek:
		w.size = w.initial
	}
	w.primed = true
	w.next = offset + length

	ids, err := w.resolve(offset, offset+w.size)
	if err != nil {
		w.sched.log.Debug("[Prefetch] %s: cannot resolve window at %d: %v", w.session, offset, err)
		return
	}

	if seek {
		want := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
		n := 0
		for id, j := range w.pending {
			if _, keep := want[id]; keep {
				continue
			}
			if j.cancel() {
				delete(w.pending, id)
				n++
			}
		}
		if n > 0 {
			w.cancelled.Add(int64(n))
			for range n {
				w.sched.metrics.PrefetchCancelled()
			}
			w.sched.log.Debug("[Prefetch] %s: seek to %d cancelled %d pending fetches", w.session, offset, n)
		}
	}

	for _, id := range ids {
		if _, ok := w.pending[id]; ok {
			continue
		}
		if w.sched.loader.Cached(id) {
			continue
		}
		j := &job{id: id, window: w}
		if !w.sched.enqueue(j) {
			// the rest lie further ahead; the next read will try again
			w.dropped.Add(1)
			break
		}
		w.pending[id] = j
		w.scheduled.Add(1)
	}
}

// Pending lists articles scheduled but not yet picked up by a worker.
func (w *Window) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *Window) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *Window) Stats() WindowStats {
	w.mu.Lock()
	size, pending := w.size, len(w.pending)
	w.mu.Unlock()
	return WindowStats{
		Size:      size,
		Pending:   pending,
		Scheduled: w.scheduled.Load(),
		Cancelled: w.cancelled.Load(),
		Dropped:   w.dropped.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
	}
}

// Close cancels pending jobs and stops waiting on running ones. Fetches
// already shared with a foreground read carry on for that reader.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for id, j := range w.pending {
		if j.cancel() {
			w.cancelled.Add(1)
			w.sched.metrics.PrefetchCancelled()
		}
		delete(w.pending, id)
	}
	w.cancel()
}

func (w *Window) started(j *job) {
	w.mu.Lock()
	if w.pending[j.id] == j {
		delete(w.pending, j.id)
	}
	w.mu.Unlock()
}

func (w *Window) finished(err error) {
	switch {
	case err == nil:
		w.completed.Add(1)
	case errors.Is(err, context.Canceled):
		w.cancelled.Add(1)
	default:
		w.failed.Add(1)
	}
}
