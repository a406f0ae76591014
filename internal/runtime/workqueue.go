package runtime

import (
	"log/slog"
	"sync"

	"github.com/aretw0/patchbay/internal/logging"
)

// WorkFunc is invoked when a queued item completes.
type WorkFunc func(obj any, seq uint32, err error)

type workItem struct {
	obj any
	seq uint32
	fn  WorkFunc
}

// WorkQueue bridges asynchronous plugin results back into the link state
// machine. Items are keyed by (object, sequence). Sequence 0 marks deferred
// work that runs on the next Dispatch.
type WorkQueue struct {
	logger *slog.Logger

	mu       sync.Mutex
	pending  []*workItem
	deferred []*workItem
}

// NewWorkQueue creates an empty queue.
func NewWorkQueue(logger *slog.Logger) *WorkQueue {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &WorkQueue{logger: logger}
}

// Add registers fn to run once (obj, seq) completes. A zero seq defers fn to
// the next Dispatch.
func (q *WorkQueue) Add(obj any, seq uint32, fn WorkFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &workItem{obj: obj, seq: seq, fn: fn}
	if seq == 0 {
		q.deferred = append(q.deferred, item)
		return
	}
	q.pending = append(q.pending, item)
}

// Complete finishes the pending item matching (obj, seq) and runs its
// callback with err. Completions that match nothing are ignored and reported
// as false.
func (q *WorkQueue) Complete(obj any, seq uint32, err error) bool {
	q.mu.Lock()
	var found *workItem
	for i, item := range q.pending {
		if item.obj == obj && item.seq == seq {
			found = item
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if found == nil {
		q.logger.Debug("ignoring unmatched completion", "seq", seq, "err", err)
		return false
	}
	found.fn(found.obj, found.seq, err)
	return true
}

// Cancel drops every item registered for obj, pending or deferred, and
// returns how many were dropped.
func (q *WorkQueue) Cancel(obj any) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	q.pending, n = dropObj(q.pending, obj, n)
	q.deferred, n = dropObj(q.deferred, obj, n)
	return n
}

func dropObj(items []*workItem, obj any, n int) ([]*workItem, int) {
	kept := items[:0]
	for _, item := range items {
		if item.obj == obj {
			n++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(items); i++ {
		items[i] = nil
	}
	return kept, n
}

// Pending returns the number of items, deferred or not, still waiting for
// obj.
func (q *WorkQueue) Pending(obj any) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, items := range [][]*workItem{q.pending, q.deferred} {
		for _, item := range items {
			if item.obj == obj {
				n++
			}
		}
	}
	return n
}

// Dispatch runs deferred items, including items deferred by the callbacks it
// runs, until none are left.
func (q *WorkQueue) Dispatch() {
	for {
		q.mu.Lock()
		if len(q.deferred) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.deferred[0]
		q.deferred[0] = nil
		q.deferred = q.deferred[1:]
		q.mu.Unlock()

		item.fn(item.obj, 0, nil)
	}
}
