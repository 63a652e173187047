package preview

import (
	"context"
	"sync"
)

// Tracker keys in-flight requests by node id with a generation token.
type Tracker struct {
	mu       sync.Mutex
	next     uint64
	inflight map[string]flight
	last     map[string]*Result
}

type flight struct {
	gen    uint64
	cancel context.CancelFunc
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		inflight: make(map[string]flight),
		last:     make(map[string]*Result),
	}
}

// Begin starts a request for key, canceling the one in flight. The returned
// context is canceled when the request is superseded.
func (t *Tracker) Begin(ctx context.Context, key string) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.inflight[key]; ok {
		f.cancel()
	}
	t.next++
	t.inflight[key] = flight{gen: t.next, cancel: cancel}
	return ctx, t.next
}

// Finish settles request gen of key. It returns ErrSuperseded when the
// request is no longer current, in which case res is discarded. A nil res
// leaves the last result untouched.
func (t *Tracker) Finish(key string, gen uint64, res *Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.inflight[key]
	if !ok || f.gen != gen {
		return ErrSuperseded
	}
	f.cancel()
	delete(t.inflight, key)
	if res != nil {
		t.last[key] = res
	}
	return nil
}

// Pending reports whether a request for key is in flight.
func (t *Tracker) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[key]
	return ok
}

// Last returns the last settled result of key.
func (t *Tracker) Last(key string) (*Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.last[key]
	return r, ok
}

// Cancel aborts the request in flight for key. Its completion is then
// reported as superseded.
func (t *Tracker) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.inflight[key]; ok {
		f.cancel()
		delete(t.inflight, key)
	}
}

// Forget cancels key and drops its last result.
func (t *Tracker) Forget(key string) {
	t.Cancel(key)
	t.mu.Lock()
	delete(t.last, key)
	t.mu.Unlock()
}

// CancelAll aborts every request in flight.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, f := range t.inflight {
		f.cancel()
		delete(t.inflight, key)
	}
}
