package capnweb

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// exportState tracks where an export entry sits in its lifecycle.
// Push-created entries start Pending and move to Resolved/Rejected
// once the call engine finishes evaluating them; capability entries
// created via Intern start (and stay) Resolved.
type exportState int

const (
	exportPending exportState = iota
	exportResolved
	exportRejected
)

// exportEntry is one row of the Exports Table: either a
// capability this session hosts (Target != nil) or a pending/settled
// push-result slot (Target == nil, Value/Err populated on settle).
type exportEntry struct {
	mu       sync.Mutex
	id       int64
	refcount int
	state    exportState
	target   Target
	value    interface{}
	err      *Error
	disposed bool
	waiters  []chan struct{}
}

// settle reports whether it actually transitioned the entry out of
// Pending. A false return means the entry was already settled — the
// caller's settle attempt is a duplicate resolve/reject and should be
// treated as a protocol violation, not silently dropped.
func (e *exportEntry) settle(value interface{}, err *Error) bool {
	e.mu.Lock()
	if e.state != exportPending {
		e.mu.Unlock()
		return false
	}
	if err != nil {
		e.state = exportRejected
		e.err = err
	} else {
		e.state = exportResolved
		e.value = value
	}
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return true
}

// awaitValue blocks until the entry settles (a no-op for capability
// entries, which are Resolved at creation), returning either the
// hosted Target (capability entries) or the settled value.
func (e *exportEntry) awaitValue(ctx context.Context) (interface{}, error) {
	e.mu.Lock()
	if e.target != nil {
		e.mu.Unlock()
		return e.target, nil
	}
	for e.state == exportPending {
		ch := make(chan struct{})
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, Wrap(KindCanceled, "await canceled", ctx.Err())
		}
		e.mu.Lock()
	}
	defer e.mu.Unlock()
	if e.state == exportRejected {
		return nil, e.err
	}
	return e.value, nil
}

// ExportsTable holds every value and capability this session hosts,
// keyed by negative id. A positive id 0 is reserved for the session's
// main capability and is never stored here.
type ExportsTable struct {
	mu       sync.Mutex
	entries  map[int64]*exportEntry
	byTarget map[Target]int64
}

func newExportsTable() *ExportsTable {
	return &ExportsTable{
		entries:  make(map[int64]*exportEntry),
		byTarget: make(map[Target]int64),
	}
}

// createPending registers a new pending slot at id, as happens when a
// push names a result slot the receiver hasn't seen before. The caller
// passes id exactly as it appeared on the wire (already negative).
func (t *ExportsTable) createPending(id int64) *exportEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e
	}
	e := &exportEntry{id: id, refcount: 1, state: exportPending}
	t.entries[id] = e
	return e
}

// intern allocates a fresh export id for target and stores it
// Resolved, ready to be referenced by an export-tag on the wire. If
// target has already been exported on this session, its existing
// entry is reused (refcount bumped) instead of minting a duplicate id.
func (t *ExportsTable) intern(alloc *idAllocator, target Target) *exportEntry {
	t.mu.Lock()
	if id, ok := t.byTarget[target]; ok {
		e := t.entries[id]
		e.mu.Lock()
		e.refcount++
		e.mu.Unlock()
		t.mu.Unlock()
		return e
	}
	t.mu.Unlock()

	id := alloc.nextExportID()
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &exportEntry{id: id, refcount: 1, state: exportResolved, target: target}
	t.entries[id] = e
	t.byTarget[target] = id
	return e
}

// get looks up an existing entry by its (already negative) local key.
func (t *ExportsTable) get(id int64) (*exportEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// acquire bumps an entry's refcount, used when the same capability is
// referenced again in an outgoing message.
func (t *ExportsTable) acquire(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.mu.Lock()
		e.refcount++
		e.mu.Unlock()
	}
}

// release drops an entry's refcount by delta, disposing it (invoking
// the capability's dispose hook, if any) the moment it reaches zero.
// Releasing an id this table never created is a protocol violation
// (cap_revoked) rather than a silent no-op; so is a delta that exceeds
// the entry's current refcount (bad_request) — refcounts are
// non-negative and an overshoot can only mean the peer mis-tracked its
// own reference count.
func (t *ExportsTable) release(id int64, delta int64) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return NewError(KindCapRevoked, fmt.Sprintf("release of unknown export %d", id))
	}
	t.mu.Unlock()

	e.mu.Lock()
	if int64(e.refcount) < delta {
		refcount := e.refcount
		e.mu.Unlock()
		return NewError(KindBadRequest, fmt.Sprintf("release delta %d exceeds refcount %d for export %d", delta, refcount, id))
	}
	e.refcount -= int(delta)
	shouldDispose := e.refcount <= 0 && !e.disposed
	if shouldDispose {
		e.disposed = true
	}
	target := e.target
	e.mu.Unlock()

	if shouldDispose {
		t.mu.Lock()
		delete(t.entries, id)
		t.mu.Unlock()
		if target != nil {
			if _, err := target.Dispatch(context.Background(), "dispose", nil); err != nil {
				log.Printf("capnweb: dispose of export %d returned error: %v", id, err)
			}
		}
	}
	return nil
}

// disposeAll is invoked during session teardown: every remaining
// capability export is disposed regardless of refcount.
func (t *ExportsTable) disposeAll() {
	t.mu.Lock()
	entries := make([]*exportEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.entries = make(map[int64]*exportEntry)
	t.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		target := e.target
		disposed := e.disposed
		e.disposed = true
		e.mu.Unlock()
		if target != nil && !disposed {
			if _, err := target.Dispatch(context.Background(), "dispose", nil); err != nil {
				log.Printf("capnweb: dispose of export %d returned error: %v", e.id, err)
			}
		}
	}
}
