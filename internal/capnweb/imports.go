package capnweb

import (
	"context"
	"fmt"
	"sync"
)

type importState int

const (
	importPending importState = iota
	importResolved
	importRejected
)

// importEntry is one row of the Imports Table: either a
// handle onto a peer-hosted capability (resolved the instant it is
// decoded, since the capability identity is already known) or a
// pending slot awaiting a resolve/reject for a call we pushed.
type importEntry struct {
	mu       sync.Mutex
	id       int64
	refcount int
	state    importState
	value    interface{}
	err      *Error
	waiters  []chan struct{}
}

// settle reports whether it actually transitioned the entry out of
// Pending. A false return means the entry was already settled — the
// caller's settle attempt is a duplicate resolve/reject and should be
// treated as a protocol violation, not silently dropped.
func (e *importEntry) settle(value interface{}, err *Error) bool {
	e.mu.Lock()
	if e.state != importPending {
		e.mu.Unlock()
		return false
	}
	if err != nil {
		e.state = importRejected
		e.err = err
	} else {
		e.state = importResolved
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

func (e *importEntry) awaitValue(ctx context.Context) (interface{}, error) {
	e.mu.Lock()
	for e.state == importPending {
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
	if e.state == importRejected {
		return nil, e.err
	}
	return e.value, nil
}

// ImportsTable holds every reference this session holds on the peer's
// capabilities and pending call results, keyed by positive id.
type ImportsTable struct {
	mu      sync.Mutex
	entries map[int64]*importEntry
	alloc   *idAllocator

	releaseMu sync.Mutex
	pending   map[int64]int64 // accumulated release deltas, flushed by Session.flushReleases
}

func newImportsTable() *ImportsTable {
	return &ImportsTable{
		entries: make(map[int64]*importEntry),
		alloc:   newIDAllocator(),
		pending: make(map[int64]int64),
	}
}

// createForPush allocates the local bookkeeping import that mirrors a
// push this session just sent: pushing export -N also commits this
// session, locally, to treating +N as its own new import.
func (t *ImportsTable) createForPush(exportID int64) *importEntry {
	id := -exportID
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &importEntry{id: id, refcount: 1, state: importPending}
	t.entries[id] = e
	return e
}

// acquireForCapability finds or creates the import entry backing a
// peer-hosted capability, called after negating an incoming export
// tag's wire id. Capability imports are Resolved immediately:
// their identity is known even though calls against them must still
// round-trip to the peer.
func (t *ImportsTable) acquireForCapability(id int64, stub interface{}) *importEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.mu.Lock()
		e.refcount++
		e.mu.Unlock()
		return e
	}
	e := &importEntry{id: id, refcount: 1, state: importResolved, value: stub}
	t.entries[id] = e
	return e
}

// acquirePendingCapability is the promise-tag variant: the capability
// identity is known (id) but its value is not yet settled.
func (t *ImportsTable) acquirePendingCapability(id int64) *importEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.mu.Lock()
		e.refcount++
		e.mu.Unlock()
		return e
	}
	e := &importEntry{id: id, refcount: 1, state: importPending}
	t.entries[id] = e
	return e
}

func (t *ImportsTable) get(id int64) (*importEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// resolve settles the import that corresponds to the peer's export_id
// (already negated into our own positive local key by the caller). An
// id with no entry is treated as already released, not an error — a
// resolve racing a release it hasn't seen yet is expected. A resolve
// for an id that's still tracked but already settled is a protocol
// violation: the peer is resolving/rejecting the same call twice.
func (t *ImportsTable) resolve(id int64, value interface{}, err *Error) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if !e.settle(value, err) {
		return NewError(KindBadRequest, fmt.Sprintf("duplicate resolve/reject for import %d", id))
	}
	return nil
}

// queueRelease accumulates a release delta for id, to be sent as a
// single release frame the next time the session flushes releases
// (on every Stub.Await flush and on every Stub.Dispose).
func (t *ImportsTable) queueRelease(id int64, delta int64) {
	t.releaseMu.Lock()
	t.pending[id] += delta
	t.releaseMu.Unlock()
}

// drainReleases empties the accumulated release deltas for
// Session.flushReleases to turn into wire frames, and drops the corresponding local
// entries once their refcount reaches zero.
func (t *ImportsTable) drainReleases() map[int64]int64 {
	t.releaseMu.Lock()
	if len(t.pending) == 0 {
		t.releaseMu.Unlock()
		return nil
	}
	out := t.pending
	t.pending = make(map[int64]int64)
	t.releaseMu.Unlock()

	t.mu.Lock()
	for id, delta := range out {
		if e, ok := t.entries[id]; ok {
			e.mu.Lock()
			e.refcount -= int(delta)
			dead := e.refcount <= 0
			e.mu.Unlock()
			if dead {
				delete(t.entries, id)
			}
		}
	}
	t.mu.Unlock()
	return out
}

// failAll rejects every still-pending import with the given error,
// used during session teardown.
func (t *ImportsTable) failAll(err *Error) {
	t.mu.Lock()
	entries := make([]*importEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()
	for _, e := range entries {
		e.settle(nil, err)
	}
}
