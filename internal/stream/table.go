// Package stream implements the per-session stream table (spec §4.2): id
// allocation and the two maps — HTTP and WebSocket — that a Table-Session
// never lets a single streamId occupy at once (invariant 2).
package stream

import (
	"sync"
	"time"
)

// Table is generic over the concrete HTTP and WS stream entry types so
// callers get typed lookups instead of interface{} assertions. H and W are
// normally pointer types (*httpStream, *wsStream) owned by the session.
type Table[H any, W any] struct {
	mu sync.Mutex

	nextID uint32 // never recycled within one connectionId (invariant 1)

	http map[uint32]H
	ws   map[uint32]W

	timers map[uint32]*time.Timer

	maxConcurrent int
}

// New creates an empty table. maxConcurrent bounds |http|+|ws| (invariant 3).
func New[H any, W any](maxConcurrent int) *Table[H, W] {
	return &Table[H, W]{
		nextID:        1,
		http:          make(map[uint32]H),
		ws:            make(map[uint32]W),
		timers:        make(map[uint32]*time.Timer),
		maxConcurrent: maxConcurrent,
	}
}

// Reset rewinds id allocation and drops all entries. Called when a new agent
// attach rotates the connectionId; the caller must have already failed any
// existing streams before calling Reset.
func (t *Table[H, W]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID = 1
	t.http = make(map[uint32]H)
	t.ws = make(map[uint32]W)
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = make(map[uint32]*time.Timer)
}

// Len reports the current combined stream count.
func (t *Table[H, W]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.http) + len(t.ws)
}

// AtCapacity reports whether accepting one more stream would exceed the cap.
func (t *Table[H, W]) AtCapacity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.http)+len(t.ws) >= t.maxConcurrent
}

// TryAllocateHTTP checks capacity and allocates the next stream id under a
// single lock, so concurrent callers can't both observe room for one more
// stream and both allocate, pushing |http|+|ws| past maxConcurrent
// (invariant 3). ok is false, and no id is allocated, when the table is
// already at capacity.
func (t *Table[H, W]) TryAllocateHTTP(entry H) (id uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.http)+len(t.ws) >= t.maxConcurrent {
		return 0, false
	}
	id = t.nextID
	t.nextID++
	t.http[id] = entry
	return id, true
}

// HTTP looks up an in-flight HTTP stream entry.
func (t *Table[H, W]) HTTP(id uint32) (H, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.http[id]
	return e, ok
}

// WS looks up an open WebSocket stream entry.
func (t *Table[H, W]) WS(id uint32) (W, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.ws[id]
	return e, ok
}

// Promote moves id out of the HTTP table and into the WS table atomically,
// so it is never visible in both (invariant 2). Reports whether id was
// present in the HTTP table, so callers can keep bookkeeping idempotent.
func (t *Table[H, W]) Promote(id uint32, wsEntry W) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.http[id]
	delete(t.http, id)
	t.ws[id] = wsEntry
	return existed
}

// RemoveHTTP deletes the HTTP entry and cancels its deadline timer, if any.
// Reports whether the entry was present.
func (t *Table[H, W]) RemoveHTTP(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.http[id]
	delete(t.http, id)
	t.cancelLocked(id)
	return existed
}

// RemoveWS deletes the WS entry and cancels its deadline timer, if any.
// Reports whether the entry was present.
func (t *Table[H, W]) RemoveWS(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.ws[id]
	delete(t.ws, id)
	t.cancelLocked(id)
	return existed
}

// SetDeadline installs id's deadline timer, replacing and stopping any prior
// one. Timers live in the table slot, per the one-timer-per-stream design.
func (t *Table[H, W]) SetDeadline(id uint32, timer *time.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	t.timers[id] = timer
}

// CancelDeadline stops and removes id's deadline timer, if any.
func (t *Table[H, W]) CancelDeadline(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked(id)
}

func (t *Table[H, W]) cancelLocked(id uint32) {
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
}

// HTTPEntries snapshots the current HTTP entries, for failing them all on
// agent disconnect (invariant 6) without holding the lock during the fail-out.
func (t *Table[H, W]) HTTPEntries() map[uint32]H {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint32]H, len(t.http))
	for id, e := range t.http {
		out[id] = e
	}
	return out
}

// WSEntries snapshots the current WS entries.
func (t *Table[H, W]) WSEntries() map[uint32]W {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint32]W, len(t.ws))
	for id, e := range t.ws {
		out[id] = e
	}
	return out
}
