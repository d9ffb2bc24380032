// Package sessionlist tracks every HMAC and policy session loaded in
// the TPM, across all connections. There is exactly one List per
// daemon, since sessions (unlike transient objects) occupy a single
// shared physical-handle space and any connection may reference any
// other connection's session handle in an auth area. Its lock sits one
// level above a connection's handle-map lock and one below the
// connection registry's, per the broker's lock-ordering rules.
package sessionlist

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tpm2-software/tpm2-brokerd/wire"
)

// DefaultMaxEntries and MaxEntriesCeiling mirror the historical
// SESSION_LIST_MAX_ENTRIES_DEFAULT / _MAX.
const (
	DefaultMaxEntries = 27
	MaxEntriesCeiling = 100
)

// Entry is one tracked session. ConnectionID identifies the owning
// connection without this package importing the connection package
// (same rationale as wire.Conn).
type Entry struct {
	ConnectionID uint64
	Handle       wire.Handle // current physical handle, valid only while Loaded
	Context      []byte      // saved context, non-nil when evicted
}

// Loaded reports whether the entry's physical handle is live.
func (e *Entry) Loaded() bool { return e.Context == nil }

// List is the process-wide session table, ordered by recency of load:
// the front of the list is the most recently loaded session, the back
// is the least recently loaded and therefore the next eviction
// candidate.
type List struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List // list.Element.Value is *Entry
	byHandle   map[wire.Handle]*list.Element
}

// New returns an empty List bounded at maxEntries. A non-positive
// value selects DefaultMaxEntries; larger values are clamped to
// MaxEntriesCeiling.
func New(maxEntries int) *List {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxEntries > MaxEntriesCeiling {
		maxEntries = MaxEntriesCeiling
	}
	return &List{
		maxEntries: maxEntries,
		order:      list.New(),
		byHandle:   make(map[wire.Handle]*list.Element),
	}
}

// IsFull reports whether the list has reached its entry budget.
func (l *List) IsFull() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len() >= l.maxEntries
}

// Size returns the number of tracked sessions.
func (l *List) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Insert adds a freshly started or just-loaded session to the front of
// the recency order.
func (l *List) Insert(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.order.Len() >= l.maxEntries {
		return fmt.Errorf("sessionlist: max entries (%d) exceeded", l.maxEntries)
	}
	if _, exists := l.byHandle[e.Handle]; exists {
		return fmt.Errorf("sessionlist: handle %s already tracked", e.Handle)
	}
	el := l.order.PushFront(e)
	l.byHandle[e.Handle] = el
	return nil
}

// LookupHandle returns the entry tracked under the given (physical)
// handle, or nil.
func (l *List) LookupHandle(h wire.Handle) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.byHandle[h]
	if !ok {
		return nil
	}
	return el.Value.(*Entry)
}

// LookupConnection returns every session entry owned by connID.
func (l *List) LookupConnection(connID uint64) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Entry
	for el := l.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.ConnectionID == connID {
			out = append(out, e)
		}
	}
	return out
}

// Touch moves the session's entry to the front of the recency order,
// called whenever the resource manager loads it back into the TPM.
func (l *List) Touch(h wire.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.byHandle[h]
	if !ok {
		return
	}
	l.order.MoveToFront(el)
}

// RemoveHandle removes the session tracked under the given handle.
func (l *List) RemoveHandle(h wire.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.byHandle[h]
	if !ok {
		return
	}
	l.order.Remove(el)
	delete(l.byHandle, h)
}

// RemoveConnection removes every session owned by connID, returning
// the removed entries so the caller can flush or discard them.
func (l *List) RemoveConnection(connID uint64) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed []*Entry
	for el := l.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if e.ConnectionID == connID {
			l.order.Remove(el)
			delete(l.byHandle, e.Handle)
			removed = append(removed, e)
		}
		el = next
	}
	return removed
}

// LeastRecentlyLoaded returns the entry at the back of the recency
// order (the next eviction candidate among loaded sessions), or nil if
// the list is empty.
func (l *List) LeastRecentlyLoaded() *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	el := l.order.Back()
	if el == nil {
		return nil
	}
	return el.Value.(*Entry)
}

// ForEach walks every tracked entry from most- to least-recently
// loaded. fn must not call back into the List.
func (l *List) ForEach(fn func(*Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for el := l.order.Front(); el != nil; el = el.Next() {
		fn(el.Value.(*Entry))
	}
}
