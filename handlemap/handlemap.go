// Package handlemap tracks the virtual-to-physical handle translation
// for one connection's transient objects. Each connection owns exactly
// one Map; every Map operation holds the Map's own lock for its
// duration. That lock sits one level below the session list's and one
// above the access broker's in the lock ordering.
package handlemap

import (
	"fmt"
	"sync"

	"github.com/tpm2-software/tpm2-brokerd/wire"
)

// DefaultMaxEntries is the per-connection transient handle budget used
// when a connection doesn't override it.
const DefaultMaxEntries = 27

// MaxEntriesCeiling is the hard upper bound a configured max-entries
// value is clamped to.
const MaxEntriesCeiling = 100

// Entry is one tracked object: the physical handle it currently lives
// at (if loaded) and, once evicted, the context blob the resource
// manager must TPM2_ContextLoad to bring it back.
type Entry struct {
	Virtual  wire.Handle
	Physical wire.Handle
	Context  []byte // non-nil when evicted (Physical is stale)
}

// Loaded reports whether the entry's physical handle is currently
// valid, i.e. it has not been saved-and-flushed.
func (e *Entry) Loaded() bool { return e.Context == nil }

// Map is a connection's virtual-handle table. Virtual handles are
// minted starting at serial 0xff, matching the upstream resource
// manager's convention of keeping the low handle-count range free for
// values a real TPM might assign.
type Map struct {
	mu         sync.Mutex
	maxEntries int
	nextSerial uint32
	entries    map[wire.Handle]*Entry
}

// New returns an empty Map bounded at maxEntries. A non-positive value
// selects DefaultMaxEntries; larger values are clamped to
// MaxEntriesCeiling.
func New(maxEntries int) *Map {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxEntries > MaxEntriesCeiling {
		maxEntries = MaxEntriesCeiling
	}
	return &Map{
		maxEntries: maxEntries,
		nextSerial: 0xff,
		entries:    make(map[wire.Handle]*Entry),
	}
}

// IsFull reports whether the map has reached its entry budget.
func (m *Map) IsFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries) >= m.maxEntries
}

// Size returns the number of tracked entries.
func (m *Map) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// NextVirtualHandle mints the next virtual transient handle for this
// map, without inserting it. Returns an error if the 24-bit serial
// space for transient handles has been exhausted (vanishingly unlikely
// in practice, matching the handle-count rollover case upstream).
func (m *Map) NextVirtualHandle() (wire.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextSerial&0xff000000 != 0 {
		return 0, fmt.Errorf("handlemap: virtual handle serial space exhausted")
	}
	h := wire.NewVirtualHandle(wire.HandleTypeTransient, m.nextSerial)
	m.nextSerial++
	return h, nil
}

// Insert adds an entry keyed by its virtual handle. It fails if the
// map is full or the virtual handle is zero; an entry already tracked
// under the same virtual handle is replaced.
func (m *Map) Insert(e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.maxEntries {
		return fmt.Errorf("handlemap: max entries (%d) exceeded", m.maxEntries)
	}
	if e.Virtual == 0 {
		return fmt.Errorf("handlemap: virtual handle must not be zero")
	}
	m.entries[e.Virtual] = e
	return nil
}

// Lookup returns the entry tracked under the given virtual handle, or
// nil if none exists. The returned *Entry is shared and is not guarded
// by the Map's lock once Lookup returns; callers that mutate it (e.g.
// after a context load/save) must serialize those mutations themselves.
func (m *Map) Lookup(vhandle wire.Handle) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[vhandle]
}

// Remove deletes the entry tracked under vhandle, if any.
func (m *Map) Remove(vhandle wire.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, vhandle)
}

// ForEach calls fn for every tracked entry, in unspecified order. fn
// must not call back into the Map; it holds the Map's lock for the
// duration of the walk.
func (m *Map) ForEach(fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		fn(e)
	}
}
