// Package connection represents one client's attachment to the
// broker and the registry that tracks every live connection. A
// Connection owns its own handlemap.Map (transient objects are
// per-connection); sessions are shared and live in the process-wide
// sessionlist.List, which records each session's owning connection id.
// The Registry's lock is the highest in the broker's lock-ordering
// hierarchy: it must be acquired before the session list's lock,
// which in turn comes before a connection's handle-map lock, which
// comes before the access broker.
package connection

import (
	"io"
	"sync"
	"time"

	"github.com/tpm2-software/tpm2-brokerd/handlemap"
)

// DefaultMaxConnections and MaxConnectionsCeiling mirror the historical
// connection-manager limits.
const (
	DefaultMaxConnections = 27
	MaxConnectionsCeiling = 100
)

// Stream is the minimal read/write/close surface a connection's
// transport-level byte stream must provide; clientio's accepted
// sockets satisfy this.
type Stream interface {
	io.ReadWriteCloser
}

// Connection is one client's session with the broker.
type Connection struct {
	id      uint64
	stream  Stream
	handles *handlemap.Map
	created time.Time

	mu       sync.Mutex
	closed   bool
	locality uint8
}

// New creates a Connection with the given id and transport stream. id
// must be unique for the lifetime of the Registry it will be inserted
// into.
func New(id uint64, stream Stream, maxHandles int) *Connection {
	return &Connection{
		id:      id,
		stream:  stream,
		handles: handlemap.New(maxHandles),
		created: time.Now(),
	}
}

// ID returns the connection's unique identifier. This satisfies
// wire.Conn, letting *Connection be passed directly as the Conn
// argument to wire.NewCommand.
func (c *Connection) ID() uint64 { return c.id }

// Stream returns the connection's underlying byte stream.
func (c *Connection) Stream() Stream { return c.stream }

// Handles returns the connection's per-connection transient handle
// map.
func (c *Connection) Handles() *handlemap.Map { return c.handles }

// Created returns the time the connection was established. It is
// informational only: the resource manager's eviction tie-break uses
// the lowest connection id, not the creation time.
func (c *Connection) Created() time.Time { return c.created }

// Locality returns the TPM locality most recently set for this
// connection via SetLocality (0 by default).
func (c *Connection) Locality() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locality
}

// SetLocality records the locality subsequent commands on this
// connection should be submitted at. Locality is a property of the
// transmit call, not of command bytes, so the broker consults this
// rather than the wire format.
func (c *Connection) SetLocality(locality uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locality = locality
}

// Close closes the underlying stream. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.stream.Close()
}
