// Package resourcemgr implements the resource manager: the policy
// brain that virtualizes handles, rewrites commands before dispatch,
// interprets responses, decides which contexts to evict to make room,
// and reaps per-connection state on disconnect. It is the only
// component that acquires more than one of the broker's locks in a
// single operation, and it always acquires them in the declared order
// (connection registry → session list → a connection's handle map →
// access broker), never the reverse.
package resourcemgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tpm2-software/tpm2-brokerd/connection"
	"github.com/tpm2-software/tpm2-brokerd/handlemap"
	"github.com/tpm2-software/tpm2-brokerd/sessionlist"
	"github.com/tpm2-software/tpm2-brokerd/wire"
)

// Typical manufacturer-reported TPM slot counts for loaded transient
// objects and active sessions. A real deployment would read these
// from PT_TOTAL_COMMANDS-adjacent PT_* properties where the
// manufacturer exposes them; most TPMs in the field only guarantee
// three of each, so that's the conservative default here.
const (
	DefaultMaxLoadedTransient = 3
	DefaultMaxActiveSessions  = 3
)

// Broker is the access-broker surface the resource manager needs.
// *broker.Broker satisfies it; tests substitute a fake so eviction and
// virtualization policy can be exercised without a TPM.
type Broker interface {
	SendCommand(ctx context.Context, cmd *wire.Command) ([]byte, error)
	ContextSave(handle wire.Handle) ([]byte, error)
	ContextLoad(blob []byte) (wire.Handle, error)
	ContextFlush(handle wire.Handle) error
	SaveAndFlush(handle wire.Handle) ([]byte, error)
	TransientObjectCount() (int, error)
}

// Manager is the resource manager. One Manager exists per daemon
// process, wired to the broker's Registry, the shared SessionList, and
// the Broker itself.
type Manager struct {
	log logrus.FieldLogger

	registry *connection.Registry
	sessions *sessionlist.List
	broker   Broker

	maxLoadedTransient int
	maxActiveSessions  int

	// clock is a monotonic logical counter, stamped into loadedAt
	// (keyed by virtual handle) each time an entry is created or
	// touched by a command, used to break eviction ties
	// deterministically by "lowest time-of-last-load, ties broken by
	// smallest connection id" rather than relying on map iteration
	// order.
	clock uint64

	mu       sync.Mutex
	loadedAt map[wire.Handle]loadStamp

	// saveEveryCommand enables the "aggressive save" tunable: after
	// every successful dispatch, opportunistically ContextSave (not
	// flush) every physical handle the command touched, caching the
	// blob so a later eviction can skip straight to ContextFlush.
	saveEveryCommand bool
	savedCache       map[wire.Handle][]byte
}

// Option configures optional Manager behavior at construction time.
type Option func(*Manager)

// WithSaveEveryCommand enables or disables the aggressive-save
// tunable (default off, per spec.md's direction).
func WithSaveEveryCommand(enabled bool) Option {
	return func(m *Manager) { m.saveEveryCommand = enabled }
}

// WithLimits overrides the default loaded-transient-object and
// active-session slot counts.
func WithLimits(maxLoadedTransient, maxActiveSessions int) Option {
	return func(m *Manager) {
		m.maxLoadedTransient = maxLoadedTransient
		m.maxActiveSessions = maxActiveSessions
	}
}

type loadStamp struct {
	logicalTime uint64
	connID      uint64
}

// New wires a Manager to its collaborators and subscribes it to the
// registry's connection lifecycle events.
func New(registry *connection.Registry, sessions *sessionlist.List, br Broker, log logrus.FieldLogger, opts ...Option) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{
		log:                log,
		registry:           registry,
		sessions:           sessions,
		broker:             br,
		maxLoadedTransient: DefaultMaxLoadedTransient,
		maxActiveSessions:  DefaultMaxActiveSessions,
		loadedAt:           make(map[wire.Handle]loadStamp),
		savedCache:         make(map[wire.Handle][]byte),
	}
	for _, opt := range opts {
		opt(m)
	}
	registry.Subscribe(m.onConnectionEvent)
	return m
}

func (m *Manager) onConnectionEvent(kind connection.EventKind, conn *connection.Connection) {
	if kind != connection.EventConnectionRemoved {
		return
	}
	m.reapConnection(conn)
}

// reapConnection flushes every transient object and session still
// owned by conn, per spec's connection-removed handling.
func (m *Manager) reapConnection(conn *connection.Connection) {
	conn.Handles().ForEach(func(e *handlemap.Entry) {
		if e.Loaded() {
			if err := m.broker.ContextFlush(e.Physical); err != nil {
				m.log.WithError(err).Warnf("reaping connection %d: flushing transient handle %s", conn.ID(), e.Virtual)
			}
		}
		m.forgetLoadStamp(e.Virtual)
	})

	for _, se := range m.sessions.RemoveConnection(conn.ID()) {
		if se.Loaded() {
			if err := m.broker.ContextFlush(se.Handle); err != nil {
				m.log.WithError(err).Warnf("reaping connection %d: flushing session %s", conn.ID(), se.Handle)
			}
		}
	}
}

// Dispatch services a single command end-to-end: handle/session
// virtualization, dispatch through the broker, response rewriting, and
// post-dispatch bookkeeping. It never returns nil; resource exhaustion
// and protocol errors are reported as synthetic error responses rather
// than Go errors, since the caller (the per-connection I/O pump) must
// always have a response to write back to the client.
func (m *Manager) Dispatch(ctx context.Context, cmd *wire.Command) *wire.Response {
	conn, ok := cmd.Conn().(*connection.Connection)
	if !ok {
		return wire.NewErrorResponse(cmd.Conn(), cmd.GetCode(), wire.RCInternal)
	}

	if cmd.GetCode() == wire.CommandContextSave || cmd.GetCode() == wire.CommandContextLoad {
		return wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCNotPermitted)
	}

	if cmd.GetCode() == wire.CommandFlushContext {
		return m.dispatchFlushContext(ctx, conn, cmd)
	}

	if err := m.substituteHandles(conn, cmd); err != nil {
		return errorResponse(conn, cmd, err)
	}
	if err := m.substituteSessionAuths(conn, cmd); err != nil {
		return errorResponse(conn, cmd, err)
	}

	// Commands that allocate a fresh object or session must not be
	// dispatched until there is room for the result: the TPM enforces
	// its own slot limit internally, so eviction has to happen before
	// the command reaches it, not after. This covers the TPM's own
	// slot budget; checkAdmission below covers this manager's tracking
	// structures, which is a separate, equally fatal-if-skipped check.
	if cmd.Attrs().RHandle {
		if err := m.checkAdmission(conn, cmd.GetCode()); err != nil {
			return errorResponse(conn, cmd, err)
		}
		if err := m.ensureRoomFor(conn, cmd.GetCode()); err != nil {
			return errorResponse(conn, cmd, err)
		}
	}

	respBytes, err := m.broker.SendCommand(ctx, cmd)
	if err != nil {
		m.log.WithError(err).Error("dispatching command to TPM")
		return wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCInternal)
	}
	resp, err := wire.DecodeResponse(respBytes, conn, cmd.GetCode(), cmd.Attrs())
	if err != nil {
		m.log.WithError(err).Error("decoding TPM response")
		return wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCInternal)
	}

	if resp.HasNewHandle() {
		if err := m.virtualizeNewHandle(conn, resp); err != nil {
			m.log.WithError(err).Error("virtualizing new handle")
			return wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCInternal)
		}
	}

	if m.saveEveryCommand && resp.IsSuccess() {
		m.opportunisticSave(cmd)
	}

	return resp
}

// opportunisticSave implements the aggressive-save tunable: it saves
// (without flushing) every physical handle the command's handle area
// referenced, so a later eviction of one of them can skip straight to
// ContextFlush instead of paying for both calls synchronously. Errors
// are logged and otherwise ignored; this is a latency optimization,
// never required for correctness.
func (m *Manager) opportunisticSave(cmd *wire.Command) {
	for i := 0; i < cmd.GetHandleCount(); i++ {
		h, err := cmd.GetHandle(i)
		if err != nil || !h.IsVirtualizable() {
			continue
		}
		blob, err := m.broker.ContextSave(h)
		if err != nil {
			m.log.WithError(err).Debugf("opportunistic save of handle %s failed", h)
			continue
		}
		m.mu.Lock()
		m.savedCache[h] = blob
		m.mu.Unlock()
	}
}

func errorResponse(conn *connection.Connection, cmd *wire.Command, err error) *wire.Response {
	if verr, ok := err.(*virtualizationError); ok {
		return wire.NewErrorResponse(conn, cmd.GetCode(), verr.rc)
	}
	return wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCInternal)
}

type virtualizationError struct {
	rc  wire.ResponseCode
	msg string
}

func (e *virtualizationError) Error() string { return e.msg }

func badHandle(h wire.Handle) error {
	return &virtualizationError{rc: wire.RCBadHandle, msg: fmt.Sprintf("resourcemgr: unknown virtual handle %s", h)}
}

// substituteHandles rewrites every virtualizable handle in the
// command's handle area from its virtual to its physical form, loading
// the object back into the TPM first if it had been evicted.
func (m *Manager) substituteHandles(conn *connection.Connection, cmd *wire.Command) error {
	for i := 0; i < cmd.GetHandleCount(); i++ {
		h, err := cmd.GetHandle(i)
		if err != nil {
			return err
		}
		if !h.IsVirtualizable() {
			continue
		}
		entry := conn.Handles().Lookup(h)
		if entry == nil {
			return badHandle(h)
		}
		if !entry.Loaded() {
			if err := m.loadTransient(conn, entry); err != nil {
				return err
			}
		}
		m.touchTransient(conn, entry)
		if err := cmd.SetHandle(i, entry.Physical); err != nil {
			return err
		}
	}
	return nil
}

// substituteSessionAuths ensures every session referenced in the auth
// area is currently loaded, loading it back in if necessary. Session
// handles are never rewritten: the TPM exposes them directly to
// clients.
func (m *Manager) substituteSessionAuths(conn *connection.Connection, cmd *wire.Command) error {
	var loadErr error
	err := cmd.ForEachAuth(func(auth wire.AuthCommand) error {
		if !auth.SessionHandle.IsSession() {
			return nil
		}
		se := m.sessions.LookupHandle(auth.SessionHandle)
		if se == nil {
			loadErr = badHandle(auth.SessionHandle)
			return loadErr
		}
		if !se.Loaded() {
			if err := m.loadSession(se); err != nil {
				loadErr = err
				return err
			}
		}
		m.sessions.Touch(se.Handle)
		return nil
	})
	if err != nil {
		return err
	}
	return loadErr
}

// dispatchFlushContext handles TPM2_FlushContext's parameter-area
// handle specially, per C1/C8's documented special case: substitute if
// transient, dispatch, then always drop the map entry regardless of
// the TPM's return code.
func (m *Manager) dispatchFlushContext(ctx context.Context, conn *connection.Connection, cmd *wire.Command) *wire.Response {
	vh, err := cmd.GetFlushHandle()
	if err != nil {
		return wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCInternal)
	}

	var entry *handlemap.Entry
	if vh.IsVirtualizable() {
		entry = conn.Handles().Lookup(vh)
		if entry == nil {
			return wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCBadHandle)
		}
		if entry.Loaded() {
			if err := cmd.SetFlushHandle(entry.Physical); err != nil {
				return wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCInternal)
			}
		}
	}

	var resp *wire.Response
	if entry == nil || entry.Loaded() {
		respBytes, err := m.broker.SendCommand(ctx, cmd)
		if err != nil {
			resp = wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCInternal)
		} else {
			decoded, err := wire.DecodeResponse(respBytes, conn, cmd.GetCode(), cmd.Attrs())
			if err != nil {
				resp = wire.NewErrorResponse(conn, cmd.GetCode(), wire.RCInternal)
			} else {
				resp = decoded
			}
		}
	} else {
		// The object was already evicted; the TPM never heard of its
		// physical handle, so there's nothing to flush there. Report
		// success to the client, matching "the TPM either flushed it
		// or never knew about it."
		resp = wire.NewResponse(successBuf(), conn, cmd.GetCode(), cmd.Attrs())
	}

	if entry != nil {
		conn.Handles().Remove(vh)
		m.forgetLoadStamp(vh)
	} else if vh.IsSession() {
		m.sessions.RemoveHandle(vh)
	}
	return resp
}

func successBuf() []byte {
	buf := make([]byte, wire.HeaderSize)
	buf[0], buf[1] = 0x80, 0x01
	buf[2], buf[3], buf[4], buf[5] = 0, 0, 0, byte(wire.HeaderSize)
	return buf
}

// virtualizeNewHandle allocates a fresh virtual handle for an object
// the TPM just created or loaded and rewrites the response in place,
// or registers a new session entry, per spec's post-dispatch handling.
func (m *Manager) virtualizeNewHandle(conn *connection.Connection, resp *wire.Response) error {
	physical, err := resp.GetNewHandle()
	if err != nil {
		return err
	}

	if physical.IsSession() {
		// Room for the session was already reserved by Dispatch before
		// the command went to the TPM.
		if err := m.sessions.Insert(&sessionlist.Entry{ConnectionID: conn.ID(), Handle: physical}); err != nil {
			return err
		}
		// Session handles are not virtualized; the response already
		// carries the handle the client should use.
		return nil
	}

	if !physical.IsVirtualizable() {
		return nil
	}

	// Room for the transient object was already reserved by Dispatch
	// before the command went to the TPM.
	vh, err := conn.Handles().NextVirtualHandle()
	if err != nil {
		return err
	}
	entry := &handlemap.Entry{Virtual: vh, Physical: physical}
	if err := conn.Handles().Insert(entry); err != nil {
		return err
	}
	m.stampLoad(entry.Virtual, conn.ID())
	return resp.SetNewHandle(vh)
}

// loadTransient brings an evicted transient object back into the TPM,
// updating its entry's physical handle and clearing its saved context.
func (m *Manager) loadTransient(conn *connection.Connection, entry *handlemap.Entry) error {
	if err := m.ensureTransientRoom(conn); err != nil {
		return err
	}
	physical, err := m.broker.ContextLoad(entry.Context)
	if err != nil {
		return err
	}
	entry.Physical = physical
	entry.Context = nil
	return nil
}

func (m *Manager) loadSession(se *sessionlist.Entry) error {
	if err := m.ensureSessionRoom(); err != nil {
		return err
	}
	physical, err := m.broker.ContextLoad(se.Context)
	if err != nil {
		return err
	}
	se.Handle = physical
	se.Context = nil
	return nil
}

func (m *Manager) touchTransient(conn *connection.Connection, entry *handlemap.Entry) {
	m.stampLoad(entry.Virtual, conn.ID())
}

func (m *Manager) stampLoad(vh wire.Handle, connID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadedAt[vh] = loadStamp{logicalTime: atomic.AddUint64(&m.clock, 1), connID: connID}
}

func (m *Manager) forgetLoadStamp(vh wire.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loadedAt, vh)
}

// checkAdmission rejects a command that would create a new transient
// object or session if the tracking structure that would have to
// record it — this connection's handle map, or the shared session
// list — is already at its own entry budget. ensureRoomFor only
// guarantees a free TPM slot; without this check, a full tracking
// structure would still let the command reach the TPM, which creates
// the object, after which virtualizeNewHandle's Insert fails and the
// freshly created physical handle is never recorded anywhere: it
// can't be picked by pickTransientVictim/LeastRecentlyLoaded, so it
// is never evicted or flushed, leaking a TPM slot permanently. Spec
// §7 requires this case to be rejected before dispatch, not after.
func (m *Manager) checkAdmission(conn *connection.Connection, code wire.CommandCode) error {
	switch code {
	case wire.CommandStartAuthSession:
		if m.sessions.IsFull() {
			return &virtualizationError{rc: wire.RCTooManyHandles, msg: "resourcemgr: session list full"}
		}
	case wire.CommandCreatePrimary, wire.CommandLoad:
		if conn.Handles().IsFull() {
			return &virtualizationError{rc: wire.RCTooManyHandles, msg: "resourcemgr: connection handle map full"}
		}
	}
	return nil
}

// ensureRoomFor reserves a slot for the object or session a command is
// about to create, before it is dispatched to the TPM. The TPM itself
// enforces its slot limit at creation time, so eviction has to free a
// slot in advance rather than reacting to a failure after the fact.
func (m *Manager) ensureRoomFor(conn *connection.Connection, code wire.CommandCode) error {
	switch code {
	case wire.CommandStartAuthSession:
		return m.ensureSessionRoom()
	case wire.CommandCreatePrimary, wire.CommandLoad:
		return m.ensureTransientRoom(conn)
	default:
		return nil
	}
}

// ensureTransientRoom evicts loaded transient objects, across all
// connections, until the TPM's loaded-transient-object count is below
// the configured limit, making room for one more load. The eviction
// target is the loaded entry with the lowest load-stamp logical time,
// ties broken by the smallest owning connection id.
func (m *Manager) ensureTransientRoom(conn *connection.Connection) error {
	for {
		count, err := m.broker.TransientObjectCount()
		if err != nil {
			return err
		}
		if count < m.maxLoadedTransient {
			return nil
		}
		victim, victimConn := m.pickTransientVictim()
		if victim == nil {
			return fmt.Errorf("resourcemgr: transient slots exhausted and no evictable entry found")
		}
		if err := m.evictTransient(victimConn, victim); err != nil {
			return err
		}
	}
}

func (m *Manager) pickTransientVictim() (*handlemap.Entry, *connection.Connection) {
	var best *handlemap.Entry
	var bestConn *connection.Connection
	var bestStamp loadStamp
	haveBest := false

	m.registry.ForEach(func(c *connection.Connection) {
		c.Handles().ForEach(func(e *handlemap.Entry) {
			if !e.Loaded() {
				return
			}
			m.mu.Lock()
			stamp, ok := m.loadedAt[e.Virtual]
			m.mu.Unlock()
			if !ok {
				return
			}
			if !haveBest || stamp.logicalTime < bestStamp.logicalTime ||
				(stamp.logicalTime == bestStamp.logicalTime && stamp.connID < bestStamp.connID) {
				best, bestConn, bestStamp, haveBest = e, c, stamp, true
			}
		})
	})
	return best, bestConn
}

func (m *Manager) evictTransient(conn *connection.Connection, entry *handlemap.Entry) error {
	m.mu.Lock()
	cached, ok := m.savedCache[entry.Physical]
	delete(m.savedCache, entry.Physical)
	m.mu.Unlock()

	if ok {
		if err := m.broker.ContextFlush(entry.Physical); err != nil {
			return err
		}
		entry.Context = cached
	} else {
		blob, err := m.broker.SaveAndFlush(entry.Physical)
		if err != nil {
			return err
		}
		entry.Context = blob
	}
	m.forgetLoadStamp(entry.Virtual)
	return nil
}

// ensureSessionRoom evicts least-recently-loaded sessions until the
// number of loaded sessions in the session list is below the
// configured limit.
func (m *Manager) ensureSessionRoom() error {
	for m.loadedSessionCount() >= m.maxActiveSessions {
		victim := m.leastRecentlyLoadedSession()
		if victim == nil {
			return fmt.Errorf("resourcemgr: session slots exhausted and no evictable session found")
		}
		blob, err := m.broker.SaveAndFlush(victim.Handle)
		if err != nil {
			return err
		}
		victim.Context = blob
	}
	return nil
}

func (m *Manager) loadedSessionCount() int {
	count := 0
	m.sessions.ForEach(func(e *sessionlist.Entry) {
		if e.Loaded() {
			count++
		}
	})
	return count
}

func (m *Manager) leastRecentlyLoadedSession() *sessionlist.Entry {
	var victim *sessionlist.Entry
	m.sessions.ForEach(func(e *sessionlist.Entry) {
		if e.Loaded() {
			victim = e
		}
	})
	return victim
}
