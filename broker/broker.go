// Package broker implements the access broker: the single serialized
// path to the physical (or simulated) TPM. Exactly one Broker exists
// per daemon process. Every caller that needs to talk to the TPM,
// including the resource manager's context-save/load/flush machinery,
// goes through its lock; this is the innermost rung of the
// lock-ordering hierarchy: it may be acquired while holding a
// connection-registry, session-list or handle-map lock, and no other
// lock is acquired while holding it.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/tpm2-software/tpm2-brokerd/transport"
	"github.com/tpm2-software/tpm2-brokerd/wire"
)

// Broker serializes every command sent to the underlying TPM and
// tracks the small amount of TPM-reported state the resource manager
// needs (fixed properties, transient-object headroom).
type Broker struct {
	mu  sync.Mutex
	log logrus.FieldLogger

	tr  transport.Transport
	tpm *tpm2.TPMContext

	fixedProps map[tpm2.Property]uint32
}

// New wraps tr in a tpm2.TPMContext and returns a Broker ready for
// Startup.
func New(tr transport.Transport, log logrus.FieldLogger) *Broker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broker{
		tr:         tr,
		tpm:        tpm2.NewTPMContext(wireTCTI{tr}),
		log:        log,
		fixedProps: make(map[tpm2.Property]uint32),
	}
}

// wireTCTI adapts transport.Transport (context-aware) to the blocking
// io.ReadWriteCloser shape TPMContext's TCTI parameter expects. The
// broker only ever calls into the TPM while holding its own lock and
// with a background context, so the adaptation is uncontroversial: no
// two goroutines race on the same transport at once.
type wireTCTI struct {
	tr transport.Transport
}

func (w wireTCTI) Read(p []byte) (int, error) {
	return w.tr.Receive(context.Background(), p)
}

func (w wireTCTI) Write(p []byte) (int, error) {
	if err := w.tr.Transmit(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w wireTCTI) Close() error { return w.tr.Close() }

// Startup sends TPM2_Startup(CLEAR) and caches the TPM's fixed
// properties. A response indicating the TPM is already started (e.g.
// after a warm reset) is treated as success, matching the original
// access broker's startup call.
func (b *Broker) Startup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	params, err := mu.MarshalToBytes(tpm2.StartupClear)
	if err != nil {
		return xerrors.Errorf("broker: marshaling Startup parameters: %w", err)
	}
	packet := tpm2.MarshalCommandPacket(tpm2.CommandStartup, nil, nil, params)
	resp, err := b.tpm.RunCommandBytes(packet)
	if err != nil {
		return xerrors.Errorf("broker: TPM2_Startup: %w", err)
	}
	rc, _, _, _, err := resp.Unmarshal(0)
	if err != nil {
		return xerrors.Errorf("broker: decoding Startup response: %w", err)
	}
	if rc != tpm2.ResponseSuccess && rc != tpm2.ResponseInitialize {
		return fmt.Errorf("broker: TPM2_Startup returned unexpected response code 0x%x", uint32(rc))
	}
	if rc == tpm2.ResponseInitialize {
		b.log.Debug("TPM already started, treating Startup as a no-op")
	}
	return b.loadFixedPropertiesLocked()
}

func (b *Broker) loadFixedPropertiesLocked() error {
	props, err := b.tpm.GetCapabilityTPMProperties(tpm2.PropertyFixed, tpm2.CapabilityMaxProperties)
	if err != nil {
		return xerrors.Errorf("broker: GetCapability(fixed properties): %w", err)
	}
	for _, p := range props {
		b.fixedProps[p.Property] = p.Value
	}
	return nil
}

// FixedProperty returns a cached PT_FIXED property, previously loaded
// by Startup.
func (b *Broker) FixedProperty(prop tpm2.Property) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.fixedProps[prop]
	if !ok {
		return 0, fmt.Errorf("broker: no cached fixed property 0x%x", uint32(prop))
	}
	return v, nil
}

// MaxCommandSize returns the TPM's PT_MAX_COMMAND_SIZE.
func (b *Broker) MaxCommandSize() (uint32, error) {
	return b.FixedProperty(tpm2.PropertyMaxCommandSize)
}

// MaxResponseSize returns the TPM's PT_MAX_RESPONSE_SIZE, falling back
// to a conservative default if Startup hasn't run yet.
func (b *Broker) MaxResponseSize() uint32 {
	if v, err := b.FixedProperty(tpm2.PropertyMaxResponseSize); err == nil {
		return v
	}
	return 4096
}

// SendCommand sends a fully virtualization-resolved command directly
// to the TPM and returns the raw response bytes. It does not interpret
// the response; callers wrap the result in a wire.Response themselves,
// since only they know the originating command's attributes.
func (b *Broker) SendCommand(ctx context.Context, cmd *wire.Command) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ls, ok := b.tr.(transport.LocalitySetter); ok {
		if err := ls.SetLocality(ctx, cmd.Conn().Locality()); err != nil {
			return nil, xerrors.Errorf("broker: set locality: %w", err)
		}
	}

	if err := b.tr.Transmit(ctx, cmd.Bytes()); err != nil {
		return nil, xerrors.Errorf("broker: transmit: %w", err)
	}

	buf := make([]byte, b.maxResponseSizeLocked())
	n, err := b.tr.Receive(ctx, buf)
	if err != nil {
		return nil, xerrors.Errorf("broker: receive: %w", err)
	}
	return buf[:n], nil
}

func (b *Broker) maxResponseSizeLocked() uint32 {
	if v, ok := b.fixedProps[tpm2.PropertyMaxResponseSize]; ok {
		return v
	}
	return 4096
}

// ContextSave saves the context of a loaded transient object or
// session, identified by its physical handle, and returns the opaque
// blob the resource manager stores against the corresponding virtual
// handle.
func (b *Broker) ContextSave(handle wire.Handle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contextSaveLocked(handle)
}

func (b *Broker) contextSaveLocked(handle wire.Handle) ([]byte, error) {
	hc := tpm2.CreatePartialHandleContext(tpm2.Handle(handle))
	savedCtx, err := b.tpm.ContextSave(hc)
	if err != nil {
		return nil, xerrors.Errorf("broker: TPM2_ContextSave(0x%08x): %w", uint32(handle), err)
	}
	blob, err := mu.MarshalToBytes(savedCtx)
	if err != nil {
		return nil, xerrors.Errorf("broker: marshaling saved context: %w", err)
	}
	return blob, nil
}

// ContextLoad loads a previously saved context blob back into the TPM
// and returns the (possibly different) physical handle it now lives
// at.
func (b *Broker) ContextLoad(blob []byte) (wire.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var savedCtx tpm2.Context
	if _, err := mu.UnmarshalFromBytes(blob, &savedCtx); err != nil {
		return 0, xerrors.Errorf("broker: decoding saved context: %w", err)
	}
	hc, err := b.tpm.ContextLoad(&savedCtx)
	if err != nil {
		return 0, xerrors.Errorf("broker: TPM2_ContextLoad: %w", err)
	}
	return wire.Handle(hc.Handle()), nil
}

// ContextFlush flushes a loaded object or session from the TPM
// entirely, used both for explicit client FlushContext and for
// resource-manager-driven eviction/cleanup.
func (b *Broker) ContextFlush(handle wire.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushContextLocked(handle)
}

func (b *Broker) flushContextLocked(handle wire.Handle) error {
	hc := tpm2.CreatePartialHandleContext(tpm2.Handle(handle))
	if err := b.tpm.FlushContext(hc); err != nil {
		return xerrors.Errorf("broker: TPM2_FlushContext(0x%08x): %w", uint32(handle), err)
	}
	return nil
}

// SaveAndFlush is the resource manager's eviction primitive: it saves
// the object/session's context, then flushes it, as a single critical
// section under one lock acquisition, so no other command dispatched
// through SendCommand can observe the handle between the save and the
// flush.
func (b *Broker) SaveAndFlush(handle wire.Handle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	blob, err := b.contextSaveLocked(handle)
	if err != nil {
		return nil, err
	}
	if err := b.flushContextLocked(handle); err != nil {
		return nil, err
	}
	return blob, nil
}

// TransientObjectCount queries TPM_CAP_HANDLES in the transient range,
// giving the resource manager the TPM's own view of how many transient
// slots are currently occupied (compared against the resource
// manager's configured loaded-transient limit to decide when eviction
// is due).
func (b *Broker) TransientObjectCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handles, err := b.tpm.GetCapabilityHandles(tpm2.HandleTypeTransient.BaseHandle(), tpm2.CapabilityMaxProperties)
	if err != nil {
		return 0, xerrors.Errorf("broker: GetCapability(transient handles): %w", err)
	}
	return len(handles), nil
}

// LoadedSessionCount queries TPM_CAP_HANDLES in the loaded-session
// range, mirroring TransientObjectCount for sessions. It is exposed
// read-only through the client control protocol's Stats call; the
// resource manager's session eviction counts loaded sessions from the
// session list instead.
func (b *Broker) LoadedSessionCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handles, err := b.tpm.GetCapabilityHandles(tpm2.HandleTypeLoadedSession.BaseHandle(), tpm2.CapabilityMaxProperties)
	if err != nil {
		return 0, xerrors.Errorf("broker: GetCapability(loaded session handles): %w", err)
	}
	return len(handles), nil
}
