package resourcemgr_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tpm2-software/tpm2-brokerd/connection"
	"github.com/tpm2-software/tpm2-brokerd/handlemap"
	"github.com/tpm2-software/tpm2-brokerd/resourcemgr"
	"github.com/tpm2-software/tpm2-brokerd/sessionlist"
	"github.com/tpm2-software/tpm2-brokerd/wire"
)

func TestResourceManager(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "resourcemgr test suite")
}

// fakeBroker is an in-memory stand-in for the access broker: it hands
// out successive physical handles starting at 0x80000000 and tracks
// which ones are "loaded" so tests can assert on eviction without a
// real TPM.
type fakeBroker struct {
	mu          sync.Mutex
	nextHandle  uint32
	loaded      map[wire.Handle]bool
	savedBlobOf map[wire.Handle][]byte
	flushed     []wire.Handle
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		nextHandle:  0x80000000,
		loaded:      make(map[wire.Handle]bool),
		savedBlobOf: make(map[wire.Handle][]byte),
	}
}

// SendCommand simulates CreatePrimary/Load/StartAuthSession: every call
// allocates a fresh physical handle and reports it in the response,
// typed as a session handle for StartAuthSession and as a transient
// object handle for everything else.
func (b *fakeBroker) SendCommand(ctx context.Context, cmd *wire.Command) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	serial := b.nextHandle & 0x00ffffff
	b.nextHandle++
	handleType := wire.HandleTypeTransient
	if cmd.GetCode() == wire.CommandStartAuthSession {
		handleType = wire.HandleTypeHMACSession
	}
	h := wire.NewVirtualHandle(handleType, serial)
	b.loaded[h] = true

	buf := make([]byte, wire.HeaderSize+4)
	buf[0], buf[1] = 0x80, 0x01
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[10:14], uint32(h))
	return buf, nil
}

func (b *fakeBroker) ContextSave(handle wire.Handle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob := make([]byte, 4)
	binary.BigEndian.PutUint32(blob, uint32(handle))
	return blob, nil
}

func (b *fakeBroker) ContextLoad(blob []byte) (wire.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := wire.Handle(binary.BigEndian.Uint32(blob))
	b.loaded[h] = true
	return h, nil
}

func (b *fakeBroker) ContextFlush(handle wire.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.loaded, handle)
	b.flushed = append(b.flushed, handle)
	return nil
}

func (b *fakeBroker) SaveAndFlush(handle wire.Handle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob := make([]byte, 4)
	binary.BigEndian.PutUint32(blob, uint32(handle))
	delete(b.loaded, handle)
	b.flushed = append(b.flushed, handle)
	return blob, nil
}

func (b *fakeBroker) TransientObjectCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.loaded), nil
}

type nopStream struct{ *bytes.Buffer }

func (nopStream) Close() error { return nil }

func newConn(id uint64) *connection.Connection {
	return connection.New(id, nopStream{bytes.NewBuffer(nil)}, 0)
}

func createPrimaryCmd(conn *connection.Connection) *wire.Command {
	buf := make([]byte, wire.HeaderSize)
	buf[0], buf[1] = 0x80, 0x01
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[6:10], uint32(wire.CommandCreatePrimary))
	return wire.NewCommand(buf, conn)
}

// startAuthSessionCmd builds a NO_SESSIONS TPM2_StartAuthSession-shaped
// command with two non-virtualizable placeholder handles (TPM_RH_NULL),
// so substituteHandles has nothing to rewrite.
func startAuthSessionCmd(conn *connection.Connection) *wire.Command {
	buf := make([]byte, wire.HeaderSize+8)
	buf[0], buf[1] = 0x80, 0x01
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[6:10], uint32(wire.CommandStartAuthSession))
	binary.BigEndian.PutUint32(buf[10:14], 0x40000007)
	binary.BigEndian.PutUint32(buf[14:18], 0x40000007)
	return wire.NewCommand(buf, conn)
}

var _ io.ReadWriteCloser = nopStream{}

var _ = Describe("Manager", func() {
	var (
		registry *connection.Registry
		sessions *sessionlist.List
		fb       *fakeBroker
		mgr      *resourcemgr.Manager
	)

	BeforeEach(func() {
		registry = connection.NewRegistry(0)
		sessions = sessionlist.New(0)
		fb = newFakeBroker()
		mgr = resourcemgr.New(registry, sessions, fb, nil)
	})

	It("virtualizes a freshly created transient object (S1, within slot budget)", func() {
		conn := newConn(1)
		Expect(registry.Insert(conn)).To(Succeed())

		resp := mgr.Dispatch(context.Background(), createPrimaryCmd(conn))
		Expect(resp.IsSuccess()).To(BeTrue())

		h, err := resp.GetNewHandle()
		Expect(err).ToNot(HaveOccurred())
		Expect(h.Type()).To(Equal(wire.HandleTypeTransient))
		Expect(conn.Handles().Size()).To(Equal(1))
	})

	It("evicts least-recently-loaded transients once the TPM's slot budget is exceeded (S1)", func() {
		conn := newConn(1)
		Expect(registry.Insert(conn)).To(Succeed())

		for i := 0; i < 5; i++ {
			resp := mgr.Dispatch(context.Background(), createPrimaryCmd(conn))
			Expect(resp.IsSuccess()).To(BeTrue())
		}

		Expect(conn.Handles().Size()).To(Equal(5))
		count, err := fb.TransientObjectCount()
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(resourcemgr.DefaultMaxLoadedTransient))

		loadedEntries, evictedEntries := 0, 0
		conn.Handles().ForEach(func(e *handlemap.Entry) {
			if e.Loaded() {
				loadedEntries++
			} else {
				evictedEntries++
			}
		})
		Expect(loadedEntries).To(Equal(3))
		Expect(evictedEntries).To(Equal(2))
	})

	It("rejects a command referencing another connection's virtual handle (S2)", func() {
		connA := newConn(1)
		connB := newConn(2)
		Expect(registry.Insert(connA)).To(Succeed())
		Expect(registry.Insert(connB)).To(Succeed())

		respA := mgr.Dispatch(context.Background(), createPrimaryCmd(connA))
		vh, err := respA.GetNewHandle()
		Expect(err).ToNot(HaveOccurred())

		cmd := make([]byte, wire.HeaderSize+4)
		cmd[0], cmd[1] = 0x80, 0x01
		binary.BigEndian.PutUint32(cmd[2:6], uint32(len(cmd)))
		binary.BigEndian.PutUint32(cmd[6:10], uint32(wire.CommandLoad))
		binary.BigEndian.PutUint32(cmd[10:14], uint32(vh))

		resp := mgr.Dispatch(context.Background(), wire.NewCommand(cmd, connB))
		Expect(resp.IsSuccess()).To(BeFalse())
		Expect(resp.GetCode()).To(Equal(wire.RCBadHandle))
	})

	It("reaps a connection's transient objects on disconnect (S5)", func() {
		conn := newConn(1)
		Expect(registry.Insert(conn)).To(Succeed())

		for i := 0; i < 2; i++ {
			resp := mgr.Dispatch(context.Background(), createPrimaryCmd(conn))
			Expect(resp.IsSuccess()).To(BeTrue())
		}

		registry.Remove(1)
		Expect(registry.Lookup(1)).To(BeNil())
		Expect(fb.flushed).ToNot(BeEmpty())
	})

	It("rewrites handle-area bytes in place without changing command size (S6)", func() {
		conn := newConn(1)
		Expect(registry.Insert(conn)).To(Succeed())

		resp := mgr.Dispatch(context.Background(), createPrimaryCmd(conn))
		vh, err := resp.GetNewHandle()
		Expect(err).ToNot(HaveOccurred())

		tail := []byte{0xde, 0xad, 0xbe, 0xef}
		cmd := make([]byte, wire.HeaderSize+4+len(tail))
		cmd[0], cmd[1] = 0x80, 0x01
		binary.BigEndian.PutUint32(cmd[2:6], uint32(len(cmd)))
		binary.BigEndian.PutUint32(cmd[6:10], uint32(wire.CommandLoad))
		binary.BigEndian.PutUint32(cmd[10:14], uint32(vh))
		copy(cmd[14:], tail)

		wcmd := wire.NewCommand(append([]byte(nil), cmd...), conn)
		sizeBefore := wcmd.GetSize()

		loadResp := mgr.Dispatch(context.Background(), wcmd)
		Expect(loadResp.IsSuccess()).To(BeTrue())
		Expect(wcmd.GetSize()).To(Equal(sizeBefore))
		Expect(wcmd.Bytes()[14:]).To(Equal(tail))

		rewritten, err := wcmd.GetHandle(0)
		Expect(err).ToNot(HaveOccurred())
		Expect(rewritten).To(Equal(wire.Handle(0x80000000)))
	})

	It("rejects CreatePrimary before dispatch when the connection's own handle map is full, without leaking a TPM slot (spec §7)", func() {
		conn := connection.New(1, nopStream{bytes.NewBuffer(nil)}, 1)
		Expect(registry.Insert(conn)).To(Succeed())

		resp := mgr.Dispatch(context.Background(), createPrimaryCmd(conn))
		Expect(resp.IsSuccess()).To(BeTrue())
		Expect(conn.Handles().Size()).To(Equal(1))

		countBefore, err := fb.TransientObjectCount()
		Expect(err).ToNot(HaveOccurred())

		resp = mgr.Dispatch(context.Background(), createPrimaryCmd(conn))
		Expect(resp.IsSuccess()).To(BeFalse())
		Expect(resp.GetCode()).To(Equal(wire.RCTooManyHandles))
		Expect(conn.Handles().Size()).To(Equal(1))

		countAfter, err := fb.TransientObjectCount()
		Expect(err).ToNot(HaveOccurred())
		Expect(countAfter).To(Equal(countBefore))
	})

	It("rejects StartAuthSession before dispatch when the shared session list is full, without leaking a TPM slot (spec §7)", func() {
		sessions = sessionlist.New(1)
		mgr = resourcemgr.New(registry, sessions, fb, nil)
		conn := newConn(1)
		Expect(registry.Insert(conn)).To(Succeed())

		resp := mgr.Dispatch(context.Background(), startAuthSessionCmd(conn))
		Expect(resp.IsSuccess()).To(BeTrue())
		Expect(sessions.Size()).To(Equal(1))

		countBefore, err := fb.TransientObjectCount()
		Expect(err).ToNot(HaveOccurred())

		resp = mgr.Dispatch(context.Background(), startAuthSessionCmd(conn))
		Expect(resp.IsSuccess()).To(BeFalse())
		Expect(resp.GetCode()).To(Equal(wire.RCTooManyHandles))
		Expect(sessions.Size()).To(Equal(1))

		countAfter, err := fb.TransientObjectCount()
		Expect(err).ToNot(HaveOccurred())
		Expect(countAfter).To(Equal(countBefore))
	})
})
