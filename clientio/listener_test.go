package clientio_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tpm2-software/tpm2-brokerd/clientio"
	"github.com/tpm2-software/tpm2-brokerd/connection"
	"github.com/tpm2-software/tpm2-brokerd/iopump"
	"github.com/tpm2-software/tpm2-brokerd/sessionlist"
	"github.com/tpm2-software/tpm2-brokerd/wire"
)

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(ctx context.Context, cmd *wire.Command) *wire.Response {
	return wire.NewErrorResponse(cmd.Conn(), cmd.GetCode(), wire.Success)
}

func writeControlFrame(w io.Writer, req clientio.ControlRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var hdr [6]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(wire.TagControl))
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readControlFrame(r io.Reader) (clientio.ControlResponse, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return clientio.ControlResponse{}, err
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return clientio.ControlResponse{}, err
	}
	var resp clientio.ControlResponse
	err := json.Unmarshal(body, &resp)
	return resp, err
}

var _ = Describe("Listener", func() {
	It("creates a connection then services TPM-framed traffic on the same socket", func() {
		path := filepath.Join(GinkgoT().TempDir(), "broker.sock")
		registry := connection.NewRegistry(0)
		control := clientio.NewControlHandler(registry, sessionlist.New(0), fakeStatsBroker{}, &fixedIDs{}, 0)
		pump := iopump.New(stubDispatcher{})

		ln, err := clientio.Listen(path, registry, control, pump, 0, nil)
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go ln.Serve(ctx)

		conn, err := net.Dial("unix", path)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		Expect(writeControlFrame(conn, clientio.ControlRequest{Method: "CreateConnection"})).To(Succeed())
		resp, err := readControlFrame(conn)
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.OK).To(BeTrue())
		Expect(resp.ConnectionID).ToNot(BeZero())

		Eventually(func() *connection.Connection {
			return registry.Lookup(resp.ConnectionID)
		}, time.Second).ShouldNot(BeNil())

		cmdBuf := make([]byte, wire.HeaderSize)
		binary.BigEndian.PutUint16(cmdBuf[0:2], uint16(wire.TagNoSessions))
		binary.BigEndian.PutUint32(cmdBuf[2:6], uint32(len(cmdBuf)))
		binary.BigEndian.PutUint32(cmdBuf[6:10], uint32(wire.CommandFlushContext))
		_, err = conn.Write(cmdBuf)
		Expect(err).ToNot(HaveOccurred())

		respHeader := make([]byte, wire.HeaderSize)
		_, err = io.ReadFull(conn, respHeader)
		Expect(err).ToNot(HaveOccurred())
		Expect(binary.BigEndian.Uint32(respHeader[6:10])).To(Equal(uint32(wire.Success)))
	})
})
