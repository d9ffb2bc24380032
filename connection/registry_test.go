package connection_test

import (
	"bytes"
	"io"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tpm2-software/tpm2-brokerd/connection"
)

func TestConnection(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "connection test suite")
}

type nopStream struct {
	*bytes.Buffer
}

func (nopStream) Close() error { return nil }

func newStream() connection.Stream {
	return nopStream{bytes.NewBuffer(nil)}
}

var _ = Describe("Registry", func() {
	It("notifies subscribers on insert and remove", func() {
		r := connection.NewRegistry(0)
		var events []connection.EventKind
		r.Subscribe(func(kind connection.EventKind, conn *connection.Connection) {
			events = append(events, kind)
		})

		conn := connection.New(1, newStream(), 0)
		Expect(r.Insert(conn)).To(Succeed())
		Expect(r.Lookup(1)).To(Equal(conn))

		r.Remove(1)
		Expect(r.Lookup(1)).To(BeNil())
		Expect(events).To(Equal([]connection.EventKind{
			connection.EventNewConnection,
			connection.EventConnectionRemoved,
		}))
	})

	It("rejects insert once full", func() {
		r := connection.NewRegistry(1)
		Expect(r.Insert(connection.New(1, newStream(), 0))).To(Succeed())
		Expect(r.Insert(connection.New(2, newStream(), 0))).To(HaveOccurred())
		Expect(r.IsFull()).To(BeTrue())
	})

	It("closes the stream on removal", func() {
		r := connection.NewRegistry(0)
		var closed bool
		stream := closeTrackingStream{newStream(), &closed}
		conn := connection.New(1, stream, 0)
		Expect(r.Insert(conn)).To(Succeed())

		r.Remove(1)
		Expect(closed).To(BeTrue())
	})
})

type closeTrackingStream struct {
	connection.Stream
	closed *bool
}

func (s closeTrackingStream) Close() error {
	*s.closed = true
	return nil
}

var _ io.ReadWriteCloser = closeTrackingStream{}
