package connection_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tpm2-software/tpm2-brokerd/connection"
)

var _ = Describe("Connection", func() {
	It("defaults to locality 0 and records SetLocality", func() {
		conn := connection.New(1, newStream(), 0)
		Expect(conn.Locality()).To(Equal(uint8(0)))

		conn.SetLocality(3)
		Expect(conn.Locality()).To(Equal(uint8(3)))
	})

	It("tolerates Close being called more than once", func() {
		conn := connection.New(1, newStream(), 0)
		Expect(conn.Close()).To(Succeed())
		Expect(conn.Close()).To(Succeed())
	})

	It("exposes its own handle map and id", func() {
		conn := connection.New(42, newStream(), 5)
		Expect(conn.ID()).To(Equal(uint64(42)))
		Expect(conn.Handles()).ToNot(BeNil())
	})
})
