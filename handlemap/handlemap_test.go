package handlemap_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tpm2-software/tpm2-brokerd/handlemap"
	"github.com/tpm2-software/tpm2-brokerd/wire"
)

func TestHandleMap(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "handlemap test suite")
}

var _ = Describe("Map", func() {
	It("mints virtual handles starting at serial 0xff", func() {
		m := handlemap.New(0)
		h, err := m.NextVirtualHandle()
		Expect(err).ToNot(HaveOccurred())
		Expect(h.Type()).To(Equal(wire.HandleTypeTransient))
		Expect(uint32(h) & 0x00ffffff).To(Equal(uint32(0xff)))
	})

	It("rejects insert once max entries is reached", func() {
		m := handlemap.New(2)
		Expect(m.Insert(&handlemap.Entry{Virtual: 1})).To(Succeed())
		Expect(m.Insert(&handlemap.Entry{Virtual: 2})).To(Succeed())
		Expect(m.Insert(&handlemap.Entry{Virtual: 3})).To(HaveOccurred())
		Expect(m.IsFull()).To(BeTrue())
	})

	It("replaces the entry tracked under a duplicate virtual handle", func() {
		m := handlemap.New(0)
		first := &handlemap.Entry{Virtual: 1, Physical: 0x80000001}
		second := &handlemap.Entry{Virtual: 1, Physical: 0x80000002}
		Expect(m.Insert(first)).To(Succeed())
		Expect(m.Insert(second)).To(Succeed())
		Expect(m.Lookup(1)).To(Equal(second))
		Expect(m.Size()).To(Equal(1))
	})

	It("looks up and removes entries", func() {
		m := handlemap.New(0)
		e := &handlemap.Entry{Virtual: 42, Physical: 0x80000001}
		Expect(m.Insert(e)).To(Succeed())
		Expect(m.Lookup(42)).To(Equal(e))

		m.Remove(42)
		Expect(m.Lookup(42)).To(BeNil())
	})

	It("reports Loaded based on whether a context blob is present", func() {
		e := &handlemap.Entry{Virtual: 1, Physical: 0x80000001}
		Expect(e.Loaded()).To(BeTrue())
		e.Context = []byte{0x01}
		Expect(e.Loaded()).To(BeFalse())
	})

	It("clamps max entries to the ceiling", func() {
		m := handlemap.New(10000)
		for i := 0; i < handlemap.MaxEntriesCeiling; i++ {
			Expect(m.Insert(&handlemap.Entry{Virtual: wire.Handle(i + 1)})).To(Succeed())
		}
		Expect(m.IsFull()).To(BeTrue())
	})
})
