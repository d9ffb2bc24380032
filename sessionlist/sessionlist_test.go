package sessionlist_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tpm2-software/tpm2-brokerd/sessionlist"
	"github.com/tpm2-software/tpm2-brokerd/wire"
)

func TestSessionList(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "sessionlist test suite")
}

var _ = Describe("List", func() {
	It("tracks the least recently loaded entry at the back", func() {
		l := sessionlist.New(0)
		Expect(l.Insert(&sessionlist.Entry{ConnectionID: 1, Handle: 0x02000001})).To(Succeed())
		Expect(l.Insert(&sessionlist.Entry{ConnectionID: 1, Handle: 0x02000002})).To(Succeed())

		Expect(l.LeastRecentlyLoaded().Handle).To(Equal(wire.Handle(0x02000001)))

		l.Touch(0x02000001)
		Expect(l.LeastRecentlyLoaded().Handle).To(Equal(wire.Handle(0x02000002)))
	})

	It("removes every session for a connection", func() {
		l := sessionlist.New(0)
		Expect(l.Insert(&sessionlist.Entry{ConnectionID: 1, Handle: 0x02000001})).To(Succeed())
		Expect(l.Insert(&sessionlist.Entry{ConnectionID: 2, Handle: 0x02000002})).To(Succeed())

		removed := l.RemoveConnection(1)
		Expect(removed).To(HaveLen(1))
		Expect(l.Size()).To(Equal(1))
		Expect(l.LookupHandle(0x02000001)).To(BeNil())
		Expect(l.LookupHandle(0x02000002)).ToNot(BeNil())
	})

	It("rejects insert once full", func() {
		l := sessionlist.New(1)
		Expect(l.Insert(&sessionlist.Entry{ConnectionID: 1, Handle: 1})).To(Succeed())
		Expect(l.Insert(&sessionlist.Entry{ConnectionID: 1, Handle: 2})).To(HaveOccurred())
		Expect(l.IsFull()).To(BeTrue())
	})

	It("returns all sessions owned by a connection in recency order", func() {
		l := sessionlist.New(0)
		Expect(l.Insert(&sessionlist.Entry{ConnectionID: 1, Handle: 1})).To(Succeed())
		Expect(l.Insert(&sessionlist.Entry{ConnectionID: 2, Handle: 2})).To(Succeed())
		Expect(l.Insert(&sessionlist.Entry{ConnectionID: 1, Handle: 3})).To(Succeed())

		entries := l.LookupConnection(1)
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Handle).To(Equal(wire.Handle(3)))
		Expect(entries[1].Handle).To(Equal(wire.Handle(1)))
	})
})
