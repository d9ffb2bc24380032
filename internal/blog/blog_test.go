package blog_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tpm2-software/tpm2-brokerd/internal/blog"
)

func TestBlog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "blog test suite")
}

var _ = Describe("Logger", func() {
	It("parses a level name", func() {
		lvl, err := blog.ParseLevel("debug")
		Expect(err).ToNot(HaveOccurred())
		Expect(lvl.String()).To(Equal("debug"))
	})

	It("NewNull discards output without panicking", func() {
		l := blog.NewNull()
		l.Info("should not appear anywhere")
	})
})
