package media

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("HTTPDownloader", func() {
	var (
		server     *ghttp.Server
		downloader *HTTPDownloader
		ref        string
		media      *Media
		err        error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var newErr error
		downloader, newErr = NewHTTPDownloader(server.URL(), "token")
		Expect(newErr).NotTo(HaveOccurred())
		ref = "wamid.123"
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		media, err = downloader.Download(context.Background(), ref)
	})

	When("the media exists", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/media/wamid.123"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer token"),
				ghttp.RespondWith(http.StatusOK, []byte("jpeg-bytes"), http.Header{
					"Content-Type": []string{"image/jpeg; charset=binary"},
				}),
			))
		})

		It("should return the data and MIME type", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(string(media.Data)).To(Equal("jpeg-bytes"))
			Expect(media.MimeType).To(Equal("image/jpeg"))
		})
	})

	When("the gateway does not send a content type", func() {
		BeforeEach(func() {
			png := []byte("\x89PNG\r\n\x1a\n0000")
			server.AppendHandlers(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/octet-stream")
				w.Write(png)
			})
		})

		It("should sniff the MIME type", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(media.MimeType).To(Equal("image/png"))
		})
	})

	When("the media is gone", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, ""))
		})

		It("should return nothing without an error", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(media).To(BeNil())
		})
	})

	When("the gateway fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, ""))
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("status 503")))
		})
	})

	When("the reference is empty", func() {
		BeforeEach(func() {
			ref = "  "
		})

		It("should not call the gateway", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(media).To(BeNil())
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})
})
