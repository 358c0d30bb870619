package expense

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/ledger"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/media"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/scanning"
)

var anyPath = regexp.MustCompile(`.*`)

// mockDownloader serves attachments from memory
type mockDownloader struct {
	files map[string]*media.Media
	err   error
	refs  []string
}

func (m *mockDownloader) Download(_ context.Context, ref string) (*media.Media, error) {
	m.refs = append(m.refs, ref)
	if m.err != nil {
		return nil, m.err
	}
	return m.files[ref], nil
}

var _ = Describe("Server", func() {
	var (
		clock       *fakeClock
		store       *mockStore
		extractor   *mockExtractor
		downloader  *mockDownloader
		auth        BasicAuth
		ghttpServer *ghttp.Server
		baseURL     string
	)

	BeforeEach(func() {
		clock = newFakeClock()
		store = newMockStore(clock)
		extractor = &mockExtractor{extraction: &scanning.Extraction{
			IsReceipt:     true,
			Items:         []scanning.Item{item("Café", 1, "9.00"), item("Pão de queijo", 3, "12.00")},
			TotalAmount:   dec("21.00"),
			Establishment: "Padaria",
			Date:          "2024-03-10",
		}}
		downloader = &mockDownloader{files: map[string]*media.Media{
			"wamid.123": {Data: []byte("jpeg"), MimeType: "image/jpeg"},
		}}
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service := NewService(store, extractor, newMockLedger(ledger.Wallet{ID: "w1", Name: "Nubank"}), newMockStorage(),
			WithTimeSource(clock),
		)
		server := NewServerWithMux(service, downloader, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AllowUnhandledRequests = true
		ghttpServer.UnhandledRequestStatusCode = http.StatusInternalServerError
		ghttpServer.RouteToHandler("GET", anyPath, server.ServeHTTP)
		ghttpServer.RouteToHandler("POST", anyPath, server.ServeHTTP)
		ghttpServer.RouteToHandler("DELETE", anyPath, server.ServeHTTP)
		baseURL = ghttpServer.URL() + "/api/tenants/acme/conversations/5511999990000"
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	postJSON := func(url string, body any) *http.Response {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(url, "application/json", bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decodeReply := func(resp *http.Response) replyResponse {
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var reply replyResponse
		Expect(json.NewDecoder(resp.Body).Decode(&reply)).To(Succeed())
		return reply
	}

	Describe("POST messages", func() {
		When("the message carries a media reference", func() {
			It("downloads it and starts a flow", func() {
				reply := decodeReply(postJSON(baseURL+"/messages", messageRequest{MediaRef: "wamid.123", Caption: "lanche"}))
				Expect(reply.Handled).To(BeTrue())
				Expect(reply.Step).To(Equal(StepAwaitingWallet))
				Expect(reply.Reply).To(ContainSubstring("Padaria"))
				Expect(downloader.refs).To(ConsistOf("wamid.123"))
				Expect(extractor.lastCaption).To(Equal("lanche"))
			})
		})

		When("the media no longer exists", func() {
			It("asks for the image again", func() {
				reply := decodeReply(postJSON(baseURL+"/messages", messageRequest{MediaRef: "wamid.gone"}))
				Expect(reply.Reply).To(Equal(mediaMissingMessage))
				Expect(extractor.calls).To(BeZero())
			})
		})

		When("the download fails", func() {
			BeforeEach(func() {
				downloader.err = errors.New("gateway timeout")
			})

			It("asks for the image again", func() {
				reply := decodeReply(postJSON(baseURL+"/messages", messageRequest{MediaRef: "wamid.123"}))
				Expect(reply.Reply).To(Equal(mediaMissingMessage))
			})
		})

		When("the message is text without a flow", func() {
			It("reports it unhandled", func() {
				reply := decodeReply(postJSON(baseURL+"/messages", messageRequest{Text: "oi"}))
				Expect(reply.Handled).To(BeFalse())
				Expect(reply.Step).To(Equal(StepIdle))
			})
		})

		When("the message is text during a flow", func() {
			It("routes it to the current step", func() {
				decodeReply(postJSON(baseURL+"/messages", messageRequest{MediaRef: "wamid.123"}))

				reply := decodeReply(postJSON(baseURL+"/messages", messageRequest{Text: "1"}))
				Expect(reply.Step).To(Equal(StepAwaitingItemsConfirmation))
				Expect(reply.Reply).To(ContainSubstring("Pão de queijo (3x R$ 4,00) = R$ 12,00"))
			})
		})

		When("the body is empty", func() {
			It("returns bad request", func() {
				resp := postJSON(baseURL+"/messages", messageRequest{})
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the body is not JSON", func() {
			It("returns bad request", func() {
				resp, err := http.Post(baseURL+"/messages", "application/json", bytes.NewBufferString("{"))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("POST receipts", func() {
		upload := func(filename, contentType string, data []byte) *http.Response {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			header := make(textproto.MIMEHeader)
			header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
			if contentType != "" {
				header.Set("Content-Type", contentType)
			}
			part, err := writer.CreatePart(header)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(writer.WriteField("caption", "mercado")).To(Succeed())
			Expect(writer.Close()).To(Succeed())

			resp, err := http.Post(baseURL+"/receipts", writer.FormDataContentType(), body)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("starts a flow from the uploaded file", func() {
			reply := decodeReply(upload("cupom.png", "image/png", []byte("png")))
			Expect(reply.Step).To(Equal(StepAwaitingWallet))
			Expect(extractor.lastMime).To(Equal("image/png"))
			Expect(extractor.lastCaption).To(Equal("mercado"))
		})

		It("infers the content type from the extension", func() {
			decodeReply(upload("cupom.heic", "", []byte("heic")))
			Expect(extractor.lastMime).To(Equal("image/heic"))
		})

		It("requires a file", func() {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			Expect(writer.WriteField("caption", "x")).To(Succeed())
			Expect(writer.Close()).To(Succeed())

			resp, err := http.Post(baseURL+"/receipts", writer.FormDataContentType(), body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("flow endpoints", func() {
		It("returns not found without a flow", func() {
			resp, err := http.Get(baseURL + "/flow")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("reports and clears the active flow", func() {
			decodeReply(postJSON(baseURL+"/messages", messageRequest{MediaRef: "wamid.123"}))

			resp, err := http.Get(baseURL + "/flow")
			Expect(err).NotTo(HaveOccurred())
			var flow flowResponse
			Expect(json.NewDecoder(resp.Body).Decode(&flow)).To(Succeed())
			resp.Body.Close()
			Expect(flow.Step).To(Equal(StepAwaitingWallet))
			Expect(flow.Tenant).To(Equal("acme"))
			Expect(flow.ExpiresAt).To(BeTemporally("==", clock.Now().Add(DefaultTTL)))

			req, err := http.NewRequest(http.MethodDelete, baseURL+"/flow", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err = http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, err = http.Get(baseURL + "/flow")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /healthz", func() {
		It("returns ok", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`"ok"`))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "gateway", Password: "s3cret"}
		})

		It("rejects requests without credentials", func() {
			resp := postJSON(baseURL+"/messages", messageRequest{Text: "oi"})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest(http.MethodPost, baseURL+"/messages", bytes.NewBufferString(`{"text":"oi"}`))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("gateway:s3cret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(decodeReply(resp).Handled).To(BeFalse())
		})

		It("leaves the health check open", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
