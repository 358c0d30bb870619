package expense_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/expense"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/ledger"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/media"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/scanning"
)

// stubExtractor returns a fixed receipt
type stubExtractor struct {
	extraction *scanning.Extraction
}

func (s *stubExtractor) Extract(context.Context, []byte, string, string) (*scanning.Extraction, error) {
	return s.extraction, nil
}

func (s *stubExtractor) Close() error {
	return nil
}

var _ = Describe("Integration", func() {
	var (
		storagePath  string
		store        *expense.BoltStore
		ledgerServer *ghttp.Server
		appServer    *ghttp.Server
		baseURL      string
	)

	BeforeEach(func() {
		tempDir := GinkgoT().TempDir()
		storagePath = filepath.Join(tempDir, "receipts")

		var err error
		store, err = expense.NewBoltStore(filepath.Join(tempDir, "flows.db"), expense.DefaultTTL)
		Expect(err).NotTo(HaveOccurred())

		storage, err := media.NewLocalStorage(storagePath)
		Expect(err).NotTo(HaveOccurred())

		ledgerServer = ghttp.NewServer()
		ledgerClient, err := ledger.NewHTTPClient(ledgerServer.URL(), "ledger-key")
		Expect(err).NotTo(HaveOccurred())

		extractor := &stubExtractor{extraction: &scanning.Extraction{
			IsReceipt: true,
			Items: []scanning.Item{
				{Name: "Café", Quantity: 1, UnitPrice: decimal.RequireFromString("9.00"), TotalPrice: decimal.RequireFromString("9.00")},
				{Name: "Bolo", Quantity: 2, UnitPrice: decimal.RequireFromString("6.00"), TotalPrice: decimal.RequireFromString("12.00")},
			},
			TotalAmount:       decimal.RequireFromString("21.00"),
			Establishment:     "Padaria Real",
			Date:              "2024-03-10",
			SuggestedCategory: "Lanche",
		}}

		service := expense.NewService(store, extractor, ledgerClient, storage)
		server := expense.NewServer(service, nil, expense.BasicAuth{})

		appServer = ghttp.NewServer()
		anyPath := regexp.MustCompile(`.*`)
		appServer.RouteToHandler("GET", anyPath, server.ServeHTTP)
		appServer.RouteToHandler("POST", anyPath, server.ServeHTTP)
		baseURL = appServer.URL() + "/api/tenants/acme/conversations/5511999990000"
	})

	AfterEach(func() {
		appServer.Close()
		ledgerServer.Close()
		store.Close()
	})

	type reply struct {
		Handled bool   `json:"handled"`
		Reply   string `json:"reply"`
		Step    string `json:"step"`
	}

	decode := func(resp *http.Response) reply {
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var r reply
		Expect(json.NewDecoder(resp.Body).Decode(&r)).To(Succeed())
		return r
	}

	say := func(text string) reply {
		body, err := json.Marshal(map[string]string{"text": text})
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(baseURL+"/messages", "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		return decode(resp)
	}

	It("captures a receipt from upload to ledger", func() {
		ledgerServer.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("GET", "/api/tenants/acme/wallets"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer ledger-key"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"wallets": []map[string]string{{"id": "w1", "name": "Nubank", "type": "credit"}},
				}),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/tenants/acme/transactions"),
				ghttp.VerifyJSON(`{"amount":10,"type":"expense","category":"Lanche","item":"Café","establishment":"Padaria Real","date":"2024-03-10","walletId":"w1"}`),
				ghttp.RespondWithJSONEncoded(http.StatusCreated, map[string]any{"success": true}),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/tenants/acme/transactions"),
				ghttp.VerifyJSON(`{"amount":12,"type":"expense","category":"Lanche","item":"Bolo","establishment":"Padaria Real","date":"2024-03-10","walletId":"w1"}`),
				ghttp.RespondWithJSONEncoded(http.StatusCreated, map[string]any{"success": true}),
			),
		)

		// Upload the receipt
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "cupom.jpg")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("fake jpeg"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(baseURL+"/receipts", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		r := decode(resp)
		Expect(r.Step).To(Equal("awaiting_wallet"))
		Expect(r.Reply).To(ContainSubstring("1. 💳 Nubank"))

		archived, err := os.ReadDir(filepath.Join(storagePath, "acme"))
		Expect(err).NotTo(HaveOccurred())
		Expect(archived).To(HaveLen(1))

		r = say("1")
		Expect(r.Step).To(Equal("awaiting_items_confirmation"))

		r = say("editar 1 para 10,00")
		Expect(r.Step).To(Equal("awaiting_items_confirmation"))
		Expect(r.Reply).To(ContainSubstring("R$ 22,00"))

		r = say("SIM")
		Expect(r.Step).To(Equal("awaiting_final_confirmation"))

		r = say("sim")
		Expect(r.Step).To(Equal("idle"))
		Expect(r.Reply).To(ContainSubstring("Despesas registradas"))
		Expect(ledgerServer.ReceivedRequests()).To(HaveLen(3))

		// The conversation is idle again
		r = say("sim")
		Expect(r.Handled).To(BeFalse())
	})

	It("ends the flow on cancel without touching the ledger", func() {
		ledgerServer.AppendHandlers(
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"wallets": []any{}}),
		)

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "cupom.png")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("fake png"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(baseURL+"/receipts", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		Expect(decode(resp).Step).To(Equal("awaiting_wallet"))

		r := say("Parar")
		Expect(r.Step).To(Equal("idle"))

		resp, err = http.Get(baseURL + "/flow")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		Expect(ledgerServer.ReceivedRequests()).To(HaveLen(1))
	})
})
