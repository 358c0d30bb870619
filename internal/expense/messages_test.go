package expense

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/ledger"
)

var _ = DescribeTable("formatMoney",
	func(value, expected string) {
		Expect(formatMoney(dec(value))).To(Equal(expected))
	},
	Entry("cents", "0.5", "R$ 0,50"),
	Entry("small", "15.5", "R$ 15,50"),
	Entry("hundreds", "999.99", "R$ 999,99"),
	Entry("thousands", "1234.56", "R$ 1.234,56"),
	Entry("millions", "1234567", "R$ 1.234.567,00"),
	Entry("negative", "-42.1", "-R$ 42,10"),
)

var _ = Describe("commitMessage", func() {
	wallet := ledger.Wallet{ID: "w1", Name: "Nubank", Type: "credit"}

	It("itemizes a full success with its total", func() {
		text := commitMessage([]CommitResult{
			{Name: "Arroz", TotalPrice: dec("20"), Succeeded: true},
			{Name: "Feijão", TotalPrice: dec("8.5"), Succeeded: true},
		}, wallet)
		Expect(text).To(ContainSubstring("Despesas registradas"))
		Expect(text).To(ContainSubstring("Arroz: R$ 20,00"))
		Expect(text).To(ContainSubstring("Total: R$ 28,50"))
		Expect(text).NotTo(ContainSubstring("parcial"))
	})

	It("reports counts on a partial failure", func() {
		text := commitMessage([]CommitResult{
			{Name: "Arroz", TotalPrice: dec("20"), Succeeded: true},
			{Name: "Feijão", TotalPrice: dec("8.5")},
		}, wallet)
		Expect(text).To(ContainSubstring("parcial"))
		Expect(text).To(ContainSubstring("1 registrado(s)"))
		Expect(text).To(ContainSubstring("1 com falha"))
	})
})

var _ = Describe("newWalletMessage", func() {
	It("lists the six wallet types in order", func() {
		text := newWalletMessage()
		for i, t := range WalletTypes {
			Expect(text).To(ContainSubstring(string(rune('1'+i)) + ". " + t.Icon + " " + t.Label))
		}
		Expect(strings.Count(text, "\n")).To(Equal(len(WalletTypes) + 2))
	})
})
