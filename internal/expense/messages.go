package expense

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/ledger"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/scanning"
)

const (
	cancelledMessage       = "❌ Registro cancelado. Envie outra foto quando quiser lançar uma despesa."
	allItemsRemovedMessage = "🗑️ Todos os itens foram removidos. Registro cancelado."
	apologyMessage         = "😔 Desculpe, ocorreu um erro ao processar sua mensagem. Tente novamente em instantes."
	notAReceiptMessage     = "🤔 Não identifiquei um cupom fiscal nesta imagem. Envie uma foto nítida do comprovante."
	noItemsMessage         = "😕 Não consegui ler os itens deste cupom. Tente uma foto mais nítida e bem iluminada."
	mediaMissingMessage    = "📷 Não consegui baixar a imagem. Tente enviá-la novamente."
	walletHelpMessage      = "🤔 Não entendi. Responda com o número ou o nome da carteira, ou *0* para criar uma nova."
	finalHelpMessage       = "🤔 Responda *sim* para lançar as despesas ou *não* para cancelar."
	walletNamePrompt       = "✏️ Qual o nome da nova carteira?"
)

const itemsHelpMessage = `🤔 Não entendi. Você pode responder:
✅ *sim* para confirmar os itens
✏️ *editar N para valor* para corrigir o valor de um item
🗑️ *remover N* para tirar um item
❌ *cancelar* para desistir`

// formatMoney renders a value as Brazilian currency, e.g. "R$ 1.234,56"
func formatMoney(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}

	fixed := d.StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}

	return fmt.Sprintf("%sR$ %s,%s", sign, b.String(), frac)
}

// formatDate shows ISO dates the Brazilian way
func formatDate(iso string) string {
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return iso
	}
	return t.Format("02/01/2006")
}

func writeItems(b *strings.Builder, items []scanning.Item) {
	for i, item := range items {
		if item.Quantity > 1 {
			fmt.Fprintf(b, "%d. %s (%dx %s) = %s\n", i+1, item.Name, item.Quantity, formatMoney(item.UnitPrice), formatMoney(item.TotalPrice))
		} else {
			fmt.Fprintf(b, "%d. %s = %s\n", i+1, item.Name, formatMoney(item.TotalPrice))
		}
	}
}

func walletIcon(w ledger.Wallet) string {
	if w.Icon != "" {
		return w.Icon
	}
	if t, ok := walletTypeByID(w.Type); ok {
		return t.Icon
	}
	return "👛"
}

func writeWalletTypes(b *strings.Builder) {
	for i, t := range WalletTypes {
		fmt.Fprintf(b, "%d. %s %s\n", i+1, t.Icon, t.Label)
	}
}

func receiptSummaryMessage(r Receipt, wallets []ledger.Wallet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧾 *%s*\n📅 %s\n\n", r.Establishment, formatDate(r.Date))
	writeItems(&b, r.Items)
	fmt.Fprintf(&b, "\n💰 *Total: %s*\n\n", formatMoney(r.Total()))

	if len(wallets) == 0 {
		b.WriteString("Você ainda não tem carteiras cadastradas.\n")
	} else {
		b.WriteString("Em qual carteira devo lançar?\n")
		for i, w := range wallets {
			fmt.Fprintf(&b, "%d. %s %s\n", i+1, walletIcon(w), w.Name)
		}
	}
	b.WriteString("0. ➕ Criar nova carteira\n\n")
	b.WriteString("Responda com o número ou o nome da carteira. Envie *cancelar* para desistir.")
	return b.String()
}

func newWalletMessage() string {
	var b strings.Builder
	b.WriteString(walletNamePrompt)
	b.WriteString("\n\nEm seguida vou perguntar o tipo:\n")
	writeWalletTypes(&b)
	return strings.TrimRight(b.String(), "\n")
}

func walletTypeMessage(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Qual o tipo da carteira *%s*?\n", name)
	writeWalletTypes(&b)
	b.WriteString("\nResponda com o número ou o nome do tipo.")
	return b.String()
}

func walletCreationFailedMessage(upstream string) string {
	if upstream == "" {
		return "⚠️ Não consegui criar a carteira. Registro cancelado."
	}
	return fmt.Sprintf("⚠️ Não consegui criar a carteira: %s\nRegistro cancelado.", upstream)
}

func itemsConfirmationMessage(r Receipt, w ledger.Wallet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Carteira: *%s*\n\n", walletIcon(w), w.Name)
	writeItems(&b, r.Items)
	fmt.Fprintf(&b, "\n💰 *Total: %s*\n\n", formatMoney(r.Total()))
	b.WriteString("Os itens estão corretos?\n")
	b.WriteString("✅ *sim* para confirmar\n")
	b.WriteString("✏️ *editar N para valor* para corrigir um valor\n")
	b.WriteString("🗑️ *remover N* para tirar um item\n")
	b.WriteString("❌ *cancelar* para desistir")
	return b.String()
}

func finalConfirmationMessage(r Receipt, w ledger.Wallet, total decimal.Decimal) string {
	noun := "despesas"
	if len(r.Items) == 1 {
		noun = "despesa"
	}
	return fmt.Sprintf("📝 Vou lançar %d %s de *%s* no total de *%s* na carteira *%s*.\n\nConfirma? (*sim* / *não*)",
		len(r.Items), noun, r.Establishment, formatMoney(total), w.Name)
}

func commitMessage(results []CommitResult, w ledger.Wallet) string {
	succeeded, failed := countResults(results)

	var b strings.Builder
	if failed == 0 {
		total := decimal.Zero
		b.WriteString("✅ *Despesas registradas!*\n\n")
		for _, r := range results {
			fmt.Fprintf(&b, "• %s: %s\n", r.Name, formatMoney(r.TotalPrice))
			total = total.Add(r.TotalPrice)
		}
		fmt.Fprintf(&b, "\n💰 Total: %s\n%s Carteira: %s", formatMoney(total), walletIcon(w), w.Name)
		return b.String()
	}

	b.WriteString("⚠️ *Registro parcial*\n\n")
	fmt.Fprintf(&b, "✅ %d registrado(s)\n❌ %d com falha\n\n", succeeded, failed)
	for _, r := range results {
		mark := "✅"
		if !r.Succeeded {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s %s: %s\n", mark, r.Name, formatMoney(r.TotalPrice))
	}
	b.WriteString("\nLance os itens com falha novamente mais tarde.")
	return b.String()
}
