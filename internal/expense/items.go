package expense

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/scanning"
)

// ItemAction is what a message sent during item review asks for
type ItemAction int

const (
	ItemActionUnknown ItemAction = iota
	ItemActionConfirm
	ItemActionDeny
	ItemActionRemove
	ItemActionEdit
)

// ItemCommand is a parsed item review message. Index is 0-based.
type ItemCommand struct {
	Action ItemAction
	Index  int
	Amount decimal.Decimal
}

// ParseItemCommand classifies normalized input against a list of count
// items. Remove and edit commands pointing outside the list are unknown.
func ParseItemCommand(input string, count int) ItemCommand {
	if matches(confirmTokens, input) {
		return ItemCommand{Action: ItemActionConfirm}
	}
	if matches(denyTokens, input) {
		return ItemCommand{Action: ItemActionDeny}
	}

	if m := removeCommand.FindStringSubmatch(input); m != nil {
		if index, ok := itemIndex(m[1], count); ok {
			return ItemCommand{Action: ItemActionRemove, Index: index}
		}
		return ItemCommand{Action: ItemActionUnknown}
	}

	if m := editCommand.FindStringSubmatch(input); m != nil {
		index, ok := itemIndex(m[1], count)
		if !ok {
			return ItemCommand{Action: ItemActionUnknown}
		}
		amount, ok := parseAmount(m[2])
		if !ok {
			return ItemCommand{Action: ItemActionUnknown}
		}
		return ItemCommand{Action: ItemActionEdit, Index: index, Amount: amount}
	}

	return ItemCommand{Action: ItemActionUnknown}
}

func itemIndex(raw string, count int) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > count {
		return 0, false
	}
	return n - 1, true
}

// ApplyItemCommand returns a copy of items with a remove or edit applied.
// Other actions, and indexes outside the list, leave the copy unchanged.
func ApplyItemCommand(items []scanning.Item, cmd ItemCommand) []scanning.Item {
	out := make([]scanning.Item, len(items))
	copy(out, items)

	if cmd.Index < 0 || cmd.Index >= len(out) {
		return out
	}

	switch cmd.Action {
	case ItemActionRemove:
		return append(out[:cmd.Index], out[cmd.Index+1:]...)
	case ItemActionEdit:
		item := &out[cmd.Index]
		item.TotalPrice = cmd.Amount
		item.UnitPrice = cmd.Amount.Div(decimal.NewFromInt(int64(max(item.Quantity, 1)))).Round(2)
	}
	return out
}

func (s *Service) handleAwaitingItemsConfirmation(_ context.Context, _ Key, p *AwaitingItemsConfirmation, _, input string) (outcome, error) {
	cmd := ParseItemCommand(input, len(p.Receipt.Items))

	switch cmd.Action {
	case ItemActionConfirm:
		next := &AwaitingFinalConfirmation{
			Receipt: p.Receipt,
			Wallet:  p.Wallet,
			Total:   p.Receipt.Total(),
		}
		return advance(next, finalConfirmationMessage(next.Receipt, next.Wallet, next.Total)), nil

	case ItemActionDeny:
		return terminate(cancelledMessage), nil

	case ItemActionRemove, ItemActionEdit:
		receipt := p.Receipt
		receipt.Items = ApplyItemCommand(p.Receipt.Items, cmd)
		if len(receipt.Items) == 0 {
			return terminate(allItemsRemovedMessage), nil
		}
		next := &AwaitingItemsConfirmation{Receipt: receipt, Wallet: p.Wallet}
		return advance(next, itemsConfirmationMessage(receipt, p.Wallet)), nil
	}

	return stay(itemsHelpMessage), nil
}
