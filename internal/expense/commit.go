package expense

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/ledger"
)

// DefaultCategory is used when neither the item nor the receipt has one
const DefaultCategory = "Alimentação"

// CommitResult is the outcome of writing one item to the ledger
type CommitResult struct {
	Name       string
	TotalPrice decimal.Decimal
	Succeeded  bool
	Message    string
}

func countResults(results []CommitResult) (succeeded, failed int) {
	for _, r := range results {
		if r.Succeeded {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// commit writes every item as its own transaction, in order. A failed item
// never undoes the ones before it.
func (s *Service) commit(ctx context.Context, key Key, p *AwaitingFinalConfirmation) []CommitResult {
	results := make([]CommitResult, 0, len(p.Receipt.Items))

	for _, item := range p.Receipt.Items {
		category := item.Category
		if category == "" {
			category = p.Receipt.Category
		}
		if category == "" {
			category = DefaultCategory
		}

		result := CommitResult{Name: item.Name, TotalPrice: item.TotalPrice}
		res, err := s.ledger.CreateTransaction(ctx, key.Tenant, ledger.Transaction{
			Amount:        item.TotalPrice,
			Type:          ledger.TransactionTypeExpense,
			Category:      category,
			Item:          item.Name,
			Establishment: p.Receipt.Establishment,
			Date:          p.Receipt.Date,
			WalletID:      p.Wallet.ID,
		})
		switch {
		case err != nil:
			result.Message = err.Error()
		case !res.Success:
			result.Message = res.Message
		default:
			result.Succeeded = true
		}

		if !result.Succeeded {
			slog.Warn("Failed to create transaction",
				"tenant", key.Tenant,
				"conversation", key.Conversation,
				"item", item.Name,
				"error", result.Message,
			)
		}
		results = append(results, result)
	}

	return results
}

func (s *Service) handleAwaitingFinalConfirmation(ctx context.Context, key Key, p *AwaitingFinalConfirmation, _, input string) (outcome, error) {
	if matches(denyTokens, input) {
		return terminate(cancelledMessage), nil
	}
	if !matches(confirmTokens, input) {
		return stay(finalHelpMessage), nil
	}

	results := s.commit(ctx, key, p)
	succeeded, failed := countResults(results)
	s.metrics.RecordCommit(ctx, succeeded, failed)

	slog.Info("Receipt committed",
		"tenant", key.Tenant,
		"conversation", key.Conversation,
		"wallet_id", p.Wallet.ID,
		"archive", p.Receipt.ArchivePath,
		"succeeded", succeeded,
		"failed", failed,
	)

	return terminate(commitMessage(results, p.Wallet)), nil
}
