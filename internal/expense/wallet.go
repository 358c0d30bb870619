package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/ledger"
)

// ErrWalletCreation is returned when the ledger refuses or fails to create a wallet
var ErrWalletCreation = errors.New("wallet creation failed")

// WalletType is one of the fixed kinds of wallet a user can create
type WalletType struct {
	ID    string
	Label string
	Icon  string
}

// WalletTypes are offered, in this order, when creating a wallet
var WalletTypes = []WalletType{
	{ID: "checking", Label: "Conta Corrente", Icon: "🏦"},
	{ID: "credit", Label: "Cartão de Crédito", Icon: "💳"},
	{ID: "savings", Label: "Poupança", Icon: "🐷"},
	{ID: "cash", Label: "Dinheiro", Icon: "💵"},
	{ID: "investment", Label: "Investimento", Icon: "📈"},
	{ID: "other", Label: "Outro", Icon: "👛"},
}

func walletTypeByID(id string) (WalletType, bool) {
	for _, t := range WalletTypes {
		if t.ID == id {
			return t, true
		}
	}
	return WalletType{}, false
}

// resolveWalletType matches normalized input by 1-based index, then label
// substring, then id.
func resolveWalletType(input string) (WalletType, bool) {
	if input == "" {
		return WalletType{}, false
	}
	if n, err := strconv.Atoi(input); err == nil {
		if n >= 1 && n <= len(WalletTypes) {
			return WalletTypes[n-1], true
		}
		return WalletType{}, false
	}
	for _, t := range WalletTypes {
		if strings.Contains(normalize(t.Label), input) {
			return t, true
		}
	}
	return walletTypeByID(input)
}

// matchWallet picks a wallet by 1-based index or by a name that contains, or
// is contained in, the input. The first match wins.
func matchWallet(input string, wallets []ledger.Wallet) (ledger.Wallet, bool) {
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(wallets) {
		return wallets[n-1], true
	}
	for _, w := range wallets {
		name := normalize(w.Name)
		if name == "" {
			continue
		}
		if strings.Contains(name, input) || strings.Contains(input, name) {
			return w, true
		}
	}
	return ledger.Wallet{}, false
}

func (s *Service) handleAwaitingWallet(_ context.Context, _ Key, p *AwaitingWallet, raw, input string) (outcome, error) {
	if input == "" {
		return stay(walletHelpMessage), nil
	}

	if matches(newWalletTokens, input) {
		return advance(&AwaitingWalletType{Receipt: p.Receipt}, newWalletMessage()), nil
	}

	if w, ok := matchWallet(input, p.Wallets); ok {
		next := &AwaitingItemsConfirmation{Receipt: p.Receipt, Wallet: w}
		return advance(next, itemsConfirmationMessage(next.Receipt, w)), nil
	}

	name := strings.TrimSpace(raw)
	return advance(&AwaitingWalletType{Receipt: p.Receipt, WalletName: name}, walletTypeMessage(name)), nil
}

func (s *Service) handleAwaitingWalletType(ctx context.Context, key Key, p *AwaitingWalletType, raw, input string) (outcome, error) {
	if input == "" {
		if p.WalletName == "" {
			return stay(newWalletMessage()), nil
		}
		return stay(walletTypeMessage(p.WalletName)), nil
	}

	if p.WalletName == "" {
		name := strings.TrimSpace(raw)
		return advance(&AwaitingWalletType{Receipt: p.Receipt, WalletName: name}, walletTypeMessage(name)), nil
	}

	walletType, ok := resolveWalletType(input)
	if !ok {
		return stay(walletTypeMessage(p.WalletName)), nil
	}

	wallet, err := s.createWallet(ctx, key, p.WalletName, walletType)
	if err != nil {
		slog.Warn("Wallet creation failed",
			"tenant", key.Tenant,
			"conversation", key.Conversation,
			"wallet_name", p.WalletName,
			"wallet_type", walletType.ID,
			"error", err,
		)
		var upstream string
		var creationErr *walletCreationError
		if errors.As(err, &creationErr) {
			upstream = creationErr.message
		}
		return terminate(walletCreationFailedMessage(upstream)), nil
	}

	slog.Info("Wallet created", "tenant", key.Tenant, "wallet_id", wallet.ID, "wallet_type", walletType.ID)
	next := &AwaitingItemsConfirmation{Receipt: p.Receipt, Wallet: *wallet}
	return advance(next, itemsConfirmationMessage(next.Receipt, *wallet)), nil
}

// walletCreationError carries the ledger's refusal message
type walletCreationError struct {
	message string
}

func (e *walletCreationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrWalletCreation, e.message)
}

func (e *walletCreationError) Unwrap() error {
	return ErrWalletCreation
}

func (s *Service) createWallet(ctx context.Context, key Key, name string, walletType WalletType) (*ledger.Wallet, error) {
	result, err := s.ledger.CreateWallet(ctx, key.Tenant, ledger.NewWallet{
		Name: name,
		Type: walletType.ID,
		Icon: walletType.Icon,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWalletCreation, err)
	}
	if !result.Success || result.Wallet == nil || result.Wallet.ID == "" {
		return nil, &walletCreationError{message: result.Message}
	}
	return result.Wallet, nil
}
