// Package ledger talks to the external financial ledger that owns wallets
// and transactions.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransactionTypeExpense is the only transaction type the expense flow creates
const TransactionTypeExpense = "expense"

// Wallet is a ledger account that owns transactions
type Wallet struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Icon string `json:"icon,omitempty"`
}

// NewWallet describes a wallet to be created
type NewWallet struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Icon string `json:"icon"`
}

// CreateWalletResult is the ledger's answer to a wallet creation
type CreateWalletResult struct {
	Success bool    `json:"success"`
	Wallet  *Wallet `json:"wallet,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Transaction is a single ledger entry
type Transaction struct {
	Amount        decimal.Decimal
	Type          string
	Category      string
	Item          string
	Establishment string
	Date          string
	WalletID      string
}

// TransactionResult is the ledger's answer to a transaction creation
type TransactionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Client defines the ledger operations the expense flow depends on
type Client interface {
	// ListWallets returns every wallet of the tenant
	ListWallets(ctx context.Context, tenant string) ([]Wallet, error)

	// CreateWallet creates a wallet. A rejected creation is reported through
	// the result, transport failures through the error.
	CreateWallet(ctx context.Context, tenant string, wallet NewWallet) (*CreateWalletResult, error)

	// CreateTransaction records a transaction in the given wallet
	CreateTransaction(ctx context.Context, tenant string, tx Transaction) (*TransactionResult, error)
}
