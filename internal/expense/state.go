// Package expense implements the conversational expense capture flow: a
// receipt photo becomes confirmed ledger transactions through a short
// dialogue whose state is kept per conversation.
package expense

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/ledger"
	"github.com/Advansoftware/whatsapp-bot-sub000/internal/scanning"
)

// Step is a named state of the flow
type Step string

const (
	StepIdle                      Step = "idle"
	StepAwaitingWallet            Step = "awaiting_wallet"
	StepAwaitingWalletType        Step = "awaiting_wallet_type"
	StepAwaitingItemsConfirmation Step = "awaiting_items_confirmation"
	StepAwaitingFinalConfirmation Step = "awaiting_final_confirmation"
)

// ErrInvalidState is returned when a persisted flow cannot be decoded
var ErrInvalidState = errors.New("invalid flow state")

// Key identifies a conversation of a tenant
type Key struct {
	Tenant       string `json:"tenant"`
	Conversation string `json:"conversation"`
}

func (k Key) String() string {
	return k.Tenant + ":" + k.Conversation
}

// Receipt is the extraction snapshot carried through every step
type Receipt struct {
	Items         []scanning.Item `json:"items"`
	Establishment string          `json:"establishment"`
	Date          string          `json:"date"`
	Category      string          `json:"category,omitempty"`
	ReportedTotal decimal.Decimal `json:"reported_total"`
	ArchivePath   string          `json:"archive_path,omitempty"`
}

// Total sums the current items
func (r Receipt) Total() decimal.Decimal {
	return scanning.ComputedTotal(r.Items)
}

func (r Receipt) validate() error {
	if len(r.Items) == 0 {
		return fmt.Errorf("receipt has no items")
	}
	for i, item := range r.Items {
		if item.Name == "" {
			return fmt.Errorf("item %d has no name", i+1)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("item %d has quantity %d", i+1, item.Quantity)
		}
	}
	return nil
}

// Payload is the step-specific part of a flow. Each step has exactly one
// payload type and carries only the fields valid for it.
type Payload interface {
	Step() Step
	Validate() error
}

// AwaitingWallet waits for the user to pick a wallet from Wallets
type AwaitingWallet struct {
	Receipt Receipt         `json:"receipt"`
	Wallets []ledger.Wallet `json:"wallets"`
}

func (p *AwaitingWallet) Step() Step { return StepAwaitingWallet }

func (p *AwaitingWallet) Validate() error {
	return p.Receipt.validate()
}

// AwaitingWalletType collects the name and type of a wallet to create.
// WalletName stays empty until the user has sent it.
type AwaitingWalletType struct {
	Receipt    Receipt `json:"receipt"`
	WalletName string  `json:"wallet_name,omitempty"`
}

func (p *AwaitingWalletType) Step() Step { return StepAwaitingWalletType }

func (p *AwaitingWalletType) Validate() error {
	return p.Receipt.validate()
}

// AwaitingItemsConfirmation lets the user review and edit the items
type AwaitingItemsConfirmation struct {
	Receipt Receipt       `json:"receipt"`
	Wallet  ledger.Wallet `json:"wallet"`
}

func (p *AwaitingItemsConfirmation) Step() Step { return StepAwaitingItemsConfirmation }

func (p *AwaitingItemsConfirmation) Validate() error {
	if p.Wallet.ID == "" {
		return fmt.Errorf("no wallet selected")
	}
	return p.Receipt.validate()
}

// AwaitingFinalConfirmation waits for the go-ahead to write to the ledger
type AwaitingFinalConfirmation struct {
	Receipt Receipt         `json:"receipt"`
	Wallet  ledger.Wallet   `json:"wallet"`
	Total   decimal.Decimal `json:"total"`
}

func (p *AwaitingFinalConfirmation) Step() Step { return StepAwaitingFinalConfirmation }

func (p *AwaitingFinalConfirmation) Validate() error {
	if p.Wallet.ID == "" {
		return fmt.Errorf("no wallet selected")
	}
	return p.Receipt.validate()
}

// State is the active flow of a conversation
type State struct {
	Key       Key
	Payload   Payload
	ExpiresAt time.Time
}

// Step returns the current step
func (s *State) Step() Step {
	if s == nil || s.Payload == nil {
		return StepIdle
	}
	return s.Payload.Step()
}

// Expired reports whether the flow timed out at now
func (s *State) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// envelope is the persisted form of a State
type envelope struct {
	Step      Step            `json:"step"`
	ExpiresAt time.Time       `json:"expires_at"`
	Payload   json.RawMessage `json:"payload"`
}

func encodeState(payload Payload, expiresAt time.Time) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidState)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidState, payload.Step(), err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	data, err := json.Marshal(envelope{
		Step:      payload.Step(),
		ExpiresAt: expiresAt.UTC(),
		Payload:   raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling state: %w", err)
	}
	return data, nil
}

func newPayload(step Step) (Payload, error) {
	switch step {
	case StepAwaitingWallet:
		return &AwaitingWallet{}, nil
	case StepAwaitingWalletType:
		return &AwaitingWalletType{}, nil
	case StepAwaitingItemsConfirmation:
		return &AwaitingItemsConfirmation{}, nil
	case StepAwaitingFinalConfirmation:
		return &AwaitingFinalConfirmation{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown step %q", ErrInvalidState, step)
	}
}

// decodeState decodes and validates a persisted flow
func decodeState(key Key, data []byte) (*State, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	payload, err := newPayload(env.Step)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidState, env.Step, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidState, env.Step, err)
	}

	return &State{
		Key:       key,
		Payload:   payload,
		ExpiresAt: env.ExpiresAt,
	}, nil
}
