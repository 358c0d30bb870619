package scanning

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotAReceipt is returned when the model decides the image is not a receipt
	ErrNotAReceipt = errors.New("image is not a receipt")
	// ErrNoItemsExtracted is returned when a receipt yields no line items
	ErrNoItemsExtracted = errors.New("no items extracted from receipt")
)

// Item is a single line item read from a receipt
type Item struct {
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Category   string          `json:"category,omitempty"`
}

// Extraction contains everything extracted from a receipt image
type Extraction struct {
	IsReceipt         bool            `json:"is_receipt"`
	Items             []Item          `json:"items"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Establishment     string          `json:"establishment"`
	Date              string          `json:"date"` // ISO 8601 format
	SuggestedCategory string          `json:"suggested_category"`
}

// Extractor defines the interface for receipt extraction operations
type Extractor interface {
	// Extract analyzes a receipt image and extracts its line items.
	// The caption is the text the user sent along with the image.
	Extract(ctx context.Context, imageData []byte, contentType string, caption string) (*Extraction, error)
	// Close closes the extractor and releases resources
	Close() error
}

// Validate reports the extraction failures that must abort a flow start
func (e *Extraction) Validate() error {
	if !e.IsReceipt {
		return ErrNotAReceipt
	}
	if len(e.Items) == 0 {
		return ErrNoItemsExtracted
	}
	return nil
}

// ComputedTotal sums the total price of every item
func ComputedTotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.TotalPrice)
	}
	return total
}
