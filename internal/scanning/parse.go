package scanning

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultEstablishment = "Estabelecimento"

// extractionResponse mirrors the JSON contract the models are asked to return
type extractionResponse struct {
	IsReceipt bool `json:"isReceipt"`
	Items     []struct {
		Name       string          `json:"name"`
		Quantity   float64         `json:"quantity"`
		UnitPrice  decimal.Decimal `json:"unitPrice"`
		TotalPrice decimal.Decimal `json:"totalPrice"`
		Category   string          `json:"category"`
	} `json:"items"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	Establishment     string          `json:"establishment"`
	Date              string          `json:"date"`
	SuggestedCategory string          `json:"suggestedCategory"`
}

// stripJSON removes markdown fences and anything around the outermost JSON object
func stripJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}

	return text[startIdx : endIdx+1], nil
}

// normalizeDate returns the date in ISO 8601 format, defaulting to today
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().Format("2006-01-02")
	}

	formats := []string{
		"2006-01-02",
		"02/01/2006",
		"2006/01/02",
		"02-01-2006",
		"02/01/06",
	}
	for _, format := range formats {
		if d, err := time.Parse(format, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return time.Now().Format("2006-01-02")
}

// parseExtractionJSON parses the JSON response from a model
func parseExtractionJSON(text string) (*Extraction, error) {
	text, err := stripJSON(text)
	if err != nil {
		return nil, err
	}

	var resp extractionResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data := &Extraction{
		IsReceipt:         resp.IsReceipt,
		TotalAmount:       resp.TotalAmount,
		Establishment:     strings.TrimSpace(resp.Establishment),
		Date:              normalizeDate(resp.Date),
		SuggestedCategory: strings.TrimSpace(resp.SuggestedCategory),
		Items:             make([]Item, 0, len(resp.Items)),
	}
	if data.Establishment == "" {
		data.Establishment = defaultEstablishment
	}

	for _, raw := range resp.Items {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			continue
		}

		quantity := int(math.Round(raw.Quantity))
		if quantity < 1 {
			quantity = 1
		}

		item := Item{
			Name:       name,
			Quantity:   quantity,
			UnitPrice:  raw.UnitPrice,
			TotalPrice: raw.TotalPrice,
			Category:   strings.TrimSpace(raw.Category),
		}
		// Models sometimes only fill one of the two prices
		if item.TotalPrice.IsZero() && !item.UnitPrice.IsZero() {
			item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
		}
		if item.UnitPrice.IsZero() && !item.TotalPrice.IsZero() {
			item.UnitPrice = item.TotalPrice.Div(decimal.NewFromInt(int64(quantity))).Round(2)
		}
		data.Items = append(data.Items, item)
	}

	return data, nil
}
