package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strconv"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// receiptExtractionPrompt is the shared prompt used by all LLM providers for extracting receipt items
const receiptExtractionPrompt = `You are analyzing a photo that may be a receipt, invoice or fiscal coupon (cupom fiscal). Read all text in the image.

First decide if the image really is a purchase receipt. If it is not, answer with "isReceipt": false and an empty item list.

If it is a receipt, extract:

1. **Establishment**: the merchant or store name printed at the top.
2. **Date**: the purchase date converted to ISO 8601 (YYYY-MM-DD). Brazilian receipts use DD/MM/YYYY.
3. **Items**: every purchased line item with its name, integer quantity, unit price and line total.
4. **Total**: the final amount paid ("TOTAL", "VALOR A PAGAR", "VALOR TOTAL").
5. **Category**: one expense category for the whole purchase, in Portuguese (e.g. "Alimentação", "Transporte", "Saúde", "Lazer", "Casa"). Items may carry their own category when it differs.

Return ONLY valid JSON in this exact format:
{
  "isReceipt": true,
  "establishment": "Store Name",
  "date": "YYYY-MM-DD",
  "totalAmount": 0.00,
  "suggestedCategory": "Alimentação",
  "items": [
    {"name": "Item name", "quantity": 1, "unitPrice": 0.00, "totalPrice": 0.00, "category": "Alimentação"}
  ]
}

Important:
- Prices must be numbers (not strings) using a dot as decimal separator
- Quantity must be an integer of at least 1; weighed items use quantity 1 and the line total
- Ignore discounts, taxes and payment lines as items, but keep the final total
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// receiptPrompt appends the user's caption to the extraction prompt
func receiptPrompt(caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return receiptExtractionPrompt
	}
	return receiptExtractionPrompt + "\n\nThe user sent this message with the image, use it as a hint for the category or establishment: " + strconv.Quote(caption)
}

// renderPDF rasterizes the first page of a PDF receipt
func renderPDF(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEIC checks the ftyp box brand or the MIME type for HEIC/HEIF images
func isHEIC(data []byte, mimeType string) bool {
	if strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// decodeReceipt decodes any supported receipt format into an image
func decodeReceipt(data []byte, mimeType string) (image.Image, error) {
	switch {
	case mimeType == "application/pdf":
		return renderPDF(data)
	case isHEIC(data, mimeType):
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	default:
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding %s image (supported: JPEG, PNG, GIF, HEIC, PDF): %w", mimeType, err)
		}
		return img, nil
	}
}

// prepareImageData normalizes a receipt to PNG, which every provider accepts.
// PNG input is passed through untouched.
func prepareImageData(data []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if mimeType == "image/png" {
		return data, nil
	}

	img, err := decodeReceipt(data, mimeType)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}
