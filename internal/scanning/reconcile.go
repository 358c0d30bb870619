package scanning

import "github.com/shopspring/decimal"

// ReconcileTolerance is the largest difference between the item sum and the
// reported total that is accepted without rescaling.
var ReconcileTolerance = decimal.RequireFromString("0.10")

// Reconcile aligns the item totals with the total reported on the receipt.
// When the two differ by more than ReconcileTolerance every item is rescaled
// proportionally and its unit price derived again from the new total.
// It returns the reconciled items and the total the flow should show.
func Reconcile(items []Item, reported decimal.Decimal) ([]Item, decimal.Decimal) {
	out := make([]Item, len(items))
	copy(out, items)

	computed := ComputedTotal(out)
	if !reported.IsPositive() {
		// Nothing reliable to reconcile against
		return out, computed
	}
	if !computed.IsPositive() || computed.Sub(reported).Abs().LessThanOrEqual(ReconcileTolerance) {
		return out, reported
	}

	ratio := reported.Div(computed)
	for i := range out {
		out[i].TotalPrice = out[i].TotalPrice.Mul(ratio).Round(2)
		out[i].UnitPrice = out[i].TotalPrice.Div(decimal.NewFromInt(int64(max(out[i].Quantity, 1)))).Round(2)
	}

	return out, reported
}
