// Package pricing derives line and invoice totals. Every function here is pure.
package pricing

import (
	"github.com/shopspring/decimal"

	"lubesoft/backend/internal/domain"
)

// WorkingPlaces is the number of decimal places money and quantities are kept at.
const WorkingPlaces int32 = 4

type Summary struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

func Round(value decimal.Decimal) decimal.Decimal {
	return value.Round(WorkingPlaces)
}

// LineTotal is qty x unitPrice. Sign is not checked here.
func LineTotal(qty, unitPrice decimal.Decimal) decimal.Decimal {
	return Round(qty.Mul(unitPrice))
}

// Totals sums the line totals, applies taxRate to the subtotal and subtracts
// the discount. A discount larger than subtotal+tax is capped at that amount
// so the total never drops below zero; the returned Discount is the one applied.
func Totals(lines []decimal.Decimal, discount, taxRate decimal.Decimal) Summary {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line)
	}
	subtotal = Round(subtotal)
	tax := Round(subtotal.Mul(taxRate))
	gross := subtotal.Add(tax)

	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(gross) {
		discount = gross
	}
	discount = Round(discount)

	return Summary{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    gross.Sub(discount),
	}
}

// ItemLines returns the stored totals of items, in order.
func ItemLines(items []domain.InvoiceItem) []decimal.Decimal {
	lines := make([]decimal.Decimal, 0, len(items))
	for _, item := range items {
		lines = append(lines, item.Total)
	}
	return lines
}

// Apply recomputes inv's subtotal, tax, discount and total from its items.
func Apply(inv *domain.Invoice, taxRate decimal.Decimal) {
	sum := Totals(ItemLines(inv.Items), inv.Discount, taxRate)
	inv.Subtotal = sum.Subtotal
	inv.Tax = sum.Tax
	inv.Discount = sum.Discount
	inv.Total = sum.Total
}
