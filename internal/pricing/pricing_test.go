package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"lubesoft/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestLineTotalFractionalQuantity(t *testing.T) {
	requireDecimal(t, "29.25", LineTotal(dec("4.5"), dec("6.50")))
	requireDecimal(t, "0.3333", LineTotal(dec("1"), dec("0.33333")))
}

func TestTotalsWithoutTax(t *testing.T) {
	sum := Totals([]decimal.Decimal{dec("98.97"), dec("25.00")}, dec("5.00"), decimal.Zero)
	requireDecimal(t, "123.97", sum.Subtotal)
	requireDecimal(t, "0", sum.Tax)
	requireDecimal(t, "5", sum.Discount)
	requireDecimal(t, "118.97", sum.Total)
}

func TestTotalsWithTax(t *testing.T) {
	sum := Totals([]decimal.Decimal{dec("100")}, dec("10"), dec("0.0825"))
	requireDecimal(t, "8.25", sum.Tax)
	requireDecimal(t, "98.25", sum.Total)
	require.True(t, sum.Total.Equal(sum.Subtotal.Add(sum.Tax).Sub(sum.Discount)))
}

func TestTotalsCapsDiscountAtGross(t *testing.T) {
	sum := Totals([]decimal.Decimal{dec("12")}, dec("20"), decimal.Zero)
	requireDecimal(t, "12", sum.Discount)
	require.True(t, sum.Total.IsZero())
}

func TestTotalsEmpty(t *testing.T) {
	sum := Totals(nil, decimal.Zero, decimal.Zero)
	require.True(t, sum.Subtotal.IsZero())
	require.True(t, sum.Total.IsZero())
}

func TestApplyKeepsInvoiceInvariant(t *testing.T) {
	inv := domain.Invoice{
		Discount: dec("2.5"),
		Items: []domain.InvoiceItem{
			{Total: LineTotal(dec("3"), dec("10.99"))},
			{Total: LineTotal(dec("1"), dec("25"))},
		},
	}
	Apply(&inv, dec("0.1"))

	requireDecimal(t, "57.97", inv.Subtotal)
	requireDecimal(t, "5.797", inv.Tax)
	require.True(t, inv.Total.Equal(inv.Subtotal.Add(inv.Tax).Sub(inv.Discount)))
}
