package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/restock"
)

func TestCreateProductBooksOpeningStock(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	p, err := env.svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU:          " gear-75w90 ",
		Name:         "Gear Oil 75W-90",
		SellPrice:    dec("14.99"),
		CostPrice:    dec("6.10"),
		InitialStock: dec("12"),
		MinStock:     dec("4"),
		MaxStock:     dec("24"),
	})
	require.NoError(t, err)
	require.Equal(t, "GEAR-75W90", p.SKU)
	require.Equal(t, "ea", p.Unit)
	requireDecimal(t, "12", p.StockQty)

	ledger, err := env.svc.ListStockTransactions(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, domain.StockPurchase, ledger[0].Type)
	requireDecimal(t, "12", ledger[0].QtyChange)
	require.Equal(t, "Opening stock", ledger[0].Notes)
	require.Nil(t, ledger[0].ReferenceID)
}

func TestCreateProductValidation(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateProduct(ctx, domain.ProductCreateRequest{SKU: "OIL-5W30-5Q", Name: "Dup"})
	requireValidation(t, err, ErrDuplicateProduct)

	_, err = env.svc.CreateProduct(ctx, domain.ProductCreateRequest{SKU: "NEW-1", Name: "Dup barcode", Barcode: "071611000502"})
	requireValidation(t, err, ErrDuplicateProduct)

	_, err = env.svc.CreateProduct(ctx, domain.ProductCreateRequest{SKU: "NEW-2", Name: "Bad", SellPrice: dec("-1")})
	requireValidation(t, err, ErrInvalidProduct)

	_, err = env.svc.CreateProduct(ctx, domain.ProductCreateRequest{SKU: "NEW-3", Name: "Bad", MinStock: dec("10"), MaxStock: dec("5")})
	requireValidation(t, err, ErrInvalidProduct)

	_, err = env.svc.CreateProduct(ctx, domain.ProductCreateRequest{SKU: "NEW-4", Name: "Bad", InitialStock: dec("-2")})
	requireValidation(t, err, ErrInvalidQuantity)
}

func TestUpdateProductNeverTouchesStock(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	name := "Synthetic 5W-30 5qt Jug"

	p, err := env.svc.UpdateProduct(ctx, seedOil5W30, domain.ProductUpdateRequest{Name: &name, SellPrice: decPtr("34.99")})
	require.NoError(t, err)
	require.Equal(t, name, p.Name)
	requireDecimal(t, "34.99", p.SellPrice)
	requireDecimal(t, "24", stockOf(t, env.svc, seedOil5W30))

	_, err = env.svc.UpdateProduct(ctx, 404, domain.ProductUpdateRequest{Name: &name})
	requireValidation(t, err, ErrProductNotFound)
}

func TestUpdateProductKeepsBulkWhileStockIsNegative(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	_, err := env.svc.AddItem(ctx, inv.ID, seedBulkOil, dec("500"))
	require.NoError(t, err)
	_, err = env.svc.Checkout(ctx, inv.ID, cash("3125"))
	require.NoError(t, err)
	requireDecimal(t, "-20", stockOf(t, env.svc, seedBulkOil))

	notBulk := false
	_, err = env.svc.UpdateProduct(ctx, seedBulkOil, domain.ProductUpdateRequest{IsBulk: &notBulk})
	requirePrecondition(t, err, ErrNegativeStock)

	p, err := env.svc.GetProduct(ctx, seedBulkOil)
	require.NoError(t, err)
	require.True(t, p.IsBulk)

	_, err = env.svc.AdjustStock(ctx, seedBulkOil, dec("20"), "recount")
	require.NoError(t, err)
	p, err = env.svc.UpdateProduct(ctx, seedBulkOil, domain.ProductUpdateRequest{IsBulk: &notBulk})
	require.NoError(t, err)
	require.False(t, p.IsBulk)
	requireDecimal(t, "0", p.StockQty)
}

func TestFindProductByBarcode(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	p, err := env.svc.FindProductByBarcode(ctx, " 009100036140 ")
	require.NoError(t, err)
	require.Equal(t, seedOilFilter, p.ID)

	_, err = env.svc.FindProductByBarcode(ctx, "000000000000")
	requireValidation(t, err, ErrProductNotFound)

	_, err = env.svc.FindProductByBarcode(ctx, "")
	requireValidation(t, err, ErrProductNotFound)
}

func TestAdjustStock(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	p, err := env.svc.AdjustStock(ctx, seedOilFilter, dec("-5"), "cycle count")
	require.NoError(t, err)
	requireDecimal(t, "35", p.StockQty)

	_, err = env.svc.AdjustStock(ctx, seedOilFilter, dec("-36"), "cycle count")
	requirePrecondition(t, err, ErrNegativeStock)
	requireDecimal(t, "35", stockOf(t, env.svc, seedOilFilter))

	_, err = env.svc.AdjustStock(ctx, seedOilFilter, dec("0"), "noop")
	requireValidation(t, err, ErrInvalidQuantity)

	_, err = env.svc.AdjustStock(ctx, seedOilFilter, dec("1"), " ")
	requireValidation(t, err, ErrReasonRequired)

	ledger, err := env.svc.ListStockTransactions(ctx, seedOilFilter, 10)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, domain.StockAdjustment, ledger[0].Type)
	require.Equal(t, "cycle count", ledger[0].Notes)
}

func TestReceiveStockUpdatesCost(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	po := int64(4412)

	p, err := env.svc.ReceiveStock(ctx, seedCabin, domain.StockReceiveRequest{
		Qty:             dec("12"),
		UnitCost:        decPtr("8.40"),
		PurchaseOrderID: &po,
	})
	require.NoError(t, err)
	requireDecimal(t, "15", p.StockQty)
	requireDecimal(t, "8.40", p.CostPrice)

	stored, err := env.svc.GetProduct(ctx, seedCabin)
	require.NoError(t, err)
	requireDecimal(t, "8.40", stored.CostPrice)
	requireDecimal(t, "15", stored.StockQty)

	ledger, err := env.svc.ListStockTransactions(ctx, seedCabin, 0)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, domain.StockPurchase, ledger[0].Type)
	require.Equal(t, po, *ledger[0].ReferenceID)
	require.Equal(t, "PO #4412", ledger[0].Notes)

	_, err = env.svc.ReceiveStock(ctx, seedCabin, domain.StockReceiveRequest{Qty: dec("0")})
	requireValidation(t, err, ErrInvalidQuantity)
}

func TestRecordWaste(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	p, err := env.svc.RecordWaste(ctx, seedBulkOil, dec("2.5"), "spill at bay 2")
	require.NoError(t, err)
	requireDecimal(t, "477.5", p.StockQty)

	ledger, err := env.svc.ListStockTransactions(ctx, seedBulkOil, 0)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, domain.StockWaste, ledger[0].Type)
	requireDecimal(t, "-2.5", ledger[0].QtyChange)

	_, err = env.svc.RecordWaste(ctx, seedCabin, dec("4"), "crushed box")
	requirePrecondition(t, err, ErrNegativeStock)

	_, err = env.svc.RecordWaste(ctx, seedCabin, dec("1"), "")
	requireValidation(t, err, ErrReasonRequired)
}

func TestListStockTransactionsUnknownProduct(t *testing.T) {
	env := newSeededEnv(t)
	_, err := env.svc.ListStockTransactions(context.Background(), 404, 0)
	requireValidation(t, err, ErrProductNotFound)
}

func TestLowStockAndReorderSuggestions(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	low, err := env.svc.LowStockProducts(ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	require.Equal(t, seedCabin, low[0].ID)

	_, err = env.svc.AdjustStock(ctx, seedOilFilter, dec("-40"), "recalled batch")
	require.NoError(t, err)

	suggestions, err := env.svc.ReorderSuggestions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	require.Equal(t, seedOilFilter, suggestions[0].ProductID)
	require.Equal(t, restock.UrgencyOut, suggestions[0].Urgency)
	requireDecimal(t, "80", suggestions[0].SuggestedQty)
	require.Equal(t, seedCabin, suggestions[1].ProductID)
	requireDecimal(t, "13", suggestions[1].SuggestedQty)
	requireDecimal(t, "116.35", suggestions[1].EstimatedCost)
}

func TestCustomers(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	c, err := env.svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: " Dana's Detailing ", Phone: "555-0199", CreditLimit: dec("300")})
	require.NoError(t, err)
	require.Equal(t, "Dana's Detailing", c.Name)
	requireDecimal(t, "0", c.CurrentBalance)

	got, err := env.svc.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Name, got.Name)

	_, err = env.svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: ""})
	requireValidation(t, err, ErrInvalidCustomer)

	_, err = env.svc.GetCustomer(ctx, 404)
	requireValidation(t, err, ErrCustomerNotFound)
}

func TestSearchProducts(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	found, err := env.svc.SearchProducts(ctx, "wiper", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "WIPER-22", found[0].SKU)

	found, err = env.svc.SearchProducts(ctx, "bulk", 1)
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = env.svc.SearchProducts(ctx, "  ", 0)
	requireValidation(t, err, ErrSearchQueryRequired)
}

func TestListCustomersAndBalances(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	fleet := seedFleet

	_, err := env.svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Bay Area Taxi", Phone: "555-0177"})
	require.NoError(t, err)

	all, err := env.svc.ListCustomers(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "Bay Area Taxi", all[0].Name)

	matched, err := env.svc.ListCustomers(ctx, " fleet ")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, seedFleet, matched[0].ID)

	owing, err := env.svc.CustomersWithBalance(ctx)
	require.NoError(t, err)
	require.Empty(t, owing)

	inv, err := env.svc.CreateInvoice(ctx, domain.CreateInvoiceRequest{CustomerID: &fleet})
	require.NoError(t, err)
	_, err = env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("1"))
	require.NoError(t, err)
	_, err = env.svc.Checkout(ctx, inv.ID, domain.Payment{Method: domain.PaymentCredit, Amount: dec("0")})
	require.NoError(t, err)

	owing, err = env.svc.CustomersWithBalance(ctx)
	require.NoError(t, err)
	require.Len(t, owing, 1)
	require.Equal(t, seedFleet, owing[0].ID)
	requireDecimal(t, "32.99", owing[0].CurrentBalance)
}
