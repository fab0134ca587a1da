package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/numbering"
	"lubesoft/backend/internal/service"
	"lubesoft/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("LUBESOFT_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set LUBESOFT_TEST_DATABASE_URL to run postgres integration tests")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestCheckoutThenVoidRestocksInventory(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	svc := service.New(s, numbering.NewGenerator(numbering.NewLocalSequence(time.Now()), time.UTC))
	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU:          fmt.Sprintf("IT-VOID-%d", stamp),
		Name:         "Integration filter",
		SellPrice:    decimal.RequireFromString("9.50"),
		CostPrice:    decimal.RequireFromString("4.00"),
		InitialStock: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	var invoiceID int64
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_transactions WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})

	inv, err := svc.CreateInvoice(ctx, domain.CreateInvoiceRequest{})
	require.NoError(t, err)
	invoiceID = inv.ID

	_, err = svc.AddItem(ctx, inv.ID, product.ID, decimal.NewFromInt(2))
	require.NoError(t, err)

	paid, err := svc.Checkout(ctx, inv.ID, domain.Payment{Method: domain.PaymentCash, Amount: decimal.NewFromInt(20)})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaid, paid.Status)

	after, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	require.True(t, after.StockQty.Equal(decimal.NewFromInt(8)), "stock after checkout: %s", after.StockQty)

	voided, err := svc.Void(ctx, inv.ID, domain.VoidOptions{Reason: "integration", ManagerApproved: true})
	require.NoError(t, err)
	require.Equal(t, domain.StatusVoid, voided.Status)

	restored, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	require.True(t, restored.StockQty.Equal(decimal.NewFromInt(10)), "stock after void: %s", restored.StockQty)

	entries, err := s.ListStockTransactions(ctx, product.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, domain.StockAdjustment, entries[0].Type)
	require.True(t, entries[0].QtyChange.Equal(decimal.NewFromInt(2)))
	require.Equal(t, domain.StockSale, entries[1].Type)
	require.True(t, entries[1].QtyChange.Equal(decimal.NewFromInt(-2)))
	require.Equal(t, domain.StockPurchase, entries[2].Type)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	number := fmt.Sprintf("IT-ROLLBACK-%d", time.Now().UnixNano())

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.CreateInvoice(ctx, domain.Invoice{Number: number, Status: domain.StatusOpen, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT count(*) FROM invoices WHERE invoice_number = $1`, number).Scan(&count))
	require.Zero(t, count)
}

func TestCreateInvoiceDuplicateNumber(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	number := fmt.Sprintf("IT-DUP-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoices WHERE invoice_number = $1`, number)
	})

	create := func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateInvoice(ctx, domain.Invoice{Number: number, Status: domain.StatusOpen, CreatedAt: time.Now()})
		return err
	}
	require.NoError(t, s.WithTx(ctx, create))
	require.ErrorIs(t, s.WithTx(ctx, create), store.ErrDuplicate)
}

func TestSearchProductsEscapesWildcards(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	sku := fmt.Sprintf("IT-SRCH-%d", time.Now().UnixNano())

	var created *domain.Product
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		created, err = tx.CreateProduct(ctx, domain.Product{SKU: sku, Name: "Coolant 50_50 premix", Unit: "gal", CreatedAt: time.Now()})
		return err
	}))
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, created.ID)
	})

	found, err := s.SearchProducts(ctx, strings.ToLower(sku), 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, created.ID, found[0].ID)

	found, err = s.SearchProducts(ctx, "50_50", 10)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	for _, p := range found {
		require.Contains(t, p.Name, "50_50")
	}
}

func TestListCustomersWithBalance(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	name := fmt.Sprintf("IT Customer %d", time.Now().UnixNano())

	var created *domain.Customer
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if created, err = tx.CreateCustomer(ctx, domain.Customer{Name: name, CreditLimit: decimal.NewFromInt(100), CreatedAt: time.Now()}); err != nil {
			return err
		}
		return tx.SetCustomerBalance(ctx, created.ID, decimal.RequireFromString("42.5"))
	}))
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, created.ID)
	})

	matched, err := s.ListCustomers(ctx, name)
	require.NoError(t, err)
	require.Len(t, matched, 1)

	owing, err := s.ListCustomersWithBalance(ctx)
	require.NoError(t, err)
	var seen bool
	for _, c := range owing {
		require.True(t, c.CurrentBalance.IsPositive())
		if c.ID == created.ID {
			seen = true
		}
	}
	require.True(t, seen)
}
