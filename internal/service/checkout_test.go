package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/store/memory"
)

func cash(amount string) domain.Payment {
	return domain.Payment{Method: domain.PaymentCash, Amount: dec(amount)}
}

func TestCheckoutAndVoidRoundTrip(t *testing.T) {
	env := newTestEnv(t, memory.New())
	ctx := context.Background()

	product, err := env.svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU:          "oil-test-1",
		Name:         "Test Oil",
		SellPrice:    dec("12.50"),
		CostPrice:    dec("7.00"),
		InitialStock: dec("10"),
	})
	require.NoError(t, err)
	require.Equal(t, "OIL-TEST-1", product.SKU)

	inv := newInvoice(t, env.svc)
	_, err = env.svc.AddItem(ctx, inv.ID, product.ID, dec("3"))
	require.NoError(t, err)
	_, err = env.svc.AddCustomItem(ctx, inv.ID, domain.AddCustomItemRequest{Description: "Labor", Qty: dec("1"), UnitPrice: dec("25.00")})
	require.NoError(t, err)
	_, err = env.svc.ApplyDiscount(ctx, inv.ID, dec("5.00"))
	require.NoError(t, err)

	paid, err := env.svc.Checkout(ctx, inv.ID, cash("60"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaid, paid.Status)
	require.Equal(t, domain.PaymentCash, paid.PaymentMethod)
	require.NotNil(t, paid.CompletedAt)
	requireDecimal(t, "62.50", paid.Subtotal)
	requireDecimal(t, "57.50", paid.Total)
	requireDecimal(t, "2.50", paid.Change())
	requireDecimal(t, "7", stockOf(t, env.svc, product.ID))

	ledger, err := env.svc.ListStockTransactions(ctx, product.ID, 0)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	require.Equal(t, domain.StockSale, ledger[0].Type)
	requireDecimal(t, "-3", ledger[0].QtyChange)
	require.Equal(t, inv.ID, *ledger[0].ReferenceID)
	require.Equal(t, "Invoice "+inv.Number, ledger[0].Notes)
	require.Equal(t, domain.StockPurchase, ledger[1].Type)

	// paid invoices are frozen
	_, err = env.svc.AddItem(ctx, inv.ID, product.ID, dec("1"))
	requirePrecondition(t, err, ErrInvoiceLocked)

	voided, err := env.svc.Void(ctx, inv.ID, domain.VoidOptions{Reason: "customer declined", ManagerApproved: true})
	require.NoError(t, err)
	require.Equal(t, domain.StatusVoid, voided.Status)
	require.Equal(t, "customer declined", voided.VoidReason)
	require.NotNil(t, voided.VoidedAt)
	requireDecimal(t, "10", stockOf(t, env.svc, product.ID))

	ledger, err = env.svc.ListStockTransactions(ctx, product.ID, 0)
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	require.Equal(t, domain.StockAdjustment, ledger[0].Type)
	requireDecimal(t, "3", ledger[0].QtyChange)
	require.Equal(t, inv.ID, *ledger[0].ReferenceID)

	_, err = env.svc.Void(ctx, inv.ID, domain.VoidOptions{ManagerApproved: true})
	requirePrecondition(t, err, ErrIllegalTransition)

	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CheckoutCounter("CASH", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.VoidCounter("paid", "ok")))
}

func TestCheckoutTwiceFails(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	_, err := env.svc.AddItem(ctx, inv.ID, seedOilFilter, dec("1"))
	require.NoError(t, err)

	_, err = env.svc.Checkout(ctx, inv.ID, cash("10"))
	require.NoError(t, err)

	_, err = env.svc.Checkout(ctx, inv.ID, cash("10"))
	requirePrecondition(t, err, ErrIllegalTransition)
	requireDecimal(t, "39", stockOf(t, env.svc, seedOilFilter))
}

func TestCheckoutRejectsEmptyInvoice(t *testing.T) {
	env := newSeededEnv(t)
	inv := newInvoice(t, env.svc)

	_, err := env.svc.Checkout(context.Background(), inv.ID, cash("0"))
	requireValidation(t, err, ErrEmptyInvoice)
}

func TestCheckoutPaymentPolicy(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	_, err := env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("1"))
	require.NoError(t, err)

	cases := []struct {
		name    string
		payment domain.Payment
		cause   error
	}{
		{"short cash", cash("30"), ErrInsufficientPayment},
		{"negative", cash("-1"), ErrInvalidAmount},
		{"unknown method", domain.Payment{Method: "BARTER", Amount: dec("40")}, ErrUnsupportedPayment},
		{"credit without customer", domain.Payment{Method: domain.PaymentCredit, Amount: dec("0")}, ErrCustomerRequired},
		{"splits on cash", domain.Payment{Method: domain.PaymentCash, Amount: dec("40"), Splits: []domain.SplitPayment{{Method: domain.PaymentCash, Amount: dec("40")}}}, ErrInvalidAmount},
		{"single split", domain.Payment{Method: domain.PaymentSplit, Amount: dec("40"), Splits: []domain.SplitPayment{{Method: domain.PaymentCash, Amount: dec("40")}}}, ErrInvalidAmount},
		{"split sum mismatch", domain.Payment{Method: domain.PaymentSplit, Amount: dec("40"), Splits: []domain.SplitPayment{
			{Method: domain.PaymentCash, Amount: dec("20")},
			{Method: domain.PaymentDigital, Amount: dec("10")},
		}}, ErrInvalidAmount},
		{"credit split", domain.Payment{Method: domain.PaymentSplit, Amount: dec("40"), Splits: []domain.SplitPayment{
			{Method: domain.PaymentCash, Amount: dec("20")},
			{Method: domain.PaymentCredit, Amount: dec("20")},
		}}, ErrUnsupportedPayment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Checkout(ctx, inv.ID, tc.payment)
			requireValidation(t, err, tc.cause)
		})
	}

	got, err := env.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, got.Status)
	requireDecimal(t, "24", stockOf(t, env.svc, seedOil5W30))
}

func TestCheckoutSplitPayment(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	if _, err := env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("1")); err != nil {
		t.Fatalf("add item failed: %v", err)
	}

	paid, err := env.svc.Checkout(ctx, inv.ID, domain.Payment{
		Method: "split",
		Amount: dec("32.99"),
		Splits: []domain.SplitPayment{
			{Method: "cash", Amount: dec("20")},
			{Method: "digital", Amount: dec("12.99")},
		},
	})
	if err != nil {
		t.Fatalf("split checkout failed: %v", err)
	}
	if paid.PaymentMethod != domain.PaymentSplit {
		t.Fatalf("expected SPLIT, got %s", paid.PaymentMethod)
	}
	if len(paid.PaymentSplits) != 2 || paid.PaymentSplits[1].Method != domain.PaymentDigital {
		t.Fatalf("unexpected splits: %+v", paid.PaymentSplits)
	}
}

func TestCreditCheckoutChargesAccountAndVoidReverses(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	fleet := seedFleet

	inv, err := env.svc.CreateInvoice(ctx, domain.CreateInvoiceRequest{CustomerID: &fleet})
	require.NoError(t, err)
	_, err = env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("2"))
	require.NoError(t, err)

	paid, err := env.svc.Checkout(ctx, inv.ID, domain.Payment{Method: domain.PaymentCredit, Amount: dec("10")})
	require.NoError(t, err)
	requireDecimal(t, "55.98", paid.Shortfall())

	customer, err := env.svc.GetCustomer(ctx, fleet)
	require.NoError(t, err)
	requireDecimal(t, "55.98", customer.CurrentBalance)

	_, err = env.svc.Void(ctx, inv.ID, domain.VoidOptions{Reason: "billing error", ManagerApproved: true})
	require.NoError(t, err)

	customer, err = env.svc.GetCustomer(ctx, fleet)
	require.NoError(t, err)
	requireDecimal(t, "0", customer.CurrentBalance)
}

func TestCreditCheckoutRespectsLimit(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	customer, err := env.svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Corner Garage", CreditLimit: dec("50")})
	require.NoError(t, err)
	inv, err := env.svc.CreateInvoice(ctx, domain.CreateInvoiceRequest{CustomerID: &customer.ID})
	require.NoError(t, err)
	_, err = env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("2"))
	require.NoError(t, err)

	_, err = env.svc.Checkout(ctx, inv.ID, domain.Payment{Method: domain.PaymentCredit, Amount: dec("0")})
	requirePrecondition(t, err, ErrCreditLimitExceeded)
	requireDecimal(t, "24", stockOf(t, env.svc, seedOil5W30))

	_, err = env.svc.Checkout(ctx, inv.ID, domain.Payment{Method: domain.PaymentCredit, Amount: dec("20")})
	require.NoError(t, err)
	customer, err = env.svc.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	requireDecimal(t, "45.98", customer.CurrentBalance)
}

func TestCheckoutRechecksStock(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()

	first := newInvoice(t, env.svc)
	second := newInvoice(t, env.svc)
	_, err := env.svc.AddItem(ctx, first.ID, seedCabin, dec("2"))
	require.NoError(t, err)
	_, err = env.svc.AddItem(ctx, second.ID, seedCabin, dec("2"))
	require.NoError(t, err)
	_, err = env.svc.AddItem(ctx, second.ID, seedOilFilter, dec("1"))
	require.NoError(t, err)

	_, err = env.svc.Checkout(ctx, first.ID, cash("100"))
	require.NoError(t, err)

	_, err = env.svc.Checkout(ctx, second.ID, cash("100"))
	requirePrecondition(t, err, ErrInsufficientStock)

	// the whole checkout rolled back, including lines that had stock
	requireDecimal(t, "1", stockOf(t, env.svc, seedCabin))
	requireDecimal(t, "40", stockOf(t, env.svc, seedOilFilter))
	got, err := env.svc.GetInvoice(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, got.Status)
}

func TestCheckoutBulkMayGoNegative(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	_, err := env.svc.AddItem(ctx, inv.ID, seedBulkOil, dec("500"))
	require.NoError(t, err)

	_, err = env.svc.Checkout(ctx, inv.ID, cash("3125"))
	require.NoError(t, err)
	requireDecimal(t, "-20", stockOf(t, env.svc, seedBulkOil))
}

func TestCheckoutMergesRepeatedProductLines(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	for i := 0; i < 2; i++ {
		_, err := env.svc.AddItem(ctx, inv.ID, seedOilFilter, dec("1.5"))
		require.NoError(t, err)
	}

	_, err := env.svc.Checkout(ctx, inv.ID, cash("100"))
	require.NoError(t, err)
	requireDecimal(t, "37", stockOf(t, env.svc, seedOilFilter))

	ledger, err := env.svc.ListStockTransactions(ctx, seedOilFilter, 0)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	requireDecimal(t, "-1.5", ledger[0].QtyChange)
	requireDecimal(t, "-1.5", ledger[1].QtyChange)
}

func TestCheckoutStoreFailureRollsBack(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	_, err := env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("1"))
	require.NoError(t, err)
	_, err = env.svc.AddItem(ctx, inv.ID, seedOilFilter, dec("1"))
	require.NoError(t, err)

	boom := errors.New("disk full")
	env.repo.FailOn("UpdateInvoice", boom)

	_, err = env.svc.Checkout(ctx, inv.ID, cash("100"))
	var te *TransactionalError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "checkout", te.Op)

	requireDecimal(t, "24", stockOf(t, env.svc, seedOil5W30))
	requireDecimal(t, "40", stockOf(t, env.svc, seedOilFilter))
	ledger, err := env.svc.ListStockTransactions(ctx, seedOil5W30, 0)
	require.NoError(t, err)
	require.Empty(t, ledger)
	got, err := env.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, got.Status)

	// the fault is one-shot; a retry goes through
	_, err = env.svc.Checkout(ctx, inv.ID, cash("100"))
	require.NoError(t, err)
}

func TestConcurrentCheckoutsOnlyOneWins(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	_, err := env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("1"))
	require.NoError(t, err)

	var wins, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := env.svc.Checkout(ctx, inv.ID, cash("40"))
			var pe *PreconditionError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &pe):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(7), rejected.Load())
	requireDecimal(t, "23", stockOf(t, env.svc, seedOil5W30))

	ledger, err := env.svc.ListStockTransactions(ctx, seedOil5W30, 0)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
}

func TestVoidUnpaidInvoiceHasNoStockEffect(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	_, err := env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("2"))
	require.NoError(t, err)

	voided, err := env.svc.Void(ctx, inv.ID, domain.VoidOptions{Reason: "walked out"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusVoid, voided.Status)
	requireDecimal(t, "24", stockOf(t, env.svc, seedOil5W30))

	ledger, err := env.svc.ListStockTransactions(ctx, seedOil5W30, 0)
	require.NoError(t, err)
	require.Empty(t, ledger)

	_, err = env.svc.Checkout(ctx, inv.ID, cash("100"))
	requirePrecondition(t, err, ErrIllegalTransition)
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.VoidCounter("open", "ok")))
}

func TestVoidPaidInvoiceNeedsApproval(t *testing.T) {
	env := newSeededEnv(t)
	ctx := context.Background()
	inv := newInvoice(t, env.svc)
	_, err := env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("1"))
	require.NoError(t, err)
	_, err = env.svc.Checkout(ctx, inv.ID, cash("40"))
	require.NoError(t, err)

	_, err = env.svc.Void(ctx, inv.ID, domain.VoidOptions{Reason: "no pin"})
	requirePrecondition(t, err, ErrApprovalRequired)

	got, err := env.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaid, got.Status)
	requireDecimal(t, "23", stockOf(t, env.svc, seedOil5W30))
}

func TestVoidStoreFailureRollsBack(t *testing.T) {
	for _, method := range []string{"AppendStockTransaction", "UpdateInvoice"} {
		t.Run(method, func(t *testing.T) {
			env := newSeededEnv(t)
			ctx := context.Background()
			inv := newInvoice(t, env.svc)
			_, err := env.svc.AddItem(ctx, inv.ID, seedOil5W30, dec("1"))
			require.NoError(t, err)
			_, err = env.svc.AddItem(ctx, inv.ID, seedOilFilter, dec("2"))
			require.NoError(t, err)
			_, err = env.svc.Checkout(ctx, inv.ID, cash("100"))
			require.NoError(t, err)

			boom := errors.New("connection reset")
			env.repo.FailOn(method, boom)

			_, err = env.svc.Void(ctx, inv.ID, domain.VoidOptions{Reason: "wrong car", ManagerApproved: true})
			var te *TransactionalError
			require.ErrorAs(t, err, &te)
			require.ErrorIs(t, err, boom)
			require.Equal(t, "void", te.Op)

			got, err := env.svc.GetInvoice(ctx, inv.ID)
			require.NoError(t, err)
			require.Equal(t, domain.StatusPaid, got.Status)
			require.Nil(t, got.VoidedAt)
			requireDecimal(t, "23", stockOf(t, env.svc, seedOil5W30))
			requireDecimal(t, "38", stockOf(t, env.svc, seedOilFilter))

			for _, id := range []int64{seedOil5W30, seedOilFilter} {
				ledger, err := env.svc.ListStockTransactions(ctx, id, 0)
				require.NoError(t, err)
				require.Len(t, ledger, 1)
				require.Equal(t, domain.StockSale, ledger[0].Type)
			}

			_, err = env.svc.Void(ctx, inv.ID, domain.VoidOptions{Reason: "wrong car", ManagerApproved: true})
			require.NoError(t, err)
			requireDecimal(t, "24", stockOf(t, env.svc, seedOil5W30))
			requireDecimal(t, "40", stockOf(t, env.svc, seedOilFilter))
		})
	}
}
