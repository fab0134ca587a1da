package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/pricing"
	"lubesoft/backend/internal/store"
)

// Checkout takes payment for an editable invoice and moves it to PAID. Stock
// for every product line is decremented, with one SALE ledger entry each, in
// the same unit of work as the status change.
func (s *Service) Checkout(ctx context.Context, invoiceID int64, payment domain.Payment) (*domain.Invoice, error) {
	const op = "checkout"

	var (
		paid  *domain.Invoice
		moves int
	)
	payment, err := normalizePayment(payment)
	if err == nil {
		err = s.inTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
			inv, err := lockInvoice(ctx, tx, invoiceID)
			if err != nil {
				return err
			}
			next, err := domain.Transition(inv.Status, domain.EventCheckout)
			if err != nil {
				return precondition(err, inv.Number)
			}
			if len(inv.Items) == 0 {
				return invalid(ErrEmptyInvoice, inv.Number)
			}
			pricing.Apply(inv, s.taxRate)

			if err := checkTender(inv, payment); err != nil {
				return err
			}

			n, err := s.moveInvoiceStock(ctx, tx, inv, domain.StockSale)
			if err != nil {
				return err
			}
			moves = n

			inv.Status = next
			inv.PaymentMethod = payment.Method
			inv.PaymentSplits = payment.Splits
			inv.PaidAmount = payment.Amount
			completed := s.now()
			inv.CompletedAt = &completed

			if shortfall := inv.Shortfall(); shortfall.IsPositive() {
				if err := chargeAccount(ctx, tx, *inv.CustomerID, shortfall); err != nil {
					return err
				}
			}
			if err := tx.UpdateInvoice(ctx, *inv); err != nil {
				return err
			}
			paid = inv
			return nil
		})
	}

	s.metrics.ObserveCheckout(string(payment.Method), outcome(err))
	s.logOp(ctx, op, logrus.Fields{"invoice_id": invoiceID, "method": payment.Method}, err)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveStockMoves(string(domain.StockSale), moves)
	return paid, nil
}

// Void cancels an invoice. A PAID invoice needs manager approval and has its
// stock returned with ADJUSTMENT entries and any account charge reversed; an
// unpaid invoice is simply discarded.
func (s *Service) Void(ctx context.Context, invoiceID int64, opts domain.VoidOptions) (*domain.Invoice, error) {
	const op = "void"

	var (
		voided *domain.Invoice
		kind   = "open"
		moves  int
	)
	err := s.inTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
		inv, err := lockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		wasPaid := inv.Status == domain.StatusPaid
		next, err := domain.Transition(inv.Status, domain.EventVoid)
		if err != nil {
			return precondition(err, inv.Number)
		}

		if wasPaid {
			kind = "paid"
			if !opts.ManagerApproved {
				return precondition(ErrApprovalRequired, inv.Number)
			}
			n, err := s.moveInvoiceStock(ctx, tx, inv, domain.StockAdjustment)
			if err != nil {
				return err
			}
			moves = n
			if shortfall := inv.Shortfall(); shortfall.IsPositive() && inv.CustomerID != nil {
				if err := chargeAccount(ctx, tx, *inv.CustomerID, shortfall.Neg()); err != nil {
					return err
				}
			}
		}

		inv.Status = next
		inv.VoidReason = strings.TrimSpace(opts.Reason)
		voidedAt := s.now()
		inv.VoidedAt = &voidedAt
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		voided = inv
		return nil
	})

	s.metrics.ObserveVoid(kind, outcome(err))
	s.logOp(ctx, op, logrus.Fields{"invoice_id": invoiceID, "kind": kind}, err)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveStockMoves(string(domain.StockAdjustment), moves)
	return voided, nil
}

func normalizePayment(p domain.Payment) (domain.Payment, error) {
	p.Method = domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(p.Method))))
	p.Amount = pricing.Round(p.Amount)

	switch p.Method {
	case domain.PaymentCash, domain.PaymentDigital, domain.PaymentCredit, domain.PaymentSplit:
	default:
		return p, invalid(ErrUnsupportedPayment, string(p.Method))
	}
	if p.Amount.IsNegative() {
		return p, invalid(ErrInvalidAmount, "paid amount must not be negative")
	}

	if p.Method != domain.PaymentSplit {
		if len(p.Splits) > 0 {
			return p, invalid(ErrInvalidAmount, "payment splits are only accepted for SPLIT")
		}
		p.Splits = nil
		return p, nil
	}

	if len(p.Splits) < 2 {
		return p, invalid(ErrInvalidAmount, "SPLIT needs at least two payment splits")
	}
	splits := make([]domain.SplitPayment, 0, len(p.Splits))
	sum := decimal.Zero
	for _, split := range p.Splits {
		split.Method = domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(split.Method))))
		split.Amount = pricing.Round(split.Amount)
		if split.Method != domain.PaymentCash && split.Method != domain.PaymentDigital {
			return p, invalid(ErrUnsupportedPayment, "split method "+string(split.Method))
		}
		if !split.Amount.IsPositive() {
			return p, invalid(ErrInvalidAmount, "split amounts must be greater than zero")
		}
		sum = sum.Add(split.Amount)
		splits = append(splits, split)
	}
	if !sum.Equal(p.Amount) {
		return p, invalid(ErrInvalidAmount, fmt.Sprintf("splits sum to %s, paid amount is %s", sum, p.Amount))
	}
	p.Splits = splits
	return p, nil
}

// checkTender applies the payment policy to the freshly priced invoice.
func checkTender(inv *domain.Invoice, p domain.Payment) error {
	if p.Method == domain.PaymentCredit {
		if inv.CustomerID == nil {
			return invalid(ErrCustomerRequired, inv.Number)
		}
		if p.Amount.GreaterThan(inv.Total) {
			return invalid(ErrInvalidAmount, fmt.Sprintf("credit payment %s exceeds total %s", p.Amount, inv.Total))
		}
		return nil
	}
	if p.Amount.LessThan(inv.Total) {
		return invalid(ErrInsufficientPayment, fmt.Sprintf("paid %s, total %s", p.Amount, inv.Total))
	}
	return nil
}

// chargeAccount adds delta to the customer's balance. A positive credit limit
// caps the balance a charge may reach; refunds are never capped.
func chargeAccount(ctx context.Context, tx store.Tx, customerID int64, delta decimal.Decimal) error {
	customer, err := lockCustomer(ctx, tx, customerID)
	if err != nil {
		return err
	}
	balance := pricing.Round(customer.CurrentBalance.Add(delta))
	if delta.IsPositive() && customer.CreditLimit.IsPositive() && balance.GreaterThan(customer.CreditLimit) {
		return precondition(ErrCreditLimitExceeded, fmt.Sprintf("%s: balance would be %s, limit %s", customer.Name, balance, customer.CreditLimit))
	}
	return tx.SetCustomerBalance(ctx, customer.ID, balance)
}
