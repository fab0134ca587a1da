package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/pricing"
	"lubesoft/backend/internal/store"
)

// maxNumberAttempts bounds how many fresh numbers CreateInvoice tries when the
// store reports a duplicate.
const maxNumberAttempts = 5

func (s *Service) CreateInvoice(ctx context.Context, req domain.CreateInvoiceRequest) (*domain.Invoice, error) {
	const op = "create invoice"

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		number, err := s.numbers.Next(ctx)
		if err != nil {
			return nil, &TransactionalError{Op: op, Err: err}
		}

		var created *domain.Invoice
		err = s.inTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
			if req.CustomerID != nil {
				if _, err := lockCustomer(ctx, tx, *req.CustomerID); err != nil {
					return err
				}
			}
			inv, err := tx.CreateInvoice(ctx, domain.Invoice{
				Number:       number,
				CustomerID:   req.CustomerID,
				VehicleID:    req.VehicleID,
				TechnicianID: req.TechnicianID,
				Status:       domain.StatusOpen,
				Notes:        strings.TrimSpace(req.Notes),
				CreatedAt:    s.now(),
			})
			if err != nil {
				return err
			}
			created = inv
			return nil
		})
		if errors.Is(err, store.ErrDuplicate) {
			s.metrics.ObserveNumberCollision()
			s.log.WithFields(logrus.Fields{"op": op, "invoice_number": number, "attempt": attempt}).
				Warn("invoice number already taken, retrying")
			continue
		}
		if err != nil {
			s.logOp(ctx, op, logrus.Fields{"invoice_number": number}, err)
			return nil, err
		}
		s.logOp(ctx, op, logrus.Fields{"invoice_id": created.ID, "invoice_number": created.Number}, nil)
		return created, nil
	}
	return nil, &TransactionalError{Op: op, Err: ErrNumberExhausted}
}

// editInvoice locks the invoice, checks it is still editable, lets fn change
// it, then recomputes and stores the totals, all in one unit of work.
func (s *Service) editInvoice(ctx context.Context, op string, invoiceID int64, fn func(ctx context.Context, tx store.Tx, inv *domain.Invoice) error) (*domain.Invoice, error) {
	var edited *domain.Invoice
	err := s.inTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
		inv, err := lockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.Editable() {
			return precondition(ErrInvoiceLocked, fmt.Sprintf("%s is %s", inv.Number, inv.Status))
		}
		if err := fn(ctx, tx, inv); err != nil {
			return err
		}
		pricing.Apply(inv, s.taxRate)
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		edited = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edited, nil
}

// AddItem puts qty of a catalog product on the invoice at the product's
// current price and cost. Stock is only checked here, not reserved.
func (s *Service) AddItem(ctx context.Context, invoiceID int64, productID int64, qty decimal.Decimal) (*domain.InvoiceItem, error) {
	const op = "add item"
	qty = pricing.Round(qty)
	if !qty.IsPositive() {
		return nil, invalid(ErrInvalidQuantity, qty.String())
	}

	var added *domain.InvoiceItem
	_, err := s.editInvoice(ctx, op, invoiceID, func(ctx context.Context, tx store.Tx, inv *domain.Invoice) error {
		product, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return invalid(ErrProductNotFound, fmt.Sprintf("id %d", productID))
		}
		if err != nil {
			return err
		}
		if !product.IsBulk && product.StockQty.LessThan(qty) {
			return precondition(ErrInsufficientStock, fmt.Sprintf("%s has %s on hand, %s requested", product.SKU, product.StockQty, qty))
		}

		id := product.ID
		item, err := tx.InsertItem(ctx, domain.InvoiceItem{
			InvoiceID:   inv.ID,
			ProductID:   &id,
			Description: product.Name,
			Qty:         qty,
			UnitPrice:   product.SellPrice,
			UnitCost:    product.CostPrice,
			Total:       pricing.LineTotal(qty, product.SellPrice),
		})
		if err != nil {
			return err
		}
		inv.Items = append(inv.Items, *item)
		added = item
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"invoice_id": invoiceID, "product_id": productID, "qty": qty.String()}, err)
	if err != nil {
		return nil, err
	}
	return added, nil
}

// AddCustomItem adds a free-text line such as labor. It has no product and
// no stock effect.
func (s *Service) AddCustomItem(ctx context.Context, invoiceID int64, req domain.AddCustomItemRequest) (*domain.InvoiceItem, error) {
	const op = "add custom item"
	description := strings.TrimSpace(req.Description)
	qty := pricing.Round(req.Qty)
	unitPrice := pricing.Round(req.UnitPrice)
	if description == "" {
		return nil, invalid(ErrDescriptionRequired, "custom item")
	}
	if !qty.IsPositive() {
		return nil, invalid(ErrInvalidQuantity, qty.String())
	}
	if unitPrice.IsNegative() {
		return nil, invalid(ErrInvalidAmount, "unit price must not be negative")
	}

	var added *domain.InvoiceItem
	_, err := s.editInvoice(ctx, op, invoiceID, func(ctx context.Context, tx store.Tx, inv *domain.Invoice) error {
		item, err := tx.InsertItem(ctx, domain.InvoiceItem{
			InvoiceID:   inv.ID,
			Description: description,
			Qty:         qty,
			UnitPrice:   unitPrice,
			UnitCost:    decimal.Zero,
			Total:       pricing.LineTotal(qty, unitPrice),
		})
		if err != nil {
			return err
		}
		inv.Items = append(inv.Items, *item)
		added = item
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"invoice_id": invoiceID, "description": description}, err)
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (s *Service) RemoveItem(ctx context.Context, invoiceID int64, itemID int64) (*domain.Invoice, error) {
	const op = "remove item"
	inv, err := s.editInvoice(ctx, op, invoiceID, func(ctx context.Context, tx store.Tx, inv *domain.Invoice) error {
		if err := tx.DeleteItem(ctx, inv.ID, itemID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return invalid(ErrItemNotFound, fmt.Sprintf("item %d on %s", itemID, inv.Number))
			}
			return err
		}
		kept := inv.Items[:0]
		for _, item := range inv.Items {
			if item.ID != itemID {
				kept = append(kept, item)
			}
		}
		inv.Items = kept
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"invoice_id": invoiceID, "item_id": itemID}, err)
	return inv, err
}

// ApplyDiscount replaces the invoice discount. The amount may not exceed
// subtotal plus tax.
func (s *Service) ApplyDiscount(ctx context.Context, invoiceID int64, amount decimal.Decimal) (*domain.Invoice, error) {
	const op = "apply discount"
	amount = pricing.Round(amount)
	if amount.IsNegative() {
		return nil, invalid(ErrInvalidAmount, "discount must not be negative")
	}

	inv, err := s.editInvoice(ctx, op, invoiceID, func(_ context.Context, _ store.Tx, inv *domain.Invoice) error {
		gross := pricing.Totals(pricing.ItemLines(inv.Items), decimal.Zero, s.taxRate).Total
		if amount.GreaterThan(gross) {
			return invalid(ErrInvalidAmount, fmt.Sprintf("discount %s exceeds invoice amount %s", amount, gross))
		}
		inv.Discount = amount
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"invoice_id": invoiceID, "amount": amount.String()}, err)
	return inv, err
}

// AssignCustomer sets (or clears, when nil) the customer and vehicle on an
// editable invoice.
func (s *Service) AssignCustomer(ctx context.Context, invoiceID int64, req domain.AssignCustomerRequest) (*domain.Invoice, error) {
	const op = "assign customer"
	inv, err := s.editInvoice(ctx, op, invoiceID, func(ctx context.Context, tx store.Tx, inv *domain.Invoice) error {
		if req.CustomerID != nil {
			if _, err := lockCustomer(ctx, tx, *req.CustomerID); err != nil {
				return err
			}
		}
		inv.CustomerID = req.CustomerID
		inv.VehicleID = req.VehicleID
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"invoice_id": invoiceID}, err)
	return inv, err
}

func (s *Service) Hold(ctx context.Context, invoiceID int64) (*domain.Invoice, error) {
	return s.transition(ctx, "hold", invoiceID, domain.EventHold)
}

func (s *Service) Resume(ctx context.Context, invoiceID int64) (*domain.Invoice, error) {
	return s.transition(ctx, "resume", invoiceID, domain.EventResume)
}

// transition applies a status-only event. Checkout and void have their own
// paths because they also move stock.
func (s *Service) transition(ctx context.Context, op string, invoiceID int64, event domain.InvoiceEvent) (*domain.Invoice, error) {
	var moved *domain.Invoice
	err := s.inTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
		inv, err := lockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		next, err := domain.Transition(inv.Status, event)
		if err != nil {
			return precondition(err, inv.Number)
		}
		inv.Status = next
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		moved = inv
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"invoice_id": invoiceID}, err)
	if err != nil {
		return nil, err
	}
	return moved, nil
}

func (s *Service) GetInvoice(ctx context.Context, invoiceID int64) (*domain.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, readErr("get invoice", err, ErrInvoiceNotFound, invoiceID)
	}
	return inv, nil
}

// FindByStatus lists invoices in status, newest first.
func (s *Service) FindByStatus(ctx context.Context, status domain.InvoiceStatus, limit int) ([]domain.Invoice, error) {
	if !status.Valid() {
		return nil, invalid(domain.ErrUnknownStatus, string(status))
	}
	invoices, err := s.repo.ListInvoicesByStatus(ctx, status, listLimit(limit))
	if err != nil {
		return nil, &TransactionalError{Op: "find invoices", Err: err}
	}
	return invoices, nil
}
