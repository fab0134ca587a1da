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

const defaultUnit = "ea"

// defaultListLimit bounds list reads that come in without a limit, so every
// store returns the same page.
const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func validateProduct(p domain.Product) error {
	switch {
	case p.SKU == "":
		return invalid(ErrInvalidProduct, "sku is required")
	case p.Name == "":
		return invalid(ErrInvalidProduct, "name is required")
	case p.SellPrice.IsNegative():
		return invalid(ErrInvalidProduct, "sell price must not be negative")
	case p.CostPrice.IsNegative():
		return invalid(ErrInvalidProduct, "cost price must not be negative")
	case p.MinStock.IsNegative() || p.MaxStock.IsNegative():
		return invalid(ErrInvalidProduct, "stock thresholds must not be negative")
	case p.MaxStock.IsPositive() && p.MaxStock.LessThan(p.MinStock):
		return invalid(ErrInvalidProduct, "max stock must not be below min stock")
	}
	return nil
}

// CreateProduct adds a catalog product. Opening stock, if any, is booked as a
// PURCHASE entry so the ledger accounts for every unit on hand.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	const op = "create product"
	product := domain.Product{
		SKU:       strings.ToUpper(strings.TrimSpace(req.SKU)),
		Barcode:   strings.TrimSpace(req.Barcode),
		Name:      strings.TrimSpace(req.Name),
		Category:  strings.TrimSpace(req.Category),
		Unit:      strings.TrimSpace(req.Unit),
		SellPrice: pricing.Round(req.SellPrice),
		CostPrice: pricing.Round(req.CostPrice),
		StockQty:  decimal.Zero,
		MinStock:  pricing.Round(req.MinStock),
		MaxStock:  pricing.Round(req.MaxStock),
		IsBulk:    req.IsBulk,
		CreatedAt: s.now(),
	}
	if product.Unit == "" {
		product.Unit = defaultUnit
	}
	if err := validateProduct(product); err != nil {
		return nil, err
	}
	opening := pricing.Round(req.InitialStock)
	if opening.IsNegative() {
		return nil, invalid(ErrInvalidQuantity, "initial stock must not be negative")
	}

	var created *domain.Product
	err := s.inTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.CreateProduct(ctx, product)
		if errors.Is(err, store.ErrDuplicate) {
			return invalid(ErrDuplicateProduct, product.SKU)
		}
		if err != nil {
			return err
		}
		if opening.IsPositive() {
			if err := s.post(ctx, tx, p, stockMove{kind: domain.StockPurchase, delta: opening, notes: "Opening stock"}); err != nil {
				return err
			}
		}
		created = p
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"sku": product.SKU}, err)
	if err != nil {
		return nil, err
	}
	if opening.IsPositive() {
		s.metrics.ObserveStockMoves(string(domain.StockPurchase), 1)
	}
	return created, nil
}

// UpdateProduct changes catalog fields. Stock on hand only moves through the ledger.
func (s *Service) UpdateProduct(ctx context.Context, productID int64, req domain.ProductUpdateRequest) (*domain.Product, error) {
	const op = "update product"
	var updated *domain.Product
	err := s.inTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
		p, err := lockProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		if req.Name != nil {
			p.Name = strings.TrimSpace(*req.Name)
		}
		if req.Category != nil {
			p.Category = strings.TrimSpace(*req.Category)
		}
		if req.Unit != nil {
			p.Unit = strings.TrimSpace(*req.Unit)
		}
		if req.Barcode != nil {
			p.Barcode = strings.TrimSpace(*req.Barcode)
		}
		if req.SellPrice != nil {
			p.SellPrice = pricing.Round(*req.SellPrice)
		}
		if req.CostPrice != nil {
			p.CostPrice = pricing.Round(*req.CostPrice)
		}
		if req.MinStock != nil {
			p.MinStock = pricing.Round(*req.MinStock)
		}
		if req.MaxStock != nil {
			p.MaxStock = pricing.Round(*req.MaxStock)
		}
		if req.IsBulk != nil {
			p.IsBulk = *req.IsBulk
		}
		if p.Unit == "" {
			p.Unit = defaultUnit
		}
		if err := validateProduct(*p); err != nil {
			return err
		}
		if !p.IsBulk && p.StockQty.IsNegative() {
			return precondition(ErrNegativeStock, fmt.Sprintf("%s has %s on hand; count it back to zero before clearing bulk", p.SKU, p.StockQty.String()))
		}
		if err := tx.UpdateProduct(ctx, *p); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return invalid(ErrDuplicateProduct, p.Barcode)
			}
			return err
		}
		updated = p
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"product_id": productID}, err)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, readErr("get product", err, ErrProductNotFound, productID)
	}
	return p, nil
}

func (s *Service) FindProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, invalid(ErrProductNotFound, "empty barcode")
	}
	p, err := s.repo.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return nil, readErr("find product", err, ErrProductNotFound, barcode)
	}
	return p, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, &TransactionalError{Op: "list products", Err: err}
	}
	return products, nil
}

// SearchProducts finds products by part of their name, SKU or barcode, for
// items that do not scan.
func (s *Service) SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid(ErrSearchQueryRequired, "products")
	}
	products, err := s.repo.SearchProducts(ctx, query, listLimit(limit))
	if err != nil {
		return nil, &TransactionalError{Op: "search products", Err: err}
	}
	return products, nil
}

func (s *Service) LowStockProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListLowStock(ctx)
	if err != nil {
		return nil, &TransactionalError{Op: "list low stock", Err: err}
	}
	return products, nil
}

func (s *Service) ReorderSuggestions(ctx context.Context, limit int) ([]domain.ReorderSuggestion, error) {
	products, err := s.LowStockProducts(ctx)
	if err != nil {
		return nil, err
	}
	return s.restock.Suggest(products, limit), nil
}

// AdjustStock books a manual correction (count, breakage found on shelf).
func (s *Service) AdjustStock(ctx context.Context, productID int64, delta decimal.Decimal, reason string) (*domain.Product, error) {
	delta = pricing.Round(delta)
	reason = strings.TrimSpace(reason)
	if delta.IsZero() {
		return nil, invalid(ErrInvalidQuantity, "adjustment must not be zero")
	}
	if reason == "" {
		return nil, invalid(ErrReasonRequired, "adjustment")
	}
	return s.moveStock(ctx, "adjust stock", productID, func(ctx context.Context, tx store.Tx, p *domain.Product) (stockMove, error) {
		return stockMove{kind: domain.StockAdjustment, delta: delta, notes: reason}, nil
	})
}

// ReceiveStock books goods in from a supplier. A unit cost, when given,
// becomes the product's cost price.
func (s *Service) ReceiveStock(ctx context.Context, productID int64, req domain.StockReceiveRequest) (*domain.Product, error) {
	qty := pricing.Round(req.Qty)
	if !qty.IsPositive() {
		return nil, invalid(ErrInvalidQuantity, qty.String())
	}
	if req.UnitCost != nil && req.UnitCost.IsNegative() {
		return nil, invalid(ErrInvalidAmount, "unit cost must not be negative")
	}
	notes := strings.TrimSpace(req.Notes)
	if req.PurchaseOrderID != nil && notes == "" {
		notes = fmt.Sprintf("PO #%d", *req.PurchaseOrderID)
	}

	return s.moveStock(ctx, "receive stock", productID, func(ctx context.Context, tx store.Tx, p *domain.Product) (stockMove, error) {
		if req.UnitCost != nil {
			p.CostPrice = pricing.Round(*req.UnitCost)
			if err := tx.UpdateProduct(ctx, *p); err != nil {
				return stockMove{}, err
			}
		}
		return stockMove{kind: domain.StockPurchase, delta: qty, ref: req.PurchaseOrderID, notes: notes}, nil
	})
}

// RecordWaste writes off spilled or damaged stock.
func (s *Service) RecordWaste(ctx context.Context, productID int64, qty decimal.Decimal, reason string) (*domain.Product, error) {
	qty = pricing.Round(qty)
	reason = strings.TrimSpace(reason)
	if !qty.IsPositive() {
		return nil, invalid(ErrInvalidQuantity, qty.String())
	}
	if reason == "" {
		return nil, invalid(ErrReasonRequired, "waste")
	}
	return s.moveStock(ctx, "record waste", productID, func(ctx context.Context, tx store.Tx, p *domain.Product) (stockMove, error) {
		return stockMove{kind: domain.StockWaste, delta: qty.Neg(), notes: reason}, nil
	})
}

// moveStock locks one product, lets build describe the move, and posts it.
func (s *Service) moveStock(ctx context.Context, op string, productID int64, build func(ctx context.Context, tx store.Tx, p *domain.Product) (stockMove, error)) (*domain.Product, error) {
	var (
		moved *domain.Product
		kind  domain.StockTxType
	)
	err := s.inTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
		p, err := lockProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		move, err := build(ctx, tx, p)
		if err != nil {
			return err
		}
		if err := s.post(ctx, tx, p, move); err != nil {
			return err
		}
		kind = move.kind
		moved = p
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"product_id": productID}, err)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveStockMoves(string(kind), 1)
	return moved, nil
}

// ListStockTransactions returns a product's ledger, newest first.
func (s *Service) ListStockTransactions(ctx context.Context, productID int64, limit int) ([]domain.StockTransaction, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListStockTransactions(ctx, productID, listLimit(limit))
	if err != nil {
		return nil, &TransactionalError{Op: "list stock transactions", Err: err}
	}
	return entries, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (*domain.Customer, error) {
	const op = "create customer"
	customer := domain.Customer{
		Name:           strings.TrimSpace(req.Name),
		Phone:          strings.TrimSpace(req.Phone),
		CreditLimit:    pricing.Round(req.CreditLimit),
		CurrentBalance: decimal.Zero,
		CreatedAt:      s.now(),
	}
	if customer.Name == "" {
		return nil, invalid(ErrInvalidCustomer, "name is required")
	}
	if customer.CreditLimit.IsNegative() {
		return nil, invalid(ErrInvalidCustomer, "credit limit must not be negative")
	}

	var created *domain.Customer
	err := s.inTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.CreateCustomer(ctx, customer)
		if err != nil {
			return err
		}
		created = c
		return nil
	})
	s.logOp(ctx, op, logrus.Fields{"customer": customer.Name}, err)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) GetCustomer(ctx context.Context, customerID int64) (*domain.Customer, error) {
	c, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, readErr("get customer", err, ErrCustomerNotFound, customerID)
	}
	return c, nil
}

// ListCustomers returns customers by name. query, when set, narrows by part
// of the name or phone.
func (s *Service) ListCustomers(ctx context.Context, query string) ([]domain.Customer, error) {
	customers, err := s.repo.ListCustomers(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, &TransactionalError{Op: "list customers", Err: err}
	}
	return customers, nil
}

// CustomersWithBalance lists house accounts that owe money from CREDIT
// checkouts, largest balance first.
func (s *Service) CustomersWithBalance(ctx context.Context) ([]domain.Customer, error) {
	customers, err := s.repo.ListCustomersWithBalance(ctx)
	if err != nil {
		return nil, &TransactionalError{Op: "list customer balances", Err: err}
	}
	return customers, nil
}
