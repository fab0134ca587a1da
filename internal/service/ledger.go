package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/pricing"
	"lubesoft/backend/internal/store"
)

// stockMove is one signed change to a product's quantity on hand and the
// ledger entry recording it.
type stockMove struct {
	kind          domain.StockTxType
	delta         decimal.Decimal
	ref           *int64
	notes         string
	allowNegative bool
}

// post applies move to product and appends the matching ledger entry. It is
// the only place stock quantities change. product must be locked by the
// caller's unit of work; its StockQty is updated in place.
func (s *Service) post(ctx context.Context, tx store.Tx, product *domain.Product, move stockMove) error {
	next := pricing.Round(product.StockQty.Add(move.delta))
	if next.IsNegative() && !move.allowNegative {
		cause := ErrNegativeStock
		if move.kind == domain.StockSale {
			cause = ErrInsufficientStock
		}
		return precondition(cause, fmt.Sprintf("%s has %s on hand, change %s", product.SKU, product.StockQty, move.delta))
	}

	if err := tx.SetProductStock(ctx, product.ID, next); err != nil {
		return err
	}
	if _, err := tx.AppendStockTransaction(ctx, domain.StockTransaction{
		ProductID:   product.ID,
		Type:        move.kind,
		QtyChange:   move.delta,
		ReferenceID: move.ref,
		Notes:       move.notes,
		CreatedAt:   s.now(),
	}); err != nil {
		return err
	}
	product.StockQty = next
	return nil
}

// moveInvoiceStock posts one entry per product line of inv: -qty for a sale,
// +qty for a void adjustment. Product rows are locked in ascending id order so
// overlapping checkouts cannot deadlock. Returns the number of entries posted.
func (s *Service) moveInvoiceStock(ctx context.Context, tx store.Tx, inv *domain.Invoice, kind domain.StockTxType) (int, error) {
	ids := make([]int64, 0, len(inv.Items))
	seen := make(map[int64]bool, len(inv.Items))
	for _, item := range inv.Items {
		if item.ProductID == nil || seen[*item.ProductID] {
			continue
		}
		seen[*item.ProductID] = true
		ids = append(ids, *item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	products := make(map[int64]*domain.Product, len(ids))
	for _, id := range ids {
		p, err := lockProduct(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		products[id] = p
	}

	notes := "Invoice " + inv.Number
	if kind != domain.StockSale {
		notes = "Void invoice " + inv.Number
	}
	ref := inv.ID

	posted := 0
	for _, item := range inv.Items {
		if item.ProductID == nil {
			continue
		}
		product := products[*item.ProductID]
		delta := item.Qty
		if kind == domain.StockSale {
			delta = item.Qty.Neg()
		}
		if err := s.post(ctx, tx, product, stockMove{
			kind:          kind,
			delta:         delta,
			ref:           &ref,
			notes:         notes,
			allowNegative: product.IsBulk,
		}); err != nil {
			return 0, err
		}
		posted++
	}
	return posted, nil
}
