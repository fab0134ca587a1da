// Package restock turns the product catalog into purchase suggestions.
package restock

import (
	"sort"

	"github.com/shopspring/decimal"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/pricing"
)

const (
	UrgencyOut      = "out"
	UrgencyCritical = "critical"
	UrgencyLow      = "low"
)

type Engine struct {
	// fallbackCover is the multiple of min stock to refill to when a product
	// has no usable max stock.
	fallbackCover decimal.Decimal
}

func NewEngine() *Engine {
	return &Engine{fallbackCover: decimal.NewFromInt(2)}
}

// Suggest returns one suggestion per product at or below its minimum stock,
// most urgent first. Products with no minimum configured are never suggested.
func (e *Engine) Suggest(products []domain.Product, limit int) []domain.ReorderSuggestion {
	suggestions := make([]domain.ReorderSuggestion, 0, 16)
	ratios := make(map[int64]decimal.Decimal)

	for _, p := range products {
		if !p.MinStock.IsPositive() || !p.LowStock() {
			continue
		}
		target := p.MaxStock
		if target.LessThanOrEqual(p.MinStock) {
			target = p.MinStock.Mul(e.fallbackCover)
		}
		qty := target.Sub(p.StockQty)
		if !qty.IsPositive() {
			continue
		}

		suggestions = append(suggestions, domain.ReorderSuggestion{
			ProductID:     p.ID,
			SKU:           p.SKU,
			Name:          p.Name,
			StockQty:      p.StockQty,
			MinStock:      p.MinStock,
			SuggestedQty:  pricing.Round(qty),
			EstimatedCost: pricing.LineTotal(qty, p.CostPrice),
			Urgency:       urgency(p),
		})
		ratios[p.ID] = p.StockQty.Div(p.MinStock)
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		a, b := suggestions[i], suggestions[j]
		if ra, rb := urgencyRank(a.Urgency), urgencyRank(b.Urgency); ra != rb {
			return ra < rb
		}
		if c := ratios[a.ProductID].Cmp(ratios[b.ProductID]); c != 0 {
			return c < 0
		}
		return a.EstimatedCost.GreaterThan(b.EstimatedCost)
	})

	if limit > 0 && len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions
}

func urgency(p domain.Product) string {
	switch {
	case !p.StockQty.IsPositive():
		return UrgencyOut
	case p.StockQty.LessThanOrEqual(p.MinStock.Div(decimal.NewFromInt(2))):
		return UrgencyCritical
	default:
		return UrgencyLow
	}
}

func urgencyRank(u string) int {
	switch u {
	case UrgencyOut:
		return 0
	case UrgencyCritical:
		return 1
	default:
		return 2
	}
}
