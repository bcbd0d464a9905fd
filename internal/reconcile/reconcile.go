// Package reconcile holds the pure decision rules Phase 2 applies to each
// listed row: what the selling price should be, and how visibility and
// quantity must move to match Amazon stock. Keeping them free of I/O makes
// the cycle's behavior table-testable.
package reconcile

import (
	"math"

	"cross-lister/internal/store"
)

// Pricing is the per-platform markup configuration. Markup multiplies the
// canonical Amazon JPY price; JPYPerUSD converts for USD platforms.
type Pricing struct {
	Markup    float64
	Currency  string
	JPYPerUSD float64
}

// DesiredPrice computes the platform selling price from the canonical
// Amazon JPY price. JPY prices round to whole yen, USD to cents.
func DesiredPrice(amazonPriceJPY int64, p Pricing) float64 {
	raw := float64(amazonPriceJPY) * p.Markup
	if p.Currency == "USD" && p.JPYPerUSD > 0 {
		return math.Round(raw/p.JPYPerUSD*100) / 100
	}
	return math.Round(raw)
}

// Action is one reconciliation step for a listing.
type Action int

const (
	ActionNone Action = iota
	// ActionHide flips a public listing out of sight while Amazon is out
	// of stock.
	ActionHide
	// ActionShow restores a hidden listing once Amazon stock is back.
	ActionShow
	// ActionRestoreQuantity lifts a sold-through public listing back to
	// quantity 1 when Amazon replenished.
	ActionRestoreQuantity
)

// VisibilityAction decides the visibility/quantity move for one row.
func VisibilityAction(row store.ListingRow) Action {
	switch {
	case !row.AmazonInStock && row.Visibility == store.VisibilityPublic:
		return ActionHide
	case row.AmazonInStock && row.Visibility == store.VisibilityHidden:
		return ActionShow
	case row.AmazonInStock && row.Visibility == store.VisibilityPublic && row.Quantity == 0:
		return ActionRestoreQuantity
	default:
		return ActionNone
	}
}

// PriceNeedsUpdate reports whether the platform-side price differs from the
// desired one. USD comparisons tolerate sub-cent float noise.
func PriceNeedsUpdate(current float64, desired float64, currency string) bool {
	if currency == "USD" {
		return math.Abs(current-desired) >= 0.01
	}
	return math.Round(current) != math.Round(desired)
}

// OutOfStockASINs returns the distinct ASINs whose canonical record says
// out-of-stock among the given rows, preserving first-seen order. Used by
// the targeted hide job.
func OutOfStockASINs(rows []store.ListingRow) []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range rows {
		if row.AmazonInStock || seen[row.ASIN] {
			continue
		}
		seen[row.ASIN] = true
		out = append(out, row.ASIN)
	}
	return out
}
