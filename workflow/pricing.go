package workflow

import (
	"context"

	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/shopspring/decimal"
)

// PriceResult is the output of one pricing-engine call: the new total and
// the priced snapshot of the item's state under the pinned config version.
type PriceResult struct {
	Total    decimal.Decimal
	Snapshot map[string]interface{}
}

// PricingEngine is the opaque external pricing function. A call failure or
// timeout is an item failure, never a run failure.
type PricingEngine interface {
	CalculatePrice(ctx context.Context, item *models.QuoteItem, version string) (*PriceResult, error)
}
