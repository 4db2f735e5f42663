// Package bidding decides whether a prospective bid may enter a listing's
// open bid set, and orders bids for display.
//
// Bids are non-binding offers: nothing is reserved at placement time, so the
// bids on a listing may together exceed its available quantity. That is
// resolved when the owner accepts one (see package settlement).
package bidding

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrobid/auction-ledger/internal/apperr"
	"github.com/agrobid/auction-ledger/internal/model"
)

// MeetsFloor reports whether price is at or above floor, compared at
// model.MoneyScale.
func MeetsFloor(price, floor decimal.Decimal) bool {
	return price.Round(model.MoneyScale).GreaterThanOrEqual(floor.Round(model.MoneyScale))
}

// Offer is a prospective bid.
type Offer struct {
	PricePerKg decimal.Decimal `json:"price_per_kg"`
	Quantity   int64           `json:"quantity"`
}

// Check evaluates the listing-dependent preconditions for placing offer on
// l at now. The caller's role is checked before this. Order matters and the
// first failure wins:
//
//  1. listing exists and is OPEN (NotFound otherwise)
//  2. price at or above the floor
//  3. quantity within what is available
//  4. auction deadline not passed
func Check(l *model.Listing, offer Offer, now time.Time) error {
	if l == nil || l.Status != model.ListingOpen {
		return apperr.NotFound("listing not found or auction closed")
	}

	if !model.PriceInRange(offer.PricePerKg) {
		return apperr.Validation("price_per_kg must be positive, below %s, with at most %d decimal places",
			model.MaxPricePerKg, model.MoneyScale)
	}
	if !MeetsFloor(offer.PricePerKg, l.BasePricePerKg) {
		return apperr.Validation("bid below floor price of %s per kg", l.BasePricePerKg.StringFixed(model.MoneyScale))
	}

	if offer.Quantity <= 0 || offer.Quantity > model.MaxQuantityKg {
		return apperr.Validation("quantity must be between 1 and %d kg", model.MaxQuantityKg)
	}
	if offer.Quantity > l.AvailableQuantity {
		return apperr.Validation("bid exceeds available quantity of %d kg", l.AvailableQuantity)
	}

	if !now.Before(l.AuctionEndsAt) {
		return apperr.Validation("auction ended")
	}
	return nil
}

// Less is the ranking key: higher price first, then earlier placement, then
// ID so the order is total.
func Less(a, b *model.Bid) bool {
	if c := a.PricePerKg.Cmp(b.PricePerKg); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Rank sorts bids in place by the ranking key and returns them. It is used
// for display only; owners pick which bid to accept.
func Rank(bids []model.Bid) []model.Bid {
	sort.SliceStable(bids, func(i, j int) bool {
		return Less(&bids[i], &bids[j])
	})
	return bids
}

// Best returns the top-ranked PLACED bid, or nil if there is none.
func Best(bids []model.Bid) *model.Bid {
	var best *model.Bid
	for i := range bids {
		b := &bids[i]
		if b.Status != model.BidPlaced {
			continue
		}
		if best == nil || Less(b, best) {
			best = b
		}
	}
	return best
}
