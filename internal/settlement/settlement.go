// Package settlement computes the state transitions that settle a crop
// auction: accepting a bid, closing a listing early, and paying for the
// resulting transaction.
//
// The functions here are pure. They take a consistent snapshot of a listing
// and its bids and return the complete next state; package store applies
// that state as one atomic unit. Nothing is returned on a failed
// precondition, so a rejected request never produces a partial write.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrobid/auction-ledger/internal/apperr"
	"github.com/agrobid/auction-ledger/internal/authz"
	"github.com/agrobid/auction-ledger/internal/model"
)

// TotalAmount is price × quantity, computed exactly. It is the only place a
// transaction amount is derived and is never recomputed afterwards.
func TotalAmount(pricePerKg decimal.Decimal, quantity int64) decimal.Decimal {
	return pricePerKg.Mul(decimal.NewFromInt(quantity))
}

// Acceptance is the full result of accepting one bid.
type Acceptance struct {
	Listing     model.Listing
	Bid         model.Bid
	Transaction model.Transaction
	// Rejected lists PLACED bids that can no longer be filled after this
	// acceptance and move to REJECTED in the same unit.
	Rejected []string
}

// Accept settles bidID against listing l. bids must be every bid on l as
// read under the listing's lock. Preconditions, first failure wins:
//
//  1. the bid exists on this listing
//  2. callerID owns the listing
//  3. the listing is OPEN
//  4. the bid is still PLACED
//  5. the bid quantity fits in what is available now
func Accept(callerID string, l model.Listing, bidID string, bids []model.Bid, txID string, now time.Time) (*Acceptance, error) {
	idx := -1
	for i := range bids {
		if bids[i].ID == bidID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, apperr.NotFound("bid not found")
	}
	bid := bids[idx]

	if err := authz.RequireOwner(callerID, l.OwnerID, "listing"); err != nil {
		return nil, err
	}
	if l.Status != model.ListingOpen {
		return nil, apperr.InvalidState("auction closed")
	}
	switch bid.Status {
	case model.BidAccepted:
		return nil, apperr.InvalidState("bid already accepted")
	case model.BidRejected:
		return nil, apperr.InvalidState("bid was rejected")
	}
	if bid.Quantity > l.AvailableQuantity {
		return nil, apperr.InvalidState("insufficient quantity: bid is for %d kg, %d kg available",
			bid.Quantity, l.AvailableQuantity)
	}

	total := TotalAmount(bid.PricePerKg, bid.Quantity)
	if !total.LessThan(model.MaxTotalAmount) {
		return nil, apperr.Validation("settlement total %s exceeds the ledger limit of %s", total, model.MaxTotalAmount)
	}

	now = now.UTC()

	l.AvailableQuantity -= bid.Quantity
	if l.AvailableQuantity <= 0 {
		l.AvailableQuantity = 0
		l.Status = model.ListingSold
	}
	l.UpdatedAt = now

	bid.Status = model.BidAccepted
	bid.UpdatedAt = now

	var rejected []string
	for i := range bids {
		other := &bids[i]
		if i == idx || other.Status != model.BidPlaced {
			continue
		}
		if l.Status != model.ListingOpen || other.Quantity > l.AvailableQuantity {
			rejected = append(rejected, other.ID)
		}
	}

	tx := model.Transaction{
		ID:              txID,
		ListingID:       l.ID,
		BidID:           bid.ID,
		BuyerID:         bid.BuyerID,
		FarmerID:        l.OwnerID,
		FinalPricePerKg: bid.PricePerKg,
		Quantity:        bid.Quantity,
		TotalAmount:     total,
		PaymentStatus:   model.PaymentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	return &Acceptance{
		Listing:     l,
		Bid:         bid,
		Transaction: tx,
		Rejected:    rejected,
	}, nil
}

// Closure is the result of an owner ending an auction early.
type Closure struct {
	Listing  model.Listing
	Rejected []string
}

// Close moves an OPEN listing to CLOSED and rejects every bid still PLACED.
func Close(callerID string, l model.Listing, bids []model.Bid, now time.Time) (*Closure, error) {
	if err := authz.RequireOwner(callerID, l.OwnerID, "listing"); err != nil {
		return nil, err
	}
	if l.Status != model.ListingOpen {
		return nil, apperr.InvalidState("auction already %s", l.Status)
	}

	l.Status = model.ListingClosed
	l.UpdatedAt = now.UTC()

	var rejected []string
	for _, b := range bids {
		if b.Status == model.BidPlaced {
			rejected = append(rejected, b.ID)
		}
	}
	return &Closure{Listing: l, Rejected: rejected}, nil
}

// CheckPayable verifies that callerID may pay for tx and that payment has
// not been settled yet.
func CheckPayable(tx *model.Transaction, callerID string) error {
	if tx.BuyerID != callerID {
		return apperr.Authorization("only the buyer can pay for this transaction")
	}
	if tx.PaymentStatus != model.PaymentPending {
		return apperr.InvalidState("payment already %s", tx.PaymentStatus)
	}
	return nil
}
