package settlement

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/agrobid/auction-ledger/internal/apperr"
	"github.com/agrobid/auction-ledger/internal/model"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func listing(total, available int64) model.Listing {
	return model.Listing{
		ID:                "lst-1",
		OwnerID:           "farmer-1",
		CropName:          "Wheat",
		TotalQuantity:     total,
		AvailableQuantity: available,
		LotSize:           50,
		BasePricePerKg:    d("20.00"),
		AuctionEndsAt:     now.Add(48 * time.Hour),
		Status:            model.ListingOpen,
	}
}

func bid(id, buyer, price string, qty int64) model.Bid {
	return model.Bid{
		ID:         id,
		ListingID:  "lst-1",
		BuyerID:    buyer,
		PricePerKg: d(price),
		Quantity:   qty,
		Status:     model.BidPlaced,
		CreatedAt:  now,
	}
}

func TestTotalAmount(t *testing.T) {
	assert.True(t, d("6750.00").Equal(TotalAmount(d("22.50"), 300)))
	assert.True(t, d("0.01").Equal(TotalAmount(d("0.01"), 1)))
	assert.True(t, d("1000000000.00").Equal(TotalAmount(d("100.00"), 10_000_000)))
}

func TestAccept_PartialFill(t *testing.T) {
	l := listing(1000, 1000)
	bids := []model.Bid{
		bid("b1", "buyer-1", "22.50", 300),
		bid("b2", "buyer-2", "21.00", 800),
		bid("b3", "buyer-3", "20.00", 700),
	}

	acc, err := Accept("farmer-1", l, "b1", bids, "tx-1", now)
	require.NoError(t, err)

	assert.Equal(t, int64(700), acc.Listing.AvailableQuantity)
	assert.Equal(t, model.ListingOpen, acc.Listing.Status)
	assert.Equal(t, model.BidAccepted, acc.Bid.Status)

	tx := acc.Transaction
	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, "buyer-1", tx.BuyerID)
	assert.Equal(t, "farmer-1", tx.FarmerID)
	assert.Equal(t, int64(300), tx.Quantity)
	assert.True(t, d("6750.00").Equal(tx.TotalAmount), "total %s", tx.TotalAmount)
	assert.Equal(t, model.PaymentPending, tx.PaymentStatus)

	// b2 wants 800 kg with only 700 left; b3 still fits.
	assert.Equal(t, []string{"b2"}, acc.Rejected)

	// Input slice is not modified.
	assert.Equal(t, model.BidPlaced, bids[0].Status)
}

func TestAccept_SellsOut(t *testing.T) {
	l := listing(1000, 200)
	bids := []model.Bid{
		bid("b1", "buyer-1", "22.50", 200),
		bid("b2", "buyer-2", "21.00", 50),
	}

	acc, err := Accept("farmer-1", l, "b1", bids, "tx-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.Listing.AvailableQuantity)
	assert.Equal(t, model.ListingSold, acc.Listing.Status)
	assert.Equal(t, []string{"b2"}, acc.Rejected)
}

func TestAccept_Preconditions(t *testing.T) {
	accepted := bid("b-acc", "buyer-1", "22.00", 10)
	accepted.Status = model.BidAccepted
	rejected := bid("b-rej", "buyer-1", "22.00", 10)
	rejected.Status = model.BidRejected
	big := bid("b-big", "buyer-2", "22.00", 900)
	ok := bid("b-ok", "buyer-3", "22.00", 10)
	bids := []model.Bid{accepted, rejected, big, ok}

	sold := listing(1000, 0)
	sold.Status = model.ListingSold

	tests := []struct {
		name   string
		caller string
		l      model.Listing
		bidID  string
		kind   error
		msg    string
	}{
		{"unknown bid", "farmer-1", listing(1000, 500), "nope", apperr.ErrNotFound, "bid not found"},
		{"not the owner", "farmer-2", listing(1000, 500), "b-ok", apperr.ErrAuthorization, ""},
		{"listing sold", "farmer-1", sold, "b-ok", apperr.ErrInvalidState, "auction closed"},
		{"already accepted", "farmer-1", listing(1000, 500), "b-acc", apperr.ErrInvalidState, "bid already accepted"},
		{"rejected bid", "farmer-1", listing(1000, 500), "b-rej", apperr.ErrInvalidState, "bid was rejected"},
		{"insufficient quantity", "farmer-1", listing(1000, 500), "b-big", apperr.ErrInvalidState, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := Accept(tt.caller, tt.l, tt.bidID, bids, "tx-1", now)
			require.Error(t, err)
			assert.Nil(t, acc)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, err.Error())
			}
		})
	}
}

func TestAccept_InsufficientQuantityMessage(t *testing.T) {
	bids := []model.Bid{bid("b1", "buyer-1", "22.00", 600)}
	_, err := Accept("farmer-1", listing(1000, 500), "b1", bids, "tx-1", now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient quantity")
}

func TestAccept_TotalOverLedgerLimit(t *testing.T) {
	// Rows written before the input limits existed can still hold values
	// whose product does not fit a settlement total.
	huge := bid("b1", "buyer-1", "999999999999.99", 2_000_000)
	l := listing(2_000_000, 2_000_000)

	acc, err := Accept("farmer-1", l, "b1", []model.Bid{huge}, "tx-1", now)
	require.Error(t, err)
	assert.Nil(t, acc)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	// The largest in-limit fill fits.
	max := bid("b2", "buyer-1", "999999999999.99", model.MaxQuantityKg)
	acc, err = Accept("farmer-1", listing(model.MaxQuantityKg, model.MaxQuantityKg), "b2", []model.Bid{max}, "tx-2", now)
	require.NoError(t, err)
	assert.True(t, acc.Transaction.TotalAmount.LessThan(model.MaxTotalAmount))
}

func TestAccept_AfterDeadline(t *testing.T) {
	bids := []model.Bid{bid("b1", "buyer-1", "22.00", 100)}
	acc, err := Accept("farmer-1", listing(1000, 1000), "b1", bids, "tx-1", now.Add(96*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(900), acc.Listing.AvailableQuantity)
}

func TestClose(t *testing.T) {
	accepted := bid("b1", "buyer-1", "22.00", 100)
	accepted.Status = model.BidAccepted
	bids := []model.Bid{accepted, bid("b2", "buyer-2", "21.00", 50), bid("b3", "buyer-3", "20.50", 20)}

	c, err := Close("farmer-1", listing(1000, 900), bids, now)
	require.NoError(t, err)
	assert.Equal(t, model.ListingClosed, c.Listing.Status)
	assert.Equal(t, int64(900), c.Listing.AvailableQuantity)
	assert.Equal(t, []string{"b2", "b3"}, c.Rejected)

	_, err = Close("farmer-2", listing(1000, 900), bids, now)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	_, err = Close("farmer-1", c.Listing, bids, now)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCheckPayable(t *testing.T) {
	tx := &model.Transaction{ID: "tx-1", BuyerID: "buyer-1", PaymentStatus: model.PaymentPending}
	assert.NoError(t, CheckPayable(tx, "buyer-1"))
	assert.ErrorIs(t, CheckPayable(tx, "buyer-2"), apperr.ErrAuthorization)

	tx.PaymentStatus = model.PaymentSuccess
	assert.ErrorIs(t, CheckPayable(tx, "buyer-1"), apperr.ErrInvalidState)
	tx.PaymentStatus = model.PaymentFailed
	assert.ErrorIs(t, CheckPayable(tx, "buyer-1"), apperr.ErrInvalidState)
}

// Accepting any sequence of bids never oversells and keeps
// available + sold == total.
func TestAccept_QuantityConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.Int64Range(1, 5000).Draw(t, "total")
		n := rapid.IntRange(1, 12).Draw(t, "bids")

		l := listing(total, total)
		bids := make([]model.Bid, n)
		for i := range bids {
			cents := rapid.Int64Range(2000, 9999).Draw(t, fmt.Sprintf("cents%d", i))
			qty := rapid.Int64Range(1, total).Draw(t, fmt.Sprintf("qty%d", i))
			bids[i] = model.Bid{
				ID:         fmt.Sprintf("b%d", i),
				ListingID:  l.ID,
				BuyerID:    fmt.Sprintf("buyer-%d", i),
				PricePerKg: decimal.New(cents, -2),
				Quantity:   qty,
				Status:     model.BidPlaced,
				CreatedAt:  now,
			}
		}

		order := rapid.Permutation(bids).Draw(t, "order")
		var sold int64
		for i, b := range order {
			acc, err := Accept("farmer-1", l, b.ID, bids, fmt.Sprintf("tx-%d", i), now)
			if err != nil {
				continue
			}
			l = acc.Listing
			sold += acc.Transaction.Quantity
			for j := range bids {
				switch {
				case bids[j].ID == acc.Bid.ID:
					bids[j] = acc.Bid
				case contains(acc.Rejected, bids[j].ID):
					bids[j].Status = model.BidRejected
				}
			}

			want := acc.Bid.PricePerKg.Mul(decimal.NewFromInt(acc.Bid.Quantity))
			if !acc.Transaction.TotalAmount.Equal(want) {
				t.Fatalf("total %s != %s", acc.Transaction.TotalAmount, want)
			}
		}

		if l.AvailableQuantity < 0 {
			t.Fatalf("available went negative: %d", l.AvailableQuantity)
		}
		if l.AvailableQuantity+sold != total {
			t.Fatalf("available %d + sold %d != total %d", l.AvailableQuantity, sold, total)
		}
		if (l.Status == model.ListingSold) != (l.AvailableQuantity == 0) {
			t.Fatalf("status %s with %d available", l.Status, l.AvailableQuantity)
		}
		for _, b := range bids {
			if b.Status == model.BidPlaced && b.Quantity > l.AvailableQuantity {
				t.Fatalf("bid %s left PLACED for %d kg with %d available", b.ID, b.Quantity, l.AvailableQuantity)
			}
		}
	})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
