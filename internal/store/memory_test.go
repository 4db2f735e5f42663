package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrobid/auction-ledger/internal/model"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func seedListing(t *testing.T, s *MemoryStore, id string, qty int64, created time.Time) *model.Listing {
	t.Helper()
	l := &model.Listing{
		ID:                id,
		OwnerID:           "farmer-1",
		CropName:          "Wheat",
		TotalQuantity:     qty,
		AvailableQuantity: qty,
		LotSize:           10,
		BasePricePerKg:    decimal.RequireFromString("20.00"),
		AuctionEndsAt:     t0.Add(48 * time.Hour),
		Status:            model.ListingOpen,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
	require.NoError(t, s.CreateListing(context.Background(), l))
	return l
}

func placeBid(t *testing.T, s *MemoryStore, listingID, bidID string, qty int64) {
	t.Helper()
	err := s.Mutate(context.Background(), listingID, func(snap *Snapshot) (*Mutation, error) {
		return &Mutation{NewBid: &model.Bid{
			ID:         bidID,
			ListingID:  listingID,
			BuyerID:    "buyer-" + bidID,
			PricePerKg: decimal.RequireFromString("21.00"),
			Quantity:   qty,
			Status:     model.BidPlaced,
			CreatedAt:  t0,
			UpdatedAt:  t0,
		}}, nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_ListingsAndFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedListing(t, s, "a", 100, t0)
	seedListing(t, s, "b", 100, t0.Add(time.Minute))
	c := seedListing(t, s, "c", 100, t0.Add(2*time.Minute))

	require.NoError(t, s.Mutate(ctx, "c", func(snap *Snapshot) (*Mutation, error) {
		l := snap.Listing
		l.Status = model.ListingClosed
		l.OwnerID = c.OwnerID
		return &Mutation{Listing: &l}, nil
	}))

	open, err := s.ListListings(ctx, ListingFilter{Status: model.ListingOpen})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "b", open[0].ID, "newest first")
	assert.Equal(t, "a", open[1].ID)

	all, err := s.ListListings(ctx, ListingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := s.ListListings(ctx, ListingFilter{OwnerID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, mine)

	_, err = s.GetListing(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.CreateListing(ctx, c), ErrConflict)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedListing(t, s, "a", 100, t0)

	got, err := s.GetListing(ctx, "a")
	require.NoError(t, err)
	got.AvailableQuantity = 0

	again, err := s.GetListing(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.AvailableQuantity)
}

func TestMemoryStore_MutateErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedListing(t, s, "a", 100, t0)

	boom := errors.New("boom")
	err := s.Mutate(ctx, "a", func(snap *Snapshot) (*Mutation, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	// A unit that fails validation halfway applies none of its writes.
	placeBid(t, s, "a", "b1", 10)
	err = s.Mutate(ctx, "a", func(snap *Snapshot) (*Mutation, error) {
		l := snap.Listing
		l.AvailableQuantity = 0
		l.Status = model.ListingSold
		return &Mutation{
			Listing:     &l,
			BidStatuses: map[string]model.BidStatus{"b1": model.BidAccepted, "ghost": model.BidRejected},
			At:          t0,
		}, nil
	})
	assert.ErrorIs(t, err, ErrConflict)

	l, _ := s.GetListing(ctx, "a")
	assert.Equal(t, model.ListingOpen, l.Status)
	b, _ := s.GetBid(ctx, "b1")
	assert.Equal(t, model.BidPlaced, b.Status)

	assert.ErrorIs(t, s.Mutate(ctx, "missing", func(*Snapshot) (*Mutation, error) { return nil, nil }), ErrNotFound)
}

func TestMemoryStore_BidStatusGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedListing(t, s, "a", 100, t0)
	placeBid(t, s, "a", "b1", 10)

	accept := func(snap *Snapshot) (*Mutation, error) {
		return &Mutation{BidStatuses: map[string]model.BidStatus{"b1": model.BidAccepted}, At: t0}, nil
	}
	require.NoError(t, s.Mutate(ctx, "a", accept))
	assert.ErrorIs(t, s.Mutate(ctx, "a", accept), ErrConflict)
}

func TestMemoryStore_SnapshotHasBidsInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedListing(t, s, "a", 100, t0)
	seedListing(t, s, "other", 100, t0)
	placeBid(t, s, "a", "b1", 10)
	placeBid(t, s, "other", "x1", 10)
	placeBid(t, s, "a", "b2", 20)

	var seen []string
	require.NoError(t, s.Mutate(ctx, "a", func(snap *Snapshot) (*Mutation, error) {
		for _, b := range snap.Bids {
			seen = append(seen, b.ID)
		}
		return nil, nil
	}))
	assert.Equal(t, []string{"b1", "b2"}, seen)

	snap, err := s.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", snap.Listing.ID)
	assert.Len(t, snap.Bids, 2)

	_, err = s.GetSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Transactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedListing(t, s, "a", 100, t0)
	placeBid(t, s, "a", "b1", 10)
	placeBid(t, s, "a", "b2", 20)

	insert := func(id, bidID, buyer string, at time.Time) {
		require.NoError(t, s.Mutate(ctx, "a", func(*Snapshot) (*Mutation, error) {
			return &Mutation{Transaction: &model.Transaction{
				ID: id, ListingID: "a", BidID: bidID, BuyerID: buyer, FarmerID: "farmer-1",
				FinalPricePerKg: decimal.RequireFromString("21.00"), Quantity: 10,
				TotalAmount:   decimal.RequireFromString("210.00"),
				PaymentStatus: model.PaymentPending, CreatedAt: at, UpdatedAt: at,
			}}, nil
		}))
	}
	insert("tx-1", "b1", "buyer-b1", t0)
	insert("tx-2", "b2", "buyer-b2", t0.Add(time.Minute))

	farmer, err := s.ListTransactionsByUser(ctx, "farmer-1")
	require.NoError(t, err)
	require.Len(t, farmer, 2)
	assert.Equal(t, "tx-2", farmer[0].ID)

	buyer, err := s.ListTransactionsByUser(ctx, "buyer-b1")
	require.NoError(t, err)
	require.Len(t, buyer, 1)

	none, err := s.ListTransactionsByUser(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, none)

	receipt := json.RawMessage(`{"status":"success"}`)
	tx, err := s.CompletePayment(ctx, "tx-1", model.PaymentSuccess, receipt, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, tx.PaymentStatus)
	assert.JSONEq(t, `{"status":"success"}`, string(tx.GatewayResponse))

	_, err = s.CompletePayment(ctx, "tx-1", model.PaymentFailed, nil, t0)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.CompletePayment(ctx, "nope", model.PaymentFailed, nil, t0)
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Transactions)
	assert.Equal(t, int64(20), st.SettledVolume)
	assert.True(t, decimal.RequireFromString("210").Equal(st.PaidRevenue))
	assert.True(t, decimal.RequireFromString("210").Equal(st.PendingRevenue))
}

// Concurrent units on one listing are serialized: a read-modify-write of
// available quantity never loses an update.
func TestMemoryStore_MutateSerializes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedListing(t, s, "a", 1000, t0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Mutate(ctx, "a", func(snap *Snapshot) (*Mutation, error) {
				l := snap.Listing
				if l.AvailableQuantity < 15 {
					return nil, fmt.Errorf("sold out")
				}
				l.AvailableQuantity -= 15
				return &Mutation{Listing: &l}, nil
			})
			_ = err
		}(i)
	}
	wg.Wait()

	l, err := s.GetListing(ctx, "a")
	require.NoError(t, err)
	// 66 × 15 = 990; the 67th would overdraw.
	assert.Equal(t, int64(10), l.AvailableQuantity)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetListing(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}
