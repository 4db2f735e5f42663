package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrobid/auction-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single write lock covers every Mutate, which serializes all atomic
// units and therefore every unit on the same listing.
type MemoryStore struct {
	mu           sync.RWMutex
	listings     map[string]*model.Listing
	bids         map[string]*model.Bid
	bidsByList   map[string][]string // listing ID -> bid IDs in placement order
	transactions map[string]*model.Transaction
	txOrder      []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:     make(map[string]*model.Listing),
		bids:         make(map[string]*model.Bid),
		bidsByList:   make(map[string][]string),
		transactions: make(map[string]*model.Transaction),
	}
}

func (s *MemoryStore) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrConflict)
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.OwnerID != "" && l.OwnerID != f.OwnerID {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, fmt.Errorf("bid %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, listingID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[listingID]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	return &Snapshot{Listing: *l, Bids: s.bidsOf(listingID)}, nil
}

// bidsOf copies the bids of a listing. Caller holds s.mu.
func (s *MemoryStore) bidsOf(listingID string) []model.Bid {
	ids := s.bidsByList[listingID]
	out := make([]model.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.bids[id])
	}
	return out
}

// Mutate runs fn under the store-wide write lock. The mutation is fully
// validated before the first write so a rejected unit leaves no trace.
func (s *MemoryStore) Mutate(ctx context.Context, listingID string, fn MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	snap := &Snapshot{Listing: *l, Bids: s.bidsOf(listingID)}

	m, err := fn(snap)
	if err != nil {
		return err
	}
	if m.Empty() {
		return nil
	}

	// Validate.
	if m.Listing != nil && m.Listing.ID != listingID {
		return fmt.Errorf("mutation for listing %s targets %s: %w", listingID, m.Listing.ID, ErrConflict)
	}
	if m.NewBid != nil {
		if _, dup := s.bids[m.NewBid.ID]; dup || m.NewBid.ListingID != listingID {
			return fmt.Errorf("insert bid %s: %w", m.NewBid.ID, ErrConflict)
		}
	}
	for id := range m.BidStatuses {
		b, ok := s.bids[id]
		if !ok || b.ListingID != listingID || b.Status != model.BidPlaced {
			return fmt.Errorf("update bid %s: %w", id, ErrConflict)
		}
	}
	if m.Transaction != nil {
		if _, dup := s.transactions[m.Transaction.ID]; dup {
			return fmt.Errorf("insert transaction %s: %w", m.Transaction.ID, ErrConflict)
		}
	}

	// Apply.
	if m.Listing != nil {
		cp := *m.Listing
		s.listings[listingID] = &cp
	}
	if m.NewBid != nil {
		cp := *m.NewBid
		s.bids[cp.ID] = &cp
		s.bidsByList[listingID] = append(s.bidsByList[listingID], cp.ID)
	}
	for id, status := range m.BidStatuses {
		b := s.bids[id]
		b.Status = status
		b.UpdatedAt = m.At
	}
	if m.Transaction != nil {
		cp := *m.Transaction
		s.transactions[cp.ID] = &cp
		s.txOrder = append(s.txOrder, cp.ID)
	}
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return copyTx(tx), nil
}

func (s *MemoryStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.listTransactions(ctx, func(tx *model.Transaction) bool {
		return tx.BuyerID == userID || tx.FarmerID == userID
	})
}

func (s *MemoryStore) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	return s.listTransactions(ctx, func(*model.Transaction) bool { return true })
}

func (s *MemoryStore) listTransactions(ctx context.Context, keep func(*model.Transaction) bool) ([]model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Transaction{}
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tx := s.transactions[s.txOrder[i]]
		if keep(tx) {
			out = append(out, *copyTx(tx))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CompletePayment(ctx context.Context, id string, status model.PaymentStatus, receipt json.RawMessage, at time.Time) (*model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if tx.PaymentStatus != model.PaymentPending {
		return nil, fmt.Errorf("transaction %s is %s: %w", id, tx.PaymentStatus, ErrConflict)
	}
	tx.PaymentStatus = status
	tx.GatewayResponse = append(json.RawMessage(nil), receipt...)
	tx.UpdatedAt = at
	return copyTx(tx), nil
}

// Stats aggregates ledger totals under a single read lock.
func (s *MemoryStore) Stats(ctx context.Context) (*model.LedgerStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &model.LedgerStats{
		Listings:       int64(len(s.listings)),
		Bids:           int64(len(s.bids)),
		Transactions:   int64(len(s.transactions)),
		PaidRevenue:    decimal.Zero,
		PendingRevenue: decimal.Zero,
	}
	for _, l := range s.listings {
		if l.Status == model.ListingOpen {
			st.OpenListings++
		}
	}
	for _, tx := range s.transactions {
		st.SettledVolume += tx.Quantity
		switch tx.PaymentStatus {
		case model.PaymentSuccess:
			st.PaidRevenue = st.PaidRevenue.Add(tx.TotalAmount)
		case model.PaymentPending:
			st.PendingRevenue = st.PendingRevenue.Add(tx.TotalAmount)
		}
	}
	return st, nil
}

func copyTx(tx *model.Transaction) *model.Transaction {
	cp := *tx
	if tx.GatewayResponse != nil {
		cp.GatewayResponse = append(json.RawMessage(nil), tx.GatewayResponse...)
	}
	return &cp
}
