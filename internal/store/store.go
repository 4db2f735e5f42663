// Package store defines the persistence interface for the auction ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agrobid/auction-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a listing, bid or transaction does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a guarded write lost a race, e.g. a payment
	// was already recorded or a bid was no longer PLACED.
	ErrConflict = errors.New("store: conflict")
	// ErrInvalid is returned when the database rejects a value that breaks
	// a column constraint, e.g. a NUMERIC overflow or a CHECK violation.
	ErrInvalid = errors.New("store: invalid value")
)

// ListingFilter narrows ListListings. Zero fields match everything.
type ListingFilter struct {
	Status  model.ListingStatus
	OwnerID string
}

// Snapshot is a consistent view of one listing and all of its bids. Mutate
// takes it while the listing is locked for writing; GetSnapshot takes it
// from a single read transaction.
type Snapshot struct {
	Listing model.Listing
	Bids    []model.Bid
}

// Mutation is the complete set of writes for one atomic unit on a listing.
// Nil and empty fields are not written.
type Mutation struct {
	// Listing replaces the stored listing row.
	Listing *model.Listing
	// NewBid is inserted.
	NewBid *model.Bid
	// BidStatuses moves existing bids out of PLACED. A bid that is no
	// longer PLACED when the write lands fails the whole unit with
	// ErrConflict.
	BidStatuses map[string]model.BidStatus
	// Transaction is inserted.
	Transaction *model.Transaction
	// At stamps updated_at on changed bids.
	At time.Time
}

// Empty reports whether m writes nothing.
func (m *Mutation) Empty() bool {
	return m == nil || (m.Listing == nil && m.NewBid == nil && len(m.BidStatuses) == 0 && m.Transaction == nil)
}

// MutateFunc computes the writes for a listing from its locked snapshot. It
// must not retain the snapshot. Returning an error aborts the unit and
// nothing is written.
type MutateFunc func(snap *Snapshot) (*Mutation, error)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Listings ---

	// CreateListing persists a new listing.
	CreateListing(ctx context.Context, l *model.Listing) error

	// GetListing retrieves a listing by its ID.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// ListListings returns listings matching f, newest first.
	ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error)

	// --- Bids ---

	// GetBid retrieves a bid by its ID.
	GetBid(ctx context.Context, id string) (*model.Bid, error)

	// GetSnapshot returns a listing together with every bid on it in
	// placement order, both read from the same committed state.
	GetSnapshot(ctx context.Context, listingID string) (*Snapshot, error)

	// --- Atomic unit ---

	// Mutate locks listingID, hands fn a snapshot and applies the returned
	// Mutation as one all-or-nothing write. All changes to listing
	// inventory, listing status, bid status, bid insertion and transaction
	// insertion go through here.
	Mutate(ctx context.Context, listingID string, fn MutateFunc) error

	// --- Transactions ---

	// GetTransaction retrieves a transaction by its ID.
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)

	// ListTransactionsByUser returns transactions where userID is the buyer
	// or the farmer, newest first.
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// ListTransactions returns every transaction, newest first.
	ListTransactions(ctx context.Context) ([]model.Transaction, error)

	// CompletePayment moves a PENDING transaction to a terminal payment
	// status and stores the gateway receipt. Returns ErrConflict if the
	// transaction is no longer PENDING.
	CompletePayment(ctx context.Context, id string, status model.PaymentStatus, receipt json.RawMessage, at time.Time) (*model.Transaction, error)

	// --- Reporting ---

	// Stats aggregates ledger totals.
	Stats(ctx context.Context) (*model.LedgerStats, error)
}
