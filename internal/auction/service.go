// Package auction is the crop auction ledger: farmers list lots, buyers bid,
// owners accept bids and buyers pay for the resulting transactions.
//
// Every inventory, status and settlement change runs inside one
// store.Store.Mutate unit scoped to the listing, so concurrent requests on
// the same listing are serialized and a failed request writes nothing.
// All monetary values use shopspring/decimal.
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrobid/auction-ledger/internal/apperr"
	"github.com/agrobid/auction-ledger/internal/authz"
	"github.com/agrobid/auction-ledger/internal/bidding"
	"github.com/agrobid/auction-ledger/internal/events"
	"github.com/agrobid/auction-ledger/internal/listing"
	"github.com/agrobid/auction-ledger/internal/metrics"
	"github.com/agrobid/auction-ledger/internal/model"
	"github.com/agrobid/auction-ledger/internal/payment"
	"github.com/agrobid/auction-ledger/internal/profile"
	"github.com/agrobid/auction-ledger/internal/settlement"
	"github.com/agrobid/auction-ledger/internal/store"
)

// Options tunes a Service. Zero values pick the defaults.
type Options struct {
	// StoreTimeout bounds every persistence and profile call.
	StoreTimeout time.Duration
	// GatewayTimeout bounds a payment gateway charge.
	GatewayTimeout time.Duration
	// Publisher receives events after each committed write.
	Publisher events.Publisher
	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// Service implements the ledger operations.
type Service struct {
	store    store.Store
	profiles profile.Store
	gateway  payment.Gateway
	pub      events.Publisher

	now            func() time.Time
	newID          func() string
	storeTimeout   time.Duration
	gatewayTimeout time.Duration
}

// NewService creates a ledger service.
func NewService(st store.Store, profiles profile.Store, gw payment.Gateway, opts Options) *Service {
	s := &Service{
		store:          st,
		profiles:       profiles,
		gateway:        gw,
		pub:            opts.Publisher,
		now:            opts.Now,
		newID:          opts.NewID,
		storeTimeout:   opts.StoreTimeout,
		gatewayTimeout: opts.GatewayTimeout,
	}
	if s.pub == nil {
		s.pub = events.Discard{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = 3 * time.Second
	}
	if s.gatewayTimeout <= 0 {
		s.gatewayTimeout = 5 * time.Second
	}
	return s
}

// --- Listing Manager ---

// CreateListing opens a new listing owned by callerID.
func (s *Service) CreateListing(ctx context.Context, callerID string, d listing.Draft) (*model.Listing, error) {
	if _, err := s.require(ctx, callerID, authz.CreateListing); err != nil {
		return nil, err
	}

	l, err := d.Build(s.newID(), callerID, s.now())
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.CreateListing(sctx, l); err != nil {
		return nil, s.storeErr("create listing", err, "")
	}

	metrics.ListingsCreated.Inc()
	slog.Info("listing created",
		"listing_id", l.ID,
		"owner", callerID,
		"crop", l.CropName,
		"qty", l.TotalQuantity,
		"floor", l.BasePricePerKg.String(),
		"ends_at", l.AuctionEndsAt,
	)
	s.publish(ctx, events.Event{
		Type:       events.ListingCreated,
		ListingID:  l.ID,
		ActorID:    callerID,
		Status:     string(l.Status),
		PricePerKg: l.BasePricePerKg.String(),
		Quantity:   l.TotalQuantity,
		Available:  ptr(l.AvailableQuantity),
	})
	return l, nil
}

// EditListing applies an owner's patch to an OPEN listing.
func (s *Service) EditListing(ctx context.Context, callerID, listingID string, p listing.Patch) (*model.Listing, error) {
	if _, err := s.require(ctx, callerID, authz.ManageListing); err != nil {
		return nil, err
	}
	if p.Empty() {
		return nil, apperr.Validation("no changes supplied")
	}

	var updated model.Listing
	err := s.mutate(ctx, listingID, func(snap *store.Snapshot) (*store.Mutation, error) {
		if err := authz.RequireOwner(callerID, snap.Listing.OwnerID, "listing"); err != nil {
			return nil, err
		}
		if snap.Listing.Status != model.ListingOpen {
			return nil, apperr.InvalidState("only open listings can be edited; this one is %s", snap.Listing.Status)
		}
		updated = snap.Listing
		if err := p.Apply(&updated, s.now()); err != nil {
			return nil, err
		}
		return &store.Mutation{Listing: &updated}, nil
	})
	if err != nil {
		return nil, s.storeErr("edit listing", err, "listing not found")
	}

	slog.Info("listing updated", "listing_id", listingID, "owner", callerID)
	s.publish(ctx, events.Event{
		Type:       events.ListingUpdated,
		ListingID:  listingID,
		ActorID:    callerID,
		Status:     string(updated.Status),
		PricePerKg: updated.BasePricePerKg.String(),
	})
	return &updated, nil
}

// ListingQuery filters ListListings.
type ListingQuery struct {
	// Status is OPEN (default), SOLD, CLOSED or ALL.
	Status string
	// Own restricts results to the caller's listings.
	Own bool
}

// ListListings returns listings newest first.
func (s *Service) ListListings(ctx context.Context, callerID string, q ListingQuery) ([]model.ListingView, error) {
	f, err := listingFilter(q.Status, model.ListingOpen)
	if err != nil {
		return nil, err
	}
	if q.Own {
		if callerID == "" {
			return nil, apperr.Authentication("sign in to list your own listings")
		}
		f.OwnerID = callerID
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	out, err := s.store.ListListings(sctx, f)
	if err != nil {
		return nil, s.storeErr("list listings", err, "")
	}
	return s.listingViews(ctx, out), nil
}

// GetListing returns a listing with its bids in ranking order, the best
// open bid and the display names of the farmer and bidders.
func (s *Service) GetListing(ctx context.Context, listingID string) (*model.ListingDetail, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	snap, err := s.store.GetSnapshot(sctx, listingID)
	cancel()
	if err != nil {
		return nil, s.storeErr("get listing", err, "listing not found")
	}

	l := snap.Listing
	ranked := bidding.Rank(snap.Bids)
	detail := &model.ListingDetail{
		ListingView: s.listingViews(ctx, []model.Listing{l})[0],
		Biddable:    l.IsBiddable(s.now()),
		Bids:        s.bidViews(ctx, ranked),
	}
	if best := bidding.Best(ranked); best != nil {
		b := *best
		detail.BestBid = &b
	}
	return detail, nil
}

// CloseListing ends an OPEN auction early and rejects its outstanding bids.
func (s *Service) CloseListing(ctx context.Context, callerID, listingID string) (*model.Listing, error) {
	if _, err := s.require(ctx, callerID, authz.ManageListing); err != nil {
		return nil, err
	}

	var closed *settlement.Closure
	err := s.mutate(ctx, listingID, func(snap *store.Snapshot) (*store.Mutation, error) {
		at := s.now().UTC()
		c, err := settlement.Close(callerID, snap.Listing, snap.Bids, at)
		if err != nil {
			return nil, err
		}
		closed = c
		return &store.Mutation{
			Listing:     &c.Listing,
			BidStatuses: rejectAll(c.Rejected),
			At:          at,
		}, nil
	})
	if err != nil {
		return nil, s.storeErr("close listing", err, "listing not found")
	}

	metrics.ListingsClosed.WithLabelValues(string(model.ListingClosed)).Inc()
	metrics.BidsAutoRejected.Add(float64(len(closed.Rejected)))
	slog.Info("listing closed",
		"listing_id", listingID,
		"owner", callerID,
		"rejected_bids", len(closed.Rejected),
	)
	s.publish(ctx, events.Event{
		Type:      events.ListingClosed,
		ListingID: listingID,
		ActorID:   callerID,
		Status:    string(closed.Listing.Status),
		Available: ptr(closed.Listing.AvailableQuantity),
		Rejected:  closed.Rejected,
	})
	return &closed.Listing, nil
}

// --- Bid Validator ---

// PlaceBid records a buyer's offer on an OPEN listing. The listing checks
// and the insert share one atomic unit, so a bid never lands on a listing
// that concurrently sold out or closed.
func (s *Service) PlaceBid(ctx context.Context, callerID, listingID string, offer bidding.Offer) (*model.Bid, error) {
	bid, err := s.placeBid(ctx, callerID, listingID, offer)
	if err != nil {
		metrics.BidRejections.WithLabelValues(apperr.Kind(err)).Inc()
		return nil, err
	}
	return bid, nil
}

func (s *Service) placeBid(ctx context.Context, callerID, listingID string, offer bidding.Offer) (*model.Bid, error) {
	if _, err := s.require(ctx, callerID, authz.PlaceBid); err != nil {
		return nil, err
	}

	var bid model.Bid
	err := s.mutate(ctx, listingID, func(snap *store.Snapshot) (*store.Mutation, error) {
		at := s.now().UTC()
		if err := bidding.Check(&snap.Listing, offer, at); err != nil {
			return nil, err
		}
		bid = model.Bid{
			ID:         s.newID(),
			ListingID:  listingID,
			BuyerID:    callerID,
			PricePerKg: offer.PricePerKg,
			Quantity:   offer.Quantity,
			Status:     model.BidPlaced,
			CreatedAt:  at,
			UpdatedAt:  at,
		}
		return &store.Mutation{NewBid: &bid}, nil
	})
	if err != nil {
		return nil, s.storeErr("place bid", err, "listing not found or auction closed")
	}

	metrics.BidsPlaced.Inc()
	slog.Info("bid placed",
		"bid_id", bid.ID,
		"listing_id", listingID,
		"buyer", callerID,
		"price", bid.PricePerKg.String(),
		"qty", bid.Quantity,
	)
	s.publish(ctx, events.Event{
		Type:       events.BidPlaced,
		ListingID:  listingID,
		BidID:      bid.ID,
		ActorID:    callerID,
		PricePerKg: bid.PricePerKg.String(),
		Quantity:   bid.Quantity,
	})
	return &bid, nil
}

// --- Settlement Engine ---

// AcceptBid settles bidID: the bid is accepted, inventory drops by its
// quantity, a PENDING transaction is created and any bid that no longer
// fits is rejected, all in one atomic unit.
func (s *Service) AcceptBid(ctx context.Context, callerID, bidID string) (*model.Transaction, error) {
	start := time.Now()

	if callerID == "" {
		return nil, apperr.Authentication("sign in to accept bids")
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	bid, err := s.store.GetBid(sctx, bidID)
	cancel()
	if err != nil {
		return nil, s.storeErr("accept bid", err, "bid not found")
	}

	if _, err := s.require(ctx, callerID, authz.AcceptBid); err != nil {
		return nil, err
	}

	var acc *settlement.Acceptance
	err = s.mutate(ctx, bid.ListingID, func(snap *store.Snapshot) (*store.Mutation, error) {
		at := s.now().UTC()
		a, err := settlement.Accept(callerID, snap.Listing, bidID, snap.Bids, s.newID(), at)
		if err != nil {
			return nil, err
		}
		acc = a
		statuses := rejectAll(a.Rejected)
		statuses[a.Bid.ID] = model.BidAccepted
		return &store.Mutation{
			Listing:     &a.Listing,
			BidStatuses: statuses,
			Transaction: &a.Transaction,
			At:          at,
		}, nil
	})
	if err != nil {
		return nil, s.storeErr("accept bid", err, "bid not found")
	}

	tx := acc.Transaction
	metrics.Settlements.Inc()
	metrics.SettledVolume.Add(float64(tx.Quantity))
	metrics.SettledValue.Add(tx.TotalAmount.InexactFloat64())
	metrics.BidsAutoRejected.Add(float64(len(acc.Rejected)))
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	if acc.Listing.Status == model.ListingSold {
		metrics.ListingsClosed.WithLabelValues(string(model.ListingSold)).Inc()
	}

	slog.Info("bid accepted",
		"transaction_id", tx.ID,
		"bid_id", bidID,
		"listing_id", tx.ListingID,
		"buyer", tx.BuyerID,
		"qty", tx.Quantity,
		"total", tx.TotalAmount.String(),
		"available", acc.Listing.AvailableQuantity,
		"listing_status", acc.Listing.Status,
		"rejected_bids", len(acc.Rejected),
	)
	s.publish(ctx, events.Event{
		Type:          events.BidAccepted,
		ListingID:     tx.ListingID,
		BidID:         bidID,
		TransactionID: tx.ID,
		ActorID:       callerID,
		Status:        string(acc.Listing.Status),
		PricePerKg:    tx.FinalPricePerKg.String(),
		Quantity:      tx.Quantity,
		Available:     ptr(acc.Listing.AvailableQuantity),
		Rejected:      acc.Rejected,
	})
	return &tx, nil
}

// PaymentOutcome is the result of a payment attempt.
type PaymentOutcome struct {
	Success       bool                `json:"success"`
	PaymentStatus model.PaymentStatus `json:"payment_status"`
	Receipt       *payment.Receipt    `json:"gateway_response"`
	Transaction   *model.Transaction  `json:"transaction"`
}

// RecordPayment charges the buyer for a PENDING transaction and stores the
// terminal status with the gateway receipt. A settled transaction cannot be
// paid again.
func (s *Service) RecordPayment(ctx context.Context, callerID, transactionID string) (*PaymentOutcome, error) {
	if callerID == "" {
		return nil, apperr.Authentication("sign in to pay")
	}
	if _, err := s.require(ctx, callerID, authz.PayTransaction); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	tx, err := s.store.GetTransaction(sctx, transactionID)
	cancel()
	if err != nil {
		return nil, s.storeErr("record payment", err, "transaction not found")
	}
	if err := settlement.CheckPayable(tx, callerID); err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	receipt, err := s.gateway.Charge(gctx, payment.ChargeRequest{
		TransactionID: tx.ID,
		Amount:        tx.TotalAmount,
	})
	cancel()
	if err != nil {
		metrics.Payments.WithLabelValues("error").Inc()
		slog.Warn("payment gateway error", "transaction_id", tx.ID, "err", err)
		return nil, apperr.Unavailable("payment gateway", err)
	}

	raw, err := json.Marshal(receipt)
	if err != nil {
		return nil, err
	}

	sctx, cancel = context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	paid, err := s.store.CompletePayment(sctx, tx.ID, receipt.Status, raw, s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.InvalidState("payment already recorded for this transaction")
		}
		return nil, s.storeErr("record payment", err, "transaction not found")
	}

	metrics.Payments.WithLabelValues(strings.ToLower(string(receipt.Status))).Inc()
	slog.Info("payment recorded",
		"transaction_id", tx.ID,
		"buyer", callerID,
		"status", receipt.Status,
		"payment_id", receipt.PaymentID,
		"amount", tx.TotalAmount.String(),
	)
	s.publish(ctx, events.Event{
		Type:          events.PaymentRecorded,
		ListingID:     tx.ListingID,
		BidID:         tx.BidID,
		TransactionID: tx.ID,
		ActorID:       callerID,
		Status:        string(receipt.Status),
	})
	return &PaymentOutcome{
		Success:       receipt.Status == model.PaymentSuccess,
		PaymentStatus: receipt.Status,
		Receipt:       receipt,
		Transaction:   paid,
	}, nil
}

// ListTransactions returns transactions where callerID is buyer or farmer.
func (s *Service) ListTransactions(ctx context.Context, callerID string) ([]model.TransactionView, error) {
	if callerID == "" {
		return nil, apperr.Authentication("sign in to view transactions")
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	out, err := s.store.ListTransactionsByUser(sctx, callerID)
	if err != nil {
		return nil, s.storeErr("list transactions", err, "")
	}
	return s.transactionViews(ctx, out), nil
}

// --- helpers ---

// require authenticates callerID, loads its role and checks capability c.
func (s *Service) require(ctx context.Context, callerID string, c authz.Capability) (*model.Profile, error) {
	p, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(p.Role, c); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) caller(ctx context.Context, callerID string) (*model.Profile, error) {
	if callerID == "" {
		return nil, apperr.Authentication("sign in required")
	}
	pctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	p, err := s.profiles.Get(pctx, callerID)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, apperr.Authorization("complete your profile before using the marketplace")
	}
	if err != nil {
		return nil, apperr.Unavailable("profile lookup", err)
	}
	return p, nil
}

func (s *Service) mutate(ctx context.Context, listingID string, fn store.MutateFunc) error {
	mctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.Mutate(mctx, listingID, fn)
}

// storeErr maps a store failure onto the error taxonomy. Domain errors
// raised inside a Mutate callback pass through unchanged.
func (s *Service) storeErr(op string, err error, notFound string) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, store.ErrNotFound) && notFound != "":
		return apperr.NotFound("%s", notFound)
	case errors.Is(err, store.ErrConflict):
		return apperr.InvalidState("%s conflicted with a concurrent change, reload and retry", op)
	case errors.Is(err, store.ErrInvalid):
		slog.Warn("store rejected value", "op", op, "err", err)
		return apperr.Validation("%s rejected: a value is outside the range the ledger can store", op)
	}
	slog.Error("store failure", "op", op, "err", err)
	return apperr.Unavailable(op, err)
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	s.pub.Publish(context.WithoutCancel(ctx), ev)
}

func listingFilter(status string, def model.ListingStatus) (store.ListingFilter, error) {
	switch st := strings.ToUpper(strings.TrimSpace(status)); st {
	case "":
		return store.ListingFilter{Status: def}, nil
	case "ALL":
		return store.ListingFilter{}, nil
	default:
		if !model.ListingStatus(st).Valid() {
			return store.ListingFilter{}, apperr.Validation("status must be one of OPEN, SOLD, CLOSED or ALL")
		}
		return store.ListingFilter{Status: model.ListingStatus(st)}, nil
	}
}

func rejectAll(ids []string) map[string]model.BidStatus {
	m := make(map[string]model.BidStatus, len(ids)+1)
	for _, id := range ids {
		m[id] = model.BidRejected
	}
	return m
}

func ptr[T any](v T) *T { return &v }
