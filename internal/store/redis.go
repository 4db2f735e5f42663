package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrobid/auction-ledger/internal/model"
)

// putIfCurrent stores a snapshot only if the listing's generation is still
// the one the reader saw before it went to the primary store. A Mutate that
// commits in between bumps the generation and the stale put is dropped.
//
// KEYS[1]: listing:{id}:gen
// KEYS[2]: listing:{id}:snapshot
// ARGV[1]: generation observed before the primary read
// ARGV[2]: encoded snapshot
// ARGV[3]: ttl in milliseconds
var putIfCurrent = redis.NewScript(`
	local gen = redis.call('GET', KEYS[1]) or '0'
	if gen == ARGV[1] then
		return redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
	end
	return false
`)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// A listing and its bids are cached together as one snapshot value, so a
// reader never pairs a listing with bids from a different commit. Mutate
// always reads its snapshot from the primary under the listing lock, so a
// stale cache entry can never feed a settlement decision.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (primary, then invalidate) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	return s.primary.CreateListing(ctx, l)
}

func (s *CachedStore) Mutate(ctx context.Context, listingID string, fn MutateFunc) error {
	if err := s.primary.Mutate(ctx, listingID, fn); err != nil {
		return err
	}
	s.invalidate(ctx, listingID)
	return nil
}

func (s *CachedStore) CompletePayment(ctx context.Context, id string, status model.PaymentStatus, receipt json.RawMessage, at time.Time) (*model.Transaction, error) {
	return s.primary.CompletePayment(ctx, id, status, receipt, at)
}

// invalidate bumps the generation first so that any read already in flight
// cannot repopulate the entry, then drops the entry itself.
func (s *CachedStore) invalidate(ctx context.Context, listingID string) {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey(listingID))
		p.Del(ctx, snapshotKey(listingID))
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "listing_id", listingID, "err", err)
	}
}

// --- Read-through ---

func (s *CachedStore) GetSnapshot(ctx context.Context, listingID string) (*Snapshot, error) {
	if data, err := s.rdb.Get(ctx, snapshotKey(listingID)).Bytes(); err == nil {
		var snap Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	gen, err := s.rdb.Get(ctx, genKey(listingID)).Result()
	switch {
	case err == redis.Nil:
		gen = "0"
	case err != nil:
		// Without a generation we cannot guard the put; serve uncached.
		return s.primary.GetSnapshot(ctx, listingID)
	}

	snap, err := s.primary.GetSnapshot(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(snap); err == nil {
		keys := []string{genKey(listingID), snapshotKey(listingID)}
		err := putIfCurrent.Run(ctx, s.rdb, keys, gen, data, s.ttl.Milliseconds()).Err()
		if err != nil && err != redis.Nil {
			slog.Debug("cache put failed", "listing_id", listingID, "err", err)
		}
	}
	return snap, nil
}

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return &snap.Listing, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error) {
	return s.primary.ListListings(ctx, f)
}

func (s *CachedStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	return s.primary.GetBid(ctx, id)
}

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx)
}

func (s *CachedStore) Stats(ctx context.Context) (*model.LedgerStats, error) {
	return s.primary.Stats(ctx)
}

func genKey(id string) string      { return fmt.Sprintf("listing:%s:gen", id) }
func snapshotKey(id string) string { return fmt.Sprintf("listing:%s:snapshot", id) }
