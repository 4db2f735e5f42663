package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agrobid/auction-ledger/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const listingColumns = `id, owner_id, crop_name, variety,
	total_quantity, available_quantity, lot_size, base_price_per_kg::TEXT,
	auction_ends_at, harvest_date, location, description, status,
	created_at, updated_at`

const bidColumns = `id, listing_id, buyer_id, price_per_kg::TEXT, quantity, status, created_at, updated_at`

const txColumns = `id, listing_id, bid_id, buyer_id, farmer_id,
	final_price_per_kg::TEXT, quantity, total_amount::TEXT,
	payment_status, payment_gateway_response, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	return insertListing(ctx, s.pool, l)
}

func insertListing(ctx context.Context, q querier, l *model.Listing) error {
	_, err := q.Exec(ctx,
		`INSERT INTO listings (id, owner_id, crop_name, variety,
		        total_quantity, available_quantity, lot_size, base_price_per_kg,
		        auction_ends_at, harvest_date, location, description, status,
		        created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11, $12, $13, $14, $15)`,
		l.ID, l.OwnerID, l.CropName, l.Variety,
		l.TotalQuantity, l.AvailableQuantity, l.LotSize, l.BasePricePerKg.String(),
		l.AuctionEndsAt, l.HarvestDate, l.Location, l.Description, string(l.Status),
		l.CreatedAt, l.UpdatedAt,
	)
	return wrapErr("insert listing "+l.ID, err)
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr("get listing "+id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE ($1 = '' OR status = $1) AND ($2 = '' OR owner_id = $2)
		 ORDER BY created_at DESC, id DESC`,
		string(f.Status), f.OwnerID)
	if err != nil {
		return nil, wrapErr("list listings", err)
	}
	defer rows.Close()

	out := []model.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	b, err := scanBid(s.pool.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr("get bid "+id, err)
	}
	return b, nil
}

// GetSnapshot reads the listing and its bids inside one read-only
// REPEATABLE READ transaction so both halves see the same commit.
func (s *PostgresStore) GetSnapshot(ctx context.Context, listingID string) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, wrapErr("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	l, err := scanListing(tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, listingID))
	if err != nil {
		return nil, wrapErr("get listing "+listingID, err)
	}
	bids, err := listBids(ctx, tx, listingID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Listing: *l, Bids: bids}, nil
}

func listBids(ctx context.Context, q querier, listingID string) ([]model.Bid, error) {
	rows, err := q.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE listing_id = $1 ORDER BY created_at, id`, listingID)
	if err != nil {
		return nil, wrapErr("list bids for "+listingID, err)
	}
	defer rows.Close()

	out := []model.Bid{}
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Mutate runs fn inside one database transaction holding a row lock on the
// listing. Concurrent units on the same listing queue on that lock; units on
// different listings proceed in parallel.
func (s *PostgresStore) Mutate(ctx context.Context, listingID string, fn MutateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	l, err := scanListing(tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, listingID))
	if err != nil {
		return wrapErr("lock listing "+listingID, err)
	}
	bids, err := listBids(ctx, tx, listingID)
	if err != nil {
		return err
	}

	m, err := fn(&Snapshot{Listing: *l, Bids: bids})
	if err != nil {
		return err
	}
	if m.Empty() {
		return nil
	}

	if m.Listing != nil {
		if m.Listing.ID != listingID {
			return fmt.Errorf("mutation for listing %s targets %s: %w", listingID, m.Listing.ID, ErrConflict)
		}
		if err := updateListing(ctx, tx, m.Listing); err != nil {
			return err
		}
	}
	if b := m.NewBid; b != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO bids (id, listing_id, buyer_id, price_per_kg, quantity, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
			b.ID, b.ListingID, b.BuyerID, b.PricePerKg.String(), b.Quantity, string(b.Status),
			b.CreatedAt, b.UpdatedAt)
		if err != nil {
			return wrapErr("insert bid "+b.ID, err)
		}
	}

	// Stable order keeps row-lock acquisition deterministic.
	ids := make([]string, 0, len(m.BidStatuses))
	for id := range m.BidStatuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tag, err := tx.Exec(ctx,
			`UPDATE bids SET status = $3, updated_at = $4
			 WHERE id = $1 AND listing_id = $2 AND status = 'PLACED'`,
			id, listingID, string(m.BidStatuses[id]), m.At)
		if err != nil {
			return wrapErr("update bid "+id, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("update bid %s: %w", id, ErrConflict)
		}
	}

	if t := m.Transaction; t != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, listing_id, bid_id, buyer_id, farmer_id,
			        final_price_per_kg, quantity, total_amount, payment_status,
			        created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9, $10, $11)`,
			t.ID, t.ListingID, t.BidID, t.BuyerID, t.FarmerID,
			t.FinalPricePerKg.String(), t.Quantity, t.TotalAmount.String(), string(t.PaymentStatus),
			t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return wrapErr("insert transaction "+t.ID, err)
		}
	}

	return wrapErr("commit", tx.Commit(ctx))
}

func updateListing(ctx context.Context, q querier, l *model.Listing) error {
	_, err := q.Exec(ctx,
		`UPDATE listings
		 SET crop_name = $2, variety = $3, available_quantity = $4, lot_size = $5,
		     base_price_per_kg = $6::NUMERIC, auction_ends_at = $7, harvest_date = $8,
		     location = $9, description = $10, status = $11, updated_at = $12
		 WHERE id = $1`,
		l.ID, l.CropName, l.Variety, l.AvailableQuantity, l.LotSize,
		l.BasePricePerKg.String(), l.AuctionEndsAt, l.HarvestDate,
		l.Location, l.Description, string(l.Status), l.UpdatedAt)
	return wrapErr("update listing "+l.ID, err)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr("get transaction "+id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE buyer_id = $1 OR farmer_id = $1
		 ORDER BY created_at DESC, id DESC`, userID)
}

func (s *PostgresStore) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions ORDER BY created_at DESC, id DESC`)
}

func (s *PostgresStore) queryTransactions(ctx context.Context, sql string, args ...any) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapErr("list transactions", err)
	}
	defer rows.Close()

	out := []model.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CompletePayment is a conditional update; only one caller can move a
// transaction out of PENDING.
func (s *PostgresStore) CompletePayment(ctx context.Context, id string, status model.PaymentStatus, receipt json.RawMessage, at time.Time) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`UPDATE transactions
		 SET payment_status = $2, payment_gateway_response = $3::JSONB, updated_at = $4
		 WHERE id = $1 AND payment_status = 'PENDING'
		 RETURNING `+txColumns,
		id, string(status), string(receipt), at))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapErr("complete payment "+id, err)
	}
	// Either missing or already settled.
	if _, gerr := s.GetTransaction(ctx, id); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("complete payment %s: %w", id, ErrConflict)
}

func (s *PostgresStore) Stats(ctx context.Context) (*model.LedgerStats, error) {
	var st model.LedgerStats
	var paid, pending string
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM listings),
			(SELECT COUNT(*) FROM listings WHERE status = 'OPEN'),
			(SELECT COUNT(*) FROM bids),
			(SELECT COUNT(*) FROM transactions),
			(SELECT COALESCE(SUM(quantity), 0)::BIGINT FROM transactions),
			(SELECT COALESCE(SUM(total_amount) FILTER (WHERE payment_status = 'SUCCESS'), 0)::TEXT FROM transactions),
			(SELECT COALESCE(SUM(total_amount) FILTER (WHERE payment_status = 'PENDING'), 0)::TEXT FROM transactions)`).
		Scan(&st.Listings, &st.OpenListings, &st.Bids, &st.Transactions, &st.SettledVolume, &paid, &pending)
	if err != nil {
		return nil, wrapErr("stats", err)
	}
	st.PaidRevenue, _ = decimal.NewFromString(paid)
	st.PendingRevenue, _ = decimal.NewFromString(pending)
	return &st, nil
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*model.Listing, error) {
	var l model.Listing
	var price, status string
	if err := row.Scan(&l.ID, &l.OwnerID, &l.CropName, &l.Variety,
		&l.TotalQuantity, &l.AvailableQuantity, &l.LotSize, &price,
		&l.AuctionEndsAt, &l.HarvestDate, &l.Location, &l.Description, &status,
		&l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.BasePricePerKg, _ = decimal.NewFromString(price)
	l.Status = model.ListingStatus(status)
	l.AuctionEndsAt = l.AuctionEndsAt.UTC()
	return &l, nil
}

func scanBid(row rowScanner) (*model.Bid, error) {
	var b model.Bid
	var price, status string
	if err := row.Scan(&b.ID, &b.ListingID, &b.BuyerID, &price, &b.Quantity, &status,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.PricePerKg, _ = decimal.NewFromString(price)
	b.Status = model.BidStatus(status)
	return &b, nil
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	var price, total, status string
	var receipt []byte
	if err := row.Scan(&t.ID, &t.ListingID, &t.BidID, &t.BuyerID, &t.FarmerID,
		&price, &t.Quantity, &total, &status, &receipt,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.FinalPricePerKg, _ = decimal.NewFromString(price)
	t.TotalAmount, _ = decimal.NewFromString(total)
	t.PaymentStatus = model.PaymentStatus(status)
	if len(receipt) > 0 {
		t.GatewayResponse = json.RawMessage(receipt)
	}
	return &t, nil
}

// wrapErr maps driver errors onto the package sentinels.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case "22001", "22003", "23514": // string_data_right_truncation, numeric_value_out_of_range, check_violation
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, ErrInvalid)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
