// Package model defines the core domain types shared across the auction ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places a per-kg price may carry.
const MoneyScale int32 = 2

// MaxQuantityKg caps listing and bid quantities. With prices below
// MaxPricePerKg every price × quantity stays below MaxTotalAmount.
const MaxQuantityKg int64 = 1_000_000

var (
	// MaxPricePerKg is the exclusive upper bound on a per-kg price.
	MaxPricePerKg = decimal.New(1, 12)
	// MaxTotalAmount is the exclusive upper bound on a settlement total.
	MaxTotalAmount = decimal.New(1, 18)
)

// Role is the closed set of caller roles held by the profile store.
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleFarmer, RoleBuyer, RoleAdmin:
		return true
	}
	return false
}

type ListingStatus string

const (
	ListingOpen   ListingStatus = "OPEN"
	ListingSold   ListingStatus = "SOLD"
	ListingClosed ListingStatus = "CLOSED"
)

// Valid reports whether s is one of the known listing statuses.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingOpen, ListingSold, ListingClosed:
		return true
	}
	return false
}

type BidStatus string

const (
	BidPlaced   BidStatus = "PLACED"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Listing is a farmer's crop lot open for bidding.
//
// AvailableQuantity and Status are settlement-owned: they change only inside
// an atomic store mutation (bid acceptance or an owner closing the auction).
type Listing struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"owner_id"`
	CropName          string          `json:"crop_name"`
	Variety           string          `json:"variety,omitempty"`
	TotalQuantity     int64           `json:"total_quantity"`     // kg
	AvailableQuantity int64           `json:"available_quantity"` // kg, 0..TotalQuantity
	LotSize           int64           `json:"lot_size"`           // kg
	BasePricePerKg    decimal.Decimal `json:"base_price_per_kg"`  // bid floor
	AuctionEndsAt     time.Time       `json:"auction_ends_at"`
	HarvestDate       string          `json:"harvest_date,omitempty"`
	Location          string          `json:"location,omitempty"`
	Description       string          `json:"description,omitempty"`
	Status            ListingStatus   `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsBiddable reports whether the listing accepts new bids at now. A listing
// stored as OPEN can still be logically expired.
func (l *Listing) IsBiddable(now time.Time) bool {
	return l.Status == ListingOpen && l.AvailableQuantity > 0 && now.Before(l.AuctionEndsAt)
}

// Bid is a buyer's offer of price × quantity against a listing. Only Status
// changes after creation.
type Bid struct {
	ID         string          `json:"id"`
	ListingID  string          `json:"listing_id"`
	BuyerID    string          `json:"buyer_id"`
	PricePerKg decimal.Decimal `json:"price_per_kg"`
	Quantity   int64           `json:"quantity"` // kg
	Status     BidStatus       `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Transaction is the immutable record of a settled sale. Only the payment
// fields move, once, from PENDING to a terminal status.
type Transaction struct {
	ID              string          `json:"id"`
	ListingID       string          `json:"listing_id"`
	BidID           string          `json:"bid_id"`
	BuyerID         string          `json:"buyer_id"`
	FarmerID        string          `json:"farmer_id"`
	FinalPricePerKg decimal.Decimal `json:"final_price_per_kg"`
	Quantity        int64           `json:"quantity"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	GatewayResponse json.RawMessage `json:"payment_gateway_response,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Profile holds the role and display attributes of a marketplace user.
type Profile struct {
	UserID    string    `json:"user_id" bson:"_id"`
	Role      Role      `json:"role" bson:"role"`
	Name      string    `json:"name" bson:"name"`
	Phone     string    `json:"phone,omitempty" bson:"phone,omitempty"`
	Location  string    `json:"location,omitempty" bson:"location,omitempty"`
	UPIID     string    `json:"upi_id,omitempty" bson:"upi_id,omitempty"`
	Verified  bool      `json:"is_verified" bson:"is_verified"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// ListingView is a listing with its owner's display name.
type ListingView struct {
	Listing
	FarmerName string `json:"farmer_name,omitempty"`
}

// BidView is a bid with its buyer's display name.
type BidView struct {
	Bid
	BuyerName string `json:"buyer_name,omitempty"`
}

// TransactionView is a transaction with the crop and party names it refers
// to. Names are empty when they could not be resolved.
type TransactionView struct {
	Transaction
	CropName   string `json:"crop_name,omitempty"`
	Variety    string `json:"variety,omitempty"`
	FarmerName string `json:"farmer_name,omitempty"`
	BuyerName  string `json:"buyer_name,omitempty"`
}

// ListingDetail is a listing together with its bids in ranking order.
// BestBid is the top-ranked bid still PLACED.
type ListingDetail struct {
	ListingView
	Biddable bool      `json:"biddable"`
	BestBid  *Bid      `json:"best_bid,omitempty"`
	Bids     []BidView `json:"bids"`
}

// LedgerStats summarises the ledger for the admin dashboard.
type LedgerStats struct {
	Listings       int64           `json:"listings"`
	OpenListings   int64           `json:"open_listings"`
	Bids           int64           `json:"bids"`
	Transactions   int64           `json:"transactions"`
	SettledVolume  int64           `json:"settled_volume_kg"`
	PaidRevenue    decimal.Decimal `json:"total_revenue"` // SUCCESS payments only
	PendingRevenue decimal.Decimal `json:"pending_revenue"`
}

// Stats is LedgerStats plus user counts from the profile store.
type Stats struct {
	Users  UserCounts  `json:"users"`
	Ledger LedgerStats `json:"ledger"`
}

// UserCounts breaks profile totals down by role.
type UserCounts struct {
	Total   int64 `json:"total"`
	Farmers int64 `json:"farmers"`
	Buyers  int64 `json:"buyers"`
	Admins  int64 `json:"admins"`
}

// Add counts n profiles of role r.
func (c *UserCounts) Add(r Role, n int64) {
	c.Total += n
	switch r {
	case RoleFarmer:
		c.Farmers += n
	case RoleBuyer:
		c.Buyers += n
	case RoleAdmin:
		c.Admins += n
	}
}

// FitsMoneyScale reports whether d carries no more than MoneyScale decimal
// places.
func FitsMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}

// PriceInRange reports whether p is a positive per-kg price below
// MaxPricePerKg with at most MoneyScale decimal places.
func PriceInRange(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(MaxPricePerKg) && FitsMoneyScale(p)
}
