// Package listing validates crop listing drafts and owner edits before they
// reach the ledger.
package listing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrobid/auction-ledger/internal/apperr"
	"github.com/agrobid/auction-ledger/internal/model"
)

// auctionEndLayouts are tried in order. The bare layouts are what an HTML
// datetime-local input submits and are read as UTC.
var auctionEndLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseAuctionEnd parses an auction end timestamp.
func ParseAuctionEnd(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, apperr.Validation("auction_ends_at is required")
	}
	for _, layout := range auctionEndLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperr.Validation("auction_ends_at %q is not a valid timestamp (expected RFC 3339)", s)
}

// Draft is the farmer-supplied body for a new listing.
type Draft struct {
	CropName       string          `json:"crop_name"`
	Variety        string          `json:"variety,omitempty"`
	TotalQuantity  int64           `json:"total_quantity"`
	LotSize        int64           `json:"lot_size"`
	BasePricePerKg decimal.Decimal `json:"base_price_per_kg"`
	HarvestDate    string          `json:"harvest_date,omitempty"`
	AuctionEndsAt  string          `json:"auction_ends_at"`
	Location       string          `json:"location,omitempty"`
	Description    string          `json:"description,omitempty"`
}

// Build validates d and returns a new OPEN listing with its full quantity
// available.
func (d Draft) Build(id, ownerID string, now time.Time) (*model.Listing, error) {
	name := strings.TrimSpace(d.CropName)
	if name == "" {
		return nil, apperr.Validation("crop_name is required")
	}
	if d.TotalQuantity <= 0 {
		return nil, apperr.Validation("total_quantity must be a positive number of kg")
	}
	if d.TotalQuantity > model.MaxQuantityKg {
		return nil, apperr.Validation("total_quantity may not exceed %d kg", model.MaxQuantityKg)
	}
	if err := checkLotSize(d.LotSize, d.TotalQuantity); err != nil {
		return nil, err
	}
	if err := checkBasePrice(d.BasePricePerKg); err != nil {
		return nil, err
	}
	endsAt, err := ParseAuctionEnd(d.AuctionEndsAt)
	if err != nil {
		return nil, err
	}
	if !endsAt.After(now) {
		return nil, apperr.Validation("auction_ends_at must be in the future")
	}

	now = now.UTC()
	return &model.Listing{
		ID:                id,
		OwnerID:           ownerID,
		CropName:          name,
		Variety:           strings.TrimSpace(d.Variety),
		TotalQuantity:     d.TotalQuantity,
		AvailableQuantity: d.TotalQuantity,
		LotSize:           d.LotSize,
		BasePricePerKg:    d.BasePricePerKg,
		AuctionEndsAt:     endsAt,
		HarvestDate:       d.HarvestDate,
		Location:          d.Location,
		Description:       d.Description,
		Status:            model.ListingOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Patch is a partial owner edit. Nil fields are left unchanged.
//
// The trailing raw fields exist only so an attempt to set them can be
// rejected; ownership, status and inventory are never editable.
type Patch struct {
	CropName       *string          `json:"crop_name,omitempty"`
	Variety        *string          `json:"variety,omitempty"`
	LotSize        *int64           `json:"lot_size,omitempty"`
	BasePricePerKg *decimal.Decimal `json:"base_price_per_kg,omitempty"`
	HarvestDate    *string          `json:"harvest_date,omitempty"`
	AuctionEndsAt  *string          `json:"auction_ends_at,omitempty"`
	Location       *string          `json:"location,omitempty"`
	Description    *string          `json:"description,omitempty"`

	OwnerID           json.RawMessage `json:"owner_id,omitempty"`
	Status            json.RawMessage `json:"status,omitempty"`
	TotalQuantity     json.RawMessage `json:"total_quantity,omitempty"`
	AvailableQuantity json.RawMessage `json:"available_quantity,omitempty"`
}

// Apply validates p and writes it onto l. On error l is left untouched.
func (p Patch) Apply(l *model.Listing, now time.Time) error {
	switch {
	case p.OwnerID != nil:
		return apperr.Validation("owner_id cannot be changed")
	case p.Status != nil:
		return apperr.Validation("status cannot be changed directly")
	case p.TotalQuantity != nil, p.AvailableQuantity != nil:
		return apperr.Validation("quantities cannot be edited once a listing is created")
	}

	next := *l
	if p.CropName != nil {
		name := strings.TrimSpace(*p.CropName)
		if name == "" {
			return apperr.Validation("crop_name cannot be empty")
		}
		next.CropName = name
	}
	if p.Variety != nil {
		next.Variety = strings.TrimSpace(*p.Variety)
	}
	if p.LotSize != nil {
		if err := checkLotSize(*p.LotSize, next.TotalQuantity); err != nil {
			return err
		}
		next.LotSize = *p.LotSize
	}
	if p.BasePricePerKg != nil {
		if err := checkBasePrice(*p.BasePricePerKg); err != nil {
			return err
		}
		next.BasePricePerKg = *p.BasePricePerKg
	}
	if p.AuctionEndsAt != nil {
		endsAt, err := ParseAuctionEnd(*p.AuctionEndsAt)
		if err != nil {
			return err
		}
		if !endsAt.After(now) {
			return apperr.Validation("auction_ends_at must be in the future")
		}
		next.AuctionEndsAt = endsAt
	}
	if p.HarvestDate != nil {
		next.HarvestDate = *p.HarvestDate
	}
	if p.Location != nil {
		next.Location = *p.Location
	}
	if p.Description != nil {
		next.Description = *p.Description
	}

	next.UpdatedAt = now.UTC()
	*l = next
	return nil
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.CropName == nil && p.Variety == nil && p.LotSize == nil &&
		p.BasePricePerKg == nil && p.HarvestDate == nil && p.AuctionEndsAt == nil &&
		p.Location == nil && p.Description == nil &&
		p.OwnerID == nil && p.Status == nil && p.TotalQuantity == nil && p.AvailableQuantity == nil
}

func checkLotSize(lot, total int64) error {
	if lot <= 0 {
		return apperr.Validation("lot_size must be a positive number of kg")
	}
	if lot > total {
		return apperr.Validation("lot_size %d kg exceeds total_quantity %d kg", lot, total)
	}
	return nil
}

func checkBasePrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return apperr.Validation("base_price_per_kg must be positive")
	}
	if !model.FitsMoneyScale(p) {
		return apperr.Validation("base_price_per_kg may have at most %d decimal places", model.MoneyScale)
	}
	if !p.LessThan(model.MaxPricePerKg) {
		return apperr.Validation("base_price_per_kg must be below %s", model.MaxPricePerKg)
	}
	return nil
}
