package listing

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrobid/auction-ledger/internal/apperr"
	"github.com/agrobid/auction-ledger/internal/model"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func validDraft() Draft {
	return Draft{
		CropName:       "Wheat",
		Variety:        "Sharbati",
		TotalQuantity:  1000,
		LotSize:        50,
		BasePricePerKg: d("20.00"),
		AuctionEndsAt:  now.Add(48 * time.Hour).Format(time.RFC3339),
		Location:       "Sehore",
	}
}

func TestParseAuctionEnd(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-03T09:00:00Z", time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)},
		{"2025-03-03T14:30:00+05:30", time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)},
		{"2025-03-03T09:00:00.000Z", time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)},
		{"2025-03-03T09:00", time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseAuctionEnd(tt.in)
		if err != nil {
			t.Fatalf("ParseAuctionEnd(%q): unexpected error: %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseAuctionEnd(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseAuctionEnd_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "tomorrow", "03/03/2025", "2025-13-01T00:00:00Z"} {
		if _, err := ParseAuctionEnd(in); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("ParseAuctionEnd(%q): expected validation error, got %v", in, err)
		}
	}
}

func TestDraftBuild_Valid(t *testing.T) {
	l, err := validDraft().Build("lst-1", "farmer-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.AvailableQuantity != 1000 || l.TotalQuantity != 1000 {
		t.Errorf("expected available=total=1000, got %d/%d", l.AvailableQuantity, l.TotalQuantity)
	}
	if l.Status != model.ListingOpen {
		t.Errorf("expected OPEN, got %s", l.Status)
	}
	if l.OwnerID != "farmer-1" || l.ID != "lst-1" {
		t.Errorf("unexpected identity: %+v", l)
	}
	if !l.AuctionEndsAt.Equal(now.Add(48 * time.Hour)) {
		t.Errorf("unexpected auction end %v", l.AuctionEndsAt)
	}
}

func TestDraftBuild_Invalid(t *testing.T) {
	tests := map[string]func(*Draft){
		"missing crop name":    func(d *Draft) { d.CropName = "  " },
		"zero quantity":        func(d *Draft) { d.TotalQuantity = 0 },
		"negative quantity":    func(d *Draft) { d.TotalQuantity = -5 },
		"zero lot size":        func(d *Draft) { d.LotSize = 0 },
		"lot exceeds total":    func(d *Draft) { d.LotSize = 1001 },
		"zero price":           func(d *Draft) { d.BasePricePerKg = decimal.Zero },
		"negative price":       func(d *Draft) { d.BasePricePerKg = decimal.NewFromInt(-1) },
		"sub-paisa price":      func(d *Draft) { d.BasePricePerKg = decimal.RequireFromString("20.005") },
		"auction end in past":  func(d *Draft) { d.AuctionEndsAt = now.Add(-time.Hour).Format(time.RFC3339) },
		"auction end now":      func(d *Draft) { d.AuctionEndsAt = now.Format(time.RFC3339) },
		"unparseable end time": func(d *Draft) { d.AuctionEndsAt = "next week" },
		"price at limit":       func(d *Draft) { d.BasePricePerKg = model.MaxPricePerKg },
		"price over limit":     func(d *Draft) { d.BasePricePerKg = decimal.RequireFromString("1000000000000.00") },
		"quantity over cap": func(d *Draft) {
			d.TotalQuantity = 9_000_000_000_000_000_000
			d.LotSize = 1
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			draft := validDraft()
			mutate(&draft)
			if _, err := draft.Build("lst-1", "farmer-1", now); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDraftBuild_Limits(t *testing.T) {
	draft := validDraft()
	draft.BasePricePerKg = d("999999999999.99")
	draft.TotalQuantity = model.MaxQuantityKg
	l, err := draft.Build("lst-1", "farmer-1", now)
	if err != nil {
		t.Fatalf("largest allowed listing rejected: %v", err)
	}
	full := l.BasePricePerKg.Mul(decimal.NewFromInt(l.TotalQuantity))
	if !full.LessThan(model.MaxTotalAmount) {
		t.Errorf("full-fill total %s does not fit below %s", full, model.MaxTotalAmount)
	}

	draft.TotalQuantity = model.MaxQuantityKg + 1
	if _, err := draft.Build("lst-1", "farmer-1", now); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error over the quantity cap, got %v", err)
	}
}

func TestPatchApply_PriceLimit(t *testing.T) {
	l, _ := validDraft().Build("lst-1", "farmer-1", now)
	over := d("1000000000000")
	if err := (Patch{BasePricePerKg: &over}).Apply(l, now); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if !l.BasePricePerKg.Equal(d("20.00")) {
		t.Errorf("listing changed on failed patch: %s", l.BasePricePerKg)
	}
}

func TestPatchApply(t *testing.T) {
	l, _ := validDraft().Build("lst-1", "farmer-1", now)

	var p Patch
	if err := json.Unmarshal([]byte(`{"base_price_per_kg":"22.50","lot_size":100,"description":"Grade A"}`), &p); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	later := now.Add(time.Hour)
	if err := p.Apply(l, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.BasePricePerKg.Equal(d("22.50")) || l.LotSize != 100 || l.Description != "Grade A" {
		t.Errorf("patch not applied: %+v", l)
	}
	if l.CropName != "Wheat" {
		t.Errorf("untouched field changed: %s", l.CropName)
	}
	if !l.UpdatedAt.Equal(later) {
		t.Errorf("expected updated_at bump, got %v", l.UpdatedAt)
	}
}

func TestPatchApply_RejectsProtectedFields(t *testing.T) {
	for _, body := range []string{
		`{"owner_id":"someone-else"}`,
		`{"status":"SOLD"}`,
		`{"total_quantity":5000}`,
		`{"available_quantity":5000}`,
	} {
		l, _ := validDraft().Build("lst-1", "farmer-1", now)
		before := *l

		var p Patch
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			t.Fatalf("decode %s: %v", body, err)
		}
		if err := p.Apply(l, now); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", body, err)
		}
		if *l != before {
			t.Errorf("%s: listing mutated on rejected patch", body)
		}
	}
}

func TestPatchApply_InvalidLeavesListingUntouched(t *testing.T) {
	l, _ := validDraft().Build("lst-1", "farmer-1", now)
	before := *l

	name := "Barley"
	lot := int64(5000)
	p := Patch{CropName: &name, LotSize: &lot}
	if err := p.Apply(l, now); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if *l != before {
		t.Error("listing mutated by partially valid patch")
	}
}

func TestPatchEmpty(t *testing.T) {
	if !(Patch{}).Empty() {
		t.Error("zero patch should be empty")
	}
	loc := "Indore"
	if (Patch{Location: &loc}).Empty() {
		t.Error("patch with location should not be empty")
	}
}
