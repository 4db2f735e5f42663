package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestListing_IsBiddable(t *testing.T) {
	end := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	open := Listing{Status: ListingOpen, AvailableQuantity: 10, AuctionEndsAt: end}

	assert.True(t, open.IsBiddable(end.Add(-time.Second)))
	assert.False(t, open.IsBiddable(end), "deadline is exclusive")

	sold := open
	sold.Status = ListingSold
	assert.False(t, sold.IsBiddable(end.Add(-time.Hour)))

	empty := open
	empty.AvailableQuantity = 0
	assert.False(t, empty.IsBiddable(end.Add(-time.Hour)))
}

func TestFitsMoneyScale(t *testing.T) {
	for s, want := range map[string]bool{
		"20":     true,
		"20.5":   true,
		"20.55":  true,
		"20.550": true,
		"20.555": false,
		"0.001":  false,
	} {
		assert.Equal(t, want, FitsMoneyScale(decimal.RequireFromString(s)), s)
	}
}

func TestUserCounts_Add(t *testing.T) {
	var c UserCounts
	c.Add(RoleFarmer, 2)
	c.Add(RoleBuyer, 3)
	c.Add(RoleAdmin, 1)
	assert.Equal(t, UserCounts{Total: 6, Farmers: 2, Buyers: 3, Admins: 1}, c)
}
