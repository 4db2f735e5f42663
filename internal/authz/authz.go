// Package authz models roles as a closed set of capabilities. Every ledger
// operation asks Require for the capability it needs instead of comparing
// role strings in place.
package authz

import (
	"github.com/agrobid/auction-ledger/internal/apperr"
	"github.com/agrobid/auction-ledger/internal/model"
)

// Capability names one permission a role may hold.
type Capability string

const (
	CreateListing  Capability = "create_listing"
	ManageListing  Capability = "manage_listing"
	PlaceBid       Capability = "place_bid"
	AcceptBid      Capability = "accept_bid"
	PayTransaction Capability = "pay_transaction"
	ViewAdmin      Capability = "view_admin"
)

var grants = map[model.Role]map[Capability]bool{
	model.RoleFarmer: {
		CreateListing: true,
		ManageListing: true,
		AcceptBid:     true,
	},
	model.RoleBuyer: {
		PlaceBid:       true,
		PayTransaction: true,
	},
	model.RoleAdmin: {
		ViewAdmin: true,
	},
}

var denials = map[Capability]string{
	CreateListing:  "only farmers can create listings",
	ManageListing:  "only farmers can manage listings",
	PlaceBid:       "only buyers can place bids",
	AcceptBid:      "only farmers can accept bids",
	PayTransaction: "only buyers can pay for transactions",
	ViewAdmin:      "admin access required",
}

// Can reports whether role holds capability c.
func Can(role model.Role, c Capability) bool {
	return grants[role][c]
}

// Require returns an AuthorizationError unless role holds c.
func Require(role model.Role, c Capability) error {
	if Can(role, c) {
		return nil
	}
	msg, ok := denials[c]
	if !ok {
		msg = "operation not permitted"
	}
	return apperr.Authorization("%s", msg)
}

// RequireOwner returns an AuthorizationError unless callerID owns the
// resource. what names the resource in the message.
func RequireOwner(callerID, ownerID, what string) error {
	if callerID != "" && callerID == ownerID {
		return nil
	}
	return apperr.Authorization("only the owner of this %s can do that", what)
}
