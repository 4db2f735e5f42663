package auction

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/agrobid/auction-ledger/internal/apperr"
	"github.com/agrobid/auction-ledger/internal/authz"
	"github.com/agrobid/auction-ledger/internal/identity"
	"github.com/agrobid/auction-ledger/internal/model"
	"github.com/agrobid/auction-ledger/internal/profile"
)

// Me is the caller's identity together with their profile, if any.
type Me struct {
	User    identity.Identity `json:"user"`
	Profile *model.Profile    `json:"profile"`
}

// Me returns the caller's identity and profile. A caller without a profile
// gets a nil Profile rather than an error so clients can prompt onboarding.
func (s *Service) Me(ctx context.Context, id *identity.Identity) (*Me, error) {
	if id == nil || id.Subject == "" {
		return nil, apperr.Authentication("sign in required")
	}
	pctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	p, err := s.profiles.Get(pctx, id.Subject)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		p = nil
	case err != nil:
		return nil, apperr.Unavailable("profile lookup", err)
	}
	return &Me{User: *id, Profile: p}, nil
}

// ProfileInput is the self-service part of a profile.
type ProfileInput struct {
	Role     model.Role `json:"role"`
	Name     string     `json:"name"`
	Phone    string     `json:"phone,omitempty"`
	Location string     `json:"location,omitempty"`
	UPIID    string     `json:"upi_id,omitempty"`
}

// UpsertProfile creates or updates the caller's profile. Callers may choose
// farmer or buyer once; admin is never self-assigned.
func (s *Service) UpsertProfile(ctx context.Context, callerID string, in ProfileInput) (*model.Profile, error) {
	if callerID == "" {
		return nil, apperr.Authentication("sign in required")
	}
	in.Role = model.Role(strings.ToLower(strings.TrimSpace(string(in.Role))))
	if in.Role != model.RoleFarmer && in.Role != model.RoleBuyer {
		return nil, apperr.Validation("role must be farmer or buyer")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}

	pctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	cur, err := s.profiles.Get(pctx, callerID)
	switch {
	case errors.Is(err, profile.ErrNotFound):
	case err != nil:
		return nil, apperr.Unavailable("profile lookup", err)
	case cur.Role != in.Role:
		return nil, apperr.InvalidState("role is already %s and cannot be changed", cur.Role)
	}

	p, err := s.profiles.Upsert(pctx, &model.Profile{
		UserID:    callerID,
		Role:      in.Role,
		Name:      name,
		Phone:     strings.TrimSpace(in.Phone),
		Location:  strings.TrimSpace(in.Location),
		UPIID:     strings.TrimSpace(in.UPIID),
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, apperr.Unavailable("profile update", err)
	}
	slog.Info("profile saved", "user", callerID, "role", p.Role)
	return p, nil
}

// --- Admin ---

// AdminStats aggregates user and ledger totals.
func (s *Service) AdminStats(ctx context.Context, callerID string) (*model.Stats, error) {
	if _, err := s.require(ctx, callerID, authz.ViewAdmin); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	ledger, err := s.store.Stats(sctx)
	if err != nil {
		return nil, s.storeErr("stats", err, "")
	}
	users, err := s.profiles.Counts(sctx)
	if err != nil {
		return nil, apperr.Unavailable("profile counts", err)
	}
	return &model.Stats{Users: users, Ledger: *ledger}, nil
}

// AdminListings returns listings of any owner; status defaults to ALL.
func (s *Service) AdminListings(ctx context.Context, callerID, status string) ([]model.ListingView, error) {
	if _, err := s.require(ctx, callerID, authz.ViewAdmin); err != nil {
		return nil, err
	}
	f, err := listingFilter(status, "")
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	out, err := s.store.ListListings(sctx, f)
	if err != nil {
		return nil, s.storeErr("list listings", err, "")
	}
	return s.listingViews(ctx, out), nil
}

// AdminTransactions returns every transaction, newest first.
func (s *Service) AdminTransactions(ctx context.Context, callerID string) ([]model.TransactionView, error) {
	if _, err := s.require(ctx, callerID, authz.ViewAdmin); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	out, err := s.store.ListTransactions(sctx)
	if err != nil {
		return nil, s.storeErr("list transactions", err, "")
	}
	return s.transactionViews(ctx, out), nil
}

// AdminProfiles returns every profile.
func (s *Service) AdminProfiles(ctx context.Context, callerID string) ([]model.Profile, error) {
	if _, err := s.require(ctx, callerID, authz.ViewAdmin); err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	out, err := s.profiles.List(pctx)
	if err != nil {
		return nil, apperr.Unavailable("list profiles", err)
	}
	return out, nil
}
