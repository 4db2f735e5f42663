package auction

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agrobid/auction-ledger/internal/apperr"
	"github.com/agrobid/auction-ledger/internal/bidding"
	"github.com/agrobid/auction-ledger/internal/identity"
	"github.com/agrobid/auction-ledger/internal/listing"
)

const maxBodyBytes = 1 << 20

// API exposes a Service over HTTP.
type API struct {
	svc      *Service
	verifier identity.Verifier
}

// NewAPI creates the HTTP layer for svc.
func NewAPI(svc *Service, verifier identity.Verifier) *API {
	return &API{svc: svc, verifier: verifier}
}

// Routes registers the ledger endpoints on r, typically the /api/v1
// subrouter. Endpoints that need a caller report AuthenticationError when
// no bearer token is sent.
func (a *API) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(a.Authenticate)

		r.Get("/me", a.handleMe)
		r.Put("/profile", a.handleUpsertProfile)

		// Listings.
		r.Get("/listings", a.handleListListings)
		r.Post("/listings", a.handleCreateListing)
		r.Get("/listings/{listingID}", a.handleGetListing)
		r.Patch("/listings/{listingID}", a.handleEditListing)
		r.Post("/listings/{listingID}/close", a.handleCloseListing)

		// Bids and settlement.
		r.Post("/listings/{listingID}/bids", a.handlePlaceBid)
		r.Post("/bids/{bidID}/accept", a.handleAcceptBid)

		// Transactions.
		r.Get("/transactions", a.handleListTransactions)
		r.Post("/transactions/{transactionID}/pay", a.handleRecordPayment)

		// Admin.
		r.Route("/admin", func(r chi.Router) {
			r.Get("/stats", a.handleAdminStats)
			r.Get("/listings", a.handleAdminListings)
			r.Get("/transactions", a.handleAdminTransactions)
			r.Get("/profiles", a.handleAdminProfiles)
		})
	})
}

// Authenticate attaches the caller identity when a bearer token is present.
// An invalid token is rejected outright; a missing one passes through
// anonymously.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := identity.BearerToken(header)
		if !ok {
			writeError(w, apperr.Authentication("authorization header must be a bearer token"))
			return
		}
		id, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, apperr.Authentication("invalid or expired token, sign in again"))
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

func callerID(r *http.Request) string {
	if id, ok := identity.FromContext(r.Context()); ok {
		return id.Subject
	}
	return ""
}

// --- Account ---

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	me, err := a.svc.Me(r.Context(), id)
	respond(w, http.StatusOK, me, err)
}

func (a *API) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var in ProfileInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	p, err := a.svc.UpsertProfile(r.Context(), callerID(r), in)
	respond(w, http.StatusOK, p, err)
}

// --- Listings ---

// handleListListings handles GET /listings?status=&own=
func (a *API) handleListListings(w http.ResponseWriter, r *http.Request) {
	q := ListingQuery{Status: r.URL.Query().Get("status")}
	if own := r.URL.Query().Get("own"); own != "" {
		v, err := strconv.ParseBool(own)
		if err != nil {
			writeError(w, apperr.Validation("own must be true or false"))
			return
		}
		q.Own = v
	}
	out, err := a.svc.ListListings(r.Context(), callerID(r), q)
	respond(w, http.StatusOK, out, err)
}

func (a *API) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var d listing.Draft
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, err)
		return
	}
	l, err := a.svc.CreateListing(r.Context(), callerID(r), d)
	respond(w, http.StatusCreated, l, err)
}

func (a *API) handleGetListing(w http.ResponseWriter, r *http.Request) {
	detail, err := a.svc.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	respond(w, http.StatusOK, detail, err)
}

func (a *API) handleEditListing(w http.ResponseWriter, r *http.Request) {
	var p listing.Patch
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, err)
		return
	}
	l, err := a.svc.EditListing(r.Context(), callerID(r), chi.URLParam(r, "listingID"), p)
	respond(w, http.StatusOK, l, err)
}

func (a *API) handleCloseListing(w http.ResponseWriter, r *http.Request) {
	l, err := a.svc.CloseListing(r.Context(), callerID(r), chi.URLParam(r, "listingID"))
	respond(w, http.StatusOK, l, err)
}

// --- Bids ---

func (a *API) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var offer bidding.Offer
	if err := decodeJSON(r, &offer); err != nil {
		writeError(w, err)
		return
	}
	bid, err := a.svc.PlaceBid(r.Context(), callerID(r), chi.URLParam(r, "listingID"), offer)
	respond(w, http.StatusCreated, bid, err)
}

func (a *API) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	tx, err := a.svc.AcceptBid(r.Context(), callerID(r), chi.URLParam(r, "bidID"))
	respond(w, http.StatusCreated, tx, err)
}

// --- Transactions ---

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListTransactions(r.Context(), callerID(r))
	respond(w, http.StatusOK, out, err)
}

func (a *API) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.RecordPayment(r.Context(), callerID(r), chi.URLParam(r, "transactionID"))
	respond(w, http.StatusOK, out, err)
}

// --- Admin ---

func (a *API) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.AdminStats(r.Context(), callerID(r))
	respond(w, http.StatusOK, st, err)
}

func (a *API) handleAdminListings(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.AdminListings(r.Context(), callerID(r), r.URL.Query().Get("status"))
	respond(w, http.StatusOK, out, err)
}

func (a *API) handleAdminTransactions(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.AdminTransactions(r.Context(), callerID(r))
	respond(w, http.StatusOK, out, err)
}

func (a *API) handleAdminProfiles(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.AdminProfiles(r.Context(), callerID(r))
	respond(w, http.StatusOK, out, err)
}

// --- Encoding ---

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return apperr.Validation("request body is required")
	default:
		return apperr.Validation("invalid request body: %v", err)
	}
}

func respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response: {"error": message, "kind": kind}.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("unhandled error", "err", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{
		"error": apperr.Message(err),
		"kind":  apperr.Kind(err),
	})
}
