package auction

import (
	"context"
	"log/slog"

	"github.com/agrobid/auction-ledger/internal/model"
)

// names resolves display names for ids. Lookup failures are logged and give
// an empty map; views are served without names rather than failing.
func (s *Service) names(ctx context.Context, ids []string) map[string]string {
	seen := make(map[string]bool, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	pctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	out, err := s.profiles.Names(pctx, uniq)
	if err != nil {
		slog.Warn("profile name lookup failed", "users", len(uniq), "err", err)
		return map[string]string{}
	}
	return out
}

func (s *Service) listingViews(ctx context.Context, ls []model.Listing) []model.ListingView {
	ids := make([]string, len(ls))
	for i, l := range ls {
		ids[i] = l.OwnerID
	}
	names := s.names(ctx, ids)

	out := make([]model.ListingView, len(ls))
	for i, l := range ls {
		out[i] = model.ListingView{Listing: l, FarmerName: names[l.OwnerID]}
	}
	return out
}

func (s *Service) bidViews(ctx context.Context, bids []model.Bid) []model.BidView {
	ids := make([]string, len(bids))
	for i, b := range bids {
		ids[i] = b.BuyerID
	}
	names := s.names(ctx, ids)

	out := make([]model.BidView, len(bids))
	for i, b := range bids {
		out[i] = model.BidView{Bid: b, BuyerName: names[b.BuyerID]}
	}
	return out
}

// transactionViews attaches crop and party names. Each distinct listing is
// read once; a listing that cannot be read leaves its crop fields empty.
func (s *Service) transactionViews(ctx context.Context, txs []model.Transaction) []model.TransactionView {
	ids := make([]string, 0, 2*len(txs))
	crops := make(map[string]*model.Listing)
	for _, t := range txs {
		ids = append(ids, t.BuyerID, t.FarmerID)
		crops[t.ListingID] = nil
	}
	names := s.names(ctx, ids)

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	for id := range crops {
		l, err := s.store.GetListing(sctx, id)
		if err != nil {
			slog.Warn("listing lookup for transaction view failed", "listing_id", id, "err", err)
			continue
		}
		crops[id] = l
	}

	out := make([]model.TransactionView, len(txs))
	for i, t := range txs {
		v := model.TransactionView{
			Transaction: t,
			FarmerName:  names[t.FarmerID],
			BuyerName:   names[t.BuyerID],
		}
		if l := crops[t.ListingID]; l != nil {
			v.CropName = l.CropName
			v.Variety = l.Variety
		}
		out[i] = v
	}
	return out
}
