// Package events distributes ledger events to live subscribers once a
// write has committed. Delivery is best effort: a failed publish is logged
// and never affects the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Type names a ledger event.
type Type string

const (
	ListingCreated  Type = "listing_created"
	ListingUpdated  Type = "listing_updated"
	ListingClosed   Type = "listing_closed"
	BidPlaced       Type = "bid_placed"
	BidAccepted     Type = "bid_accepted"
	PaymentRecorded Type = "payment_recorded"
)

// Event is one committed change to the ledger.
type Event struct {
	Type          Type      `json:"type"`
	ListingID     string    `json:"listing_id"`
	BidID         string    `json:"bid_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ActorID       string    `json:"actor_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	PricePerKg    string    `json:"price_per_kg,omitempty"`
	Quantity      int64     `json:"quantity,omitempty"`
	Available     *int64    `json:"available_quantity,omitempty"`
	Rejected      []string  `json:"rejected_bid_ids,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block the caller for
// long and must not panic.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Fanout publishes to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		p.Publish(ctx, ev)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// natsConn is the subset of *nats.Conn used here.
type natsConn interface {
	Publish(subj string, data []byte) error
}

var _ natsConn = (*nats.Conn)(nil)

// NATSPublisher publishes each event on <prefix>.<type>.<listing_id>.
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// NewNATSPublisher returns a publisher on conn.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject ev is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, ev.Type, ev.ListingID)
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("marshal event", "type", ev.Type, "err", err)
		return
	}
	subject := p.Subject(ev)
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("nats publish failed", "subject", subject, "err", err)
	}
}
