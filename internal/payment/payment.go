// Package payment abstracts the payment gateway used to settle
// transactions. A declined charge is a normal outcome reported in the
// Receipt; an error means the gateway could not be reached and the charge
// may be retried with the same idempotency key.
package payment

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrobid/auction-ledger/internal/model"
)

// ChargeRequest asks the gateway to collect Amount for a transaction.
// TransactionID doubles as the idempotency key.
type ChargeRequest struct {
	TransactionID string
	Amount        decimal.Decimal
}

// Receipt is the gateway's answer, stored verbatim on the transaction.
type Receipt struct {
	PaymentID string              `json:"payment_id"`
	Status    model.PaymentStatus `json:"status"`
	Amount    decimal.Decimal     `json:"amount"`
	Timestamp time.Time           `json:"timestamp"`
}

// Gateway charges buyers.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*Receipt, error)
}

// RandSource provides random numbers for the simulated outcome.
type RandSource interface {
	// Intn returns a random integer in [0, n). Panics if n <= 0.
	Intn(n int) (int, error)
}

type cryptoRandSource struct{}

func (cryptoRandSource) Intn(n int) (int, error) {
	if n <= 0 {
		panic(fmt.Sprintf("cryptoRandSource.Intn: n must be positive, got %d", n))
	}
	nBig, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(nBig.Int64()), nil
}

// ReceiptCacheSize is how many idempotency keys a SimulatedGateway
// remembers. Older keys are forgotten first.
const ReceiptCacheSize = 10_000

// SimulatedGateway approves a fixed share of charges at random. Repeated
// charges with the same idempotency key return the first receipt.
type SimulatedGateway struct {
	successRate float64
	rnd         RandSource
	now         func() time.Time

	mu    sync.Mutex
	seen  map[string]*Receipt
	order []string // keys of seen, oldest first
	limit int
}

// NewSimulatedGateway returns a gateway approving successRate (0..1) of
// charges. A nil rnd uses crypto/rand.
func NewSimulatedGateway(successRate float64, rnd RandSource) *SimulatedGateway {
	if rnd == nil {
		rnd = cryptoRandSource{}
	}
	return &SimulatedGateway{
		successRate: successRate,
		rnd:         rnd,
		now:         time.Now,
		seen:        make(map[string]*Receipt),
		limit:       ReceiptCacheSize,
	}
}

const rateScale = 10_000

func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.seen[req.TransactionID]; ok {
		cp := *r
		return &cp, nil
	}

	roll, err := g.rnd.Intn(rateScale)
	if err != nil {
		return nil, fmt.Errorf("simulated gateway: %w", err)
	}
	status := model.PaymentFailed
	if roll < int(g.successRate*rateScale) {
		status = model.PaymentSuccess
	}
	r := &Receipt{
		PaymentID: "pay_" + uuid.NewString(),
		Status:    status,
		Amount:    req.Amount,
		Timestamp: g.now().UTC(),
	}
	g.remember(req.TransactionID, r)
	cp := *r
	return &cp, nil
}

// remember stores r under id and evicts the oldest keys past the limit.
// Caller holds g.mu.
func (g *SimulatedGateway) remember(id string, r *Receipt) {
	g.seen[id] = r
	g.order = append(g.order, id)
	for len(g.order) > g.limit {
		delete(g.seen, g.order[0])
		g.order = g.order[1:]
	}
}
