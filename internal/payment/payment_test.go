package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrobid/auction-ledger/internal/model"
)

// fixedRand returns the same value on every call.
type fixedRand int

func (f fixedRand) Intn(int) (int, error) { return int(f), nil }

// brokenRand fails every read.
type brokenRand struct{}

func (brokenRand) Intn(int) (int, error) { return 0, errors.New("entropy unavailable") }

func TestSimulatedGateway_Outcome(t *testing.T) {
	req := ChargeRequest{TransactionID: "tx-1", Amount: decimal.RequireFromString("6750.00")}

	ok, err := NewSimulatedGateway(0.9, fixedRand(8999)).Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, ok.Status)
	assert.True(t, strings.HasPrefix(ok.PaymentID, "pay_"))
	assert.True(t, req.Amount.Equal(ok.Amount))

	declined, err := NewSimulatedGateway(0.9, fixedRand(9000)).Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, declined.Status)
}

func TestSimulatedGateway_Idempotent(t *testing.T) {
	g := NewSimulatedGateway(0.5, nil)
	req := ChargeRequest{TransactionID: "tx-1", Amount: decimal.NewFromInt(10)}

	first, err := g.Charge(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := g.Charge(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.PaymentID, again.PaymentID)
		assert.Equal(t, first.Status, again.Status)
	}
}

func TestSimulatedGateway_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSimulatedGateway(1, nil).Charge(ctx, ChargeRequest{TransactionID: "tx"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulatedGateway_RandomnessFailure(t *testing.T) {
	g := NewSimulatedGateway(1, brokenRand{})
	req := ChargeRequest{TransactionID: "tx-1", Amount: decimal.NewFromInt(10)}

	r, err := g.Charge(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, r)
	assert.Contains(t, err.Error(), "entropy unavailable")

	// Nothing is remembered, so a retry with working randomness charges.
	g.rnd = fixedRand(0)
	r, err = g.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, r.Status)
}

func TestSimulatedGateway_ForgetsOldestKeys(t *testing.T) {
	g := NewSimulatedGateway(1, fixedRand(0))
	g.limit = 3
	ctx := context.Background()

	first := map[string]string{}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("tx-%d", i)
		r, err := g.Charge(ctx, ChargeRequest{TransactionID: id})
		require.NoError(t, err)
		first[id] = r.PaymentID
	}
	assert.Len(t, g.seen, 3)
	assert.Equal(t, []string{"tx-2", "tx-3", "tx-4"}, g.order)

	kept, err := g.Charge(ctx, ChargeRequest{TransactionID: "tx-4"})
	require.NoError(t, err)
	assert.Equal(t, first["tx-4"], kept.PaymentID)

	forgotten, err := g.Charge(ctx, ChargeRequest{TransactionID: "tx-0"})
	require.NoError(t, err)
	assert.NotEqual(t, first["tx-0"], forgotten.PaymentID)
	assert.Len(t, g.seen, 3)
}
