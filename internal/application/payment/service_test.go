package payment

import (
	"context"
	"testing"

	appfulfillment "github.com/gamekeys/backend/internal/application/fulfillment"
	appinventory "github.com/gamekeys/backend/internal/application/inventory"
	appledger "github.com/gamekeys/backend/internal/application/ledger"
	domcatalog "github.com/gamekeys/backend/internal/domain/catalog"
	domledger "github.com/gamekeys/backend/internal/domain/ledger"
	domorder "github.com/gamekeys/backend/internal/domain/order"
	dompayment "github.com/gamekeys/backend/internal/domain/payment"
	"github.com/gamekeys/backend/internal/infrastructure/memory"
	"github.com/gamekeys/backend/internal/infrastructure/paymentgw"
	"github.com/gamekeys/backend/internal/infrastructure/supplier"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uuidGen struct{}

func (uuidGen) NewID() string { return uuid.NewString() }

type fixture struct {
	orders  *memory.OrderRepository
	keys    *memory.KeyRepository
	ledger  *appledger.Service
	gateway *paymentgw.Simulator
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orders := memory.NewOrderRepository()
	products := memory.NewProductRepository()
	keys := memory.NewKeyRepository()
	ledgerSvc := appledger.NewService(memory.NewLedgerRepository(), uuidGen{}, nil)
	inventorySvc := appinventory.NewService(products, keys, supplier.NewSimulator(), uuidGen{}, nil)
	orch := appfulfillment.NewOrchestrator(orders, inventorySvc, ledgerSvc, nil, nil)

	require.NoError(t, products.Upsert(context.Background(), &domcatalog.Product{
		ID: "p1", Name: "Game", Price: decimal.NewFromInt(10), Active: true,
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, keys.Add(context.Background(), &domcatalog.DigitalKey{
			ID:        uuid.NewString(),
			ProductID: "p1",
			KeyCode:   uuid.NewString(),
		}))
	}

	gateway := paymentgw.NewSimulator()
	gateways := map[dompayment.Method]dompayment.Gateway{
		dompayment.MethodStripe: gateway,
	}
	return &fixture{
		orders:  orders,
		keys:    keys,
		ledger:  ledgerSvc,
		gateway: gateway,
		svc:     NewService(orders, gateways, ledgerSvc, orch, nil, nil),
	}
}

// openOrder creates a PAYMENT_PROCESSING order with a live simulator session.
func (f *fixture) openOrder(t *testing.T, orderID string, cashbackUsed decimal.Decimal) string {
	t.Helper()
	ctx := context.Background()

	o, err := domorder.New(orderID, "u1", "u1@example.com", "", []domorder.Item{
		{ProductID: "p1", UnitPrice: decimal.NewFromInt(10), Quantity: 2},
	}, cashbackUsed)
	require.NoError(t, err)
	o.ComputeCashbackEarned(domorder.DefaultCashbackRate)

	session, err := f.gateway.CreateSession(ctx, o.Total, "usd", o.ID)
	require.NoError(t, err)
	require.NoError(t, o.MarkPaymentProcessing(string(dompayment.MethodStripe), session.Ref))
	require.NoError(t, f.orders.Insert(ctx, o))
	return session.Ref
}

func TestSettle_HappyPathFulfills(t *testing.T) {
	f := newFixture(t)
	ref := f.openOrder(t, "o1", decimal.Zero)
	f.gateway.MarkSucceeded(ref)
	ctx := context.Background()

	res, err := f.svc.Settle(ctx, "o1", ref)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFulfilled, res.Status)
	assert.False(t, res.AlreadyPaid)

	stored, err := f.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFulfilled, stored.Status)
	assert.False(t, stored.PaidAt.IsZero())

	keys, err := f.keys.KeysByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSettle_DebitsReservedCashbackOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "u1", decimal.NewFromInt(5), "seed")
	require.NoError(t, err)

	ref := f.openOrder(t, "o1", decimal.NewFromInt(5))
	f.gateway.MarkSucceeded(ref)

	_, err = f.svc.Settle(ctx, "o1", ref)
	require.NoError(t, err)

	// Reservation spent, then 1.00 earned on the 20.00 subtotal.
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1)), "balance %s", balance)

	// A duplicate confirmation must not debit again.
	res, err := f.svc.Settle(ctx, "o1", ref)
	require.NoError(t, err)
	assert.True(t, res.AlreadyPaid)

	balance, err = f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1)), "balance %s", balance)
}

func TestSettle_ReservationShortfallStillSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Reservation was made against a balance that has since been spent.
	ref := f.openOrder(t, "o1", decimal.NewFromInt(5))
	f.gateway.MarkSucceeded(ref)

	res, err := f.svc.Settle(ctx, "o1", ref)
	require.NoError(t, err, "captured provider payment cannot fail on a stale reservation")
	assert.Equal(t, domorder.StatusFulfilled, res.Status)
}

func TestSettle_RejectsForeignSessionRef(t *testing.T) {
	f := newFixture(t)
	f.openOrder(t, "o1", decimal.Zero)
	refOther := f.openOrder(t, "o2", decimal.Zero)
	f.gateway.MarkSucceeded(refOther)
	ctx := context.Background()

	_, err := f.svc.Settle(ctx, "o1", refOther)
	assert.ErrorIs(t, err, ErrCorrelationMismatch)

	stored, err := f.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPaymentProcessing, stored.Status)
}

func TestSettle_RejectsPendingPayment(t *testing.T) {
	f := newFixture(t)
	ref := f.openOrder(t, "o1", decimal.Zero)
	ctx := context.Background()

	_, err := f.svc.Settle(ctx, "o1", ref)
	assert.ErrorIs(t, err, ErrNotSucceeded)

	stored, err := f.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPaymentProcessing, stored.Status)
}

func TestSettleCashback_CoversWholeOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "u1", decimal.NewFromInt(30), "seed")
	require.NoError(t, err)

	o, err := domorder.New("o1", "u1", "u1@example.com", "", []domorder.Item{
		{ProductID: "p1", UnitPrice: decimal.NewFromInt(10), Quantity: 2},
	}, decimal.NewFromInt(20))
	require.NoError(t, err)
	o.ComputeCashbackEarned(domorder.DefaultCashbackRate)
	require.NoError(t, f.orders.Insert(ctx, o))
	require.True(t, o.Total.IsZero())

	settled, err := f.svc.SettleCashback(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFulfilled, settled.Status)

	// 30 - 20 spent + 1.00 earned.
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(11)), "balance %s", balance)
}

func TestSettleCashback_InsufficientBalanceLeavesOrderPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := domorder.New("o1", "u1", "u1@example.com", "", []domorder.Item{
		{ProductID: "p1", UnitPrice: decimal.NewFromInt(10), Quantity: 2},
	}, decimal.NewFromInt(20))
	require.NoError(t, err)
	require.NoError(t, f.orders.Insert(ctx, o))

	_, err = f.svc.SettleCashback(ctx, "o1")
	assert.ErrorIs(t, err, domledger.ErrInsufficientBalance)

	stored, err := f.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPending, stored.Status)

	keys, err := f.keys.KeysByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFail_MarksOrderFailed(t *testing.T) {
	f := newFixture(t)
	f.openOrder(t, "o1", decimal.Zero)
	ctx := context.Background()

	require.NoError(t, f.svc.Fail(ctx, "o1", "card_declined"))

	stored, err := f.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFailed, stored.Status)
}

func TestFail_IgnoredAfterCapture(t *testing.T) {
	f := newFixture(t)
	ref := f.openOrder(t, "o1", decimal.Zero)
	f.gateway.MarkSucceeded(ref)
	ctx := context.Background()

	_, err := f.svc.Settle(ctx, "o1", ref)
	require.NoError(t, err)

	require.NoError(t, f.svc.Fail(ctx, "o1", "late webhook"))

	stored, err := f.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFulfilled, stored.Status, "late failure cannot unwind a captured payment")
}

func TestHandleProviderEvent_Dispatch(t *testing.T) {
	f := newFixture(t)
	ref := f.openOrder(t, "o1", decimal.Zero)
	f.gateway.MarkSucceeded(ref)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleProviderEvent(ctx, EventPaymentSucceeded, "o1", ref))

	stored, err := f.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFulfilled, stored.Status)

	err = f.svc.HandleProviderEvent(ctx, "payment.refund_created", "o1", ref)
	assert.ErrorIs(t, err, ErrUnknownProviderEvent)
}
