package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"testing"

	appinventory "github.com/gamekeys/backend/internal/application/inventory"
	appledger "github.com/gamekeys/backend/internal/application/ledger"
	domcatalog "github.com/gamekeys/backend/internal/domain/catalog"
	domorder "github.com/gamekeys/backend/internal/domain/order"
	domoutbox "github.com/gamekeys/backend/internal/domain/outbox"
	"github.com/gamekeys/backend/internal/infrastructure/memory"
	"github.com/gamekeys/backend/internal/infrastructure/supplier"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uuidGen struct{}

func (uuidGen) NewID() string { return uuid.NewString() }

type capturePublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
}

func (p *capturePublisher) Publish(_ context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) named(name string) []domoutbox.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domoutbox.Event
	for _, e := range p.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	orders    *memory.OrderRepository
	keys      *memory.KeyRepository
	products  *memory.ProductRepository
	ledger    *appledger.Service
	publisher *capturePublisher
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orders := memory.NewOrderRepository()
	products := memory.NewProductRepository()
	keys := memory.NewKeyRepository()
	ledgerSvc := appledger.NewService(memory.NewLedgerRepository(), uuidGen{}, nil)
	inventorySvc := appinventory.NewService(products, keys, supplier.NewSimulator(), uuidGen{}, nil)
	publisher := &capturePublisher{}

	return &fixture{
		orders:    orders,
		keys:      keys,
		products:  products,
		ledger:    ledgerSvc,
		publisher: publisher,
		orch:      NewOrchestrator(orders, inventorySvc, ledgerSvc, publisher, nil),
	}
}

func (f *fixture) seedProduct(t *testing.T, productID string, stock int) {
	t.Helper()
	err := f.products.Upsert(context.Background(), &domcatalog.Product{
		ID: productID, Name: productID, Price: decimal.NewFromInt(10), Active: true,
	})
	require.NoError(t, err)
	for i := 0; i < stock; i++ {
		err := f.keys.Add(context.Background(), &domcatalog.DigitalKey{
			ID:        fmt.Sprintf("%s-key-%d", productID, i),
			ProductID: productID,
			KeyCode:   fmt.Sprintf("%s-CODE-%d", productID, i),
		})
		require.NoError(t, err)
	}
}

func (f *fixture) seedPaidOrder(t *testing.T, orderID string, quantity int) *domorder.Order {
	t.Helper()
	o, err := domorder.New(orderID, "u1", "u1@example.com", "", []domorder.Item{
		{ProductID: "p1", UnitPrice: decimal.NewFromInt(10), Quantity: quantity},
	}, decimal.Zero)
	require.NoError(t, err)
	o.ComputeCashbackEarned(domorder.DefaultCashbackRate)
	require.NoError(t, o.MarkPaid())
	require.NoError(t, f.orders.Insert(context.Background(), o))
	return o
}

func TestFulfill_DeliversKeysAndCreditsCashback(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 5)
	f.seedPaidOrder(t, "o1", 2)
	ctx := context.Background()

	res, err := f.orch.Fulfill(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFulfilled, res.Status)
	assert.Len(t, res.Keys, 2)
	assert.False(t, res.AlreadyFulfilled)

	stored, err := f.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFulfilled, stored.Status)

	// 5% of the 20.00 subtotal.
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1)), "balance %s", balance)

	assert.Len(t, f.publisher.named("order.fulfilled"), 1)
}

func TestFulfill_SecondCallIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 5)
	f.seedPaidOrder(t, "o1", 1)
	ctx := context.Background()

	_, err := f.orch.Fulfill(ctx, "o1")
	require.NoError(t, err)

	res, err := f.orch.Fulfill(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyFulfilled)
	assert.Empty(t, res.Keys)

	// Exactly one allocation and one credit despite the retry.
	keys, err := f.keys.KeysByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromFloat(0.50)), "balance %s", balance)

	assert.Len(t, f.publisher.named("order.fulfilled"), 1)
}

func TestFulfill_ConcurrentRequestsAllocateOnce(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 10)
	f.seedPaidOrder(t, "o1", 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Fulfill(ctx, "o1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	keys, err := f.keys.KeysByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromFloat(0.50)), "balance %s", balance)
}

func TestFulfill_RejectsUnpaidOrder(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 5)

	o, err := domorder.New("o1", "u1", "u1@example.com", "", []domorder.Item{
		{ProductID: "p1", UnitPrice: decimal.NewFromInt(10), Quantity: 1},
	}, decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, f.orders.Insert(context.Background(), o))

	_, err = f.orch.Fulfill(context.Background(), "o1")
	assert.ErrorIs(t, err, ErrNotPaid)
}

func TestFulfill_StockExhaustedLeavesOrderPaid(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 1)
	f.seedPaidOrder(t, "o1", 3)
	ctx := context.Background()

	_, err := f.orch.Fulfill(ctx, "o1")
	assert.ErrorIs(t, err, domcatalog.ErrInsufficientStock)

	stored, err := f.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPaid, stored.Status, "order awaits restock, not FAILED")

	// Nothing was allocated and no cashback was credited.
	keys, err := f.keys.KeysByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
	assert.Empty(t, f.publisher.named("order.fulfilled"))
}

func TestFulfill_GuestGetsNoCashback(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 5)

	o, err := domorder.New("o1", "", "guest@example.com", "", []domorder.Item{
		{ProductID: "p1", UnitPrice: decimal.NewFromInt(10), Quantity: 1},
	}, decimal.Zero)
	require.NoError(t, err)
	o.ComputeCashbackEarned(domorder.DefaultCashbackRate)
	require.NoError(t, o.MarkPaid())
	require.NoError(t, f.orders.Insert(context.Background(), o))

	res, err := f.orch.Fulfill(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFulfilled, res.Status)
}
