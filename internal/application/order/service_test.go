package order

import (
	"context"
	"testing"

	appfulfillment "github.com/gamekeys/backend/internal/application/fulfillment"
	appinventory "github.com/gamekeys/backend/internal/application/inventory"
	appledger "github.com/gamekeys/backend/internal/application/ledger"
	apppayment "github.com/gamekeys/backend/internal/application/payment"
	domcatalog "github.com/gamekeys/backend/internal/domain/catalog"
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
	orders   *memory.OrderRepository
	products *memory.ProductRepository
	keys     *memory.KeyRepository
	ledger   *appledger.Service
	gateway  *paymentgw.Simulator
	payments *apppayment.Service
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orders := memory.NewOrderRepository()
	products := memory.NewProductRepository()
	keys := memory.NewKeyRepository()
	ledgerSvc := appledger.NewService(memory.NewLedgerRepository(), uuidGen{}, nil)
	inventorySvc := appinventory.NewService(products, keys, supplier.NewSimulator(), uuidGen{}, nil)
	orch := appfulfillment.NewOrchestrator(orders, inventorySvc, ledgerSvc, nil, nil)

	gateway := paymentgw.NewSimulator()
	gateways := map[dompayment.Method]dompayment.Gateway{
		dompayment.MethodStripe: gateway,
		dompayment.MethodPayPal: gateway,
	}
	payments := apppayment.NewService(orders, gateways, ledgerSvc, orch, nil, nil)

	return &fixture{
		orders:   orders,
		products: products,
		keys:     keys,
		ledger:   ledgerSvc,
		gateway:  gateway,
		payments: payments,
		svc:      NewService(orders, products, inventorySvc, ledgerSvc, payments, gateways, uuidGen{}, nil),
	}
}

func (f *fixture) seedProduct(t *testing.T, id string, price int64, stock int) {
	t.Helper()
	err := f.products.Upsert(context.Background(), &domcatalog.Product{
		ID: id, Name: id, Price: decimal.NewFromInt(price), Active: true,
	})
	require.NoError(t, err)
	for i := 0; i < stock; i++ {
		require.NoError(t, f.keys.Add(context.Background(), &domcatalog.DigitalKey{
			ID:        uuid.NewString(),
			ProductID: id,
			KeyCode:   uuid.NewString(),
		}))
	}
}

func TestCreateOrder_OpensProviderSession(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 5)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, CreateOrderInput{
		UserID:        "u1",
		Email:         "u1@example.com",
		PaymentMethod: "stripe",
		Items:         []ItemInput{{ProductID: "p1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPaymentProcessing, res.Status)
	assert.True(t, res.Total.Equal(decimal.NewFromInt(60)), "total %s", res.Total)
	assert.NotEmpty(t, res.ProviderSessionRef)
	assert.NotEmpty(t, res.ClientSecret)

	stored, err := f.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, res.ProviderSessionRef, stored.ProviderSessionRef)
	assert.Equal(t, "STRIPE", stored.PaymentMethod)
}

func TestCreateOrder_SnapshotsSalePrice(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.products.Upsert(context.Background(), &domcatalog.Product{
		ID: "p1", Name: "p1",
		Price:     decimal.NewFromInt(50),
		SalePrice: decimal.NewFromInt(40),
		Active:    true,
	}))
	require.NoError(t, f.keys.Add(context.Background(), &domcatalog.DigitalKey{
		ID: "k1", ProductID: "p1", KeyCode: "C1",
	}))

	res, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID:        "u1",
		Email:         "u1@example.com",
		PaymentMethod: "STRIPE",
		Items:         []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.True(t, res.Subtotal.Equal(decimal.NewFromInt(40)), "subtotal %s", res.Subtotal)
}

func TestCreateOrder_ReservationClampedToBalance(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 5)
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "u1", decimal.NewFromInt(10), "seed")
	require.NoError(t, err)

	res, err := f.svc.CreateOrder(ctx, CreateOrderInput{
		UserID:        "u1",
		Email:         "u1@example.com",
		PaymentMethod: "STRIPE",
		UseCashback:   true,
		Items:         []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.True(t, res.CashbackUsed.Equal(decimal.NewFromInt(10)), "used %s", res.CashbackUsed)
	assert.True(t, res.Total.Equal(decimal.NewFromInt(20)), "total %s", res.Total)

	// Reservation is not a debit; the balance is untouched until settlement.
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))
}

func TestCreateOrder_ReservationClampedToSubtotal(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 5)
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "u1", decimal.NewFromInt(100), "seed")
	require.NoError(t, err)

	res, err := f.svc.CreateOrder(ctx, CreateOrderInput{
		UserID:        "u1",
		Email:         "u1@example.com",
		PaymentMethod: "CASHBACK",
		Items:         []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.True(t, res.CashbackUsed.Equal(decimal.NewFromInt(30)), "used %s", res.CashbackUsed)
	assert.True(t, res.Total.IsZero())
	// Fully covered orders settle and fulfill inline.
	assert.Equal(t, domorder.StatusFulfilled, res.Status)
}

func TestCreateOrder_CashbackMethodRequiresFullCoverage(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 5)
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "u1", decimal.NewFromInt(10), "seed")
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{
		UserID:        "u1",
		Email:         "u1@example.com",
		PaymentMethod: "CASHBACK",
		Items:         []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrCashbackNotCovering)
}

func TestCreateOrder_GuestCannotUseCashback(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 5)

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		Email:         "guest@example.com",
		PaymentMethod: "STRIPE",
		UseCashback:   true,
		Items:         []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrGuestCashback)
}

func TestCreateOrder_RejectsInsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 1)

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID:        "u1",
		Email:         "u1@example.com",
		PaymentMethod: "STRIPE",
		Items:         []ItemInput{{ProductID: "p1", Quantity: 2}},
	})
	assert.ErrorIs(t, err, domcatalog.ErrInsufficientStock)
}

func TestCreateOrder_RejectsInactiveProduct(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.products.Upsert(context.Background(), &domcatalog.Product{
		ID: "p1", Name: "p1", Price: decimal.NewFromInt(30), Active: false,
	}))

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID:        "u1",
		Email:         "u1@example.com",
		PaymentMethod: "STRIPE",
		Items:         []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	assert.ErrorIs(t, err, domcatalog.ErrProductInactive)
}

func TestCreateOrder_RejectsUnknownMethod(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 5)

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID:        "u1",
		Email:         "u1@example.com",
		PaymentMethod: "bitcoin",
		Items:         []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	assert.ErrorIs(t, err, dompayment.ErrUnknownMethod)
}

func TestGet_Authorization(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 5)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, CreateOrderInput{
		UserID:        "u1",
		Email:         "u1@example.com",
		PaymentMethod: "STRIPE",
		Items:         []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, res.OrderID, Identity{UserID: "u1"})
	assert.NoError(t, err)

	_, err = f.svc.Get(ctx, res.OrderID, Identity{UserID: "u2"})
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.svc.Get(ctx, res.OrderID, Identity{Staff: true})
	assert.NoError(t, err)
}

func TestGet_GuestByEmailSeesKeysAfterFulfillment(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 5)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, CreateOrderInput{
		Email:         "guest@example.com",
		PaymentMethod: "STRIPE",
		Items:         []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)

	view, err := f.svc.Get(ctx, res.OrderID, Identity{Email: "guest@example.com"})
	require.NoError(t, err)
	assert.Empty(t, view.Keys, "no keys before fulfillment")

	f.gateway.MarkSucceeded(res.ProviderSessionRef)
	_, err = f.payments.Settle(ctx, res.OrderID, res.ProviderSessionRef)
	require.NoError(t, err)

	view, err = f.svc.Get(ctx, res.OrderID, Identity{Email: "guest@example.com"})
	require.NoError(t, err)
	assert.Len(t, view.Keys, 1)

	_, err = f.svc.Get(ctx, res.OrderID, Identity{Email: "wrong@example.com"})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestListByUser_NewestFirst(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 30, 5)
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, CreateOrderInput{
		UserID: "u1", Email: "u1@example.com", PaymentMethod: "STRIPE",
		Items: []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(ctx, CreateOrderInput{
		UserID: "u1", Email: "u1@example.com", PaymentMethod: "STRIPE",
		Items: []ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)

	orders, err := f.svc.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	ids := []string{orders[0].ID, orders[1].ID}
	assert.Contains(t, ids, first.OrderID)
	assert.Contains(t, ids, second.OrderID)
	assert.False(t, orders[0].CreatedAt.Before(orders[1].CreatedAt))

	_, err = f.svc.ListByUser(ctx, "")
	assert.ErrorIs(t, err, ErrNotOwner)
}
