package order

import (
	"context"

	domcatalog "github.com/gamekeys/backend/internal/domain/catalog"
	domorder "github.com/gamekeys/backend/internal/domain/order"
	"github.com/shopspring/decimal"
)

type IDGenerator interface {
	NewID() string
}

// InventoryPort answers stock questions and returns the keys delivered to an
// order. Allocation itself belongs to the fulfillment orchestrator.
type InventoryPort interface {
	AvailableCount(ctx context.Context, productID string) (int, error)
	KeysByOrder(ctx context.Context, orderID string) ([]domcatalog.DigitalKey, error)
}

// BalancePort reads the customer's cashback balance for the checkout
// reservation. The actual debit happens at settlement.
type BalancePort interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// SettlementPort settles a zero-total order against the cashback ledger
// without an external provider session.
type SettlementPort interface {
	SettleCashback(ctx context.Context, orderID string) (*domorder.Order, error)
}
