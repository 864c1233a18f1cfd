package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Repository owns per-user cashback balances and their transaction log.
//
// Apply must commit the balance mutation and the log entry atomically, and
// must serialize concurrent mutations on the same user: a debit that would
// take the balance below zero fails with ErrInsufficientBalance, checked
// against the balance at commit time.
type Repository interface {
	Apply(ctx context.Context, tx *Transaction) (decimal.Decimal, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Transactions(ctx context.Context, userID string) ([]*Transaction, error)
}
