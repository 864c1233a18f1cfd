package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/gamekeys/backend/internal/domain/ledger"
	"github.com/gamekeys/backend/internal/pkg/synckey"
	"github.com/shopspring/decimal"
)

// LedgerRepository keeps cashback balances and their append-only transaction
// log. Mutations on the same user are serialized by a per-user lock; the
// balance update and the log append commit together under that lock.
type LedgerRepository struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	txs      map[string][]*domain.Transaction
	locks    *synckey.Mutex
}

func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		balances: make(map[string]decimal.Decimal),
		txs:      make(map[string][]*domain.Transaction),
		locks:    synckey.New(),
	}
}

func (r *LedgerRepository) Apply(ctx context.Context, tx *domain.Transaction) (decimal.Decimal, error) {
	_ = ctx
	if tx == nil || tx.UserID == "" {
		return decimal.Zero, fmt.Errorf("ledger repository: user id is required")
	}
	if !tx.Amount.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	unlock := r.locks.Lock(tx.UserID)
	defer unlock()

	r.mu.RLock()
	balance := r.balances[tx.UserID]
	r.mu.RUnlock()

	switch tx.Type {
	case domain.TxCredit:
		balance = balance.Add(tx.Amount)
	case domain.TxDebit:
		if tx.Amount.GreaterThan(balance) {
			return balance, domain.ErrInsufficientBalance
		}
		balance = balance.Sub(tx.Amount)
	default:
		return balance, fmt.Errorf("ledger repository: unknown transaction type %q", tx.Type)
	}

	cp := *tx
	r.mu.Lock()
	r.balances[tx.UserID] = balance
	r.txs[tx.UserID] = append(r.txs[tx.UserID], &cp)
	r.mu.Unlock()

	return balance, nil
}

func (r *LedgerRepository) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.balances[userID], nil
}

func (r *LedgerRepository) Transactions(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Transaction, 0, len(r.txs[userID]))
	for _, tx := range r.txs[userID] {
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}
