package ledger

import (
	"context"
	"sync"
	"testing"

	domain "github.com/gamekeys/backend/internal/domain/ledger"
	"github.com/gamekeys/backend/internal/infrastructure/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uuidGen struct{}

func (uuidGen) NewID() string { return uuid.NewString() }

func newTestService() *Service {
	return NewService(memory.NewLedgerRepository(), uuidGen{}, nil)
}

func TestCredit_IncreasesBalanceAndLogs(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	balance, err := svc.Credit(ctx, "u1", decimal.NewFromFloat(2.50), "cashback earned on order o1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromFloat(2.50)))

	txs, err := svc.Statement(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxCredit, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromFloat(2.50)))
	assert.Equal(t, "cashback earned on order o1", txs[0].Description)
}

func TestDebit_RequiresSufficientBalance(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", decimal.NewFromInt(10), "seed")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "u1", decimal.NewFromInt(11), "too much")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// A failed debit leaves no audit entry and no balance change.
	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))

	txs, err := svc.Statement(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestDebit_ExactBalanceToZero(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", decimal.NewFromInt(10), "seed")
	require.NoError(t, err)

	balance, err := svc.Debit(ctx, "u1", decimal.NewFromInt(10), "spend all")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestMutations_RejectNonPositiveAmounts(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", decimal.Zero, "zero")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Debit(ctx, "u1", decimal.NewFromInt(-5), "negative")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestConcurrentCredits_AllApply(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Credit(ctx, "u1", decimal.NewFromInt(1), "concurrent")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(workers)), "balance %s", balance)

	txs, err := svc.Statement(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, workers)
}
