package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	domain "github.com/gamekeys/backend/internal/domain/ledger"
	"github.com/shopspring/decimal"
)

// LedgerRepository backs the cashback ledger with two tables: a balance row
// per user and an append-only transaction log. Apply locks the balance row
// FOR UPDATE so concurrent mutations on one user serialize in the database.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Apply(ctx context.Context, tx *domain.Transaction) (decimal.Decimal, error) {
	if tx == nil || tx.UserID == "" {
		return decimal.Zero, fmt.Errorf("postgres: ledger: user id is required")
	}
	if !tx.Amount.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	var balance decimal.Decimal
	err := inTx(ctx, r.db, func(dbtx *sql.Tx) error {
		var raw string
		err := dbtx.QueryRowContext(ctx, `
			SELECT balance FROM cashback_accounts
			WHERE user_id = $1
			FOR UPDATE`, tx.UserID).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := dbtx.QueryRowContext(ctx, `
				INSERT INTO cashback_accounts (user_id, balance)
				VALUES ($1, 0)
				RETURNING balance`, tx.UserID).Scan(&raw); err != nil {
				return fmt.Errorf("postgres: ledger: create account: %w", err)
			}
		case err != nil:
			return fmt.Errorf("postgres: ledger: lock account: %w", err)
		}

		balance, err = decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("postgres: ledger: balance: %w", err)
		}

		switch tx.Type {
		case domain.TxCredit:
			balance = balance.Add(tx.Amount)
		case domain.TxDebit:
			if tx.Amount.GreaterThan(balance) {
				return domain.ErrInsufficientBalance
			}
			balance = balance.Sub(tx.Amount)
		default:
			return fmt.Errorf("postgres: ledger: unknown transaction type %q", tx.Type)
		}

		if _, err := dbtx.ExecContext(ctx, `
			UPDATE cashback_accounts SET balance = $2 WHERE user_id = $1`,
			tx.UserID, balance.StringFixed(2),
		); err != nil {
			return fmt.Errorf("postgres: ledger: update balance: %w", err)
		}

		if _, err := dbtx.ExecContext(ctx, `
			INSERT INTO cashback_transactions (id, user_id, amount, type, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			tx.ID, tx.UserID, tx.Amount.StringFixed(2), tx.Type, tx.Description, tx.CreatedAt,
		); err != nil {
			return fmt.Errorf("postgres: ledger: log transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (r *LedgerRepository) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `
		SELECT balance FROM cashback_accounts WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: ledger: balance: %w", err)
	}
	return decimal.NewFromString(raw)
}

func (r *LedgerRepository) Transactions(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, amount, type, description, created_at
		FROM cashback_transactions
		WHERE user_id = $1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: ledger: transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var (
			tx     domain.Transaction
			amount string
			txType string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &amount, &txType, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: ledger: scan transaction: %w", err)
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: ledger: amount: %w", err)
		}
		tx.Type = domain.TxType(txType)
		out = append(out, &tx)
	}
	return out, rows.Err()
}
