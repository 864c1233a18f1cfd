package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("ledger: amount must be greater than zero")
	ErrInsufficientBalance = errors.New("ledger: insufficient cashback balance")
)

type TxType string

const (
	TxCredit TxType = "CREDIT"
	TxDebit  TxType = "DEBIT"
)

// Transaction is an immutable audit record of a single balance mutation.
// Exactly one transaction exists per successful credit or debit; records are
// never updated or deleted.
type Transaction struct {
	ID          string
	UserID      string
	Amount      decimal.Decimal // always positive; direction is in Type
	Type        TxType
	Description string
	CreatedAt   time.Time
}

// NewTransaction validates the amount and stamps the record.
func NewTransaction(id, userID string, amount decimal.Decimal, txType TxType, description string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return &Transaction{
		ID:          id,
		UserID:      userID,
		Amount:      amount,
		Type:        txType,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
