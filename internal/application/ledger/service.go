package ledger

import (
	"context"
	"fmt"

	domain "github.com/gamekeys/backend/internal/domain/ledger"
	"github.com/gamekeys/backend/internal/observability"
	"github.com/gamekeys/backend/internal/observability/logctx"
	"github.com/shopspring/decimal"
)

type IDGenerator interface {
	NewID() string
}

// Service exposes the two cashback balance mutations. Atomicity of the
// balance update with its audit entry, and serialization of concurrent
// mutations per user, are the repository's contract.
type Service struct {
	repo  domain.Repository
	idGen IDGenerator
	log   observability.Logger
}

func NewService(repo domain.Repository, idGen IDGenerator, logger observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		repo:  repo,
		idGen: idGen,
		log:   logger.With(observability.F("component", "ledger_service")),
	}
}

// Credit increases the user's balance and appends a CREDIT audit entry.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, description string) (decimal.Decimal, error) {
	tx, err := domain.NewTransaction(s.idGen.NewID(), userID, amount, domain.TxCredit, description)
	if err != nil {
		return decimal.Zero, err
	}

	balance, err := s.repo.Apply(ctx, tx)
	if err != nil {
		return balance, fmt.Errorf("ledger: credit: %w", err)
	}

	logctx.FromOr(ctx, s.log).Info("cashback_credited",
		observability.F("user_id", userID),
		observability.F("amount", amount.String()),
		observability.F("balance", balance.String()),
	)
	return balance, nil
}

// Debit decreases the user's balance and appends a DEBIT audit entry. The
// balance check happens at commit time inside the repository; a stale
// reservation cannot push the balance below zero.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, description string) (decimal.Decimal, error) {
	tx, err := domain.NewTransaction(s.idGen.NewID(), userID, amount, domain.TxDebit, description)
	if err != nil {
		return decimal.Zero, err
	}

	balance, err := s.repo.Apply(ctx, tx)
	if err != nil {
		return balance, fmt.Errorf("ledger: debit: %w", err)
	}

	logctx.FromOr(ctx, s.log).Info("cashback_debited",
		observability.F("user_id", userID),
		observability.F("amount", amount.String()),
		observability.F("balance", balance.String()),
	)
	return balance, nil
}

func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.repo.Balance(ctx, userID)
}

// Statement returns the user's transaction history, newest entries last.
func (s *Service) Statement(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	return s.repo.Transactions(ctx, userID)
}
