package paymentgw

import (
	"context"
	"fmt"
	"sync"

	dompayment "github.com/gamekeys/backend/internal/domain/payment"
	"github.com/shopspring/decimal"
)

// Simulator is an in-process Gateway for local runs and tests. Sessions start
// pending; MarkSucceeded and MarkFailed stand in for the customer completing
// or abandoning the charge.
type Simulator struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]*dompayment.Verification
}

func NewSimulator() *Simulator {
	return &Simulator{sessions: make(map[string]*dompayment.Verification)}
}

func (s *Simulator) CreateSession(ctx context.Context, amount decimal.Decimal, currency, orderID string) (*dompayment.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ref := fmt.Sprintf("sim_%06d", s.seq)
	s.sessions[ref] = &dompayment.Verification{
		Status:  dompayment.StatusPending,
		OrderID: orderID,
	}
	return &dompayment.Session{Ref: ref, ClientSecret: ref + "_secret"}, nil
}

func (s *Simulator) Verify(ctx context.Context, sessionRef string) (*dompayment.Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.sessions[sessionRef]
	if !ok {
		return nil, fmt.Errorf("paymentgw: unknown session %s", sessionRef)
	}
	cp := *v
	return &cp, nil
}

func (s *Simulator) MarkSucceeded(sessionRef string) {
	s.setStatus(sessionRef, dompayment.StatusSucceeded)
}

func (s *Simulator) MarkFailed(sessionRef string) {
	s.setStatus(sessionRef, dompayment.StatusFailed)
}

func (s *Simulator) setStatus(sessionRef string, status dompayment.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.sessions[sessionRef]; ok {
		v.Status = status
	}
}
