package order

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPaymentProcessing Status = "PAYMENT_PROCESSING"
	StatusPaid              Status = "PAID"
	StatusFulfilled         Status = "FULFILLED"
	StatusFailed            Status = "FAILED"
	StatusRefunded          Status = "REFUNDED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusRefunded
}

// transitions is the full forward edge set of the order lifecycle. Anything
// not listed here is illegal; there are no backward edges.
var transitions = map[Status][]Status{
	StatusPending:           {StatusPaymentProcessing, StatusPaid, StatusFailed},
	StatusPaymentProcessing: {StatusPaid, StatusFailed},
	StatusPaid:              {StatusFulfilled, StatusRefunded},
	StatusFulfilled:         {StatusRefunded},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MarkPaymentProcessing records that a payment session was opened with the
// external provider and stores its reference for later verification.
func (o *Order) MarkPaymentProcessing(method, sessionRef string) error {
	if !canTransition(o.Status, StatusPaymentProcessing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusPaymentProcessing)
	}
	o.Status = StatusPaymentProcessing
	o.PaymentMethod = method
	o.ProviderSessionRef = sessionRef
	return nil
}

// MarkPaid transitions the order to PAID and records the payment timestamp.
// Calling it on an order that is already PAID or FULFILLED is a no-op: the
// original timestamp is preserved so duplicate confirmations cannot rewrite
// the payment record.
func (o *Order) MarkPaid() error {
	if o.IsPaid() {
		return nil
	}
	if !canTransition(o.Status, StatusPaid) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusPaid)
	}
	o.Status = StatusPaid
	o.PaidAt = time.Now().UTC()
	return nil
}

// MarkFulfilled is valid only from PAID.
func (o *Order) MarkFulfilled() error {
	if !canTransition(o.Status, StatusFulfilled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusFulfilled)
	}
	o.Status = StatusFulfilled
	o.FulfilledAt = time.Now().UTC()
	return nil
}

// MarkFailed diverts an unpaid order to FAILED.
func (o *Order) MarkFailed() error {
	if o.Status == StatusFailed {
		return nil
	}
	if !canTransition(o.Status, StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusFailed)
	}
	o.Status = StatusFailed
	return nil
}

// MarkRefunded records a refund on a paid or fulfilled order. Refund
// mechanics (reversing the charge, reclaiming keys) live outside this core;
// only the terminal state is modeled.
func (o *Order) MarkRefunded() error {
	if !canTransition(o.Status, StatusRefunded) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusRefunded)
	}
	o.Status = StatusRefunded
	return nil
}
