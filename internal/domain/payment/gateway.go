package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownMethod       = errors.New("payment: unknown payment method")
	ErrVerificationFailed  = errors.New("payment: verification failed")
	ErrCorrelationMismatch = errors.New("payment: session does not belong to this order")
	ErrNotSucceeded        = errors.New("payment: payment not completed")
	ErrInvalidSignature    = errors.New("payment: invalid webhook signature")
)

// Method is the customer-chosen payment method, dispatched through a Gateway
// per method rather than on raw strings.
type Method string

const (
	MethodStripe   Method = "STRIPE"
	MethodPayPal   Method = "PAYPAL"
	MethodCashback Method = "CASHBACK"
)

// ParseMethod is case-insensitive; providers and clients are sloppy about
// casing in practice.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToUpper(strings.TrimSpace(s))) {
	case MethodStripe:
		return MethodStripe, nil
	case MethodPayPal:
		return MethodPayPal, nil
	case MethodCashback:
		return MethodCashback, nil
	default:
		return "", ErrUnknownMethod
	}
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Session is an open payment intent at the external provider. ClientSecret
// is handed to the frontend to complete the charge.
type Session struct {
	Ref          string
	ClientSecret string
}

// Verification is the provider's answer for a session. OrderID is the
// correlation metadata embedded at session creation and must match the order
// being settled.
type Verification struct {
	Status  Status
	OrderID string
}

// Gateway abstracts one external payment processor. The core never sees
// provider SDK types.
type Gateway interface {
	CreateSession(ctx context.Context, amount decimal.Decimal, currency, orderID string) (*Session, error)
	Verify(ctx context.Context, sessionRef string) (*Verification, error)
}
