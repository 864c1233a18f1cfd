package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("order: not found")
	ErrConflict          = errors.New("order: already exists")
	ErrNoItems           = errors.New("order: at least one item is required")
	ErrDuplicateItem     = errors.New("order: duplicate product in items")
	ErrInvalidQuantity   = errors.New("order: quantity must be greater than zero")
	ErrEmailRequired     = errors.New("order: email is required")
	ErrNotOwner          = errors.New("order: access denied")
	ErrInvalidTransition = errors.New("order: invalid status transition")
)

// DefaultCashbackRate is the fraction of the gross subtotal credited back to
// registered customers once their order is fulfilled.
var DefaultCashbackRate = decimal.NewFromFloat(0.05)

// Item is a line of an order. UnitPrice is snapshotted from the catalog at
// order time and never changes afterwards.
type Item struct {
	ProductID string
	UnitPrice decimal.Decimal
	Quantity  int
}

func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is the financial record of a purchase. Orders are never deleted;
// their status only moves forward (see status.go).
type Order struct {
	ID                 string
	UserID             string // empty for guest checkouts
	Email              string
	IsGuest            bool
	Status             Status
	PaymentMethod      string
	ProviderSessionRef string
	Subtotal           decimal.Decimal
	CashbackUsed       decimal.Decimal
	Total              decimal.Decimal
	CashbackEarned     decimal.Decimal
	ClientIP           string
	CreatedAt          time.Time
	PaidAt             time.Time
	FulfilledAt        time.Time
	Items              []Item
}

// New builds a PENDING order from validated input and computes its totals.
// cashbackUsed must already be clamped to the customer's available balance.
func New(id, userID, email, clientIP string, items []Item, cashbackUsed decimal.Decimal) (*Order, error) {
	if email == "" {
		return nil, ErrEmailRequired
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if _, dup := seen[it.ProductID]; dup {
			return nil, ErrDuplicateItem
		}
		seen[it.ProductID] = struct{}{}
	}
	if cashbackUsed.IsNegative() {
		cashbackUsed = decimal.Zero
	}

	o := &Order{
		ID:           id,
		UserID:       userID,
		Email:        email,
		IsGuest:      userID == "",
		Status:       StatusPending,
		CashbackUsed: cashbackUsed,
		ClientIP:     clientIP,
		CreatedAt:    time.Now().UTC(),
		Items:        append([]Item(nil), items...),
	}
	o.ComputeTotals()
	return o, nil
}

// ComputeTotals recomputes subtotal and total from the items and the recorded
// cashback reservation. It is a pure function of those inputs and is safe to
// call repeatedly.
func (o *Order) ComputeTotals() {
	subtotal := decimal.Zero
	for _, it := range o.Items {
		subtotal = subtotal.Add(it.LineTotal())
	}
	o.Subtotal = subtotal

	total := subtotal.Sub(o.CashbackUsed)
	if total.IsNegative() {
		total = decimal.Zero
	}
	o.Total = total
}

// ComputeCashbackEarned sets the cashback earned on the gross subtotal,
// before any cashback discount is subtracted. Guests earn nothing.
// Rounding is half away from zero to two decimal places.
func (o *Order) ComputeCashbackEarned(rate decimal.Decimal) decimal.Decimal {
	if o.IsGuest {
		o.CashbackEarned = decimal.Zero
	} else {
		o.CashbackEarned = o.Subtotal.Mul(rate).Round(2)
	}
	return o.CashbackEarned
}

// IsPaid reports whether payment has been captured for the order.
func (o *Order) IsPaid() bool {
	return o.Status == StatusPaid || o.Status == StatusFulfilled
}

func (o *Order) IsFulfilled() bool {
	return o.Status == StatusFulfilled
}

// CanView reports whether the given identity may read this order. Staff see
// everything; owners see their own orders; guests must present the order
// email.
func (o *Order) CanView(userID, email string, staff bool) bool {
	if staff {
		return true
	}
	if o.UserID != "" && o.UserID == userID {
		return true
	}
	if o.IsGuest && email != "" && o.Email == email {
		return true
	}
	return false
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Items = append([]Item(nil), o.Items...)
	return &clone
}
