package catalog

import "time"

// DigitalKey is a redeemable code sold at most once. A key is created unsold
// (internal stock seeding) or already sold (just-in-time supplier purchase),
// and its sale is never reverted: OrderID is a one-way assignment.
type DigitalKey struct {
	ID        string
	ProductID string
	KeyCode   string
	IsSold    bool
	SoldAt    time.Time
	OrderID   string
	CreatedAt time.Time
}
