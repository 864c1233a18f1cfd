package order

import "time"

// OrderPaidEvent is emitted once payment for an order has been captured and
// verified. The fulfillment worker reacts to it.
type OrderPaidEvent struct {
	OrderID    string
	OccurredAt time.Time
}

func (OrderPaidEvent) EventName() string { return "order.paid" }

func NewOrderPaidEvent(o *Order) OrderPaidEvent {
	return OrderPaidEvent{OrderID: o.ID, OccurredAt: time.Now().UTC()}
}

// OrderFulfilledEvent is emitted after keys were allocated and cashback
// settled. The notifier sends the confirmation email off this event.
type OrderFulfilledEvent struct {
	OrderID    string
	Email      string
	OccurredAt time.Time
}

func (OrderFulfilledEvent) EventName() string { return "order.fulfilled" }

func NewOrderFulfilledEvent(o *Order) OrderFulfilledEvent {
	return OrderFulfilledEvent{OrderID: o.ID, Email: o.Email, OccurredAt: time.Now().UTC()}
}

// OrderPaymentFailedEvent is emitted when the provider reports a failed
// payment for an order.
type OrderPaymentFailedEvent struct {
	OrderID    string
	Reason     string
	OccurredAt time.Time
}

func (OrderPaymentFailedEvent) EventName() string { return "order.payment_failed" }

func NewOrderPaymentFailedEvent(o *Order, reason string) OrderPaymentFailedEvent {
	return OrderPaymentFailedEvent{OrderID: o.ID, Reason: reason, OccurredAt: time.Now().UTC()}
}
