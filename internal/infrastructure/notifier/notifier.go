// Package notifier sends the order confirmation once fulfillment completes.
// Delivery is best effort off the event bus; a failed email never affects the
// order itself.
package notifier

import (
	"context"

	domorder "github.com/gamekeys/backend/internal/domain/order"
	domoutbox "github.com/gamekeys/backend/internal/domain/outbox"
	"github.com/gamekeys/backend/internal/observability"
	"github.com/gamekeys/backend/internal/observability/logctx"
)

// Sender delivers one confirmation message.
type Sender interface {
	SendOrderConfirmation(ctx context.Context, email, orderID string) error
}

// LogSender writes the confirmation to the log instead of sending mail.
// Stands in until a real mail provider is wired.
type LogSender struct {
	log observability.Logger
}

func NewLogSender(logger observability.Logger) *LogSender {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogSender{log: logger}
}

func (s *LogSender) SendOrderConfirmation(ctx context.Context, email, orderID string) error {
	logctx.FromOr(ctx, s.log).Info("order_confirmation_sent",
		observability.F("email", email),
		observability.F("order_id", orderID),
	)
	return nil
}

// Notifier subscribes to fulfilled orders and dispatches confirmations.
type Notifier struct {
	sender Sender
	log    observability.Logger
}

func New(sender Sender, logger observability.Logger) *Notifier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Notifier{
		sender: sender,
		log:    logger.With(observability.F("component", "notifier")),
	}
}

func (n *Notifier) Start(sub domoutbox.Subscriber) {
	if sub == nil {
		return
	}
	sub.Subscribe(domorder.OrderFulfilledEvent{}.EventName(), n.handleOrderFulfilled)
}

func (n *Notifier) handleOrderFulfilled(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(domorder.OrderFulfilledEvent)
	if !ok {
		return nil
	}
	if err := n.sender.SendOrderConfirmation(ctx, evt.Email, evt.OrderID); err != nil {
		logctx.FromOr(ctx, n.log).Warn("confirmation_send_failed",
			observability.F("order_id", evt.OrderID),
			observability.F("error", err.Error()),
		)
	}
	return nil
}
