package fulfillment

import (
	"context"
	"errors"

	domorder "github.com/gamekeys/backend/internal/domain/order"
	domoutbox "github.com/gamekeys/backend/internal/domain/outbox"
	"github.com/gamekeys/backend/internal/observability"
	"github.com/gamekeys/backend/internal/observability/logctx"
)

// Worker retries fulfillment off the event bus. Settlement already fulfills
// inline; this path picks up orders whose inline attempt was interrupted.
// The orchestrator's lock and status guard make the overlap safe.
type Worker struct {
	orch *Orchestrator
	log  observability.Logger
}

func NewWorker(orch *Orchestrator, logger observability.Logger) *Worker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Worker{
		orch: orch,
		log:  logger.With(observability.F("service", "fulfillment-worker")),
	}
}

func (w *Worker) Start(sub domoutbox.Subscriber) {
	if sub == nil {
		return
	}
	sub.Subscribe(domorder.OrderPaidEvent{}.EventName(), w.handleOrderPaid)
}

func (w *Worker) handleOrderPaid(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(domorder.OrderPaidEvent)
	if !ok {
		return nil
	}

	_, err := w.orch.Fulfill(ctx, evt.OrderID)
	if err != nil && !errors.Is(err, ErrNotPaid) {
		logctx.FromOr(ctx, w.log).Warn("deferred_fulfillment_failed",
			observability.F("order_id", evt.OrderID),
			observability.F("error", err.Error()),
		)
		return err
	}
	return nil
}
