package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gamekeys/backend/internal/application/inventory"
	domcatalog "github.com/gamekeys/backend/internal/domain/catalog"
	domorder "github.com/gamekeys/backend/internal/domain/order"
	domoutbox "github.com/gamekeys/backend/internal/domain/outbox"
	"github.com/gamekeys/backend/internal/observability"
	"github.com/gamekeys/backend/internal/observability/logctx"
	"github.com/gamekeys/backend/internal/pkg/synckey"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	fulfillmentService = "fulfillment-service"
	useCaseFulfill     = "fulfillment.fulfill"
	spanPrefix         = "UC."
	publishTimeout     = 300 * time.Millisecond
)

var (
	// ErrNotPaid means fulfillment was requested for an order that has not
	// been paid. The caller decides whether to retry after settlement.
	ErrNotPaid = errors.New("fulfillment: order is not paid")
)

// Allocator claims keys for an order, all lines or nothing.
type Allocator interface {
	Allocate(ctx context.Context, orderID string, lines []inventory.Line) ([]domcatalog.DigitalKey, error)
}

// Creditor credits earned cashback to the customer's ledger.
type Creditor interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, description string) (decimal.Decimal, error)
}

type Result struct {
	OrderID          string
	Status           domorder.Status
	Keys             []domcatalog.DigitalKey
	AlreadyFulfilled bool
}

// Orchestrator turns a PAID order into a FULFILLED one: allocate keys, mark
// fulfilled, credit earned cashback, announce the result. A per-order lock
// plus the FULFILLED status guard makes duplicate requests harmless.
type Orchestrator struct {
	orders    domorder.Repository
	allocator Allocator
	creditor  Creditor
	publisher domoutbox.Publisher
	tel       observability.Observability

	locks *synckey.Mutex

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	keysCounter  observability.Counter
	stockCounter observability.Counter
}

func NewOrchestrator(
	orders domorder.Repository,
	allocator Allocator,
	creditor Creditor,
	publisher domoutbox.Publisher,
	tel observability.Observability,
) *Orchestrator {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()

	return &Orchestrator{
		orders:    orders,
		allocator: allocator,
		creditor:  creditor,
		publisher: publisher,
		tel:       tel,
		locks:     synckey.New(),
		log: tel.Logger().With(
			observability.F("service", fulfillmentService),
		),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		keysCounter:  metrics.Counter(observability.MKeysAllocated),
		stockCounter: metrics.Counter(observability.MStockExhausted),
	}
}

// Fulfill delivers the keys for a paid order. On insufficient stock the order
// stays PAID and the failure is escalated for operator attention; nothing is
// allocated in that case.
func (o *Orchestrator) Fulfill(ctx context.Context, orderID string) (_ *Result, err error) {
	logger := logctx.FromOr(ctx, o.log).With(
		observability.F("use_case", useCaseFulfill),
		observability.F("order_id", orderID),
	)
	ctx = logctx.With(ctx, logger)

	ctx, span := o.tel.Tracer().Start(ctx, spanPrefix+"FulfillOrder",
		attribute.String("use_case", useCaseFulfill),
		attribute.String("order.id", orderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var keyCount int

	defer func() {
		lat := time.Since(start).Seconds()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		o.reqCounter.Add(1,
			observability.L("use_case", useCaseFulfill),
			observability.L("outcome", outcome),
		)
		o.durHistogram.Observe(lat,
			observability.L("use_case", useCaseFulfill),
		)

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("keys_allocated", keyCount),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	if orderID == "" {
		outcome, statusText = "error", "ORDER_ID_REQUIRED"
		return nil, errors.New("fulfillment: order id is required")
	}

	unlock := o.locks.Lock(orderID)
	defer unlock()

	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		outcome, statusText = "error", "ORDER_LOAD_FAILED"
		return nil, fmt.Errorf("fulfillment: load order: %w", err)
	}

	if order.IsFulfilled() {
		statusText = "ALREADY_FULFILLED"
		span.AddEvent("order.already_fulfilled")
		return &Result{OrderID: order.ID, Status: order.Status, AlreadyFulfilled: true}, nil
	}
	if !order.IsPaid() {
		outcome, statusText = "error", "ORDER_NOT_PAID"
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotPaid, order.ID, order.Status)
	}

	lines := make([]inventory.Line, 0, len(order.Items))
	for _, it := range order.Items {
		lines = append(lines, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	keys, err := o.allocator.Allocate(ctx, order.ID, lines)
	if err != nil {
		if errors.Is(err, domcatalog.ErrInsufficientStock) {
			outcome, statusText = "error", "STOCK_EXHAUSTED"
			o.stockCounter.Add(1)
			// The order stays PAID; an operator restocks and retries.
			logger.Error("fulfillment_stock_exhausted",
				observability.F("error", err.Error()),
			)
			return nil, err
		}
		outcome, statusText = "error", "ALLOCATION_FAILED"
		return nil, err
	}
	keyCount = len(keys)
	o.keysCounter.Add(float64(keyCount))

	if err = order.MarkFulfilled(); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return nil, err
	}
	if err = o.orders.Update(ctx, order); err != nil {
		outcome, statusText = "error", "ORDER_UPDATE_FAILED"
		return nil, fmt.Errorf("fulfillment: update order: %w", err)
	}

	o.creditEarned(ctx, logger, order)
	o.announce(ctx, span, logger, order)

	span.SetAttributes(
		attribute.String("order.status", string(order.Status)),
		attribute.Int("order.keys_allocated", keyCount),
	)
	return &Result{OrderID: order.ID, Status: order.Status, Keys: keys}, nil
}

// creditEarned credits the cashback earned on this order. Fulfillment has
// already succeeded at this point, so a ledger failure is logged for
// reconciliation instead of unwinding the delivery.
func (o *Orchestrator) creditEarned(ctx context.Context, logger observability.Logger, order *domorder.Order) {
	if order.IsGuest || !order.CashbackEarned.IsPositive() {
		return
	}
	if _, err := o.creditor.Credit(ctx, order.UserID, order.CashbackEarned,
		fmt.Sprintf("cashback earned on order %s", order.ID)); err != nil {
		logger.Error("cashback_credit_failed",
			observability.F("user_id", order.UserID),
			observability.F("amount", order.CashbackEarned.String()),
			observability.F("error", err.Error()),
		)
	}
}

func (o *Orchestrator) announce(ctx context.Context, span trace.Span, logger observability.Logger, order *domorder.Order) {
	if o.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := o.publisher.Publish(pubCtx, domorder.NewOrderFulfilledEvent(order)); err != nil {
		span.RecordError(err)
		logger.Warn("event_publish_failed",
			observability.F("event", "order.fulfilled"),
			observability.F("error", err.Error()),
		)
	}
}
