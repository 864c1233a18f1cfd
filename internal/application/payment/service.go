package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gamekeys/backend/internal/application/fulfillment"
	domledger "github.com/gamekeys/backend/internal/domain/ledger"
	domorder "github.com/gamekeys/backend/internal/domain/order"
	domoutbox "github.com/gamekeys/backend/internal/domain/outbox"
	dompayment "github.com/gamekeys/backend/internal/domain/payment"
	"github.com/gamekeys/backend/internal/observability"
	"github.com/gamekeys/backend/internal/observability/logctx"
	"github.com/gamekeys/backend/internal/pkg/synckey"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	paymentService        = "payment-service"
	useCasePaymentSettle  = "payment.settle"
	useCaseCashbackSettle = "payment.settle_cashback"
	useCasePaymentFail    = "payment.fail"
	spanPrefix            = "UC."
	publishTimeout        = 300 * time.Millisecond

	// Provider webhook event names.
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

var (
	ErrVerificationFailed  = dompayment.ErrVerificationFailed
	ErrCorrelationMismatch = dompayment.ErrCorrelationMismatch
	ErrNotSucceeded        = dompayment.ErrNotSucceeded

	// ErrUnknownProviderEvent rejects webhook event types nobody handles.
	ErrUnknownProviderEvent = errors.New("payment: unknown provider event")
)

// Debitor spends reserved cashback from the customer's ledger.
type Debitor interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, description string) (decimal.Decimal, error)
}

// Fulfiller delivers the keys once payment is captured.
type Fulfiller interface {
	Fulfill(ctx context.Context, orderID string) (*fulfillment.Result, error)
}

// Service settles payments: it verifies the provider's answer, spends the
// reserved cashback exactly once, marks the order PAID and hands it to
// fulfillment. A per-order lock serializes the webhook and the client's
// confirm call racing each other.
type Service struct {
	orders    domorder.Repository
	gateways  map[dompayment.Method]dompayment.Gateway
	debitor   Debitor
	fulfiller Fulfiller
	publisher domoutbox.Publisher
	tel       observability.Observability

	locks *synckey.Mutex

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewService(
	orders domorder.Repository,
	gateways map[dompayment.Method]dompayment.Gateway,
	debitor Debitor,
	fulfiller Fulfiller,
	publisher domoutbox.Publisher,
	tel observability.Observability,
) *Service {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()

	return &Service{
		orders:    orders,
		gateways:  gateways,
		debitor:   debitor,
		fulfiller: fulfiller,
		publisher: publisher,
		tel:       tel,
		locks:     synckey.New(),
		log: tel.Logger().With(
			observability.F("service", paymentService),
		),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
	}
}

type SettleResult struct {
	OrderID     string
	Status      domorder.Status
	AlreadyPaid bool
}

// Settle confirms a provider-backed payment for an order. It re-verifies the
// session with the provider rather than trusting the caller, checks the
// correlation metadata, and is idempotent: settling a PAID or FULFILLED order
// again changes nothing.
func (s *Service) Settle(ctx context.Context, orderID, sessionRef string) (_ *SettleResult, err error) {
	logger := logctx.FromOr(ctx, s.log).With(
		observability.F("use_case", useCasePaymentSettle),
		observability.F("order_id", orderID),
	)
	ctx = logctx.With(ctx, logger)

	ctx, span := s.tel.Tracer().Start(ctx, spanPrefix+"SettlePayment",
		attribute.String("use_case", useCasePaymentSettle),
		attribute.String("order.id", orderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		s.finish(ctx, span, logger, useCasePaymentSettle, outcome, statusText, start, err)
	}()

	if orderID == "" {
		outcome, statusText = "error", "ORDER_ID_REQUIRED"
		return nil, errors.New("payment: order id is required")
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		outcome, statusText = "error", "ORDER_LOAD_FAILED"
		return nil, err
	}

	if order.IsPaid() {
		statusText = "ALREADY_PAID"
		span.AddEvent("payment.already_settled")
		res := &SettleResult{OrderID: order.ID, Status: order.Status, AlreadyPaid: true}
		if !order.IsFulfilled() {
			// Payment landed earlier but delivery did not; resume it.
			if fres, ferr := s.fulfiller.Fulfill(ctx, order.ID); ferr == nil {
				res.Status = fres.Status
			}
		}
		return res, nil
	}

	method, err := dompayment.ParseMethod(order.PaymentMethod)
	if err != nil {
		outcome, statusText = "error", "PAYMENT_METHOD_INVALID"
		return nil, err
	}
	gw, ok := s.gateways[method]
	if !ok {
		outcome, statusText = "error", "GATEWAY_UNAVAILABLE"
		return nil, dompayment.ErrUnknownMethod
	}

	if sessionRef == "" || sessionRef != order.ProviderSessionRef {
		outcome, statusText = "error", "SESSION_MISMATCH"
		return nil, ErrCorrelationMismatch
	}

	verification, err := gw.Verify(ctx, sessionRef)
	if err != nil {
		outcome, statusText = "error", "VERIFICATION_FAILED"
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if verification.OrderID != order.ID {
		outcome, statusText = "error", "CORRELATION_MISMATCH"
		return nil, ErrCorrelationMismatch
	}
	if verification.Status != dompayment.StatusSucceeded {
		outcome, statusText = "error", "PAYMENT_NOT_SUCCEEDED"
		return nil, fmt.Errorf("%w: provider reports %s", ErrNotSucceeded, verification.Status)
	}

	// Spend the reservation before flipping the status so a crash between
	// the two surfaces as an unpaid order, never as an unspent debit.
	if err = s.spendReservation(ctx, logger, order); err != nil {
		outcome, statusText = "error", "CASHBACK_DEBIT_FAILED"
		return nil, err
	}

	if err = order.MarkPaid(); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return nil, err
	}
	if err = s.orders.Update(ctx, order); err != nil {
		outcome, statusText = "error", "ORDER_UPDATE_FAILED"
		return nil, err
	}
	s.publish(ctx, span, logger, domorder.NewOrderPaidEvent(order))

	status := order.Status
	if fres, ferr := s.fulfiller.Fulfill(ctx, order.ID); ferr != nil {
		// Payment is final; delivery retries off the order.paid event.
		statusText = "FULFILLMENT_DEFERRED"
		logger.Warn("fulfillment_deferred",
			observability.F("error", ferr.Error()),
		)
	} else {
		status = fres.Status
	}

	span.SetAttributes(attribute.String("order.status", string(status)))
	return &SettleResult{OrderID: order.ID, Status: status}, nil
}

// spendReservation debits the cashback reserved at checkout. For a
// provider-backed order the customer's money is already captured, so a
// shortfall (the balance was spent elsewhere meanwhile) cannot fail the
// settlement; it is flagged for reconciliation and the debit is skipped.
func (s *Service) spendReservation(ctx context.Context, logger observability.Logger, order *domorder.Order) error {
	if !order.CashbackUsed.IsPositive() {
		return nil
	}
	_, err := s.debitor.Debit(ctx, order.UserID, order.CashbackUsed,
		fmt.Sprintf("cashback spent on order %s", order.ID))
	if errors.Is(err, domledger.ErrInsufficientBalance) {
		logger.Error("cashback_reservation_shortfall",
			observability.F("user_id", order.UserID),
			observability.F("amount", order.CashbackUsed.String()),
		)
		return nil
	}
	return err
}

// SettleCashback settles an order whose total is fully covered by cashback.
// There is no provider session; the debit itself is the payment, so an
// insufficient balance fails the settlement and the order stays PENDING.
func (s *Service) SettleCashback(ctx context.Context, orderID string) (_ *domorder.Order, err error) {
	logger := logctx.FromOr(ctx, s.log).With(
		observability.F("use_case", useCaseCashbackSettle),
		observability.F("order_id", orderID),
	)
	ctx = logctx.With(ctx, logger)

	ctx, span := s.tel.Tracer().Start(ctx, spanPrefix+"SettleCashback",
		attribute.String("use_case", useCaseCashbackSettle),
		attribute.String("order.id", orderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		s.finish(ctx, span, logger, useCaseCashbackSettle, outcome, statusText, start, err)
	}()

	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		outcome, statusText = "error", "ORDER_LOAD_FAILED"
		return nil, err
	}

	if order.IsPaid() {
		statusText = "ALREADY_PAID"
		return order, nil
	}
	if order.IsGuest {
		outcome, statusText = "error", "GUEST_CASHBACK"
		return nil, errors.New("payment: guest order cannot settle against cashback")
	}
	if !order.Total.IsZero() {
		outcome, statusText = "error", "TOTAL_NOT_COVERED"
		return nil, fmt.Errorf("payment: order %s still owes %s", order.ID, order.Total)
	}

	if order.CashbackUsed.IsPositive() {
		if _, err = s.debitor.Debit(ctx, order.UserID, order.CashbackUsed,
			fmt.Sprintf("cashback spent on order %s", order.ID)); err != nil {
			outcome, statusText = "error", "CASHBACK_DEBIT_FAILED"
			return nil, err
		}
	}

	if err = order.MarkPaid(); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return nil, err
	}
	if err = s.orders.Update(ctx, order); err != nil {
		outcome, statusText = "error", "ORDER_UPDATE_FAILED"
		return nil, err
	}
	s.publish(ctx, span, logger, domorder.NewOrderPaidEvent(order))

	if fres, ferr := s.fulfiller.Fulfill(ctx, order.ID); ferr != nil {
		statusText = "FULFILLMENT_DEFERRED"
		logger.Warn("fulfillment_deferred",
			observability.F("error", ferr.Error()),
		)
	} else {
		order.Status = fres.Status
	}

	span.SetAttributes(attribute.String("order.status", string(order.Status)))
	return order, nil
}

// Fail records a provider-reported payment failure. Orders that already
// reached PAID are not touched; a late failure webhook cannot unwind a
// captured payment.
func (s *Service) Fail(ctx context.Context, orderID, reason string) (err error) {
	logger := logctx.FromOr(ctx, s.log).With(
		observability.F("use_case", useCasePaymentFail),
		observability.F("order_id", orderID),
	)
	ctx = logctx.With(ctx, logger)

	ctx, span := s.tel.Tracer().Start(ctx, spanPrefix+"FailPayment",
		attribute.String("use_case", useCasePaymentFail),
		attribute.String("order.id", orderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		s.finish(ctx, span, logger, useCasePaymentFail, outcome, statusText, start, err)
	}()

	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		outcome, statusText = "error", "ORDER_LOAD_FAILED"
		return err
	}

	if order.IsPaid() {
		statusText = "IGNORED_AFTER_PAID"
		logger.Warn("failure_after_capture_ignored",
			observability.F("reason", reason),
		)
		return nil
	}

	if err = order.MarkFailed(); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return err
	}
	if err = s.orders.Update(ctx, order); err != nil {
		outcome, statusText = "error", "ORDER_UPDATE_FAILED"
		return err
	}
	s.publish(ctx, span, logger, domorder.NewOrderPaymentFailedEvent(order, reason))
	return nil
}

// HandleProviderEvent dispatches a verified webhook payload.
func (s *Service) HandleProviderEvent(ctx context.Context, eventType, orderID, sessionRef string) error {
	switch eventType {
	case EventPaymentSucceeded:
		_, err := s.Settle(ctx, orderID, sessionRef)
		return err
	case EventPaymentFailed:
		return s.Fail(ctx, orderID, "provider reported failure")
	default:
		return fmt.Errorf("%w: %s", ErrUnknownProviderEvent, eventType)
	}
}

func (s *Service) publish(ctx context.Context, span trace.Span, logger observability.Logger, e domoutbox.Event) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, e); err != nil {
		span.RecordError(err)
		logger.Warn("event_publish_failed",
			observability.F("event", e.EventName()),
			observability.F("error", err.Error()),
		)
	}
}

func (s *Service) finish(
	ctx context.Context,
	span trace.Span,
	logger observability.Logger,
	useCase, outcome, statusText string,
	start time.Time,
	err error,
) {
	lat := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, statusText)
	} else {
		span.SetStatus(codes.Ok, statusText)
	}
	span.End()

	s.reqCounter.Add(1,
		observability.L("use_case", useCase),
		observability.L("outcome", outcome),
	)
	s.durHistogram.Observe(lat,
		observability.L("use_case", useCase),
	)

	fields := []observability.Field{
		observability.F("outcome", outcome),
		observability.F("status", statusText),
		observability.F("latency_seconds", lat),
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
}
