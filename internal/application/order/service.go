package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	domcatalog "github.com/gamekeys/backend/internal/domain/catalog"
	domorder "github.com/gamekeys/backend/internal/domain/order"
	dompayment "github.com/gamekeys/backend/internal/domain/payment"
	"github.com/gamekeys/backend/internal/observability"
	"github.com/gamekeys/backend/internal/observability/logctx"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	orderService       = "order-service"
	useCaseOrderCreate = "order.create"
	useCaseOrderGet    = "order.get"
	spanPrefix         = "UC."
	defaultCurrency    = "usd"
)

var (
	ErrNotFound   = domorder.ErrNotFound
	ErrNotOwner   = domorder.ErrNotOwner
	ErrRepository = errors.New("order: repository failure")

	// ErrCashbackNotCovering rejects the cashback-only method when the
	// reserved balance does not cover the whole order.
	ErrCashbackNotCovering = errors.New("order: cashback balance does not cover the order total")

	// ErrGuestCashback rejects any cashback use on a guest checkout.
	ErrGuestCashback = errors.New("order: guests have no cashback balance")
)

// Service runs the checkout and read flows for orders.
type Service struct {
	repo      domorder.Repository
	products  domcatalog.ProductRepository
	inventory InventoryPort
	balances  BalancePort
	settler   SettlementPort
	gateways  map[dompayment.Method]dompayment.Gateway
	idGen     IDGenerator
	tel       observability.Observability

	cashbackRate decimal.Decimal

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewService(
	repo domorder.Repository,
	products domcatalog.ProductRepository,
	inventory InventoryPort,
	balances BalancePort,
	settler SettlementPort,
	gateways map[dompayment.Method]dompayment.Gateway,
	idGen IDGenerator,
	tel observability.Observability,
) *Service {
	if tel == nil {
		tel = observability.Nop()
	}
	baseLog := tel.Logger().With(
		observability.F("service", orderService),
	)
	metrics := tel.Metrics()

	return &Service{
		repo:         repo,
		products:     products,
		inventory:    inventory,
		balances:     balances,
		settler:      settler,
		gateways:     gateways,
		idGen:        idGen,
		tel:          tel,
		cashbackRate: domorder.DefaultCashbackRate,
		log:          baseLog,
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
	}
}

type CreateOrderInput struct {
	UserID        string // empty for guest checkouts
	Email         string
	ClientIP      string
	PaymentMethod string
	UseCashback   bool
	Items         []ItemInput
}

type ItemInput struct {
	ProductID string
	Quantity  int
}

type CreateOrderResult struct {
	OrderID            string
	Status             domorder.Status
	Subtotal           decimal.Decimal
	CashbackUsed       decimal.Decimal
	Total              decimal.Decimal
	ProviderSessionRef string
	ClientSecret       string
}

// CreateOrder prices the cart, reserves cashback, persists the PENDING order
// and opens the payment path for the chosen method. Zero-total orders settle
// against the ledger immediately; anything else gets a provider session.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderInput) (_ *CreateOrderResult, err error) {
	logger := logctx.FromOr(ctx, s.log).With(observability.F("use_case", useCaseOrderCreate))

	ctx, span := s.tel.Tracer().Start(ctx, spanPrefix+"CreateOrder",
		attribute.String("use_case", useCaseOrderCreate),
		attribute.String("order.user_id", cmd.UserID),
		attribute.Int("order.item_count", len(cmd.Items)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var orderID string

	defer func() {
		lat := time.Since(start).Seconds()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		s.reqCounter.Add(1,
			observability.L("use_case", useCaseOrderCreate),
			observability.L("outcome", outcome),
		)
		s.durHistogram.Observe(lat,
			observability.L("use_case", useCaseOrderCreate),
		)

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if orderID != "" {
			fields = append(fields, observability.F("order_id", orderID))
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

	method, err := dompayment.ParseMethod(cmd.PaymentMethod)
	if err != nil {
		outcome, statusText = "error", "PAYMENT_METHOD_INVALID"
		return nil, err
	}
	if cmd.Email == "" {
		outcome, statusText = "error", "EMAIL_REQUIRED"
		return nil, domorder.ErrEmailRequired
	}
	if len(cmd.Items) == 0 {
		outcome, statusText = "error", "ITEMS_REQUIRED"
		return nil, domorder.ErrNoItems
	}
	isGuest := cmd.UserID == ""
	if isGuest && (cmd.UseCashback || method == dompayment.MethodCashback) {
		outcome, statusText = "error", "GUEST_CASHBACK"
		return nil, ErrGuestCashback
	}

	items, err := s.priceItems(ctx, cmd.Items)
	if err != nil {
		outcome, statusText = "error", priceStatus(err)
		return nil, err
	}

	cashbackUsed := decimal.Zero
	if cmd.UseCashback || method == dompayment.MethodCashback {
		balance, berr := s.balances.Balance(ctx, cmd.UserID)
		if berr != nil {
			outcome, statusText = "error", "BALANCE_LOOKUP_FAILED"
			return nil, fmt.Errorf("order: cashback balance: %w", berr)
		}
		cashbackUsed = balance
		if subtotal := subtotalOf(items); cashbackUsed.GreaterThan(subtotal) {
			cashbackUsed = subtotal
		}
	}

	orderID = s.idGen.NewID()
	entity, err := domorder.New(orderID, cmd.UserID, cmd.Email, cmd.ClientIP, items, cashbackUsed)
	if err != nil {
		outcome, statusText = "error", "DOMAIN_CONSTRUCTION_FAILED"
		return nil, err
	}
	entity.ComputeCashbackEarned(s.cashbackRate)

	if method == dompayment.MethodCashback && !entity.Total.IsZero() {
		outcome, statusText = "error", "CASHBACK_NOT_COVERING"
		return nil, ErrCashbackNotCovering
	}

	if err = s.repo.Insert(ctx, entity); err != nil {
		outcome, statusText = "error", "REPO_INSERT_FAILED"
		return nil, wrapRepositoryError(err)
	}
	span.AddEvent("order.created",
		trace.WithAttributes(attribute.String("order.id", orderID)),
	)

	result := &CreateOrderResult{
		OrderID:      entity.ID,
		Status:       entity.Status,
		Subtotal:     entity.Subtotal,
		CashbackUsed: entity.CashbackUsed,
		Total:        entity.Total,
	}

	// A fully covered order needs no provider round trip regardless of the
	// method the client asked for.
	if entity.Total.IsZero() && !isGuest {
		settled, serr := s.settler.SettleCashback(ctx, entity.ID)
		if serr != nil {
			outcome, statusText = "error", "CASHBACK_SETTLEMENT_FAILED"
			return nil, serr
		}
		result.Status = settled.Status
		span.SetAttributes(attribute.String("order.status", string(settled.Status)))
		return result, nil
	}

	gw, ok := s.gateways[method]
	if !ok {
		outcome, statusText = "error", "GATEWAY_UNAVAILABLE"
		return nil, dompayment.ErrUnknownMethod
	}
	session, err := gw.CreateSession(ctx, entity.Total, defaultCurrency, entity.ID)
	if err != nil {
		outcome, statusText = "error", "SESSION_CREATE_FAILED"
		return nil, fmt.Errorf("order: open payment session: %w", err)
	}
	if err = entity.MarkPaymentProcessing(string(method), session.Ref); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return nil, err
	}
	if err = s.repo.Update(ctx, entity); err != nil {
		outcome, statusText = "error", "REPO_UPDATE_FAILED"
		return nil, wrapRepositoryError(err)
	}

	result.Status = entity.Status
	result.ProviderSessionRef = session.Ref
	result.ClientSecret = session.ClientSecret
	span.SetAttributes(attribute.String("order.status", string(entity.Status)))
	return result, nil
}

// priceItems loads each product, rejects inactive ones, checks sellable stock
// and snapshots the current price onto the order line.
func (s *Service) priceItems(ctx context.Context, inputs []ItemInput) ([]domorder.Item, error) {
	items := make([]domorder.Item, 0, len(inputs))
	for _, in := range inputs {
		if in.Quantity <= 0 {
			return nil, domorder.ErrInvalidQuantity
		}
		p, err := s.products.Get(ctx, in.ProductID)
		if err != nil {
			return nil, fmt.Errorf("order: product %s: %w", in.ProductID, err)
		}
		if !p.Active {
			return nil, fmt.Errorf("order: product %s: %w", in.ProductID, domcatalog.ErrProductInactive)
		}
		available, err := s.inventory.AvailableCount(ctx, in.ProductID)
		if err != nil {
			return nil, fmt.Errorf("order: stock for %s: %w", in.ProductID, err)
		}
		if available < in.Quantity {
			return nil, fmt.Errorf("order: product %s: %w", in.ProductID, domcatalog.ErrInsufficientStock)
		}
		items = append(items, domorder.Item{
			ProductID: p.ID,
			UnitPrice: p.CurrentPrice(),
			Quantity:  in.Quantity,
		})
	}
	return items, nil
}

func subtotalOf(items []domorder.Item) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.LineTotal())
	}
	return sum
}

func priceStatus(err error) string {
	switch {
	case errors.Is(err, domcatalog.ErrProductNotFound):
		return "PRODUCT_NOT_FOUND"
	case errors.Is(err, domcatalog.ErrProductInactive):
		return "PRODUCT_INACTIVE"
	case errors.Is(err, domcatalog.ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, domorder.ErrInvalidQuantity):
		return "QUANTITY_INVALID"
	default:
		return "PRICING_FAILED"
	}
}

// Identity carries the caller's claims for read authorization.
type Identity struct {
	UserID string
	Email  string
	Staff  bool
}

// OrderView is an order plus the key codes delivered to it. Keys are only
// populated once the order is FULFILLED.
type OrderView struct {
	Order *domorder.Order
	Keys  []string
}

// Get loads an order the caller is allowed to see. Guests must present the
// order email. Unauthorized access reports not-found semantics upstream so
// order IDs cannot be probed.
func (s *Service) Get(ctx context.Context, orderID string, id Identity) (*OrderView, error) {
	entity, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	if !entity.CanView(id.UserID, id.Email, id.Staff) {
		return nil, ErrNotOwner
	}

	view := &OrderView{Order: entity}
	if entity.IsFulfilled() {
		keys, kerr := s.inventory.KeysByOrder(ctx, orderID)
		if kerr != nil {
			return nil, fmt.Errorf("order: load keys: %w", kerr)
		}
		for _, k := range keys {
			view.Keys = append(view.Keys, k.KeyCode)
		}
	}
	return view, nil
}

// ListByUser returns the caller's own orders, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*domorder.Order, error) {
	if userID == "" {
		return nil, ErrNotOwner
	}
	orders, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	return orders, nil
}

func wrapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domorder.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, domorder.ErrConflict):
		return domorder.ErrConflict
	default:
		return fmt.Errorf("%w: %w", ErrRepository, err)
	}
}
