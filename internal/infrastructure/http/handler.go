package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	appledger "github.com/gamekeys/backend/internal/application/ledger"
	apporder "github.com/gamekeys/backend/internal/application/order"
	apppayment "github.com/gamekeys/backend/internal/application/payment"
	domcatalog "github.com/gamekeys/backend/internal/domain/catalog"
	domledger "github.com/gamekeys/backend/internal/domain/ledger"
	domorder "github.com/gamekeys/backend/internal/domain/order"
	dompayment "github.com/gamekeys/backend/internal/domain/payment"
	"github.com/gamekeys/backend/internal/infrastructure/paymentgw"
	"github.com/gamekeys/backend/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// Handler is the REST surface of the shop: checkout, order reads, payment
// confirmation, the provider webhook and the cashback wallet.
type Handler struct {
	orders        *apporder.Service
	payments      *apppayment.Service
	ledger        *appledger.Service
	webhookSecret string
	log           observability.Logger
}

func NewHandler(
	orders *apporder.Service,
	payments *apppayment.Service,
	ledger *appledger.Service,
	webhookSecret string,
	logger observability.Logger,
) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		orders:        orders,
		payments:      payments,
		ledger:        ledger,
		webhookSecret: webhookSecret,
		log:           logger.With(observability.F("component", "http")),
	}
}

// Router builds the chi router. The observability middleware is attached by
// the caller so tests can run the bare handler.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/orders", h.handleCreateOrder)
	r.Get("/orders/mine", h.handleListOrders)
	r.Get("/orders/{orderID}", h.handleGetOrder)
	r.Post("/orders/{orderID}/confirm-payment", h.handleConfirmPayment)
	r.Post("/webhooks/payment", h.handlePaymentWebhook)
	r.Get("/cashback/balance", h.handleCashbackBalance)
	r.Get("/cashback/transactions", h.handleCashbackTransactions)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

// identity reads the caller's claims. Authentication itself happens at the
// edge; these headers arrive already verified.
func identity(r *http.Request) apporder.Identity {
	return apporder.Identity{
		UserID: r.Header.Get("X-User-ID"),
		Email:  r.URL.Query().Get("email"),
		Staff:  r.Header.Get("X-Staff") == "true",
	}
}

type createOrderRequest struct {
	Email         string             `json:"email"`
	PaymentMethod string             `json:"payment_method"`
	UseCashback   bool               `json:"use_cashback"`
	Items         []orderItemRequest `json:"items"`
}

type orderItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type createOrderResponse struct {
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	Subtotal     string `json:"subtotal"`
	CashbackUsed string `json:"cashback_used"`
	Total        string `json:"total"`
	SessionRef   string `json:"session_ref,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	items := make([]apporder.ItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, apporder.ItemInput{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	result, err := h.orders.CreateOrder(r.Context(), apporder.CreateOrderInput{
		UserID:        r.Header.Get("X-User-ID"),
		Email:         req.Email,
		ClientIP:      clientIP(r),
		PaymentMethod: req.PaymentMethod,
		UseCashback:   req.UseCashback,
		Items:         items,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		OrderID:      result.OrderID,
		Status:       string(result.Status),
		Subtotal:     result.Subtotal.StringFixed(2),
		CashbackUsed: result.CashbackUsed.StringFixed(2),
		Total:        result.Total.StringFixed(2),
		SessionRef:   result.ProviderSessionRef,
		ClientSecret: result.ClientSecret,
	})
}

type orderResponse struct {
	OrderID        string              `json:"order_id"`
	Status         string              `json:"status"`
	Email          string              `json:"email"`
	PaymentMethod  string              `json:"payment_method,omitempty"`
	Subtotal       string              `json:"subtotal"`
	CashbackUsed   string              `json:"cashback_used"`
	Total          string              `json:"total"`
	CashbackEarned string              `json:"cashback_earned"`
	CreatedAt      time.Time           `json:"created_at"`
	PaidAt         *time.Time          `json:"paid_at,omitempty"`
	FulfilledAt    *time.Time          `json:"fulfilled_at,omitempty"`
	Items          []orderItemResponse `json:"items"`
	Keys           []string            `json:"keys,omitempty"`
}

type orderItemResponse struct {
	ProductID string `json:"product_id"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

func toOrderResponse(o *domorder.Order, keys []string) orderResponse {
	resp := orderResponse{
		OrderID:        o.ID,
		Status:         string(o.Status),
		Email:          o.Email,
		PaymentMethod:  o.PaymentMethod,
		Subtotal:       o.Subtotal.StringFixed(2),
		CashbackUsed:   o.CashbackUsed.StringFixed(2),
		Total:          o.Total.StringFixed(2),
		CashbackEarned: o.CashbackEarned.StringFixed(2),
		CreatedAt:      o.CreatedAt,
		Keys:           keys,
	}
	if !o.PaidAt.IsZero() {
		t := o.PaidAt
		resp.PaidAt = &t
	}
	if !o.FulfilledAt.IsZero() {
		t := o.FulfilledAt
		resp.FulfilledAt = &t
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID: it.ProductID,
			UnitPrice: it.UnitPrice.StringFixed(2),
			Quantity:  it.Quantity,
		})
	}
	return resp
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	view, err := h.orders.Get(r.Context(), orderID, identity(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(view.Order, view.Keys))
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListByUser(r.Context(), r.Header.Get("X-User-ID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

type confirmPaymentRequest struct {
	SessionRef string `json:"session_ref"`
}

type confirmPaymentResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (h *Handler) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req confirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.payments.Settle(r.Context(), orderID, req.SessionRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmPaymentResponse{
		OrderID: result.OrderID,
		Status:  string(result.Status),
	})
}

type webhookEnvelope struct {
	Type string `json:"type"`
	Data struct {
		OrderID    string `json:"order_id"`
		SessionRef string `json:"session_ref"`
	} `json:"data"`
}

// handlePaymentWebhook verifies the provider signature over the raw body
// before anything else; a bad signature is rejected with no side effects.
// Unhandled event types are acknowledged so the provider stops retrying.
func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	signature := r.Header.Get("X-Provider-Signature")
	if !paymentgw.VerifySignature(h.webhookSecret, body, signature) {
		writeError(w, http.StatusBadRequest, dompayment.ErrInvalidSignature)
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = h.payments.HandleProviderEvent(r.Context(), env.Type, env.Data.OrderID, env.Data.SessionRef)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	case errors.Is(err, apppayment.ErrUnknownProviderEvent):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		writeDomainError(w, err)
	}
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

func (h *Handler) handleCashbackBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance.StringFixed(2)})
}

type transactionResponse struct {
	ID          string    `json:"id"`
	Amount      string    `json:"amount"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) handleCashbackTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return
	}
	txs, err := h.ledger.Statement(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			ID:          tx.ID,
			Amount:      tx.Amount.StringFixed(2),
			Type:        string(tx.Type),
			Description: tx.Description,
			CreatedAt:   tx.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domorder.ErrNotFound),
		errors.Is(err, domcatalog.ErrProductNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domorder.ErrNotOwner):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, domorder.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, domorder.ErrNoItems),
		errors.Is(err, domorder.ErrDuplicateItem),
		errors.Is(err, domorder.ErrInvalidQuantity),
		errors.Is(err, domorder.ErrEmailRequired),
		errors.Is(err, domcatalog.ErrProductInactive),
		errors.Is(err, domcatalog.ErrInsufficientStock),
		errors.Is(err, domledger.ErrInsufficientBalance),
		errors.Is(err, domledger.ErrInvalidAmount),
		errors.Is(err, dompayment.ErrUnknownMethod),
		errors.Is(err, dompayment.ErrCorrelationMismatch),
		errors.Is(err, dompayment.ErrNotSucceeded),
		errors.Is(err, apporder.ErrGuestCashback),
		errors.Is(err, apporder.ErrCashbackNotCovering):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, dompayment.ErrVerificationFailed):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
