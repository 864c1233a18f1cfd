package paymentgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	dompayment "github.com/gamekeys/backend/internal/domain/payment"
	"github.com/gamekeys/backend/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultTimeout  = 10 * time.Second
	breakerInterval = 60 * time.Second
	breakerCooldown = 30 * time.Second
)

// Config describes one external payment provider endpoint.
type Config struct {
	Name    string // label used in metrics and the breaker
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to a payment provider's REST API and adapts it to the
// domain Gateway port. All calls go through a circuit breaker so a
// misbehaving provider fails fast instead of tying up checkout requests.
type Client struct {
	cfg  Config
	http *http.Client

	sessionCB *gobreaker.CircuitBreaker[*dompayment.Session]
	verifyCB  *gobreaker.CircuitBreaker[*dompayment.Verification]

	extCounter observability.Counter
	extHist    observability.Histogram
}

func NewClient(cfg Config, tel observability.Observability) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if tel == nil {
		tel = observability.Nop()
	}

	settings := gobreaker.Settings{
		Name:     cfg.Name,
		Interval: breakerInterval,
		Timeout:  breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 >= counts.Requests
		},
	}

	return &Client{
		cfg:        cfg,
		http:       &http.Client{Timeout: cfg.Timeout},
		sessionCB:  gobreaker.NewCircuitBreaker[*dompayment.Session](settings),
		verifyCB:   gobreaker.NewCircuitBreaker[*dompayment.Verification](settings),
		extCounter: tel.Metrics().Counter(observability.MExternalRequests),
		extHist:    tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

type createSessionRequest struct {
	Amount   string            `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

type sessionResponse struct {
	Ref          string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type verifyResponse struct {
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// CreateSession opens a payment intent with the provider. The order id rides
// in the metadata so the webhook and verification can be correlated back.
func (c *Client) CreateSession(ctx context.Context, amount decimal.Decimal, currency, orderID string) (*dompayment.Session, error) {
	return c.sessionCB.Execute(func() (*dompayment.Session, error) {
		body, err := json.Marshal(createSessionRequest{
			Amount:   amount.StringFixed(2),
			Currency: currency,
			Metadata: map[string]string{"order_id": orderID},
		})
		if err != nil {
			return nil, err
		}

		var resp sessionResponse
		if err := c.do(ctx, http.MethodPost, "/v1/payment_sessions", bytes.NewReader(body), "create_session", &resp); err != nil {
			return nil, err
		}
		if resp.Ref == "" {
			return nil, fmt.Errorf("paymentgw: %s returned session without id", c.cfg.Name)
		}
		return &dompayment.Session{Ref: resp.Ref, ClientSecret: resp.ClientSecret}, nil
	})
}

// Verify asks the provider for the authoritative state of a session.
func (c *Client) Verify(ctx context.Context, sessionRef string) (*dompayment.Verification, error) {
	return c.verifyCB.Execute(func() (*dompayment.Verification, error) {
		var resp verifyResponse
		path := "/v1/payment_sessions/" + sessionRef
		if err := c.do(ctx, http.MethodGet, path, nil, "verify_session", &resp); err != nil {
			return nil, err
		}
		return &dompayment.Verification{
			Status:  dompayment.Status(resp.Status),
			OrderID: resp.Metadata["order_id"],
		}, nil
	})
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else if resp.StatusCode >= 400 {
		outcome = "error"
	}
	c.extCounter.Add(1,
		observability.L("peer", c.cfg.Name),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	c.extHist.Observe(time.Since(start).Seconds(),
		observability.L("peer", c.cfg.Name),
		observability.L("endpoint", endpoint),
	)
	if err != nil {
		return fmt.Errorf("paymentgw: %s %s: %w", c.cfg.Name, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("paymentgw: %s %s: status %d: %s", c.cfg.Name, endpoint, resp.StatusCode, raw)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
