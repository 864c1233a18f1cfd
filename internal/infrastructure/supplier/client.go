// Package supplier integrates the external key wholesaler: keys for external
// products are bought from it one at a time, and its product feed is mirrored
// into the local catalog by the sync job.
package supplier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gamekeys/backend/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

const (
	peerName        = "key-supplier"
	defaultTimeout  = 15 * time.Second
	breakerInterval = 60 * time.Second
	breakerCooldown = 30 * time.Second
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// FeedProduct is one entry of the supplier's sellable catalog feed.
type FeedProduct struct {
	SupplierProductID string
	Name              string
	Price             decimal.Decimal
	Stock             int
}

// Client is the HTTP adapter for the wholesaler API.
type Client struct {
	cfg  Config
	http *http.Client

	keyCB   *gobreaker.CircuitBreaker[string]
	stockCB *gobreaker.CircuitBreaker[int]
	feedCB  *gobreaker.CircuitBreaker[[]FeedProduct]

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
		Name:     peerName,
		Interval: breakerInterval,
		Timeout:  breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 >= counts.Requests
		},
	}
	return &Client{
		cfg:        cfg,
		http:       &http.Client{Timeout: cfg.Timeout},
		keyCB:      gobreaker.NewCircuitBreaker[string](settings),
		stockCB:    gobreaker.NewCircuitBreaker[int](settings),
		feedCB:     gobreaker.NewCircuitBreaker[[]FeedProduct](settings),
		extCounter: tel.Metrics().Counter(observability.MExternalRequests),
		extHist:    tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

type fetchKeyResponse struct {
	KeyCode string `json:"key_code"`
}

type stockResponse struct {
	Stock int `json:"stock"`
}

type feedEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
	Stock int    `json:"stock"`
}

// FetchKey buys one key for the given supplier product. The purchase is
// final; the caller owns the key from this point on.
func (c *Client) FetchKey(ctx context.Context, supplierProductID string) (string, error) {
	return c.keyCB.Execute(func() (string, error) {
		var resp fetchKeyResponse
		path := fmt.Sprintf("/v1/products/%s/keys", supplierProductID)
		if err := c.do(ctx, http.MethodPost, path, "fetch_key", &resp); err != nil {
			return "", err
		}
		if resp.KeyCode == "" {
			return "", fmt.Errorf("supplier: empty key for product %s", supplierProductID)
		}
		return resp.KeyCode, nil
	})
}

// Stock reports how many keys the supplier can still sell for a product.
func (c *Client) Stock(ctx context.Context, supplierProductID string) (int, error) {
	return c.stockCB.Execute(func() (int, error) {
		var resp stockResponse
		path := fmt.Sprintf("/v1/products/%s/stock", supplierProductID)
		if err := c.do(ctx, http.MethodGet, path, "stock", &resp); err != nil {
			return 0, err
		}
		return resp.Stock, nil
	})
}

// ListProducts downloads the supplier's sellable feed.
func (c *Client) ListProducts(ctx context.Context) ([]FeedProduct, error) {
	return c.feedCB.Execute(func() ([]FeedProduct, error) {
		var entries []feedEntry
		if err := c.do(ctx, http.MethodGet, "/v1/products", "list_products", &entries); err != nil {
			return nil, err
		}
		out := make([]FeedProduct, 0, len(entries))
		for _, e := range entries {
			price, err := decimal.NewFromString(e.Price)
			if err != nil {
				return nil, fmt.Errorf("supplier: product %s: bad price %q: %w", e.ID, e.Price, err)
			}
			out = append(out, FeedProduct{
				SupplierProductID: e.ID,
				Name:              e.Name,
				Price:             price,
				Stock:             e.Stock,
			})
		}
		return out, nil
	})
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	outcome := "success"
	if err != nil || resp.StatusCode >= 400 {
		outcome = "error"
	}
	c.extCounter.Add(1,
		observability.L("peer", peerName),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	c.extHist.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerName),
		observability.L("endpoint", endpoint),
	)
	if err != nil {
		return fmt.Errorf("supplier: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("supplier: %s: status %d: %s", endpoint, resp.StatusCode, raw)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
