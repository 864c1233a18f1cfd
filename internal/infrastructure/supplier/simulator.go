package supplier

import (
	"context"
	"fmt"
	"sync"
)

// Simulator is an in-process wholesaler for local runs and tests. Stock is
// seeded per product and each FetchKey mints a fresh key code until the
// stock runs out.
type Simulator struct {
	mu    sync.Mutex
	seq   int
	stock map[string]int
	feed  []FeedProduct
}

func NewSimulator() *Simulator {
	return &Simulator{stock: make(map[string]int)}
}

// SetStock seeds the purchasable quantity for a supplier product.
func (s *Simulator) SetStock(supplierProductID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[supplierProductID] = quantity
}

// SetFeed seeds the product feed returned by ListProducts.
func (s *Simulator) SetFeed(feed []FeedProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = append([]FeedProduct(nil), feed...)
	for _, p := range feed {
		s.stock[p.SupplierProductID] = p.Stock
	}
}

func (s *Simulator) FetchKey(ctx context.Context, supplierProductID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stock[supplierProductID] <= 0 {
		return "", fmt.Errorf("supplier: product %s is out of stock", supplierProductID)
	}
	s.stock[supplierProductID]--
	s.seq++
	return fmt.Sprintf("EXT-%s-%06d", supplierProductID, s.seq), nil
}

func (s *Simulator) Stock(ctx context.Context, supplierProductID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[supplierProductID], nil
}

func (s *Simulator) ListProducts(ctx context.Context) ([]FeedProduct, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FeedProduct, len(s.feed))
	copy(out, s.feed)
	for i := range out {
		out[i].Stock = s.stock[out[i].SupplierProductID]
	}
	return out, nil
}
