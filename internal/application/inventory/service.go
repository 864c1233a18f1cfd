package inventory

import (
	"context"
	"fmt"
	"time"

	domain "github.com/gamekeys/backend/internal/domain/catalog"
	"github.com/gamekeys/backend/internal/observability"
	"github.com/gamekeys/backend/internal/observability/logctx"
)

type IDGenerator interface {
	NewID() string
}

// Supplier is the external key-supplier capability. FetchKey purchases
// exactly one new key; there is no pooling or reuse across orders.
type Supplier interface {
	FetchKey(ctx context.Context, supplierProductID string) (string, error)
	Stock(ctx context.Context, supplierProductID string) (int, error)
}

// Line asks for quantity keys of one product.
type Line struct {
	ProductID string
	Quantity  int
}

type Service struct {
	products domain.ProductRepository
	keys     domain.KeyRepository
	supplier Supplier
	idGen    IDGenerator
	log      observability.Logger
}

func NewService(products domain.ProductRepository, keys domain.KeyRepository, supplier Supplier, idGen IDGenerator, logger observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		products: products,
		keys:     keys,
		supplier: supplier,
		idGen:    idGen,
		log:      logger.With(observability.F("component", "inventory_service")),
	}
}

// Allocate claims keys for every line of an order. Internal lines are
// claimed in one atomic batch; external lines are purchased from the
// supplier one key at a time afterwards, so no lock is held across the
// supplier call. A supplier failure after the internal claim cannot return
// keys to the pool (sales are one-way); it is reported for manual
// reconciliation instead.
func (s *Service) Allocate(ctx context.Context, orderID string, lines []Line) ([]domain.DigitalKey, error) {
	logger := logctx.FromOr(ctx, s.log).With(observability.F("order_id", orderID))

	var internal []domain.KeyRequest
	type externalLine struct {
		product  *domain.Product
		quantity int
	}
	var external []externalLine

	for _, line := range lines {
		p, err := s.products.Get(ctx, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("inventory: load product %s: %w", line.ProductID, err)
		}
		if p.IsExternal {
			external = append(external, externalLine{product: p, quantity: line.Quantity})
		} else {
			internal = append(internal, domain.KeyRequest{ProductID: line.ProductID, Quantity: line.Quantity})
		}
	}

	allocated, err := s.keys.AllocateBatch(ctx, orderID, internal)
	if err != nil {
		return nil, fmt.Errorf("inventory: allocate: %w", err)
	}

	for _, ext := range external {
		for i := 0; i < ext.quantity; i++ {
			key, err := s.fetchExternalKey(ctx, orderID, ext.product)
			if err != nil {
				if len(allocated) > 0 {
					logger.Error("allocation_needs_reconciliation",
						observability.F("allocated_keys", len(allocated)),
						observability.F("failed_product", ext.product.ID),
						observability.F("error", err.Error()),
					)
				}
				return nil, fmt.Errorf("inventory: external key for %s: %w: %w",
					ext.product.ID, domain.ErrInsufficientStock, err)
			}
			allocated = append(allocated, *key)
		}
	}

	return allocated, nil
}

// fetchExternalKey purchases one key from the supplier and records it as
// born-sold, tagged to the consuming order.
func (s *Service) fetchExternalKey(ctx context.Context, orderID string, p *domain.Product) (*domain.DigitalKey, error) {
	code, err := s.supplier.FetchKey(ctx, p.SupplierProductID)
	if err != nil {
		return nil, err
	}

	key := &domain.DigitalKey{
		ID:        s.idGen.NewID(),
		ProductID: p.ID,
		KeyCode:   code,
		IsSold:    true,
		SoldAt:    time.Now().UTC(),
		OrderID:   orderID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.keys.InsertSold(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// AvailableCount reports sellable stock: unsold pool keys for internal
// products, the supplier's own answer for external ones.
func (s *Service) AvailableCount(ctx context.Context, productID string) (int, error) {
	p, err := s.products.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	if p.IsExternal {
		return s.supplier.Stock(ctx, p.SupplierProductID)
	}
	return s.keys.CountUnsold(ctx, productID)
}

// KeysByOrder returns the keys delivered to an order.
func (s *Service) KeysByOrder(ctx context.Context, orderID string) ([]domain.DigitalKey, error) {
	return s.keys.KeysByOrder(ctx, orderID)
}
