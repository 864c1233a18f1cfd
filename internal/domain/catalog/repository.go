package catalog

import "context"

type ProductRepository interface {
	Get(ctx context.Context, id string) (*Product, error)
	// Upsert inserts or replaces a product row; used by the supplier sync job.
	Upsert(ctx context.Context, p *Product) error
}

// KeyRequest asks for quantity unsold keys of one product.
type KeyRequest struct {
	ProductID string
	Quantity  int
}

// KeyRepository owns the digital key pool.
//
// AllocateBatch atomically claims unsold keys for every request and marks
// them sold to the given order. The stock check and the claim happen under
// the same critical section: either every request is satisfied or none is,
// and no two callers can ever claim the same key. A shortfall on any product
// fails the whole batch with ErrInsufficientStock.
type KeyRepository interface {
	AllocateBatch(ctx context.Context, orderID string, reqs []KeyRequest) ([]DigitalKey, error)
	// InsertSold records a supplier-fetched key that is born already sold.
	InsertSold(ctx context.Context, key *DigitalKey) error
	// Add seeds an unsold key into the pool.
	Add(ctx context.Context, key *DigitalKey) error
	CountUnsold(ctx context.Context, productID string) (int, error)
	KeysByOrder(ctx context.Context, orderID string) ([]DigitalKey, error)
}
