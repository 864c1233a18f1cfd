package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/gamekeys/backend/internal/domain/catalog"
	"github.com/gamekeys/backend/internal/pkg/synckey"
)

type ProductRepository struct {
	mu       sync.RWMutex
	products map[string]*domain.Product
}

func NewProductRepository() *ProductRepository {
	return &ProductRepository{products: make(map[string]*domain.Product)}
}

func (r *ProductRepository) Get(ctx context.Context, id string) (*domain.Product, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *ProductRepository) Upsert(ctx context.Context, p *domain.Product) error {
	_ = ctx
	if p == nil || p.ID == "" {
		return fmt.Errorf("product repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *p
	r.products[p.ID] = &cp
	return nil
}

// KeyRepository holds the digital key pool. The claim critical section is
// per product: AllocateBatch takes the product locks in sorted order, checks
// every requested quantity, then claims, so a batch either fully succeeds or
// leaves the pool untouched and no key is ever handed out twice.
type KeyRepository struct {
	mu    sync.RWMutex
	keys  map[string][]*domain.DigitalKey // productID -> keys
	locks *synckey.Mutex
}

func NewKeyRepository() *KeyRepository {
	return &KeyRepository{
		keys:  make(map[string][]*domain.DigitalKey),
		locks: synckey.New(),
	}
}

func (r *KeyRepository) AllocateBatch(ctx context.Context, orderID string, reqs []domain.KeyRequest) ([]domain.DigitalKey, error) {
	_ = ctx
	if orderID == "" {
		return nil, fmt.Errorf("key repository: order id is required")
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	// Sorted, deduplicated lock order avoids deadlock between concurrent
	// batches touching overlapping product sets.
	seen := make(map[string]struct{}, len(reqs))
	productIDs := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if _, dup := seen[req.ProductID]; dup {
			continue
		}
		seen[req.ProductID] = struct{}{}
		productIDs = append(productIDs, req.ProductID)
	}
	sort.Strings(productIDs)
	for _, pid := range productIDs {
		unlock := r.locks.Lock(pid)
		defer unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check every product before claiming anything.
	for _, req := range reqs {
		if req.Quantity <= 0 {
			return nil, fmt.Errorf("key repository: quantity must be greater than zero")
		}
		if r.countUnsoldLocked(req.ProductID) < req.Quantity {
			return nil, fmt.Errorf("%w: product %s", domain.ErrInsufficientStock, req.ProductID)
		}
	}

	now := time.Now().UTC()
	var allocated []domain.DigitalKey
	for _, req := range reqs {
		remaining := req.Quantity
		for _, k := range r.keys[req.ProductID] {
			if remaining == 0 {
				break
			}
			if k.IsSold {
				continue
			}
			k.IsSold = true
			k.SoldAt = now
			k.OrderID = orderID
			allocated = append(allocated, *k)
			remaining--
		}
	}
	return allocated, nil
}

func (r *KeyRepository) countUnsoldLocked(productID string) int {
	n := 0
	for _, k := range r.keys[productID] {
		if !k.IsSold {
			n++
		}
	}
	return n
}

func (r *KeyRepository) InsertSold(ctx context.Context, key *domain.DigitalKey) error {
	return r.insert(ctx, key, true)
}

func (r *KeyRepository) Add(ctx context.Context, key *domain.DigitalKey) error {
	return r.insert(ctx, key, false)
}

func (r *KeyRepository) insert(ctx context.Context, key *domain.DigitalKey, sold bool) error {
	_ = ctx
	if key == nil || key.ProductID == "" || key.KeyCode == "" {
		return fmt.Errorf("key repository: product id and key code are required")
	}

	unlock := r.locks.Lock(key.ProductID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.keys[key.ProductID] {
		if existing.KeyCode == key.KeyCode {
			return domain.ErrDuplicateKey
		}
	}

	cp := *key
	cp.IsSold = sold
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.keys[key.ProductID] = append(r.keys[key.ProductID], &cp)
	return nil
}

func (r *KeyRepository) CountUnsold(ctx context.Context, productID string) (int, error) {
	_ = ctx

	unlock := r.locks.Lock(productID)
	defer unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countUnsoldLocked(productID), nil
}

func (r *KeyRepository) KeysByOrder(ctx context.Context, orderID string) ([]domain.DigitalKey, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.DigitalKey
	for _, keys := range r.keys {
		for _, k := range keys {
			if k.OrderID == orderID {
				out = append(out, *k)
			}
		}
	}
	return out, nil
}
