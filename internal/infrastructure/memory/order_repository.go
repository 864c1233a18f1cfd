package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	domain "github.com/gamekeys/backend/internal/domain/order"
)

var errOrderID = errors.New("order repository: id is required")

// OrderRepository keeps orders in a map, cloning on every boundary crossing
// so callers never share mutable state with the store.
type OrderRepository struct {
	mu   sync.RWMutex
	byID map[string]*domain.Order
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{byID: make(map[string]*domain.Order)}
}

func (r *OrderRepository) Insert(_ context.Context, order *domain.Order) error {
	if order == nil || order.ID == "" {
		return errOrderID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[order.ID]; exists {
		return domain.ErrConflict
	}
	r.byID[order.ID] = order.Clone()
	return nil
}

func (r *OrderRepository) Get(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return order.Clone(), nil
}

func (r *OrderRepository) Update(_ context.Context, order *domain.Order) error {
	if order == nil || order.ID == "" {
		return errOrderID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[order.ID]; !exists {
		return domain.ErrNotFound
	}
	r.byID[order.ID] = order.Clone()
	return nil
}

func (r *OrderRepository) ListByUser(_ context.Context, userID string) ([]*domain.Order, error) {
	if userID == "" {
		return nil, nil
	}

	r.mu.RLock()
	var out []*domain.Order
	for _, o := range r.byID {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
