package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/gamekeys/backend/internal/domain/order"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Insert(ctx context.Context, order *domain.Order) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, user_id, email, is_guest, status, payment_method,
				provider_session_ref, subtotal, cashback_used, total,
				cashback_earned, client_ip, created_at, paid_at, fulfilled_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			order.ID, order.UserID, order.Email, order.IsGuest, order.Status,
			order.PaymentMethod, order.ProviderSessionRef,
			order.Subtotal.StringFixed(2), order.CashbackUsed.StringFixed(2),
			order.Total.StringFixed(2), order.CashbackEarned.StringFixed(2),
			order.ClientIP, order.CreatedAt, nullTime(order.PaidAt), nullTime(order.FulfilledAt),
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return domain.ErrConflict
			}
			return fmt.Errorf("postgres: insert order: %w", err)
		}

		for _, it := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, product_id, unit_price, quantity)
				VALUES ($1,$2,$3,$4)`,
				order.ID, it.ProductID, it.UnitPrice.StringFixed(2), it.Quantity,
			); err != nil {
				return fmt.Errorf("postgres: insert order item: %w", err)
			}
		}
		return nil
	})
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, is_guest, status, payment_method,
		       provider_session_ref, subtotal, cashback_used, total,
		       cashback_earned, client_ip, created_at, paid_at, fulfilled_at
		FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// Update rewrites the mutable order columns. Items are immutable after
// creation and are left alone.
func (r *OrderRepository) Update(ctx context.Context, order *domain.Order) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2, payment_method = $3, provider_session_ref = $4,
			cashback_earned = $5, paid_at = $6, fulfilled_at = $7
		WHERE id = $1`,
		order.ID, order.Status, order.PaymentMethod, order.ProviderSessionRef,
		order.CashbackEarned.StringFixed(2), nullTime(order.PaidAt), nullTime(order.FulfilledAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: update order: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Order, error) {
	if userID == "" {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, email, is_guest, status, payment_method,
		       provider_session_ref, subtotal, cashback_used, total,
		       cashback_earned, client_ip, created_at, paid_at, fulfilled_at
		FROM orders WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	for _, order := range out {
		if err := r.loadItems(ctx, order); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, order *domain.Order) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, unit_price, quantity
		FROM order_items WHERE order_id = $1
		ORDER BY product_id`, order.ID)
	if err != nil {
		return fmt.Errorf("postgres: load items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.Item
		var price string
		if err := rows.Scan(&it.ProductID, &price, &it.Quantity); err != nil {
			return fmt.Errorf("postgres: scan item: %w", err)
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("postgres: item price: %w", err)
		}
		order.Items = append(order.Items, it)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                             domain.Order
		status                        string
		subtotal, used, total, earned string
		paidAt, fulfilledAt           sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.Email, &o.IsGuest, &status, &o.PaymentMethod,
		&o.ProviderSessionRef, &subtotal, &used, &total, &earned,
		&o.ClientIP, &o.CreatedAt, &paidAt, &fulfilledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan order: %w", err)
	}

	o.Status = domain.Status(status)
	if o.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return nil, fmt.Errorf("postgres: order subtotal: %w", err)
	}
	if o.CashbackUsed, err = decimal.NewFromString(used); err != nil {
		return nil, fmt.Errorf("postgres: order cashback_used: %w", err)
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("postgres: order total: %w", err)
	}
	if o.CashbackEarned, err = decimal.NewFromString(earned); err != nil {
		return nil, fmt.Errorf("postgres: order cashback_earned: %w", err)
	}
	if paidAt.Valid {
		o.PaidAt = paidAt.Time
	}
	if fulfilledAt.Valid {
		o.FulfilledAt = fulfilledAt.Time
	}
	return &o, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
