package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/gamekeys/backend/internal/domain/catalog"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type ProductRepository struct {
	db *sql.DB
}

func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) Get(ctx context.Context, id string) (*domain.Product, error) {
	var (
		p                domain.Product
		price, salePrice string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, price, sale_price, is_external, supplier_product_id, active
		FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &price, &salePrice, &p.IsExternal, &p.SupplierProductID, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get product: %w", err)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("postgres: product price: %w", err)
	}
	if p.SalePrice, err = decimal.NewFromString(salePrice); err != nil {
		return nil, fmt.Errorf("postgres: product sale price: %w", err)
	}
	return &p, nil
}

func (r *ProductRepository) Upsert(ctx context.Context, p *domain.Product) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("postgres: product id is required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, sale_price, is_external, supplier_product_id, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			sale_price = EXCLUDED.sale_price,
			is_external = EXCLUDED.is_external,
			supplier_product_id = EXCLUDED.supplier_product_id,
			active = EXCLUDED.active`,
		p.ID, p.Name, p.Price.StringFixed(2), p.SalePrice.StringFixed(2),
		p.IsExternal, p.SupplierProductID, p.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert product: %w", err)
	}
	return nil
}

// KeyRepository claims keys with row locks. FOR UPDATE SKIP LOCKED lets
// concurrent batches claim disjoint keys without queuing on each other; the
// shortfall check happens before any update so a failed batch touches
// nothing.
type KeyRepository struct {
	db *sql.DB
}

func NewKeyRepository(db *sql.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

func (r *KeyRepository) AllocateBatch(ctx context.Context, orderID string, reqs []domain.KeyRequest) ([]domain.DigitalKey, error) {
	if orderID == "" {
		return nil, fmt.Errorf("postgres: order id is required")
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	var allocated []domain.DigitalKey
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, req := range reqs {
			if req.Quantity <= 0 {
				return fmt.Errorf("postgres: quantity must be greater than zero")
			}

			rows, err := tx.QueryContext(ctx, `
				SELECT id, key_code, created_at
				FROM digital_keys
				WHERE product_id = $1 AND NOT is_sold
				LIMIT $2
				FOR UPDATE SKIP LOCKED`, req.ProductID, req.Quantity)
			if err != nil {
				return fmt.Errorf("postgres: lock keys: %w", err)
			}

			var ids []string
			batch := make([]domain.DigitalKey, 0, req.Quantity)
			for rows.Next() {
				k := domain.DigitalKey{
					ProductID: req.ProductID,
					IsSold:    true,
					SoldAt:    now,
					OrderID:   orderID,
				}
				if err := rows.Scan(&k.ID, &k.KeyCode, &k.CreatedAt); err != nil {
					rows.Close()
					return fmt.Errorf("postgres: scan key: %w", err)
				}
				ids = append(ids, k.ID)
				batch = append(batch, k)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("postgres: read keys: %w", err)
			}
			rows.Close()

			if len(ids) < req.Quantity {
				return fmt.Errorf("%w: product %s", domain.ErrInsufficientStock, req.ProductID)
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE digital_keys
				SET is_sold = TRUE, sold_at = $2, order_id = $3
				WHERE id = ANY($1)`,
				pq.Array(ids), now, orderID,
			); err != nil {
				return fmt.Errorf("postgres: claim keys: %w", err)
			}
			allocated = append(allocated, batch...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocated, nil
}

func (r *KeyRepository) InsertSold(ctx context.Context, key *domain.DigitalKey) error {
	return r.insert(ctx, key, true)
}

func (r *KeyRepository) Add(ctx context.Context, key *domain.DigitalKey) error {
	return r.insert(ctx, key, false)
}

func (r *KeyRepository) insert(ctx context.Context, key *domain.DigitalKey, sold bool) error {
	if key == nil || key.ProductID == "" || key.KeyCode == "" {
		return fmt.Errorf("postgres: product id and key code are required")
	}
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO digital_keys (id, product_id, key_code, is_sold, sold_at, order_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		key.ID, key.ProductID, key.KeyCode, sold, nullTime(key.SoldAt), key.OrderID, createdAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateKey
		}
		return fmt.Errorf("postgres: insert key: %w", err)
	}
	return nil
}

func (r *KeyRepository) CountUnsold(ctx context.Context, productID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM digital_keys
		WHERE product_id = $1 AND NOT is_sold`, productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count unsold: %w", err)
	}
	return n, nil
}

func (r *KeyRepository) KeysByOrder(ctx context.Context, orderID string) ([]domain.DigitalKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, key_code, is_sold, sold_at, order_id, created_at
		FROM digital_keys WHERE order_id = $1
		ORDER BY product_id, key_code`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: keys by order: %w", err)
	}
	defer rows.Close()

	var out []domain.DigitalKey
	for rows.Next() {
		var (
			k      domain.DigitalKey
			soldAt sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.ProductID, &k.KeyCode, &k.IsSold, &soldAt, &k.OrderID, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan key: %w", err)
		}
		if soldAt.Valid {
			k.SoldAt = soldAt.Time
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
