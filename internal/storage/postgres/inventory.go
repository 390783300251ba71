package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
)

const (
	listProductsSQL = `SELECT id, name, sku, category_id, kind, price, wholesale_price, stock
		FROM products ORDER BY id`

	decrementStockSQL = `UPDATE products SET stock = stock - $2
		WHERE id = $1 AND kind = 'product' AND stock >= $2
		RETURNING stock`

	productExistsSQL = `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`

	insertInventorySaleSQL = `INSERT INTO inventory_sales (id, payment_method, total, items)
		VALUES ($1, $2, $3, $4)`

	upsertProductSQL = `INSERT INTO products (id, name, sku, category_id, kind, price, wholesale_price, stock)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			sku = EXCLUDED.sku,
			category_id = EXCLUDED.category_id,
			kind = EXCLUDED.kind,
			price = EXCLUDED.price,
			wholesale_price = EXCLUDED.wholesale_price,
			stock = EXCLUDED.stock`
)

var _ inventory.Inventory = (*InventoryRepository)(nil)

// InventoryRepository implements inventory.Inventory backed by PostgreSQL.
// Stock changes made through it are published to in-process subscribers.
type InventoryRepository struct {
	pool *pgxpool.Pool
	hub  inventory.Hub
}

// NewInventoryRepository returns an InventoryRepository that uses the given pool.
func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

// Products returns all products ordered by ID.
func (r *InventoryRepository) Products(ctx context.Context) ([]inventory.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return pgx.CollectRows(rows, scanProduct)
}

// ProcessSale decrements stock for every product line and records the sale
// in one transaction.
func (r *InventoryRepository) ProcessSale(ctx context.Context, req inventory.SaleRequest) (string, error) {
	items, err := json.Marshal(req.Items)
	if err != nil {
		return "", errors.Wrap(err, "marshal sale items")
	}

	saleID := uuid.NewString()
	var changes []inventory.StockChange

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		changes = changes[:0]
		for _, item := range req.Items {
			if item.Kind == cart.KindService {
				continue
			}
			id := item.StockID
			if id == "" {
				id = item.ID
			}

			var left int32
			err := tx.QueryRow(ctx, decrementStockSQL, id, item.Quantity).Scan(&left)
			if errors.Is(err, pgx.ErrNoRows) {
				return r.stockError(ctx, tx, id)
			}
			if err != nil {
				return errors.Wrapf(err, "decrement stock of %q", id)
			}
			changes = append(changes, inventory.StockChange{StockID: id, Available: int(left)})
		}

		if _, err := tx.Exec(ctx, insertInventorySaleSQL, saleID, req.PaymentMethod, req.Total, items); err != nil {
			return errors.Wrap(err, "insert inventory sale")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	r.hub.Publish(changes...)
	return saleID, nil
}

func (r *InventoryRepository) stockError(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, productExistsSQL, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check product %q", id)
	}
	if !exists {
		return errors.Wrapf(inventory.ErrProductNotFound, "product %q", id)
	}
	return errors.Wrapf(inventory.ErrInsufficientStock, "product %q", id)
}

// Subscribe registers fn for stock changes made by ProcessSale and Upsert.
func (r *InventoryRepository) Subscribe(fn func(inventory.StockChange)) func() {
	return r.hub.Subscribe(fn)
}

// Upsert inserts or replaces products, including their stock level.
func (r *InventoryRepository) Upsert(ctx context.Context, products ...inventory.Product) error {
	if len(products) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range products {
		batch.Queue(upsertProductSQL,
			p.ID, p.Name, p.SKU, p.CategoryID, string(p.Kind), p.Price, p.WholesalePrice, p.Stock,
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert products")
	}

	changes := make([]inventory.StockChange, 0, len(products))
	for _, p := range products {
		if p.Kind == cart.KindProduct {
			changes = append(changes, inventory.StockChange{StockID: p.ID, Available: p.Stock})
		}
	}
	r.hub.Publish(changes...)
	return nil
}

func scanProduct(row pgx.CollectableRow) (inventory.Product, error) {
	var (
		p         inventory.Product
		kind      string
		price     decimal.Decimal
		wholesale decimal.NullDecimal
		stock     int32
	)
	err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.CategoryID, &kind, &price, &wholesale, &stock)
	p.Kind = cart.Kind(kind)
	p.Price = price
	if wholesale.Valid {
		wp := wholesale.Decimal
		p.WholesalePrice = &wp
	}
	p.Stock = int(stock)
	return p, err
}
