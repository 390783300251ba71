package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oolio-pos/internal/domain/settlement"
)

const (
	insertSaleSQL = `INSERT INTO sales (id, method, splits, subtotal, discount, tax, total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	insertSaleItemSQL = `INSERT INTO sale_items
		(sale_id, line_no, product_id, variant, name, sku, kind, unit_price, quantity, discount_percent, promo_code, total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
)

var _ settlement.SaleStore = (*SaleRepository)(nil)

// SaleRepository implements settlement.SaleStore backed by PostgreSQL.
type SaleRepository struct {
	pool *pgxpool.Pool
}

// NewSaleRepository returns a SaleRepository that uses the given pool.
func NewSaleRepository(pool *pgxpool.Pool) *SaleRepository {
	return &SaleRepository{pool: pool}
}

// CreateOrAttachSale writes the sale header and its lines in one
// transaction. When a sale with the same id already exists nothing is
// written, so retries never duplicate lines. A missing table is reported as
// settlement.ErrSchemaMissing.
func (r *SaleRepository) CreateOrAttachSale(ctx context.Context, rec settlement.SaleRecord, existingSaleID string) error {
	if existingSaleID != "" {
		rec.SaleID = existingSaleID
	}
	if rec.SaleID == "" {
		return errors.New("sale id required")
	}

	splits, err := json.Marshal(rec.Splits)
	if err != nil {
		return errors.Wrap(err, "marshal splits")
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertSaleSQL,
			rec.SaleID, rec.Method, splits, rec.Subtotal, rec.Discount, rec.Tax, rec.Total, rec.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "insert sale")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, l := range rec.Lines {
			batch.Queue(insertSaleItemSQL,
				rec.SaleID, i+1, l.ID, l.Variant, l.Name, l.SKU, string(l.Kind),
				l.UnitPrice, l.Quantity, l.DiscountPercent, l.PromoCode, l.Total,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "insert sale items")
		}
		return nil
	})
	if err != nil {
		if hasCode(err, codeUndefinedTable) {
			return errors.Wrap(settlement.ErrSchemaMissing, err.Error())
		}
		return errors.Wrapf(err, "create sale %q", rec.SaleID)
	}
	return nil
}
