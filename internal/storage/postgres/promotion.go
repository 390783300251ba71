package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/promotion"
)

const (
	getPromotionByCodeSQL = `SELECT code, type, value, products, categories, description,
		valid_from, valid_until, max_uses, uses
		FROM promotions WHERE code = UPPER($1) AND active = TRUE`

	incrementPromotionUsesSQL = `UPDATE promotions SET uses = uses + 1
		WHERE code = UPPER($1) AND active = TRUE AND (max_uses = 0 OR uses < max_uses)`

	promotionExistsSQL = `SELECT EXISTS (SELECT 1 FROM promotions WHERE code = UPPER($1) AND active = TRUE)`

	upsertPromotionSQL = `INSERT INTO promotions
		(code, type, value, products, categories, description, valid_from, valid_until, max_uses)
		VALUES (UPPER($1), $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE SET
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			products = EXCLUDED.products,
			categories = EXCLUDED.categories,
			description = EXCLUDED.description,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			max_uses = EXCLUDED.max_uses,
			active = TRUE`
)

var (
	_ promotion.Catalog       = (*PromotionRepository)(nil)
	_ promotion.UsageRecorder = (*PromotionRepository)(nil)
)

// PromotionRepository implements promotion.Catalog backed by PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// FindByCode looks up an active promotion by its code (case-insensitive).
// Returns promotion.ErrInvalidCode when no matching active promotion exists.
func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (*promotion.Definition, error) {
	rows, err := r.pool.Query(ctx, getPromotionByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrapf(err, "find promotion %q", code)
	}

	def, err := pgx.CollectExactlyOneRow(rows, scanPromotion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrInvalidCode
		}
		return nil, errors.Wrapf(err, "find promotion %q", code)
	}
	return &def, nil
}

// IncrementUses atomically increments the usage counter of code. It returns
// promotion.ErrUsageLimitReached when the counter is already at max_uses and
// promotion.ErrInvalidCode when no active promotion matches.
func (r *PromotionRepository) IncrementUses(ctx context.Context, code string) error {
	tag, err := r.pool.Exec(ctx, incrementPromotionUsesSQL, code)
	if err != nil {
		return errors.Wrapf(err, "increment uses of promotion %q", code)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, promotionExistsSQL, code).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check promotion %q", code)
	}
	if !exists {
		return promotion.ErrInvalidCode
	}
	return promotion.ErrUsageLimitReached
}

// Upsert inserts or replaces promotion definitions in one batch. Usage
// counters of existing promotions are kept.
func (r *PromotionRepository) Upsert(ctx context.Context, defs ...promotion.Definition) error {
	if len(defs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range defs {
		batch.Queue(upsertPromotionSQL,
			d.Code, string(d.Type), d.Value, nonNil(d.Products), nonNil(d.Categories), d.Description,
			d.ValidFrom, d.ValidUntil, d.MaxUses,
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert promotions")
	}
	return nil
}

func scanPromotion(row pgx.CollectableRow) (promotion.Definition, error) {
	var (
		def        promotion.Definition
		typ        string
		value      decimal.Decimal
		validFrom  *time.Time
		validUntil *time.Time
		maxUses    int32
		uses       int32
	)
	err := row.Scan(
		&def.Code, &typ, &value, &def.Products, &def.Categories, &def.Description,
		&validFrom, &validUntil, &maxUses, &uses,
	)
	def.Type = promotion.Type(typ)
	def.Value = value
	def.ValidFrom = validFrom
	def.ValidUntil = validUntil
	def.MaxUses = int(maxUses)
	def.Uses = int(uses)
	return def, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
