package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/pricing"
)

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Logger *zap.Logger
	Now    func() time.Time
}

func (o *ResolverOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Resolver applies promotion codes from a Catalog to a cart.
type Resolver struct {
	catalog Catalog
	lg      *zap.Logger
	now     func() time.Time
}

// NewResolver creates a Resolver backed by catalog.
func NewResolver(catalog Catalog, opts ResolverOptions) *Resolver {
	opts.setDefaults()
	return &Resolver{
		catalog: catalog,
		lg:      opts.Logger,
		now:     opts.Now,
	}
}

// ApplyCode looks up code, checks its validity window and usage limit, and
// rewrites the discounts of the eligible lines in store. The plan is computed
// and applied under the cart lock. When the catalog counts redemptions the
// counter is incremented before the cart changes; a failed increment leaves
// the cart untouched.
//
// Re-applying a percentage code that is already in effect changes nothing and
// is not counted again.
func (r *Resolver) ApplyCode(ctx context.Context, code string, store *cart.Store) (Result, error) {
	code = NormalizeCode(code)
	res := Result{Code: code, DiscountAmount: decimal.Zero}
	if code == "" {
		res.Reason = ErrInvalidCode.Error()
		return res, ErrInvalidCode
	}

	def, err := r.lookup(ctx, code)
	if err != nil {
		res.Reason = err.Error()
		return res, err
	}

	err = store.Adjust(func(snap cart.Snapshot) (map[cart.Key]cart.Adjustment, error) {
		adj, alloc, err := Plan(def, snap)
		if err != nil {
			return nil, err
		}

		before := pricing.Price(snap)
		after := pricing.Price(applyPlan(snap, adj))
		res.DiscountAmount = pricing.Round2(before.Subtotal.Sub(after.Subtotal))
		res.Allocations = alloc

		if alreadyApplied(def, snap, alloc) {
			res.Reason = "already applied"
			return nil, nil
		}
		if rec, ok := r.catalog.(UsageRecorder); ok {
			if err := rec.IncrementUses(ctx, def.Code); err != nil {
				return nil, errors.Wrap(err, "increment promotion uses")
			}
		}
		return adj, nil
	})
	if err != nil {
		res.DiscountAmount = decimal.Zero
		res.Allocations = nil
		res.Reason = err.Error()
		return res, err
	}

	res.Applied = true
	r.lg.Debug("Promotion applied",
		zap.String("code", def.Code),
		zap.String("type", string(def.Type)),
		zap.String("discount", res.DiscountAmount.StringFixed(2)),
		zap.Int("lines", len(res.Allocations)),
	)
	return res, nil
}

func (r *Resolver) lookup(ctx context.Context, code string) (*Definition, error) {
	def, err := r.catalog.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			return nil, ErrInvalidCode
		}
		return nil, errors.Wrap(err, "lookup promotion")
	}
	if def == nil {
		return nil, ErrInvalidCode
	}

	now := r.now()
	if def.ValidFrom != nil && now.Before(*def.ValidFrom) {
		return nil, ErrExpired
	}
	if def.ValidUntil != nil && now.After(*def.ValidUntil) {
		return nil, ErrExpired
	}
	if def.MaxUses > 0 && def.Uses >= def.MaxUses {
		return nil, ErrUsageLimitReached
	}
	return def, nil
}

// alreadyApplied reports whether a percentage code is fully in effect on
// every eligible line. Fixed codes stack and are never considered applied.
func alreadyApplied(def *Definition, snap cart.Snapshot, alloc []Allocation) bool {
	if def.Type != TypePercentage {
		return false
	}
	for _, a := range alloc {
		if !a.PercentDelta.IsZero() {
			return false
		}
		line, ok := snap.Line(a.Key)
		if !ok || line.PromoCode != def.Code {
			return false
		}
	}
	return true
}
