package promotion

import (
	"slices"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/pricing"
)

var hundred = decimal.NewFromInt(100)

// Plan computes the per-line discount changes def would make to snap without
// touching any cart.
//
// Percentage promotions take the better of the current discount and the
// promotion value, so they never stack with each other and re-applying is a
// no-op. Fixed promotions are split across eligible lines in proportion to
// their wholesale-aware base and are added on top of the current discount.
func Plan(def *Definition, snap cart.Snapshot) (map[cart.Key]cart.Adjustment, []Allocation, error) {
	var eligible []cart.Line
	for _, line := range snap.Lines {
		if def.Eligible(line) {
			eligible = append(eligible, line)
		}
	}
	if len(eligible) == 0 {
		return nil, nil, ErrNoEligibleItems
	}

	switch def.Type {
	case TypePercentage:
		adj, alloc := planPercentage(def, snap, eligible)
		return adj, alloc, nil
	case TypeFixed:
		return planFixed(def, snap, eligible)
	default:
		return nil, nil, errors.Errorf("unsupported promotion type: %q", def.Type)
	}
}

func planPercentage(def *Definition, snap cart.Snapshot, eligible []cart.Line) (map[cart.Key]cart.Adjustment, []Allocation) {
	value := cart.ClampPercent(def.Value)
	adj := make(map[cart.Key]cart.Adjustment, len(eligible))
	alloc := make([]Allocation, 0, len(eligible))

	for _, line := range eligible {
		current := cart.ClampPercent(line.DiscountPercent)
		next := decimal.Max(current, value)
		delta := next.Sub(current)

		adj[line.Key()] = cart.Adjustment{DiscountPercent: next, PromoCode: def.Code}
		alloc = append(alloc, Allocation{
			Key:          line.Key(),
			Share:        pricing.Round2(pricing.LineBase(line, snap).Mul(delta).Div(hundred)),
			PercentDelta: delta,
		})
	}
	return adj, alloc
}

func planFixed(def *Definition, snap cart.Snapshot, eligible []cart.Line) (map[cart.Key]cart.Adjustment, []Allocation, error) {
	bases := make([]decimal.Decimal, len(eligible))
	eligibleBase := decimal.Zero
	for i, line := range eligible {
		bases[i] = pricing.LineBase(line, snap)
		eligibleBase = eligibleBase.Add(bases[i])
	}
	if !eligibleBase.IsPositive() {
		return nil, nil, ErrZeroBase
	}

	value := def.Value
	if value.IsNegative() {
		value = decimal.Zero
	}
	value = pricing.Round2(decimal.Min(value, eligibleBase))
	shares := allocateCents(value, bases, eligibleBase)

	adj := make(map[cart.Key]cart.Adjustment, len(eligible))
	alloc := make([]Allocation, 0, len(eligible))
	for i, line := range eligible {
		delta := decimal.Zero
		if bases[i].IsPositive() {
			delta = shares[i].Div(bases[i]).Mul(hundred)
		}
		current := cart.ClampPercent(line.DiscountPercent)

		adj[line.Key()] = cart.Adjustment{
			DiscountPercent: cart.ClampPercent(current.Add(delta)),
			PromoCode:       def.Code,
		}
		alloc = append(alloc, Allocation{
			Key:          line.Key(),
			Share:        shares[i],
			PercentDelta: delta,
		})
	}
	return adj, alloc, nil
}

// allocateCents splits value across bases in proportion, in whole cents, so
// the shares are never negative and sum to value exactly. Every share is the
// floor of its exact part; the leftover cents go one each to the largest
// fractional parts, ties broken by line order.
func allocateCents(value decimal.Decimal, bases []decimal.Decimal, total decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(bases))
	fractions := make([]decimal.Decimal, len(bases))
	allocated := decimal.Zero
	for i, base := range bases {
		exact := value.Mul(base).Div(total)
		shares[i] = exact.Truncate(2)
		fractions[i] = exact.Sub(shares[i])
		allocated = allocated.Add(shares[i])
	}

	order := make([]int, len(bases))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return fractions[b].Cmp(fractions[a])
	})

	cent := decimal.New(1, -2)
	left := value.Sub(allocated).Mul(hundred).Round(0).IntPart()
	for k := 0; k < int(left) && k < len(order); k++ {
		i := order[k]
		shares[i] = shares[i].Add(cent)
	}
	return shares
}

// applyPlan returns a copy of snap with adj applied, mirroring
// cart.Store.ApplyAdjustments.
func applyPlan(snap cart.Snapshot, adj map[cart.Key]cart.Adjustment) cart.Snapshot {
	out := snap.Clone()
	for i := range out.Lines {
		a, ok := adj[out.Lines[i].Key()]
		if !ok {
			continue
		}
		out.Lines[i].DiscountPercent = cart.ClampPercent(a.DiscountPercent)
		if a.PromoCode != "" {
			out.Lines[i].PromoCode = a.PromoCode
		}
	}
	return out
}
