// Package pricing turns a cart snapshot into subtotal, discount, tax and
// total. Price is pure: it never mutates its input and never fails.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)

	// epsilon nudges exact half-cent values up before rounding.
	epsilon = decimal.New(1, -9)
)

// LineTotal is the priced breakdown of one cart line.
type LineTotal struct {
	Key       cart.Key        `json:"key"`
	Base      decimal.Decimal `json:"base"`
	Discount  decimal.Decimal `json:"discount"`
	Total     decimal.Decimal `json:"total"`
	Wholesale bool            `json:"wholesale"`
}

// Totals is the result of pricing a snapshot. Every aggregate is rounded to
// cents before it feeds the next one.
type Totals struct {
	Subtotal             decimal.Decimal `json:"subtotal"`
	NonWholesaleSubtotal decimal.Decimal `json:"non_wholesale_subtotal"`
	GeneralDiscount      decimal.Decimal `json:"general_discount"`
	Taxable              decimal.Decimal `json:"taxable"`
	Tax                  decimal.Decimal `json:"tax"`
	Total                decimal.Decimal `json:"total"`
	Lines                []LineTotal     `json:"lines"`
}

// Round2 rounds half-up to two decimals.
func Round2(v decimal.Decimal) decimal.Decimal {
	return v.Add(epsilon).Round(2)
}

// UnderWholesale reports whether line is priced at the wholesale tier in snap.
// Service lines never are.
func UnderWholesale(line cart.Line, snap cart.Snapshot) bool {
	return snap.Wholesale && line.IsProduct()
}

// LineBase is the post-wholesale, pre-discount value of a line: the effective
// unit price times quantity.
func LineBase(line cart.Line, snap cart.Snapshot) decimal.Decimal {
	unit := line.UnitPrice
	if UnderWholesale(line, snap) {
		if line.WholesalePrice != nil {
			unit = *line.WholesalePrice
		} else {
			unit = line.UnitPrice.Mul(one.Sub(snap.WholesaleRate))
		}
	}
	return unit.Mul(decimal.NewFromInt(int64(line.Quantity)))
}

// Price computes totals for snap. The steps run in a fixed order:
// line base, line discount, subtotal, non-wholesale subtotal, general
// discount, tax, total.
func Price(snap cart.Snapshot) Totals {
	t := Totals{
		Subtotal:             decimal.Zero,
		NonWholesaleSubtotal: decimal.Zero,
		GeneralDiscount:      decimal.Zero,
		Taxable:              decimal.Zero,
		Tax:                  decimal.Zero,
		Total:                decimal.Zero,
		Lines:                make([]LineTotal, 0, len(snap.Lines)),
	}
	if snap.IsEmpty() {
		return t
	}

	subtotal := decimal.Zero
	nonWholesale := decimal.Zero
	for _, line := range snap.Lines {
		base := LineBase(line, snap)
		pct := cart.ClampPercent(line.DiscountPercent)
		total := base.Mul(one.Sub(pct.Div(hundred)))
		wholesale := UnderWholesale(line, snap)

		subtotal = subtotal.Add(total)
		if !wholesale {
			nonWholesale = nonWholesale.Add(total)
		}
		t.Lines = append(t.Lines, LineTotal{
			Key:       line.Key(),
			Base:      Round2(base),
			Discount:  Round2(base.Sub(total)),
			Total:     Round2(total),
			Wholesale: wholesale,
		})
	}

	t.Subtotal = Round2(subtotal)
	t.NonWholesaleSubtotal = Round2(nonWholesale)

	general := cart.ClampPercent(snap.GeneralDiscount)
	t.GeneralDiscount = Round2(t.NonWholesaleSubtotal.Mul(general).Div(hundred))

	t.Taxable = Round2(t.Subtotal.Sub(t.GeneralDiscount))
	t.Tax = Round2(tax(t.Taxable, snap.TaxRate, snap.PricesIncludeTax))

	if snap.PricesIncludeTax {
		t.Total = t.Taxable
	} else {
		t.Total = Round2(t.Taxable.Add(t.Tax))
	}
	return t
}

// tax returns the tax on taxable. With inclusive prices the tax is already
// inside taxable and is extracted instead of added.
func tax(taxable, rate decimal.Decimal, inclusive bool) decimal.Decimal {
	if rate.IsNegative() || rate.IsZero() || !taxable.IsPositive() {
		return decimal.Zero
	}
	if inclusive {
		return taxable.Sub(taxable.Div(one.Add(rate)))
	}
	return taxable.Mul(rate)
}
