// Package cart holds the mutable set of sellable lines for the active sale.
package cart

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind distinguishes stock-tracked products from service/repair lines.
type Kind string

const (
	// KindProduct is a retail product that decrements stock when sold.
	KindProduct Kind = "product"
	// KindService is a service or repair line. It never touches stock and is
	// never priced at wholesale.
	KindService Kind = "service"
)

// DiscountSource records who last wrote the cart-wide discount.
type DiscountSource string

const (
	// SourceNone means no general discount is set.
	SourceNone DiscountSource = ""
	// SourceManual is a discount typed in by the cashier.
	SourceManual DiscountSource = "manual"
	// SourceVIP is the automatic discount for a VIP customer.
	SourceVIP DiscountSource = "vip"
)

var (
	// ErrOutOfStock is returned when adding a product with no available stock.
	ErrOutOfStock = errors.New("out of stock")
	// ErrLineNotFound is returned when a line key does not exist in the cart.
	ErrLineNotFound = errors.New("cart line not found")
	// ErrInvalidQuantity is returned when adding a non-positive quantity.
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
)

var hundred = decimal.NewFromInt(100)

// InvalidLineError indicates a line failed construction-time validation.
type InvalidLineError struct {
	ID     string
	Reason string
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("invalid cart line %q: %s", e.ID, e.Reason)
}

// Key identifies a cart line. Two adds with the same key merge.
type Key struct {
	ID      string `json:"id"`
	Variant string `json:"variant,omitempty"`
}

func (k Key) String() string {
	if k.Variant == "" {
		return k.ID
	}
	return k.ID + "/" + k.Variant
}

// Line is a single sellable entry in the cart.
//
// WholesalePrice is optional: when nil, the wholesale unit price is derived
// from UnitPrice and the snapshot's wholesale rate. PromoCode is empty when no
// promotion touched the line. StockID and AvailableStock only apply to
// products.
type Line struct {
	ID              string           `json:"id"`
	Variant         string           `json:"variant,omitempty"`
	Name            string           `json:"name"`
	SKU             string           `json:"sku,omitempty"`
	CategoryID      string           `json:"category_id,omitempty"`
	Kind            Kind             `json:"kind"`
	UnitPrice       decimal.Decimal  `json:"unit_price"`
	Quantity        int              `json:"quantity"`
	DiscountPercent decimal.Decimal  `json:"discount_percent"`
	WholesalePrice  *decimal.Decimal `json:"wholesale_price,omitempty"`
	PromoCode       string           `json:"promo_code,omitempty"`
	StockID         string           `json:"stock_id,omitempty"`
	AvailableStock  int              `json:"available_stock"`
}

// Key returns the merge identity of the line.
func (l Line) Key() Key {
	return Key{ID: l.ID, Variant: l.Variant}
}

// IsProduct reports whether the line is stock-tracked.
func (l Line) IsProduct() bool {
	return l.Kind == KindProduct
}

// Validate checks the optional-field rules and normalizes the discount
// percent into [0, 100]. It is called once when a line enters the cart so
// that pricing never has to re-check these fields.
func (l *Line) Validate() error {
	l.ID = strings.TrimSpace(l.ID)
	if l.ID == "" {
		return &InvalidLineError{Reason: "id required"}
	}
	switch l.Kind {
	case KindProduct:
		if l.StockID == "" {
			l.StockID = l.ID
		}
		if l.WholesalePrice != nil && l.WholesalePrice.IsNegative() {
			return &InvalidLineError{ID: l.ID, Reason: "wholesale price must not be negative"}
		}
	case KindService:
		if l.WholesalePrice != nil {
			return &InvalidLineError{ID: l.ID, Reason: "service lines have no wholesale price"}
		}
		if l.StockID != "" {
			return &InvalidLineError{ID: l.ID, Reason: "service lines are not stock-tracked"}
		}
		l.AvailableStock = 0
	default:
		return &InvalidLineError{ID: l.ID, Reason: fmt.Sprintf("unknown kind %q", l.Kind)}
	}
	if l.UnitPrice.IsNegative() {
		return &InvalidLineError{ID: l.ID, Reason: "unit price must not be negative"}
	}
	l.DiscountPercent = ClampPercent(l.DiscountPercent)
	return nil
}

// clone returns a deep copy so callers never share the WholesalePrice pointer.
func (l Line) clone() Line {
	if l.WholesalePrice != nil {
		wp := *l.WholesalePrice
		l.WholesalePrice = &wp
	}
	return l
}

// ClampPercent bounds p into [0, 100].
func ClampPercent(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}

// Snapshot is an immutable copy of the cart together with the pricing
// configuration that applies to it.
type Snapshot struct {
	Lines            []Line          `json:"lines"`
	Wholesale        bool            `json:"wholesale"`
	WholesaleRate    decimal.Decimal `json:"wholesale_rate"`
	GeneralDiscount  decimal.Decimal `json:"general_discount"`
	DiscountSource   DiscountSource  `json:"discount_source,omitempty"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	PricesIncludeTax bool            `json:"prices_include_tax"`
}

// IsEmpty reports whether the snapshot has no lines.
func (s Snapshot) IsEmpty() bool {
	return len(s.Lines) == 0
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Lines = make([]Line, len(s.Lines))
	for i, l := range s.Lines {
		out.Lines[i] = l.clone()
	}
	return out
}

// Line returns the line with the given key.
func (s Snapshot) Line(k Key) (Line, bool) {
	for _, l := range s.Lines {
		if l.Key() == k {
			return l, true
		}
	}
	return Line{}, false
}

// Preferences are the register-level defaults a cart resets to.
type Preferences struct {
	WholesaleRate    decimal.Decimal
	TaxRate          decimal.Decimal
	PricesIncludeTax bool
}

// Adjustment is a per-line discount change applied as part of a batch.
type Adjustment struct {
	DiscountPercent decimal.Decimal
	PromoCode       string
}
