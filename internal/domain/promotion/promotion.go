// Package promotion resolves promotion codes against the cart and rewrites
// per-line discounts.
package promotion

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
)

// Type enumerates the supported promotion strategies.
type Type string

const (
	// TypePercentage raises eligible line discounts to the promotion value.
	TypePercentage Type = "percentage"
	// TypeFixed spreads a fixed amount across eligible lines.
	TypeFixed Type = "fixed"
)

var (
	// ErrInvalidCode is returned when the code is unknown or inactive.
	ErrInvalidCode = errors.New("invalid promotion code")
	// ErrNoEligibleItems is returned when no cart line matches the promotion.
	ErrNoEligibleItems = errors.New("no eligible items for promotion")
	// ErrZeroBase is returned when eligible lines have nothing to discount.
	ErrZeroBase = errors.New("eligible items have zero value")
	// ErrExpired is returned when the promotion is outside its valid window.
	ErrExpired = errors.New("promotion expired")
	// ErrUsageLimitReached is returned when the promotion has no uses left.
	ErrUsageLimitReached = errors.New("promotion usage limit reached")
)

// Definition describes a promotion as stored in the catalog.
type Definition struct {
	Code        string          `json:"code"`
	Type        Type            `json:"type"`
	Value       decimal.Decimal `json:"value"`
	Products    []string        `json:"products,omitempty"`
	Categories  []string        `json:"categories,omitempty"`
	Description string          `json:"description,omitempty"`
	ValidFrom   *time.Time      `json:"valid_from,omitempty"`
	ValidUntil  *time.Time      `json:"valid_until,omitempty"`
	MaxUses     int             `json:"max_uses,omitempty"`
	Uses        int             `json:"uses,omitempty"`
}

// Eligible reports whether line is covered by the promotion. Empty product or
// category lists match everything.
func (d *Definition) Eligible(line cart.Line) bool {
	if len(d.Products) > 0 && !slices.Contains(d.Products, line.ID) {
		return false
	}
	if len(d.Categories) > 0 && !slices.Contains(d.Categories, line.CategoryID) {
		return false
	}
	return true
}

// Catalog looks promotions up by code, ignoring case. It returns
// ErrInvalidCode when no active promotion matches.
type Catalog interface {
	FindByCode(ctx context.Context, code string) (*Definition, error)
}

// UsageRecorder is implemented by catalogs that count redemptions.
// IncrementUses returns ErrUsageLimitReached instead of counting past MaxUses.
type UsageRecorder interface {
	IncrementUses(ctx context.Context, code string) error
}

// NormalizeCode returns the catalog key for a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Allocation is the share of a promotion assigned to one line.
type Allocation struct {
	Key          cart.Key        `json:"key"`
	Share        decimal.Decimal `json:"share"`
	PercentDelta decimal.Decimal `json:"percent_delta"`
}

// Result reports the outcome of applying a code.
type Result struct {
	Applied        bool            `json:"applied"`
	Code           string          `json:"code"`
	Reason         string          `json:"reason,omitempty"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Allocations    []Allocation    `json:"allocations,omitempty"`
}
