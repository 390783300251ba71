// Package inventory defines the stock collaborator used by the cart and the
// settlement commit.
package inventory

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
)

var (
	// ErrProductNotFound is returned when a sale references an unknown stock id.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock is returned when a sale needs more units than are
	// available.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Product is a sellable catalog entry with its current stock level.
type Product struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	SKU            string           `json:"sku,omitempty"`
	CategoryID     string           `json:"category_id,omitempty"`
	Kind           cart.Kind        `json:"kind"`
	Price          decimal.Decimal  `json:"price"`
	WholesalePrice *decimal.Decimal `json:"wholesale_price,omitempty"`
	Stock          int              `json:"stock"`
}

// Line converts p into a cart line. Services carry no stock fields.
func (p Product) Line() cart.Line {
	l := cart.Line{
		ID:         p.ID,
		Name:       p.Name,
		SKU:        p.SKU,
		CategoryID: p.CategoryID,
		Kind:       p.Kind,
		UnitPrice:  p.Price,
	}
	if p.Kind == cart.KindProduct {
		l.WholesalePrice = p.WholesalePrice
		l.StockID = p.ID
		l.AvailableStock = p.Stock
	}
	return l
}

// SaleItem is one line of a sale as seen by the inventory.
type SaleItem struct {
	ID       string          `json:"id"`
	StockID  string          `json:"stock_id,omitempty"`
	Name     string          `json:"name"`
	SKU      string          `json:"sku,omitempty"`
	Kind     cart.Kind       `json:"kind"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Stock    int             `json:"stock"`
}

// SaleRequest asks the inventory to record a sale and decrement stock.
type SaleRequest struct {
	Items         []SaleItem      `json:"items"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
}

// ItemsFromSnapshot builds sale items from the cart lines.
func ItemsFromSnapshot(snap cart.Snapshot) []SaleItem {
	items := make([]SaleItem, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		items = append(items, SaleItem{
			ID:       l.ID,
			StockID:  l.StockID,
			Name:     l.Name,
			SKU:      l.SKU,
			Kind:     l.Kind,
			Price:    l.UnitPrice,
			Quantity: l.Quantity,
			Stock:    l.AvailableStock,
		})
	}
	return items
}

// StockChange notifies subscribers of a new stock level.
type StockChange struct {
	StockID   string `json:"stock_id"`
	Available int    `json:"available"`
}

// Inventory is the stock backend. ProcessSale is all-or-nothing: on error no
// stock has been decremented.
type Inventory interface {
	Products(ctx context.Context) ([]Product, error)
	ProcessSale(ctx context.Context, req SaleRequest) (saleID string, err error)
	// Subscribe registers fn for stock changes and returns a function that
	// removes the subscription. fn runs synchronously on the goroutine that
	// changed the stock, which may be inside a checkout commit, so it must not
	// block on the cart.
	Subscribe(fn func(StockChange)) (unsubscribe func())
}
