// Package memory provides in-process implementations of the storage
// collaborators, used by tests and by the server when no database is
// configured.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
)

var _ inventory.Inventory = (*Inventory)(nil)

// Inventory implements inventory.Inventory with in-memory storage.
type Inventory struct {
	mu       sync.RWMutex
	products map[string]*inventory.Product
	order    []string
	sales    map[string]inventory.SaleRequest

	hub inventory.Hub
}

// NewInventory creates an in-memory inventory seeded with products.
func NewInventory(products ...inventory.Product) *Inventory {
	s := &Inventory{
		products: make(map[string]*inventory.Product, len(products)),
		sales:    make(map[string]inventory.SaleRequest),
	}
	for _, p := range products {
		s.put(p)
	}
	return s
}

func (s *Inventory) put(p inventory.Product) {
	if _, ok := s.products[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	s.products[p.ID] = &p
}

// Products returns all products in insertion order.
func (s *Inventory) Products(_ context.Context) ([]inventory.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]inventory.Product, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.products[id])
	}
	return out, nil
}

// ProcessSale validates every product line first and only then decrements
// stock, so a failed sale changes nothing.
func (s *Inventory) ProcessSale(_ context.Context, req inventory.SaleRequest) (string, error) {
	s.mu.Lock()

	need := make(map[string]int)
	for _, item := range req.Items {
		if item.Kind == cart.KindService {
			continue
		}
		id := item.StockID
		if id == "" {
			id = item.ID
		}
		need[id] += item.Quantity
	}

	// First pass: validate all items have sufficient stock.
	for id, qty := range need {
		p, ok := s.products[id]
		if !ok {
			s.mu.Unlock()
			return "", inventory.ErrProductNotFound
		}
		if p.Stock < qty {
			s.mu.Unlock()
			return "", inventory.ErrInsufficientStock
		}
	}

	// Second pass: decrement.
	changes := make([]inventory.StockChange, 0, len(need))
	for id, qty := range need {
		p := s.products[id]
		p.Stock -= qty
		changes = append(changes, inventory.StockChange{StockID: id, Available: p.Stock})
	}

	saleID := uuid.NewString()
	s.sales[saleID] = req
	s.mu.Unlock()

	slices.SortFunc(changes, func(a, b inventory.StockChange) int {
		return strings.Compare(a.StockID, b.StockID)
	})
	s.hub.Publish(changes...)
	return saleID, nil
}

// SetStock sets the stock level for a product and notifies subscribers.
func (s *Inventory) SetStock(id string, stock int) error {
	s.mu.Lock()
	p, ok := s.products[id]
	if !ok {
		s.mu.Unlock()
		return inventory.ErrProductNotFound
	}
	p.Stock = stock
	s.mu.Unlock()

	s.hub.Publish(inventory.StockChange{StockID: id, Available: stock})
	return nil
}

// Sale returns a recorded sale by id.
func (s *Inventory) Sale(id string) (inventory.SaleRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.sales[id]
	return req, ok
}

// SaleCount returns the number of recorded sales.
func (s *Inventory) SaleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sales)
}

// Subscribe registers fn for stock changes.
func (s *Inventory) Subscribe(fn func(inventory.StockChange)) func() {
	return s.hub.Subscribe(fn)
}
