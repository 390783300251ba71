package memory

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/settlement"
)

var (
	_ settlement.SaleStore = (*SaleStore)(nil)
	_ settlement.Ledger    = (*Register)(nil)
)

// SaleStore keeps sale records keyed by sale id.
type SaleStore struct {
	mu    sync.RWMutex
	sales map[string]settlement.SaleRecord
}

// NewSaleStore creates an empty SaleStore.
func NewSaleStore() *SaleStore {
	return &SaleStore{sales: make(map[string]settlement.SaleRecord)}
}

// CreateOrAttachSale stores rec once per sale id; later calls are no-ops.
func (s *SaleStore) CreateOrAttachSale(_ context.Context, rec settlement.SaleRecord, existingSaleID string) error {
	if existingSaleID != "" {
		rec.SaleID = existingSaleID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sales[rec.SaleID]; ok {
		return nil
	}
	s.sales[rec.SaleID] = rec
	return nil
}

// Get returns a stored sale.
func (s *SaleStore) Get(id string) (settlement.SaleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sales[id]
	return rec, ok
}

// Register is a single register session with per-method takings.
type Register struct {
	mu      sync.Mutex
	open    bool
	takings map[settlement.Method]decimal.Decimal
	sales   map[string]map[settlement.Method]bool
}

// NewRegister creates a register, open or closed.
func NewRegister(open bool) *Register {
	return &Register{
		open:    open,
		takings: make(map[settlement.Method]decimal.Decimal),
		sales:   make(map[string]map[settlement.Method]bool),
	}
}

// SetOpen opens or closes the register.
func (r *Register) SetOpen(open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = open
}

// IsOpen reports whether the register accepts sales.
func (r *Register) IsOpen(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open, nil
}

// RegisterSale adds amount to the method's takings once per sale and method.
func (r *Register) RegisterSale(_ context.Context, saleID string, amount decimal.Decimal, method settlement.Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return settlement.ErrCashRegisterClosed
	}
	if r.sales[saleID] == nil {
		r.sales[saleID] = make(map[settlement.Method]bool)
	}
	if r.sales[saleID][method] {
		return nil
	}
	r.sales[saleID][method] = true
	r.takings[method] = r.takings[method].Add(amount)
	return nil
}

// Takings returns the total registered for method.
func (r *Register) Takings(method settlement.Method) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takings[method]
}
