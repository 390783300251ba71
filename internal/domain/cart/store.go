package cart

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Store owns the lines of one active sale. All mutations are serialized by a
// single lock and either apply fully or not at all; readers get deep copies.
type Store struct {
	mu    sync.Mutex
	prefs Preferences
	snap  Snapshot
}

// NewStore creates an empty cart using prefs as its pricing defaults.
func NewStore(prefs Preferences) *Store {
	s := &Store{prefs: prefs}
	s.resetPreferences()
	return s
}

func (s *Store) resetPreferences() {
	s.snap.Wholesale = false
	s.snap.WholesaleRate = s.prefs.WholesaleRate
	s.snap.TaxRate = s.prefs.TaxRate
	s.snap.PricesIncludeTax = s.prefs.PricesIncludeTax
	s.snap.GeneralDiscount = decimal.Zero
	s.snap.DiscountSource = SourceNone
}

// Snapshot returns a copy of the current cart.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Len returns the number of lines.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snap.Lines)
}

// Add merges qty units of line into the cart. An existing line with the same
// key has its quantity summed; otherwise the line is appended. Product
// quantities are clamped to the available stock and a clamp to zero removes
// the line.
func (s *Store) Add(line Line, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	line = line.clone()
	if err := line.Validate(); err != nil {
		return err
	}
	if line.IsProduct() && line.AvailableStock <= 0 {
		return ErrOutOfStock
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(line.Key()); i >= 0 {
		existing := &s.snap.Lines[i]
		if existing.IsProduct() {
			existing.AvailableStock = line.AvailableStock
		}
		s.setQuantity(i, existing.Quantity+qty)
		return nil
	}

	line.Quantity = 0
	s.snap.Lines = append(s.snap.Lines, line)
	s.setQuantity(len(s.snap.Lines)-1, qty)
	return nil
}

// Update sets the quantity of an existing line, clamped into
// [0, available stock] for products. Zero removes the line.
func (s *Store) Update(k Key, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(k)
	if i < 0 {
		return ErrLineNotFound
	}
	s.setQuantity(i, qty)
	return nil
}

// Remove deletes the line with the given key.
func (s *Store) Remove(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(k)
	if i < 0 {
		return ErrLineNotFound
	}
	s.removeAt(i)
	return nil
}

// Clear removes every line. With keepPreferences the wholesale flag, tax
// configuration and general discount survive; otherwise they reset to the
// register defaults.
func (s *Store) Clear(keepPreferences bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(keepPreferences)
}

func (s *Store) clear(keepPreferences bool) {
	s.snap.Lines = nil
	if !keepPreferences {
		s.resetPreferences()
	}
}

// ToggleWholesale switches wholesale pricing for product lines.
func (s *Store) ToggleWholesale(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Wholesale = on
}

// SetTax changes the tax configuration for the current sale.
func (s *Store) SetTax(rate decimal.Decimal, inclusive bool) {
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.TaxRate = rate
	s.snap.PricesIncludeTax = inclusive
}

// SetLineDiscount sets a manual per-line discount percent, clamped to [0, 100].
func (s *Store) SetLineDiscount(k Key, percent decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(k)
	if i < 0 {
		return ErrLineNotFound
	}
	s.snap.Lines[i].DiscountPercent = ClampPercent(percent)
	return nil
}

// ApplyAdjustments sets the discount and promotion tag of several lines at
// once. If any key is missing nothing is changed.
func (s *Store) ApplyAdjustments(adj map[Key]Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyAdjustments(adj)
}

func (s *Store) applyAdjustments(adj map[Key]Adjustment) error {
	idx := make(map[Key]int, len(adj))
	for k := range adj {
		i := s.indexOf(k)
		if i < 0 {
			return ErrLineNotFound
		}
		idx[k] = i
	}
	for k, a := range adj {
		l := &s.snap.Lines[idx[k]]
		l.DiscountPercent = ClampPercent(a.DiscountPercent)
		if a.PromoCode != "" {
			l.PromoCode = a.PromoCode
		}
	}
	return nil
}

// Adjust plans a batch of line adjustments from the current snapshot and
// applies it under the same lock, so the plan can never go stale. A nil or
// empty plan leaves the cart as is. fn must not call back into the Store.
func (s *Store) Adjust(fn func(Snapshot) (map[Key]Adjustment, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	adj, err := fn(s.snap.Clone())
	if err != nil {
		return err
	}
	return s.applyAdjustments(adj)
}

// SetGeneralDiscount sets the cashier's cart-wide discount. A manual value
// always replaces an automatic VIP discount; zero clears the discount.
func (s *Store) SetGeneralDiscount(percent decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	percent = ClampPercent(percent)
	s.snap.GeneralDiscount = percent
	if percent.IsZero() {
		s.snap.DiscountSource = SourceNone
		return
	}
	s.snap.DiscountSource = SourceManual
}

// ApplyVIPDiscount sets the automatic VIP discount unless the cashier has
// entered a manual general discount. It reports whether the value was applied.
func (s *Store) ApplyVIPDiscount(percent decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.DiscountSource == SourceManual {
		return false
	}
	percent = ClampPercent(percent)
	s.snap.GeneralDiscount = percent
	s.snap.DiscountSource = SourceVIP
	if percent.IsZero() {
		s.snap.DiscountSource = SourceNone
	}
	return true
}

// RefreshStock records a new available-stock observation for every product
// line linked to stockID. Quantities are left as they are: the stock bound is
// enforced at add/update time only.
func (s *Store) RefreshStock(stockID string, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.snap.Lines {
		l := &s.snap.Lines[i]
		if l.IsProduct() && l.StockID == stockID {
			l.AvailableStock = available
		}
	}
}

// Commit runs fn with a snapshot while holding the cart lock exclusively, so
// no mutation can interleave with a checkout. Only when fn returns nil are the
// lines and the customer's general discount cleared; wholesale and tax stay as
// register settings. fn must not call back into the Store.
func (s *Store) Commit(fn func(Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.snap.Clone()); err != nil {
		return err
	}
	s.clear(true)
	s.snap.GeneralDiscount = decimal.Zero
	s.snap.DiscountSource = SourceNone
	return nil
}

func (s *Store) indexOf(k Key) int {
	for i, l := range s.snap.Lines {
		if l.Key() == k {
			return i
		}
	}
	return -1
}

func (s *Store) setQuantity(i, qty int) {
	l := &s.snap.Lines[i]
	if qty < 0 {
		qty = 0
	}
	if l.IsProduct() && qty > l.AvailableStock {
		qty = max(l.AvailableStock, 0)
	}
	if qty == 0 {
		s.removeAt(i)
		return
	}
	l.Quantity = qty
}

func (s *Store) removeAt(i int) {
	s.snap.Lines = append(s.snap.Lines[:i], s.snap.Lines[i+1:]...)
}
