package memory

import (
	"context"
	"sync"

	"github.com/xenking/oolio-pos/internal/domain/promotion"
)

var (
	_ promotion.Catalog       = (*Promotions)(nil)
	_ promotion.UsageRecorder = (*Promotions)(nil)
)

// Promotions is a promotion catalog keyed by upper-cased code.
type Promotions struct {
	mu   sync.RWMutex
	defs map[string]promotion.Definition
}

// NewPromotions creates a catalog holding defs.
func NewPromotions(defs ...promotion.Definition) *Promotions {
	p := &Promotions{defs: make(map[string]promotion.Definition, len(defs))}
	for _, def := range defs {
		p.Put(def)
	}
	return p
}

// Put adds or replaces a definition.
func (p *Promotions) Put(def promotion.Definition) {
	def.Code = promotion.NormalizeCode(def.Code)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs[def.Code] = def
}

// FindByCode returns a copy of the definition for code.
func (p *Promotions) FindByCode(_ context.Context, code string) (*promotion.Definition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.defs[promotion.NormalizeCode(code)]
	if !ok {
		return nil, promotion.ErrInvalidCode
	}
	return &def, nil
}

// IncrementUses bumps the redemption counter of code.
func (p *Promotions) IncrementUses(_ context.Context, code string) error {
	code = promotion.NormalizeCode(code)
	p.mu.Lock()
	defer p.mu.Unlock()
	def, ok := p.defs[code]
	if !ok {
		return promotion.ErrInvalidCode
	}
	if def.MaxUses > 0 && def.Uses >= def.MaxUses {
		return promotion.ErrUsageLimitReached
	}
	def.Uses++
	p.defs[code] = def
	return nil
}
