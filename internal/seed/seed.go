// Package seed loads the demo catalog used by seed-db and by the server's
// in-memory mode.
package seed

import (
	"encoding/json"
	"io"

	"github.com/go-faster/errors"

	"github.com/xenking/oolio-pos/db"
	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
	"github.com/xenking/oolio-pos/internal/domain/promotion"
)

const defaultCatalog = "seed/catalog.json"

// Catalog is a set of products and promotions to load into a store.
type Catalog struct {
	Products   []inventory.Product    `json:"products"`
	Promotions []promotion.Definition `json:"promotions"`
}

// Default returns the embedded demo catalog.
func Default() (*Catalog, error) {
	f, err := db.Seed.Open(defaultCatalog)
	if err != nil {
		return nil, errors.Wrap(err, "open embedded catalog")
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load decodes and validates a catalog.
func Load(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	for i := range c.Promotions {
		c.Promotions[i].Code = promotion.NormalizeCode(c.Promotions[i].Code)
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]struct{}, len(c.Products))
	for _, p := range c.Products {
		if _, dup := seen[p.ID]; dup {
			return errors.Errorf("duplicate product %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		line := p.Line()
		if err := line.Validate(); err != nil {
			return errors.Wrapf(err, "product %q", p.ID)
		}
		if p.Kind == cart.KindService && p.WholesalePrice != nil {
			return errors.Errorf("product %q: services have no wholesale price", p.ID)
		}
		if p.Stock < 0 {
			return errors.Errorf("product %q: negative stock", p.ID)
		}
	}
	for _, d := range c.Promotions {
		switch d.Type {
		case promotion.TypePercentage, promotion.TypeFixed:
		default:
			return errors.Errorf("promotion %q: unknown type %q", d.Code, d.Type)
		}
		if !d.Value.IsPositive() {
			return errors.Errorf("promotion %q: value must be positive", d.Code)
		}
	}
	return nil
}
