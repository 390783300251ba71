// Package api exposes the register over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
	"github.com/xenking/oolio-pos/internal/domain/promotion"
	"github.com/xenking/oolio-pos/internal/domain/settlement"
)

const maxBodyBytes = 1 << 20

// PromotionApplier applies promotion codes to a cart.
type PromotionApplier interface {
	ApplyCode(ctx context.Context, code string, store *cart.Store) (promotion.Result, error)
}

// Checkout is the settlement surface used by the handlers.
type Checkout interface {
	State() settlement.State
	Attempts() []settlement.Attempt
	Quote() settlement.Quote
	AddSplit(s settlement.Split) error
	RemoveSplit(i int) error
	Reset() error
	Cancel() error
	ConfirmSingle(ctx context.Context, p settlement.SinglePayment) (*settlement.Receipt, error)
	ConfirmMixed(ctx context.Context, splits []settlement.Split) (*settlement.Receipt, error)
}

var _ Checkout = (*settlement.Coordinator)(nil)

// Config holds non-dependency settings of the Handler.
type Config struct {
	// VIPPercent is applied by POST /cart/vip when the body names no percent.
	VIPPercent decimal.Decimal
	// PromoLimit guards code redemption against guessing. Optional.
	PromoLimit func(http.Handler) http.Handler
}

// Handler serves the cart, checkout and product endpoints of one register.
type Handler struct {
	cart      *cart.Store
	inventory inventory.Inventory
	promos    PromotionApplier
	checkout  Checkout
	cfg       Config
}

// NewHandler constructs a Handler.
func NewHandler(
	cfg Config,
	store *cart.Store,
	inv inventory.Inventory,
	promos PromotionApplier,
	checkout Checkout,
) *Handler {
	return &Handler{
		cart:      store,
		inventory: inv,
		promos:    promos,
		checkout:  checkout,
		cfg:       cfg,
	}
}

// Routes mounts the endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/products", h.ListProducts)

	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.GetCart)
		r.Post("/items", h.AddItem)
		r.Patch("/items/{id}", h.UpdateItem)
		r.Delete("/items/{id}", h.RemoveItem)
		r.Post("/clear", h.ClearCart)
		r.Post("/wholesale", h.SetWholesale)
		r.Put("/tax", h.SetTax)
		r.Post("/discount", h.SetDiscount)
		r.Post("/vip", h.ApplyVIP)
		promo := r
		if h.cfg.PromoLimit != nil {
			promo = r.With(h.cfg.PromoLimit)
		}
		promo.Post("/promotions", h.ApplyPromotion)
	})

	r.Route("/checkout", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/attempts", h.ListAttempts)
		r.Get("/quote", h.GetQuote)
		r.Post("/splits", h.AddSplit)
		r.Delete("/splits/{index}", h.RemoveSplit)
		r.Post("/single", h.ConfirmSingle)
		r.Post("/mixed", h.ConfirmMixed)
		r.Post("/cancel", h.Cancel)
		r.Post("/reset", h.Reset)
	})
}

// Router returns a chi router serving the endpoints under prefix.
func (h *Handler) Router(prefix string) http.Handler {
	r := chi.NewRouter()
	r.Route(prefix, h.Routes)
	return r
}

// ListProducts returns the inventory listing.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.inventory.Products(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}
