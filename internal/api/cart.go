package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
	"github.com/xenking/oolio-pos/internal/domain/pricing"
	"github.com/xenking/oolio-pos/internal/domain/promotion"
)

// CartResponse is the cart together with its priced totals.
type CartResponse struct {
	Cart   cart.Snapshot  `json:"cart"`
	Totals pricing.Totals `json:"totals"`
}

// AddItemRequest adds quantity units of a catalog product.
type AddItemRequest struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	Quantity  int    `json:"quantity"`
}

// UpdateItemRequest sets a line quantity. Zero removes the line.
type UpdateItemRequest struct {
	Quantity int `json:"quantity"`
}

// ClearRequest controls whether register preferences survive a clear.
type ClearRequest struct {
	KeepPreferences bool `json:"keep_preferences"`
}

// WholesaleRequest toggles wholesale pricing.
type WholesaleRequest struct {
	Enabled bool `json:"enabled"`
}

// TaxRequest configures the tax rate as a fraction of the taxable amount
// (0.21 = 21%).
type TaxRequest struct {
	Rate      decimal.Decimal `json:"rate"`
	Inclusive bool            `json:"inclusive"`
}

// DiscountRequest sets a percentage discount.
type DiscountRequest struct {
	Percent decimal.Decimal `json:"percent"`
}

// VIPRequest applies the VIP discount. A nil Percent uses the register
// default.
type VIPRequest struct {
	Percent *decimal.Decimal `json:"percent,omitempty"`
}

// VIPResponse reports whether the VIP discount replaced the general one.
type VIPResponse struct {
	Applied bool `json:"applied"`
	CartResponse
}

// PromotionRequest redeems a promotion code.
type PromotionRequest struct {
	Code string `json:"code"`
}

// PromotionResponse is the redemption result and the repriced cart.
type PromotionResponse struct {
	Result promotion.Result `json:"result"`
	CartResponse
}

func (h *Handler) cartView() CartResponse {
	snap := h.cart.Snapshot()
	return CartResponse{Cart: snap, Totals: pricing.Price(snap)}
}

// GetCart returns the cart and its totals.
func (h *Handler) GetCart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cartView())
}

// AddItem looks the product up in the inventory and merges it into the cart.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.product(r, req.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	line := p.Line()
	line.Variant = req.Variant
	if err := h.cart.Add(line, req.Quantity); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.cartView())
}

func (h *Handler) product(r *http.Request, id string) (inventory.Product, error) {
	products, err := h.inventory.Products(r.Context())
	if err != nil {
		return inventory.Product{}, errors.Wrap(err, "list products")
	}
	for _, p := range products {
		if p.ID == id {
			return p, nil
		}
	}
	return inventory.Product{}, errors.Wrapf(inventory.ErrProductNotFound, "product %q", id)
}

func lineKey(r *http.Request) cart.Key {
	return cart.Key{ID: chi.URLParam(r, "id"), Variant: r.URL.Query().Get("variant")}
}

// UpdateItem sets the quantity of a line.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Quantity < 0 {
		writeError(w, r, cart.ErrInvalidQuantity)
		return
	}
	if err := h.cart.Update(lineKey(r), req.Quantity); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.cartView())
}

// RemoveItem deletes a line.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.cart.Remove(lineKey(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.cartView())
}

// ClearCart empties the cart. An empty body resets preferences too.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	h.cart.Clear(req.KeepPreferences)
	writeJSON(w, http.StatusOK, h.cartView())
}

// SetWholesale toggles wholesale pricing.
func (h *Handler) SetWholesale(w http.ResponseWriter, r *http.Request) {
	var req WholesaleRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.cart.ToggleWholesale(req.Enabled)
	writeJSON(w, http.StatusOK, h.cartView())
}

// SetTax configures the tax rate. Rates outside [0, 1] are rejected.
func (h *Handler) SetTax(w http.ResponseWriter, r *http.Request) {
	var req TaxRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Rate.IsNegative() || req.Rate.GreaterThan(decimal.NewFromInt(1)) {
		writeError(w, r, errors.Wrapf(errBadRequest, "tax rate %s must be a fraction in [0, 1]", req.Rate))
		return
	}
	h.cart.SetTax(req.Rate, req.Inclusive)
	writeJSON(w, http.StatusOK, h.cartView())
}

// SetDiscount sets the cashier's general discount.
func (h *Handler) SetDiscount(w http.ResponseWriter, r *http.Request) {
	var req DiscountRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.cart.SetGeneralDiscount(req.Percent)
	writeJSON(w, http.StatusOK, h.cartView())
}

// ApplyVIP applies the VIP discount unless a manual discount is set.
func (h *Handler) ApplyVIP(w http.ResponseWriter, r *http.Request) {
	var req VIPRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	percent := h.cfg.VIPPercent
	if req.Percent != nil {
		percent = *req.Percent
	}
	applied := h.cart.ApplyVIPDiscount(percent)
	writeJSON(w, http.StatusOK, VIPResponse{Applied: applied, CartResponse: h.cartView()})
}

// ApplyPromotion redeems a promotion code against the cart.
func (h *Handler) ApplyPromotion(w http.ResponseWriter, r *http.Request) {
	var req PromotionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.promos.ApplyCode(r.Context(), req.Code, h.cart)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PromotionResponse{Result: res, CartResponse: h.cartView()})
}
