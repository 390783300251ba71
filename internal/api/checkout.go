package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/oolio-pos/internal/domain/settlement"
)

// StateResponse is the checkout state.
type StateResponse struct {
	State settlement.State `json:"state"`
}

// MixedRequest confirms a mixed payment. No splits settles the splits
// composed through POST /checkout/splits.
type MixedRequest struct {
	Splits []settlement.Split `json:"splits,omitempty"`
}

// GetState returns the checkout state.
func (h *Handler) GetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{State: h.checkout.State()})
}

// ListAttempts returns the payment attempt log, oldest first.
func (h *Handler) ListAttempts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.checkout.Attempts())
}

// GetQuote returns the totals and the split composition progress.
func (h *Handler) GetQuote(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.checkout.Quote())
}

// AddSplit appends a split to the pending composition.
func (h *Handler) AddSplit(w http.ResponseWriter, r *http.Request) {
	var s settlement.Split
	if err := decode(w, r, &s); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.checkout.AddSplit(s); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.checkout.Quote())
}

// RemoveSplit drops the split at the given index.
func (h *Handler) RemoveSplit(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, r, errors.Wrapf(errBadRequest, "split index %q", chi.URLParam(r, "index")))
		return
	}
	if err := h.checkout.RemoveSplit(i); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.checkout.Quote())
}

// ConfirmSingle settles the cart with one payment method.
func (h *Handler) ConfirmSingle(w http.ResponseWriter, r *http.Request) {
	var req settlement.SinglePayment
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	receipt, err := h.checkout.ConfirmSingle(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// ConfirmMixed settles the cart across several payment methods.
func (h *Handler) ConfirmMixed(w http.ResponseWriter, r *http.Request) {
	var req MixedRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	receipt, err := h.checkout.ConfirmMixed(r.Context(), req.Splits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// Cancel abandons the checkout without touching collaborators.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.checkout.Cancel(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: h.checkout.State()})
}

// Reset returns a finished checkout to idle.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.checkout.Reset(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: h.checkout.State()})
}
