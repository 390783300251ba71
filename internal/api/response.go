package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
	"github.com/xenking/oolio-pos/internal/domain/promotion"
	"github.com/xenking/oolio-pos/internal/domain/settlement"
)

var errBadRequest = errors.New("bad request")

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code     int                 `json:"code"`
	Message  string              `json:"message"`
	Category settlement.Category `json:"category,omitempty"`
	// Remaining is set for split totals that do not match the sale.
	Remaining *decimal.Decimal `json:"remaining,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(errBadRequest, "decode body: %s", err)
	}
	return nil
}

func errorStatus(err error) int {
	var (
		collab   *settlement.CollaboratorError
		lineErr  *cart.InvalidLineError
		splitErr *settlement.SplitError
	)
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.As(err, &collab):
		return http.StatusBadGateway
	case errors.Is(err, inventory.ErrProductNotFound),
		errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, settlement.ErrSplitNotFound):
		return http.StatusNotFound
	case errors.Is(err, cart.ErrOutOfStock),
		errors.Is(err, settlement.ErrCashRegisterClosed),
		errors.Is(err, settlement.ErrEmptyCart),
		errors.Is(err, settlement.ErrAlreadyProcessing):
		return http.StatusConflict
	case errors.As(err, &lineErr),
		errors.As(err, &splitErr),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, promotion.ErrInvalidCode),
		errors.Is(err, promotion.ErrNoEligibleItems),
		errors.Is(err, promotion.ErrZeroBase),
		errors.Is(err, promotion.ErrExpired),
		errors.Is(err, promotion.ErrUsageLimitReached),
		errors.Is(err, settlement.ErrNoPaymentMethod),
		errors.Is(err, settlement.ErrInsufficientCash),
		errors.Is(err, settlement.ErrInvalidSplitAmount),
		errors.Is(err, settlement.ErrMissingCardDigits),
		errors.Is(err, settlement.ErrMissingTransferReference),
		errors.Is(err, settlement.ErrUnderpaid),
		errors.Is(err, settlement.ErrOverpaid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	resp := ErrorResponse{Code: status, Message: err.Error()}

	var (
		collab   *settlement.CollaboratorError
		mismatch *settlement.MismatchError
	)
	switch {
	case errors.As(err, &collab):
		resp.Category = collab.Category
		resp.Message = collab.Message
	case errors.As(err, &mismatch):
		remaining := mismatch.Remaining
		resp.Remaining = &remaining
	case status == http.StatusInternalServerError:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		resp.Message = "internal server error"
	}
	writeJSON(w, status, resp)
}
