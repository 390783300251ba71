// Package settlement validates payments for the active cart and commits the
// sale to inventory, persistence and the register ledger.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/pricing"
)

// Method is a payment instrument.
type Method string

const (
	MethodCash     Method = "cash"
	MethodCard     Method = "card"
	MethodTransfer Method = "transfer"
	MethodCredit   Method = "credit"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodTransfer, MethodCredit:
		return true
	default:
		return false
	}
}

// Mode tells single-instrument payments apart from split payments.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMixed  Mode = "mixed"
)

// State is the settlement state machine position.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
)

// Tolerance is the largest difference between the split sum and the total
// that still counts as paid in full.
var Tolerance = decimal.New(1, -2)

var (
	// ErrCashRegisterClosed is returned when no register session is open.
	ErrCashRegisterClosed = errors.New("cash register is closed")
	// ErrEmptyCart is returned when confirming with no lines in the cart.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrNoPaymentMethod is returned when no valid payment method is selected.
	ErrNoPaymentMethod = errors.New("payment method required")
	// ErrInsufficientCash is returned when cash received is below the total.
	ErrInsufficientCash = errors.New("insufficient cash received")
	// ErrInvalidSplitAmount is returned for a split with a non-positive amount.
	ErrInvalidSplitAmount = errors.New("split amount must be greater than 0")
	// ErrMissingCardDigits is returned for a card split without 4 last digits.
	ErrMissingCardDigits = errors.New("card split requires the last 4 digits")
	// ErrMissingTransferReference is returned for a transfer split without a
	// reference.
	ErrMissingTransferReference = errors.New("transfer split requires a reference")
	// ErrUnderpaid matches a *MismatchError where the splits fall short.
	ErrUnderpaid = errors.New("payment splits do not cover the total")
	// ErrOverpaid matches a *MismatchError where the splits exceed the total.
	ErrOverpaid = errors.New("payment splits exceed the total")
	// ErrAlreadyProcessing is returned when a confirm arrives while another
	// one is still running.
	ErrAlreadyProcessing = errors.New("payment already processing")
	// ErrSplitNotFound is returned when removing a split index out of range.
	ErrSplitNotFound = errors.New("split not found")
	// ErrSchemaMissing is returned by a SaleStore whose backing table does not
	// exist. The commit treats it as a warning.
	ErrSchemaMissing = errors.New("sale storage schema missing")
)

// MismatchError reports the signed difference between the total and the sum
// of the splits. Remaining is positive when underpaid and negative when
// overpaid.
type MismatchError struct {
	Remaining decimal.Decimal
}

func (e *MismatchError) Error() string {
	if e.Remaining.IsNegative() {
		return fmt.Sprintf("overpaid by %s", e.Remaining.Neg().StringFixed(2))
	}
	return fmt.Sprintf("underpaid by %s", e.Remaining.StringFixed(2))
}

// Is lets callers match ErrUnderpaid or ErrOverpaid.
func (e *MismatchError) Is(target error) bool {
	switch target {
	case ErrUnderpaid:
		return e.Remaining.IsPositive()
	case ErrOverpaid:
		return e.Remaining.IsNegative()
	default:
		return false
	}
}

// SplitError wraps a validation failure of a single split.
type SplitError struct {
	Index int
	Err   error
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("split %d: %s", e.Index+1, e.Err)
}

func (e *SplitError) Unwrap() error {
	return e.Err
}

// Step names a collaborator call of the commit sequence.
type Step string

const (
	StepRegister    Step = "register"
	StepInventory   Step = "inventory"
	StepPersistence Step = "persistence"
	StepLedger      Step = "ledger"
)

// CollaboratorError is a normalized failure of one commit step.
type CollaboratorError struct {
	Step     Step
	Category Category
	Message  string
	Err      error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Step, e.Message)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// Split is one instrument of a payment.
type Split struct {
	Method            Method          `json:"method"`
	Amount            decimal.Decimal `json:"amount"`
	CardLast4         string          `json:"card_last4,omitempty"`
	TransferReference string          `json:"transfer_reference,omitempty"`
}

// Validate checks the per-instrument rules of a split.
func (s Split) Validate() error {
	if !s.Method.Valid() {
		return ErrNoPaymentMethod
	}
	if !s.Amount.IsPositive() {
		return ErrInvalidSplitAmount
	}
	switch s.Method {
	case MethodCard:
		if !isLast4(s.CardLast4) {
			return ErrMissingCardDigits
		}
	case MethodTransfer:
		if s.TransferReference == "" {
			return ErrMissingTransferReference
		}
	}
	return nil
}

func isLast4(v string) bool {
	if len(v) != 4 {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SinglePayment is a payment made with one instrument.
type SinglePayment struct {
	Method            Method          `json:"method"`
	CashReceived      decimal.Decimal `json:"cash_received"`
	CardLast4         string          `json:"card_last4,omitempty"`
	TransferReference string          `json:"transfer_reference,omitempty"`
}

// SaleLine is a priced cart line as persisted with the sale.
type SaleLine struct {
	ID              string          `json:"id"`
	Variant         string          `json:"variant,omitempty"`
	Name            string          `json:"name"`
	SKU             string          `json:"sku,omitempty"`
	Kind            cart.Kind       `json:"kind"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Quantity        int             `json:"quantity"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	PromoCode       string          `json:"promo_code,omitempty"`
	Total           decimal.Decimal `json:"total"`
}

// SaleRecord is what the SaleStore persists for a completed checkout.
type SaleRecord struct {
	SaleID    string          `json:"sale_id"`
	Lines     []SaleLine      `json:"lines"`
	Method    string          `json:"method"`
	Splits    []Split         `json:"splits"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Discount  decimal.Decimal `json:"discount"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
}

func newSaleRecord(saleID string, snap cart.Snapshot, totals pricing.Totals, splits []Split, now time.Time) SaleRecord {
	lines := make([]SaleLine, len(snap.Lines))
	for i, l := range snap.Lines {
		lines[i] = SaleLine{
			ID:              l.ID,
			Variant:         l.Variant,
			Name:            l.Name,
			SKU:             l.SKU,
			Kind:            l.Kind,
			UnitPrice:       l.UnitPrice,
			Quantity:        l.Quantity,
			DiscountPercent: l.DiscountPercent,
			PromoCode:       l.PromoCode,
			Total:           totals.Lines[i].Total,
		}
	}
	return SaleRecord{
		SaleID:    saleID,
		Lines:     lines,
		Method:    methodLabel(splits),
		Splits:    splits,
		Subtotal:  totals.Subtotal,
		Discount:  totals.GeneralDiscount,
		Tax:       totals.Tax,
		Total:     totals.Total,
		CreatedAt: now,
	}
}

// methodLabel is the single method name, or "mixed" when several were used.
func methodLabel(splits []Split) string {
	methods := distinctMethods(splits)
	if len(methods) == 1 {
		return string(methods[0])
	}
	return string(ModeMixed)
}

// distinctMethods returns the methods of splits in first-use order.
func distinctMethods(splits []Split) []Method {
	var out []Method
	seen := make(map[Method]bool, len(splits))
	for _, s := range splits {
		if seen[s.Method] {
			continue
		}
		seen[s.Method] = true
		out = append(out, s.Method)
	}
	return out
}

// Receipt describes a successful checkout.
type Receipt struct {
	SaleID      string          `json:"sale_id"`
	Mode        Mode            `json:"mode"`
	Totals      pricing.Totals  `json:"totals"`
	Splits      []Split         `json:"splits"`
	Change      decimal.Decimal `json:"change"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Quote is the current amount due together with the splits composed so far.
type Quote struct {
	Totals    pricing.Totals  `json:"totals"`
	Splits    []Split         `json:"splits"`
	Paid      decimal.Decimal `json:"paid"`
	Remaining decimal.Decimal `json:"remaining"`
}

// SaleStore persists completed sales. CreateOrAttachSale must be idempotent
// for a sale id it has already stored: a retry writes no duplicate lines.
type SaleStore interface {
	CreateOrAttachSale(ctx context.Context, rec SaleRecord, existingSaleID string) error
}

// Ledger is the register session that records takings per method.
type Ledger interface {
	IsOpen(ctx context.Context) (bool, error)
	RegisterSale(ctx context.Context, saleID string, amount decimal.Decimal, method Method) error
}
