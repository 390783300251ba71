package settlement

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type mockInventory struct {
	mu       sync.Mutex
	calls    []inventory.SaleRequest
	err      error
	block    chan struct{}
	entered  chan struct{}
	ctxErr   error
	sequence int
}

func (m *mockInventory) Products(context.Context) ([]inventory.Product, error) {
	return nil, nil
}

func (m *mockInventory) ProcessSale(ctx context.Context, req inventory.SaleRequest) (string, error) {
	if m.entered != nil {
		close(m.entered)
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErr = ctx.Err()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return "", m.err
	}
	m.sequence++
	return "sale-" + strconv.Itoa(m.sequence), nil
}

func (m *mockInventory) Subscribe(func(inventory.StockChange)) func() {
	return func() {}
}

func (m *mockInventory) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type saleCall struct {
	rec        SaleRecord
	existingID string
}

type mockSaleStore struct {
	calls []saleCall
	err   error
}

func (m *mockSaleStore) CreateOrAttachSale(_ context.Context, rec SaleRecord, existingSaleID string) error {
	m.calls = append(m.calls, saleCall{rec: rec, existingID: existingSaleID})
	return m.err
}

type ledgerCall struct {
	saleID string
	amount string
	method Method
}

type mockLedger struct {
	closed  bool
	openErr error
	failOn  map[Method]error
	calls   []ledgerCall
}

func (m *mockLedger) IsOpen(context.Context) (bool, error) {
	return !m.closed, m.openErr
}

func (m *mockLedger) RegisterSale(_ context.Context, saleID string, amount decimal.Decimal, method Method) error {
	if err := m.failOn[method]; err != nil {
		return err
	}
	m.calls = append(m.calls, ledgerCall{saleID: saleID, amount: amount.StringFixed(2), method: method})
	return nil
}

type fixture struct {
	cart   *cart.Store
	inv    *mockInventory
	sales  *mockSaleStore
	ledger *mockLedger
	coord  *Coordinator
}

// newFixture builds a coordinator over a cart worth 242.00: two units at 100
// with 21% tax.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		cart:   cart.NewStore(cart.Preferences{TaxRate: d("0.21")}),
		inv:    &mockInventory{},
		sales:  &mockSaleStore{},
		ledger: &mockLedger{},
	}
	require.NoError(t, f.cart.Add(cart.Line{
		ID:             "productA",
		Name:           "Product A",
		Kind:           cart.KindProduct,
		UnitPrice:      d("100"),
		AvailableStock: 10,
	}, 2))

	coord, err := NewCoordinator(f.cart, f.inv, f.sales, f.ledger, opts)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func TestConfirmSingle_InsufficientCash(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("200")})
	require.ErrorIs(t, err, ErrInsufficientCash)

	assert.Equal(t, StateFailed, f.coord.State())
	attempts := f.coord.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, AttemptFailed, attempts[0].Status)
	assert.Equal(t, ModeSingle, attempts[0].Mode)
	assert.Equal(t, CategoryValidation, attempts[0].Category)
	assert.True(t, d("242").Equal(attempts[0].Amount))

	assert.Zero(t, f.inv.callCount(), "validation failures never reach the inventory")
	assert.Equal(t, 1, f.cart.Len(), "cart is kept")
}

func TestConfirmSingle_Cash(t *testing.T) {
	f := newFixture(t, Options{})

	receipt, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("250")})
	require.NoError(t, err)

	assert.Equal(t, "sale-1", receipt.SaleID)
	assert.True(t, d("8").Equal(receipt.Change))
	assert.Equal(t, StateSuccess, f.coord.State())
	assert.Zero(t, f.cart.Len())

	require.Len(t, f.sales.calls, 1)
	assert.Equal(t, "sale-1", f.sales.calls[0].existingID)
	assert.Equal(t, "cash", f.sales.calls[0].rec.Method)
	assert.True(t, d("42").Equal(f.sales.calls[0].rec.Tax))

	assert.Equal(t, []ledgerCall{{saleID: "sale-1", amount: "242.00", method: MethodCash}}, f.ledger.calls)
}

func TestConfirmSingle_NoPaymentMethod(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{})
	require.ErrorIs(t, err, ErrNoPaymentMethod)
	assert.Equal(t, StateFailed, f.coord.State())
	assert.Len(t, f.coord.Attempts(), 1)
}

func TestConfirmMixed_ExactSplitsSucceed(t *testing.T) {
	f := newFixture(t, Options{})

	receipt, err := f.coord.ConfirmMixed(context.Background(), []Split{
		{Method: MethodCash, Amount: d("100")},
		{Method: MethodCard, Amount: d("142"), CardLast4: "4242"},
	})
	require.NoError(t, err)

	assert.Equal(t, ModeMixed, receipt.Mode)
	assert.Equal(t, StateSuccess, f.coord.State())
	assert.Zero(t, f.cart.Len())

	attempts := f.coord.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, AttemptSuccess, attempts[0].Status)
	assert.Equal(t, receipt.SaleID, attempts[0].SaleID)

	require.Len(t, f.inv.calls, 1)
	assert.Equal(t, "mixed", f.inv.calls[0].PaymentMethod)
	assert.Equal(t, []ledgerCall{
		{saleID: "sale-1", amount: "100.00", method: MethodCash},
		{saleID: "sale-1", amount: "142.00", method: MethodCard},
	}, f.ledger.calls)
}

func TestConfirmMixed_SameMethodRegisteredOnce(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.coord.ConfirmMixed(context.Background(), []Split{
		{Method: MethodCash, Amount: d("100")},
		{Method: MethodCash, Amount: d("142")},
	})
	require.NoError(t, err)

	assert.Equal(t, []ledgerCall{{saleID: "sale-1", amount: "242.00", method: MethodCash}}, f.ledger.calls)
	assert.Equal(t, "cash", f.sales.calls[0].rec.Method)
}

func TestConfirmMixed_Mismatch(t *testing.T) {
	tests := []struct {
		name          string
		splits        []Split
		wantErr       error
		wantRemaining string
	}{
		{
			name:          "underpaid",
			splits:        []Split{{Method: MethodCash, Amount: d("100")}, {Method: MethodCard, Amount: d("100"), CardLast4: "1234"}},
			wantErr:       ErrUnderpaid,
			wantRemaining: "42",
		},
		{
			name:          "overpaid",
			splits:        []Split{{Method: MethodCash, Amount: d("200")}, {Method: MethodCredit, Amount: d("100")}},
			wantErr:       ErrOverpaid,
			wantRemaining: "-58",
		},
		{
			name:          "two cents short",
			splits:        []Split{{Method: MethodCash, Amount: d("241.98")}},
			wantErr:       ErrUnderpaid,
			wantRemaining: "0.02",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})

			_, err := f.coord.ConfirmMixed(context.Background(), tt.splits)
			require.ErrorIs(t, err, tt.wantErr)

			var mismatch *MismatchError
			require.True(t, errors.As(err, &mismatch))
			assert.True(t, d(tt.wantRemaining).Equal(mismatch.Remaining), "got %s", mismatch.Remaining)
			assert.Equal(t, StateFailed, f.coord.State())
			assert.Len(t, f.coord.Attempts(), 1)
			assert.Zero(t, f.inv.callCount())
		})
	}
}

func TestConfirmMixed_WithinToleranceSucceeds(t *testing.T) {
	for _, amounts := range [][2]string{{"100", "141.99"}, {"100", "142.01"}} {
		f := newFixture(t, Options{})

		_, err := f.coord.ConfirmMixed(context.Background(), []Split{
			{Method: MethodCash, Amount: d(amounts[0])},
			{Method: MethodTransfer, Amount: d(amounts[1]), TransferReference: "TRX-1"},
		})
		require.NoError(t, err, "%v", amounts)
		assert.Equal(t, StateSuccess, f.coord.State())
	}
}

func TestConfirmMixed_InvalidSplit(t *testing.T) {
	tests := []struct {
		name    string
		split   Split
		wantErr error
	}{
		{name: "zero amount", split: Split{Method: MethodCash, Amount: d("0")}, wantErr: ErrInvalidSplitAmount},
		{name: "negative amount", split: Split{Method: MethodCash, Amount: d("-5")}, wantErr: ErrInvalidSplitAmount},
		{name: "card without digits", split: Split{Method: MethodCard, Amount: d("10")}, wantErr: ErrMissingCardDigits},
		{name: "card with letters", split: Split{Method: MethodCard, Amount: d("10"), CardLast4: "12a4"}, wantErr: ErrMissingCardDigits},
		{name: "transfer without reference", split: Split{Method: MethodTransfer, Amount: d("10")}, wantErr: ErrMissingTransferReference},
		{name: "unknown method", split: Split{Method: "cheque", Amount: d("10")}, wantErr: ErrNoPaymentMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})

			_, err := f.coord.ConfirmMixed(context.Background(), []Split{{Method: MethodCash, Amount: d("232")}, tt.split})
			require.ErrorIs(t, err, tt.wantErr)

			var splitErr *SplitError
			require.True(t, errors.As(err, &splitErr))
			assert.Equal(t, 1, splitErr.Index)
			assert.Equal(t, StateFailed, f.coord.State())
		})
	}
}

func TestConfirm_Guards(t *testing.T) {
	t.Run("register closed", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.ledger.closed = true

		_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCard, CardLast4: "4242"})
		require.ErrorIs(t, err, ErrCashRegisterClosed)
		assert.Equal(t, StateIdle, f.coord.State())
		assert.Empty(t, f.coord.Attempts())
		assert.Equal(t, 1, f.cart.Len())
	})

	t.Run("empty cart", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.cart.Clear(true)

		_, err := f.coord.ConfirmMixed(context.Background(), []Split{{Method: MethodCash, Amount: d("1")}})
		require.ErrorIs(t, err, ErrEmptyCart)
		assert.Equal(t, StateIdle, f.coord.State())
		assert.Empty(t, f.coord.Attempts())
	})
}

func TestConfirm_CollaboratorErrorIsNormalized(t *testing.T) {
	f := newFixture(t, Options{})
	f.inv.err = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

	_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("300")})
	require.Error(t, err)

	var cerr *CollaboratorError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, StepInventory, cerr.Step)
	assert.Equal(t, CategoryDuplicate, cerr.Category)

	assert.Equal(t, StateFailed, f.coord.State())
	attempts := f.coord.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, CategoryDuplicate, attempts[0].Category)
	assert.Equal(t, cerr.Message, attempts[0].Message)
	assert.Equal(t, 1, f.cart.Len())
	assert.Empty(t, f.sales.calls)
}

func TestConfirm_RetryResumesPartialCommit(t *testing.T) {
	f := newFixture(t, Options{})
	f.ledger.failOn = map[Method]error{MethodCard: errors.New("connection refused")}
	splits := []Split{
		{Method: MethodCash, Amount: d("100")},
		{Method: MethodCard, Amount: d("142"), CardLast4: "4242"},
	}

	_, err := f.coord.ConfirmMixed(context.Background(), splits)
	require.Error(t, err)
	var cerr *CollaboratorError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, StepLedger, cerr.Step)
	assert.Equal(t, CategoryNetwork, cerr.Category)
	assert.Equal(t, StateFailed, f.coord.State())
	assert.Equal(t, "sale-1", f.coord.Attempts()[0].SaleID)

	require.NoError(t, f.coord.Reset())
	assert.Equal(t, StateIdle, f.coord.State())
	f.ledger.failOn = nil

	receipt, err := f.coord.ConfirmMixed(context.Background(), splits)
	require.NoError(t, err)

	assert.Equal(t, "sale-1", receipt.SaleID, "retry reuses the sale id")
	assert.Equal(t, 1, f.inv.callCount(), "stock is decremented once")
	assert.Len(t, f.sales.calls, 1, "persisted once")
	assert.Equal(t, []ledgerCall{
		{saleID: "sale-1", amount: "100.00", method: MethodCash},
		{saleID: "sale-1", amount: "142.00", method: MethodCard},
	}, f.ledger.calls)

	attempts := f.coord.Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptFailed, attempts[0].Status)
	assert.Equal(t, AttemptSuccess, attempts[1].Status)
}

func TestConfirm_RetryAfterPersistenceFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.sales.err = errors.New("permission denied for table sales")

	_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCard, CardLast4: "4242"})
	var cerr *CollaboratorError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, StepPersistence, cerr.Step)
	assert.Equal(t, CategoryPermission, cerr.Category)
	assert.Empty(t, f.ledger.calls)

	f.sales.err = nil
	receipt, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCard, CardLast4: "4242"})
	require.NoError(t, err)

	assert.Equal(t, "sale-1", receipt.SaleID)
	assert.Equal(t, 1, f.inv.callCount())
	require.Len(t, f.sales.calls, 2)
	assert.Equal(t, "sale-1", f.sales.calls[1].existingID)
}

func TestConfirm_ChangedCartStartsNewSale(t *testing.T) {
	f := newFixture(t, Options{})
	f.sales.err = errors.New("boom")

	_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("300")})
	require.Error(t, err)

	f.sales.err = nil
	require.NoError(t, f.cart.Update(cart.Key{ID: "productA"}, 1))

	receipt, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("300")})
	require.NoError(t, err)

	assert.Equal(t, "sale-2", receipt.SaleID)
	assert.Equal(t, 2, f.inv.callCount())
}

func TestConfirm_SchemaMissingStillSucceeds(t *testing.T) {
	f := newFixture(t, Options{})
	f.sales.err = errors.Wrap(ErrSchemaMissing, "insert sale")

	receipt, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("242")})
	require.NoError(t, err)

	assert.True(t, receipt.Change.IsZero())
	assert.Equal(t, StateSuccess, f.coord.State())
	assert.Len(t, f.ledger.calls, 1)
	assert.Zero(t, f.cart.Len())
}

func TestConfirm_RegisterCheckFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.ledger.openErr = context.DeadlineExceeded

	_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("300")})
	var cerr *CollaboratorError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, StepRegister, cerr.Step)
	assert.Equal(t, CategoryTimeout, cerr.Category)
	assert.Equal(t, StateFailed, f.coord.State())
}

func TestConfirm_RejectsReentry(t *testing.T) {
	f := newFixture(t, Options{})
	f.inv.block = make(chan struct{})
	f.inv.entered = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("300")})
		done <- err
	}()

	<-f.inv.entered
	assert.Equal(t, StateProcessing, f.coord.State())

	_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("300")})
	require.ErrorIs(t, err, ErrAlreadyProcessing)
	require.ErrorIs(t, f.coord.Reset(), ErrAlreadyProcessing)
	require.ErrorIs(t, f.coord.Cancel(), ErrAlreadyProcessing)

	close(f.inv.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateSuccess, f.coord.State())
	assert.Len(t, f.coord.Attempts(), 1)
}

func TestConfirm_CommitIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coord.ConfirmSingle(ctx, SinglePayment{Method: MethodCash, CashReceived: d("300")})
	require.NoError(t, err)
	assert.NoError(t, f.inv.ctxErr)
}

func TestConfirm_CloseDelayReturnsToIdle(t *testing.T) {
	closed := make(chan struct{})
	f := newFixture(t, Options{
		CloseDelay: 10 * time.Millisecond,
		OnClose:    func() { close(closed) },
	})

	_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d("300")})
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, f.coord.State())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback not called")
	}
	assert.Equal(t, StateIdle, f.coord.State())
}

func TestCoordinator_SplitComposition(t *testing.T) {
	f := newFixture(t, Options{})

	require.NoError(t, f.coord.AddSplit(Split{Method: MethodCash, Amount: d("100")}))
	require.NoError(t, f.coord.AddSplit(Split{Method: MethodCredit, Amount: d("50")}))
	require.ErrorIs(t, f.coord.AddSplit(Split{Method: MethodCard, Amount: d("92")}), ErrMissingCardDigits)

	q := f.coord.Quote()
	assert.True(t, d("242").Equal(q.Totals.Total))
	assert.True(t, d("150").Equal(q.Paid))
	assert.True(t, d("92").Equal(q.Remaining))

	require.NoError(t, f.coord.RemoveSplit(1))
	require.ErrorIs(t, f.coord.RemoveSplit(5), ErrSplitNotFound)
	require.NoError(t, f.coord.AddSplit(Split{Method: MethodCard, Amount: d("142"), CardLast4: "0001"}))
	assert.Len(t, f.coord.PendingSplits(), 2)

	receipt, err := f.coord.ConfirmMixed(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, receipt.Splits, 2)
	assert.Empty(t, f.coord.PendingSplits(), "success resets selections")
}

func TestCoordinator_CancelDiscardsSplits(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.coord.AddSplit(Split{Method: MethodCash, Amount: d("100")}))

	require.NoError(t, f.coord.Cancel())

	assert.Empty(t, f.coord.PendingSplits())
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Equal(t, 1, f.cart.Len(), "cancel leaves the cart alone")
	assert.Zero(t, f.inv.callCount())
}

func TestCoordinator_AttemptLogIsBounded(t *testing.T) {
	f := newFixture(t, Options{AttemptLogSize: 3})

	for _, cash := range []string{"1", "2", "3", "4", "5"} {
		_, err := f.coord.ConfirmSingle(context.Background(), SinglePayment{Method: MethodCash, CashReceived: d(cash)})
		require.ErrorIs(t, err, ErrInsufficientCash)
		require.NoError(t, f.coord.Reset())
	}

	assert.Len(t, f.coord.Attempts(), 3)
}
