package settlement

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
	"github.com/xenking/oolio-pos/internal/domain/pricing"
)

// Options configures a Coordinator. Zero values select the defaults.
type Options struct {
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// AttemptLogSize is the capacity of the attempt ring. Defaults to 50.
	AttemptLogSize int
	// CloseDelay is how long a Success stays visible before the coordinator
	// returns to Idle and calls OnClose. Zero disables the timer.
	CloseDelay time.Duration
	OnClose    func()

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
	if o.AttemptLogSize <= 0 {
		o.AttemptLogSize = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// pendingSale survives a failed commit so a retry resumes where it stopped.
type pendingSale struct {
	saleID      string
	fingerprint string
	persisted   bool
	registered  map[Method]bool
}

// Coordinator is the checkout state machine for one register. It validates
// payments against the priced cart and runs the commit sequence while
// holding the cart lock.
type Coordinator struct {
	cart   *cart.Store
	inv    inventory.Inventory
	sales  SaleStore
	ledger Ledger

	lg         *zap.Logger
	tracer     trace.Tracer
	attemptCnt metric.Int64Counter
	closeDelay time.Duration
	onClose    func()
	now        func() time.Time

	mu         sync.Mutex
	state      State
	busy       bool
	attempts   *attemptLog
	splits     []Split
	pending    *pendingSale
	closeTimer *time.Timer
}

// NewCoordinator creates a Coordinator settling sales from store.
func NewCoordinator(
	store *cart.Store,
	inv inventory.Inventory,
	sales SaleStore,
	ledger Ledger,
	opts Options,
) (*Coordinator, error) {
	opts.setDefaults()

	attemptCnt, err := opts.MeterProvider.Meter("pos/settlement").Int64Counter("pos.settlement.attempts",
		metric.WithDescription("Payment attempts by mode and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create attempts counter")
	}

	return &Coordinator{
		cart:       store,
		inv:        inv,
		sales:      sales,
		ledger:     ledger,
		lg:         opts.Logger,
		tracer:     opts.TracerProvider.Tracer("pos/settlement"),
		attemptCnt: attemptCnt,
		closeDelay: opts.CloseDelay,
		onClose:    opts.OnClose,
		now:        opts.Now,
		state:      StateIdle,
		attempts:   newAttemptLog(opts.AttemptLogSize),
	}, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the attempt log, oldest first.
func (c *Coordinator) Attempts() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts.list()
}

// Quote prices the cart and reports how much of it the composed splits cover.
func (c *Coordinator) Quote() Quote {
	totals := pricing.Price(c.cart.Snapshot())
	splits := c.PendingSplits()

	paid := sumSplits(splits)
	return Quote{
		Totals:    totals,
		Splits:    splits,
		Paid:      paid,
		Remaining: pricing.Round2(totals.Total.Sub(paid)),
	}
}

// AddSplit validates s and appends it to the composed mixed payment.
func (c *Coordinator) AddSplit(s Split) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.splits = append(c.splits, s)
	return nil
}

// RemoveSplit removes the split at index i.
func (c *Coordinator) RemoveSplit(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.splits) {
		return ErrSplitNotFound
	}
	c.splits = append(c.splits[:i], c.splits[i+1:]...)
	return nil
}

// PendingSplits returns a copy of the composed splits.
func (c *Coordinator) PendingSplits() []Split {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Split(nil), c.splits...)
}

// Reset returns a Failed or Successful checkout to Idle. A sale left
// half-committed by a failure is kept so the next confirm resumes it.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrAlreadyProcessing
	}
	c.stopCloseTimer()
	c.state = StateIdle
	return nil
}

// Cancel closes the checkout: composed splits are discarded and the state
// returns to Idle. Nothing external is touched.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrAlreadyProcessing
	}
	c.stopCloseTimer()
	c.splits = nil
	c.state = StateIdle
	return nil
}

// ConfirmSingle settles the cart with one instrument. For cash the received
// amount must cover the total and the change is reported on the receipt.
func (c *Coordinator) ConfirmSingle(ctx context.Context, p SinglePayment) (*Receipt, error) {
	return c.confirm(ctx, ModeSingle, func(total decimal.Decimal) ([]Split, decimal.Decimal, error) {
		if !p.Method.Valid() {
			return nil, decimal.Zero, ErrNoPaymentMethod
		}
		change := decimal.Zero
		if p.Method == MethodCash {
			if p.CashReceived.LessThan(total) {
				return nil, decimal.Zero, ErrInsufficientCash
			}
			change = pricing.Round2(p.CashReceived.Sub(total))
		}
		return []Split{{
			Method:            p.Method,
			Amount:            total,
			CardLast4:         p.CardLast4,
			TransferReference: p.TransferReference,
		}}, change, nil
	})
}

// ConfirmMixed settles the cart with several instruments. When splits is
// empty the splits composed with AddSplit are used.
func (c *Coordinator) ConfirmMixed(ctx context.Context, splits []Split) (*Receipt, error) {
	if len(splits) == 0 {
		splits = c.PendingSplits()
	}
	splits = append([]Split(nil), splits...)

	return c.confirm(ctx, ModeMixed, func(total decimal.Decimal) ([]Split, decimal.Decimal, error) {
		if len(splits) == 0 {
			return nil, decimal.Zero, ErrNoPaymentMethod
		}
		for i, s := range splits {
			if err := s.Validate(); err != nil {
				return nil, decimal.Zero, &SplitError{Index: i, Err: err}
			}
		}
		remaining := total.Sub(sumSplits(splits))
		if remaining.Abs().GreaterThan(Tolerance) {
			return nil, decimal.Zero, &MismatchError{Remaining: pricing.Round2(remaining)}
		}
		return splits, decimal.Zero, nil
	})
}

type validateFunc func(total decimal.Decimal) (splits []Split, change decimal.Decimal, err error)

// confirmPhase tracks how far a confirm got, which decides whether a failure
// is logged as an attempt.
type confirmPhase int

const (
	phaseGuard confirmPhase = iota
	phaseValidate
	phaseCommit
)

func (c *Coordinator) confirm(ctx context.Context, mode Mode, validate validateFunc) (*Receipt, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrAlreadyProcessing
	}
	c.busy = true
	c.stopCloseTimer()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	lg := c.lg.With(zap.String("mode", string(mode)))

	open, err := c.ledger.IsOpen(ctx)
	if err != nil {
		cerr := collaboratorError(StepRegister, err)
		c.fail(mode, decimal.Zero, "", cerr.Category, cerr.Message)
		lg.Error("Register status check failed", zap.Error(err))
		return nil, cerr
	}
	if !open {
		return nil, ErrCashRegisterClosed
	}

	var (
		phase   = phaseGuard
		total   = decimal.Zero
		receipt *Receipt
	)
	err = c.cart.Commit(func(snap cart.Snapshot) error {
		if snap.IsEmpty() {
			return ErrEmptyCart
		}
		totals := pricing.Price(snap)
		total = totals.Total

		phase = phaseValidate
		splits, change, err := validate(totals.Total)
		if err != nil {
			return err
		}

		phase = phaseCommit
		c.setState(StateProcessing)
		saleID, err := c.commit(context.WithoutCancel(ctx), lg, snap, totals, splits)
		if err != nil {
			return err
		}
		receipt = &Receipt{
			SaleID:      saleID,
			Mode:        mode,
			Totals:      totals,
			Splits:      splits,
			Change:      change,
			CompletedAt: c.now(),
		}
		return nil
	})

	switch {
	case err == nil:
		c.succeed(mode, receipt)
		lg.Info("Sale completed",
			zap.String("sale_id", receipt.SaleID),
			zap.String("total", receipt.Totals.Total.StringFixed(2)),
		)
		return receipt, nil
	case phase == phaseGuard:
		return nil, err
	case phase == phaseValidate:
		c.fail(mode, total, "", CategoryValidation, err.Error())
		lg.Info("Payment rejected", zap.Error(err))
		return nil, err
	default:
		var cerr *CollaboratorError
		if !errors.As(err, &cerr) {
			cerr = collaboratorError(StepPersistence, err)
		}
		c.fail(mode, total, c.pendingSaleID(), cerr.Category, cerr.Message)
		lg.Error("Sale commit failed",
			zap.String("step", string(cerr.Step)),
			zap.String("category", string(cerr.Category)),
			zap.String("sale_id", c.pendingSaleID()),
			zap.Error(err),
		)
		return nil, cerr
	}
}

// commit runs inventory, persistence and ledger in sequence. Completed steps
// are remembered in c.pending so a retry of the same cart skips them.
func (c *Coordinator) commit(
	ctx context.Context,
	lg *zap.Logger,
	snap cart.Snapshot,
	totals pricing.Totals,
	splits []Split,
) (_ string, rerr error) {
	ctx, span := c.tracer.Start(ctx, "settlement.Commit",
		trace.WithAttributes(
			attribute.Int("pos.lines", len(snap.Lines)),
			attribute.String("pos.total", totals.Total.StringFixed(2)),
			attribute.String("pos.method", methodLabel(splits)),
		),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	p := c.resume(lg, snap, totals)
	if p == nil {
		saleID, err := c.inv.ProcessSale(ctx, inventory.SaleRequest{
			Items:         inventory.ItemsFromSnapshot(snap),
			Total:         totals.Total,
			PaymentMethod: methodLabel(splits),
		})
		if err != nil {
			return "", collaboratorError(StepInventory, err)
		}
		p = &pendingSale{
			saleID:      saleID,
			fingerprint: fingerprint(snap, totals),
			registered:  make(map[Method]bool),
		}
		c.mu.Lock()
		c.pending = p
		c.mu.Unlock()
	}
	span.SetAttributes(attribute.String("pos.sale_id", p.saleID))

	if !p.persisted {
		rec := newSaleRecord(p.saleID, snap, totals, splits, c.now())
		switch err := c.sales.CreateOrAttachSale(ctx, rec, p.saleID); {
		case errors.Is(err, ErrSchemaMissing):
			lg.Warn("Sale storage schema missing, continuing without persisting",
				zap.String("sale_id", p.saleID),
				zap.Error(err),
			)
		case err != nil:
			return "", collaboratorError(StepPersistence, err)
		}
		p.persisted = true
	}

	for _, m := range distinctMethods(splits) {
		if p.registered[m] {
			continue
		}
		amount := decimal.Zero
		for _, s := range splits {
			if s.Method == m {
				amount = amount.Add(s.Amount)
			}
		}
		if err := c.ledger.RegisterSale(ctx, p.saleID, amount, m); err != nil {
			return "", collaboratorError(StepLedger, err)
		}
		p.registered[m] = true
	}

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	return p.saleID, nil
}

// resume returns the pending sale of a previous failed commit when it was for
// the same cart. A pending sale for a different cart is dropped and reported:
// its stock has been decremented but the sale never completed.
func (c *Coordinator) resume(lg *zap.Logger, snap cart.Snapshot, totals pricing.Totals) *pendingSale {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending
	if p == nil {
		return nil
	}
	if p.fingerprint == fingerprint(snap, totals) {
		lg.Info("Resuming sale", zap.String("sale_id", p.saleID))
		return p
	}
	lg.Error("Cart changed after a partially committed sale, starting a new sale",
		zap.String("abandoned_sale_id", p.saleID),
		zap.Bool("persisted", p.persisted),
	)
	c.pending = nil
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Coordinator) pendingSaleID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return ""
	}
	return c.pending.saleID
}

func (c *Coordinator) succeed(mode Mode, r *Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateSuccess
	c.splits = nil
	c.attempts.append(Attempt{
		ID:        uuid.NewString(),
		Timestamp: r.CompletedAt,
		Status:    AttemptSuccess,
		Mode:      mode,
		Amount:    r.Totals.Total,
		SaleID:    r.SaleID,
	})
	c.attemptCnt.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("status", string(AttemptSuccess)),
	))

	if c.closeDelay > 0 {
		c.closeTimer = time.AfterFunc(c.closeDelay, c.close)
	}
}

func (c *Coordinator) fail(mode Mode, amount decimal.Decimal, saleID string, category Category, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateFailed
	c.attempts.append(Attempt{
		ID:        uuid.NewString(),
		Timestamp: c.now(),
		Status:    AttemptFailed,
		Mode:      mode,
		Amount:    amount,
		SaleID:    saleID,
		Message:   msg,
		Category:  category,
	})
	c.attemptCnt.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("status", string(AttemptFailed)),
		attribute.String("category", string(category)),
	))
}

// close is the delayed end of a successful checkout.
func (c *Coordinator) close() {
	c.mu.Lock()
	if c.state != StateSuccess || c.busy {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.closeTimer = nil
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (c *Coordinator) stopCloseTimer() {
	if c.closeTimer != nil {
		c.closeTimer.Stop()
		c.closeTimer = nil
	}
}

func collaboratorError(step Step, err error) *CollaboratorError {
	n := Normalize(err)
	return &CollaboratorError{Step: step, Category: n.Category, Message: n.Message, Err: err}
}

func sumSplits(splits []Split) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range splits {
		sum = sum.Add(s.Amount)
	}
	return sum
}

// fingerprint identifies the contents of a cart for retry matching. The
// payment method is not part of it: retrying with another instrument resumes
// the same sale.
func fingerprint(snap cart.Snapshot, totals pricing.Totals) string {
	var b strings.Builder
	for _, l := range snap.Lines {
		b.WriteString(l.Key().String())
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(l.Quantity))
		b.WriteByte(':')
		b.WriteString(l.UnitPrice.String())
		b.WriteByte(';')
	}
	b.WriteString(totals.Total.StringFixed(2))
	return b.String()
}
