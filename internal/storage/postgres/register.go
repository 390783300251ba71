package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/settlement"
)

const (
	openSessionIDSQL = `SELECT id FROM register_sessions
		WHERE register_id = $1 AND closed_at IS NULL`

	openSessionSQL = `INSERT INTO register_sessions (id, register_id) VALUES ($1, $2)`

	closeSessionSQL = `UPDATE register_sessions SET closed_at = NOW()
		WHERE register_id = $1 AND closed_at IS NULL`

	insertRegisterEntrySQL = `INSERT INTO register_entries (session_id, sale_id, method, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sale_id, method) DO NOTHING`

	sessionTakingsSQL = `SELECT method, SUM(amount) FROM register_entries
		WHERE session_id = $1 GROUP BY method`
)

var _ settlement.Ledger = (*RegisterRepository)(nil)

// ErrSessionAlreadyOpen is returned when opening a register that is open.
var ErrSessionAlreadyOpen = errors.New("register session already open")

// RegisterRepository implements settlement.Ledger for one register.
type RegisterRepository struct {
	pool       *pgxpool.Pool
	registerID string
}

// NewRegisterRepository returns a RegisterRepository for registerID.
func NewRegisterRepository(pool *pgxpool.Pool, registerID string) *RegisterRepository {
	return &RegisterRepository{pool: pool, registerID: registerID}
}

// IsOpen reports whether the register has an open session.
func (r *RegisterRepository) IsOpen(ctx context.Context) (bool, error) {
	_, err := r.sessionID(ctx)
	if errors.Is(err, settlement.ErrCashRegisterClosed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RegisterSale records amount for the sale and method in the open session.
// Registering the same sale and method twice is a no-op.
func (r *RegisterRepository) RegisterSale(ctx context.Context, saleID string, amount decimal.Decimal, method settlement.Method) error {
	sessionID, err := r.sessionID(ctx)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, insertRegisterEntrySQL, sessionID, saleID, string(method), amount); err != nil {
		return errors.Wrapf(err, "register %s sale %q", method, saleID)
	}
	return nil
}

// Open starts a new session and returns its id.
func (r *RegisterRepository) Open(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if _, err := r.pool.Exec(ctx, openSessionSQL, id, r.registerID); err != nil {
		if hasCode(err, codeUniqueViolation) {
			return "", ErrSessionAlreadyOpen
		}
		return "", errors.Wrap(err, "open register session")
	}
	return id, nil
}

// Close ends the open session, if any.
func (r *RegisterRepository) Close(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, closeSessionSQL, r.registerID); err != nil {
		return errors.Wrap(err, "close register session")
	}
	return nil
}

// Takings sums the registered amounts of the open session per method.
func (r *RegisterRepository) Takings(ctx context.Context) (map[settlement.Method]decimal.Decimal, error) {
	sessionID, err := r.sessionID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, sessionTakingsSQL, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "query takings")
	}

	out := make(map[settlement.Method]decimal.Decimal)
	var (
		method string
		amount decimal.Decimal
	)
	_, err = pgx.ForEachRow(rows, []any{&method, &amount}, func() error {
		out[settlement.Method(method)] = amount
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan takings")
	}
	return out, nil
}

func (r *RegisterRepository) sessionID(ctx context.Context) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, openSessionIDSQL, r.registerID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", settlement.ErrCashRegisterClosed
	}
	if err != nil {
		return "", errors.Wrap(err, "find open register session")
	}
	return id, nil
}
