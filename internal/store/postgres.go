package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tradecore/internal/apperr"
	"tradecore/internal/model"
	"tradecore/internal/types"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// below runs unchanged inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production store. Monetary columns are NUMERIC and are
// read back as TEXT for exact decimal parsing.
type Postgres struct {
	pool *pgxpool.Pool
	db   querier
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, db: pool}
}

// WithTx runs fn against a transaction-bound copy of the store under
// serializable isolation. A serialization failure surfaces as an error and
// the caller retries on its next pass.
func (s *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return errors.New("store: nested transaction")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&Postgres{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) CreateAccount(ctx context.Context, acc *model.TradingAccount) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO trading_accounts (user_id, client_id, balance, available_margin, used_margin, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 RETURNING id`,
		acc.UserID, acc.ClientID,
		acc.Balance.String(), acc.AvailableMargin.String(), acc.UsedMargin.String(),
		acc.CreatedAt,
	).Scan(&acc.ID)
}

const accountColumns = `id, user_id, client_id, balance::TEXT, available_margin::TEXT, used_margin::TEXT, created_at`

func scanAccount(row pgx.Row) (*model.TradingAccount, error) {
	var acc model.TradingAccount
	var balance, available, used string
	if err := row.Scan(&acc.ID, &acc.UserID, &acc.ClientID, &balance, &available, &used, &acc.CreatedAt); err != nil {
		return nil, err
	}
	acc.Balance, _ = decimal.NewFromString(balance)
	acc.AvailableMargin, _ = decimal.NewFromString(available)
	acc.UsedMargin, _ = decimal.NewFromString(used)
	return &acc, nil
}

func (s *Postgres) GetAccount(ctx context.Context, id string) (*model.TradingAccount, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM trading_accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account %s not found", id)
	}
	return acc, err
}

func (s *Postgres) ListAccounts(ctx context.Context) ([]model.TradingAccount, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+accountColumns+` FROM trading_accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TradingAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}

// ApplyAccountDelta is the one mutation primitive for account rows: a
// single additive UPDATE, never read-then-write.
func (s *Postgres) ApplyAccountDelta(ctx context.Context, id string, balance, available, used decimal.Decimal) (*model.TradingAccount, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx,
		`UPDATE trading_accounts
		 SET balance = balance + $2::NUMERIC,
		     available_margin = available_margin + $3::NUMERIC,
		     used_margin = used_margin + $4::NUMERIC
		 WHERE id = $1
		 RETURNING `+accountColumns,
		id, balance.String(), available.String(), used.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account %s not found", id)
	}
	return acc, err
}

func (s *Postgres) CreateOrder(ctx context.Context, o *model.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	var price *string
	if o.Price != nil {
		v := o.Price.String()
		price = &v
	}
	var clientRef *string
	if o.ClientRef != "" {
		clientRef = &o.ClientRef
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO orders
		   (account_id, symbol, segment, product_type, side, type, status,
		    quantity, price, filled_quantity, margin_required, brokerage,
		    charges_total, margin_blocked, client_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13::NUMERIC, $14::NUMERIC, $15, $16)
		 RETURNING id`,
		o.AccountID, o.Symbol, string(o.Segment), string(o.ProductType),
		string(o.Side), string(o.Type), string(o.Status),
		o.Quantity.String(), price, o.FilledQuantity.String(),
		o.MarginRequired.String(), o.Brokerage.String(), o.ChargesTotal.String(),
		o.MarginBlocked.String(), clientRef, o.CreatedAt,
	).Scan(&o.ID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.DuplicateOrder(o.ClientRef)
	}
	return err
}

const orderColumns = `id, account_id, symbol, segment, product_type, side, type, status,
	quantity::TEXT, price::TEXT, filled_quantity::TEXT, average_price::TEXT,
	margin_required::TEXT, brokerage::TEXT, charges_total::TEXT, margin_blocked::TEXT,
	COALESCE(client_ref, ''), created_at, executed_at, cancelled_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var segment, product, side, typ, status string
	var quantity, filled, marginRequired, brokerage, chargesTotal, marginBlocked string
	var price, avgPrice *string
	if err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &segment, &product, &side, &typ, &status,
		&quantity, &price, &filled, &avgPrice,
		&marginRequired, &brokerage, &chargesTotal, &marginBlocked,
		&o.ClientRef, &o.CreatedAt, &o.ExecutedAt, &o.CancelledAt); err != nil {
		return nil, err
	}
	o.Segment = types.Segment(segment)
	o.ProductType = types.ProductType(product)
	o.Side = types.OrderSide(side)
	o.Type = types.OrderType(typ)
	o.Status = types.OrderStatus(status)
	o.Quantity, _ = decimal.NewFromString(quantity)
	o.FilledQuantity, _ = decimal.NewFromString(filled)
	o.MarginRequired, _ = decimal.NewFromString(marginRequired)
	o.Brokerage, _ = decimal.NewFromString(brokerage)
	o.ChargesTotal, _ = decimal.NewFromString(chargesTotal)
	o.MarginBlocked, _ = decimal.NewFromString(marginBlocked)
	if price != nil {
		v, _ := decimal.NewFromString(*price)
		o.Price = &v
	}
	if avgPrice != nil {
		v, _ := decimal.NewFromString(*avgPrice)
		o.AveragePrice = &v
	}
	return &o, nil
}

func (s *Postgres) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return o, err
}

func (s *Postgres) ListOrders(ctx context.Context, accountID string, status types.OrderStatus, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE ($1 = '' OR account_id = $1)
		   AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		accountID, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *Postgres) ListExecutableOrders(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status = 'PENDING' AND created_at <= $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// MarkOrderExecuted commits the PENDING -> EXECUTED transition. The status
// guard makes a retried or racing call a no-op with ok == false.
func (s *Postgres) MarkOrderExecuted(ctx context.Context, id string, filledQty, avgPrice decimal.Decimal, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE orders
		 SET status = 'EXECUTED', filled_quantity = $2::NUMERIC,
		     average_price = $3::NUMERIC, executed_at = $4
		 WHERE id = $1 AND status = 'PENDING'`,
		id, filledQty.String(), avgPrice.String(), at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) MarkOrderCancelled(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE orders SET status = 'CANCELLED', cancelled_at = $2
		 WHERE id = $1 AND status = 'PENDING'`, id, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const positionColumns = `id, account_id, symbol, segment, product_type,
	quantity::TEXT, average_price::TEXT, margin_blocked::TEXT,
	total_brokerage::TEXT, total_taxes::TEXT, realized_pnl::TEXT,
	created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var segment, product string
	var qty, avg, margin, brokerage, taxes, realized string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &segment, &product,
		&qty, &avg, &margin, &brokerage, &taxes, &realized,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Segment = types.Segment(segment)
	p.ProductType = types.ProductType(product)
	p.Quantity, _ = decimal.NewFromString(qty)
	p.AveragePrice, _ = decimal.NewFromString(avg)
	p.MarginBlocked, _ = decimal.NewFromString(margin)
	p.TotalBrokerage, _ = decimal.NewFromString(brokerage)
	p.TotalTaxes, _ = decimal.NewFromString(taxes)
	p.RealizedPnL, _ = decimal.NewFromString(realized)
	return &p, nil
}

func (s *Postgres) GetPosition(ctx context.Context, accountID, symbol string, product types.ProductType) (*model.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE account_id = $1 AND symbol = $2 AND product_type = $3`,
		accountID, symbol, string(product)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *Postgres) UpsertPosition(ctx context.Context, p *model.Position) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	return s.db.QueryRow(ctx,
		`INSERT INTO positions
		   (account_id, symbol, segment, product_type, quantity, average_price,
		    margin_blocked, total_brokerage, total_taxes, realized_pnl, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)
		 ON CONFLICT (account_id, symbol, product_type) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     average_price = EXCLUDED.average_price,
		     margin_blocked = EXCLUDED.margin_blocked,
		     total_brokerage = EXCLUDED.total_brokerage,
		     total_taxes = EXCLUDED.total_taxes,
		     realized_pnl = EXCLUDED.realized_pnl,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		p.AccountID, p.Symbol, string(p.Segment), string(p.ProductType),
		p.Quantity.String(), p.AveragePrice.String(), p.MarginBlocked.String(),
		p.TotalBrokerage.String(), p.TotalTaxes.String(), p.RealizedPnL.String(),
		p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
}

func (s *Postgres) DeletePosition(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	return err
}

func (s *Postgres) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE ($1 = '' OR account_id = $1)
		 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Postgres) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	return s.ListPositions(ctx, "")
}

func (s *Postgres) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO transactions (account_id, amount, type, description, order_id, position_id, created_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7)
		 RETURNING id`,
		t.AccountID, t.Amount.String(), string(t.Type), t.Description,
		t.OrderID, t.PositionID, t.CreatedAt,
	).Scan(&t.ID)
}

func (s *Postgres) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, account_id, amount::TEXT, type, description, order_id, position_id, created_at
		 FROM transactions
		 WHERE ($1 = '' OR account_id = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount, typ string
		if err := rows.Scan(&t.ID, &t.AccountID, &amount, &typ, &t.Description, &t.OrderID, &t.PositionID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.Type = types.TransactionType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) GetWorkerState(ctx context.Context, id types.WorkerID) (*model.WorkerState, error) {
	var ws model.WorkerState
	var idStr, mode string
	var hbRaw []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, enabled, mode, last_run_at, heartbeat, updated_at
		 FROM worker_states WHERE id = $1`, string(id)).
		Scan(&idStr, &ws.Enabled, &mode, &ws.LastRunAt, &hbRaw, &ws.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ws.ID = types.WorkerID(idStr)
	ws.Mode = types.WorkerMode(mode)
	if len(hbRaw) > 0 {
		var hb model.Heartbeat
		if err := json.Unmarshal(hbRaw, &hb); err == nil {
			ws.Heartbeat = &hb
		}
	}
	return &ws, nil
}

func (s *Postgres) SetWorkerEnabled(ctx context.Context, id types.WorkerID, enabled bool) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO worker_states (id, enabled, mode, updated_at)
		 VALUES ($1, $2, 'auto', now())
		 ON CONFLICT (id) DO UPDATE SET enabled = $2, updated_at = now()`,
		string(id), enabled)
	return err
}

func (s *Postgres) SetWorkerMode(ctx context.Context, id types.WorkerID, mode types.WorkerMode) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO worker_states (id, enabled, mode, updated_at)
		 VALUES ($1, true, $2, now())
		 ON CONFLICT (id) DO UPDATE SET mode = $2, updated_at = now()`,
		string(id), string(mode))
	return err
}

func (s *Postgres) SaveHeartbeat(ctx context.Context, id types.WorkerID, hb model.Heartbeat) error {
	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO worker_states (id, enabled, mode, last_run_at, heartbeat, updated_at)
		 VALUES ($1, true, 'auto', $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET last_run_at = $2, heartbeat = $3, updated_at = now()`,
		string(id), hb.StartedAt.UTC(), raw)
	return err
}

func (s *Postgres) GetRiskConfig(ctx context.Context, segment types.Segment, product types.ProductType) (*model.RiskConfigRow, error) {
	var row model.RiskConfigRow
	var seg, prod string
	var leverage, flat, rate, capAmt string
	err := s.db.QueryRow(ctx,
		`SELECT segment, product_type, leverage::TEXT, brokerage_flat::TEXT, brokerage_rate::TEXT, brokerage_cap::TEXT
		 FROM risk_config WHERE segment = $1 AND product_type = $2`,
		string(segment), string(product)).
		Scan(&seg, &prod, &leverage, &flat, &rate, &capAmt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.Segment = types.Segment(seg)
	row.ProductType = types.ProductType(prod)
	row.Leverage, _ = decimal.NewFromString(leverage)
	row.BrokerageFlat, _ = decimal.NewFromString(flat)
	row.BrokerageRate, _ = decimal.NewFromString(rate)
	row.BrokerageCap, _ = decimal.NewFromString(capAmt)
	return &row, nil
}

func (s *Postgres) PutRiskConfig(ctx context.Context, row *model.RiskConfigRow) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO risk_config (segment, product_type, leverage, brokerage_flat, brokerage_rate, brokerage_cap)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (segment, product_type) DO UPDATE
		 SET leverage = EXCLUDED.leverage,
		     brokerage_flat = EXCLUDED.brokerage_flat,
		     brokerage_rate = EXCLUDED.brokerage_rate,
		     brokerage_cap = EXCLUDED.brokerage_cap`,
		string(row.Segment), string(row.ProductType),
		row.Leverage.String(), row.BrokerageFlat.String(),
		row.BrokerageRate.String(), row.BrokerageCap.String())
	return err
}
