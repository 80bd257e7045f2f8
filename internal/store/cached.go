package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradecore/internal/model"
	"tradecore/internal/types"
)

// Cached wraps a primary Store with a Redis read-through cache for the hot
// read paths: account snapshots and risk config rows. Writes go to the
// primary and invalidate; everything else delegates straight through.
type Cached struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

func NewCached(primary Store, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{primary: primary, rdb: rdb, ttl: ttl}
}

func accountKey(id string) string { return "acct:" + id }

// WithTx delegates to the primary and invalidates the keys the block wrote
// after it commits, so a rolled-back transaction never evicts live entries.
func (c *Cached) WithTx(ctx context.Context, fn func(Store) error) error {
	var keys []string
	err := c.primary.WithTx(ctx, func(tx Store) error {
		return fn(&txRecorder{Store: tx, keys: &keys})
	})
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		c.rdb.Del(ctx, keys...)
	}
	return nil
}

// txRecorder tracks which cached rows a transaction touches.
type txRecorder struct {
	Store
	keys *[]string
}

func (t *txRecorder) ApplyAccountDelta(ctx context.Context, id string, balance, available, used decimal.Decimal) (*model.TradingAccount, error) {
	acc, err := t.Store.ApplyAccountDelta(ctx, id, balance, available, used)
	if err == nil {
		*t.keys = append(*t.keys, accountKey(id))
	}
	return acc, err
}

func (t *txRecorder) CreateAccount(ctx context.Context, acc *model.TradingAccount) error {
	err := t.Store.CreateAccount(ctx, acc)
	if err == nil {
		*t.keys = append(*t.keys, accountKey(acc.ID))
	}
	return err
}

func (t *txRecorder) PutRiskConfig(ctx context.Context, row *model.RiskConfigRow) error {
	err := t.Store.PutRiskConfig(ctx, row)
	if err == nil {
		*t.keys = append(*t.keys, riskConfigKey(row.Segment, row.ProductType))
	}
	return err
}

func riskConfigKey(segment types.Segment, product types.ProductType) string {
	return "riskcfg:" + string(segment) + ":" + string(product)
}

func (c *Cached) GetAccount(ctx context.Context, id string) (*model.TradingAccount, error) {
	if data, err := c.rdb.Get(ctx, accountKey(id)).Bytes(); err == nil {
		var acc model.TradingAccount
		if json.Unmarshal(data, &acc) == nil {
			return &acc, nil
		}
	}
	acc, err := c.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(acc); err == nil {
		c.rdb.Set(ctx, accountKey(id), data, c.ttl)
	}
	return acc, nil
}

func (c *Cached) CreateAccount(ctx context.Context, acc *model.TradingAccount) error {
	if err := c.primary.CreateAccount(ctx, acc); err != nil {
		return err
	}
	c.rdb.Del(ctx, accountKey(acc.ID))
	return nil
}

func (c *Cached) ApplyAccountDelta(ctx context.Context, id string, balance, available, used decimal.Decimal) (*model.TradingAccount, error) {
	acc, err := c.primary.ApplyAccountDelta(ctx, id, balance, available, used)
	if err != nil {
		return nil, err
	}
	c.rdb.Del(ctx, accountKey(id))
	return acc, nil
}

func (c *Cached) GetRiskConfig(ctx context.Context, segment types.Segment, product types.ProductType) (*model.RiskConfigRow, error) {
	if data, err := c.rdb.Get(ctx, riskConfigKey(segment, product)).Bytes(); err == nil {
		var row model.RiskConfigRow
		if json.Unmarshal(data, &row) == nil {
			return &row, nil
		}
	}
	row, err := c.primary.GetRiskConfig(ctx, segment, product)
	if err != nil || row == nil {
		return row, err
	}
	if data, err := json.Marshal(row); err == nil {
		c.rdb.Set(ctx, riskConfigKey(segment, product), data, c.ttl)
	}
	return row, nil
}

func (c *Cached) PutRiskConfig(ctx context.Context, row *model.RiskConfigRow) error {
	if err := c.primary.PutRiskConfig(ctx, row); err != nil {
		return err
	}
	c.rdb.Del(ctx, riskConfigKey(row.Segment, row.ProductType))
	return nil
}

// --- straight delegation ---

func (c *Cached) ListAccounts(ctx context.Context) ([]model.TradingAccount, error) {
	return c.primary.ListAccounts(ctx)
}

func (c *Cached) CreateOrder(ctx context.Context, o *model.Order) error {
	return c.primary.CreateOrder(ctx, o)
}

func (c *Cached) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return c.primary.GetOrder(ctx, id)
}

func (c *Cached) ListOrders(ctx context.Context, accountID string, status types.OrderStatus, limit int) ([]model.Order, error) {
	return c.primary.ListOrders(ctx, accountID, status, limit)
}

func (c *Cached) ListExecutableOrders(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error) {
	return c.primary.ListExecutableOrders(ctx, createdBefore, limit)
}

func (c *Cached) MarkOrderExecuted(ctx context.Context, id string, filledQty, avgPrice decimal.Decimal, at time.Time) (bool, error) {
	return c.primary.MarkOrderExecuted(ctx, id, filledQty, avgPrice, at)
}

func (c *Cached) MarkOrderCancelled(ctx context.Context, id string, at time.Time) (bool, error) {
	return c.primary.MarkOrderCancelled(ctx, id, at)
}

func (c *Cached) GetPosition(ctx context.Context, accountID, symbol string, product types.ProductType) (*model.Position, error) {
	return c.primary.GetPosition(ctx, accountID, symbol, product)
}

func (c *Cached) UpsertPosition(ctx context.Context, p *model.Position) error {
	return c.primary.UpsertPosition(ctx, p)
}

func (c *Cached) DeletePosition(ctx context.Context, id string) error {
	return c.primary.DeletePosition(ctx, id)
}

func (c *Cached) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return c.primary.ListPositions(ctx, accountID)
}

func (c *Cached) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	return c.primary.ListAllPositions(ctx)
}

func (c *Cached) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	return c.primary.AppendTransaction(ctx, t)
}

func (c *Cached) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	return c.primary.ListTransactions(ctx, accountID, limit)
}

func (c *Cached) GetWorkerState(ctx context.Context, id types.WorkerID) (*model.WorkerState, error) {
	return c.primary.GetWorkerState(ctx, id)
}

func (c *Cached) SetWorkerEnabled(ctx context.Context, id types.WorkerID, enabled bool) error {
	return c.primary.SetWorkerEnabled(ctx, id, enabled)
}

func (c *Cached) SetWorkerMode(ctx context.Context, id types.WorkerID, mode types.WorkerMode) error {
	return c.primary.SetWorkerMode(ctx, id, mode)
}

func (c *Cached) SaveHeartbeat(ctx context.Context, id types.WorkerID, hb model.Heartbeat) error {
	return c.primary.SaveHeartbeat(ctx, id, hb)
}
