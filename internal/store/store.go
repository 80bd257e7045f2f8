// Package store persists trading accounts, orders, positions, transactions
// and worker control state. The Postgres implementation is the source of
// truth in production; the Memory implementation backs tests and local runs
// without a database.
//
// Three disciplines hold across implementations:
//
//   - Account mutation is a single additive delta applied atomically
//     (ApplyAccountDelta); no caller reads, modifies and writes back.
//   - Order state transitions are conditional updates guarded on
//     status = PENDING, so a concurrent cancel-vs-execute race resolves to
//     exactly one winner and a retried call is a no-op.
//   - Multi-step money movement runs under WithTx, so a failure mid-sequence
//     rolls the state transition back together with the balance writes and
//     the order remains PENDING for the next pass.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/model"
	"tradecore/internal/types"
)

type Store interface {
	// WithTx runs fn against a store whose writes commit or roll back as a
	// unit. Postgres uses a serializable transaction; Memory serializes
	// WithTx blocks behind one lock and restores a snapshot on error.
	// Nesting is not supported.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Accounts. GetAccount returns apperr.NotFound for unknown ids.
	CreateAccount(ctx context.Context, acc *model.TradingAccount) error
	GetAccount(ctx context.Context, id string) (*model.TradingAccount, error)
	ListAccounts(ctx context.Context) ([]model.TradingAccount, error)
	// ApplyAccountDelta atomically adds the three deltas to the account row
	// and returns the post-state. It does not enforce non-negativity.
	ApplyAccountDelta(ctx context.Context, id string, balance, available, used decimal.Decimal) (*model.TradingAccount, error)

	// Orders. CreateOrder returns apperr.DuplicateOrder when client_ref was
	// already used. The Mark* transitions return false when the order was no
	// longer PENDING, without touching the row.
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, accountID string, status types.OrderStatus, limit int) ([]model.Order, error)
	ListExecutableOrders(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error)
	MarkOrderExecuted(ctx context.Context, id string, filledQty, avgPrice decimal.Decimal, at time.Time) (bool, error)
	MarkOrderCancelled(ctx context.Context, id string, at time.Time) (bool, error)

	// Positions. GetPosition returns (nil, nil) when no open position exists
	// for the key.
	GetPosition(ctx context.Context, accountID, symbol string, product types.ProductType) (*model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, id string) error
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)
	ListAllPositions(ctx context.Context) ([]model.Position, error)

	// Transactions are append-only.
	AppendTransaction(ctx context.Context, t *model.Transaction) error
	ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error)

	// Worker control state. GetWorkerState returns (nil, nil) when the
	// worker has never been persisted.
	GetWorkerState(ctx context.Context, id types.WorkerID) (*model.WorkerState, error)
	SetWorkerEnabled(ctx context.Context, id types.WorkerID, enabled bool) error
	SetWorkerMode(ctx context.Context, id types.WorkerID, mode types.WorkerMode) error
	SaveHeartbeat(ctx context.Context, id types.WorkerID, hb model.Heartbeat) error

	// Risk configuration rows. GetRiskConfig returns (nil, nil) when no row
	// exists; callers fall back to charges.DefaultConfig.
	GetRiskConfig(ctx context.Context, segment types.Segment, product types.ProductType) (*model.RiskConfigRow, error)
	PutRiskConfig(ctx context.Context, row *model.RiskConfigRow) error
}
