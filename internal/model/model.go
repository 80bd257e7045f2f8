package model

import (
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/types"
)

// TradingAccount is the single shared mutable resource per user. It is
// mutated only through the ledger's additive delta primitive, never by
// read-modify-write.
type TradingAccount struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	ClientID        string          `json:"client_id"`
	Balance         decimal.Decimal `json:"balance"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	UsedMargin      decimal.Decimal `json:"used_margin"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Order is immutable once EXECUTED or CANCELLED. MarginRequired and
// ChargesTotal record the split of the amount blocked at placement so
// settlement and release reproduce it exactly.
type Order struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	Symbol         string            `json:"symbol"`
	Segment        types.Segment     `json:"segment"`
	ProductType    types.ProductType `json:"product_type"`
	Side           types.OrderSide   `json:"side"`
	Type           types.OrderType   `json:"type"`
	Status         types.OrderStatus `json:"status"`
	Quantity       decimal.Decimal   `json:"quantity"`
	Price          *decimal.Decimal  `json:"price,omitempty"`
	FilledQuantity decimal.Decimal   `json:"filled_quantity"`
	AveragePrice   *decimal.Decimal  `json:"average_price,omitempty"`
	MarginRequired decimal.Decimal   `json:"margin_required"`
	Brokerage      decimal.Decimal   `json:"brokerage"`
	ChargesTotal   decimal.Decimal   `json:"charges_total"`
	MarginBlocked  decimal.Decimal   `json:"margin_blocked"`
	ClientRef      string            `json:"client_ref,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExecutedAt     *time.Time        `json:"executed_at,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
}

// Position holds one row per (account, symbol, product type). Quantity is
// signed: positive long, negative short, zero means closed. MarginBlocked
// accumulates the margin held against the open quantity and is released
// proportionally as the position reduces.
type Position struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	Symbol         string            `json:"symbol"`
	Segment        types.Segment     `json:"segment"`
	ProductType    types.ProductType `json:"product_type"`
	Quantity       decimal.Decimal   `json:"quantity"`
	AveragePrice   decimal.Decimal   `json:"average_price"`
	MarginBlocked  decimal.Decimal   `json:"margin_blocked"`
	TotalBrokerage decimal.Decimal   `json:"total_brokerage"`
	TotalTaxes     decimal.Decimal   `json:"total_taxes"`
	RealizedPnL    decimal.Decimal   `json:"realized_pnl"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Transaction is an append-only record of one ledger mutation. Rows are
// never mutated except to attach a late-known reference id.
type Transaction struct {
	ID          string                `json:"id"`
	AccountID   string                `json:"account_id"`
	Amount      decimal.Decimal       `json:"amount"`
	Type        types.TransactionType `json:"type"`
	Description string                `json:"description"`
	OrderID     *string               `json:"order_id,omitempty"`
	PositionID  *string               `json:"position_id,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Heartbeat is the run record a worker writes after each pass. Ephemeral,
// overwritten each pass; never a source of truth for financial state.
type Heartbeat struct {
	Scanned   int       `json:"scanned"`
	Executed  int       `json:"executed"`
	Errors    int       `json:"errors"`
	ElapsedMs int64     `json:"elapsed_ms"`
	DryRun    bool      `json:"dry_run,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// WorkerState is the persisted control record for one background worker.
type WorkerState struct {
	ID        types.WorkerID   `json:"id"`
	Enabled   bool             `json:"enabled"`
	Mode      types.WorkerMode `json:"mode"`
	LastRunAt *time.Time       `json:"last_run_at,omitempty"`
	Heartbeat *Heartbeat       `json:"heartbeat,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RiskConfigRow is one leverage/brokerage configuration row keyed by
// segment and product type.
type RiskConfigRow struct {
	Segment       types.Segment     `json:"segment"`
	ProductType   types.ProductType `json:"product_type"`
	Leverage      decimal.Decimal   `json:"leverage"`
	BrokerageFlat decimal.Decimal   `json:"brokerage_flat"`
	BrokerageRate decimal.Decimal   `json:"brokerage_rate"`
	BrokerageCap  decimal.Decimal   `json:"brokerage_cap"`
}
