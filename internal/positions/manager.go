// Package positions maintains one position per (account, symbol, product
// type): weighted-average price on same-direction fills, realized P&L on
// reducing fills, proportional margin release as exposure shrinks.
package positions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/ledger"
	"tradecore/internal/model"
	"tradecore/internal/store"
	"tradecore/internal/types"
)

// Fill describes one executed fill to apply against the position book.
// OrderMargin is the margin the filling order blocked at placement; the
// portion attributable to reduced exposure is released here.
type Fill struct {
	AccountID   string
	OrderID     string
	Symbol      string
	Segment     types.Segment
	ProductType types.ProductType
	Side        types.OrderSide
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	OrderMargin decimal.Decimal
	Brokerage   decimal.Decimal
	Taxes       decimal.Decimal
}

// Outcome reports what the fill did to the book.
type Outcome struct {
	Position       *model.Position
	RealizedPnL    decimal.Decimal
	Closed         bool
	ReleasedMargin decimal.Decimal
}

type Manager struct {
	store  store.Store
	ledger *ledger.Service
	log    *slog.Logger
	locks  *keyLocks
}

// keyLocks serializes settlement per position key. The execution worker and
// risk liquidation fill orders concurrently; without the lock two fills for
// the same (account, symbol, product type) race on the read-modify-write of
// the position row and one update is lost.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (kl *keyLocks) acquire(key string) *sync.Mutex {
	kl.mu.Lock()
	lk, ok := kl.m[key]
	if !ok {
		lk = &sync.Mutex{}
		kl.m[key] = lk
	}
	kl.mu.Unlock()
	lk.Lock()
	return lk
}

func NewManager(st store.Store, led *ledger.Service, log *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		ledger: led,
		log:    log,
		locks:  &keyLocks{m: make(map[string]*sync.Mutex)},
	}
}

// WithStore returns a copy bound to st, used to run settlement inside a
// store transaction. The per-key locks are shared with the parent.
func (m *Manager) WithStore(st store.Store) *Manager {
	cp := *m
	cp.store = st
	cp.ledger = m.ledger.WithStore(st)
	return &cp
}

// Apply folds a fill into the position book and settles realized P&L and
// margin release through the ledger. Called after the order's EXECUTED
// transition committed, so a retried invocation never reaches here twice
// for the same order. Fills for the same position key are serialized.
func (m *Manager) Apply(ctx context.Context, f Fill) (Outcome, error) {
	lk := m.locks.acquire(f.AccountID + "|" + f.Symbol + "|" + string(f.ProductType))
	defer lk.Unlock()

	signedFill := f.Quantity
	if f.Side == types.OrderSideSell {
		signedFill = signedFill.Neg()
	}

	pos, err := m.store.GetPosition(ctx, f.AccountID, f.Symbol, f.ProductType)
	if err != nil {
		return Outcome{}, fmt.Errorf("load position: %w", err)
	}

	if pos == nil || pos.Quantity.IsZero() {
		return m.open(ctx, pos, f, signedFill)
	}
	if pos.Quantity.Sign() == signedFill.Sign() {
		return m.increase(ctx, pos, f, signedFill)
	}
	return m.reduce(ctx, pos, f, signedFill)
}

func (m *Manager) open(ctx context.Context, pos *model.Position, f Fill, signedFill decimal.Decimal) (Outcome, error) {
	if pos == nil {
		pos = &model.Position{
			AccountID:   f.AccountID,
			Symbol:      f.Symbol,
			Segment:     f.Segment,
			ProductType: f.ProductType,
		}
	}
	pos.Quantity = signedFill
	pos.AveragePrice = f.Price
	pos.MarginBlocked = f.OrderMargin
	pos.TotalBrokerage = pos.TotalBrokerage.Add(f.Brokerage)
	pos.TotalTaxes = pos.TotalTaxes.Add(f.Taxes)
	if err := m.store.UpsertPosition(ctx, pos); err != nil {
		return Outcome{}, fmt.Errorf("open position: %w", err)
	}
	return Outcome{Position: pos}, nil
}

func (m *Manager) increase(ctx context.Context, pos *model.Position, f Fill, signedFill decimal.Decimal) (Outcome, error) {
	oldAbs := pos.Quantity.Abs()
	newQty := pos.Quantity.Add(signedFill)
	// newAvg = (oldAvg*oldQty + fillPrice*fillQty) / newQty
	pos.AveragePrice = pos.AveragePrice.Mul(oldAbs).
		Add(f.Price.Mul(f.Quantity)).
		Div(newQty.Abs())
	pos.Quantity = newQty
	pos.MarginBlocked = pos.MarginBlocked.Add(f.OrderMargin)
	pos.TotalBrokerage = pos.TotalBrokerage.Add(f.Brokerage)
	pos.TotalTaxes = pos.TotalTaxes.Add(f.Taxes)
	if err := m.store.UpsertPosition(ctx, pos); err != nil {
		return Outcome{}, fmt.Errorf("increase position: %w", err)
	}
	return Outcome{Position: pos}, nil
}

func (m *Manager) reduce(ctx context.Context, pos *model.Position, f Fill, signedFill decimal.Decimal) (Outcome, error) {
	oldAbs := pos.Quantity.Abs()
	direction := decimal.NewFromInt(int64(pos.Quantity.Sign()))
	closedQty := decimal.Min(f.Quantity, oldAbs)

	// Realized P&L on the closed portion; averagePrice is unchanged by
	// reducing fills.
	realized := f.Price.Sub(pos.AveragePrice).Mul(closedQty).Mul(direction)

	// The closing portion of the filling order's margin never opens
	// exposure and is released immediately.
	closeOrderMargin := f.OrderMargin
	remainder := f.Quantity.Sub(closedQty)
	if remainder.GreaterThan(decimal.Zero) {
		closeOrderMargin = f.OrderMargin.Mul(closedQty).Div(f.Quantity)
	}

	// Position margin for the closed fraction. Full closes release the
	// entire remainder so no rounding residue is left behind.
	var releasePos decimal.Decimal
	fullClose := closedQty.Equal(oldAbs)
	if fullClose {
		releasePos = pos.MarginBlocked
	} else {
		releasePos = pos.MarginBlocked.Mul(closedQty).Div(oldAbs)
	}

	newQty := pos.Quantity.Add(signedFill)
	pos.TotalBrokerage = pos.TotalBrokerage.Add(f.Brokerage)
	pos.TotalTaxes = pos.TotalTaxes.Add(f.Taxes)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)

	out := Outcome{RealizedPnL: realized}
	switch {
	case newQty.IsZero():
		if err := m.store.DeletePosition(ctx, pos.ID); err != nil {
			return Outcome{}, fmt.Errorf("close position: %w", err)
		}
		out.Closed = true
		m.log.Info("position closed",
			"account_id", pos.AccountID,
			"symbol", pos.Symbol,
			"realized_pnl", realized.String(),
			"total_brokerage", pos.TotalBrokerage.String(),
			"total_taxes", pos.TotalTaxes.String(),
		)
	case remainder.GreaterThan(decimal.Zero):
		// Flipped through zero: the remainder opens a fresh position in
		// the opposite direction at the fill price.
		pos.Quantity = newQty
		pos.AveragePrice = f.Price
		pos.MarginBlocked = f.OrderMargin.Sub(closeOrderMargin)
		if err := m.store.UpsertPosition(ctx, pos); err != nil {
			return Outcome{}, fmt.Errorf("flip position: %w", err)
		}
		out.Position = pos
	default:
		pos.Quantity = newQty
		pos.MarginBlocked = pos.MarginBlocked.Sub(releasePos)
		if err := m.store.UpsertPosition(ctx, pos); err != nil {
			return Outcome{}, fmt.Errorf("reduce position: %w", err)
		}
		out.Position = pos
	}

	ref := ledger.Ref{OrderID: f.OrderID, PositionID: pos.ID}
	release := releasePos.Add(closeOrderMargin)
	if release.GreaterThan(decimal.Zero) {
		ref.Description = "margin released on position reduce"
		if _, err := m.ledger.ReleaseMargin(ctx, f.AccountID, release, ref); err != nil {
			return Outcome{}, fmt.Errorf("release position margin: %w", err)
		}
		out.ReleasedMargin = release
	}
	switch realized.Sign() {
	case 1:
		ref.Description = "realized profit"
		if _, err := m.ledger.Credit(ctx, f.AccountID, realized, ref); err != nil {
			return Outcome{}, fmt.Errorf("credit realized pnl: %w", err)
		}
	case -1:
		ref.Description = "realized loss"
		if _, err := m.ledger.Debit(ctx, f.AccountID, realized.Abs(), ref); err != nil {
			return Outcome{}, fmt.Errorf("debit realized pnl: %w", err)
		}
	}
	return out, nil
}

// UnrealizedPnL marks a position against the last traded price. The signed
// quantity makes the formula direction-correct for longs and shorts.
func UnrealizedPnL(pos model.Position, ltp decimal.Decimal) decimal.Decimal {
	return ltp.Sub(pos.AveragePrice).Mul(pos.Quantity)
}
