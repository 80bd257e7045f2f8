// Package risk watches margin utilization per account and force-closes the
// worst losing positions once utilization crosses the critical threshold.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/internal/metrics"
	"tradecore/internal/model"
	"tradecore/internal/orders"
	"tradecore/internal/positions"
	"tradecore/internal/store"
	"tradecore/internal/types"
)

// Thresholds are percentages of total funds eaten by unrealized losses.
type Thresholds struct {
	WarningPct  decimal.Decimal
	CriticalPct decimal.Decimal
	AutoClose   bool
}

// Publisher receives risk events. Implemented by events.Hub.
type Publisher interface {
	Publish(typ string, payload any)
}

type Monitor struct {
	store      store.Store
	quotes     orders.QuoteSource
	orders     *orders.Service
	events     Publisher
	thresholds Thresholds
	log        *slog.Logger
}

func NewMonitor(st store.Store, quotes orders.QuoteSource, ord *orders.Service, pub Publisher, th Thresholds, log *slog.Logger) *Monitor {
	return &Monitor{store: st, quotes: quotes, orders: ord, events: pub, thresholds: th, log: log}
}

// PositionRisk is one open position marked against the latest quote.
type PositionRisk struct {
	Position      model.Position  `json:"position"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// AccountRisk is the utilization snapshot for one account. Utilization is
// total unrealized loss as a percentage of total funds; accounts with no
// losses or no funds sit at zero.
type AccountRisk struct {
	AccountID      string          `json:"account_id"`
	TotalFunds     decimal.Decimal `json:"total_funds"`
	UnrealizedLoss decimal.Decimal `json:"unrealized_loss"`
	Utilization    decimal.Decimal `json:"utilization_pct"`
	Status         types.RiskStatus `json:"status"`
	Positions      []PositionRisk  `json:"positions,omitempty"`
}

// Evaluate computes the risk snapshot for one account from its open
// positions. Positions without a quote are skipped: a missing price must
// never trigger a liquidation.
func (m *Monitor) Evaluate(acc *model.TradingAccount, book []model.Position) AccountRisk {
	out := AccountRisk{
		AccountID:   acc.ID,
		TotalFunds:  acc.Balance,
		Utilization: decimal.Zero,
		Status:      types.RiskStatusSafe,
	}
	loss := decimal.Zero
	for _, p := range book {
		ltp, ok := m.quotes.Last(p.Symbol)
		if !ok {
			continue
		}
		pnl := positions.UnrealizedPnL(p, ltp)
		out.Positions = append(out.Positions, PositionRisk{Position: p, LastPrice: ltp, UnrealizedPnL: pnl})
		if pnl.Sign() < 0 {
			loss = loss.Add(pnl.Neg())
		}
	}
	out.UnrealizedLoss = loss
	if acc.Balance.GreaterThan(decimal.Zero) && loss.GreaterThan(decimal.Zero) {
		out.Utilization = loss.Div(acc.Balance).Mul(decimal.NewFromInt(100)).Round(2)
	}
	switch {
	case out.Utilization.GreaterThanOrEqual(m.thresholds.CriticalPct):
		out.Status = types.RiskStatusCritical
	case out.Utilization.GreaterThanOrEqual(m.thresholds.WarningPct):
		out.Status = types.RiskStatusWarning
	}
	return out
}

// Snapshot evaluates a single account on demand.
func (m *Monitor) Snapshot(ctx context.Context, accountID string) (AccountRisk, error) {
	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return AccountRisk{}, err
	}
	book, err := m.store.ListPositions(ctx, accountID)
	if err != nil {
		return AccountRisk{}, err
	}
	return m.Evaluate(acc, book), nil
}

// Pass is one sweep of the risk worker: evaluate every account with open
// positions, alert on WARNING, liquidate on CRITICAL. With dryRun the
// sweep reports what it would do without closing anything.
func (m *Monitor) Pass(ctx context.Context, dryRun bool) (scanned, acted, errs int, err error) {
	all, err := m.store.ListAllPositions(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list positions: %w", err)
	}
	byAccount := make(map[string][]model.Position)
	for _, p := range all {
		byAccount[p.AccountID] = append(byAccount[p.AccountID], p)
	}

	critical := 0
	for accountID, book := range byAccount {
		scanned++
		acc, err := m.store.GetAccount(ctx, accountID)
		if err != nil {
			errs++
			m.log.Error("risk pass: load account failed", "account_id", accountID, "err", err)
			continue
		}
		snap := m.Evaluate(acc, book)
		switch snap.Status {
		case types.RiskStatusWarning:
			m.log.Warn("account at warning utilization",
				"account_id", accountID,
				"utilization_pct", snap.Utilization.String(),
				"unrealized_loss", snap.UnrealizedLoss.String(),
			)
			m.publish(events.EventRiskAlert, snap)
		case types.RiskStatusCritical:
			critical++
			m.publish(events.EventRiskAlert, snap)
			if !m.thresholds.AutoClose {
				m.log.Warn("account critical, auto-close disabled", "account_id", accountID)
				continue
			}
			closed, closeErrs := m.liquidate(ctx, snap, dryRun)
			acted += closed
			errs += closeErrs
		}
	}
	metrics.RiskAccountsCritical.Set(float64(critical))
	return scanned, acted, errs, nil
}

// liquidate closes losing positions worst-first until the account drops
// below the critical threshold. Each close realizes the loss through the
// normal order path, so the account is re-evaluated after every close.
func (m *Monitor) liquidate(ctx context.Context, snap AccountRisk, dryRun bool) (closed, errs int) {
	for range snap.Positions {
		losers := make([]PositionRisk, 0, len(snap.Positions))
		for _, pr := range snap.Positions {
			if pr.UnrealizedPnL.Sign() < 0 {
				losers = append(losers, pr)
			}
		}
		if len(losers) == 0 {
			return closed, errs
		}
		sort.Slice(losers, func(i, j int) bool {
			return losers[i].UnrealizedPnL.LessThan(losers[j].UnrealizedPnL)
		})
		worst := losers[0]

		if dryRun {
			m.log.Info("dry run: would force-close position",
				"account_id", snap.AccountID,
				"symbol", worst.Position.Symbol,
				"unrealized_pnl", worst.UnrealizedPnL.String(),
			)
			closed++
			return closed, errs
		}

		order, err := m.orders.CloseAtMarket(ctx, worst.Position, "critical margin utilization")
		if err != nil {
			errs++
			m.log.Error("force close failed",
				"account_id", snap.AccountID,
				"symbol", worst.Position.Symbol,
				"err", err,
			)
			return closed, errs
		}
		closed++
		metrics.RiskAutoClosures.Inc()
		m.publish(events.EventRiskAutoClose, map[string]any{
			"account_id": snap.AccountID,
			"symbol":     worst.Position.Symbol,
			"order_id":   order.ID,
		})

		next, err := m.Snapshot(ctx, snap.AccountID)
		if err != nil {
			errs++
			return closed, errs
		}
		if next.Status != types.RiskStatusCritical {
			return closed, errs
		}
		snap = next
	}
	return closed, errs
}

// PnLPass marks every open position to market and publishes the refreshed
// book. It never mutates stored state; unrealized P&L is always derived.
func (m *Monitor) PnLPass(ctx context.Context) (scanned, published, errs int, err error) {
	all, err := m.store.ListAllPositions(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list positions: %w", err)
	}
	for _, p := range all {
		scanned++
		ltp, ok := m.quotes.Last(p.Symbol)
		if !ok {
			continue
		}
		m.publish(events.EventPositionUpdated, PositionRisk{
			Position:      p,
			LastPrice:     ltp,
			UnrealizedPnL: positions.UnrealizedPnL(p, ltp),
		})
		published++
	}
	return scanned, published, errs, nil
}

func (m *Monitor) publish(typ string, payload any) {
	if m.events != nil {
		m.events.Publish(typ, payload)
	}
}
