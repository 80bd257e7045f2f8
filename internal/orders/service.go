// Package orders owns the order lifecycle: placement with margin
// validation, asynchronous execution, cancellation, and the market-order
// close path used by risk liquidation. State transitions ride on the
// store's conditional updates, so every path here is safe to retry.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/apperr"
	"tradecore/internal/charges"
	"tradecore/internal/events"
	"tradecore/internal/ledger"
	"tradecore/internal/metrics"
	"tradecore/internal/model"
	"tradecore/internal/positions"
	"tradecore/internal/store"
	"tradecore/internal/types"
)

// Publisher receives engine events. Implemented by events.Hub.
type Publisher interface {
	Publish(typ string, payload any)
}

type Service struct {
	store     store.Store
	ledger    *ledger.Service
	positions *positions.Manager
	quotes    QuoteSource
	session   *Session
	events    Publisher
	log       *slog.Logger
	now       func() time.Time
}

// QuoteSource resolves the last traded price for a symbol.
type QuoteSource interface {
	Last(symbol string) (decimal.Decimal, bool)
}

func NewService(st store.Store, led *ledger.Service, pm *positions.Manager, quotes QuoteSource, session *Session, pub Publisher, log *slog.Logger) *Service {
	return &Service{
		store:     st,
		ledger:    led,
		positions: pm,
		quotes:    quotes,
		session:   session,
		events:    pub,
		log:       log,
		now:       time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// PlaceRequest carries one order placement. Price is required for LIMIT
// orders and ignored for MARKET orders. ClientRef, when set, makes the
// placement idempotent: a reused ref is rejected as a duplicate.
type PlaceRequest struct {
	AccountID     string            `json:"account_id"`
	Symbol        string            `json:"symbol"`
	Segment       types.Segment     `json:"segment"`
	ProductType   types.ProductType `json:"product_type"`
	Side          types.OrderSide   `json:"side"`
	Type          types.OrderType   `json:"type"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         *decimal.Decimal  `json:"price,omitempty"`
	ClientRef     string            `json:"client_ref,omitempty"`
	AllowOffHours bool              `json:"allow_off_hours,omitempty"`
}

// PlaceOptions tune internal placement paths. BypassMarginCheck lets risk
// liquidation close losing positions even when available margin is
// exhausted; the ledger permits the resulting controlled overdraft.
type PlaceOptions struct {
	BypassMarginCheck bool
}

func (s *Service) Place(ctx context.Context, req PlaceRequest) (*model.Order, *charges.Result, error) {
	return s.place(ctx, req, PlaceOptions{})
}

func (s *Service) place(ctx context.Context, req PlaceRequest, opts PlaceOptions) (*model.Order, *charges.Result, error) {
	if err := s.validate(req); err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, nil, err
	}
	now := s.now().UTC()
	if !req.AllowOffHours && s.session != nil && !s.session.OpenAt(now) {
		metrics.OrdersRejected.WithLabelValues("session_closed").Inc()
		return nil, nil, apperr.Validation("market session is closed")
	}

	price, err := s.workingPrice(req.Type, req.Price, req.Symbol)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("no_quote").Inc()
		return nil, nil, err
	}

	cfg, err := s.ChargeConfig(ctx, req.Segment, req.ProductType)
	if err != nil {
		return nil, nil, err
	}
	res, err := charges.Compute(charges.Input{
		Symbol:      req.Symbol,
		Segment:     req.Segment,
		ProductType: req.ProductType,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       price,
	}, cfg)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, nil, err
	}

	acc, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if !opts.BypassMarginCheck && res.TotalCost.GreaterThan(acc.AvailableMargin) {
		metrics.OrdersRejected.WithLabelValues("insufficient_margin").Inc()
		return nil, nil, apperr.InsufficientMargin("available margin does not cover margin plus charges", map[string]any{
			"required":  res.TotalCost.String(),
			"available": acc.AvailableMargin.String(),
			"shortfall": res.TotalCost.Sub(acc.AvailableMargin).String(),
		})
	}

	order := &model.Order{
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		Segment:        req.Segment,
		ProductType:    req.ProductType,
		Side:           req.Side,
		Type:           req.Type,
		Status:         types.OrderStatusPending,
		Quantity:       req.Quantity,
		Price:          req.Price,
		FilledQuantity: decimal.Zero,
		MarginRequired: res.MarginRequired,
		Brokerage:      res.Brokerage,
		ChargesTotal:   res.Brokerage.Add(res.AdditionalCharges),
		MarginBlocked:  res.TotalCost,
		ClientRef:      req.ClientRef,
		CreatedAt:      now,
	}
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		ref := ledger.Ref{OrderID: order.ID, Description: "margin blocked for order"}
		if _, err := s.ledger.WithStore(tx).BlockMargin(ctx, order.AccountID, order.MarginBlocked, ref); err != nil {
			return fmt.Errorf("block margin for order %s: %w", order.ID, err)
		}
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindDuplicateOrder) {
			metrics.OrdersRejected.WithLabelValues("duplicate").Inc()
		}
		return nil, nil, err
	}

	metrics.OrdersPlaced.Inc()
	s.log.Info("order placed",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"symbol", order.Symbol,
		"side", order.Side,
		"quantity", order.Quantity.String(),
		"blocked", order.MarginBlocked.String(),
	)
	s.publish(events.EventOrderPlaced, order)
	return order, &res, nil
}

func (s *Service) validate(req PlaceRequest) error {
	switch {
	case req.AccountID == "":
		return apperr.Validation("account_id is required")
	case req.Symbol == "":
		return apperr.Validation("symbol is required")
	case !req.Segment.Valid():
		return apperr.Validation("unknown segment")
	case !req.ProductType.Valid():
		return apperr.Validation("unknown product type")
	case !req.Side.Valid():
		return apperr.Validation("side must be BUY or SELL")
	case !req.Type.Valid():
		return apperr.Validation("type must be MARKET or LIMIT")
	case !req.Quantity.GreaterThan(decimal.Zero):
		return apperr.Validation("quantity must be positive")
	}
	if req.Type == types.OrderTypeLimit {
		if req.Price == nil || !req.Price.GreaterThan(decimal.Zero) {
			return apperr.Validation("limit orders require a positive price")
		}
	}
	return nil
}

// workingPrice resolves the price charges are computed against: the limit
// price for LIMIT orders, the last traded price for MARKET orders.
func (s *Service) workingPrice(typ types.OrderType, price *decimal.Decimal, symbol string) (decimal.Decimal, error) {
	if typ == types.OrderTypeLimit {
		return *price, nil
	}
	ltp, ok := s.quotes.Last(symbol)
	if !ok {
		return decimal.Zero, apperr.Validation("no quote available for %s", symbol)
	}
	return ltp, nil
}

// ChargeConfig resolves the leverage/brokerage row for a segment and
// product type, falling back to the built-in defaults when no row is
// stored.
func (s *Service) ChargeConfig(ctx context.Context, segment types.Segment, product types.ProductType) (charges.Config, error) {
	row, err := s.store.GetRiskConfig(ctx, segment, product)
	if err != nil {
		return charges.Config{}, fmt.Errorf("load risk config: %w", err)
	}
	if row == nil {
		return charges.DefaultConfig(segment, product), nil
	}
	return charges.Config{
		Leverage:      row.Leverage,
		BrokerageFlat: row.BrokerageFlat,
		BrokerageRate: row.BrokerageRate,
		BrokerageCap:  row.BrokerageCap,
	}, nil
}

// Fill executes a pending order at its resolved price. Returns false when
// the order was no longer PENDING, which makes retries and the
// cancel-vs-execute race no-ops. With dryRun the fill is evaluated but
// nothing is written.
//
// The EXECUTED transition, the charges settlement and the position update
// commit as one store transaction. A failure anywhere in the sequence rolls
// the order back to PENDING, so the next pass re-drives the fill and money
// is never left half-settled.
func (s *Service) Fill(ctx context.Context, orderID string, dryRun bool) (bool, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status != types.OrderStatusPending {
		return false, nil
	}

	execPrice, err := s.workingPrice(order.Type, order.Price, order.Symbol)
	if err != nil {
		return false, fmt.Errorf("resolve execution price for order %s: %w", orderID, err)
	}
	if dryRun {
		s.log.Info("dry run: order would execute",
			"order_id", order.ID, "symbol", order.Symbol, "price", execPrice.String())
		return true, nil
	}

	now := s.now().UTC()
	var (
		executed bool
		outcome  positions.Outcome
	)
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		ok, err := tx.MarkOrderExecuted(ctx, order.ID, order.Quantity, execPrice, now)
		if err != nil {
			return fmt.Errorf("mark order %s executed: %w", orderID, err)
		}
		if !ok {
			return nil
		}
		executed = true

		// Settle charges: the blocked amount included them, so release then
		// debit. The margin portion stays blocked against the position.
		led := s.ledger.WithStore(tx)
		ref := ledger.Ref{OrderID: order.ID, Description: "charges settled on execution"}
		if order.ChargesTotal.GreaterThan(decimal.Zero) {
			if _, err := led.ReleaseMargin(ctx, order.AccountID, order.ChargesTotal, ref); err != nil {
				return fmt.Errorf("release charges for order %s: %w", orderID, err)
			}
			if _, err := led.Debit(ctx, order.AccountID, order.ChargesTotal, ref); err != nil {
				return fmt.Errorf("debit charges for order %s: %w", orderID, err)
			}
		}

		outcome, err = s.positions.WithStore(tx).Apply(ctx, positions.Fill{
			AccountID:   order.AccountID,
			OrderID:     order.ID,
			Symbol:      order.Symbol,
			Segment:     order.Segment,
			ProductType: order.ProductType,
			Side:        order.Side,
			Quantity:    order.Quantity,
			Price:       execPrice,
			OrderMargin: order.MarginRequired,
			Brokerage:   order.Brokerage,
			Taxes:       order.ChargesTotal.Sub(order.Brokerage),
		})
		if err != nil {
			return fmt.Errorf("apply fill for order %s: %w", orderID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !executed {
		return false, nil
	}

	metrics.OrdersExecuted.Inc()
	s.log.Info("order executed",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"symbol", order.Symbol,
		"price", execPrice.String(),
		"realized_pnl", outcome.RealizedPnL.String(),
	)
	order.Status = types.OrderStatusExecuted
	order.FilledQuantity = order.Quantity
	order.AveragePrice = &execPrice
	order.ExecutedAt = &now
	s.publish(events.EventOrderExecuted, order)
	if outcome.Closed {
		s.publish(events.EventPositionClosed, map[string]any{
			"account_id":   order.AccountID,
			"symbol":       order.Symbol,
			"realized_pnl": outcome.RealizedPnL,
		})
	} else if outcome.Position != nil {
		s.publish(events.EventPositionUpdated, outcome.Position)
	}
	return true, nil
}

// Cancel transitions a pending order to CANCELLED and releases the exact
// amount blocked at placement. A non-pending order yields a conflict.
func (s *Service) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var (
		cancelled bool
		release   decimal.Decimal
	)
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		ok, err := tx.MarkOrderCancelled(ctx, order.ID, now)
		if err != nil {
			return fmt.Errorf("mark order %s cancelled: %w", orderID, err)
		}
		if !ok {
			return nil
		}
		cancelled = true
		release, err = s.releaseAmount(ctx, order)
		if err != nil {
			return err
		}
		if release.GreaterThan(decimal.Zero) {
			ref := ledger.Ref{OrderID: order.ID, Description: "margin released on cancellation"}
			if _, err := s.ledger.WithStore(tx).ReleaseMargin(ctx, order.AccountID, release, ref); err != nil {
				return fmt.Errorf("release margin for order %s: %w", orderID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, apperr.Conflict("order is not pending")
	}

	metrics.OrdersCancelled.Inc()
	s.log.Info("order cancelled", "order_id", order.ID, "released", release.String())
	order.Status = types.OrderStatusCancelled
	order.CancelledAt = &now
	s.publish(events.EventOrderCancelled, order)
	return order, nil
}

// releaseAmount is the amount to return on cancellation. The stored
// MarginBlocked is authoritative; older rows without it fall back to
// recomputing from the best-known price: average price, then limit price,
// then last traded price.
func (s *Service) releaseAmount(ctx context.Context, order *model.Order) (decimal.Decimal, error) {
	if order.MarginBlocked.GreaterThan(decimal.Zero) {
		return order.MarginBlocked, nil
	}
	var price decimal.Decimal
	switch {
	case order.AveragePrice != nil && order.AveragePrice.GreaterThan(decimal.Zero):
		price = *order.AveragePrice
	case order.Price != nil && order.Price.GreaterThan(decimal.Zero):
		price = *order.Price
	default:
		ltp, ok := s.quotes.Last(order.Symbol)
		if !ok {
			return decimal.Zero, apperr.Conflict("cannot resolve release amount for order %s", order.ID)
		}
		price = ltp
	}
	cfg, err := s.ChargeConfig(ctx, order.Segment, order.ProductType)
	if err != nil {
		return decimal.Zero, err
	}
	res, err := charges.Compute(charges.Input{
		Symbol:      order.Symbol,
		Segment:     order.Segment,
		ProductType: order.ProductType,
		Side:        order.Side,
		Quantity:    order.Quantity,
		Price:       price,
	}, cfg)
	if err != nil {
		return decimal.Zero, err
	}
	return res.TotalCost, nil
}

// CloseAtMarket places and immediately fills a market order that flattens
// the given position. Used by risk liquidation; the margin check is
// bypassed so an underwater account can still be closed out.
func (s *Service) CloseAtMarket(ctx context.Context, pos model.Position, reason string) (*model.Order, error) {
	side := types.OrderSideSell
	if pos.Quantity.Sign() < 0 {
		side = types.OrderSideBuy
	}
	order, _, err := s.place(ctx, PlaceRequest{
		AccountID:     pos.AccountID,
		Symbol:        pos.Symbol,
		Segment:       pos.Segment,
		ProductType:   pos.ProductType,
		Side:          side,
		Type:          types.OrderTypeMarket,
		Quantity:      pos.Quantity.Abs(),
		AllowOffHours: true,
	}, PlaceOptions{BypassMarginCheck: true})
	if err != nil {
		return nil, fmt.Errorf("place close order for position %s: %w", pos.ID, err)
	}
	s.log.Warn("force-closing position",
		"position_id", pos.ID,
		"account_id", pos.AccountID,
		"symbol", pos.Symbol,
		"reason", reason,
	)
	if _, err := s.Fill(ctx, order.ID, false); err != nil {
		return nil, err
	}
	return s.store.GetOrder(ctx, order.ID)
}

// ExecutePass is one sweep of the execution worker: fill every pending
// order older than minAge, oldest first.
func (s *Service) ExecutePass(ctx context.Context, minAge time.Duration, limit int, dryRun bool) (scanned, executed, errs int, err error) {
	cutoff := s.now().UTC().Add(-minAge)
	batch, err := s.store.ListExecutableOrders(ctx, cutoff, limit)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list executable orders: %w", err)
	}
	for _, o := range batch {
		scanned++
		ok, err := s.Fill(ctx, o.ID, dryRun)
		if err != nil {
			errs++
			s.log.Error("fill failed", "order_id", o.ID, "err", err)
			continue
		}
		if ok {
			executed++
		}
	}
	return scanned, executed, errs, nil
}

func (s *Service) publish(typ string, payload any) {
	if s.events != nil {
		s.events.Publish(typ, payload)
	}
}
