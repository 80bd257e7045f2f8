// Package charges computes required margin and transaction charges for an
// order. It is pure and side-effect free; every caller (placement
// validation, fill settlement, cancel release, risk liquidation) must go
// through Compute so the formulas cannot drift apart.
package charges

import (
	"tradecore/internal/apperr"
	"tradecore/internal/types"

	"github.com/shopspring/decimal"
)

// Input is a fully resolved order: Price must be a concrete working price
// (last traded price for MARKET orders), never zero.
type Input struct {
	Symbol      string
	Segment     types.Segment
	ProductType types.ProductType
	Side        types.OrderSide
	Quantity    decimal.Decimal
	Price       decimal.Decimal
}

// Config is the leverage/brokerage row resolved per segment+productType.
// BrokerageFlat wins over BrokerageRate; a zero rate falls back to the
// default percentage with a cap.
type Config struct {
	Leverage      decimal.Decimal
	BrokerageFlat decimal.Decimal
	BrokerageRate decimal.Decimal
	BrokerageCap  decimal.Decimal
}

// Result is the full cost breakdown. TotalCost is the amount the ledger
// blocks at placement.
type Result struct {
	Turnover          decimal.Decimal `json:"turnover"`
	MarginRequired    decimal.Decimal `json:"margin_required"`
	Brokerage         decimal.Decimal `json:"brokerage"`
	STT               decimal.Decimal `json:"stt"`
	ExchangeTxnFee    decimal.Decimal `json:"exchange_txn_fee"`
	GST               decimal.Decimal `json:"gst"`
	StampDuty         decimal.Decimal `json:"stamp_duty"`
	AdditionalCharges decimal.Decimal `json:"additional_charges"`
	TotalCost         decimal.Decimal `json:"total_cost"`
}

var (
	gstRate              = decimal.NewFromFloat(0.18)
	fallbackBrokeragePct = decimal.NewFromFloat(0.0003)
	fallbackBrokerageCap = decimal.NewFromInt(20)
)

// rates holds the statutory charge percentages for one segment+productType.
// Stamp duty applies on BUY only; STT may be side-dependent.
type rates struct {
	sttBuy  decimal.Decimal
	sttSell decimal.Decimal
	exchTxn decimal.Decimal
	stamp   decimal.Decimal
}

type segmentProduct struct {
	segment types.Segment
	product types.ProductType
}

var chargeRates = map[segmentProduct]rates{
	{types.SegmentEquity, types.ProductTypeDelivery}: {
		sttBuy:  decimal.NewFromFloat(0.001),
		sttSell: decimal.NewFromFloat(0.001),
		exchTxn: decimal.NewFromFloat(0.0000345),
		stamp:   decimal.NewFromFloat(0.00015),
	},
	{types.SegmentEquity, types.ProductTypeIntraday}: {
		sttSell: decimal.NewFromFloat(0.00025),
		exchTxn: decimal.NewFromFloat(0.0000345),
		stamp:   decimal.NewFromFloat(0.00003),
	},
	{types.SegmentFNO, types.ProductTypeDelivery}: {
		sttSell: decimal.NewFromFloat(0.000125),
		exchTxn: decimal.NewFromFloat(0.0000495),
		stamp:   decimal.NewFromFloat(0.00002),
	},
	{types.SegmentFNO, types.ProductTypeIntraday}: {
		sttSell: decimal.NewFromFloat(0.000125),
		exchTxn: decimal.NewFromFloat(0.0000495),
		stamp:   decimal.NewFromFloat(0.00002),
	},
	{types.SegmentCurrency, types.ProductTypeIntraday}: {
		exchTxn: decimal.NewFromFloat(0.0000009),
		stamp:   decimal.NewFromFloat(0.000001),
	},
	{types.SegmentCommodity, types.ProductTypeIntraday}: {
		sttSell: decimal.NewFromFloat(0.0001),
		exchTxn: decimal.NewFromFloat(0.000026),
		stamp:   decimal.NewFromFloat(0.00002),
	},
}

// defaultLeverage is the documented fallback table used when no config row
// exists for a segment+productType.
var defaultLeverage = map[segmentProduct]decimal.Decimal{
	{types.SegmentEquity, types.ProductTypeIntraday}: decimal.NewFromInt(5),
	{types.SegmentEquity, types.ProductTypeDelivery}: decimal.NewFromInt(1),
	{types.SegmentFNO, types.ProductTypeIntraday}:    decimal.NewFromInt(1),
	{types.SegmentFNO, types.ProductTypeDelivery}:    decimal.NewFromInt(1),
}

// DefaultConfig returns the fallback leverage/brokerage configuration for a
// segment+productType with no stored config row.
func DefaultConfig(segment types.Segment, product types.ProductType) Config {
	lev, ok := defaultLeverage[segmentProduct{segment, product}]
	if !ok {
		lev = decimal.NewFromInt(1)
	}
	return Config{
		Leverage:      lev,
		BrokerageRate: fallbackBrokeragePct,
		BrokerageCap:  fallbackBrokerageCap,
	}
}

// Compute resolves margin, brokerage and all statutory charges for one
// order. Price must already be resolved to a working price.
func Compute(in Input, cfg Config) (Result, error) {
	if !in.Quantity.GreaterThan(decimal.Zero) {
		return Result{}, apperr.Validation("quantity must be positive")
	}
	if !in.Price.GreaterThan(decimal.Zero) {
		return Result{}, apperr.Validation("price must resolve to a positive value")
	}
	leverage := cfg.Leverage
	if !leverage.GreaterThan(decimal.Zero) {
		leverage = DefaultConfig(in.Segment, in.ProductType).Leverage
	}

	turnover := in.Quantity.Mul(in.Price)
	margin := turnover.Div(leverage).Floor()
	brokerage := computeBrokerage(turnover, cfg)

	r, ok := chargeRates[segmentProduct{in.Segment, in.ProductType}]
	if !ok {
		r = rates{}
	}
	stt := r.sttSell
	if in.Side == types.OrderSideBuy {
		stt = r.sttBuy
	}
	sttAmount := turnover.Mul(stt).Round(2)
	exchFee := turnover.Mul(r.exchTxn).Round(2)
	// GST is always 18% of brokerage plus exchange transaction fee.
	gst := brokerage.Add(exchFee).Mul(gstRate).Round(2)
	stampDuty := decimal.Zero
	if in.Side == types.OrderSideBuy {
		stampDuty = turnover.Mul(r.stamp).Round(2)
	}

	additional := sttAmount.Add(exchFee).Add(gst).Add(stampDuty)
	return Result{
		Turnover:          turnover,
		MarginRequired:    margin,
		Brokerage:         brokerage,
		STT:               sttAmount,
		ExchangeTxnFee:    exchFee,
		GST:               gst,
		StampDuty:         stampDuty,
		AdditionalCharges: additional,
		TotalCost:         margin.Add(brokerage).Add(additional),
	}, nil
}

func computeBrokerage(turnover decimal.Decimal, cfg Config) decimal.Decimal {
	if cfg.BrokerageFlat.GreaterThan(decimal.Zero) {
		return cfg.BrokerageFlat
	}
	rate := cfg.BrokerageRate
	limit := cfg.BrokerageCap
	if !rate.GreaterThan(decimal.Zero) {
		rate = fallbackBrokeragePct
		limit = fallbackBrokerageCap
	}
	b := turnover.Mul(rate).Round(2)
	if limit.GreaterThan(decimal.Zero) && b.GreaterThan(limit) {
		return limit
	}
	return b
}
