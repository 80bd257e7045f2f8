package types

type OrderSide string

type OrderType string

type OrderStatus string

type ProductType string

type Segment string

type TransactionType string

type RiskStatus string

type WorkerID string

type WorkerHealth string

type WorkerMode string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

const (
	ProductTypeIntraday ProductType = "INTRADAY"
	ProductTypeDelivery ProductType = "DELIVERY"
)

const (
	SegmentEquity    Segment = "EQUITY"
	SegmentFNO       Segment = "FNO"
	SegmentCurrency  Segment = "CURRENCY"
	SegmentCommodity Segment = "COMMODITY"
)

const (
	TransactionTypeCredit TransactionType = "CREDIT"
	TransactionTypeDebit  TransactionType = "DEBIT"
)

const (
	RiskStatusSafe     RiskStatus = "SAFE"
	RiskStatusWarning  RiskStatus = "WARNING"
	RiskStatusCritical RiskStatus = "CRITICAL"
)

const (
	WorkerOrderExecution WorkerID = "order_execution"
	WorkerPositionPnL    WorkerID = "position_pnl"
	WorkerRiskMonitoring WorkerID = "risk_monitoring"
)

const (
	WorkerHealthHealthy  WorkerHealth = "healthy"
	WorkerHealthStale    WorkerHealth = "stale"
	WorkerHealthUnknown  WorkerHealth = "unknown"
	WorkerHealthDisabled WorkerHealth = "disabled"
)

const (
	WorkerModeAuto   WorkerMode = "auto"
	WorkerModeManual WorkerMode = "manual"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusExecuted, OrderStatusCancelled:
		return true
	}
	return false
}

func (p ProductType) Valid() bool {
	return p == ProductTypeIntraday || p == ProductTypeDelivery
}

func (s Segment) Valid() bool {
	switch s {
	case SegmentEquity, SegmentFNO, SegmentCurrency, SegmentCommodity:
		return true
	}
	return false
}

func (w WorkerID) Valid() bool {
	switch w {
	case WorkerOrderExecution, WorkerPositionPnL, WorkerRiskMonitoring:
		return true
	}
	return false
}

func (m WorkerMode) Valid() bool {
	return m == WorkerModeAuto || m == WorkerModeManual
}
