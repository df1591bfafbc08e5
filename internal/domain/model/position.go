package model

import "time"

// ========== Position Models ==========

// 仓位方向
const (
	SideLongSpotShortPerp = "long_spot_short_perp" // 现货做多 + 合约做空（资金费率为正时收费）
	SideShortSpotLongPerp = "short_spot_long_perp" // 现货做空 + 合约做多（资金费率为负时收费）
)

// 仓位状态
const (
	PositionPending = "pending"
	PositionOpen    = "open"
	PositionClosing = "closing"
	PositionClosed  = "closed"
	PositionError   = "error"
)

// Position 资金费率套利持仓：一条现货腿 + 一条反向合约腿
type Position struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Status string `json:"status"`

	SpotQuantity      float64 `json:"spot_quantity"`
	SpotEntryPrice    float64 `json:"spot_entry_price"`
	SpotExitPrice     float64 `json:"spot_exit_price,omitempty"`
	FuturesQuantity   float64 `json:"futures_quantity"`
	FuturesEntryPrice float64 `json:"futures_entry_price"`
	FuturesExitPrice  float64 `json:"futures_exit_price,omitempty"`
	Leverage          float64 `json:"leverage"`

	EntryFundingRate     float64 `json:"entry_funding_rate"`
	AccumulatedFunding   float64 `json:"accumulated_funding"`
	FundingPaymentsCount int     `json:"funding_payments_count"`

	SpotPnL     float64 `json:"spot_pnl"`
	FuturesPnL  float64 `json:"futures_pnl"`
	TotalFees   float64 `json:"total_fees"`
	RealizedPnL float64 `json:"realized_pnl"`

	CreatedAt time.Time `json:"created_at"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
}

// PositionValue 开仓名义价值（现货腿）
func (p *Position) PositionValue() float64 {
	return p.SpotQuantity * p.SpotEntryPrice
}

// NetPnL 净盈亏 = 两腿价差盈亏 + 累计资金费 - 总手续费
func (p *Position) NetPnL() float64 {
	return p.SpotPnL + p.FuturesPnL + p.AccumulatedFunding - p.TotalFees
}

// IsOpen 仓位是否仍持有
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen || p.Status == PositionClosing
}

// ========== Order Models ==========

// 订单状态
const (
	OrderPending         = "pending"
	OrderFilled          = "filled"
	OrderPartiallyFilled = "partially_filled"
	OrderCancelled       = "cancelled"
	OrderRejected        = "rejected"
)

// 订单方向 / 类型
const (
	OrderBuy    = "BUY"
	OrderSell   = "SELL"
	OrderMarket = "market"
	OrderLimit  = "limit"
)

// Order 单腿订单记录，每次尝试（开仓、市价补单、平仓）各生成一条
type Order struct {
	ID              string    `json:"id"`
	PositionID      string    `json:"position_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"` // BUY / SELL
	Type            string    `json:"type"` // market / limit
	IsFutures       bool      `json:"is_futures"`
	Status          string    `json:"status"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price,omitempty"`
	FilledQuantity  float64   `json:"filled_quantity"`
	FilledPrice     float64   `json:"filled_price,omitempty"`
	Fee             float64   `json:"fee"`
	FeeCurrency     string    `json:"fee_currency,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ========== Funding Models ==========

// FundingPayment 资金费结算记录，每个资金费周期每个持仓一条
type FundingPayment struct {
	ID            int64     `json:"id,omitempty"`
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	Rate          float64   `json:"rate"`
	Amount        float64   `json:"amount"`
	PositionValue float64   `json:"position_value"`
	PaymentTime   time.Time `json:"payment_time"`
}

// FundingRateHistory 资金费率采样，用于看板历史曲线
type FundingRateHistory struct {
	ID         int64     `json:"id,omitempty"`
	Symbol     string    `json:"symbol"`
	Rate       float64   `json:"rate"`
	MarkPrice  float64   `json:"mark_price"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ========== Account Models ==========

// AccountSnapshot 账户快照，定期落库，作为周期盈亏与 APR 的基准
type AccountSnapshot struct {
	ID             int64     `json:"id,omitempty"`
	SpotBalance    float64   `json:"spot_balance"`
	FuturesBalance float64   `json:"futures_balance"`
	TotalEquity    float64   `json:"total_equity"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	RealizedPnL    float64   `json:"realized_pnl"`
	FundingEarned  float64   `json:"funding_earned"`
	TotalFees      float64   `json:"total_fees"`
	MarginRatio    float64   `json:"margin_ratio"`
	OpenPositions  int       `json:"open_positions"`
	SnapshotTime   time.Time `json:"snapshot_time"`
}

// BotState 键值状态，重启后恢复峰值权益、资金费去重等
type BotState struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BotState 常用键
const (
	StateKeyRunning          = "running"
	StateKeyPeakEquity       = "peak_equity"
	StateKeyLastFundingCheck = "last_funding_check"
	StateKeyLastDailyReport  = "last_daily_report"
)
