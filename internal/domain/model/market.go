package model

import (
	"math"
	"time"
)

// ========== Market Data Models ==========

// FundingRateData 单个合约的资金费率快照
type FundingRateData struct {
	Symbol          string    `json:"symbol"`
	FundingRate     float64   `json:"funding_rate"`
	MarkPrice       float64   `json:"mark_price"`
	IndexPrice      float64   `json:"index_price"`
	NextFundingTime time.Time `json:"next_funding_time"`
	OpenInterest    float64   `json:"open_interest"`
	Volume24h       float64   `json:"volume_24h"`
	Timestamp       int64     `json:"ts_ms"`
}

// APR 资金费率年化（每 8 小时结算一次，一天 3 次）
func (f *FundingRateData) APR() float64 {
	return f.FundingRate * 3 * 365 * 100
}

// Spread 标记价与指数价的相对偏离
func (f *FundingRateData) Spread() float64 {
	if f.IndexPrice <= 0 {
		return 0
	}
	return math.Abs(f.MarkPrice-f.IndexPrice) / f.IndexPrice
}

// SpotFuturesSpread 现货与合约的价差
type SpotFuturesSpread struct {
	Symbol       string  `json:"symbol"`
	SpotPrice    float64 `json:"spot_price"`
	FuturesPrice float64 `json:"futures_price"`
	Spread       float64 `json:"spread"` // (futures - spot) / spot
	Timestamp    int64   `json:"ts_ms"`
}

// NewSpotFuturesSpread 由两腿价格构造价差
func NewSpotFuturesSpread(symbol string, spot, futures float64, ts int64) *SpotFuturesSpread {
	s := &SpotFuturesSpread{
		Symbol:       symbol,
		SpotPrice:    spot,
		FuturesPrice: futures,
		Timestamp:    ts,
	}
	if spot > 0 {
		s.Spread = (futures - spot) / spot
	}
	return s
}

// Balance 单资产余额
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// AccountBalance 现货/合约两个账户的 USDT 口径余额
type AccountBalance struct {
	SpotUSDT    float64 `json:"spot_usdt"`
	FuturesUSDT float64 `json:"futures_usdt"`
	TotalEquity float64 `json:"total_equity"`
}

// FuturesPosition 交易所侧的合约持仓（风险计算用）
type FuturesPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"position_amt"` // 正多负空
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	LiquidationPrice float64 `json:"liquidation_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	Leverage         float64 `json:"leverage"`
}

// LiquidationDistance 强平价相对入场价的距离；无强平价时返回 1（视为安全）
func (p *FuturesPosition) LiquidationDistance() float64 {
	if p.EntryPrice <= 0 || p.LiquidationPrice <= 0 {
		return 1
	}
	return math.Abs(p.EntryPrice-p.LiquidationPrice) / p.EntryPrice
}

// ========== Risk Models ==========

// 风险等级，序数越大越严重
const (
	RiskLow      = 0
	RiskMedium   = 1
	RiskHigh     = 2
	RiskCritical = 3
)

// RiskLevelName 风险等级名称
func RiskLevelName(level int) string {
	switch level {
	case RiskCritical:
		return "critical"
	case RiskHigh:
		return "high"
	case RiskMedium:
		return "medium"
	default:
		return "low"
	}
}

// RiskAlert 风险告警，仅保留在内存历史中，不落库
type RiskAlert struct {
	Level     int       `json:"level"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Symbol    string    `json:"symbol,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
