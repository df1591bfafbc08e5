package port

import (
	"context"
	"errors"

	"fundarb/internal/domain/model"
)

// 交易所调用的分类错误，调用方按类别决策（回滚、跳过本轮等）
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("rate limited")
)

// MarketData 行情读取端口：资金费率、价差。实现方负责流动性过滤。
type MarketData interface {
	// FundingRates 返回通过成交量/持仓量过滤的全部候选合约
	FundingRates(ctx context.Context) ([]*model.FundingRateData, error)
	// FundingRate 返回单个合约的资金费率快照（不过滤）
	FundingRate(ctx context.Context, symbol string) (*model.FundingRateData, error)
	// Spread 返回现货/合约价差
	Spread(ctx context.Context, symbol string) (*model.SpotFuturesSpread, error)
}

// Account 账户读取端口：余额、保证金率、合约持仓
type Account interface {
	Balance(ctx context.Context) (*model.AccountBalance, error)
	MarginRatio(ctx context.Context) (float64, error)
	FuturesPositions(ctx context.Context) ([]*model.FuturesPosition, error)
}
