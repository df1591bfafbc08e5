package service

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/domain/model"
)

// AccountingStore 盈亏核算需要的只读存储视图
type AccountingStore interface {
	OpenPositions(ctx context.Context) ([]*model.Position, error)
	ClosedPositionsSince(ctx context.Context, since time.Time) ([]*model.Position, error)
	LatestSnapshot(ctx context.Context) (*model.AccountSnapshot, error)
	FirstSnapshotAfter(ctx context.Context, t time.Time) (*model.AccountSnapshot, error)
	SnapshotsSince(ctx context.Context, since time.Time) ([]*model.AccountSnapshot, error)
	FundingPaymentsSince(ctx context.Context, since time.Time) ([]*model.FundingPayment, error)
}

// PositionBreakdown 单仓位盈亏分解
type PositionBreakdown struct {
	PositionID    string  `json:"position_id"`
	Symbol        string  `json:"symbol"`
	SpotPnL       float64 `json:"spot_pnl"`
	FuturesPnL    float64 `json:"futures_pnl"`
	Funding       float64 `json:"funding"`
	Fees          float64 `json:"fees"`
	NetPnL        float64 `json:"net_pnl"`
	ROIPct        float64 `json:"roi_pct"`
	DurationHours float64 `json:"duration_hours"`
}

// AccountPnL 账户级盈亏
type AccountPnL struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	Total      float64 `json:"total"`
}

// SymbolPerformance 单币种统计
type SymbolPerformance struct {
	Symbol     string  `json:"symbol"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	WinRatePct float64 `json:"win_rate_pct"`
	TotalPnL   float64 `json:"total_pnl"`
	Funding    float64 `json:"funding"`
	Fees       float64 `json:"fees"`
}

// Accountant 盈亏核算：仓位分解、账户汇总、周期盈亏与 APR 推算
type Accountant struct {
	store AccountingStore
}

// NewAccountant 创建核算器
func NewAccountant(store AccountingStore) *Accountant {
	return &Accountant{store: store}
}

// BreakdownPosition 分解单仓位盈亏。ROI 以开仓名义价值为基数。
func (a *Accountant) BreakdownPosition(pos *model.Position) *PositionBreakdown {
	b := &PositionBreakdown{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		SpotPnL:    pos.SpotPnL,
		FuturesPnL: pos.FuturesPnL,
		Funding:    pos.AccumulatedFunding,
		Fees:       pos.TotalFees,
		NetPnL:     pos.NetPnL(),
	}
	if v := pos.PositionValue(); v > 0 {
		b.ROIPct = b.NetPnL / v * 100
	}
	if !pos.OpenedAt.IsZero() {
		end := pos.ClosedAt
		if end.IsZero() {
			end = time.Now().UTC()
		}
		b.DurationHours = end.Sub(pos.OpenedAt).Hours()
	}
	return b
}

// AccountPnL 已实现（已平仓）+ 未实现（持仓中）盈亏汇总
func (a *Accountant) AccountPnL(ctx context.Context) (*AccountPnL, error) {
	closed, err := a.store.ClosedPositionsSince(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load closed positions: %w", err)
	}
	open, err := a.store.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	pnl := &AccountPnL{}
	for _, p := range closed {
		pnl.Realized += p.RealizedPnL
	}
	for _, p := range open {
		pnl.Unrealized += p.NetPnL()
	}
	pnl.Total = pnl.Realized + pnl.Unrealized
	return pnl, nil
}

// PeriodPnL 周期盈亏 = 最新快照已实现盈亏 - 周期起点后首个快照的已实现盈亏。
// 缺少任一快照时返回 0。快照缺失由存储层以 (nil, nil) 表达。
func (a *Accountant) PeriodPnL(ctx context.Context, start time.Time) (float64, error) {
	latest, err := a.store.LatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	first, err := a.store.FirstSnapshotAfter(ctx, start)
	if err != nil {
		return 0, err
	}
	if latest == nil || first == nil {
		return 0, nil
	}
	return latest.RealizedPnL - first.RealizedPnL, nil
}

// CalculateAPR 年化收益率。equity 或 days 非正时无定义，返回 0。
func CalculateAPR(pnl, equity, days float64) float64 {
	if equity <= 0 || days <= 0 {
		return 0
	}
	return pnl / equity / days * 365 * 100
}

// PerformanceBySymbol 按币种统计已平仓表现
func (a *Accountant) PerformanceBySymbol(ctx context.Context, since time.Time) ([]*SymbolPerformance, error) {
	closed, err := a.store.ClosedPositionsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	bySymbol := make(map[string]*SymbolPerformance)
	order := make([]string, 0)
	for _, p := range closed {
		perf, ok := bySymbol[p.Symbol]
		if !ok {
			perf = &SymbolPerformance{Symbol: p.Symbol}
			bySymbol[p.Symbol] = perf
			order = append(order, p.Symbol)
		}
		perf.Trades++
		if p.RealizedPnL > 0 {
			perf.Wins++
		}
		perf.TotalPnL += p.RealizedPnL
		perf.Funding += p.AccumulatedFunding
		perf.Fees += p.TotalFees
	}

	out := make([]*SymbolPerformance, 0, len(order))
	for _, sym := range order {
		perf := bySymbol[sym]
		if perf.Trades > 0 {
			perf.WinRatePct = float64(perf.Wins) / float64(perf.Trades) * 100
		}
		out = append(out, perf)
	}
	return out, nil
}

// EquityHistory 快照权益曲线
func (a *Accountant) EquityHistory(ctx context.Context, since time.Time) ([]*model.AccountSnapshot, error) {
	return a.store.SnapshotsSince(ctx, since)
}

// FundingHistory 资金费结算历史
func (a *Accountant) FundingHistory(ctx context.Context, since time.Time) ([]*model.FundingPayment, error) {
	return a.store.FundingPaymentsSince(ctx, since)
}
