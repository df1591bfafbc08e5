package service

import (
	"math"
	"sort"

	"fundarb/internal/domain/model"
)

// 策略信号动作
const (
	ActionHold               = "hold"
	ActionEnterLongSpotShort = "enter_long_spot_short_perp"
	ActionEnterShortSpotLong = "enter_short_spot_long_perp"
)

// StrategyParams 策略阈值，启动时由配置填充，运行期不变
type StrategyParams struct {
	MinFundingRate    float64 // 入场最低资金费率（绝对值）
	MaxSpread         float64 // 入场最大现货/合约价差（绝对值）
	PositionSizePct   float64 // 单仓位占权益比例
	MaxPositions      int     // 最大同时持仓数
	MaxCoinAllocation float64 // 单币种最大占比
	MinOrderValue     float64 // 最小下单金额 USDT
}

// EntrySignal 入场评估结果
type EntrySignal struct {
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"`
	Reason      string  `json:"reason,omitempty"`
	FundingRate float64 `json:"funding_rate"`
	Spread      float64 `json:"spread"`
	SizeUSDT    float64 `json:"size_usdt"`
	Urgency     int     `json:"urgency"`
	Score       float64 `json:"score"`
}

// ExitSignal 离场评估结果
type ExitSignal struct {
	ShouldExit bool   `json:"should_exit"`
	Reason     string `json:"reason,omitempty"`
	Urgency    int    `json:"urgency"`
}

// Strategy 资金费率套利策略评估器。纯计算，不做任何 IO。
type Strategy struct {
	params StrategyParams
}

// NewStrategy 创建策略评估器
func NewStrategy(params StrategyParams) *Strategy {
	return &Strategy{params: params}
}

// EvaluateEntry 评估单个合约的入场信号。
// 按顺序检查：持仓数上限、重复币种、资金费率门槛、价差门槛、可用规模。
func (s *Strategy) EvaluateEntry(fr *model.FundingRateData, spread *model.SpotFuturesSpread, equity float64, open []*model.Position) *EntrySignal {
	sig := &EntrySignal{
		Symbol:      fr.Symbol,
		Action:      ActionHold,
		FundingRate: fr.FundingRate,
	}
	if spread != nil {
		sig.Spread = spread.Spread
	}

	if len(open) >= s.params.MaxPositions {
		sig.Reason = "max positions reached"
		return sig
	}
	for _, p := range open {
		if p.Symbol == fr.Symbol {
			sig.Reason = "position already open for symbol"
			return sig
		}
	}

	absRate := math.Abs(fr.FundingRate)
	if absRate < s.params.MinFundingRate {
		sig.Reason = "funding rate below threshold"
		return sig
	}
	if spread == nil || math.Abs(spread.Spread) > s.params.MaxSpread {
		sig.Reason = "spread too wide"
		return sig
	}

	size := s.PositionSize(fr.Symbol, equity, open)
	if size <= 0 {
		sig.Reason = "size below minimum order value"
		return sig
	}
	sig.SizeUSDT = size

	if fr.FundingRate > 0 {
		sig.Action = ActionEnterLongSpotShort
	} else {
		sig.Action = ActionEnterShortSpotLong
	}
	sig.Urgency = s.urgency(absRate)
	sig.Score = absRate*10000 - math.Abs(sig.Spread)*1000 + float64(sig.Urgency)*10
	return sig
}

// EvaluateExit 评估已开仓位的离场信号。
// 依次检查：资金费率回落到入场门槛一半以下、价差扩大到两倍上限、
// 保证金率触及临界阈值。
func (s *Strategy) EvaluateExit(pos *model.Position, currentFunding, currentSpread, marginRatio, marginCritical float64) *ExitSignal {
	half := s.params.MinFundingRate * 0.5
	switch pos.Side {
	case model.SideLongSpotShortPerp:
		if currentFunding <= half {
			return &ExitSignal{ShouldExit: true, Reason: "funding rate decayed", Urgency: 5}
		}
	case model.SideShortSpotLongPerp:
		if currentFunding >= -half {
			return &ExitSignal{ShouldExit: true, Reason: "funding rate decayed", Urgency: 5}
		}
	}
	if math.Abs(currentSpread) > s.params.MaxSpread*2 {
		return &ExitSignal{ShouldExit: true, Reason: "spread widened beyond limit", Urgency: 7}
	}
	if marginRatio >= marginCritical {
		return &ExitSignal{ShouldExit: true, Reason: "margin ratio critical", Urgency: 10}
	}
	return &ExitSignal{}
}

// PositionSize 计算下单金额：权益固定比例，受单币种占比上限约束，
// 低于最小下单金额时返回 0。
func (s *Strategy) PositionSize(symbol string, equity float64, open []*model.Position) float64 {
	if equity <= 0 {
		return 0
	}
	size := equity * s.params.PositionSizePct

	var symbolValue float64
	for _, p := range open {
		if p.Symbol == symbol {
			symbolValue += p.PositionValue()
		}
	}
	symbolAlloc := symbolValue / equity
	if symbolAlloc+size/equity > s.params.MaxCoinAllocation {
		size = (s.params.MaxCoinAllocation - symbolAlloc) * equity
	}
	if size < s.params.MinOrderValue {
		return 0
	}
	return size
}

// RankOpportunities 按评分从高到低排序可入场信号
func (s *Strategy) RankOpportunities(signals []*EntrySignal) []*EntrySignal {
	ranked := make([]*EntrySignal, 0, len(signals))
	for _, sig := range signals {
		if sig.Action != ActionHold {
			ranked = append(ranked, sig)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// EstimateFundingIncome 估算持有 hours 小时的资金费收入（8 小时一个周期）
func (s *Strategy) EstimateFundingIncome(positionValue, rate, hours float64) float64 {
	return positionValue * rate * hours / 8
}

// urgency = min(|rate| / 入场门槛, 10)，整数截断
func (s *Strategy) urgency(absRate float64) int {
	u := int(absRate / s.params.MinFundingRate)
	if u > 10 {
		u = 10
	}
	return u
}
