package service

import (
	"fmt"
	"math"
	"sync"
	"time"

	"fundarb/internal/domain/model"
)

// RiskParams 风险阈值
type RiskParams struct {
	MarginRatioWarning     float64
	MarginRatioCritical    float64
	MinLiquidationDistance float64
	MaxDrawdown            float64
	MaxPositions           int
	PositionSizePct        float64
	MaxCoinAllocation      float64
}

// RiskAssessment 单次风险评估结果
type RiskAssessment struct {
	Level          int     `json:"level"`
	MarginRatio    float64 `json:"margin_ratio"`
	Drawdown       float64 `json:"drawdown"`
	MinLiqDistance float64 `json:"min_liq_distance"`
	PeakEquity     float64 `json:"peak_equity"`
}

const maxAlertHistory = 100

// RiskManager 风险管理器：保证金率、回撤、强平距离三条线。
// 峰值权益为运行期最高水位，可在重启后通过 RestorePeakEquity 恢复。
type RiskManager struct {
	mu sync.RWMutex

	params     RiskParams
	peakEquity float64
	alerts     []*model.RiskAlert
}

// NewRiskManager 创建风险管理器
func NewRiskManager(params RiskParams) *RiskManager {
	return &RiskManager{params: params}
}

// RestorePeakEquity 恢复历史峰值权益（重启时从存储读回）
func (rm *RiskManager) RestorePeakEquity(peak float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if peak > rm.peakEquity {
		rm.peakEquity = peak
	}
}

// PeakEquity 当前峰值权益
func (rm *RiskManager) PeakEquity() float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.peakEquity
}

// Drawdown 更新峰值并返回当前回撤
func (rm *RiskManager) Drawdown(equity float64) float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if equity > rm.peakEquity {
		rm.peakEquity = equity
	}
	if rm.peakEquity <= 0 {
		return 0
	}
	return (rm.peakEquity - equity) / rm.peakEquity
}

// Assess 综合评估当前风险等级，并记录触发的告警。
// CRITICAL: 保证金率触及临界阈值。
// HIGH: 保证金率达到警告线、强平距离不足、或回撤超限。
// MEDIUM: 存在持仓但无其他触发。
func (rm *RiskManager) Assess(equity, marginRatio float64, futures []*model.FuturesPosition, openCount int) *RiskAssessment {
	drawdown := rm.Drawdown(equity)
	minDist := rm.minLiquidationDistance(futures)

	level := model.RiskLow
	switch {
	case marginRatio >= rm.params.MarginRatioCritical:
		level = model.RiskCritical
		rm.addAlert(&model.RiskAlert{
			Level:     model.RiskCritical,
			Type:      "margin_ratio",
			Message:   fmt.Sprintf("margin ratio %.2f at critical threshold %.2f", marginRatio, rm.params.MarginRatioCritical),
			Value:     marginRatio,
			Threshold: rm.params.MarginRatioCritical,
		})
	case marginRatio >= rm.params.MarginRatioWarning:
		level = model.RiskHigh
		rm.addAlert(&model.RiskAlert{
			Level:     model.RiskHigh,
			Type:      "margin_ratio",
			Message:   fmt.Sprintf("margin ratio %.2f above warning threshold %.2f", marginRatio, rm.params.MarginRatioWarning),
			Value:     marginRatio,
			Threshold: rm.params.MarginRatioWarning,
		})
	case minDist < rm.params.MinLiquidationDistance:
		level = model.RiskHigh
		rm.addAlert(&model.RiskAlert{
			Level:     model.RiskHigh,
			Type:      "liquidation_distance",
			Message:   fmt.Sprintf("liquidation distance %.2f%% below minimum %.2f%%", minDist*100, rm.params.MinLiquidationDistance*100),
			Value:     minDist,
			Threshold: rm.params.MinLiquidationDistance,
		})
	case drawdown >= rm.params.MaxDrawdown:
		level = model.RiskHigh
		rm.addAlert(&model.RiskAlert{
			Level:     model.RiskHigh,
			Type:      "drawdown",
			Message:   fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", drawdown*100, rm.params.MaxDrawdown*100),
			Value:     drawdown,
			Threshold: rm.params.MaxDrawdown,
		})
	case openCount > 0:
		level = model.RiskMedium
	}

	return &RiskAssessment{
		Level:          level,
		MarginRatio:    marginRatio,
		Drawdown:       drawdown,
		MinLiqDistance: minDist,
		PeakEquity:     rm.PeakEquity(),
	}
}

// ShouldPauseTrading 临界风险或回撤超限时暂停开新仓
func (rm *RiskManager) ShouldPauseTrading(a *RiskAssessment) bool {
	return a.Level == model.RiskCritical || a.Drawdown >= rm.params.MaxDrawdown
}

// PositionsToClose 需要强制平掉的仓位。
// 临界风险平掉全部；否则只平强平距离跌破最小值一半的仓位。
func (rm *RiskManager) PositionsToClose(a *RiskAssessment, open []*model.Position, futures []*model.FuturesPosition) []*model.Position {
	if a.Level == model.RiskCritical {
		return open
	}

	distBySymbol := make(map[string]float64, len(futures))
	for _, fp := range futures {
		distBySymbol[fp.Symbol] = fp.LiquidationDistance()
	}

	var toClose []*model.Position
	for _, p := range open {
		dist, ok := distBySymbol[p.Symbol]
		if ok && dist < rm.params.MinLiquidationDistance*0.5 {
			toClose = append(toClose, p)
		}
	}
	return toClose
}

// CheckPositionLimits 开仓前闸门：持仓数、重复币种、单币种占比、总占比。
// 通过返回 nil，否则返回拒绝原因。
func (rm *RiskManager) CheckPositionLimits(symbol string, newValue, equity float64, open []*model.Position) error {
	if len(open) >= rm.params.MaxPositions {
		return fmt.Errorf("position count %d at limit %d", len(open), rm.params.MaxPositions)
	}
	if equity <= 0 {
		return fmt.Errorf("equity %.2f not positive", equity)
	}

	var symbolValue, totalValue float64
	for _, p := range open {
		totalValue += p.PositionValue()
		if p.Symbol == symbol {
			if p.IsOpen() {
				return fmt.Errorf("position already open for %s", symbol)
			}
			symbolValue += p.PositionValue()
		}
	}
	newAlloc := newValue / equity
	if symbolValue/equity+newAlloc > rm.params.MaxCoinAllocation {
		return fmt.Errorf("symbol %s allocation would exceed %.2f", symbol, rm.params.MaxCoinAllocation)
	}
	maxTotal := float64(rm.params.MaxPositions) * rm.params.PositionSizePct
	if totalValue/equity+newAlloc > maxTotal {
		return fmt.Errorf("total allocation would exceed %.2f", maxTotal)
	}
	return nil
}

// RecentAlerts 最近的告警（最多 maxAlertHistory 条）
func (rm *RiskManager) RecentAlerts(limit int) []*model.RiskAlert {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if limit <= 0 || limit > len(rm.alerts) {
		limit = len(rm.alerts)
	}
	out := make([]*model.RiskAlert, limit)
	copy(out, rm.alerts[len(rm.alerts)-limit:])
	return out
}

// DrainAlerts 取出并清空未上报的告警
func (rm *RiskManager) DrainAlerts() []*model.RiskAlert {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := rm.alerts
	rm.alerts = nil
	return out
}

func (rm *RiskManager) minLiquidationDistance(futures []*model.FuturesPosition) float64 {
	minDist := math.Inf(1)
	for _, fp := range futures {
		if fp.PositionAmt == 0 {
			continue
		}
		if d := fp.LiquidationDistance(); d < minDist {
			minDist = d
		}
	}
	if math.IsInf(minDist, 1) {
		return 1
	}
	return minDist
}

func (rm *RiskManager) addAlert(a *model.RiskAlert) {
	a.CreatedAt = time.Now().UTC()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.alerts = append(rm.alerts, a)
	if len(rm.alerts) > maxAlertHistory {
		rm.alerts = rm.alerts[len(rm.alerts)-maxAlertHistory:]
	}
}
