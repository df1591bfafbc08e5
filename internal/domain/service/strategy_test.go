package service

import (
	"testing"
	"time"

	"fundarb/internal/domain/model"
)

func testStrategy() *Strategy {
	return NewStrategy(StrategyParams{
		MinFundingRate:    0.0003,
		MaxSpread:         0.001,
		PositionSizePct:   0.1,
		MaxPositions:      5,
		MaxCoinAllocation: 0.2,
		MinOrderValue:     10,
	})
}

func rateData(symbol string, rate float64) *model.FundingRateData {
	return &model.FundingRateData{
		Symbol:      symbol,
		FundingRate: rate,
		MarkPrice:   50000,
		IndexPrice:  50000,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// TestEvaluateEntryPositiveFunding 正资金费率应产生做多现货做空合约信号
func TestEvaluateEntryPositiveFunding(t *testing.T) {
	s := testStrategy()
	fr := rateData("BTCUSDT", 0.0005)
	spread := model.NewSpotFuturesSpread("BTCUSDT", 50000, 50020, time.Now().UnixMilli())

	sig := s.EvaluateEntry(fr, spread, 10000, nil)
	if sig.Action != ActionEnterLongSpotShort {
		t.Fatalf("expected %s, got %s (%s)", ActionEnterLongSpotShort, sig.Action, sig.Reason)
	}
	if sig.SizeUSDT != 1000 {
		t.Errorf("expected size 1000, got %v", sig.SizeUSDT)
	}
	if sig.Score <= 0 {
		t.Errorf("expected positive score, got %v", sig.Score)
	}
}

// TestEvaluateEntryNegativeFunding 负资金费率应产生反向信号
func TestEvaluateEntryNegativeFunding(t *testing.T) {
	s := testStrategy()
	fr := rateData("ETHUSDT", -0.0008)
	spread := model.NewSpotFuturesSpread("ETHUSDT", 3000, 2999, time.Now().UnixMilli())

	sig := s.EvaluateEntry(fr, spread, 10000, nil)
	if sig.Action != ActionEnterShortSpotLong {
		t.Fatalf("expected %s, got %s (%s)", ActionEnterShortSpotLong, sig.Action, sig.Reason)
	}
}

func TestEvaluateEntryHoldCases(t *testing.T) {
	s := testStrategy()
	goodSpread := model.NewSpotFuturesSpread("BTCUSDT", 50000, 50020, 0)

	cases := []struct {
		name   string
		fr     *model.FundingRateData
		spread *model.SpotFuturesSpread
		equity float64
		open   []*model.Position
	}{
		{"rate below threshold", rateData("BTCUSDT", 0.0001), goodSpread, 10000, nil},
		{"spread too wide", rateData("BTCUSDT", 0.0005), model.NewSpotFuturesSpread("BTCUSDT", 50000, 50200, 0), 10000, nil},
		{"no equity", rateData("BTCUSDT", 0.0005), goodSpread, 0, nil},
		{"duplicate symbol", rateData("BTCUSDT", 0.0005), goodSpread, 10000, []*model.Position{
			{Symbol: "BTCUSDT", Status: model.PositionOpen},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := s.EvaluateEntry(tc.fr, tc.spread, tc.equity, tc.open)
			if sig.Action != ActionHold {
				t.Errorf("expected hold, got %s", sig.Action)
			}
			if sig.Reason == "" {
				t.Error("expected a reason for holding")
			}
		})
	}
}

// TestEvaluateEntryMaxPositions 达到持仓上限时不再开新仓
func TestEvaluateEntryMaxPositions(t *testing.T) {
	s := testStrategy()
	open := make([]*model.Position, 5)
	for i := range open {
		open[i] = &model.Position{Symbol: "X", Status: model.PositionOpen}
	}
	sig := s.EvaluateEntry(rateData("BTCUSDT", 0.001), model.NewSpotFuturesSpread("BTCUSDT", 50000, 50010, 0), 10000, open)
	if sig.Action != ActionHold {
		t.Errorf("expected hold at position limit, got %s", sig.Action)
	}
}

func TestEvaluateExitFundingDecay(t *testing.T) {
	s := testStrategy()
	pos := &model.Position{Symbol: "BTCUSDT", Side: model.SideLongSpotShortPerp, Status: model.PositionOpen}

	// 费率仍高于门槛一半，继续持有
	sig := s.EvaluateExit(pos, 0.0004, 0.0002, 0.3, 0.85)
	if sig.ShouldExit {
		t.Errorf("should hold while funding stays above half threshold: %s", sig.Reason)
	}

	// 费率衰减到门槛一半以下，离场
	sig = s.EvaluateExit(pos, 0.0001, 0.0002, 0.3, 0.85)
	if !sig.ShouldExit {
		t.Fatal("expected exit after funding decay")
	}
	if sig.Urgency != 5 {
		t.Errorf("expected decay urgency 5, got %d", sig.Urgency)
	}

	// 反向仓位：费率回升越过负的一半门槛同样离场
	short := &model.Position{Symbol: "ETHUSDT", Side: model.SideShortSpotLongPerp, Status: model.PositionOpen}
	sig = s.EvaluateExit(short, -0.0001, 0.0002, 0.3, 0.85)
	if !sig.ShouldExit {
		t.Fatal("expected exit for short side after funding decay")
	}

	// 衰减与保证金同时触发时先上报衰减
	sig = s.EvaluateExit(pos, 0.0001, 0.0002, 0.9, 0.85)
	if sig.Reason != "funding rate decayed" {
		t.Errorf("expected decay reported first, got %q", sig.Reason)
	}
}

func TestEvaluateExitMarginCritical(t *testing.T) {
	s := testStrategy()
	pos := &model.Position{Symbol: "BTCUSDT", Side: model.SideLongSpotShortPerp}

	sig := s.EvaluateExit(pos, 0.001, 0.0002, 0.9, 0.85)
	if !sig.ShouldExit {
		t.Fatal("expected exit at critical margin ratio")
	}
	if sig.Urgency != 10 {
		t.Errorf("expected max urgency, got %d", sig.Urgency)
	}
}

func TestEvaluateExitSpreadWidened(t *testing.T) {
	s := testStrategy()
	pos := &model.Position{Symbol: "BTCUSDT", Side: model.SideLongSpotShortPerp}

	sig := s.EvaluateExit(pos, 0.001, 0.0025, 0.3, 0.85)
	if !sig.ShouldExit {
		t.Fatal("expected exit when spread exceeds twice the entry limit")
	}
}

func TestPositionSizeCoinAllocationCap(t *testing.T) {
	s := testStrategy()

	// 已有同币种仓位占 15%，新仓只能再占 5%
	open := []*model.Position{
		{Symbol: "BTCUSDT", Status: model.PositionOpen, SpotQuantity: 0.03, SpotEntryPrice: 50000},
	}
	size := s.PositionSize("BTCUSDT", 10000, open)
	if size != 500 {
		t.Errorf("expected capped size 500, got %v", size)
	}

	// 剩余额度低于最小下单金额时返回 0
	open[0].SpotQuantity = 0.0398
	if size := s.PositionSize("BTCUSDT", 10000, open); size != 0 {
		t.Errorf("expected 0 below min order value, got %v", size)
	}
}

func TestRankOpportunities(t *testing.T) {
	s := testStrategy()
	signals := []*EntrySignal{
		{Symbol: "A", Action: ActionEnterLongSpotShort, Score: 5},
		{Symbol: "B", Action: ActionHold, Score: 100},
		{Symbol: "C", Action: ActionEnterLongSpotShort, Score: 9},
	}
	ranked := s.RankOpportunities(signals)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 actionable signals, got %d", len(ranked))
	}
	if ranked[0].Symbol != "C" || ranked[1].Symbol != "A" {
		t.Errorf("unexpected order: %s, %s", ranked[0].Symbol, ranked[1].Symbol)
	}
}

func TestEstimateFundingIncome(t *testing.T) {
	s := testStrategy()
	// 1000 USDT * 0.0005 每 8 小时，持有 24 小时
	got := s.EstimateFundingIncome(1000, 0.0005, 24)
	if got != 1.5 {
		t.Errorf("expected 1.5, got %v", got)
	}
}
