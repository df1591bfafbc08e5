package service

import (
	"context"
	"math"
	"testing"
	"time"

	"fundarb/internal/domain/model"
)

type mockAccountingStore struct {
	open      []*model.Position
	closed    []*model.Position
	snapshots []*model.AccountSnapshot
	payments  []*model.FundingPayment
}

func (m *mockAccountingStore) OpenPositions(ctx context.Context) ([]*model.Position, error) {
	return m.open, nil
}

func (m *mockAccountingStore) ClosedPositionsSince(ctx context.Context, since time.Time) ([]*model.Position, error) {
	var out []*model.Position
	for _, p := range m.closed {
		if !p.ClosedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockAccountingStore) LatestSnapshot(ctx context.Context) (*model.AccountSnapshot, error) {
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	return m.snapshots[len(m.snapshots)-1], nil
}

func (m *mockAccountingStore) FirstSnapshotAfter(ctx context.Context, t time.Time) (*model.AccountSnapshot, error) {
	for _, s := range m.snapshots {
		if !s.SnapshotTime.Before(t) {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockAccountingStore) SnapshotsSince(ctx context.Context, since time.Time) ([]*model.AccountSnapshot, error) {
	return m.snapshots, nil
}

func (m *mockAccountingStore) FundingPaymentsSince(ctx context.Context, since time.Time) ([]*model.FundingPayment, error) {
	return m.payments, nil
}

// TestNetPnL 净盈亏 = 两腿盈亏 + 资金费 - 手续费
func TestNetPnL(t *testing.T) {
	pos := &model.Position{
		SpotPnL:            12.5,
		FuturesPnL:         -11.8,
		AccumulatedFunding: 4.2,
		TotalFees:          2.1,
	}
	want := 12.5 - 11.8 + 4.2 - 2.1
	if got := pos.NetPnL(); math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// TestBreakdownDeltaNeutral 对冲仓位两腿价差盈亏近似抵消，收益来自资金费
func TestBreakdownDeltaNeutral(t *testing.T) {
	opened := time.Now().UTC().Add(-48 * time.Hour)
	pos := &model.Position{
		ID:                 "p1",
		Symbol:             "BTCUSDT",
		Side:               model.SideLongSpotShortPerp,
		Status:             model.PositionClosed,
		SpotQuantity:       0.02,
		SpotEntryPrice:     50000,
		SpotPnL:            2.0,
		FuturesPnL:         -2.0,
		AccumulatedFunding: 4.5,
		TotalFees:          1.4,
		OpenedAt:           opened,
		ClosedAt:           opened.Add(48 * time.Hour),
	}

	a := NewAccountant(&mockAccountingStore{})
	b := a.BreakdownPosition(pos)

	if math.Abs(b.SpotPnL+b.FuturesPnL) > 1e-9 {
		t.Errorf("expected legs to offset, got %v", b.SpotPnL+b.FuturesPnL)
	}
	wantNet := 4.5 - 1.4
	if math.Abs(b.NetPnL-wantNet) > 1e-9 {
		t.Errorf("expected net %v, got %v", wantNet, b.NetPnL)
	}
	wantROI := wantNet / 1000 * 100
	if math.Abs(b.ROIPct-wantROI) > 1e-9 {
		t.Errorf("expected roi %v, got %v", wantROI, b.ROIPct)
	}
	if math.Abs(b.DurationHours-48) > 1e-6 {
		t.Errorf("expected 48h duration, got %v", b.DurationHours)
	}
}

func TestAccountPnL(t *testing.T) {
	store := &mockAccountingStore{
		closed: []*model.Position{
			{RealizedPnL: 10, ClosedAt: time.Now()},
			{RealizedPnL: -3, ClosedAt: time.Now()},
		},
		open: []*model.Position{
			{SpotPnL: 1, FuturesPnL: -1, AccumulatedFunding: 2, TotalFees: 0.5},
		},
	}
	a := NewAccountant(store)

	pnl, err := a.AccountPnL(context.Background())
	if err != nil {
		t.Fatalf("AccountPnL failed: %v", err)
	}
	if pnl.Realized != 7 {
		t.Errorf("expected realized 7, got %v", pnl.Realized)
	}
	if math.Abs(pnl.Unrealized-1.5) > 1e-9 {
		t.Errorf("expected unrealized 1.5, got %v", pnl.Unrealized)
	}
	if math.Abs(pnl.Total-8.5) > 1e-9 {
		t.Errorf("expected total 8.5, got %v", pnl.Total)
	}
}

func TestPeriodPnL(t *testing.T) {
	now := time.Now().UTC()
	store := &mockAccountingStore{
		snapshots: []*model.AccountSnapshot{
			{RealizedPnL: 5, SnapshotTime: now.Add(-20 * time.Hour)},
			{RealizedPnL: 12, SnapshotTime: now},
		},
	}
	a := NewAccountant(store)

	got, err := a.PeriodPnL(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PeriodPnL failed: %v", err)
	}
	if got != 7 {
		t.Errorf("expected 7, got %v", got)
	}

	// 快照缺失返回 0
	empty := NewAccountant(&mockAccountingStore{})
	if got, err := empty.PeriodPnL(context.Background(), now); err != nil || got != 0 {
		t.Errorf("expected 0 with no snapshots, got %v err %v", got, err)
	}
}

func TestCalculateAPR(t *testing.T) {
	// 30 天赚 50，权益 10000：年化 ≈ 6.08%
	got := CalculateAPR(50, 10000, 30)
	want := 50.0 / 10000 / 30 * 365 * 100
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}

	if CalculateAPR(50, 0, 30) != 0 {
		t.Error("expected 0 with zero equity")
	}
	if CalculateAPR(50, 10000, 0) != 0 {
		t.Error("expected 0 with zero days")
	}
}

func TestPerformanceBySymbol(t *testing.T) {
	now := time.Now().UTC()
	store := &mockAccountingStore{
		closed: []*model.Position{
			{Symbol: "BTCUSDT", RealizedPnL: 5, AccumulatedFunding: 6, TotalFees: 1, ClosedAt: now},
			{Symbol: "BTCUSDT", RealizedPnL: -2, AccumulatedFunding: 1, TotalFees: 1, ClosedAt: now},
			{Symbol: "ETHUSDT", RealizedPnL: 3, AccumulatedFunding: 4, TotalFees: 1, ClosedAt: now},
		},
	}
	a := NewAccountant(store)

	perf, err := a.PerformanceBySymbol(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PerformanceBySymbol failed: %v", err)
	}
	if len(perf) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(perf))
	}
	btc := perf[0]
	if btc.Symbol != "BTCUSDT" || btc.Trades != 2 || btc.Wins != 1 {
		t.Errorf("unexpected btc stats: %+v", btc)
	}
	if btc.WinRatePct != 50 {
		t.Errorf("expected 50%% win rate, got %v", btc.WinRatePct)
	}
	if btc.TotalPnL != 3 {
		t.Errorf("expected total pnl 3, got %v", btc.TotalPnL)
	}
}
