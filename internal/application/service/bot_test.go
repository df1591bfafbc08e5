package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	dsvc "fundarb/internal/domain/service"
)

// ---------- in-memory repository ----------

type memRepo struct {
	mu        sync.Mutex
	positions map[string]*model.Position
	orders    []*model.Order
	payments  []*model.FundingPayment
	rates     []*model.FundingRateHistory
	snapshots []*model.AccountSnapshot
	state     map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		positions: make(map[string]*model.Position),
		state:     make(map[string]string),
	}
}

func (m *memRepo) SavePosition(ctx context.Context, pos *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pos
	m.positions[pos.ID] = &cp
	return nil
}

func (m *memRepo) UpdatePosition(ctx context.Context, pos *model.Position) error {
	return m.SavePosition(ctx, pos)
}

func (m *memRepo) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, port.ErrNotFound
}

func (m *memRepo) OpenPositions(ctx context.Context) ([]*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Position
	for _, p := range m.positions {
		if p.IsOpen() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) OpenPositionBySymbol(ctx context.Context, symbol string) (*model.Position, error) {
	open, _ := m.OpenPositions(ctx)
	for _, p := range open {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return nil, nil
}

func (m *memRepo) ClosedPositionsSince(ctx context.Context, since time.Time) ([]*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Position
	for _, p := range m.positions {
		if p.Status == model.PositionClosed && !p.ClosedAt.Before(since) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) ListPositions(ctx context.Context, limit int) ([]*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Position
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memRepo) SaveOrder(ctx context.Context, order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)
	return nil
}

func (m *memRepo) OrdersByPosition(ctx context.Context, positionID string) ([]*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Order
	for _, o := range m.orders {
		if o.PositionID == positionID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memRepo) SaveFundingPayment(ctx context.Context, fp *model.FundingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp.ID = int64(len(m.payments) + 1)
	m.payments = append(m.payments, fp)
	return nil
}

func (m *memRepo) FundingPaymentsByPosition(ctx context.Context, positionID string) ([]*model.FundingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.FundingPayment
	for _, fp := range m.payments {
		if fp.PositionID == positionID {
			out = append(out, fp)
		}
	}
	return out, nil
}

func (m *memRepo) FundingPaymentsSince(ctx context.Context, since time.Time) ([]*model.FundingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.FundingPayment(nil), m.payments...), nil
}

func (m *memRepo) SaveFundingRate(ctx context.Context, fr *model.FundingRateHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr.ID = int64(len(m.rates) + 1)
	m.rates = append(m.rates, fr)
	return nil
}

func (m *memRepo) FundingRatesSince(ctx context.Context, symbol string, since time.Time) ([]*model.FundingRateHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.FundingRateHistory(nil), m.rates...), nil
}

func (m *memRepo) SaveSnapshot(ctx context.Context, snap *model.AccountSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.ID = int64(len(m.snapshots) + 1)
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *memRepo) LatestSnapshot(ctx context.Context) (*model.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	return m.snapshots[len(m.snapshots)-1], nil
}

func (m *memRepo) FirstSnapshotAfter(ctx context.Context, t time.Time) (*model.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots {
		if !s.SnapshotTime.Before(t) {
			return s, nil
		}
	}
	return nil, nil
}

func (m *memRepo) SnapshotsSince(ctx context.Context, since time.Time) ([]*model.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.AccountSnapshot(nil), m.snapshots...), nil
}

func (m *memRepo) GetState(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.state[key]; ok {
		return v, nil
	}
	return "", port.ErrNotFound
}

func (m *memRepo) SetState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
	return nil
}

func (m *memRepo) Close() error { return nil }

// ---------- market / account / trading mocks ----------

type mockMarket struct {
	rate    float64
	spot    float64
	futures float64
}

func (m *mockMarket) FundingRates(ctx context.Context) ([]*model.FundingRateData, error) {
	return []*model.FundingRateData{{
		Symbol:      "BTCUSDT",
		FundingRate: m.rate,
		MarkPrice:   m.futures,
		IndexPrice:  m.spot,
		Timestamp:   time.Now().UnixMilli(),
	}}, nil
}

func (m *mockMarket) FundingRate(ctx context.Context, symbol string) (*model.FundingRateData, error) {
	return &model.FundingRateData{Symbol: symbol, FundingRate: m.rate, MarkPrice: m.futures}, nil
}

func (m *mockMarket) Spread(ctx context.Context, symbol string) (*model.SpotFuturesSpread, error) {
	return model.NewSpotFuturesSpread(symbol, m.spot, m.futures, time.Now().UnixMilli()), nil
}

type mockAccount struct {
	equity      float64
	marginRatio float64
}

func (m *mockAccount) Balance(ctx context.Context) (*model.AccountBalance, error) {
	return &model.AccountBalance{
		SpotUSDT:    m.equity / 2,
		FuturesUSDT: m.equity / 2,
		TotalEquity: m.equity,
	}, nil
}

func (m *mockAccount) MarginRatio(ctx context.Context) (float64, error) {
	return m.marginRatio, nil
}

func (m *mockAccount) FuturesPositions(ctx context.Context) ([]*model.FuturesPosition, error) {
	return nil, nil
}

// fundingAccount 模拟可直接入账资金费的账户
type fundingAccount struct {
	mockAccount
	mu       sync.Mutex
	credited float64
}

func (a *fundingAccount) ApplyFunding(symbol string, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credited += amount
}

// fillClient 全部订单立即按市场价成交
type fillClient struct {
	market *mockMarket
	seq    int
	mu     sync.Mutex
	states map[string]*dsvc.OrderState
}

func newFillClient(m *mockMarket) *fillClient {
	return &fillClient{market: m, states: make(map[string]*dsvc.OrderState)}
}

func (c *fillClient) PlaceOrder(ctx context.Context, symbol, side string, quantity, price float64, isMarket, isFutures, reduceOnly bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := fmt.Sprintf("o-%d", c.seq)
	fill := price
	if isMarket || fill <= 0 {
		fill = c.market.spot
		if isFutures {
			fill = c.market.futures
		}
	}
	c.states[id] = &dsvc.OrderState{OrderID: id, Status: "FILLED", ExecutedQuantity: quantity, AvgPrice: fill}
	return id, nil
}

func (c *fillClient) CancelOrder(ctx context.Context, symbol, orderID string, isFutures bool) error {
	return nil
}

func (c *fillClient) OrderStatus(ctx context.Context, symbol, orderID string, isFutures bool) (*dsvc.OrderState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	cp := *st
	return &cp, nil
}

func (c *fillClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	opened  int
	closed  int
	alerts  int
	errors  int
	funding int
	reasons []string
}

func (n *recordingNotifier) PositionOpened(ctx context.Context, pos *model.Position) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened++
	return nil
}

func (n *recordingNotifier) PositionClosed(ctx context.Context, pos *model.Position, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed++
	n.reasons = append(n.reasons, reason)
	return nil
}

func (n *recordingNotifier) RiskAlert(ctx context.Context, alert *model.RiskAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts++
	return nil
}

func (n *recordingNotifier) FundingReceived(ctx context.Context, fp *model.FundingPayment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.funding++
	return nil
}

func (n *recordingNotifier) DailySummary(ctx context.Context, snap *model.AccountSnapshot, dayPnL float64) error {
	return nil
}

func (n *recordingNotifier) BotStarted(ctx context.Context, equity float64) error { return nil }

func (n *recordingNotifier) BotStopped(ctx context.Context) error { return nil }

func (n *recordingNotifier) Error(ctx context.Context, where string, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors++
	return nil
}

// ---------- tests ----------

func testBot(repo *memRepo, market *mockMarket, account port.Account, notifier *recordingNotifier) *Bot {
	strategy := dsvc.NewStrategy(dsvc.StrategyParams{
		MinFundingRate:    0.0003,
		MaxSpread:         0.001,
		PositionSizePct:   0.1,
		MaxPositions:      5,
		MaxCoinAllocation: 0.2,
		MinOrderValue:     10,
	})
	risk := dsvc.NewRiskManager(dsvc.RiskParams{
		MarginRatioWarning:     0.7,
		MarginRatioCritical:    0.85,
		MinLiquidationDistance: 0.15,
		MaxDrawdown:            0.1,
		MaxPositions:           5,
		PositionSizePct:        0.1,
		MaxCoinAllocation:      0.2,
	})
	executor := dsvc.NewExecutor(newFillClient(market), market, dsvc.ExecutorParams{
		PreferLimitOrders: false,
		LimitOrderTimeout: time.Second,
		DefaultLeverage:   1,
	})
	return NewBot(repo, market, account, strategy, risk, executor, dsvc.NewAccountant(repo), notifier, BotParams{
		RecheckInterval:     time.Minute,
		MaxPositions:        5,
		MarginRatioCritical: 0.85,
	})
}

// TestCycleOpensPosition 高资金费率候选应在一个循环内完成开仓
func TestCycleOpensPosition(t *testing.T) {
	repo := newMemRepo()
	market := &mockMarket{rate: 0.0008, spot: 50000, futures: 50020}
	notifier := &recordingNotifier{}
	bot := testBot(repo, market, &mockAccount{equity: 10000, marginRatio: 0.1}, notifier)

	if err := bot.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle failed: %v", err)
	}

	open, _ := repo.OpenPositions(context.Background())
	if len(open) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(open))
	}
	pos := open[0]
	if pos.Symbol != "BTCUSDT" || pos.Side != model.SideLongSpotShortPerp {
		t.Errorf("unexpected position: %+v", pos)
	}
	if notifier.opened != 1 {
		t.Errorf("expected 1 open notification, got %d", notifier.opened)
	}
	if len(repo.orders) != 2 {
		t.Errorf("expected 2 orders persisted, got %d", len(repo.orders))
	}
	if len(repo.rates) == 0 {
		t.Error("expected funding rates recorded")
	}
}

// TestCycleRespectsStop 停止后不再开新仓
func TestCycleRespectsStop(t *testing.T) {
	repo := newMemRepo()
	market := &mockMarket{rate: 0.0008, spot: 50000, futures: 50020}
	notifier := &recordingNotifier{}
	bot := testBot(repo, market, &mockAccount{equity: 10000, marginRatio: 0.1}, notifier)

	if err := bot.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := bot.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle failed: %v", err)
	}

	if open, _ := repo.OpenPositions(context.Background()); len(open) != 0 {
		t.Errorf("expected no positions while stopped, got %d", len(open))
	}
	if v, _ := repo.GetState(context.Background(), model.StateKeyRunning); v != "false" {
		t.Errorf("expected running=false persisted, got %q", v)
	}
}

// TestCycleExitsOnFundingDecay 费率衰减后持仓应被平掉
func TestCycleExitsOnFundingDecay(t *testing.T) {
	repo := newMemRepo()
	market := &mockMarket{rate: 0.0001, spot: 50000, futures: 50010}
	notifier := &recordingNotifier{}
	bot := testBot(repo, market, &mockAccount{equity: 10000, marginRatio: 0.1}, notifier)

	now := time.Now().UTC()
	_ = repo.SavePosition(context.Background(), &model.Position{
		ID:                "p1",
		Symbol:            "BTCUSDT",
		Side:              model.SideLongSpotShortPerp,
		Status:            model.PositionOpen,
		SpotQuantity:      0.02,
		SpotEntryPrice:    50000,
		FuturesQuantity:   0.02,
		FuturesEntryPrice: 50050,
		CreatedAt:         now,
		OpenedAt:          now,
	})

	if err := bot.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle failed: %v", err)
	}

	if open, _ := repo.OpenPositions(context.Background()); len(open) != 0 {
		t.Fatalf("expected position closed, still open: %d", len(open))
	}
	got, err := repo.GetPosition(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if got.Status != model.PositionClosed {
		t.Errorf("expected closed status, got %s", got.Status)
	}
	if notifier.closed != 1 {
		t.Errorf("expected 1 close notification, got %d", notifier.closed)
	}
	// 衰减后的费率低于门槛，不应重新开仓
	if notifier.opened != 0 {
		t.Errorf("expected no re-entry, got %d opens", notifier.opened)
	}
}

// TestCycleCriticalMarginForcesClose 临界保证金率触发强平与告警
func TestCycleCriticalMarginForcesClose(t *testing.T) {
	repo := newMemRepo()
	market := &mockMarket{rate: 0.0008, spot: 50000, futures: 50020}
	notifier := &recordingNotifier{}
	bot := testBot(repo, market, &mockAccount{equity: 10000, marginRatio: 0.9}, notifier)

	now := time.Now().UTC()
	_ = repo.SavePosition(context.Background(), &model.Position{
		ID:                "p1",
		Symbol:            "ETHUSDT",
		Side:              model.SideLongSpotShortPerp,
		Status:            model.PositionOpen,
		SpotQuantity:      1,
		SpotEntryPrice:    3000,
		FuturesQuantity:   1,
		FuturesEntryPrice: 3001,
		CreatedAt:         now,
		OpenedAt:          now,
	})

	if err := bot.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle failed: %v", err)
	}

	if open, _ := repo.OpenPositions(context.Background()); len(open) != 0 {
		t.Errorf("expected forced close, still open: %d", len(open))
	}
	if notifier.alerts == 0 {
		t.Error("expected risk alert notification")
	}
	// 临界风险下暂停开新仓
	if notifier.opened != 0 {
		t.Errorf("expected no entries at critical risk, got %d", notifier.opened)
	}
}

// TestCycleSnapshots 循环落库账户快照
func TestCycleSnapshots(t *testing.T) {
	repo := newMemRepo()
	market := &mockMarket{rate: 0.0001, spot: 50000, futures: 50010}
	bot := testBot(repo, market, &mockAccount{equity: 10000, marginRatio: 0.1}, &recordingNotifier{})

	if err := bot.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle failed: %v", err)
	}
	if len(repo.snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(repo.snapshots))
	}
	snap := repo.snapshots[0]
	if snap.TotalEquity != 10000 || snap.MarginRatio != 0.1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

// ---------- funding settlement ----------

func fixedClock(hour, minute int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 3, 1, hour, minute, 0, 0, time.UTC)
	}
}

func openHedge(t *testing.T, repo *memRepo, id, symbol, side string) *model.Position {
	t.Helper()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	pos := &model.Position{
		ID:                id,
		Symbol:            symbol,
		Side:              side,
		Status:            model.PositionOpen,
		SpotQuantity:      0.02,
		SpotEntryPrice:    50000,
		FuturesQuantity:   0.02,
		FuturesEntryPrice: 50050,
		CreatedAt:         now,
		OpenedAt:          now,
	}
	if err := repo.SavePosition(context.Background(), pos); err != nil {
		t.Fatalf("SavePosition failed: %v", err)
	}
	return pos
}

// TestFundingSettlementCreditsMarkNotional 结算金额按合约腿标记价名义价值计算，
// 并直接入账到模拟盘合约钱包
func TestFundingSettlementCreditsMarkNotional(t *testing.T) {
	repo := newMemRepo()
	market := &mockMarket{rate: 0.0005, spot: 50900, futures: 51000}
	notifier := &recordingNotifier{}
	account := &fundingAccount{mockAccount: mockAccount{equity: 10000, marginRatio: 0.1}}
	bot := testBot(repo, market, account, notifier)
	bot.now = fixedClock(8, 2)

	pos := openHedge(t, repo, "p1", "BTCUSDT", model.SideLongSpotShortPerp)
	bot.checkFunding(context.Background(), []*model.Position{pos})

	if len(repo.payments) != 1 {
		t.Fatalf("expected 1 funding payment, got %d", len(repo.payments))
	}
	fp := repo.payments[0]
	want := 0.02 * 51000 * 0.0005
	if math.Abs(fp.Amount-want) > 1e-9 || math.Abs(fp.PositionValue-1020) > 1e-9 {
		t.Errorf("unexpected payment: %+v", fp)
	}
	got, err := repo.GetPosition(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if math.Abs(got.AccumulatedFunding-want) > 1e-9 || got.FundingPaymentsCount != 1 {
		t.Errorf("position not updated: %+v", got)
	}
	if math.Abs(account.credited-want) > 1e-9 {
		t.Errorf("expected %v credited to futures wallet, got %v", want, account.credited)
	}
	if notifier.funding != 1 {
		t.Errorf("expected 1 funding notification, got %d", notifier.funding)
	}
	if v, _ := repo.GetState(context.Background(), model.StateKeyLastFundingCheck); v == "" {
		t.Error("expected last funding check persisted")
	}
}

// TestFundingSettlementSignInverts 多合约腿在正费率下支付资金费
func TestFundingSettlementSignInverts(t *testing.T) {
	repo := newMemRepo()
	market := &mockMarket{rate: 0.0005, spot: 50900, futures: 51000}
	account := &fundingAccount{mockAccount: mockAccount{equity: 10000, marginRatio: 0.1}}
	bot := testBot(repo, market, account, &recordingNotifier{})
	bot.now = fixedClock(16, 1)

	pos := openHedge(t, repo, "p1", "BTCUSDT", model.SideShortSpotLongPerp)
	bot.checkFunding(context.Background(), []*model.Position{pos})

	if len(repo.payments) != 1 {
		t.Fatalf("expected 1 funding payment, got %d", len(repo.payments))
	}
	want := -0.02 * 51000 * 0.0005
	if math.Abs(repo.payments[0].Amount-want) > 1e-9 {
		t.Errorf("expected amount %v, got %v", want, repo.payments[0].Amount)
	}
	if math.Abs(account.credited-want) > 1e-9 {
		t.Errorf("expected debit %v, got %v", want, account.credited)
	}
}

// TestFundingSettlementWindow 仅在结算小时后的窗口内记账
func TestFundingSettlementWindow(t *testing.T) {
	cases := []struct {
		name     string
		hour     int
		minute   int
		payments int
	}{
		{"settlement hour start", 8, 0, 1},
		{"inside window", 0, 4, 1},
		{"non settlement hour", 7, 30, 0},
		{"window passed", 8, 7, 0},
		{"midday", 12, 2, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			market := &mockMarket{rate: 0.0005, spot: 50900, futures: 51000}
			bot := testBot(repo, market, &mockAccount{equity: 10000, marginRatio: 0.1}, &recordingNotifier{})
			bot.now = fixedClock(tc.hour, tc.minute)

			pos := openHedge(t, repo, "p1", "BTCUSDT", model.SideLongSpotShortPerp)
			bot.checkFunding(context.Background(), []*model.Position{pos})
			if len(repo.payments) != tc.payments {
				t.Errorf("expected %d payments at %02d:%02d, got %d", tc.payments, tc.hour, tc.minute, len(repo.payments))
			}
		})
	}
}

// TestFundingSettlementDedup 十分钟内的重复检查被持久化状态挡掉
func TestFundingSettlementDedup(t *testing.T) {
	repo := newMemRepo()
	market := &mockMarket{rate: 0.0005, spot: 50900, futures: 51000}
	bot := testBot(repo, market, &mockAccount{equity: 10000, marginRatio: 0.1}, &recordingNotifier{})
	bot.now = fixedClock(8, 4)

	pos := openHedge(t, repo, "p1", "BTCUSDT", model.SideLongSpotShortPerp)

	last := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	_ = repo.SetState(context.Background(), model.StateKeyLastFundingCheck, last.Format(time.RFC3339))
	bot.checkFunding(context.Background(), []*model.Position{pos})
	if len(repo.payments) != 0 {
		t.Fatalf("expected dedup to skip settlement, got %d payments", len(repo.payments))
	}

	// 距上次检查超过十分钟后照常记账，重启后也不会重复
	stale := time.Date(2026, 3, 1, 7, 50, 0, 0, time.UTC)
	_ = repo.SetState(context.Background(), model.StateKeyLastFundingCheck, stale.Format(time.RFC3339))
	bot.checkFunding(context.Background(), []*model.Position{pos})
	if len(repo.payments) != 1 {
		t.Errorf("expected settlement after dedup window, got %d payments", len(repo.payments))
	}
}
