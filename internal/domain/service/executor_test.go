package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"fundarb/internal/domain/model"
)

type placedOrder struct {
	symbol     string
	side       string
	quantity   float64
	price      float64
	isMarket   bool
	isFutures  bool
	reduceOnly bool
}

// mockTradeClient 可配置的撮合桩：市价单立即成交，限价单可配置为挂住不成交
type mockTradeClient struct {
	mu  sync.Mutex
	seq int

	spotFillPrice    float64
	futuresFillPrice float64
	feePerOrder      float64

	failFutures bool // 合约下单直接报错
	limitStalls bool // 限价单保持 NEW 不成交

	placed    []placedOrder
	cancelled []string
	states    map[string]*OrderState
}

func newMockTradeClient() *mockTradeClient {
	return &mockTradeClient{
		spotFillPrice:    50000,
		futuresFillPrice: 50050,
		feePerOrder:      0.5,
		states:           make(map[string]*OrderState),
	}
}

func (m *mockTradeClient) PlaceOrder(ctx context.Context, symbol, side string, quantity, price float64, isMarket, isFutures, reduceOnly bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isFutures && m.failFutures {
		return "", errors.New("futures order rejected")
	}

	m.seq++
	id := fmt.Sprintf("order-%d", m.seq)
	m.placed = append(m.placed, placedOrder{symbol, side, quantity, price, isMarket, isFutures, reduceOnly})

	fill := m.spotFillPrice
	if isFutures {
		fill = m.futuresFillPrice
	}
	if !isMarket && m.limitStalls {
		m.states[id] = &OrderState{OrderID: id, Status: "NEW"}
	} else {
		if !isMarket {
			fill = price
		}
		m.states[id] = &OrderState{
			OrderID:          id,
			Status:           "FILLED",
			ExecutedQuantity: quantity,
			AvgPrice:         fill,
			Fee:              m.feePerOrder,
		}
	}
	return id, nil
}

func (m *mockTradeClient) CancelOrder(ctx context.Context, symbol, orderID string, isFutures bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockTradeClient) OrderStatus(ctx context.Context, symbol, orderID string, isFutures bool) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	cp := *st
	return &cp, nil
}

func (m *mockTradeClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

type mockPriceSource struct {
	spot    float64
	futures float64
}

func (m *mockPriceSource) Spread(ctx context.Context, symbol string) (*model.SpotFuturesSpread, error) {
	return model.NewSpotFuturesSpread(symbol, m.spot, m.futures, time.Now().UnixMilli()), nil
}

func entrySignal() *EntrySignal {
	return &EntrySignal{
		Symbol:      "BTCUSDT",
		Action:      ActionEnterLongSpotShort,
		FundingRate: 0.0005,
		SizeUSDT:    1000,
	}
}

func TestOpenPositionMarketOrders(t *testing.T) {
	client := newMockTradeClient()
	exec := NewExecutor(client, &mockPriceSource{spot: 50000, futures: 50050}, ExecutorParams{
		PreferLimitOrders: false,
		LimitOrderTimeout: time.Second,
		DefaultLeverage:   1,
	})
	exec.pollInterval = time.Millisecond

	pos, orders, err := exec.OpenPosition(context.Background(), entrySignal())
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if pos.Status != model.PositionOpen {
		t.Errorf("expected open status, got %s", pos.Status)
	}
	if math.Abs(pos.SpotQuantity-1000.0/50000) > 1e-9 {
		t.Errorf("unexpected spot quantity %v", pos.SpotQuantity)
	}
	if math.Abs(pos.FuturesQuantity-1000.0/50050) > 1e-9 {
		t.Errorf("unexpected futures quantity %v", pos.FuturesQuantity)
	}
	if pos.TotalFees != 1.0 {
		t.Errorf("expected fees 1.0, got %v", pos.TotalFees)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	for _, o := range orders {
		if o.Status != model.OrderFilled {
			t.Errorf("expected filled order, got %s", o.Status)
		}
		if o.PositionID != pos.ID {
			t.Errorf("order not linked to position")
		}
	}
}

// TestOpenPositionLimitTimeoutFallback 限价单超时后撤单并市价补齐
func TestOpenPositionLimitTimeoutFallback(t *testing.T) {
	client := newMockTradeClient()
	client.limitStalls = true
	exec := NewExecutor(client, &mockPriceSource{spot: 50000, futures: 50050}, ExecutorParams{
		PreferLimitOrders: true,
		LimitOrderTimeout: 10 * time.Millisecond,
		DefaultLeverage:   1,
	})
	exec.pollInterval = time.Millisecond

	pos, orders, err := exec.OpenPosition(context.Background(), entrySignal())
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if len(client.cancelled) != 2 {
		t.Errorf("expected both limit orders cancelled, got %d", len(client.cancelled))
	}
	// 每腿一张撤销的限价单加一张成交的市价单
	if len(orders) != 4 {
		t.Fatalf("expected 4 orders, got %d", len(orders))
	}
	var cancelledCount, filledCount int
	for _, o := range orders {
		switch o.Status {
		case model.OrderCancelled:
			cancelledCount++
		case model.OrderFilled:
			filledCount++
		}
	}
	if cancelledCount != 2 || filledCount != 2 {
		t.Errorf("expected 2 cancelled + 2 filled, got %d/%d", cancelledCount, filledCount)
	}
	if math.Abs(pos.SpotQuantity-1000.0/50000) > 1e-9 {
		t.Errorf("fallback should fill full quantity, got %v", pos.SpotQuantity)
	}
}

// TestOpenPositionRollback 合约腿失败时反向市价回滚已成交的现货腿
func TestOpenPositionRollback(t *testing.T) {
	client := newMockTradeClient()
	client.failFutures = true
	exec := NewExecutor(client, &mockPriceSource{spot: 50000, futures: 50050}, ExecutorParams{
		PreferLimitOrders: false,
		LimitOrderTimeout: time.Second,
		DefaultLeverage:   1,
	})
	exec.pollInterval = time.Millisecond

	pos, orders, err := exec.OpenPosition(context.Background(), entrySignal())
	if err == nil {
		t.Fatal("expected error when futures leg fails")
	}
	if pos != nil {
		t.Error("no position should be produced on failure")
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Stage != "futures_leg" {
		t.Errorf("expected futures_leg execution error, got %v", err)
	}

	// 现货买入 + 回滚卖出 + 被拒的合约单
	var rollback bool
	for _, o := range orders {
		if !o.IsFutures && o.Side == model.OrderSell && o.Status == model.OrderFilled {
			rollback = true
		}
	}
	if !rollback {
		t.Error("expected a filled spot sell rollback order")
	}
}

func TestClosePosition(t *testing.T) {
	client := newMockTradeClient()
	client.spotFillPrice = 50100
	client.futuresFillPrice = 50100
	exec := NewExecutor(client, &mockPriceSource{spot: 50100, futures: 50100}, ExecutorParams{
		LimitOrderTimeout: time.Second,
		DefaultLeverage:   1,
	})
	exec.pollInterval = time.Millisecond

	pos := &model.Position{
		ID:                 "p1",
		Symbol:             "BTCUSDT",
		Side:               model.SideLongSpotShortPerp,
		Status:             model.PositionOpen,
		SpotQuantity:       0.02,
		SpotEntryPrice:     50000,
		FuturesQuantity:    0.02,
		FuturesEntryPrice:  50050,
		AccumulatedFunding: 3.0,
		TotalFees:          1.0,
	}

	orders, err := exec.ClosePosition(context.Background(), pos)
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if pos.Status != model.PositionClosed {
		t.Errorf("expected closed, got %s", pos.Status)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 close orders, got %d", len(orders))
	}
	// 合约侧必须 reduce-only 市价
	var reduceOnly bool
	for _, p := range client.placed {
		if p.isFutures && p.reduceOnly && p.isMarket {
			reduceOnly = true
		}
	}
	if !reduceOnly {
		t.Error("futures close leg must be reduce-only market order")
	}

	wantSpot := (50100.0 - 50000.0) * 0.02
	wantFut := (50050.0 - 50100.0) * 0.02
	if math.Abs(pos.SpotPnL-wantSpot) > 1e-9 {
		t.Errorf("expected spot pnl %v, got %v", wantSpot, pos.SpotPnL)
	}
	if math.Abs(pos.FuturesPnL-wantFut) > 1e-9 {
		t.Errorf("expected futures pnl %v, got %v", wantFut, pos.FuturesPnL)
	}
	wantRealized := wantSpot + wantFut + 3.0 - pos.TotalFees
	if math.Abs(pos.RealizedPnL-wantRealized) > 1e-9 {
		t.Errorf("expected realized %v, got %v", wantRealized, pos.RealizedPnL)
	}
}
