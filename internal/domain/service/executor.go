package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
)

// TradeClient 下单端口（现货 + 合约），由真实交易所或纸面账本实现
type TradeClient interface {
	// PlaceOrder 下单。price 为 0 或 isMarket 为 true 时按市价单处理。
	// 返回交易所订单 ID。
	PlaceOrder(ctx context.Context, symbol, side string, quantity, price float64, isMarket, isFutures, reduceOnly bool) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string, isFutures bool) error
	OrderStatus(ctx context.Context, symbol, orderID string, isFutures bool) (*OrderState, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// OrderState 订单执行状态
type OrderState struct {
	OrderID          string
	Status           string // NEW / FILLED / PARTIALLY_FILLED / CANCELED / REJECTED
	ExecutedQuantity float64
	AvgPrice         float64
	Fee              float64
}

// PriceSource 执行时的价格来源
type PriceSource interface {
	Spread(ctx context.Context, symbol string) (*model.SpotFuturesSpread, error)
}

// ExecutorParams 执行参数
type ExecutorParams struct {
	PreferLimitOrders bool
	LimitOrderTimeout time.Duration
	DefaultLeverage   int
}

// ExecutionError 开平仓失败的类型化错误，携带失败阶段与标的
type ExecutionError struct {
	Stage  string
	Symbol string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s %s: %v", e.Stage, e.Symbol, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

const fillPollInterval = time.Second

// Executor 双腿订单执行器。
// 开仓：两腿并发下单，限价单超时撤单后市价补齐剩余数量；任一腿最终失败
// 则市价回滚已成交的另一腿。平仓：两腿一律市价（合约 reduce-only），保证
// 解除对冲一定完成。
type Executor struct {
	client TradeClient
	prices PriceSource
	params ExecutorParams

	pollInterval time.Duration
}

// NewExecutor 创建执行器
func NewExecutor(client TradeClient, prices PriceSource, params ExecutorParams) *Executor {
	if params.LimitOrderTimeout <= 0 {
		params.LimitOrderTimeout = 30 * time.Second
	}
	if params.DefaultLeverage <= 0 {
		params.DefaultLeverage = 1
	}
	return &Executor{
		client:       client,
		prices:       prices,
		params:       params,
		pollInterval: fillPollInterval,
	}
}

// legResult 单腿执行结果
type legResult struct {
	filledQty float64
	avgPrice  float64
	fee       float64
	orders    []*model.Order
	err       error
}

// OpenPosition 按入场信号开仓。失败时返回 *ExecutionError，仓位不产生。
func (e *Executor) OpenPosition(ctx context.Context, sig *EntrySignal) (*model.Position, []*model.Order, error) {
	side := model.SideLongSpotShortPerp
	if sig.Action == ActionEnterShortSpotLong {
		side = model.SideShortSpotLongPerp
	}

	if err := e.client.SetLeverage(ctx, sig.Symbol, e.params.DefaultLeverage); err != nil {
		return nil, nil, &ExecutionError{Stage: "set_leverage", Symbol: sig.Symbol, Err: err}
	}

	spread, err := e.prices.Spread(ctx, sig.Symbol)
	if err != nil {
		return nil, nil, &ExecutionError{Stage: "price", Symbol: sig.Symbol, Err: err}
	}
	if spread.SpotPrice <= 0 || spread.FuturesPrice <= 0 {
		return nil, nil, &ExecutionError{Stage: "price", Symbol: sig.Symbol, Err: fmt.Errorf("non-positive prices spot=%.8f futures=%.8f", spread.SpotPrice, spread.FuturesPrice)}
	}

	positionID := uuid.NewString()
	spotQty := sig.SizeUSDT / spread.SpotPrice
	futQty := sig.SizeUSDT / spread.FuturesPrice

	spotSide, futSide := model.OrderBuy, model.OrderSell
	if side == model.SideShortSpotLongPerp {
		spotSide, futSide = model.OrderSell, model.OrderBuy
	}

	// 两腿并发，缩短非对冲敞口的时间窗口
	spotCh := make(chan *legResult, 1)
	futCh := make(chan *legResult, 1)
	go func() {
		spotCh <- e.executeLeg(ctx, positionID, sig.Symbol, spotSide, spotQty, spread.SpotPrice, false)
	}()
	go func() {
		futCh <- e.executeLeg(ctx, positionID, sig.Symbol, futSide, futQty, spread.FuturesPrice, true)
	}()
	spotRes, futRes := <-spotCh, <-futCh

	orders := append(spotRes.orders, futRes.orders...)

	if spotRes.err != nil || futRes.err != nil {
		// 只成交了一条腿：市价反向回滚
		if spotRes.err == nil && spotRes.filledQty > 0 {
			e.rollbackLeg(ctx, positionID, sig.Symbol, spotSide, spotRes.filledQty, false, &orders)
		}
		if futRes.err == nil && futRes.filledQty > 0 {
			e.rollbackLeg(ctx, positionID, sig.Symbol, futSide, futRes.filledQty, true, &orders)
		}
		failed := spotRes.err
		stage := "spot_leg"
		if failed == nil {
			failed = futRes.err
			stage = "futures_leg"
		}
		return nil, orders, &ExecutionError{Stage: stage, Symbol: sig.Symbol, Err: failed}
	}

	now := time.Now().UTC()
	pos := &model.Position{
		ID:                positionID,
		Symbol:            sig.Symbol,
		Side:              side,
		Status:            model.PositionOpen,
		SpotQuantity:      spotRes.filledQty,
		SpotEntryPrice:    spotRes.avgPrice,
		FuturesQuantity:   futRes.filledQty,
		FuturesEntryPrice: futRes.avgPrice,
		Leverage:          float64(e.params.DefaultLeverage),
		EntryFundingRate:  sig.FundingRate,
		TotalFees:         spotRes.fee + futRes.fee,
		CreatedAt:         now,
		OpenedAt:          now,
	}
	log.Info().
		Str("position", pos.ID).
		Str("symbol", pos.Symbol).
		Str("side", pos.Side).
		Float64("spot_qty", pos.SpotQuantity).
		Float64("futures_qty", pos.FuturesQuantity).
		Float64("fees", pos.TotalFees).
		Msg("position opened")
	return pos, orders, nil
}

// ClosePosition 平仓。两腿一律市价单，合约侧 reduce-only。
// 成功后填充退出价格与已实现盈亏并把状态置为 closed。
func (e *Executor) ClosePosition(ctx context.Context, pos *model.Position) ([]*model.Order, error) {
	pos.Status = model.PositionClosing

	spotSide, futSide := model.OrderSell, model.OrderBuy
	if pos.Side == model.SideShortSpotLongPerp {
		spotSide, futSide = model.OrderBuy, model.OrderSell
	}

	var orders []*model.Order

	spotRes := e.marketLeg(ctx, pos.ID, pos.Symbol, spotSide, pos.SpotQuantity, false, false)
	orders = append(orders, spotRes.orders...)
	if spotRes.err != nil {
		pos.Status = model.PositionError
		return orders, &ExecutionError{Stage: "close_spot", Symbol: pos.Symbol, Err: spotRes.err}
	}

	futRes := e.marketLeg(ctx, pos.ID, pos.Symbol, futSide, pos.FuturesQuantity, true, true)
	orders = append(orders, futRes.orders...)
	if futRes.err != nil {
		pos.Status = model.PositionError
		return orders, &ExecutionError{Stage: "close_futures", Symbol: pos.Symbol, Err: futRes.err}
	}

	pos.SpotExitPrice = spotRes.avgPrice
	pos.FuturesExitPrice = futRes.avgPrice
	pos.TotalFees += spotRes.fee + futRes.fee

	if pos.Side == model.SideLongSpotShortPerp {
		pos.SpotPnL = (pos.SpotExitPrice - pos.SpotEntryPrice) * pos.SpotQuantity
		pos.FuturesPnL = (pos.FuturesEntryPrice - pos.FuturesExitPrice) * pos.FuturesQuantity
	} else {
		pos.SpotPnL = (pos.SpotEntryPrice - pos.SpotExitPrice) * pos.SpotQuantity
		pos.FuturesPnL = (pos.FuturesExitPrice - pos.FuturesEntryPrice) * pos.FuturesQuantity
	}
	pos.RealizedPnL = pos.SpotPnL + pos.FuturesPnL + pos.AccumulatedFunding - pos.TotalFees
	pos.Status = model.PositionClosed
	pos.ClosedAt = time.Now().UTC()

	log.Info().
		Str("position", pos.ID).
		Str("symbol", pos.Symbol).
		Float64("spot_pnl", pos.SpotPnL).
		Float64("futures_pnl", pos.FuturesPnL).
		Float64("funding", pos.AccumulatedFunding).
		Float64("fees", pos.TotalFees).
		Float64("realized_pnl", pos.RealizedPnL).
		Msg("position closed")
	return orders, nil
}

// executeLeg 执行一条开仓腿：限价优先，超时撤单后市价补足剩余数量
func (e *Executor) executeLeg(ctx context.Context, positionID, symbol, side string, quantity, price float64, isFutures bool) *legResult {
	res := &legResult{}

	if !e.params.PreferLimitOrders {
		mres := e.marketLeg(ctx, positionID, symbol, side, quantity, isFutures, false)
		return mres
	}

	order := e.newOrder(positionID, symbol, side, model.OrderLimit, quantity, price, isFutures)
	orderID, err := e.client.PlaceOrder(ctx, symbol, side, quantity, price, false, isFutures, false)
	if err != nil {
		order.Status = model.OrderRejected
		res.orders = append(res.orders, order)
		res.err = err
		return res
	}
	order.ExchangeOrderID = orderID

	state, err := e.waitForFill(ctx, symbol, orderID, isFutures, e.params.LimitOrderTimeout)
	if err != nil {
		res.orders = append(res.orders, order)
		res.err = err
		return res
	}

	res.filledQty = state.ExecutedQuantity
	res.avgPrice = state.AvgPrice
	res.fee = state.Fee
	fillOrder(order, state)

	if state.Status == "FILLED" {
		res.orders = append(res.orders, order)
		return res
	}

	// 超时未完全成交：撤单并市价补齐剩余
	if err := e.client.CancelOrder(ctx, symbol, orderID, isFutures); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("order", orderID).Msg("cancel after timeout failed")
	}
	order.Status = model.OrderCancelled
	if state.ExecutedQuantity > 0 {
		order.Status = model.OrderPartiallyFilled
	}
	res.orders = append(res.orders, order)

	remaining := quantity - state.ExecutedQuantity
	if remaining <= 0 {
		return res
	}
	log.Info().
		Str("symbol", symbol).
		Float64("remaining", remaining).
		Msg("limit order timed out, falling back to market")

	mres := e.marketLeg(ctx, positionID, symbol, side, remaining, isFutures, false)
	res.orders = append(res.orders, mres.orders...)
	if mres.err != nil {
		res.err = mres.err
		return res
	}
	total := res.filledQty + mres.filledQty
	if total > 0 {
		res.avgPrice = (res.avgPrice*res.filledQty + mres.avgPrice*mres.filledQty) / total
	}
	res.filledQty = total
	res.fee += mres.fee
	return res
}

// marketLeg 市价执行一条腿并等待成交
func (e *Executor) marketLeg(ctx context.Context, positionID, symbol, side string, quantity float64, isFutures, reduceOnly bool) *legResult {
	res := &legResult{}
	order := e.newOrder(positionID, symbol, side, model.OrderMarket, quantity, 0, isFutures)

	orderID, err := e.client.PlaceOrder(ctx, symbol, side, quantity, 0, true, isFutures, reduceOnly)
	if err != nil {
		order.Status = model.OrderRejected
		res.orders = append(res.orders, order)
		res.err = err
		return res
	}
	order.ExchangeOrderID = orderID

	state, err := e.waitForFill(ctx, symbol, orderID, isFutures, e.params.LimitOrderTimeout)
	if err != nil {
		res.orders = append(res.orders, order)
		res.err = err
		return res
	}
	if state.Status != "FILLED" {
		res.orders = append(res.orders, order)
		res.err = fmt.Errorf("market order %s not filled (status %s)", orderID, state.Status)
		return res
	}

	fillOrder(order, state)
	res.orders = append(res.orders, order)
	res.filledQty = state.ExecutedQuantity
	res.avgPrice = state.AvgPrice
	res.fee = state.Fee
	return res
}

// rollbackLeg 用反向市价单撤销已成交的一条腿
func (e *Executor) rollbackLeg(ctx context.Context, positionID, symbol, side string, quantity float64, isFutures bool, orders *[]*model.Order) {
	opposite := model.OrderSell
	if side == model.OrderSell {
		opposite = model.OrderBuy
	}
	log.Warn().
		Str("symbol", symbol).
		Str("side", opposite).
		Float64("quantity", quantity).
		Bool("futures", isFutures).
		Msg("rolling back filled leg")

	res := e.marketLeg(ctx, positionID, symbol, opposite, quantity, isFutures, isFutures)
	*orders = append(*orders, res.orders...)
	if res.err != nil {
		// 回滚失败只能留给人工处理，完整记录现场
		log.Error().Err(res.err).
			Str("symbol", symbol).
			Float64("quantity", quantity).
			Bool("futures", isFutures).
			Msg("rollback order failed, manual intervention required")
	}
}

// waitForFill 轮询订单状态直至完全成交或超时，返回最后一次状态
func (e *Executor) waitForFill(ctx context.Context, symbol, orderID string, isFutures bool, timeout time.Duration) (*OrderState, error) {
	deadline := time.Now().Add(timeout)
	for {
		state, err := e.client.OrderStatus(ctx, symbol, orderID, isFutures)
		if err != nil {
			return nil, err
		}
		if state.Status == "FILLED" || state.Status == "CANCELED" || state.Status == "REJECTED" {
			return state, nil
		}
		if time.Now().After(deadline) {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *Executor) newOrder(positionID, symbol, side, typ string, quantity, price float64, isFutures bool) *model.Order {
	return &model.Order{
		ID:         uuid.NewString(),
		PositionID: positionID,
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		IsFutures:  isFutures,
		Status:     model.OrderPending,
		Quantity:   quantity,
		Price:      price,
		CreatedAt:  time.Now().UTC(),
	}
}

func fillOrder(order *model.Order, state *OrderState) {
	order.FilledQuantity = state.ExecutedQuantity
	order.FilledPrice = state.AvgPrice
	order.Fee = state.Fee
	switch state.Status {
	case "FILLED":
		order.Status = model.OrderFilled
	case "PARTIALLY_FILLED":
		order.Status = model.OrderPartiallyFilled
	case "CANCELED":
		order.Status = model.OrderCancelled
	case "REJECTED":
		order.Status = model.OrderRejected
	}
}
