package paper

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/domain/service"
)

// Fee schedule for the simulated ledger.
const (
	spotFeeRate    = 0.001  // 0.1% taker
	futuresFeeRate = 0.0004 // 0.04% taker
)

// maintenance margin approximation used for the simulated margin ratio
const maintMarginRate = 0.004

// Exchange is an in-memory trading ledger implementing service.TradeClient
// and port.Account. Orders fill immediately at the requested price; market
// orders are priced from the live spread source. The starting balance is
// split evenly between the spot and futures wallets, mirroring a real
// two-wallet account.
type Exchange struct {
	mu sync.Mutex

	prices service.PriceSource

	initialBalance float64
	spotBalance    float64
	futuresBalance float64

	spotHoldings map[string]*holding // symbol -> spot inventory
	futures      map[string]*holding // symbol -> signed futures position
	leverage     map[string]int
	orders       map[string]*service.OrderState
}

type holding struct {
	qty    float64 // signed: positive long, negative short
	entry  float64 // average entry price
	margin float64 // reserved margin (futures only)
}

// Summary is the paper account roll-up exposed on shutdown and via the API.
type Summary struct {
	InitialBalance float64 `json:"initial_balance"`
	SpotBalance    float64 `json:"spot_balance"`
	FuturesBalance float64 `json:"futures_balance"`
	Equity         float64 `json:"equity"`
	PnL            float64 `json:"pnl"`
	PnLPct         float64 `json:"pnl_pct"`
}

// New creates a paper exchange with the given starting balance.
func New(initialBalance float64, prices service.PriceSource) *Exchange {
	return &Exchange{
		prices:         prices,
		initialBalance: initialBalance,
		spotBalance:    initialBalance / 2,
		futuresBalance: initialBalance / 2,
		spotHoldings:   make(map[string]*holding),
		futures:        make(map[string]*holding),
		leverage:       make(map[string]int),
		orders:         make(map[string]*service.OrderState),
	}
}

// PlaceOrder fills immediately against the ledger. Limit orders fill at the
// limit price, market orders at the current spread price for the leg.
func (e *Exchange) PlaceOrder(ctx context.Context, symbol, side string, quantity, price float64, isMarket, isFutures, reduceOnly bool) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("paper order quantity must be positive, got %.8f", quantity)
	}
	if isMarket || price <= 0 {
		sp, err := e.prices.Spread(ctx, symbol)
		if err != nil {
			return "", fmt.Errorf("paper market price lookup: %w", err)
		}
		if isFutures {
			price = sp.FuturesPrice
		} else {
			price = sp.SpotPrice
		}
	}
	if price <= 0 {
		return "", fmt.Errorf("paper order has no price for %s", symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var fee float64
	var err error
	if isFutures {
		fee, err = e.fillFutures(symbol, side, quantity, price, reduceOnly)
	} else {
		fee, err = e.fillSpot(symbol, side, quantity, price)
	}
	if err != nil {
		return "", err
	}

	orderID := uuid.NewString()
	e.orders[orderID] = &service.OrderState{
		OrderID:          orderID,
		Status:           "FILLED",
		ExecutedQuantity: quantity,
		AvgPrice:         price,
		Fee:              fee,
	}
	log.Debug().
		Str("symbol", symbol).
		Str("side", side).
		Bool("futures", isFutures).
		Float64("qty", quantity).
		Float64("price", price).
		Float64("fee", fee).
		Msg("paper order filled")
	return orderID, nil
}

// CancelOrder is a no-op: paper orders never rest on a book.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string, isFutures bool) error {
	return nil
}

func (e *Exchange) OrderStatus(ctx context.Context, symbol, orderID string, isFutures bool) (*service.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper order %s not found", orderID)
	}
	cp := *st
	return &cp, nil
}

func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if leverage <= 0 {
		leverage = 1
	}
	e.leverage[symbol] = leverage
	return nil
}

// Balance implements port.Account. Inventory is valued at entry price; the
// paper ledger does not mark to market between fills.
func (e *Exchange) Balance(ctx context.Context) (*model.AccountBalance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	spot := e.spotBalance
	for _, h := range e.spotHoldings {
		spot += h.qty * h.entry
	}
	fut := e.futuresBalance
	for _, h := range e.futures {
		fut += h.margin
	}
	return &model.AccountBalance{
		SpotUSDT:    spot,
		FuturesUSDT: fut,
		TotalEquity: spot + fut,
	}, nil
}

func (e *Exchange) MarginRatio(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var notional, marginBalance float64
	marginBalance = e.futuresBalance
	for _, h := range e.futures {
		notional += math.Abs(h.qty) * h.entry
		marginBalance += h.margin
	}
	if marginBalance <= 0 || notional == 0 {
		return 0, nil
	}
	return notional * maintMarginRate / marginBalance, nil
}

func (e *Exchange) FuturesPositions(ctx context.Context) ([]*model.FuturesPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*model.FuturesPosition, 0, len(e.futures))
	for symbol, h := range e.futures {
		if h.qty == 0 {
			continue
		}
		lev := float64(e.leverage[symbol])
		if lev <= 0 {
			lev = 1
		}
		out = append(out, &model.FuturesPosition{
			Symbol:      symbol,
			PositionAmt: h.qty,
			EntryPrice:  h.entry,
			MarkPrice:   h.entry,
			Leverage:    lev,
		})
	}
	return out, nil
}

// ApplyFunding settles a funding payment against the futures wallet.
// Positive amounts are received, negative amounts are paid.
func (e *Exchange) ApplyFunding(symbol string, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.futuresBalance += amount
	log.Debug().Str("symbol", symbol).Float64("amount", amount).Msg("paper funding settled")
}

// Summary reports balances against the starting capital.
func (e *Exchange) Summary() *Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	spot := e.spotBalance
	for _, h := range e.spotHoldings {
		spot += h.qty * h.entry
	}
	fut := e.futuresBalance
	for _, h := range e.futures {
		fut += h.margin
	}
	equity := spot + fut
	s := &Summary{
		InitialBalance: e.initialBalance,
		SpotBalance:    spot,
		FuturesBalance: fut,
		Equity:         equity,
		PnL:            equity - e.initialBalance,
	}
	if e.initialBalance > 0 {
		s.PnLPct = s.PnL / e.initialBalance * 100
	}
	return s
}

func (e *Exchange) fillSpot(symbol, side string, qty, price float64) (float64, error) {
	value := qty * price
	fee := value * spotFeeRate

	h := e.spotHoldings[symbol]
	if h == nil {
		h = &holding{}
		e.spotHoldings[symbol] = h
	}

	if side == model.OrderBuy {
		if e.spotBalance < value+fee {
			return 0, fmt.Errorf("%w: spot wallet %.2f < %.2f", port.ErrInsufficientFunds, e.spotBalance, value+fee)
		}
		e.spotBalance -= value + fee
		h.entry = avgEntry(h.qty, h.entry, qty, price)
		h.qty += qty
	} else {
		// selling credits proceeds; a resulting negative qty is a paper short
		e.spotBalance += value - fee
		h.entry = avgEntry(-h.qty, h.entry, qty, price)
		h.qty -= qty
	}
	if h.qty == 0 {
		delete(e.spotHoldings, symbol)
	}
	return fee, nil
}

func (e *Exchange) fillFutures(symbol, side string, qty, price float64, reduceOnly bool) (float64, error) {
	value := qty * price
	fee := value * futuresFeeRate

	h := e.futures[symbol]
	if h == nil {
		h = &holding{}
		e.futures[symbol] = h
	}

	signed := qty
	if side == model.OrderSell {
		signed = -qty
	}

	reducing := reduceOnly || (h.qty > 0 && signed < 0) || (h.qty < 0 && signed > 0)
	if !reducing {
		lev := float64(e.leverage[symbol])
		if lev <= 0 {
			lev = 1
		}
		margin := value / lev
		if e.futuresBalance < margin+fee {
			return 0, fmt.Errorf("%w: futures wallet %.2f < %.2f", port.ErrInsufficientFunds, e.futuresBalance, margin+fee)
		}
		e.futuresBalance -= margin + fee
		h.entry = avgEntry(math.Abs(h.qty), h.entry, qty, price)
		h.qty += signed
		h.margin += margin
		return fee, nil
	}

	// reducing: realize pnl on the closed quantity, release margin pro rata
	closeQty := math.Min(qty, math.Abs(h.qty))
	if closeQty <= 0 {
		return 0, fmt.Errorf("no paper futures position to reduce for %s", symbol)
	}
	direction := 1.0
	if h.qty < 0 {
		direction = -1.0
	}
	pnl := (price - h.entry) * closeQty * direction
	released := 0.0
	if math.Abs(h.qty) > 0 {
		released = h.margin * closeQty / math.Abs(h.qty)
	}
	e.futuresBalance += released + pnl - fee
	h.margin -= released
	h.qty -= direction * closeQty
	if h.qty == 0 {
		delete(e.futures, symbol)
	}
	return fee, nil
}

func avgEntry(oldQty, oldEntry, addQty, addPrice float64) float64 {
	total := oldQty + addQty
	if total <= 0 {
		return addPrice
	}
	if oldQty <= 0 {
		return addPrice
	}
	return (oldQty*oldEntry + addQty*addPrice) / total
}

var (
	_ service.TradeClient = (*Exchange)(nil)
	_ port.Account        = (*Exchange)(nil)
)
