package binance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/domain/service"
)

// taker fee estimates used when the order endpoints do not return commission
const (
	spotTakerFee    = 0.001
	futuresTakerFee = 0.0004
)

// open interest is only checked for the strongest candidates to stay inside
// REST rate limits
const maxOpenInterestChecks = 20

// GatewayParams liquidity filter thresholds.
type GatewayParams struct {
	MinVolume24h    float64
	MinOpenInterest float64
	Excluded        []string
}

// Gateway adapts the Binance REST clients to the application ports and the
// executor's trade client interface.
type Gateway struct {
	spot     *SpotManager
	futures  *FuturesManager
	params   GatewayParams
	excluded map[string]struct{}
}

// NewGateway wires spot and futures managers behind one gateway.
func NewGateway(spot *SpotManager, futures *FuturesManager, params GatewayParams) *Gateway {
	excluded := make(map[string]struct{}, len(params.Excluded))
	for _, s := range params.Excluded {
		excluded[strings.ToUpper(s)] = struct{}{}
	}
	return &Gateway{
		spot:     spot,
		futures:  futures,
		params:   params,
		excluded: excluded,
	}
}

// FundingRates returns filtered candidates: USDT perps passing the exclusion
// list and the volume filter, with open interest verified for the top
// candidates by absolute funding rate.
func (g *Gateway) FundingRates(ctx context.Context) ([]*model.FundingRateData, error) {
	indexes, err := g.futures.Market.GetPremiumIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("funding rates: %w", err)
	}
	volumes, err := g.futures.Market.GetVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("funding rates: %w", err)
	}

	candidates := make([]*model.FundingRateData, 0, len(indexes))
	for _, idx := range indexes {
		if !strings.HasSuffix(idx.Symbol, "USDT") {
			continue
		}
		if _, ok := g.excluded[idx.Symbol]; ok {
			continue
		}
		vol := volumes[idx.Symbol]
		if vol < g.params.MinVolume24h {
			continue
		}
		candidates = append(candidates, &model.FundingRateData{
			Symbol:          idx.Symbol,
			FundingRate:     idx.FundingRate,
			MarkPrice:       idx.MarkPrice,
			IndexPrice:      idx.IndexPrice,
			NextFundingTime: idx.NextFundingTime,
			Volume24h:       vol,
			Timestamp:       time.Now().UnixMilli(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return math.Abs(candidates[i].FundingRate) > math.Abs(candidates[j].FundingRate)
	})
	if len(candidates) > maxOpenInterestChecks {
		candidates = candidates[:maxOpenInterestChecks]
	}

	out := make([]*model.FundingRateData, 0, len(candidates))
	for _, c := range candidates {
		oi, err := g.futures.Market.GetOpenInterest(ctx, c.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", c.Symbol).Msg("open interest lookup failed, skipping symbol")
			continue
		}
		c.OpenInterest = oi * c.MarkPrice
		if c.OpenInterest < g.params.MinOpenInterest {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// FundingRate returns a single unfiltered funding snapshot.
func (g *Gateway) FundingRate(ctx context.Context, symbol string) (*model.FundingRateData, error) {
	idx, err := g.futures.Market.GetPremiumIndex(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &model.FundingRateData{
		Symbol:          idx.Symbol,
		FundingRate:     idx.FundingRate,
		MarkPrice:       idx.MarkPrice,
		IndexPrice:      idx.IndexPrice,
		NextFundingTime: idx.NextFundingTime,
		Timestamp:       time.Now().UnixMilli(),
	}, nil
}

// Spread returns the current spot/futures mid-price spread.
func (g *Gateway) Spread(ctx context.Context, symbol string) (*model.SpotFuturesSpread, error) {
	spotPrice, err := g.spot.Market.GetBookTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("spread %s: %w", symbol, err)
	}
	futuresPrice, err := g.futures.Market.GetBookTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("spread %s: %w", symbol, err)
	}
	return model.NewSpotFuturesSpread(symbol, spotPrice, futuresPrice, time.Now().UnixMilli()), nil
}

// Balance aggregates spot and futures wallets in USDT terms.
func (g *Gateway) Balance(ctx context.Context) (*model.AccountBalance, error) {
	spotUSDT, err := g.spot.Account.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot balance: %w", err)
	}
	futuresUSDT, err := g.futures.Account.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures balance: %w", err)
	}
	return &model.AccountBalance{
		SpotUSDT:    spotUSDT,
		FuturesUSDT: futuresUSDT,
		TotalEquity: spotUSDT + futuresUSDT,
	}, nil
}

func (g *Gateway) MarginRatio(ctx context.Context) (float64, error) {
	return g.futures.Account.GetMarginRatio(ctx)
}

func (g *Gateway) FuturesPositions(ctx context.Context) ([]*model.FuturesPosition, error) {
	risks, err := g.futures.Account.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.FuturesPosition, 0, len(risks))
	for _, r := range risks {
		out = append(out, &model.FuturesPosition{
			Symbol:           r.Symbol,
			PositionAmt:      r.PositionAmt,
			EntryPrice:       r.EntryPrice,
			MarkPrice:        r.MarkPrice,
			LiquidationPrice: r.LiquidationPrice,
			UnrealizedPnL:    r.UnrealizedProfit,
			Leverage:         r.Leverage,
		})
	}
	return out, nil
}

// PlaceOrder routes a leg to the spot or futures order client.
func (g *Gateway) PlaceOrder(ctx context.Context, symbol, side string, quantity, price float64, isMarket, isFutures, reduceOnly bool) (string, error) {
	if isFutures {
		return g.futures.Order.PlaceOrder(ctx, symbol, side, quantity, price, isMarket, reduceOnly)
	}
	return g.spot.Order.PlaceOrder(ctx, symbol, side, quantity, price, isMarket)
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string, isFutures bool) error {
	if isFutures {
		return g.futures.Order.CancelOrder(ctx, symbol, orderID)
	}
	return g.spot.Order.CancelOrder(ctx, symbol, orderID)
}

// OrderStatus maps the exchange order view onto the executor's state.
// Commission is not part of the order endpoints, so fees are estimated at
// taker rates on the executed value.
func (g *Gateway) OrderStatus(ctx context.Context, symbol, orderID string, isFutures bool) (*service.OrderState, error) {
	var (
		st  *BinanceOrderStatus
		err error
	)
	if isFutures {
		st, err = g.futures.Order.GetOrderStatus(ctx, symbol, orderID)
	} else {
		st, err = g.spot.Order.GetOrderStatus(ctx, symbol, orderID)
	}
	if err != nil {
		return nil, err
	}

	feeRate := spotTakerFee
	if isFutures {
		feeRate = futuresTakerFee
	}
	return &service.OrderState{
		OrderID:          st.OrderID,
		Status:           st.Status,
		ExecutedQuantity: st.ExecutedQuantity,
		AvgPrice:         st.AvgExecutedPrice,
		Fee:              st.ExecutedQuantity * st.AvgExecutedPrice * feeRate,
	}, nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.futures.Order.SetLeverage(ctx, symbol, leverage)
}

var (
	_ port.MarketData     = (*Gateway)(nil)
	_ port.Account        = (*Gateway)(nil)
	_ service.TradeClient = (*Gateway)(nil)
	_ service.PriceSource = (*Gateway)(nil)
)
