package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// FuturesMarketClient Binance futures public market data client
type FuturesMarketClient struct {
	*APIClient
}

// NewFuturesMarketClient creates futures market data client
func NewFuturesMarketClient(client *APIClient) *FuturesMarketClient {
	return &FuturesMarketClient{APIClient: client}
}

// PremiumIndex 单个合约的资金费率/标记价/指数价
type PremiumIndex struct {
	Symbol          string
	FundingRate     float64
	MarkPrice       float64
	IndexPrice      float64
	NextFundingTime time.Time
}

// GetPremiumIndexes 获取全部合约的资金费率与标记/指数价
func (c *FuturesMarketClient) GetPremiumIndexes(ctx context.Context) ([]*PremiumIndex, error) {
	body, err := c.publicRequest(ctx, "/fapi/v1/premiumIndex", nil)
	if err != nil {
		return nil, fmt.Errorf("get premium index failed: %w", err)
	}

	var raw []premiumIndexResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse premium index failed: %w", err)
	}

	out := make([]*PremiumIndex, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toPremiumIndex())
	}
	return out, nil
}

// GetPremiumIndex 获取单个合约的资金费率与标记/指数价
func (c *FuturesMarketClient) GetPremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.publicRequest(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return nil, fmt.Errorf("get premium index %s failed: %w", symbol, err)
	}

	var r premiumIndexResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("parse premium index %s failed: %w", symbol, err)
	}
	return r.toPremiumIndex(), nil
}

// GetVolumes 获取全部合约的 24 小时成交额 (USDT)
func (c *FuturesMarketClient) GetVolumes(ctx context.Context) (map[string]float64, error) {
	body, err := c.publicRequest(ctx, "/fapi/v1/ticker/24hr", nil)
	if err != nil {
		return nil, fmt.Errorf("get 24h tickers failed: %w", err)
	}

	var raw []struct {
		Symbol      string `json:"symbol"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse 24h tickers failed: %w", err)
	}

	volumes := make(map[string]float64, len(raw))
	for _, t := range raw {
		v, _ := strconv.ParseFloat(t.QuoteVolume, 64)
		volumes[t.Symbol] = v
	}
	return volumes, nil
}

// GetOpenInterest 获取单个合约的持仓量（币本位数量），调用方按标记价换算为 USDT
func (c *FuturesMarketClient) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.publicRequest(ctx, "/fapi/v1/openInterest", params)
	if err != nil {
		return 0, fmt.Errorf("get open interest %s failed: %w", symbol, err)
	}

	var raw struct {
		OpenInterest string `json:"openInterest"`
		Symbol       string `json:"symbol"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("parse open interest %s failed: %w", symbol, err)
	}
	oi, _ := strconv.ParseFloat(raw.OpenInterest, 64)
	return oi, nil
}

// GetBookTicker 获取合约最优买卖价的中间价
func (c *FuturesMarketClient) GetBookTicker(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.publicRequest(ctx, "/fapi/v1/ticker/bookTicker", params)
	if err != nil {
		return 0, fmt.Errorf("get futures book ticker %s failed: %w", symbol, err)
	}
	return parseBookTickerMid(body)
}

type premiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (r *premiumIndexResponse) toPremiumIndex() *PremiumIndex {
	mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
	index, _ := strconv.ParseFloat(r.IndexPrice, 64)
	rate, _ := strconv.ParseFloat(r.LastFundingRate, 64)
	return &PremiumIndex{
		Symbol:          r.Symbol,
		FundingRate:     rate,
		MarkPrice:       mark,
		IndexPrice:      index,
		NextFundingTime: time.UnixMilli(r.NextFundingTime).UTC(),
	}
}

func parseBookTickerMid(body []byte) (float64, error) {
	var raw struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("parse book ticker failed: %w", err)
	}
	bid, _ := strconv.ParseFloat(raw.BidPrice, 64)
	ask, _ := strconv.ParseFloat(raw.AskPrice, 64)
	if bid <= 0 || ask <= 0 {
		return 0, fmt.Errorf("book ticker has no liquidity (bid=%.8f ask=%.8f)", bid, ask)
	}
	return (bid + ask) / 2, nil
}
