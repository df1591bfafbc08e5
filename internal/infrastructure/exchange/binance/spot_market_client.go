package binance

import (
	"context"
	"fmt"
	"net/url"
)

// SpotMarketClient Binance 现货公共行情客户端
type SpotMarketClient struct {
	*APIClient
}

// NewSpotMarketClient 创建现货行情客户端
func NewSpotMarketClient(client *APIClient) *SpotMarketClient {
	return &SpotMarketClient{APIClient: client}
}

// GetBookTicker 获取现货最优买卖价的中间价
func (c *SpotMarketClient) GetBookTicker(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.publicRequest(ctx, "/api/v3/ticker/bookTicker", params)
	if err != nil {
		return 0, fmt.Errorf("get spot book ticker %s failed: %w", symbol, err)
	}
	return parseBookTickerMid(body)
}
