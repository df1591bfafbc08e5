package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
)

// SpotOrderClient Binance 现货下单客户端
type SpotOrderClient struct {
	*APIClient
}

// NewSpotOrderClient 创建现货下单客户端
func NewSpotOrderClient(client *APIClient) *SpotOrderClient {
	return &SpotOrderClient{APIClient: client}
}

// PlaceOrder 现货下单。price 为 0 或 isMarket 为 true 时按市价单
func (c *SpotOrderClient) PlaceOrder(
	ctx context.Context,
	symbol string,
	side string,
	quantity float64,
	price float64,
	isMarket bool,
) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("quantity", fmt.Sprintf("%.8g", quantity))

	if isMarket || price <= 0 {
		params.Set("type", "MARKET")
	} else {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", fmt.Sprintf("%.8g", price))
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return "", fmt.Errorf("place spot order failed: %w", err)
	}

	var resp spotOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse spot order response failed: %w", err)
	}
	if resp.OrderID == 0 {
		return "", fmt.Errorf("spot order failed: %s", string(body))
	}

	log.Info().
		Str("exchange", "BINANCE").
		Str("market", "spot").
		Str("symbol", symbol).
		Str("side", side).
		Float64("quantity", quantity).
		Float64("price", price).
		Int64("orderID", resp.OrderID).
		Str("status", resp.Status).
		Msg("order placed")

	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder 撤销现货订单
func (c *SpotOrderClient) CancelOrder(ctx context.Context, symbol string, orderId string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderId)

	if _, err := c.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params); err != nil {
		return fmt.Errorf("cancel spot order failed: %w", err)
	}

	log.Info().
		Str("exchange", "BINANCE").
		Str("market", "spot").
		Str("symbol", symbol).
		Str("orderId", orderId).
		Msg("order cancelled")
	return nil
}

// GetOrderStatus 查询现货订单状态
func (c *SpotOrderClient) GetOrderStatus(
	ctx context.Context,
	symbol string,
	orderId string,
) (*BinanceOrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderId)

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return nil, fmt.Errorf("get spot order status failed: %w", err)
	}

	var resp spotOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse spot order status failed: %w", err)
	}

	origQty, _ := strconv.ParseFloat(resp.OrigQty, 64)
	executedQty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(resp.Price, 64)
	cumQuote, _ := strconv.ParseFloat(resp.CumulativeQuoteQty, 64)

	// 现货没有 avgPrice 字段，用成交额/成交量折算
	avgPrice := price
	if executedQty > 0 && cumQuote > 0 {
		avgPrice = cumQuote / executedQty
	}

	return &BinanceOrderStatus{
		OrderID:          orderId,
		Symbol:           symbol,
		Side:             resp.Side,
		Quantity:         origQty,
		ExecutedQuantity: executedQty,
		Price:            price,
		AvgExecutedPrice: avgPrice,
		Status:           resp.Status,
		CreatedAt:        resp.Time,
		UpdatedAt:        resp.UpdateTime,
	}, nil
}

type spotOrderResponse struct {
	OrderID            int64  `json:"orderId"`
	Symbol             string `json:"symbol"`
	Status             string `json:"status"`
	ClientOrderID      string `json:"clientOrderId"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Time               int64  `json:"time"`
	UpdateTime         int64  `json:"updateTime"`
}
