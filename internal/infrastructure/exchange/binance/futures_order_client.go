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

// FuturesOrderClient Binance USD-M futures order REST client
type FuturesOrderClient struct {
	*APIClient
}

// NewFuturesOrderClient creates futures order client
func NewFuturesOrderClient(client *APIClient) *FuturesOrderClient {
	return &FuturesOrderClient{APIClient: client}
}

// PlaceOrder 下单
// side: "BUY" 或 "SELL"
// price: 价格（市价单为 0）
// reduceOnly: 只减仓（平仓/回滚单使用）
func (c *FuturesOrderClient) PlaceOrder(
	ctx context.Context,
	symbol string,
	side string,
	quantity float64,
	price float64,
	isMarket bool,
	reduceOnly bool,
) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("quantity", fmt.Sprintf("%.8g", quantity))
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	if isMarket {
		params.Set("type", "MARKET")
	} else {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC") // Good Till Cancel
		params.Set("price", fmt.Sprintf("%.8g", price))
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return "", fmt.Errorf("place futures order failed: %w", err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse order response failed: %w", err)
	}

	if resp.OrderID == 0 {
		return "", fmt.Errorf("futures order failed: %s", string(body))
	}

	log.Info().
		Str("exchange", "BINANCE").
		Str("market", "futures").
		Str("symbol", symbol).
		Str("side", side).
		Float64("quantity", quantity).
		Float64("price", price).
		Bool("reduce_only", reduceOnly).
		Int64("orderID", resp.OrderID).
		Str("status", resp.Status).
		Msg("order placed")

	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder 撤销订单
func (c *FuturesOrderClient) CancelOrder(ctx context.Context, symbol string, orderId string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderId)

	body, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		return fmt.Errorf("cancel futures order failed: %w", err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parse cancel response failed: %w", err)
	}

	log.Info().
		Str("exchange", "BINANCE").
		Str("market", "futures").
		Str("symbol", symbol).
		Str("orderId", orderId).
		Str("status", resp.Status).
		Msg("order cancelled")

	return nil
}

// GetOrderStatus 查询订单状态
func (c *FuturesOrderClient) GetOrderStatus(
	ctx context.Context,
	symbol string,
	orderId string,
) (*BinanceOrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderId)

	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("get futures order status failed: %w", err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order status failed: %w", err)
	}

	executedQty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	return &BinanceOrderStatus{
		OrderID:          orderId,
		Symbol:           symbol,
		Side:             resp.Side,
		Quantity:         resp.OrigQty,
		ExecutedQuantity: executedQty,
		Price:            resp.Price,
		AvgExecutedPrice: avgPrice,
		Status:           resp.Status,
		CreatedAt:        resp.Time,
		UpdatedAt:        resp.UpdateTime,
	}, nil
}

// SetLeverage 设置杠杆倍数
func (c *FuturesOrderClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	if _, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("set leverage failed: %w", err)
	}

	log.Info().
		Str("exchange", "BINANCE").
		Str("symbol", symbol).
		Int("leverage", leverage).
		Msg("leverage set")
	return nil
}

// ===== Response Models =====

// OrderResponse 订单响应
type OrderResponse struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	TimeInForce   string  `json:"timeInForce"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   string  `json:"executedQty"`
	AvgPrice      string  `json:"avgPrice"`
	Price         float64 `json:"price,string"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

// BinanceOrderStatus 订单状态
type BinanceOrderStatus struct {
	OrderID          string
	Symbol           string
	Side             string
	Quantity         float64
	ExecutedQuantity float64
	Price            float64
	AvgExecutedPrice float64
	Status           string
	CreatedAt        int64
	UpdatedAt        int64
}
