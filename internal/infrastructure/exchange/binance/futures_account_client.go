package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// FuturesAccountClient Binance futures account query client
type FuturesAccountClient struct {
	*APIClient
}

// NewFuturesAccountClient creates futures account client
func NewFuturesAccountClient(client *APIClient) *FuturesAccountClient {
	return &FuturesAccountClient{APIClient: client}
}

// GetBalance 获取合约账户保证金余额 (USDT 口径)
func (c *FuturesAccountClient) GetBalance(ctx context.Context) (float64, error) {
	resp, err := c.fetchAccount(ctx)
	if err != nil {
		return 0, err
	}
	balance, _ := strconv.ParseFloat(resp.TotalMarginBalance, 64)
	return balance, nil
}

// GetMarginRatio 保证金率 = 维持保证金 / 保证金余额，空仓时为 0
func (c *FuturesAccountClient) GetMarginRatio(ctx context.Context) (float64, error) {
	resp, err := c.fetchAccount(ctx)
	if err != nil {
		return 0, err
	}
	maint, _ := strconv.ParseFloat(resp.TotalMaintMargin, 64)
	marginBalance, _ := strconv.ParseFloat(resp.TotalMarginBalance, 64)
	if marginBalance <= 0 {
		return 0, nil
	}
	return maint / marginBalance, nil
}

// GetPositions 获取当前合约持仓（含强平价）
func (c *FuturesAccountClient) GetPositions(ctx context.Context) ([]*PositionRisk, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("get position risk failed: %w", err)
	}

	var raw []positionRiskResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse position risk failed: %w", err)
	}

	positions := make([]*PositionRisk, 0, len(raw))
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		liq, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
		unPnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		lev, _ := strconv.ParseFloat(p.Leverage, 64)
		positions = append(positions, &PositionRisk{
			Symbol:           p.Symbol,
			PositionAmt:      amt,
			EntryPrice:       entry,
			MarkPrice:        mark,
			LiquidationPrice: liq,
			UnrealizedProfit: unPnl,
			Leverage:         lev,
		})
	}
	return positions, nil
}

func (c *FuturesAccountClient) fetchAccount(ctx context.Context) (*AccountResponse, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get binance futures account: %w", err)
	}

	var resp AccountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal binance futures account: %w", err)
	}
	return &resp, nil
}

// ===== Response Models =====

// AccountResponse 合约账户响应
type AccountResponse struct {
	FeeTier               int    `json:"feeTier"`
	CanTrade              bool   `json:"canTrade"`
	TotalInitialMargin    string `json:"totalInitialMargin"`
	TotalMaintMargin      string `json:"totalMaintMargin"`
	TotalWalletBalance    string `json:"totalWalletBalance"`
	TotalMarginBalance    string `json:"totalMarginBalance"`
	TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	AvailableBalance      string `json:"availableBalance"`
	UpdateTime            int64  `json:"updateTime"`
}

type positionRiskResponse struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
}

// PositionRisk 合约持仓风险视图
type PositionRisk struct {
	Symbol           string
	PositionAmt      float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	UnrealizedProfit float64
	Leverage         float64
}
