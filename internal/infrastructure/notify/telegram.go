package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

const telegramAPI = "https://api.telegram.org"

// Telegram sends bot events as Markdown messages through the Bot API.
type Telegram struct {
	token  string
	chatID string
	client *http.Client

	notifyOnOpen  bool
	notifyOnClose bool
	notifyOnRisk  bool
}

type TelegramOptions struct {
	Token         string
	ChatID        string
	NotifyOnOpen  bool
	NotifyOnClose bool
	NotifyOnRisk  bool
}

func NewTelegram(opts TelegramOptions) *Telegram {
	return &Telegram{
		token:         opts.Token,
		chatID:        opts.ChatID,
		client:        &http.Client{Timeout: 10 * time.Second},
		notifyOnOpen:  opts.NotifyOnOpen,
		notifyOnClose: opts.NotifyOnClose,
		notifyOnRisk:  opts.NotifyOnRisk,
	}
}

func (t *Telegram) send(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPI, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram send: http %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (t *Telegram) PositionOpened(ctx context.Context, pos *model.Position) error {
	if !t.notifyOnOpen {
		return nil
	}
	text := fmt.Sprintf(
		"🟢 *Position opened*\n"+
			"Symbol: `%s`\n"+
			"Side: %s\n"+
			"Value: $%.2f\n"+
			"Entry funding: %.4f%% (APR %.1f%%)",
		pos.Symbol, sideLabel(pos.Side), pos.PositionValue(),
		pos.EntryFundingRate*100, pos.EntryFundingRate*3*365*100,
	)
	return t.send(ctx, text)
}

func (t *Telegram) PositionClosed(ctx context.Context, pos *model.Position, reason string) error {
	if !t.notifyOnClose {
		return nil
	}
	text := fmt.Sprintf(
		"🔴 *Position closed*\n"+
			"Symbol: `%s`\n"+
			"Reason: %s\n"+
			"Funding earned: $%.2f (%d payments)\n"+
			"Net PnL: $%.2f",
		pos.Symbol, reason, pos.AccumulatedFunding, pos.FundingPaymentsCount, pos.NetPnL(),
	)
	return t.send(ctx, text)
}

func (t *Telegram) RiskAlert(ctx context.Context, alert *model.RiskAlert) error {
	if !t.notifyOnRisk {
		return nil
	}
	text := fmt.Sprintf(
		"⚠️ *Risk alert* [%s]\n"+
			"Type: %s\n"+
			"%s",
		model.RiskLevelName(alert.Level), alert.Type, alert.Message,
	)
	return t.send(ctx, text)
}

func (t *Telegram) FundingReceived(ctx context.Context, fp *model.FundingPayment) error {
	text := fmt.Sprintf(
		"💰 *Funding received*\n"+
			"Symbol: `%s`\n"+
			"Rate: %.4f%%\n"+
			"Amount: $%.4f",
		fp.Symbol, fp.Rate*100, fp.Amount,
	)
	return t.send(ctx, text)
}

func (t *Telegram) DailySummary(ctx context.Context, snap *model.AccountSnapshot, dayPnL float64) error {
	text := fmt.Sprintf(
		"📊 *Daily summary*\n"+
			"Equity: $%.2f\n"+
			"24h PnL: $%.2f\n"+
			"Funding earned: $%.2f\n"+
			"Open positions: %d\n"+
			"Margin ratio: %.1f%%",
		snap.TotalEquity, dayPnL, snap.FundingEarned, snap.OpenPositions, snap.MarginRatio*100,
	)
	return t.send(ctx, text)
}

func (t *Telegram) BotStarted(ctx context.Context, equity float64) error {
	return t.send(ctx, fmt.Sprintf("🤖 *Bot started*\nEquity: $%.2f", equity))
}

func (t *Telegram) BotStopped(ctx context.Context) error {
	return t.send(ctx, "🛑 *Bot stopped*")
}

func (t *Telegram) Error(ctx context.Context, where string, err error) error {
	return t.send(ctx, fmt.Sprintf("❗ *Error* in %s\n`%v`", where, err))
}

func sideLabel(side string) string {
	switch side {
	case model.SideLongSpotShortPerp:
		return "long spot / short perp"
	case model.SideShortSpotLongPerp:
		return "short spot / long perp"
	}
	return side
}

var _ port.Notifier = (*Telegram)(nil)
