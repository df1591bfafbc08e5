package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Console logs every event through zerolog. Always wired so events reach the
// log even when telegram is disabled.
type Console struct{}

func NewConsole() *Console { return &Console{} }

func (c *Console) PositionOpened(ctx context.Context, pos *model.Position) error {
	log.Info().
		Str("symbol", pos.Symbol).
		Str("side", pos.Side).
		Float64("value", pos.PositionValue()).
		Float64("funding_rate", pos.EntryFundingRate).
		Msg("position opened")
	return nil
}

func (c *Console) PositionClosed(ctx context.Context, pos *model.Position, reason string) error {
	log.Info().
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Float64("funding_earned", pos.AccumulatedFunding).
		Float64("net_pnl", pos.NetPnL()).
		Msg("position closed")
	return nil
}

func (c *Console) RiskAlert(ctx context.Context, alert *model.RiskAlert) error {
	log.Warn().
		Str("level", model.RiskLevelName(alert.Level)).
		Str("type", alert.Type).
		Msg(alert.Message)
	return nil
}

func (c *Console) FundingReceived(ctx context.Context, fp *model.FundingPayment) error {
	log.Info().
		Str("symbol", fp.Symbol).
		Float64("rate", fp.Rate).
		Float64("amount", fp.Amount).
		Msg("funding received")
	return nil
}

func (c *Console) DailySummary(ctx context.Context, snap *model.AccountSnapshot, dayPnL float64) error {
	log.Info().
		Float64("equity", snap.TotalEquity).
		Float64("day_pnl", dayPnL).
		Float64("funding_earned", snap.FundingEarned).
		Int("open_positions", snap.OpenPositions).
		Msg("daily summary")
	return nil
}

func (c *Console) BotStarted(ctx context.Context, equity float64) error {
	log.Info().Float64("equity", equity).Msg("bot started")
	return nil
}

func (c *Console) BotStopped(ctx context.Context) error {
	log.Info().Msg("bot stopped")
	return nil
}

func (c *Console) Error(ctx context.Context, where string, err error) error {
	log.Error().Err(err).Str("where", where).Msg("bot error")
	return nil
}

var _ port.Notifier = (*Console)(nil)
