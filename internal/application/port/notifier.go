package port

import (
	"context"

	"fundarb/internal/domain/model"
)

// Notifier 通知端口：每个业务事件一个方法，实现方决定渠道与格式。
// 发送失败只影响通知本身，调用方记录日志后继续。
type Notifier interface {
	PositionOpened(ctx context.Context, pos *model.Position) error
	PositionClosed(ctx context.Context, pos *model.Position, reason string) error
	RiskAlert(ctx context.Context, alert *model.RiskAlert) error
	FundingReceived(ctx context.Context, fp *model.FundingPayment) error
	DailySummary(ctx context.Context, snap *model.AccountSnapshot, dayPnL float64) error
	BotStarted(ctx context.Context, equity float64) error
	BotStopped(ctx context.Context) error
	Error(ctx context.Context, where string, err error) error
}
