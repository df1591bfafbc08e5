package notify

import (
	"context"
	"errors"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Multi fans an event out to every configured notifier. All notifiers run;
// errors are joined so one failing channel never silences the others.
type Multi struct {
	notifiers []port.Notifier
}

func NewMulti(notifiers ...port.Notifier) *Multi {
	out := make([]port.Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return &Multi{notifiers: out}
}

func (m *Multi) each(fn func(port.Notifier) error) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := fn(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) PositionOpened(ctx context.Context, pos *model.Position) error {
	return m.each(func(n port.Notifier) error { return n.PositionOpened(ctx, pos) })
}

func (m *Multi) PositionClosed(ctx context.Context, pos *model.Position, reason string) error {
	return m.each(func(n port.Notifier) error { return n.PositionClosed(ctx, pos, reason) })
}

func (m *Multi) RiskAlert(ctx context.Context, alert *model.RiskAlert) error {
	return m.each(func(n port.Notifier) error { return n.RiskAlert(ctx, alert) })
}

func (m *Multi) FundingReceived(ctx context.Context, fp *model.FundingPayment) error {
	return m.each(func(n port.Notifier) error { return n.FundingReceived(ctx, fp) })
}

func (m *Multi) DailySummary(ctx context.Context, snap *model.AccountSnapshot, dayPnL float64) error {
	return m.each(func(n port.Notifier) error { return n.DailySummary(ctx, snap, dayPnL) })
}

func (m *Multi) BotStarted(ctx context.Context, equity float64) error {
	return m.each(func(n port.Notifier) error { return n.BotStarted(ctx, equity) })
}

func (m *Multi) BotStopped(ctx context.Context) error {
	return m.each(func(n port.Notifier) error { return n.BotStopped(ctx) })
}

func (m *Multi) Error(ctx context.Context, where string, err error) error {
	return m.each(func(n port.Notifier) error { return n.Error(ctx, where, err) })
}

var _ port.Notifier = (*Multi)(nil)
