package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	dsvc "fundarb/internal/domain/service"
)

// 快照落库间隔
const snapshotInterval = 5 * time.Minute

// 资金费结算窗口：UTC 0/8/16 点后的前几分钟内检查一次，10 分钟内去重
const (
	fundingCheckWindow = 5 * time.Minute
	fundingCheckDedup  = 10 * time.Minute
)

// 金额低于该值的资金费不单独推送通知
const fundingNotifyThreshold = 0.01

// BotParams 主循环参数
type BotParams struct {
	RecheckInterval     time.Duration
	MaxPositions        int
	MarginRatioCritical float64
}

// Bot 资金费率套利主循环：行情扫描、开平仓、风控、资金费核算与快照。
// Run 阻塞直到 ctx 结束；Start/Stop 由看板调用，暂停时仍执行风控平仓、
// 资金费核算与快照，只停掉开新仓与策略性离场。
type Bot struct {
	repo       port.Repository
	market     port.MarketData
	account    port.Account
	strategy   *dsvc.Strategy
	risk       *dsvc.RiskManager
	executor   *dsvc.Executor
	accountant *dsvc.Accountant
	notifier   port.Notifier
	params     BotParams

	// 测试中可替换的时钟
	now func() time.Time

	mu           sync.RWMutex
	running      bool
	lastCycle    time.Time
	lastSnapshot time.Time
	startedAt    time.Time
}

// fundingSink 由模拟盘账户实现，资金费结算直接入账到合约钱包。
// 实盘账户由交易所自动入账，无需实现。
type fundingSink interface {
	ApplyFunding(symbol string, amount float64)
}

// NewBot 组装主循环
func NewBot(
	repo port.Repository,
	market port.MarketData,
	account port.Account,
	strategy *dsvc.Strategy,
	risk *dsvc.RiskManager,
	executor *dsvc.Executor,
	accountant *dsvc.Accountant,
	notifier port.Notifier,
	params BotParams,
) *Bot {
	return &Bot{
		repo:       repo,
		market:     market,
		account:    account,
		strategy:   strategy,
		risk:       risk,
		executor:   executor,
		accountant: accountant,
		notifier:   notifier,
		params:     params,
		now:        time.Now,
		running:    true,
	}
}

// Running 当前是否允许交易
func (b *Bot) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// LastCycle 最近一次循环完成时间
func (b *Bot) LastCycle() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastCycle
}

// StartedAt 进程启动时间
func (b *Bot) StartedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startedAt
}

// Start 恢复交易（看板调用）
func (b *Bot) Start(ctx context.Context) error {
	b.setRunning(true)
	return b.repo.SetState(ctx, model.StateKeyRunning, "true")
}

// Stop 暂停交易（看板调用）。风控与核算继续运行。
func (b *Bot) Stop(ctx context.Context) error {
	b.setRunning(false)
	return b.repo.SetState(ctx, model.StateKeyRunning, "false")
}

func (b *Bot) setRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

// Run 主循环。恢复持久化状态后按 RecheckInterval 循环，ctx 结束时退出。
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.startedAt = time.Now().UTC()
	b.mu.Unlock()

	b.restoreState(ctx)

	equity := 0.0
	if bal, err := b.account.Balance(ctx); err == nil {
		equity = bal.TotalEquity
	}
	if err := b.notifier.BotStarted(ctx, equity); err != nil {
		log.Warn().Err(err).Msg("start notification failed")
	}

	ticker := time.NewTicker(b.params.RecheckInterval)
	defer ticker.Stop()

	for {
		b.safeCycle(ctx)

		b.mu.Lock()
		b.lastCycle = time.Now().UTC()
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			if err := b.notifier.BotStopped(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("stop notification failed")
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// restoreState 读回峰值权益与运行开关
func (b *Bot) restoreState(ctx context.Context) {
	if v, err := b.repo.GetState(ctx, model.StateKeyPeakEquity); err == nil {
		if peak, err := strconv.ParseFloat(v, 64); err == nil {
			b.risk.RestorePeakEquity(peak)
		}
	}
	if v, err := b.repo.GetState(ctx, model.StateKeyRunning); err == nil {
		b.setRunning(v != "false")
	}
}

// safeCycle 单次循环，panic 不打断主循环
func (b *Bot) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("cycle panic: %v", r)
			log.Error().Err(err).Msg("trading cycle panicked")
			_ = b.notifier.Error(ctx, "cycle", err)
		}
	}()
	if err := b.runCycle(ctx); err != nil {
		log.Error().Err(err).Msg("trading cycle failed")
		_ = b.notifier.Error(ctx, "cycle", err)
	}
}

func (b *Bot) runCycle(ctx context.Context) error {
	open, err := b.repo.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	bal, err := b.account.Balance(ctx)
	if err != nil {
		return fmt.Errorf("account balance: %w", err)
	}
	if bal.TotalEquity <= 0 {
		log.Warn().Float64("equity", bal.TotalEquity).Msg("equity not positive, skipping cycle")
		return nil
	}
	marginRatio, err := b.account.MarginRatio(ctx)
	if err != nil {
		return fmt.Errorf("margin ratio: %w", err)
	}
	futures, err := b.account.FuturesPositions(ctx)
	if err != nil {
		return fmt.Errorf("futures positions: %w", err)
	}

	assessment := b.risk.Assess(bal.TotalEquity, marginRatio, futures, len(open))
	b.persistPeakEquity(ctx)

	paused := !b.Running() || b.risk.ShouldPauseTrading(assessment)

	if !paused {
		open = b.checkExits(ctx, open, marginRatio)
		b.checkEntries(ctx, open, bal.TotalEquity)
	} else {
		log.Debug().
			Bool("running", b.Running()).
			Str("risk_level", model.RiskLevelName(assessment.Level)).
			Msg("trading paused")
	}

	open = b.forcedClose(ctx, assessment, open, futures)
	b.reportAlerts(ctx)
	b.checkFunding(ctx, open)
	b.maybeSnapshot(ctx, bal, marginRatio, open)
	b.maybeDailySummary(ctx)
	return nil
}

// checkExits 策略性离场检查，返回仍持有的仓位
func (b *Bot) checkExits(ctx context.Context, open []*model.Position, marginRatio float64) []*model.Position {
	remaining := open[:0:0]
	for _, pos := range open {
		fr, err := b.market.FundingRate(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("funding rate lookup failed")
			remaining = append(remaining, pos)
			continue
		}
		spread, err := b.market.Spread(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("spread lookup failed")
			remaining = append(remaining, pos)
			continue
		}

		sig := b.strategy.EvaluateExit(pos, fr.FundingRate, spread.Spread, marginRatio, b.params.MarginRatioCritical)
		if !sig.ShouldExit {
			remaining = append(remaining, pos)
			continue
		}
		if err := b.closePosition(ctx, pos, sig.Reason); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("exit failed")
			_ = b.notifier.Error(ctx, "exit", err)
			remaining = append(remaining, pos)
		}
	}
	return remaining
}

// checkEntries 扫描候选并按评分开仓，受剩余仓位槽与风控闸门约束
func (b *Bot) checkEntries(ctx context.Context, open []*model.Position, equity float64) {
	slots := b.params.MaxPositions - len(open)
	if slots <= 0 {
		return
	}

	rates, err := b.market.FundingRates(ctx)
	if err != nil {
		log.Error().Err(err).Msg("funding rate scan failed")
		return
	}
	b.recordRates(ctx, rates)

	signals := make([]*dsvc.EntrySignal, 0, len(rates))
	for _, fr := range rates {
		spread, err := b.market.Spread(ctx, fr.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", fr.Symbol).Msg("spread lookup failed")
			continue
		}
		signals = append(signals, b.strategy.EvaluateEntry(fr, spread, equity, open))
	}

	for _, sig := range b.strategy.RankOpportunities(signals) {
		if slots <= 0 {
			return
		}
		if err := b.risk.CheckPositionLimits(sig.Symbol, sig.SizeUSDT, equity, open); err != nil {
			log.Debug().Err(err).Str("symbol", sig.Symbol).Msg("entry rejected by limits")
			continue
		}

		pos, orders, err := b.executor.OpenPosition(ctx, sig)
		b.saveOrders(ctx, orders)
		if err != nil {
			log.Error().Err(err).Str("symbol", sig.Symbol).Msg("entry failed")
			_ = b.notifier.Error(ctx, "entry", err)
			continue
		}
		if err := b.repo.SavePosition(ctx, pos); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("position save failed")
		}
		if err := b.notifier.PositionOpened(ctx, pos); err != nil {
			log.Warn().Err(err).Msg("open notification failed")
		}
		open = append(open, pos)
		slots--
	}
}

// forcedClose 风控强平，返回仍持有的仓位
func (b *Bot) forcedClose(ctx context.Context, assessment *dsvc.RiskAssessment, open []*model.Position, futures []*model.FuturesPosition) []*model.Position {
	toClose := b.risk.PositionsToClose(assessment, open, futures)
	if len(toClose) == 0 {
		return open
	}

	closing := make(map[string]struct{}, len(toClose))
	for _, pos := range toClose {
		closing[pos.ID] = struct{}{}
	}

	remaining := open[:0:0]
	for _, pos := range open {
		if _, ok := closing[pos.ID]; !ok {
			remaining = append(remaining, pos)
			continue
		}
		log.Warn().Str("symbol", pos.Symbol).Str("risk_level", model.RiskLevelName(assessment.Level)).Msg("forced close")
		if err := b.closePosition(ctx, pos, "risk limit"); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("forced close failed")
			_ = b.notifier.Error(ctx, "forced close", err)
			remaining = append(remaining, pos)
		}
	}
	return remaining
}

func (b *Bot) closePosition(ctx context.Context, pos *model.Position, reason string) error {
	orders, err := b.executor.ClosePosition(ctx, pos)
	b.saveOrders(ctx, orders)
	if err != nil {
		return err
	}
	if err := b.repo.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("update closed position: %w", err)
	}
	if err := b.notifier.PositionClosed(ctx, pos, reason); err != nil {
		log.Warn().Err(err).Msg("close notification failed")
	}
	return nil
}

// reportAlerts 推送本循环产生的风险告警
func (b *Bot) reportAlerts(ctx context.Context) {
	for _, alert := range b.risk.DrainAlerts() {
		if err := b.notifier.RiskAlert(ctx, alert); err != nil {
			log.Warn().Err(err).Msg("risk notification failed")
		}
	}
}

// checkFunding 资金费核算。仅在结算时刻后的窗口内执行，按持久化的
// 上次检查时间去重，重启后也不会重复记账。
func (b *Bot) checkFunding(ctx context.Context, open []*model.Position) {
	if len(open) == 0 {
		return
	}
	now := b.now().UTC()
	if now.Hour()%8 != 0 || now.Sub(now.Truncate(time.Hour)) > fundingCheckWindow {
		return
	}
	if v, err := b.repo.GetState(ctx, model.StateKeyLastFundingCheck); err == nil {
		if last, err := time.Parse(time.RFC3339, v); err == nil && now.Sub(last) < fundingCheckDedup {
			return
		}
	}

	for _, pos := range open {
		fr, err := b.market.FundingRate(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("funding rate lookup failed")
			continue
		}

		// 资金费按合约腿当前标记价的名义价值结算
		value := pos.FuturesQuantity * fr.MarkPrice
		// long spot / short perp 收正费率，short spot / long perp 收负费率
		amount := value * fr.FundingRate
		if pos.Side == model.SideShortSpotLongPerp {
			amount = -amount
		}

		fp := &model.FundingPayment{
			PositionID:    pos.ID,
			Symbol:        pos.Symbol,
			Rate:          fr.FundingRate,
			Amount:        amount,
			PositionValue: value,
			PaymentTime:   now,
		}
		if err := b.repo.SaveFundingPayment(ctx, fp); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("funding payment save failed")
			continue
		}

		pos.AccumulatedFunding += amount
		pos.FundingPaymentsCount++
		if err := b.repo.UpdatePosition(ctx, pos); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("position update failed")
		}
		if sink, ok := b.account.(fundingSink); ok {
			sink.ApplyFunding(pos.Symbol, amount)
		}

		if amount > fundingNotifyThreshold || amount < -fundingNotifyThreshold {
			if err := b.notifier.FundingReceived(ctx, fp); err != nil {
				log.Warn().Err(err).Msg("funding notification failed")
			}
		}
	}

	if err := b.repo.SetState(ctx, model.StateKeyLastFundingCheck, now.Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("funding check state save failed")
	}
}

// maybeSnapshot 每 snapshotInterval 落一条账户快照
func (b *Bot) maybeSnapshot(ctx context.Context, bal *model.AccountBalance, marginRatio float64, open []*model.Position) {
	b.mu.Lock()
	if time.Since(b.lastSnapshot) < snapshotInterval {
		b.mu.Unlock()
		return
	}
	b.lastSnapshot = time.Now().UTC()
	b.mu.Unlock()

	pnl, err := b.accountant.AccountPnL(ctx)
	if err != nil {
		log.Error().Err(err).Msg("account pnl failed")
		return
	}

	var fundingEarned, totalFees float64
	payments, err := b.accountant.FundingHistory(ctx, time.Time{})
	if err != nil {
		log.Warn().Err(err).Msg("funding history failed")
	}
	for _, fp := range payments {
		fundingEarned += fp.Amount
	}
	for _, p := range open {
		totalFees += p.TotalFees
	}

	snap := &model.AccountSnapshot{
		SpotBalance:    bal.SpotUSDT,
		FuturesBalance: bal.FuturesUSDT,
		TotalEquity:    bal.TotalEquity,
		UnrealizedPnL:  pnl.Unrealized,
		RealizedPnL:    pnl.Realized,
		FundingEarned:  fundingEarned,
		TotalFees:      totalFees,
		MarginRatio:    marginRatio,
		OpenPositions:  len(open),
		SnapshotTime:   time.Now().UTC(),
	}
	if err := b.repo.SaveSnapshot(ctx, snap); err != nil {
		log.Error().Err(err).Msg("snapshot save failed")
	}
}

// maybeDailySummary 每个 UTC 日推送一次日报，按持久化的日期去重
func (b *Bot) maybeDailySummary(ctx context.Context) {
	today := b.now().UTC().Format("2006-01-02")
	if v, err := b.repo.GetState(ctx, model.StateKeyLastDailyReport); err == nil && v == today {
		return
	}

	snap, err := b.repo.LatestSnapshot(ctx)
	if err != nil || snap == nil {
		return
	}
	dayPnL, err := b.accountant.PeriodPnL(ctx, b.now().UTC().Add(-24*time.Hour))
	if err != nil {
		log.Warn().Err(err).Msg("period pnl failed")
		return
	}

	if err := b.notifier.DailySummary(ctx, snap, dayPnL); err != nil {
		log.Warn().Err(err).Msg("daily summary notification failed")
		return
	}
	if err := b.repo.SetState(ctx, model.StateKeyLastDailyReport, today); err != nil {
		log.Warn().Err(err).Msg("daily report state save failed")
	}
}

// recordRates 落库本轮扫描到的资金费率样本
func (b *Bot) recordRates(ctx context.Context, rates []*model.FundingRateData) {
	now := time.Now().UTC()
	for _, fr := range rates {
		rec := &model.FundingRateHistory{
			Symbol:     fr.Symbol,
			Rate:       fr.FundingRate,
			MarkPrice:  fr.MarkPrice,
			RecordedAt: now,
		}
		if err := b.repo.SaveFundingRate(ctx, rec); err != nil {
			log.Warn().Err(err).Str("symbol", fr.Symbol).Msg("funding rate save failed")
		}
	}
}

// persistPeakEquity 保存峰值权益，重启后用于回撤计算
func (b *Bot) persistPeakEquity(ctx context.Context) {
	peak := b.risk.PeakEquity()
	if peak <= 0 {
		return
	}
	if err := b.repo.SetState(ctx, model.StateKeyPeakEquity, strconv.FormatFloat(peak, 'f', -1, 64)); err != nil {
		log.Warn().Err(err).Msg("peak equity save failed")
	}
}

func (b *Bot) saveOrders(ctx context.Context, orders []*model.Order) {
	for _, o := range orders {
		if err := b.repo.SaveOrder(ctx, o); err != nil {
			log.Warn().Err(err).Str("order", o.ID).Msg("order save failed")
		}
	}
}
