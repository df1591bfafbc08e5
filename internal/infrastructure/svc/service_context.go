package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	appservice "fundarb/internal/application/service"
	dsvc "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/exchange/binance"
	"fundarb/internal/infrastructure/exchange/paper"
	"fundarb/internal/infrastructure/notify"
	compositerepo "fundarb/internal/infrastructure/storage/composite"
	postgresrepo "fundarb/internal/infrastructure/storage/postgres"
	redisrepo "fundarb/internal/infrastructure/storage/redis"
	sqliterepo "fundarb/internal/infrastructure/storage/sqlite"
	"fundarb/internal/interfaces/dashboard"
)

// ServiceContext 依赖装配：按层初始化全部组件并管理关闭顺序。
// 这是应用启动的唯一入口点。
type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	repo        port.Repository
	redisClient *redisclient.Client
	redisCache  *redisrepo.Cache
	gateway     *binance.Gateway
	paperEx     *paper.Exchange
	markFeed    *binance.MarkPriceFeed

	// 应用业务组件（依赖基础设施）
	notifier   port.Notifier
	strategy   *dsvc.Strategy
	risk       *dsvc.RiskManager
	executor   *dsvc.Executor
	accountant *dsvc.Accountant
	Bot        *appservice.Bot
	Dashboard  *dashboard.Server

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		closerChain: make([]func() error, 0),
	}
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化所有组件
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initStorage(); err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	if err := sc.initExchange(); err != nil {
		return fmt.Errorf("exchange initialization failed: %w", err)
	}
	sc.initNotifier()
	sc.initDomainServices()
	sc.initBot()
	if sc.Config.Dashboard.Enabled {
		sc.initDashboard()
	}

	log.Info().
		Bool("paper_trading", sc.Config.App.PaperTrading).
		Str("storage", sc.Config.Storage.Driver).
		Bool("redis", sc.Config.Redis.Enabled).
		Bool("dashboard", sc.Config.Dashboard.Enabled).
		Msg("✓ All components initialized")
	return nil
}

// initStorage 初始化主存储与可选的 Redis 行情缓存
func (sc *ServiceContext) initStorage() error {
	var primary port.Repository
	switch sc.Config.Storage.Driver {
	case "postgres":
		repo, err := postgresrepo.New(sc.Config.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres repo creation failed: %w", err)
		}
		primary = repo
		log.Info().Msg("✓ Postgres initialized")
	default:
		repo, err := sqliterepo.New(sc.Config.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite repo creation failed: %w", err)
		}
		primary = repo
		log.Info().Str("path", sc.Config.Storage.SQLitePath).Msg("✓ SQLite initialized")
	}
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing primary storage")
		return primary.Close()
	})

	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return err
		}
		sc.repo = compositerepo.New(primary, sc.redisCache)
	} else {
		sc.repo = primary
	}
	return nil
}

// initRedis 初始化 Redis 连接与行情缓存
func (sc *ServiceContext) initRedis() error {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	ttl := time.Duration(sc.Config.Redis.TTLSeconds) * time.Second
	sc.redisCache = redisrepo.New(rdb, sc.Config.Redis.Prefix, ttl, sc.Config.Redis.EquityStream)

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")
	return nil
}

// initExchange 初始化 Binance 网关；纸面交易模式下订单与账户走模拟撮合，
// 行情仍走真实公共接口。
func (sc *ServiceContext) initExchange() error {
	bn := sc.Config.Exchange.Binance
	spot, futures := binance.NewManagers(bn.APIKey, bn.APISecret, bn.SpotURL, bn.FuturesURL)
	sc.gateway = binance.NewGateway(spot, futures, binance.GatewayParams{
		MinVolume24h:    sc.Config.Filters.MinVolume24h,
		MinOpenInterest: sc.Config.Filters.MinOpenInterest,
		Excluded:        sc.Config.Filters.Excluded,
	})

	if sc.Config.App.PaperTrading {
		sc.paperEx = paper.New(sc.Config.Paper.InitialBalance, sc.gateway)
		log.Info().Float64("initial_balance", sc.Config.Paper.InitialBalance).Msg("✓ Paper exchange initialized")
	}

	if sc.Config.Redis.Enabled {
		sc.markFeed = binance.NewMarkPriceFeed(bn.WsURL, sc.redisCache)
	}
	return nil
}

// initNotifier 控制台通知始终开启，Telegram 按配置叠加
func (sc *ServiceContext) initNotifier() {
	notifiers := []port.Notifier{notify.NewConsole()}
	nc := sc.Config.Notifications
	if nc.TelegramEnabled {
		notifiers = append(notifiers, notify.NewTelegram(notify.TelegramOptions{
			Token:         nc.TelegramToken,
			ChatID:        nc.TelegramChatID,
			NotifyOnOpen:  nc.NotifyOnOpen,
			NotifyOnClose: nc.NotifyOnClose,
			NotifyOnRisk:  nc.NotifyOnRisk,
		}))
		log.Info().Msg("✓ Telegram notifications enabled")
	}
	sc.notifier = notify.NewMulti(notifiers...)
}

func (sc *ServiceContext) initDomainServices() {
	cfg := sc.Config
	sc.strategy = dsvc.NewStrategy(dsvc.StrategyParams{
		MinFundingRate:    cfg.Strategy.MinFundingRate,
		MaxSpread:         cfg.Strategy.MaxSpread,
		PositionSizePct:   cfg.Strategy.PositionSizePct,
		MaxPositions:      cfg.Strategy.MaxPositions,
		MaxCoinAllocation: cfg.Strategy.MaxCoinAllocation,
		MinOrderValue:     cfg.Execution.MinOrderValue,
	})
	sc.risk = dsvc.NewRiskManager(dsvc.RiskParams{
		MarginRatioWarning:     cfg.Risk.MarginRatioWarning,
		MarginRatioCritical:    cfg.Risk.MarginRatioCritical,
		MinLiquidationDistance: cfg.Risk.MinLiquidationDistance,
		MaxDrawdown:            cfg.Risk.MaxDrawdown,
		MaxPositions:           cfg.Strategy.MaxPositions,
		PositionSizePct:        cfg.Strategy.PositionSizePct,
		MaxCoinAllocation:      cfg.Strategy.MaxCoinAllocation,
	})
	sc.executor = dsvc.NewExecutor(sc.tradeClient(), sc.gateway, dsvc.ExecutorParams{
		PreferLimitOrders: cfg.Execution.PreferLimitOrders,
		LimitOrderTimeout: time.Duration(cfg.Execution.LimitOrderTimeoutSec) * time.Second,
		DefaultLeverage:   cfg.Execution.DefaultLeverage,
	})
	sc.accountant = dsvc.NewAccountant(sc.repo)
}

func (sc *ServiceContext) initBot() {
	sc.Bot = appservice.NewBot(
		sc.repo,
		sc.gateway,
		sc.accountPort(),
		sc.strategy,
		sc.risk,
		sc.executor,
		sc.accountant,
		sc.notifier,
		appservice.BotParams{
			RecheckInterval:     time.Duration(sc.Config.App.RecheckIntervalSec) * time.Second,
			MaxPositions:        sc.Config.Strategy.MaxPositions,
			MarginRatioCritical: sc.Config.Risk.MarginRatioCritical,
		},
	)
}

func (sc *ServiceContext) initDashboard() {
	addr := fmt.Sprintf("%s:%d", sc.Config.Dashboard.Host, sc.Config.Dashboard.Port)
	sc.Dashboard = dashboard.New(addr, sc.Bot, sc.repo, sc.gateway, sc.accountant, sc.risk, sc.redisCache)
}

// tradeClient 返回下单通道：纸面模式走模拟撮合
func (sc *ServiceContext) tradeClient() dsvc.TradeClient {
	if sc.paperEx != nil {
		return sc.paperEx
	}
	return sc.gateway
}

// accountPort 返回账户查询通道：纸面模式走模拟账户
func (sc *ServiceContext) accountPort() port.Account {
	if sc.paperEx != nil {
		return sc.paperEx
	}
	return sc.gateway
}

// MarkPriceFeed 可选的行情推送（仅 Redis 开启时存在）
func (sc *ServiceContext) MarkPriceFeed() *binance.MarkPriceFeed {
	return sc.markFeed
}

// Repository 主仓储
func (sc *ServiceContext) Repository() port.Repository {
	return sc.repo
}

// PaperSummary 纸面交易汇总；非纸面模式返回 nil
func (sc *ServiceContext) PaperSummary() *paper.Summary {
	if sc.paperEx == nil {
		return nil
	}
	return sc.paperEx.Summary()
}

// Close 按初始化相反的顺序关闭所有资源
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	return nil
}
