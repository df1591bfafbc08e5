package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	App struct {
		RecheckIntervalSec int  `toml:"recheck_interval_sec"`
		PaperTrading       bool `toml:"paper_trading"`
	} `toml:"app"`

	Strategy struct {
		MinFundingRate    float64 `toml:"min_funding_rate"`
		MaxSpread         float64 `toml:"max_spread"`
		PositionSizePct   float64 `toml:"position_size_pct"`
		MaxPositions      int     `toml:"max_positions"`
		MaxCoinAllocation float64 `toml:"max_coin_allocation"`
	} `toml:"strategy"`

	Risk struct {
		MarginRatioWarning     float64 `toml:"margin_ratio_warning"`
		MarginRatioCritical    float64 `toml:"margin_ratio_critical"`
		MinLiquidationDistance float64 `toml:"min_liquidation_distance"`
		MaxDrawdown            float64 `toml:"max_drawdown"`
	} `toml:"risk"`

	Execution struct {
		PreferLimitOrders    bool    `toml:"prefer_limit_orders"`
		LimitOrderTimeoutSec int     `toml:"limit_order_timeout_sec"`
		DefaultLeverage      int     `toml:"default_leverage"`
		MinOrderValue        float64 `toml:"min_order_value"`
	} `toml:"execution"`

	Filters struct {
		MinVolume24h    float64  `toml:"min_volume_24h"`
		MinOpenInterest float64  `toml:"min_open_interest"`
		Excluded        []string `toml:"excluded"`
	} `toml:"filters"`

	Exchange struct {
		Binance struct {
			APIKey     string `toml:"api_key"`
			APISecret  string `toml:"api_secret"`
			SpotURL    string `toml:"spot_url"`
			FuturesURL string `toml:"futures_url"`
			WsURL      string `toml:"ws_url"`
		} `toml:"binance"`
	} `toml:"exchange"`

	Paper struct {
		InitialBalance float64 `toml:"initial_balance"`
	} `toml:"paper"`

	Storage struct {
		Driver      string `toml:"driver"` // sqlite | postgres
		SQLitePath  string `toml:"sqlite_path"`
		PostgresDSN string `toml:"postgres_dsn"`
	} `toml:"storage"`

	Redis struct {
		Enabled      bool   `toml:"enabled"`
		Addr         string `toml:"addr"`
		Password     string `toml:"password"`
		DB           int    `toml:"db"`
		Prefix       string `toml:"prefix"`
		TTLSeconds   int    `toml:"ttl_seconds"`
		EquityStream string `toml:"equity_stream"`
	} `toml:"redis"`

	Notifications struct {
		TelegramEnabled bool   `toml:"telegram_enabled"`
		TelegramToken   string `toml:"telegram_token"`
		TelegramChatID  string `toml:"telegram_chat_id"`
		NotifyOnOpen    bool   `toml:"notify_on_open"`
		NotifyOnClose   bool   `toml:"notify_on_close"`
		NotifyOnRisk    bool   `toml:"notify_on_risk"`
	} `toml:"notifications"`

	Dashboard struct {
		Enabled bool   `toml:"enabled"`
		Host    string `toml:"host"`
		Port    int    `toml:"port"`
	} `toml:"dashboard"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.RecheckIntervalSec <= 0 {
		cfg.App.RecheckIntervalSec = 300
	}
	if cfg.Strategy.MinFundingRate <= 0 {
		cfg.Strategy.MinFundingRate = 0.0003
	}
	if cfg.Strategy.MaxSpread <= 0 {
		cfg.Strategy.MaxSpread = 0.001
	}
	if cfg.Strategy.PositionSizePct <= 0 {
		cfg.Strategy.PositionSizePct = 0.1
	}
	if cfg.Strategy.MaxPositions <= 0 {
		cfg.Strategy.MaxPositions = 5
	}
	if cfg.Strategy.MaxCoinAllocation <= 0 {
		cfg.Strategy.MaxCoinAllocation = 0.2
	}
	if cfg.Risk.MarginRatioWarning <= 0 {
		cfg.Risk.MarginRatioWarning = 0.7
	}
	if cfg.Risk.MarginRatioCritical <= 0 {
		cfg.Risk.MarginRatioCritical = 0.85
	}
	if cfg.Risk.MinLiquidationDistance <= 0 {
		cfg.Risk.MinLiquidationDistance = 0.15
	}
	if cfg.Risk.MaxDrawdown <= 0 {
		cfg.Risk.MaxDrawdown = 0.1
	}
	if cfg.Execution.LimitOrderTimeoutSec <= 0 {
		cfg.Execution.LimitOrderTimeoutSec = 30
	}
	if cfg.Execution.DefaultLeverage <= 0 {
		cfg.Execution.DefaultLeverage = 1
	}
	if cfg.Execution.MinOrderValue <= 0 {
		cfg.Execution.MinOrderValue = 10
	}
	if cfg.Filters.MinVolume24h <= 0 {
		cfg.Filters.MinVolume24h = 10_000_000
	}
	if cfg.Filters.MinOpenInterest <= 0 {
		cfg.Filters.MinOpenInterest = 5_000_000
	}
	if len(cfg.Filters.Excluded) == 0 {
		cfg.Filters.Excluded = []string{"USDCUSDT", "BUSDUSDT", "TUSDUSDT"}
	}
	if cfg.Paper.InitialBalance <= 0 {
		cfg.Paper.InitialBalance = 10_000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/fundarb.db"
	}
	if cfg.Exchange.Binance.SpotURL == "" {
		cfg.Exchange.Binance.SpotURL = "https://api.binance.com"
	}
	if cfg.Exchange.Binance.FuturesURL == "" {
		cfg.Exchange.Binance.FuturesURL = "https://fapi.binance.com"
	}
	if cfg.Exchange.Binance.WsURL == "" {
		cfg.Exchange.Binance.WsURL = "wss://fstream.binance.com"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "fundarb"
	}
	if cfg.Dashboard.Host == "" {
		cfg.Dashboard.Host = "0.0.0.0"
	}
	if cfg.Dashboard.Port <= 0 {
		cfg.Dashboard.Port = 8000
	}
}

func validate(cfg *Config) error {
	cfg.Filters.Excluded = normalizeSymbols(cfg.Filters.Excluded)

	if cfg.Strategy.PositionSizePct > 1 {
		return errors.New("strategy.position_size_pct must be <= 1")
	}
	if cfg.Strategy.MaxCoinAllocation > 1 {
		return errors.New("strategy.max_coin_allocation must be <= 1")
	}
	if cfg.Risk.MarginRatioWarning >= cfg.Risk.MarginRatioCritical {
		return errors.New("risk.margin_ratio_warning must be below margin_ratio_critical")
	}
	if !cfg.App.PaperTrading {
		if strings.TrimSpace(cfg.Exchange.Binance.APIKey) == "" || strings.TrimSpace(cfg.Exchange.Binance.APISecret) == "" {
			return errors.New("exchange.binance api credentials required unless app.paper_trading is enabled")
		}
	}
	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.PostgresDSN) == "" {
			return errors.New("storage.postgres_dsn required when driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q unsupported (sqlite|postgres)", cfg.Storage.Driver)
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	if cfg.Notifications.TelegramEnabled {
		if strings.TrimSpace(cfg.Notifications.TelegramToken) == "" || strings.TrimSpace(cfg.Notifications.TelegramChatID) == "" {
			return errors.New("notifications.telegram token/chat_id empty but enabled")
		}
	}
	return nil
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
