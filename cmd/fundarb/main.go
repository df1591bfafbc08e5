package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/logger"
	"fundarb/internal/infrastructure/svc"
)

func main() {
	logger.Setup()

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}
	defer sc.Close()

	if feed := sc.MarkPriceFeed(); feed != nil {
		go func() {
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("mark price feed exited")
			}
		}()
	}

	if sc.Dashboard != nil {
		go func() {
			if err := sc.Dashboard.Run(ctx); err != nil {
				log.Error().Err(err).Msg("dashboard exited")
			}
		}()
	}

	log.Info().
		Str("config", *configPath).
		Bool("paper_trading", cfg.App.PaperTrading).
		Int("recheck_interval_sec", cfg.App.RecheckIntervalSec).
		Msg("fundarb started")

	if err := sc.Bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("bot exited")
	}

	if summary := sc.PaperSummary(); summary != nil {
		log.Info().
			Float64("equity", summary.Equity).
			Float64("pnl", summary.PnL).
			Float64("pnl_pct", summary.PnLPct).
			Msg("paper trading summary")
	}
}
