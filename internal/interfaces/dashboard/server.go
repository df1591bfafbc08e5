package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	appsvc "fundarb/internal/application/service"
	dsvc "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/storage/redis"
)

// Server exposes the monitoring API used by the web dashboard. Read endpoints
// go straight to the repository and the accountant; the two bot endpoints
// toggle trading.
type Server struct {
	bot        *appsvc.Bot
	repo       port.Repository
	market     port.MarketData
	accountant *dsvc.Accountant
	risk       *dsvc.RiskManager
	cache      *redis.Cache // optional, live funding rates

	srv *http.Server
}

func New(addr string, bot *appsvc.Bot, repo port.Repository, market port.MarketData, accountant *dsvc.Accountant, risk *dsvc.RiskManager, cache *redis.Cache) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		bot:        bot,
		repo:       repo,
		market:     market,
		accountant: accountant,
		risk:       risk,
		cache:      cache,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	api := engine.Group("/api")
	{
		api.GET("/status", s.status)
		api.GET("/overview", s.overview)
		api.GET("/positions", s.positions)
		api.GET("/positions/open", s.openPositions)
		api.GET("/funding/history", s.fundingHistory)
		api.GET("/funding/rates", s.fundingRates)
		api.GET("/equity/history", s.equityHistory)
		api.GET("/performance", s.performance)
		api.GET("/risk", s.riskStatus)
		api.POST("/bot/start", s.startBot)
		api.POST("/bot/stop", s.stopBot)
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("dashboard listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) status(c *gin.Context) {
	started := s.bot.StartedAt()
	c.JSON(http.StatusOK, gin.H{
		"running":        s.bot.Running(),
		"started_at":     started,
		"last_cycle":     s.bot.LastCycle(),
		"uptime_seconds": int64(time.Since(started).Seconds()),
	})
}

func (s *Server) overview(c *gin.Context) {
	ctx := c.Request.Context()

	snap, err := s.repo.LatestSnapshot(ctx)
	if err != nil {
		serverError(c, err)
		return
	}
	pnl, err := s.accountant.AccountPnL(ctx)
	if err != nil {
		serverError(c, err)
		return
	}

	days := queryFloat(c, "days", 30)
	periodPnL, err := s.accountant.PeriodPnL(ctx, time.Now().UTC().AddDate(0, 0, -int(days)))
	if err != nil {
		serverError(c, err)
		return
	}

	var apr float64
	if snap != nil {
		apr = dsvc.CalculateAPR(periodPnL, snap.TotalEquity, days)
	}

	c.JSON(http.StatusOK, gin.H{
		"snapshot":   snap,
		"pnl":        pnl,
		"period_pnl": periodPnL,
		"apr_pct":    apr,
	})
}

func (s *Server) positions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	positions, err := s.repo.ListPositions(c.Request.Context(), limit)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) openPositions(c *gin.Context) {
	open, err := s.repo.OpenPositions(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	breakdowns := make([]any, 0, len(open))
	for _, pos := range open {
		breakdowns = append(breakdowns, gin.H{
			"position":  pos,
			"breakdown": s.accountant.BreakdownPosition(pos),
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": breakdowns})
}

func (s *Server) fundingHistory(c *gin.Context) {
	since := sinceFromHours(c, 24*7)
	payments, err := s.accountant.FundingHistory(c.Request.Context(), since)
	if err != nil {
		serverError(c, err)
		return
	}
	var total float64
	for _, fp := range payments {
		total += fp.Amount
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "total": total})
}

// fundingRates prefers the websocket-fed cache and falls back to a REST scan.
func (s *Server) fundingRates(c *gin.Context) {
	ctx := c.Request.Context()

	if s.cache != nil {
		live, err := s.cache.LiveFundingRates(ctx)
		if err == nil && len(live) > 0 {
			c.JSON(http.StatusOK, gin.H{"source": "live", "rates": live})
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("live funding rate read failed")
		}
	}

	rates, err := s.market.FundingRates(ctx)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": "rest", "rates": rates})
}

func (s *Server) equityHistory(c *gin.Context) {
	since := sinceFromHours(c, 24*7)
	snaps, err := s.accountant.EquityHistory(c.Request.Context(), since)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) performance(c *gin.Context) {
	days := queryFloat(c, "days", 30)
	perf, err := s.accountant.PerformanceBySymbol(c.Request.Context(), time.Now().UTC().AddDate(0, 0, -int(days)))
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": perf})
}

func (s *Server) riskStatus(c *gin.Context) {
	snap, err := s.repo.LatestSnapshot(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	resp := gin.H{
		"peak_equity": s.risk.PeakEquity(),
		"alerts":      s.risk.RecentAlerts(50),
	}
	if snap != nil {
		resp["margin_ratio"] = snap.MarginRatio
		resp["equity"] = snap.TotalEquity
		resp["drawdown"] = 0.0
		if peak := s.risk.PeakEquity(); peak > 0 {
			resp["drawdown"] = (peak - snap.TotalEquity) / peak
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) startBot(c *gin.Context) {
	if err := s.bot.Start(c.Request.Context()); err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) stopBot(c *gin.Context) {
	if err := s.bot.Stop(c.Request.Context()); err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func serverError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%v", err)})
}

func queryFloat(c *gin.Context, key string, def float64) float64 {
	v, err := strconv.ParseFloat(c.Query(key), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func sinceFromHours(c *gin.Context, defHours float64) time.Time {
	hours := queryFloat(c, "hours", defHours)
	return time.Now().UTC().Add(-time.Duration(hours * float64(time.Hour)))
}
