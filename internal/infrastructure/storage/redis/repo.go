package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fundarb/internal/domain/model"
)

// Cache keeps live market data in Redis between polling cycles: a hash of the
// latest funding rate per symbol (fed by the mark price websocket) and an
// equity stream the dashboard can tail.
type Cache struct {
	rdb          *redis.Client
	prefix       string
	ttl          time.Duration
	keyFunding   string // prefix + ":funding"
	equityStream string
}

// LiveRate is the cached per-symbol funding snapshot.
type LiveRate struct {
	Symbol    string  `json:"symbol"`
	Rate      float64 `json:"rate"`
	MarkPrice float64 `json:"mark_price"`
	Ts        int64   `json:"ts"`
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, equityStream string) *Cache {
	if strings.TrimSpace(equityStream) == "" {
		equityStream = prefix + ":equity"
	}
	return &Cache{
		rdb:          rdb,
		prefix:       prefix,
		ttl:          ttl,
		keyFunding:   prefix + ":funding",
		equityStream: equityStream,
	}
}

// CacheFundingRate upserts one symbol into the funding hash.
func (c *Cache) CacheFundingRate(ctx context.Context, symbol string, rate, markPrice float64, ts int64) error {
	if markPrice <= 0 {
		return nil
	}
	lr := LiveRate{Symbol: symbol, Rate: rate, MarkPrice: markPrice, Ts: ts}
	b, _ := json.Marshal(lr)

	// Hash: field = "BTCUSDT" -> json
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, c.keyFunding, symbol, string(b))
	if c.ttl > 0 {
		pipe.Expire(ctx, c.keyFunding, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// LiveFundingRates reads the whole funding hash back.
func (c *Cache) LiveFundingRates(ctx context.Context) ([]*LiveRate, error) {
	fields, err := c.rdb.HGetAll(ctx, c.keyFunding).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*LiveRate, 0, len(fields))
	for _, raw := range fields {
		var lr LiveRate
		if err := json.Unmarshal([]byte(raw), &lr); err != nil {
			continue
		}
		out = append(out, &lr)
	}
	return out, nil
}

// PushEquity appends a snapshot to the equity stream.
func (c *Cache) PushEquity(ctx context.Context, snap *model.AccountSnapshot) error {
	_, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.equityStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"ts_ms":          snap.SnapshotTime.UnixMilli(),
			"equity":         snap.TotalEquity,
			"unrealized_pnl": snap.UnrealizedPnL,
			"realized_pnl":   snap.RealizedPnL,
			"funding_earned": snap.FundingEarned,
			"open_positions": snap.OpenPositions,
		},
	}).Result()
	return err
}

func (c *Cache) Close() error { return c.rdb.Close() }
