package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RateSink receives live funding rate updates between polling cycles.
type RateSink interface {
	CacheFundingRate(ctx context.Context, symbol string, rate, markPrice float64, ts int64) error
}

// MarkPriceFeed streams the all-market mark price / funding rate feed and
// pushes updates into a sink (typically the redis market cache, read by the
// dashboard).
type MarkPriceFeed struct {
	wsURL string // e.g. wss://fstream.binance.com
	sink  RateSink
}

// NewMarkPriceFeed creates the feed. Run blocks until ctx is cancelled.
func NewMarkPriceFeed(wsURL string, sink RateSink) *MarkPriceFeed {
	return &MarkPriceFeed{
		wsURL: strings.TrimSpace(wsURL),
		sink:  sink,
	}
}

type markPriceMsg struct {
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	FundingRate string `json:"r"`
	EventTime   int64  `json:"E"`
}

func (f *MarkPriceFeed) streamURL() (string, error) {
	if f.wsURL == "" {
		return "", errors.New("binance ws url empty")
	}
	u, err := url.Parse(f.wsURL)
	if err != nil {
		return "", err
	}
	u.Path = "/ws/!markPrice@arr"
	return u.String(), nil
}

// Run connects and consumes the stream, reconnecting with backoff on errors.
func (f *MarkPriceFeed) Run(ctx context.Context) error {
	wsURL, err := f.streamURL()
	if err != nil {
		return err
	}

	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", wsURL).Msg("mark price feed dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 500 * time.Millisecond
		log.Info().Str("url", wsURL).Msg("mark price feed connected")

		f.consume(ctx, conn)
		_ = conn.Close()
	}
}

func (f *MarkPriceFeed) consume(ctx context.Context, conn *websocket.Conn) {
	// close the socket when ctx ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("mark price feed read failed, reconnecting")
			}
			return
		}

		var msgs []markPriceMsg
		if err := json.Unmarshal(payload, &msgs); err != nil {
			continue
		}
		for _, m := range msgs {
			rate, _ := strconv.ParseFloat(m.FundingRate, 64)
			mark, _ := strconv.ParseFloat(m.MarkPrice, 64)
			if mark <= 0 {
				continue
			}
			if err := f.sink.CacheFundingRate(ctx, m.Symbol, rate, mark, m.EventTime); err != nil {
				log.Debug().Err(err).Str("symbol", m.Symbol).Msg("funding cache update failed")
			}
		}
	}
}
