package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  status TEXT NOT NULL,
  spot_quantity REAL NOT NULL,
  spot_entry_price REAL NOT NULL,
  spot_exit_price REAL NOT NULL DEFAULT 0,
  futures_quantity REAL NOT NULL,
  futures_entry_price REAL NOT NULL,
  futures_exit_price REAL NOT NULL DEFAULT 0,
  leverage REAL NOT NULL DEFAULT 1,
  entry_funding_rate REAL NOT NULL DEFAULT 0,
  accumulated_funding REAL NOT NULL DEFAULT 0,
  funding_payments_count INTEGER NOT NULL DEFAULT 0,
  spot_pnl REAL NOT NULL DEFAULT 0,
  futures_pnl REAL NOT NULL DEFAULT 0,
  total_fees REAL NOT NULL DEFAULT 0,
  realized_pnl REAL NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  opened_at INTEGER NOT NULL DEFAULT 0,
  closed_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_closed ON positions(closed_at);

CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL,
  exchange_order_id TEXT NOT NULL DEFAULT '',
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  type TEXT NOT NULL,
  is_futures INTEGER NOT NULL,
  status TEXT NOT NULL,
  quantity REAL NOT NULL,
  price REAL NOT NULL DEFAULT 0,
  filled_quantity REAL NOT NULL DEFAULT 0,
  filled_price REAL NOT NULL DEFAULT 0,
  fee REAL NOT NULL DEFAULT 0,
  fee_currency TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id);

CREATE TABLE IF NOT EXISTS funding_payments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  position_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  rate REAL NOT NULL,
  amount REAL NOT NULL,
  position_value REAL NOT NULL,
  payment_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funding_payments_position ON funding_payments(position_id);
CREATE INDEX IF NOT EXISTS idx_funding_payments_time ON funding_payments(payment_time);

CREATE TABLE IF NOT EXISTS funding_rates (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL,
  rate REAL NOT NULL,
  mark_price REAL NOT NULL,
  recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funding_rates_symbol ON funding_rates(symbol, recorded_at);

CREATE TABLE IF NOT EXISTS account_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  spot_balance REAL NOT NULL,
  futures_balance REAL NOT NULL,
  total_equity REAL NOT NULL,
  unrealized_pnl REAL NOT NULL,
  realized_pnl REAL NOT NULL,
  funding_earned REAL NOT NULL,
  total_fees REAL NOT NULL,
  margin_ratio REAL NOT NULL,
  open_positions INTEGER NOT NULL,
  snapshot_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_time ON account_snapshots(snapshot_time);

CREATE TABLE IF NOT EXISTS bot_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`)
	return err
}

const positionColumns = `id, symbol, side, status,
  spot_quantity, spot_entry_price, spot_exit_price,
  futures_quantity, futures_entry_price, futures_exit_price,
  leverage, entry_funding_rate, accumulated_funding, funding_payments_count,
  spot_pnl, futures_pnl, total_fees, realized_pnl,
  created_at, opened_at, closed_at`

func (r *Repo) SavePosition(ctx context.Context, pos *model.Position) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions(`+positionColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		pos.ID, pos.Symbol, pos.Side, pos.Status,
		pos.SpotQuantity, pos.SpotEntryPrice, pos.SpotExitPrice,
		pos.FuturesQuantity, pos.FuturesEntryPrice, pos.FuturesExitPrice,
		pos.Leverage, pos.EntryFundingRate, pos.AccumulatedFunding, pos.FundingPaymentsCount,
		pos.SpotPnL, pos.FuturesPnL, pos.TotalFees, pos.RealizedPnL,
		toMillis(pos.CreatedAt), toMillis(pos.OpenedAt), toMillis(pos.ClosedAt),
	)
	return err
}

func (r *Repo) UpdatePosition(ctx context.Context, pos *model.Position) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE positions SET
		  status=?, spot_exit_price=?, futures_exit_price=?,
		  accumulated_funding=?, funding_payments_count=?,
		  spot_pnl=?, futures_pnl=?, total_fees=?, realized_pnl=?,
		  opened_at=?, closed_at=?
		WHERE id=?
	`,
		pos.Status, pos.SpotExitPrice, pos.FuturesExitPrice,
		pos.AccumulatedFunding, pos.FundingPaymentsCount,
		pos.SpotPnL, pos.FuturesPnL, pos.TotalFees, pos.RealizedPnL,
		toMillis(pos.OpenedAt), toMillis(pos.ClosedAt),
		pos.ID,
	)
	return err
}

func (r *Repo) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id=?`, id)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrNotFound
	}
	return pos, err
}

func (r *Repo) OpenPositions(ctx context.Context) ([]*model.Position, error) {
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE status IN ('open','closing') ORDER BY opened_at`)
}

func (r *Repo) OpenPositionBySymbol(ctx context.Context, symbol string) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE symbol=? AND status IN ('open','closing') LIMIT 1`, symbol)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return pos, err
}

func (r *Repo) ClosedPositionsSince(ctx context.Context, since time.Time) ([]*model.Position, error) {
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE status='closed' AND closed_at>=? ORDER BY closed_at`, toMillis(since))
}

func (r *Repo) ListPositions(ctx context.Context, limit int) ([]*model.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *Repo) queryPositions(ctx context.Context, query string, args ...any) ([]*model.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*model.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var pos model.Position
	var createdAt, openedAt, closedAt int64
	err := row.Scan(
		&pos.ID, &pos.Symbol, &pos.Side, &pos.Status,
		&pos.SpotQuantity, &pos.SpotEntryPrice, &pos.SpotExitPrice,
		&pos.FuturesQuantity, &pos.FuturesEntryPrice, &pos.FuturesExitPrice,
		&pos.Leverage, &pos.EntryFundingRate, &pos.AccumulatedFunding, &pos.FundingPaymentsCount,
		&pos.SpotPnL, &pos.FuturesPnL, &pos.TotalFees, &pos.RealizedPnL,
		&createdAt, &openedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	pos.CreatedAt = fromMillis(createdAt)
	pos.OpenedAt = fromMillis(openedAt)
	pos.ClosedAt = fromMillis(closedAt)
	return &pos, nil
}

func (r *Repo) SaveOrder(ctx context.Context, order *model.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders(id, position_id, exchange_order_id, symbol, side, type, is_futures, status,
		  quantity, price, filled_quantity, filled_price, fee, fee_currency, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		order.ID, order.PositionID, order.ExchangeOrderID, order.Symbol, order.Side, order.Type,
		boolToInt(order.IsFutures), order.Status,
		order.Quantity, order.Price, order.FilledQuantity, order.FilledPrice,
		order.Fee, order.FeeCurrency, toMillis(order.CreatedAt),
	)
	return err
}

func (r *Repo) OrdersByPosition(ctx context.Context, positionID string) ([]*model.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, position_id, exchange_order_id, symbol, side, type, is_futures, status,
		  quantity, price, filled_quantity, filled_price, fee, fee_currency, created_at
		FROM orders WHERE position_id=? ORDER BY created_at
	`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		var o model.Order
		var isFutures int
		var createdAt int64
		if err := rows.Scan(&o.ID, &o.PositionID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.Type,
			&isFutures, &o.Status, &o.Quantity, &o.Price, &o.FilledQuantity, &o.FilledPrice,
			&o.Fee, &o.FeeCurrency, &createdAt); err != nil {
			return nil, err
		}
		o.IsFutures = isFutures != 0
		o.CreatedAt = fromMillis(createdAt)
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func (r *Repo) SaveFundingPayment(ctx context.Context, fp *model.FundingPayment) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO funding_payments(position_id, symbol, rate, amount, position_value, payment_time)
		VALUES(?, ?, ?, ?, ?, ?)
	`, fp.PositionID, fp.Symbol, fp.Rate, fp.Amount, fp.PositionValue, toMillis(fp.PaymentTime))
	if err != nil {
		return err
	}
	fp.ID, _ = res.LastInsertId()
	return nil
}

func (r *Repo) FundingPaymentsByPosition(ctx context.Context, positionID string) ([]*model.FundingPayment, error) {
	return r.queryFundingPayments(ctx, `
		SELECT id, position_id, symbol, rate, amount, position_value, payment_time
		FROM funding_payments WHERE position_id=? ORDER BY payment_time`, positionID)
}

func (r *Repo) FundingPaymentsSince(ctx context.Context, since time.Time) ([]*model.FundingPayment, error) {
	return r.queryFundingPayments(ctx, `
		SELECT id, position_id, symbol, rate, amount, position_value, payment_time
		FROM funding_payments WHERE payment_time>=? ORDER BY payment_time`, toMillis(since))
}

func (r *Repo) queryFundingPayments(ctx context.Context, query string, args ...any) ([]*model.FundingPayment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*model.FundingPayment
	for rows.Next() {
		var fp model.FundingPayment
		var paymentTime int64
		if err := rows.Scan(&fp.ID, &fp.PositionID, &fp.Symbol, &fp.Rate, &fp.Amount, &fp.PositionValue, &paymentTime); err != nil {
			return nil, err
		}
		fp.PaymentTime = fromMillis(paymentTime)
		payments = append(payments, &fp)
	}
	return payments, rows.Err()
}

func (r *Repo) SaveFundingRate(ctx context.Context, fr *model.FundingRateHistory) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO funding_rates(symbol, rate, mark_price, recorded_at)
		VALUES(?, ?, ?, ?)
	`, fr.Symbol, fr.Rate, fr.MarkPrice, toMillis(fr.RecordedAt))
	if err != nil {
		return err
	}
	fr.ID, _ = res.LastInsertId()
	return nil
}

func (r *Repo) FundingRatesSince(ctx context.Context, symbol string, since time.Time) ([]*model.FundingRateHistory, error) {
	query := `SELECT id, symbol, rate, mark_price, recorded_at FROM funding_rates WHERE recorded_at>=?`
	args := []any{toMillis(since)}
	if symbol != "" {
		query += ` AND symbol=?`
		args = append(args, symbol)
	}
	query += ` ORDER BY recorded_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []*model.FundingRateHistory
	for rows.Next() {
		var fr model.FundingRateHistory
		var recordedAt int64
		if err := rows.Scan(&fr.ID, &fr.Symbol, &fr.Rate, &fr.MarkPrice, &recordedAt); err != nil {
			return nil, err
		}
		fr.RecordedAt = fromMillis(recordedAt)
		rates = append(rates, &fr)
	}
	return rates, rows.Err()
}

const snapshotColumns = `id, spot_balance, futures_balance, total_equity, unrealized_pnl,
  realized_pnl, funding_earned, total_fees, margin_ratio, open_positions, snapshot_time`

func (r *Repo) SaveSnapshot(ctx context.Context, snap *model.AccountSnapshot) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO account_snapshots(spot_balance, futures_balance, total_equity, unrealized_pnl,
		  realized_pnl, funding_earned, total_fees, margin_ratio, open_positions, snapshot_time)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.SpotBalance, snap.FuturesBalance, snap.TotalEquity, snap.UnrealizedPnL,
		snap.RealizedPnL, snap.FundingEarned, snap.TotalFees, snap.MarginRatio,
		snap.OpenPositions, toMillis(snap.SnapshotTime),
	)
	if err != nil {
		return err
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

func (r *Repo) LatestSnapshot(ctx context.Context) (*model.AccountSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM account_snapshots ORDER BY snapshot_time DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func (r *Repo) FirstSnapshotAfter(ctx context.Context, t time.Time) (*model.AccountSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM account_snapshots WHERE snapshot_time>=? ORDER BY snapshot_time LIMIT 1`, toMillis(t))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func (r *Repo) SnapshotsSince(ctx context.Context, since time.Time) ([]*model.AccountSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM account_snapshots WHERE snapshot_time>=? ORDER BY snapshot_time`, toMillis(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*model.AccountSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanSnapshot(row rowScanner) (*model.AccountSnapshot, error) {
	var snap model.AccountSnapshot
	var snapshotTime int64
	err := row.Scan(&snap.ID, &snap.SpotBalance, &snap.FuturesBalance, &snap.TotalEquity,
		&snap.UnrealizedPnL, &snap.RealizedPnL, &snap.FundingEarned, &snap.TotalFees,
		&snap.MarginRatio, &snap.OpenPositions, &snapshotTime)
	if err != nil {
		return nil, err
	}
	snap.SnapshotTime = fromMillis(snapshotTime)
	return &snap, nil
}

func (r *Repo) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM bot_state WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", port.ErrNotFound
	}
	return value, err
}

func (r *Repo) SetState(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bot_state(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ port.Repository = (*Repo)(nil)
