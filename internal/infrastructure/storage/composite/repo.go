package composite

import (
	"context"
	"time"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/storage/redis"
)

// Repo layers the redis market cache over a primary repository. All reads and
// writes go to the primary; funding rates and snapshots are mirrored into the
// cache for the dashboard. Cache errors never fail the write.
type Repo struct {
	primary port.Repository
	cache   *redis.Cache
}

func New(primary port.Repository, cache *redis.Cache) *Repo {
	return &Repo{primary: primary, cache: cache}
}

func (r *Repo) SavePosition(ctx context.Context, pos *model.Position) error {
	return r.primary.SavePosition(ctx, pos)
}

func (r *Repo) UpdatePosition(ctx context.Context, pos *model.Position) error {
	return r.primary.UpdatePosition(ctx, pos)
}

func (r *Repo) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return r.primary.GetPosition(ctx, id)
}

func (r *Repo) OpenPositions(ctx context.Context) ([]*model.Position, error) {
	return r.primary.OpenPositions(ctx)
}

func (r *Repo) OpenPositionBySymbol(ctx context.Context, symbol string) (*model.Position, error) {
	return r.primary.OpenPositionBySymbol(ctx, symbol)
}

func (r *Repo) ClosedPositionsSince(ctx context.Context, since time.Time) ([]*model.Position, error) {
	return r.primary.ClosedPositionsSince(ctx, since)
}

func (r *Repo) ListPositions(ctx context.Context, limit int) ([]*model.Position, error) {
	return r.primary.ListPositions(ctx, limit)
}

func (r *Repo) SaveOrder(ctx context.Context, order *model.Order) error {
	return r.primary.SaveOrder(ctx, order)
}

func (r *Repo) OrdersByPosition(ctx context.Context, positionID string) ([]*model.Order, error) {
	return r.primary.OrdersByPosition(ctx, positionID)
}

func (r *Repo) SaveFundingPayment(ctx context.Context, fp *model.FundingPayment) error {
	return r.primary.SaveFundingPayment(ctx, fp)
}

func (r *Repo) FundingPaymentsByPosition(ctx context.Context, positionID string) ([]*model.FundingPayment, error) {
	return r.primary.FundingPaymentsByPosition(ctx, positionID)
}

func (r *Repo) FundingPaymentsSince(ctx context.Context, since time.Time) ([]*model.FundingPayment, error) {
	return r.primary.FundingPaymentsSince(ctx, since)
}

func (r *Repo) SaveFundingRate(ctx context.Context, fr *model.FundingRateHistory) error {
	if err := r.primary.SaveFundingRate(ctx, fr); err != nil {
		return err
	}
	if r.cache != nil {
		_ = r.cache.CacheFundingRate(ctx, fr.Symbol, fr.Rate, fr.MarkPrice, fr.RecordedAt.UnixMilli())
	}
	return nil
}

func (r *Repo) FundingRatesSince(ctx context.Context, symbol string, since time.Time) ([]*model.FundingRateHistory, error) {
	return r.primary.FundingRatesSince(ctx, symbol, since)
}

func (r *Repo) SaveSnapshot(ctx context.Context, snap *model.AccountSnapshot) error {
	if err := r.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	if r.cache != nil {
		_ = r.cache.PushEquity(ctx, snap)
	}
	return nil
}

func (r *Repo) LatestSnapshot(ctx context.Context) (*model.AccountSnapshot, error) {
	return r.primary.LatestSnapshot(ctx)
}

func (r *Repo) FirstSnapshotAfter(ctx context.Context, t time.Time) (*model.AccountSnapshot, error) {
	return r.primary.FirstSnapshotAfter(ctx, t)
}

func (r *Repo) SnapshotsSince(ctx context.Context, since time.Time) ([]*model.AccountSnapshot, error) {
	return r.primary.SnapshotsSince(ctx, since)
}

func (r *Repo) GetState(ctx context.Context, key string) (string, error) {
	return r.primary.GetState(ctx, key)
}

func (r *Repo) SetState(ctx context.Context, key, value string) error {
	return r.primary.SetState(ctx, key, value)
}

func (r *Repo) Close() error {
	return r.primary.Close()
}

var _ port.Repository = (*Repo)(nil)
