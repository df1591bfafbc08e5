package port

import (
	"context"
	"errors"
	"time"

	"fundarb/internal/domain/model"
)

// ErrNotFound 查询无结果时由仓储返回
var ErrNotFound = errors.New("record not found")

type Repository interface {
	// Position operations
	SavePosition(ctx context.Context, pos *model.Position) error
	UpdatePosition(ctx context.Context, pos *model.Position) error
	GetPosition(ctx context.Context, id string) (*model.Position, error)
	OpenPositions(ctx context.Context) ([]*model.Position, error)
	OpenPositionBySymbol(ctx context.Context, symbol string) (*model.Position, error)
	ClosedPositionsSince(ctx context.Context, since time.Time) ([]*model.Position, error)
	ListPositions(ctx context.Context, limit int) ([]*model.Position, error)

	// Order operations
	SaveOrder(ctx context.Context, order *model.Order) error
	OrdersByPosition(ctx context.Context, positionID string) ([]*model.Order, error)

	// Funding operations
	SaveFundingPayment(ctx context.Context, fp *model.FundingPayment) error
	FundingPaymentsByPosition(ctx context.Context, positionID string) ([]*model.FundingPayment, error)
	FundingPaymentsSince(ctx context.Context, since time.Time) ([]*model.FundingPayment, error)
	SaveFundingRate(ctx context.Context, fr *model.FundingRateHistory) error
	FundingRatesSince(ctx context.Context, symbol string, since time.Time) ([]*model.FundingRateHistory, error)

	// Snapshot operations
	SaveSnapshot(ctx context.Context, snap *model.AccountSnapshot) error
	LatestSnapshot(ctx context.Context) (*model.AccountSnapshot, error)
	FirstSnapshotAfter(ctx context.Context, t time.Time) (*model.AccountSnapshot, error)
	SnapshotsSince(ctx context.Context, since time.Time) ([]*model.AccountSnapshot, error)

	// Bot state operations
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Connection management
	Close() error
}
