package storage

import (
	"context"
	"time"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/pricing"
)

// OptionSample is one option quote row. A nil Quote writes a placeholder.
type OptionSample struct {
	ConID int64
	Quote *models.Quote
}

// Interface defines the contract for market-data and trade-ledger persistence.
//
// Implementations must be safe for concurrent use - the scheduler and every
// position monitor write through the same store. Inserts that hit a unique
// key are a no-op, never an error.
type Interface interface {
	// Instrument registry
	LoadRegistry(ctx context.Context) ([]models.Registration, error)
	RegisterUnderlying(ctx context.Context, reg models.Registration) (int64, error)

	// Market data
	LogOptions(ctx context.Context, instrumentID int64, contracts []models.Contract) error
	LogUnderlyingSample(ctx context.Context, instrumentID int64, t time.Time, price float64) error
	LogOptionSamples(ctx context.Context, t time.Time, samples []OptionSample) error
	LogPlaceholders(ctx context.Context, instrumentID int64, optionConIDs []int64, times []time.Time) error
	LogBuySignal(ctx context.Context, instrumentID int64, t time.Time) error
	LatestPrice(ctx context.Context, instrumentID int64) (float64, error)
	PriceExtrema(ctx context.Context, instrumentID int64, at time.Time, lookback time.Duration) ([]pricing.Extrema, error)

	// Trade ledger
	LogTrade(ctx context.Context, fill models.Fill) error
	PositionSize(ctx context.Context, symbol string, since time.Time) (int, error)
	OpenPositions(ctx context.Context, symbol string, since time.Time) ([]models.Position, error)
	AllOpenPositions(ctx context.Context, since time.Time) ([]models.Position, error)

	Close() error
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*GormStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
