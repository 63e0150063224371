// Package account keeps the latest broker account summary.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/broker"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/retry"
)

// SummaryReader is the slice of the broker client the tracker needs.
type SummaryReader interface {
	AccountSummary(ctx context.Context) (map[string]float64, error)
}

// Tracker caches the account snapshot. Safe for concurrent use.
type Tracker struct {
	client  SummaryReader
	retrier *retry.Retrier
	logger  logrus.FieldLogger
	now     func() time.Time

	mu   sync.RWMutex
	snap models.AccountSnapshot
}

// NewTracker creates a tracker. A nil retrier performs single attempts.
func NewTracker(client SummaryReader, retrier *retry.Retrier, logger logrus.FieldLogger) *Tracker {
	if logger == nil {
		logger = logrus.New()
	}
	if retrier == nil {
		retrier = retry.New(logger, retry.Config{MaxRetries: 0})
	}
	return &Tracker{
		client:  client,
		retrier: retrier,
		logger:  logger.WithField("component", "account"),
		now:     time.Now,
	}
}

// FromSummary maps broker summary tags onto a snapshot.
func FromSummary(values map[string]float64, at time.Time) models.AccountSnapshot {
	snap := models.AccountSnapshot{UpdatedAt: at}
	for tag, v := range values {
		switch tag {
		case broker.TagTotalCashValue:
			snap.TotalCashValue = v
		case broker.TagCashBalance:
			snap.Cash = v
		case broker.TagAvailableFunds:
			snap.AvailableFunds = v
		case broker.TagBuyingPower:
			snap.BuyingPower = v
		case broker.TagMaintMarginReq:
			snap.MaintMargin = v
		case broker.TagExcessLiquidity:
			snap.ExcessLiquidity = v
		case broker.TagCushion:
			snap.Cushion = v
		}
	}
	if _, ok := values[broker.TagCashBalance]; !ok {
		snap.Cash = snap.TotalCashValue
	}
	return snap
}

// Refresh pulls the account summary and replaces the cached snapshot. The
// previous snapshot is kept on error.
func (t *Tracker) Refresh(ctx context.Context) (models.AccountSnapshot, error) {
	values, err := retry.Do(ctx, t.retrier, "account summary", t.client.AccountSummary)
	if err != nil {
		return t.Snapshot(), fmt.Errorf("refreshing account: %w", err)
	}
	snap := FromSummary(values, t.now().UTC())

	t.mu.Lock()
	t.snap = snap
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"available_funds": snap.AvailableFunds,
		"cash":            snap.Cash,
		"cushion":         snap.Cushion,
	}).Debug("Account refreshed")
	return snap, nil
}

// Snapshot returns the cached snapshot.
func (t *Tracker) Snapshot() models.AccountSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// AvailableFunds returns the cached available funds.
func (t *Tracker) AvailableFunds() float64 {
	return t.Snapshot().AvailableFunds
}

// Run refreshes every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
				t.logger.WithError(err).Warn("Periodic account refresh failed")
			}
		}
	}
}
