package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_straddle/internal/logging"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

// TestInterface runs the common contract against both implementations
func TestInterface(t *testing.T) {
	t.Run("MockStorage", func(t *testing.T) {
		testInterface(t, NewMockStorage())
	})

	t.Run("GormStorage", func(t *testing.T) {
		testInterface(t, newSQLiteStorage(t))
	})
}

func newSQLiteStorage(t *testing.T) *GormStorage {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	s, err := Open("sqlite", dsn, logging.Discard())
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRegistration() models.Registration {
	return models.Registration{
		ConID:           756733,
		Symbol:          "spy",
		SecType:         models.SecTypeStock,
		PrimaryExchange: "ARCA",
	}
}

func testOption(conID int64, strike float64, right models.Right) models.Contract {
	return models.Contract{
		ConID:        conID,
		Symbol:       "SPY",
		SecType:      models.SecTypeOption,
		Exchange:     "SMART",
		Currency:     "USD",
		TradingClass: "SPY",
		Multiplier:   100,
		Strike:       strike,
		Right:        right,
		Expiration:   "20260116",
	}
}

func testInterface(t *testing.T, storage Interface) {
	ctx := context.Background()
	base := time.Date(2026, 1, 12, 15, 0, 0, 0, time.UTC)

	id, err := storage.RegisterUnderlying(ctx, testRegistration())
	if err != nil {
		t.Fatalf("RegisterUnderlying: %v", err)
	}
	again, err := storage.RegisterUnderlying(ctx, testRegistration())
	if err != nil {
		t.Fatalf("RegisterUnderlying twice: %v", err)
	}
	if again != id {
		t.Errorf("Expected duplicate registration to return id %d, got %d", id, again)
	}

	regs, err := storage.LoadRegistry(ctx)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(regs) != 1 || regs[0].Symbol != "SPY" || regs[0].Exchange != "SMART" {
		t.Fatalf("Unexpected registry %+v", regs)
	}

	// Latest price before any sample
	if _, err := storage.LatestPrice(ctx, id); !errors.Is(err, ErrNoPrice) {
		t.Errorf("Expected ErrNoPrice, got %v", err)
	}

	call := testOption(1001, 500, models.RightCall)
	put := testOption(1002, 500, models.RightPut)
	if err := storage.LogOptions(ctx, id, []models.Contract{call, put}); err != nil {
		t.Fatalf("LogOptions: %v", err)
	}
	if err := storage.LogOptions(ctx, id, []models.Contract{call}); err != nil {
		t.Errorf("Duplicate LogOptions should be a no-op, got %v", err)
	}

	// Two minutes of samples plus a NULL that must be ignored
	samples := []struct {
		offset time.Duration
		price  float64
	}{
		{0, 500},
		{20 * time.Second, 502},
		{40 * time.Second, 499},
		{70 * time.Second, 501},
		{80 * time.Second, math.NaN()},
		{90 * time.Second, 503},
	}
	for _, s := range samples {
		if err := storage.LogUnderlyingSample(ctx, id, base.Add(s.offset), s.price); err != nil {
			t.Fatalf("LogUnderlyingSample: %v", err)
		}
	}
	if err := storage.LogUnderlyingSample(ctx, id, base, 400); err != nil {
		t.Errorf("Duplicate sample should be a no-op, got %v", err)
	}

	latest, err := storage.LatestPrice(ctx, id)
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if latest != 503 {
		t.Errorf("Expected latest price 503, got %v", latest)
	}

	extrema, err := storage.PriceExtrema(ctx, id, base.Add(2*time.Minute), 15*time.Minute)
	if err != nil {
		t.Fatalf("PriceExtrema: %v", err)
	}
	if len(extrema) != 2 {
		t.Fatalf("Expected 2 minute buckets, got %d: %+v", len(extrema), extrema)
	}
	if extrema[0].High != 502 || extrema[0].Low != 499 {
		t.Errorf("First bucket = %+v, want 502/499", extrema[0])
	}
	if extrema[1].High != 503 || extrema[1].Low != 501 {
		t.Errorf("Second bucket = %+v, want 503/501", extrema[1])
	}

	q := models.Quote{Bid: 1.1, Ask: 1.2, Last: 1.15, BidSize: 10, AskSize: 12, BidIV: 0.2, AskIV: 0.21}
	err = storage.LogOptionSamples(ctx, base, []OptionSample{
		{ConID: call.ConID, Quote: &q},
		{ConID: put.ConID, Quote: &q},
		{ConID: 9999, Quote: &q},
	})
	if err != nil {
		t.Fatalf("LogOptionSamples: %v", err)
	}
	err = storage.LogPlaceholders(ctx, id, []int64{call.ConID, put.ConID},
		[]time.Time{base.Add(250 * time.Millisecond), base.Add(500 * time.Millisecond)})
	if err != nil {
		t.Fatalf("LogPlaceholders: %v", err)
	}
	if err := storage.LogBuySignal(ctx, id, base); err != nil {
		t.Fatalf("LogBuySignal: %v", err)
	}
	if err := storage.LogBuySignal(ctx, id, base); err != nil {
		t.Errorf("Duplicate buy signal should be a no-op, got %v", err)
	}

	// Ledger: buy 10 calls in two lots, sell 4; buy 5 puts and sell all
	sessionStart := base.Add(-time.Hour)
	fills := []models.Fill{
		{Time: base, Contract: call, Quantity: 6, AvgPrice: 1.0, Commission: 0.1},
		{Time: base.Add(time.Second), Contract: call, Quantity: 4, AvgPrice: 1.5, Commission: 0.2},
		{Time: base.Add(time.Minute), Contract: call, Quantity: -4, AvgPrice: 2.0, Commission: 0.3},
		{Time: base, Contract: put, Quantity: 5, AvgPrice: 0.8},
		{Time: base.Add(time.Minute), Contract: put, Quantity: -5, AvgPrice: 0.9},
		{Time: base, Contract: call, Quantity: 0, AvgPrice: 1.0},
	}
	for _, f := range fills {
		if err := storage.LogTrade(ctx, f); err != nil {
			t.Fatalf("LogTrade: %v", err)
		}
	}

	size, err := storage.PositionSize(ctx, "SPY", sessionStart)
	if err != nil {
		t.Fatalf("PositionSize: %v", err)
	}
	if size != 6 {
		t.Errorf("Expected net size 6, got %d", size)
	}
	if size, _ := storage.PositionSize(ctx, "SPY", base.Add(time.Hour)); size != 0 {
		t.Errorf("Expected no trades after the session, got %d", size)
	}

	open, err := storage.OpenPositions(ctx, "SPY", sessionStart)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("Expected 1 open position, got %+v", open)
	}
	pos := open[0]
	if pos.Contract.ConID != call.ConID || pos.Quantity != 6 || pos.Source != models.SourceLedger {
		t.Errorf("Unexpected position %+v", pos)
	}
	if math.Abs(pos.AvgPrice-1.2) > 1e-9 {
		t.Errorf("Expected weighted avg 1.2, got %v", pos.AvgPrice)
	}
	if pos.Commission != 0.6 {
		t.Errorf("Expected commission 0.6 across three call trades, got %v", pos.Commission)
	}
	if pos.Contract.Right != models.RightCall || pos.Contract.Expiration != "20260116" {
		t.Errorf("Ledger lost contract identity: %+v", pos.Contract)
	}

	all, err := storage.AllOpenPositions(ctx, sessionStart)
	if err != nil {
		t.Fatalf("AllOpenPositions: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 open position overall, got %d", len(all))
	}

	// A fill on an option never logged is attached to its underlying
	unlogged := testOption(1003, 505, models.RightCall)
	if err := storage.LogTrade(ctx, models.Fill{Time: base, Contract: unlogged, Quantity: 1, AvgPrice: 0.5}); err != nil {
		t.Fatalf("LogTrade unlogged option: %v", err)
	}
	orphan := unlogged
	orphan.ConID = 1004
	orphan.Symbol = "QQQ"
	if err := storage.LogTrade(ctx, models.Fill{Time: base, Contract: orphan, Quantity: 1, AvgPrice: 0.5}); !errors.Is(err, ErrUnknownUnderlying) {
		t.Errorf("Expected ErrUnknownUnderlying, got %v", err)
	}
}
