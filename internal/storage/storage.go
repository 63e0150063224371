package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/pricing"
)

// Underlying is a registry row.
type Underlying struct {
	ID                 int64  `gorm:"primaryKey"`
	ConID              int64  `gorm:"uniqueIndex;not null"`
	Symbol             string `gorm:"uniqueIndex;not null"`
	SecType            string `gorm:"not null"`
	Currency           string
	Exchange           string
	PrimaryExchange    string
	OptionExchange     string
	OptionTradingClass string
	OptionMultiplier   int
	OptionSettlement   string
	OptionStyle        string
	Is1256Contract     bool `gorm:"column:is_1256_contract"`
}

func (Underlying) TableName() string { return "underlyings" }

// Option is the identity of one option contract, written before it is subscribed.
type Option struct {
	ID           int64   `gorm:"primaryKey"`
	ConID        int64   `gorm:"uniqueIndex;not null"`
	UnderlyingID int64   `gorm:"uniqueIndex:idx_option_identity;not null"`
	Expiration   string  `gorm:"uniqueIndex:idx_option_identity;not null"`
	Right        string  `gorm:"column:opt_right;uniqueIndex:idx_option_identity;not null"`
	Strike       float64 `gorm:"uniqueIndex:idx_option_identity;not null"`
	Exchange     string
	TradingClass string
	Multiplier   int
	Currency     string
}

func (Option) TableName() string { return "options" }

// UnderlyingData is one underlying sample. A NULL price marks a missed tick.
type UnderlyingData struct {
	ID           int64     `gorm:"primaryKey"`
	UnderlyingID int64     `gorm:"uniqueIndex:idx_underlying_sample;not null"`
	Time         time.Time `gorm:"uniqueIndex:idx_underlying_sample;not null"`
	Price        *float64
}

func (UnderlyingData) TableName() string { return "underlying_data" }

// OptionData is one option quote sample. All-NULL quote columns mark a missed tick.
type OptionData struct {
	ID       int64     `gorm:"primaryKey"`
	OptionID int64     `gorm:"uniqueIndex:idx_option_sample;not null"`
	Time     time.Time `gorm:"uniqueIndex:idx_option_sample;not null"`
	Bid      *float64
	Ask      *float64
	Last     *float64
	BidSize  *int
	AskSize  *int
	BidIV    *float64 `gorm:"column:bid_iv"`
	AskIV    *float64 `gorm:"column:ask_iv"`
}

func (OptionData) TableName() string { return "option_data" }

// BuySignal records a positive model evaluation.
type BuySignal struct {
	ID           int64     `gorm:"primaryKey"`
	UnderlyingID int64     `gorm:"uniqueIndex:idx_buy_signal;not null"`
	Time         time.Time `gorm:"uniqueIndex:idx_buy_signal;not null"`
}

func (BuySignal) TableName() string { return "buy_signals" }

// Trade is one ledger entry. Quantity is signed.
type Trade struct {
	ID         int64     `gorm:"primaryKey"`
	OptionID   int64     `gorm:"index;not null"`
	Account    string
	Time       time.Time `gorm:"index;not null"`
	Quantity   int       `gorm:"not null"`
	AvgPrice   float64   `gorm:"not null"`
	Commission float64
	OrderRef   string
}

func (Trade) TableName() string { return "trades" }

// GormStorage persists market data and the trade ledger through gorm.
type GormStorage struct {
	db     *gorm.DB
	logger logrus.FieldLogger
}

// Open connects to sqlite or postgres and migrates the schema.
func Open(driver, dsn string, logger logrus.FieldLogger) (*GormStorage, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	s, err := New(dialector, logger)
	if err != nil {
		return nil, err
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql handle: %w", err)
	}
	if driver == "sqlite" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := s.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already configured dialector without migrating.
func New(dialector gorm.Dialector, logger logrus.FieldLogger) (*GormStorage, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &GormStorage{db: db, logger: logger.WithField("component", "storage")}, nil
}

// Migrate creates or updates every table.
func (s *GormStorage) Migrate() error {
	if err := s.db.AutoMigrate(
		&Underlying{},
		&Option{},
		&UnderlyingData{},
		&OptionData{},
		&BuySignal{},
		&Trade{},
	); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// insertIgnore inserts value, treating unique-key conflicts as success.
func (s *GormStorage) insertIgnore(ctx context.Context, value any) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(value).Error
}

// LoadRegistry returns every valid registry row. Invalid rows are logged and skipped.
func (s *GormStorage) LoadRegistry(ctx context.Context) ([]models.Registration, error) {
	var rows []Underlying
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}

	regs := make([]models.Registration, 0, len(rows))
	for _, row := range rows {
		reg := registrationFromRow(row)
		if err := reg.Validate(); err != nil {
			s.logger.WithError(err).WithField("id", row.ID).Warn("Skipping invalid registry row")
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// RegisterUnderlying inserts a registry row and returns its id. Registering
// an existing contract returns the existing id.
func (s *GormStorage) RegisterUnderlying(ctx context.Context, reg models.Registration) (int64, error) {
	if err := reg.Validate(); err != nil {
		return 0, err
	}
	row := rowFromRegistration(reg)
	if err := s.insertIgnore(ctx, &row); err != nil {
		return 0, fmt.Errorf("registering %s: %w", reg.Symbol, err)
	}

	var existing Underlying
	if err := s.db.WithContext(ctx).Where("con_id = ?", reg.ConID).First(&existing).Error; err != nil {
		return 0, fmt.Errorf("reading back %s: %w", reg.Symbol, err)
	}
	return existing.ID, nil
}

// LogOptions writes option identities. Contracts without a ConID are skipped.
func (s *GormStorage) LogOptions(ctx context.Context, instrumentID int64, contracts []models.Contract) error {
	rows := make([]Option, 0, len(contracts))
	for _, c := range contracts {
		if !c.Qualified() {
			continue
		}
		rows = append(rows, Option{
			ConID:        c.ConID,
			UnderlyingID: instrumentID,
			Expiration:   c.Expiration,
			Right:        string(c.Right),
			Strike:       c.Strike,
			Exchange:     c.Exchange,
			TradingClass: c.TradingClass,
			Multiplier:   c.Multiplier,
			Currency:     c.Currency,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.insertIgnore(ctx, &rows); err != nil {
		return fmt.Errorf("logging options: %w", err)
	}
	return nil
}

// LogUnderlyingSample writes one underlying price. NaN is stored as NULL.
func (s *GormStorage) LogUnderlyingSample(ctx context.Context, instrumentID int64, t time.Time, price float64) error {
	row := UnderlyingData{UnderlyingID: instrumentID, Time: t.UTC(), Price: finitePtr(price)}
	if err := s.insertIgnore(ctx, &row); err != nil {
		return fmt.Errorf("logging underlying sample: %w", err)
	}
	return nil
}

// optionIDs maps contract ids to option row ids.
func (s *GormStorage) optionIDs(ctx context.Context, conIDs []int64) (map[int64]int64, error) {
	ids := make(map[int64]int64, len(conIDs))
	if len(conIDs) == 0 {
		return ids, nil
	}
	var rows []Option
	if err := s.db.WithContext(ctx).Select("id", "con_id").Where("con_id IN ?", conIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("resolving options: %w", err)
	}
	for _, row := range rows {
		ids[row.ConID] = row.ID
	}
	return ids, nil
}

// LogOptionSamples writes option quotes at t. Unknown options are skipped.
func (s *GormStorage) LogOptionSamples(ctx context.Context, t time.Time, samples []OptionSample) error {
	if len(samples) == 0 {
		return nil
	}
	conIDs := make([]int64, 0, len(samples))
	for _, sample := range samples {
		conIDs = append(conIDs, sample.ConID)
	}
	ids, err := s.optionIDs(ctx, conIDs)
	if err != nil {
		return err
	}

	rows := make([]OptionData, 0, len(samples))
	for _, sample := range samples {
		id, ok := ids[sample.ConID]
		if !ok {
			s.logger.WithField("con_id", sample.ConID).Debug("Skipping sample for unlogged option")
			continue
		}
		rows = append(rows, optionDataRow(id, t.UTC(), sample.Quote))
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.insertIgnore(ctx, &rows); err != nil {
		return fmt.Errorf("logging option samples: %w", err)
	}
	return nil
}

// LogPlaceholders writes NULL rows for the underlying and each option at every time.
func (s *GormStorage) LogPlaceholders(ctx context.Context, instrumentID int64, optionConIDs []int64, times []time.Time) error {
	if len(times) == 0 {
		return nil
	}
	under := make([]UnderlyingData, 0, len(times))
	for _, t := range times {
		under = append(under, UnderlyingData{UnderlyingID: instrumentID, Time: t.UTC()})
	}
	if err := s.insertIgnore(ctx, &under); err != nil {
		return fmt.Errorf("logging underlying placeholders: %w", err)
	}

	ids, err := s.optionIDs(ctx, optionConIDs)
	if err != nil {
		return err
	}
	opts := make([]OptionData, 0, len(ids)*len(times))
	for _, conID := range optionConIDs {
		id, ok := ids[conID]
		if !ok {
			continue
		}
		for _, t := range times {
			opts = append(opts, OptionData{OptionID: id, Time: t.UTC()})
		}
	}
	if len(opts) == 0 {
		return nil
	}
	if err := s.insertIgnore(ctx, &opts); err != nil {
		return fmt.Errorf("logging option placeholders: %w", err)
	}
	return nil
}

// LogBuySignal records a positive signal.
func (s *GormStorage) LogBuySignal(ctx context.Context, instrumentID int64, t time.Time) error {
	row := BuySignal{UnderlyingID: instrumentID, Time: t.UTC()}
	if err := s.insertIgnore(ctx, &row); err != nil {
		return fmt.Errorf("logging buy signal: %w", err)
	}
	return nil
}

// LatestPrice returns the most recent non-null underlying price.
func (s *GormStorage) LatestPrice(ctx context.Context, instrumentID int64) (float64, error) {
	var row UnderlyingData
	err := s.db.WithContext(ctx).
		Where("underlying_id = ? AND price IS NOT NULL", instrumentID).
		Order("time DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && row.Price == nil) {
		return 0, ErrNoPrice
	}
	if err != nil {
		return 0, fmt.Errorf("reading latest price: %w", err)
	}
	return *row.Price, nil
}

// PriceExtrema returns per-minute highs and lows for samples in (at-lookback, at].
func (s *GormStorage) PriceExtrema(ctx context.Context, instrumentID int64, at time.Time, lookback time.Duration) ([]pricing.Extrema, error) {
	var rows []UnderlyingData
	err := s.db.WithContext(ctx).
		Where("underlying_id = ? AND price IS NOT NULL AND time > ? AND time <= ?",
			instrumentID, at.Add(-lookback).UTC(), at.UTC()).
		Order("time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("reading price extrema: %w", err)
	}

	samples := make([]timedPrice, 0, len(rows))
	for _, row := range rows {
		if row.Price == nil {
			continue
		}
		samples = append(samples, timedPrice{Time: row.Time, Price: *row.Price})
	}
	return bucketExtrema(samples), nil
}

// LogTrade appends a fill to the ledger. The option identity is created when it
// was never logged.
func (s *GormStorage) LogTrade(ctx context.Context, fill models.Fill) error {
	if fill.Quantity == 0 {
		return nil
	}
	optionID, err := s.resolveOption(ctx, fill.Contract)
	if err != nil {
		return err
	}
	t := fill.Time
	if t.IsZero() {
		t = time.Now()
	}
	row := Trade{
		OptionID:   optionID,
		Account:    fill.Account,
		Time:       t.UTC(),
		Quantity:   fill.Quantity,
		AvgPrice:   fill.AvgPrice,
		Commission: fill.Commission,
		OrderRef:   fill.OrderRef,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("logging trade: %w", err)
	}
	return nil
}

func (s *GormStorage) resolveOption(ctx context.Context, c models.Contract) (int64, error) {
	ids, err := s.optionIDs(ctx, []int64{c.ConID})
	if err != nil {
		return 0, err
	}
	if id, ok := ids[c.ConID]; ok {
		return id, nil
	}

	var under Underlying
	err = s.db.WithContext(ctx).Where("symbol = ?", c.Symbol).First(&under).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUnderlying, c.Symbol)
	}
	if err != nil {
		return 0, fmt.Errorf("resolving underlying %s: %w", c.Symbol, err)
	}
	if err := s.LogOptions(ctx, under.ID, []models.Contract{c}); err != nil {
		return 0, err
	}
	ids, err = s.optionIDs(ctx, []int64{c.ConID})
	if err != nil {
		return 0, err
	}
	id, ok := ids[c.ConID]
	if !ok {
		return 0, fmt.Errorf("%w: con_id %d", ErrUnknownOption, c.ConID)
	}
	return id, nil
}

func (s *GormStorage) ledgerQuery(ctx context.Context, since time.Time) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("trades").
		Joins("JOIN options ON trades.option_id = options.id").
		Joins("JOIN underlyings ON options.underlying_id = underlyings.id").
		Where("trades.time >= ?", since.UTC())
}

// PositionSize returns the net signed quantity traded for symbol since the given time.
func (s *GormStorage) PositionSize(ctx context.Context, symbol string, since time.Time) (int, error) {
	var total int64
	err := s.ledgerQuery(ctx, since).
		Where("underlyings.symbol = ?", symbol).
		Select("COALESCE(SUM(trades.quantity), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("reading position size for %s: %w", symbol, err)
	}
	return int(total), nil
}

// OpenPositions returns the non-zero ledger holdings for symbol since the given time.
func (s *GormStorage) OpenPositions(ctx context.Context, symbol string, since time.Time) ([]models.Position, error) {
	return s.openPositions(ctx, since, symbol)
}

// AllOpenPositions returns the non-zero ledger holdings of every symbol.
func (s *GormStorage) AllOpenPositions(ctx context.Context, since time.Time) ([]models.Position, error) {
	return s.openPositions(ctx, since, "")
}

func (s *GormStorage) openPositions(ctx context.Context, since time.Time, symbol string) ([]models.Position, error) {
	q := s.ledgerQuery(ctx, since).Select(
		"underlyings.symbol AS symbol, underlyings.currency AS currency, " +
			"options.con_id AS con_id, options.strike AS strike, options.opt_right AS opt_right, " +
			"options.expiration AS expiration, options.exchange AS exchange, " +
			"options.trading_class AS trading_class, options.multiplier AS multiplier, " +
			"trades.quantity AS quantity, trades.avg_price AS avg_price, " +
			"trades.commission AS commission")
	if symbol != "" {
		q = q.Where("underlyings.symbol = ?", symbol)
	}
	var rows []ledgerRow
	if err := q.Order("trades.time ASC").Order("trades.id ASC").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading open positions: %w", err)
	}
	return aggregateLedger(rows), nil
}

// Close releases the database handle.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func registrationFromRow(row Underlying) models.Registration {
	return models.Registration{
		ID:                 row.ID,
		ConID:              row.ConID,
		Symbol:             row.Symbol,
		SecType:            models.SecType(row.SecType),
		Currency:           row.Currency,
		Exchange:           row.Exchange,
		PrimaryExchange:    row.PrimaryExchange,
		OptionExchange:     row.OptionExchange,
		OptionTradingClass: row.OptionTradingClass,
		OptionMultiplier:   row.OptionMultiplier,
		OptionSettlement:   row.OptionSettlement,
		OptionStyle:        row.OptionStyle,
		Is1256Contract:     row.Is1256Contract,
	}
}

func rowFromRegistration(reg models.Registration) Underlying {
	return Underlying{
		ConID:              reg.ConID,
		Symbol:             reg.Symbol,
		SecType:            string(reg.SecType),
		Currency:           reg.Currency,
		Exchange:           reg.Exchange,
		PrimaryExchange:    reg.PrimaryExchange,
		OptionExchange:     reg.OptionExchange,
		OptionTradingClass: reg.OptionTradingClass,
		OptionMultiplier:   reg.OptionMultiplier,
		OptionSettlement:   reg.OptionSettlement,
		OptionStyle:        reg.OptionStyle,
		Is1256Contract:     reg.Is1256Contract,
	}
}

func optionDataRow(optionID int64, t time.Time, q *models.Quote) OptionData {
	row := OptionData{OptionID: optionID, Time: t}
	if q == nil {
		return row
	}
	row.Bid = finitePtr(q.Bid)
	row.Ask = finitePtr(q.Ask)
	row.Last = finitePtr(q.Last)
	row.BidIV = finitePtr(q.BidIV)
	row.AskIV = finitePtr(q.AskIV)
	if row.Bid != nil {
		bs := q.BidSize
		row.BidSize = &bs
	}
	if row.Ask != nil {
		as := q.AskSize
		row.AskSize = &as
	}
	return row
}
