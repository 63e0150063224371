// Package config provides configuration management for the straddle engine.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // embedded zone database for minimal containers

	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v3"
)

// Mode selects the broker environment.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
	ModeTest  Mode = "test"
)

// Ports the broker gateway listens on for live accounts.
var livePorts = map[int]bool{4001: true, 7496: true}

// envPrefix is the prefix for environment overrides, e.g. STRADDLE_ACCOUNT.
const envPrefix = "STRADDLE"

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Session     SessionConfig     `yaml:"session"`
	Instrument  InstrumentConfig  `yaml:"instrument"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Storage     StorageConfig     `yaml:"storage"`
	Calendar    CalendarConfig    `yaml:"calendar"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      Mode   `yaml:"mode"`       // live | paper | test; inferred from the endpoint when empty
	Testing   bool   `yaml:"testing"`    // forces test mode
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines broker gateway settings.
type BrokerConfig struct {
	AccountID      string        `yaml:"account_id"`
	Endpoint       string        `yaml:"endpoint"`        // REST bridge, e.g. http://127.0.0.1:7497
	StreamEndpoint string        `yaml:"stream_endpoint"` // quote stream, e.g. ws://127.0.0.1:7497/stream
	APIKey         string        `yaml:"api_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// SubscribeRate caps market-data subscription requests per second
	SubscribeRate float64 `yaml:"subscribe_rate"`
}

// SessionConfig defines the scheduler loop.
type SessionConfig struct {
	TickInterval           time.Duration `yaml:"tick_interval"`
	PreCloseBuffer         time.Duration `yaml:"pre_close_buffer"`
	Timezone               string        `yaml:"timezone"`
	FundsFloor             float64       `yaml:"funds_floor"`
	AccountRefreshInterval time.Duration `yaml:"account_refresh_interval"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
}

// InstrumentConfig defines per-instrument lifecycle parameters.
type InstrumentConfig struct {
	QualifyTimeout time.Duration `yaml:"qualify_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StrikeWidth    int           `yaml:"strike_width"` // strikes on each side of spot
	EntryDelay     time.Duration `yaml:"entry_delay"`  // after open
	EntryCutoff    time.Duration `yaml:"entry_cutoff"` // before close
	HoldingPeriod  time.Duration `yaml:"holding_period"`
	VolLookback    time.Duration `yaml:"vol_lookback"`
}

// StrategyConfig defines signal and sizing parameters.
type StrategyConfig struct {
	AllocationPct float64 `yaml:"allocation_pct"`
	MaxAsk        float64 `yaml:"max_ask"`
	MaxFairMargin float64 `yaml:"max_fair_margin"`
	ProfitTarget  float64 `yaml:"profit_target"`
	RiskFreeRate  float64 `yaml:"risk_free_rate"`
	// Signal thresholds
	VolMAGapMin float64 `yaml:"vol_ma_gap_min"`
	VolGapMin   float64 `yaml:"vol_gap_min"`
	IVMax       float64 `yaml:"iv_max"`
}

// ExecutionConfig defines the order fill loop.
type ExecutionConfig struct {
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	MaxBalanceDepth   int           `yaml:"max_balance_depth"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	OrderTimeout      time.Duration `yaml:"order_timeout"`
	TimeInForce       string        `yaml:"time_in_force"`
	SellSpreadMax     float64       `yaml:"sell_spread_max"`   // ask/bid above this sells at fair value
	SellBidFairMax    float64       `yaml:"sell_bid_fair_max"` // bid/fair above this sells at fair value
	PennyTicks        bool          `yaml:"penny_ticks"`
	OrderRate         float64       `yaml:"order_rate"` // orders per second
}

// MonitorConfig defines position supervision.
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// StorageConfig defines the trade ledger and market-data store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// CalendarConfig lists market holidays and early closes.
type CalendarConfig struct {
	Holidays    []string          `yaml:"holidays"`     // YYYY-MM-DD
	EarlyCloses map[string]string `yaml:"early_closes"` // YYYY-MM-DD -> HH:MM
}

// DashboardConfig defines the operator status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// overrides maps environment variables onto the fields operators set per host.
type overrides struct {
	Account   string `envconfig:"ACCOUNT"`
	Endpoint  string `envconfig:"ENDPOINT"`
	Stream    string `envconfig:"STREAM_ENDPOINT"`
	APIKey    string `envconfig:"API_KEY"`
	Mode      string `envconfig:"MODE"`
	Testing   bool   `envconfig:"TESTING"`
	DSN       string `envconfig:"DATABASE_DSN"`
	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT"`
	Dashboard string `envconfig:"DASHBOARD_ADDR"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML with environment expansion. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays STRADDLE_* environment variables.
func (c *Config) ApplyEnv() error {
	var o overrides
	if err := envconfig.Process(envPrefix, &o); err != nil {
		return fmt.Errorf("processing env config: %w", err)
	}
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&c.Broker.AccountID, o.Account)
	setIf(&c.Broker.Endpoint, o.Endpoint)
	setIf(&c.Broker.StreamEndpoint, o.Stream)
	setIf(&c.Broker.APIKey, o.APIKey)
	setIf(&c.Storage.DSN, o.DSN)
	setIf(&c.Environment.LogLevel, o.LogLevel)
	setIf(&c.Environment.LogFormat, o.LogFormat)
	setIf(&c.Dashboard.Addr, o.Dashboard)
	if o.Mode != "" {
		c.Environment.Mode = Mode(strings.ToLower(o.Mode))
	}
	if o.Testing {
		c.Environment.Testing = true
	}
	return nil
}

// Default returns a configuration with every tunable at its standard value.
func Default() *Config {
	return &Config{
		Environment: EnvironmentConfig{LogLevel: "info", LogFormat: "text"},
		Broker: BrokerConfig{
			ConnectTimeout: 120 * time.Second,
			RequestTimeout: 10 * time.Second,
			SubscribeRate:  40,
		},
		Session: SessionConfig{
			TickInterval:           250 * time.Millisecond,
			PreCloseBuffer:         15 * time.Minute,
			Timezone:               "America/New_York",
			FundsFloor:             10000,
			AccountRefreshInterval: time.Minute,
			ShutdownTimeout:        2 * time.Minute,
		},
		Instrument: InstrumentConfig{
			QualifyTimeout: 12 * time.Second,
			PollInterval:   100 * time.Millisecond,
			StrikeWidth:    3,
			EntryDelay:     15 * time.Minute,
			EntryCutoff:    4 * time.Hour,
			HoldingPeriod:  29 * time.Minute,
			VolLookback:    15 * time.Minute,
		},
		Strategy: StrategyConfig{
			AllocationPct: 0.25,
			MaxAsk:        30,
			MaxFairMargin: 0.20,
			ProfitTarget:  0.50,
			RiskFreeRate:  0.02,
			VolMAGapMin:   0,
			VolGapMin:     0.05,
			IVMax:         0.25,
		},
		Execution: ExecutionConfig{
			MaxFailedAttempts: 12,
			MaxBalanceDepth:   4,
			PollInterval:      50 * time.Millisecond,
			OrderTimeout:      30 * time.Second,
			TimeInForce:       "IOC",
			SellSpreadMax:     1.1,
			SellBidFairMax:    1.25,
			PennyTicks:        true,
			OrderRate:         5,
		},
		Monitor: MonitorConfig{
			PollInterval: 100 * time.Millisecond,
			CloseTimeout: 5 * time.Minute,
		},
		Storage:  StorageConfig{Driver: "sqlite", DSN: "straddle.db"},
		Calendar: CalendarConfig{EarlyCloses: map[string]string{}},
		Dashboard: DashboardConfig{
			Addr: "127.0.0.1:8089",
		},
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	switch c.Environment.Mode {
	case ModeLive, ModePaper, ModeTest:
	default:
		return fmt.Errorf("environment.mode must be 'live', 'paper' or 'test'")
	}
	switch c.Environment.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Environment.Mode != ModeTest && c.Broker.Endpoint == "" {
		return fmt.Errorf("broker.endpoint is required outside test mode")
	}
	if c.Broker.ConnectTimeout <= 0 {
		return fmt.Errorf("broker.connect_timeout must be > 0")
	}

	if c.Session.TickInterval <= 0 {
		return fmt.Errorf("session.tick_interval must be > 0")
	}
	if c.Session.FundsFloor < 0 {
		return fmt.Errorf("session.funds_floor must be >= 0")
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("session.timezone invalid: %w", err)
	}

	if c.Instrument.StrikeWidth < 1 {
		return fmt.Errorf("instrument.strike_width must be >= 1")
	}
	if c.Instrument.HoldingPeriod <= 0 {
		return fmt.Errorf("instrument.holding_period must be > 0")
	}
	if c.Instrument.QualifyTimeout <= 0 || c.Instrument.PollInterval <= 0 {
		return fmt.Errorf("instrument.qualify_timeout and poll_interval must be > 0")
	}

	if c.Strategy.AllocationPct <= 0 || c.Strategy.AllocationPct > 1.0 {
		return fmt.Errorf("strategy.allocation_pct must be between 0 and 1.0")
	}
	if c.Strategy.MaxAsk <= 0 {
		return fmt.Errorf("strategy.max_ask must be > 0")
	}
	if c.Strategy.MaxFairMargin <= 0 {
		return fmt.Errorf("strategy.max_fair_margin must be > 0")
	}
	if c.Strategy.ProfitTarget <= 0 {
		return fmt.Errorf("strategy.profit_target must be > 0")
	}

	if c.Execution.MaxFailedAttempts <= 0 {
		return fmt.Errorf("execution.max_failed_attempts must be > 0")
	}
	if c.Execution.MaxBalanceDepth <= 0 {
		return fmt.Errorf("execution.max_balance_depth must be > 0")
	}
	switch strings.ToUpper(c.Execution.TimeInForce) {
	case "DAY", "IOC":
	default:
		return fmt.Errorf("execution.time_in_force must be 'DAY' or 'IOC'")
	}
	if c.Execution.SellSpreadMax <= 1 || c.Execution.SellBidFairMax <= 1 {
		return fmt.Errorf("execution sell thresholds must be > 1")
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'postgres'")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	for _, d := range c.Calendar.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("calendar.holidays: %q: %w", d, err)
		}
	}
	for d, hm := range c.Calendar.EarlyCloses {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("calendar.early_closes: %q: %w", d, err)
		}
		if _, err := time.Parse("15:04", hm); err != nil {
			return fmt.Errorf("calendar.early_closes[%s]: %q: %w", d, hm, err)
		}
	}

	return nil
}

// normalize fills values derived from other settings.
func (c *Config) normalize() {
	c.Environment.Mode = Mode(strings.ToLower(string(c.Environment.Mode)))
	if c.Environment.Testing {
		c.Environment.Mode = ModeTest
	}
	if c.Environment.Mode == "" {
		c.Environment.Mode = InferMode(c.Broker.Endpoint, false)
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	c.Execution.TimeInForce = strings.ToUpper(c.Execution.TimeInForce)
	if c.Monitor.PollInterval <= 0 {
		c.Monitor.PollInterval = 100 * time.Millisecond
	}
	if c.Execution.PollInterval <= 0 {
		c.Execution.PollInterval = 50 * time.Millisecond
	}
}

// InferMode derives the environment from the gateway port: the live ports map
// to live trading, anything else to paper. The testing flag wins.
func InferMode(endpoint string, testing bool) Mode {
	if testing {
		return ModeTest
	}
	if port, ok := endpointPort(endpoint); ok && livePorts[port] {
		return ModeLive
	}
	return ModePaper
}

func endpointPort(endpoint string) (int, bool) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return 0, false
	}
	var portStr string
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		portStr = u.Port()
	} else if _, p, err := net.SplitHostPort(endpoint); err == nil {
		portStr = p
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, false
	}
	return port, true
}

// IsLive returns true if the engine trades a live account.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == ModeLive
}

// Location returns the session timezone, falling back to a fixed ET offset in
// minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}
