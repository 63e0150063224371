package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("STRADDLE_ACCOUNT", "DU1234567")
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Broker.AccountID != "DU1234567" {
		t.Errorf("Expected account from env expansion, got %q", cfg.Broker.AccountID)
	}
	if cfg.Environment.Mode != ModePaper {
		t.Errorf("Expected paper mode inferred from port 4002, got %s", cfg.Environment.Mode)
	}
	if cfg.Session.TickInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms tick, got %v", cfg.Session.TickInterval)
	}
	if got := cfg.Calendar.EarlyCloses["2026-11-27"]; got != "13:00" {
		t.Errorf("Expected early close 13:00, got %q", got)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("broker:\n  account_id: X\n  use_otoco: true\n"))
	if err == nil {
		t.Fatal("Expected unknown field to be rejected")
	}
}

func TestParse_KeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("broker:\n  account_id: DU1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Instrument.HoldingPeriod != 29*time.Minute {
		t.Errorf("Expected default holding period, got %v", cfg.Instrument.HoldingPeriod)
	}
	if cfg.Execution.MaxFailedAttempts != 12 {
		t.Errorf("Expected 12 failed attempts, got %d", cfg.Execution.MaxFailedAttempts)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("STRADDLE_ENDPOINT", "http://10.0.0.5:7496")
	t.Setenv("STRADDLE_DATABASE_DSN", "host=db user=bot")
	t.Setenv("STRADDLE_LOG_LEVEL", "debug")

	cfg := Default()
	cfg.Broker.AccountID = "U1"
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	cfg.Storage.Driver = "postgres"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}
	if !cfg.IsLive() {
		t.Errorf("Expected live mode for port 7496, got %s", cfg.Environment.Mode)
	}
	if cfg.Storage.DSN != "host=db user=bot" {
		t.Errorf("Expected DSN override, got %q", cfg.Storage.DSN)
	}
	if cfg.Environment.LogLevel != "debug" {
		t.Errorf("Expected log level override, got %q", cfg.Environment.LogLevel)
	}
}

func TestInferMode(t *testing.T) {
	tests := []struct {
		endpoint string
		testing  bool
		want     Mode
	}{
		{"http://127.0.0.1:4001", false, ModeLive},
		{"127.0.0.1:7496", false, ModeLive},
		{"localhost:4002", false, ModePaper},
		{"http://gateway:7497", false, ModePaper},
		{"", false, ModePaper},
		{"http://127.0.0.1:4001", true, ModeTest},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := InferMode(tt.endpoint, tt.testing); got != tt.want {
				t.Errorf("InferMode(%q, %v) = %s, want %s", tt.endpoint, tt.testing, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Broker.AccountID = "DU1"
		cfg.Broker.Endpoint = "http://127.0.0.1:4002"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing account", func(c *Config) { c.Broker.AccountID = "" }, "broker.account_id is required"},
		{"missing endpoint", func(c *Config) { c.Broker.Endpoint = "" }, "broker.endpoint is required"},
		{"test mode without endpoint", func(c *Config) {
			c.Broker.Endpoint = ""
			c.Environment.Testing = true
		}, ""},
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }, "environment.mode"},
		{"allocation above one", func(c *Config) { c.Strategy.AllocationPct = 1.5 }, "strategy.allocation_pct"},
		{"bad tif", func(c *Config) { c.Execution.TimeInForce = "GTC" }, "execution.time_in_force"},
		{"bad holiday", func(c *Config) { c.Calendar.Holidays = []string{"12/25/2026"} }, "calendar.holidays"},
		{"bad early close", func(c *Config) { c.Calendar.EarlyCloses = map[string]string{"2026-12-24": "1pm"} }, "calendar.early_closes"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"zero strike width", func(c *Config) { c.Instrument.StrikeWidth = 0 }, "instrument.strike_width"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := Default()
	loc := cfg.Location()
	if loc == nil {
		t.Fatal("Expected a location")
	}
	d := time.Date(2026, 7, 1, 12, 0, 0, 0, loc)
	if _, offset := d.Zone(); offset != -4*60*60 {
		t.Errorf("Expected EDT offset, got %d", offset)
	}
}

func TestMain(m *testing.M) {
	// Keep host overrides from leaking into tests.
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, envPrefix+"_") {
			os.Unsetenv(strings.SplitN(kv, "=", 2)[0])
		}
	}
	os.Exit(m.Run())
}
