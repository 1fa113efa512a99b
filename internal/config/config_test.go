package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Data.DataSource != "simulated" {
		t.Errorf("data_source = %q, want simulated", cfg.Data.DataSource)
	}
	if cfg.Broker.BrokerType != "simulated" {
		t.Errorf("broker_type = %q, want simulated", cfg.Broker.BrokerType)
	}
	if cfg.Trading.InitialCapital != 1_000_000 {
		t.Errorf("initial_capital = %v, want 1000000", cfg.Trading.InitialCapital)
	}
	if !cfg.Trading.StrategyAutoExecute {
		t.Error("strategy_auto_execute should default to true")
	}
	if cfg.Broker.APIPollInterval != 3*time.Second {
		t.Errorf("api_poll_interval = %v, want 3s", cfg.Broker.APIPollInterval)
	}
	if got := cfg.StrategyAssignments["sz000001"]; got != "dual_ma" {
		t.Errorf("default assignment = %q, want dual_ma", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	yaml := `
log_level: debug
data_source: csv
csv_data_path: data/bars.csv
broker_type: huatai
broker_account: "12345678"
broker_password: hunter2
max_daily_trades: 5
min_trade_interval: 30s
strategy_assignments:
  sh600000: rsi_reversal
strategy_params:
  rsi_reversal:
    period: 7
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Data.DataSource != "csv" || cfg.Data.CSVDataPath != "data/bars.csv" {
		t.Errorf("data config = %+v", cfg.Data)
	}
	if cfg.Broker.BrokerType != "huatai" || cfg.Broker.BrokerAccount != "12345678" {
		t.Errorf("broker config = %+v", cfg.Broker)
	}
	if cfg.Risk.MaxDailyTrades != 5 {
		t.Errorf("max_daily_trades = %d, want 5", cfg.Risk.MaxDailyTrades)
	}
	if cfg.Risk.MinTradeInterval != 30*time.Second {
		t.Errorf("min_trade_interval = %v, want 30s", cfg.Risk.MinTradeInterval)
	}
	// Unset keys keep their defaults.
	if cfg.Broker.APITimeout != 5*time.Second {
		t.Errorf("api_timeout = %v, want default 5s", cfg.Broker.APITimeout)
	}
	if got := cfg.StrategyAssignments["sh600000"]; got != "rsi_reversal" {
		t.Errorf("assignment sh600000 = %q, want rsi_reversal", got)
	}
	if got := cfg.StrategyParams["rsi_reversal"]["period"]; got != 7 {
		t.Errorf("strategy param period = %v, want 7", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config should validate: %v", err)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("QD_BROKER_PASSWORD", "env-secret")
	t.Setenv("QD_TUSHARE_TOKEN", "env-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Broker.BrokerPassword != "env-secret" {
		t.Errorf("broker_password = %q, want env override", cfg.Broker.BrokerPassword)
	}
	if cfg.Data.TushareToken != "env-token" {
		t.Errorf("tushare_token = %q, want env override", cfg.Data.TushareToken)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown data source", func(c *Config) { c.Data.DataSource = "bloomberg" }},
		{"unknown broker type", func(c *Config) { c.Broker.BrokerType = "fidelity" }},
		{"csv without path", func(c *Config) { c.Data.DataSource = "csv" }},
		{"tushare without token", func(c *Config) { c.Data.DataSource = "tushare" }},
		{"websocket without url", func(c *Config) { c.Data.DataSource = "websocket" }},
		{"rest broker without account", func(c *Config) { c.Broker.BrokerType = "huatai" }},
		{"zero capital", func(c *Config) { c.Trading.InitialCapital = 0 }},
		{"negative commission", func(c *Config) { c.Trading.CommissionRate = -0.01 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() should reject %s", tt.name)
			}
		})
	}
}
