// Package config defines all configuration for the trading workbench.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via QD_* environment variables. All keys
// are flat in the file; the struct groups them for the consuming packages.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Defaults yield a fully simulated
// setup (simulated quotes, simulated broker) that runs without a file.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	OpsListen string `mapstructure:"ops_listen"` // ops HTTP listen address, empty disables

	Data    DataConfig    `mapstructure:",squash"`
	Broker  BrokerConfig  `mapstructure:",squash"`
	Trading TradingConfig `mapstructure:",squash"`
	Risk    RiskConfig    `mapstructure:",squash"`

	// StrategyAssignments maps stock code to strategy name for live sessions.
	StrategyAssignments map[string]string `mapstructure:"strategy_assignments"`
	// StrategyParams holds per-strategy parameter overrides, keyed by
	// strategy name then parameter name.
	StrategyParams map[string]map[string]float64 `mapstructure:"strategy_params"`
}

// DataConfig selects and tunes the market data source.
type DataConfig struct {
	DataSource       string        `mapstructure:"data_source"` // akshare|tushare|csv|multisource|simulated|websocket
	TushareToken     string        `mapstructure:"tushare_token"`
	QuoteAPIURL      string        `mapstructure:"quote_api_url"` // akshare-style HTTP quote bridge
	WSDataURL        string        `mapstructure:"ws_data_url"`
	CSVDataPath      string        `mapstructure:"csv_data_path"`
	CSVLoop          bool          `mapstructure:"csv_loop"`
	CSVSpeed         float64       `mapstructure:"csv_speed"` // replay speed multiplier
	SimInterval      time.Duration `mapstructure:"sim_interval"`
	SimVolatility    float64       `mapstructure:"sim_volatility"`
	HTTPDataInterval time.Duration `mapstructure:"http_data_interval"` // poll cadence for HTTP sources
}

// BrokerConfig selects and tunes the order execution backend.
//
//   - BrokerType: simulated, or one of the REST gateway profiles
//     (huatai, zhongxin, guotaijunan, haitong, guangfa).
//   - BrokerAPIKey/Secret: enable HMAC request signing when both set.
//   - BrokerAPIClientCert: path to a combined PEM (cert + key) for mTLS.
//   - APIPollInterval: background account/order sync cadence.
//   - SimStatePath: JSON file for simulated broker state persistence,
//     empty disables persistence.
type BrokerConfig struct {
	BrokerType          string        `mapstructure:"broker_type"`
	BrokerAccount       string        `mapstructure:"broker_account"`
	BrokerPassword      string        `mapstructure:"broker_password"`
	BrokerAPIURL        string        `mapstructure:"broker_api_url"`
	BrokerAPIKey        string        `mapstructure:"broker_api_key"`
	BrokerAPISecret     string        `mapstructure:"broker_api_secret"`
	BrokerAPIVerifySSL  bool          `mapstructure:"broker_api_verify_ssl"`
	BrokerAPIClientCert string        `mapstructure:"broker_api_client_cert"`
	APIPollInterval     time.Duration `mapstructure:"api_poll_interval"`
	APITimeout          time.Duration `mapstructure:"api_timeout"`
	SimStatePath        string        `mapstructure:"sim_state_path"`
}

// TradingConfig holds session-level trading parameters.
type TradingConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	CommissionRate float64 `mapstructure:"commission_rate"`
	Slippage       float64 `mapstructure:"slippage"`
	// StrategyAutoExecute routes strategy orders straight to the broker.
	// When false, orders are held in PENDING state for manual confirmation.
	StrategyAutoExecute bool `mapstructure:"strategy_auto_execute"`
}

// RiskConfig sets the pre-trade checks and account-level cut-outs enforced
// by the risk gate. Percent fields are whole percents (10 means 10%).
// A zero or negative limit disables that individual check.
type RiskConfig struct {
	MaxPositionPct      float64       `mapstructure:"max_position_pct"`       // single-code exposure cap, % of total value
	MaxTotalPositionPct float64       `mapstructure:"max_total_position_pct"` // all-codes exposure cap, % of total value
	StopLossPct         float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct       float64       `mapstructure:"take_profit_pct"`
	TrailingStopPct     float64       `mapstructure:"trailing_stop_pct"`
	MaxDrawdownPct      float64       `mapstructure:"max_drawdown_pct"` // session cut-out vs peak equity
	MaxDailyTrades      int           `mapstructure:"max_daily_trades"`
	MaxDailyLoss        float64       `mapstructure:"max_daily_loss"` // realized, currency amount
	MinTradeInterval    time.Duration `mapstructure:"min_trade_interval"`
	MaxPriceDeviation   float64       `mapstructure:"max_price_deviation"` // order price vs market, %
	RiskJournalPath     string        `mapstructure:"risk_journal_path"`   // CSV alert journal, empty disables
}

// Load reads config from a YAML file with env var overrides. A missing
// file is not an error: defaults describe a runnable simulated setup.
// Sensitive fields use env vars: QD_BROKER_ACCOUNT, QD_BROKER_PASSWORD,
// QD_BROKER_API_KEY, QD_BROKER_API_SECRET, QD_TUSHARE_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// no file: run on defaults + env
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if acct := os.Getenv("QD_BROKER_ACCOUNT"); acct != "" {
		cfg.Broker.BrokerAccount = acct
	}
	if pass := os.Getenv("QD_BROKER_PASSWORD"); pass != "" {
		cfg.Broker.BrokerPassword = pass
	}
	if key := os.Getenv("QD_BROKER_API_KEY"); key != "" {
		cfg.Broker.BrokerAPIKey = key
	}
	if secret := os.Getenv("QD_BROKER_API_SECRET"); secret != "" {
		cfg.Broker.BrokerAPISecret = secret
	}
	if token := os.Getenv("QD_TUSHARE_TOKEN"); token != "" {
		cfg.Data.TushareToken = token
	}

	// Map defaults via viper merge with file entries key-by-key, so the
	// out-of-box assignment is applied here instead.
	if len(cfg.StrategyAssignments) == 0 {
		cfg.StrategyAssignments = map[string]string{"sz000001": "dual_ma"}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("ops_listen", "")

	v.SetDefault("data_source", "simulated")
	v.SetDefault("tushare_token", "")
	v.SetDefault("quote_api_url", "http://127.0.0.1:8080")
	v.SetDefault("ws_data_url", "")
	v.SetDefault("csv_data_path", "")
	v.SetDefault("csv_loop", false)
	v.SetDefault("csv_speed", 1.0)
	v.SetDefault("sim_interval", "1s")
	v.SetDefault("sim_volatility", 0.01)
	v.SetDefault("http_data_interval", "3s")

	v.SetDefault("broker_type", "simulated")
	v.SetDefault("broker_account", "")
	v.SetDefault("broker_password", "")
	v.SetDefault("broker_api_url", "")
	v.SetDefault("broker_api_key", "")
	v.SetDefault("broker_api_secret", "")
	v.SetDefault("broker_api_verify_ssl", true)
	v.SetDefault("broker_api_client_cert", "")
	v.SetDefault("api_poll_interval", "3s")
	v.SetDefault("api_timeout", "5s")
	v.SetDefault("sim_state_path", "")

	v.SetDefault("initial_capital", 1_000_000.0)
	v.SetDefault("commission_rate", 0.0003)
	v.SetDefault("slippage", 0.0)
	v.SetDefault("strategy_auto_execute", true)

	v.SetDefault("max_position_pct", 30.0)
	v.SetDefault("max_total_position_pct", 80.0)
	v.SetDefault("stop_loss_pct", 5.0)
	v.SetDefault("take_profit_pct", 10.0)
	v.SetDefault("trailing_stop_pct", 3.0)
	v.SetDefault("max_drawdown_pct", 10.0)
	v.SetDefault("max_daily_trades", 20)
	v.SetDefault("max_daily_loss", 10_000.0)
	v.SetDefault("min_trade_interval", "60s")
	v.SetDefault("max_price_deviation", 10.0)
	v.SetDefault("risk_journal_path", "data/risk_alerts.csv")
}

var validDataSources = map[string]bool{
	"akshare":     true,
	"tushare":     true,
	"csv":         true,
	"multisource": true,
	"simulated":   true,
	"websocket":   true,
}

var validBrokerTypes = map[string]bool{
	"simulated":   true,
	"huatai":      true,
	"zhongxin":    true,
	"guotaijunan": true,
	"haitong":     true,
	"guangfa":     true,
}

// Validate checks enumerations, required fields and value ranges.
func (c *Config) Validate() error {
	if !validDataSources[c.Data.DataSource] {
		return fmt.Errorf("data_source %q is not one of: akshare, tushare, csv, multisource, simulated, websocket", c.Data.DataSource)
	}
	if !validBrokerTypes[c.Broker.BrokerType] {
		return fmt.Errorf("broker_type %q is not one of: simulated, huatai, zhongxin, guotaijunan, haitong, guangfa", c.Broker.BrokerType)
	}
	switch c.Data.DataSource {
	case "tushare":
		if c.Data.TushareToken == "" {
			return fmt.Errorf("tushare_token is required when data_source is tushare (set QD_TUSHARE_TOKEN)")
		}
	case "csv":
		if c.Data.CSVDataPath == "" {
			return fmt.Errorf("csv_data_path is required when data_source is csv")
		}
	case "websocket":
		if c.Data.WSDataURL == "" {
			return fmt.Errorf("ws_data_url is required when data_source is websocket")
		}
	case "akshare", "multisource":
		if c.Data.QuoteAPIURL == "" {
			return fmt.Errorf("quote_api_url is required when data_source is %s", c.Data.DataSource)
		}
	}
	if c.Broker.BrokerType != "simulated" {
		if c.Broker.BrokerAccount == "" {
			return fmt.Errorf("broker_account is required for broker_type %q (set QD_BROKER_ACCOUNT)", c.Broker.BrokerType)
		}
		if c.Broker.BrokerPassword == "" {
			return fmt.Errorf("broker_password is required for broker_type %q (set QD_BROKER_PASSWORD)", c.Broker.BrokerType)
		}
	}
	if c.Data.CSVSpeed <= 0 {
		return fmt.Errorf("csv_speed must be > 0")
	}
	if c.Data.HTTPDataInterval <= 0 {
		return fmt.Errorf("http_data_interval must be > 0")
	}
	if c.Broker.APIPollInterval <= 0 {
		return fmt.Errorf("api_poll_interval must be > 0")
	}
	if c.Trading.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be > 0")
	}
	if c.Trading.CommissionRate < 0 {
		return fmt.Errorf("commission_rate must be >= 0")
	}
	if c.Trading.Slippage < 0 {
		return fmt.Errorf("slippage must be >= 0")
	}
	if c.Risk.MaxPriceDeviation < 0 {
		return fmt.Errorf("max_price_deviation must be >= 0")
	}
	for code, name := range c.StrategyAssignments {
		if code == "" || name == "" {
			return fmt.Errorf("strategy_assignments entries must map a stock code to a strategy name")
		}
	}
	return nil
}
