package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"quantdesk/internal/broker"
	"quantdesk/internal/config"
	"quantdesk/internal/feed"
)

// buildTrader constructs the broker backend named in the config. The
// simulator is the default; anything else resolves to a REST gateway
// profile.
func buildTrader(cfg *config.Config, logger *slog.Logger) (broker.Trader, error) {
	switch cfg.Broker.BrokerType {
	case "", "simulated":
		return broker.NewSimulator(
			cfg.Trading.InitialCapital,
			cfg.Trading.CommissionRate,
			cfg.Trading.Slippage,
			cfg.Broker.SimStatePath,
			logger,
		), nil
	default:
		profile, err := broker.ProfileFor(cfg.Broker.BrokerType)
		if err != nil {
			return nil, fmt.Errorf("runtime: %w", err)
		}
		return broker.NewRESTTrader(profile, cfg.Broker, logger)
	}
}

// buildSource constructs the market data source named in the config.
func buildSource(cfg *config.Config, logger *slog.Logger) (feed.Source, error) {
	d := cfg.Data
	switch d.DataSource {
	case "", "simulated":
		return feed.NewSimSource(d.SimInterval, d.SimVolatility, 0, logger), nil
	case "akshare":
		return feed.NewAkshareSource(d.QuoteAPIURL, d.HTTPDataInterval, logger), nil
	case "tushare":
		return feed.NewTushareSource(d.TushareToken, d.HTTPDataInterval, logger), nil
	case "csv":
		return feed.NewCSVSource(d.CSVDataPath, d.CSVSpeed, d.CSVLoop, logger), nil
	case "websocket":
		return feed.NewWSSource(d.WSDataURL, logger), nil
	case "multisource":
		// Primary quote bridge backed by tushare when a token is
		// configured; MultiSource fails over in child order.
		children := []feed.Source{
			feed.NewAkshareSource(d.QuoteAPIURL, d.HTTPDataInterval, logger),
		}
		if d.TushareToken != "" {
			children = append(children, feed.NewTushareSource(d.TushareToken, d.HTTPDataInterval, logger))
		}
		interval := d.HTTPDataInterval
		if interval <= 0 {
			interval = 3 * time.Second
		}
		return feed.NewMultiSource(children, interval, logger)
	default:
		return nil, fmt.Errorf("runtime: unknown data source %q", d.DataSource)
	}
}
