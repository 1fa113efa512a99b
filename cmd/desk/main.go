// QuantDesk — an algorithmic trading workbench core for China A-shares:
// strategy sessions over live or simulated market data, pre-trade risk
// checks, and a broker abstraction spanning a local matching simulator
// and REST trade gateways.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the runtime, waits for SIGINT/SIGTERM
//	runtime/runtime.go   — orchestrator: binds strategies to codes, routes intents through the risk gate
//	strategy/strategy.go — Session: the capability surface strategies trade through (buy/sell/history)
//	strategy/registry.go — name → factory registry of statically linked strategies
//	risk/gate.go         — pre-trade checks, drawdown/daily-loss cut-outs, alert ring + CSV journal
//	broker/sim.go        — simulated broker: lot/cash/T+1 checks, price-triggered matching
//	broker/rest.go       — REST trade gateway adapter: signed requests, polling sync, profiles
//	feed/fanout.go       — market-data hub fanning snapshots/ticks/bars to subscribers
//	feed/{sim,csv,poll,ws,multi}.go — data sources: random walk, CSV replay, HTTP polling, websocket, failover
//	backtest/engine.go   — bar-driven backtest sharing the live matching rules
//	api/server.go        — read-only ops HTTP server: summary, alerts, positions, metrics, SSE events
//
// The simulated defaults run without any configuration file: random-walk
// quotes against the local matcher with a dual-MA strategy on one code.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"quantdesk/internal/api"
	"quantdesk/internal/config"
	"quantdesk/internal/feed"
	"quantdesk/internal/runtime"
	"quantdesk/internal/strategy"
)

func main() {
	// Secrets come from the environment; a local .env is a convenience,
	// not a requirement.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("QD_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	logger := slog.New(slog.NewTextHandler(os.Stdout, opts))

	registry := strategy.NewRegistry()
	fanout := feed.NewFanout(logger)
	rt := runtime.New(cfg, registry, fanout, logger)

	var opsServer *api.Server
	if cfg.OpsListen != "" {
		opsServer = api.NewServer(cfg.OpsListen, rt, logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
		logger.Info("ops server enabled", "addr", cfg.OpsListen)
	}

	if err := rt.Start(context.Background(), nil); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	logger.Info("quantdesk started",
		"broker", cfg.Broker.BrokerType,
		"data_source", cfg.Data.DataSource,
		"codes", len(cfg.StrategyAssignments),
		"auto_execute", cfg.Trading.StrategyAutoExecute,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if opsServer != nil {
		if err := opsServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}
	rt.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
