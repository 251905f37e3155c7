// Package main wires the trading supervisor process: configuration,
// logging, the ledger, the venue adapter, the event bus, the strategy
// supervisor and the backtest runner. The HTTP command layer is an
// external collaborator and consumes the supervisor and runner values
// constructed here.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wangxso/ftrader/internal/backtest"
	"github.com/wangxso/ftrader/internal/config"
	"github.com/wangxso/ftrader/internal/data"
	"github.com/wangxso/ftrader/internal/events"
	"github.com/wangxso/ftrader/internal/exchange"
	"github.com/wangxso/ftrader/internal/kernel"
	"github.com/wangxso/ftrader/internal/ledger"
	"github.com/wangxso/ftrader/internal/supervisor"
	"github.com/wangxso/ftrader/internal/template"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	creds := config.LoadCredentials()
	logger.Info("starting ftrader",
		zap.Bool("testnet", cfg.Testnet),
		zap.String("database", cfg.DatabasePath),
		zap.String("metricsAddr", cfg.MetricsAddr),
	)

	led, err := ledger.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal("ledger open failed", zap.Error(err))
	}
	defer led.Close()

	venueCfg := exchange.DefaultFuturesConfig()
	venueCfg.Testnet = cfg.Testnet
	adapter := exchange.NewFuturesClient(logger, exchange.Credentials{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
	}, venueCfg)

	bus := events.NewBus(logger)
	defer bus.Close()

	var completer kernel.TextCompleter
	if creds.LLMAPIKey != "" {
		completer = kernel.NewOpenAICompleter(creds.LLMAPIKey, cfg.LLM.BaseURL, cfg.LLM.Model)
	}
	registry := kernel.NewRegistry(kernel.Deps{Logger: logger, Completer: completer})

	supCfg := supervisor.DefaultConfig()
	supCfg.SnapshotInterval = cfg.SnapshotInterval
	sup := supervisor.New(logger, led, adapter, bus, registry, supCfg)

	barStore, err := data.NewStore(logger, adapter, cfg.DataDir)
	if err != nil {
		logger.Fatal("bar store init failed", zap.Error(err))
	}

	engine := backtest.NewEngine(logger, registry, barStore, bus)
	runner := backtest.NewRunner(logger, led, engine, cfg.Backtest.Workers)
	defer runner.Close()
	sup.AttachBacktests(runner)

	templates := template.NewRegistry()
	sup.AttachTemplates(templates)
	logger.Info("template catalog loaded", zap.Int("templates", len(templates.List())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.RunAccountMonitor(ctx)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down, stopping strategies")
	cancel()
	sup.StopAll(context.Background(), true)
}

func setupLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		os.Exit(1)
	}
	return logger
}
