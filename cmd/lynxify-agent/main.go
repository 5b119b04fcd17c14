// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/config"
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/lynxify"
	"github.com/lynxify-labs/lynxify/lib/metrics"
	"github.com/lynxify-labs/lynxify/lib/pricefeed"
	"github.com/lynxify-labs/lynxify/lib/process"
	"github.com/lynxify-labs/lynxify/lib/schedule"
	"github.com/lynxify-labs/lynxify/lib/service"
	"github.com/lynxify-labs/lynxify/lib/store"
	"github.com/lynxify-labs/lynxify/lib/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("lynxify-agent", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to lynxify.yaml (default: $LYNXIFY_CONFIG)")
	logFormat := flags.String("log-format", "json", "log format: json or text")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn or error")
	metricsAddr := flags.String("metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		version.Print("lynxify-agent")
		return nil
	}

	logger, err := process.NewLogger(os.Stderr, *logFormat, *logLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	policy, err := cfg.ResolvePolicy()
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	bus := eventbus.New(logger)
	if *logLevel == "debug" {
		bus.EnableLogging()
	}

	gateway, err := openLedger(cfg, clk, logger)
	if err != nil {
		return err
	}
	tokens, closeTokens, err := openTokens(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTokens()

	database, err := store.Open(store.Config{Path: cfg.Paths.Database, Logger: logger})
	if err != nil {
		return err
	}
	defer database.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)
	recorder.Attach(bus)
	defer recorder.Detach()
	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, registry, logger)
		defer stopMetrics()
	}

	agentConfig := newAgentConfig(cfg, policy)
	agentConfig.Version = version.Short()
	agent, err := lynxify.New(agentConfig, lynxify.Deps{
		Gateway:    gateway,
		Bus:        bus,
		Clock:      clk,
		Tokens:     tokens,
		Store:      database,
		Summarizer: newSummarizer(cfg, logger),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	socketServer := service.NewSocketServer(cfg.Paths.Socket, logger)
	agent.RegisterActions(socketServer)
	socketDone := make(chan error, 1)
	go func() {
		socketDone <- socketServer.Serve(ctx)
	}()

	if err := initialize(ctx, agent, gateway, cfg, clk, logger); err != nil {
		if ctx.Err() == nil {
			return err
		}
	}

	var poller *pricefeed.Poller
	if cfg.PriceFeed.URL != "" && ctx.Err() == nil {
		scheduler := schedule.New(clk, logger)
		defer scheduler.Close()
		source := pricefeed.NewHTTPSource(&http.Client{Timeout: 30 * time.Second}, cfg.PriceFeed.URL, clk)
		poller = pricefeed.NewPoller(source, bus, scheduler, cfg.PriceFeed.Interval.Std(), logger)
		poller.Start(ctx)
	}

	logger.Info("lynxify agent running",
		"agent_id", cfg.Agent.ID,
		"environment", cfg.Environment,
		"ledger", cfg.Ledger.Backend,
		"tokens", cfg.Tokens.Backend,
		"socket", cfg.Paths.Socket,
		"version", version.Info(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if poller != nil {
		poller.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := agent.Shutdown(shutdownCtx); err != nil {
		logger.Error("agent shutdown incomplete", "error", err)
	}
	if err := <-socketDone; err != nil {
		logger.Error("socket server error", "error", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
