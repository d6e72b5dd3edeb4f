// Package main implements sigslot, a node on a signal/slot broker. It runs
// as a responder answering slotAnswer, a greeter asking a responder
// periodically, or a monitor serving the broker topology over a websocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/config"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/signalslot"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "sigslot"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))
	logger := setupLogger(level, cfg.Log.Format, cfg.Instance.ID)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	slog.Info("Starting sigslot node",
		"version", Version,
		"build_time", BuildTime,
		"mode", cliCfg.Mode,
		"config_path", cliCfg.ConfigPath,
		"brokers", cfg.Broker.URLs,
		"domain", cfg.Broker.Domain)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := setupNode(ctx, cfg, cliCfg, logger)
	if err != nil {
		return err
	}

	if err := n.start(ctx); err != nil {
		n.shutdown(cliCfg.ShutdownTimeout)
		return err
	}
	n.watchLogLevel(level)

	return runWithSignalHandling(ctx, cancel, n, cliCfg.ShutdownTimeout)
}

// initializeCLI parses and validates flags
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}
	return cliCfg, false, nil
}

// initializeConfiguration loads the configuration and applies flags on top
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyFlags(cfg, cliCfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides the loaded configuration with explicitly set flags
func applyFlags(cfg *config.Config, cliCfg *CLIConfig) {
	if cliCfg.InstanceID != "" {
		cfg.Instance.ID = cliCfg.InstanceID
	}
	if cliCfg.Brokers != "" {
		var urls []string
		for _, u := range strings.Split(cliCfg.Brokers, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.Broker.URLs = urls
	}
	if cliCfg.Domain != "" {
		cfg.Broker.Domain = cliCfg.Domain
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if cliCfg.MetricsPort > 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = cliCfg.MetricsPort
	}
	if cliCfg.MonitorPort > 0 {
		cfg.Monitor.Port = cliCfg.MonitorPort
	}
	if cliCfg.Mode == modeMonitor {
		cfg.Monitor.Enabled = true
	}
	if cliCfg.Threads > 0 {
		cfg.EventLoop.Threads = cliCfg.Threads
	}
	if cfg.Instance.Type == "" {
		switch cliCfg.Mode {
		case modeResponder:
			cfg.Instance.Type = "server"
		default:
			cfg.Instance.Type = "client"
		}
	}
}

// setupNode creates the event loop, the broker and the signal/slot instance
func setupNode(ctx context.Context, cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger) (*node, error) {
	registry := metric.NewMetricsRegistry()

	loopOpts := []eventloop.Option{
		eventloop.WithLogger(logger.With("component", "eventloop")),
		eventloop.WithMetrics(registry),
	}
	if cfg.EventLoop.Threads > 0 {
		loopOpts = append(loopOpts, eventloop.WithThreads(cfg.EventLoop.Threads))
	}
	loop := eventloop.New(loopOpts...)

	b, err := broker.New(cfg.BrokerConfig(),
		broker.WithLogger(logger.With("component", "broker")),
		broker.WithMetrics(registry))
	if err != nil {
		loop.Stop()
		return nil, fmt.Errorf("create broker: %w", err)
	}

	ssCfg, err := cfg.SignalSlotConfig()
	if err != nil {
		loop.Stop()
		return nil, fmt.Errorf("signal/slot config: %w", err)
	}
	ss, err := signalslot.New(b, ssCfg,
		signalslot.WithLogger(logger.With("component", "signalslot")),
		signalslot.WithMetrics(registry),
		signalslot.WithEventLoop(loop))
	if err != nil {
		loop.Stop()
		return nil, fmt.Errorf("create instance: %w", err)
	}

	n := &node{
		cfg:      cfg,
		cli:      cliCfg,
		logger:   logger,
		registry: registry,
		loop:     loop,
		broker:   b,
		ss:       ss,
	}
	if err := n.prepare(ctx); err != nil {
		n.shutdown(cliCfg.ShutdownTimeout)
		return nil, err
	}
	return n, nil
}

// runWithSignalHandling lends the main goroutine to the event loop until
// SIGINT, SIGTERM or a failing server ends it, then shuts the node down
func runWithSignalHandling(ctx context.Context, cancel context.CancelFunc, n *node, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	n.serve(gctx, g)

	go func() {
		<-gctx.Done()
		n.loop.Stop()
	}()
	n.loop.SetSignalHandler(func(os.Signal) {
		slog.Info("Received shutdown signal")
		cancel()
	})

	slog.Info("sigslot node started", "instance", n.ss.InstanceID())
	n.loop.Work()

	cancel()
	n.shutdown(shutdownTimeout)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("node failed: %w", err)
	}
	slog.Info("sigslot shutdown complete")
	return nil
}
