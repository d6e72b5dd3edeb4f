package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Run modes
const (
	modeResponder = "responder"
	modeGreeter   = "greeter"
	modeMonitor   = "monitor"
)

// CLIConfig holds command-line configuration. Zero values leave the loaded
// configuration untouched.
type CLIConfig struct {
	ConfigPath      string
	InstanceID      string
	Brokers         string
	Domain          string
	Mode            string
	Target          string
	Interval        time.Duration
	LogLevel        string
	LogFormat       string
	MetricsPort     int
	MonitorPort     int
	Threads         int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("SIGSLOT_CONFIG", ""),
		"Path to a .yaml or .json configuration file (env: SIGSLOT_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("SIGSLOT_CONFIG", ""),
		"Path to a .yaml or .json configuration file (env: SIGSLOT_CONFIG)")

	flag.StringVar(&cfg.InstanceID, "instance-id", "",
		"Instance id on the broker (env: SIGSLOT_INSTANCE_ID)")

	flag.StringVar(&cfg.Brokers, "broker", "",
		"Comma separated broker URLs: nats://, tls://, mqtt://, mqtts:// or mem:// (env: SIGSLOT_BROKER_URLS, KARABO_BROKER)")

	flag.StringVar(&cfg.Domain, "domain", "",
		"Broker domain (env: SIGSLOT_BROKER_DOMAIN, KARABO_BROKER_TOPIC)")

	flag.StringVar(&cfg.Mode, "mode",
		getEnv("SIGSLOT_MODE", modeResponder),
		"Run mode: responder, greeter, monitor (env: SIGSLOT_MODE)")

	flag.StringVar(&cfg.Target, "target",
		getEnv("SIGSLOT_TARGET", modeResponder),
		"Instance the greeter sends requests to (env: SIGSLOT_TARGET)")

	flag.DurationVar(&cfg.Interval, "interval",
		getEnvDuration("SIGSLOT_INTERVAL", 2*time.Second),
		"Pause between greeter requests (env: SIGSLOT_INTERVAL)")

	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: SIGSLOT_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (env: SIGSLOT_LOG_FORMAT)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port", 0,
		"Prometheus metrics and health port, enables the endpoint (env: SIGSLOT_METRICS_PORT)")

	flag.IntVar(&cfg.MonitorPort, "monitor-port", 0,
		"Topology websocket port (env: SIGSLOT_MONITOR_PORT)")

	flag.IntVar(&cfg.Threads, "threads", 0,
		"Event loop threads, 0 for max(2, GOMAXPROCS) (env: SIGSLOT_EVENTLOOP_THREADS)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SIGSLOT_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: SIGSLOT_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if !slices.Contains([]string{modeResponder, modeGreeter, modeMonitor}, cfg.Mode) {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(cfg.LogLevel)) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}
	if cfg.MonitorPort < 0 || cfg.MonitorPort > 65535 {
		return fmt.Errorf("invalid monitor port: %d", cfg.MonitorPort)
	}
	if cfg.Threads < 0 {
		return fmt.Errorf("invalid thread count: %d", cfg.Threads)
	}
	if cfg.Mode == modeGreeter && cfg.Interval <= 0 {
		return fmt.Errorf("invalid greeter interval: %s", cfg.Interval)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - signal/slot messaging node

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Answer slotAnswer requests
  %s --mode=responder --instance-id=responder --broker=nats://localhost:4222

  # Ask the responder every second
  %s --mode=greeter --instance-id=greeter --interval=1s

  # Serve the topology over a websocket on :8082/topology
  %s --mode=monitor --monitor-port=8082 --metrics-port=9090

  # Use the brokers of a Karabo installation
  export KARABO_BROKER=nats://karabo-broker:4222
  export KARABO_BROKER_TOPIC=SPB
  %s --mode=monitor

  # Validate configuration only
  %s --config=configs/node.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if seconds, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return defaultValue
}
