package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/config"
	"github.com/c360/sigslot/deviceclient"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/health"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/monitor"
	"github.com/c360/sigslot/signalslot"
)

const (
	slotAnswer = "slotAnswer"
	greeting   = "Hello"
)

// node owns everything one process runs
type node struct {
	cfg      *config.Config
	cli      *CLIConfig
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	loop     *eventloop.EventLoop
	broker   broker.Broker
	ss       *signalslot.SignalSlotable

	client  *deviceclient.Client
	monitor *monitor.Server
	manager *config.Manager
	health  *health.Monitor

	metricsServer *metric.Server
	monitorServer *http.Server
}

// prepare registers what must exist before the instance starts
func (n *node) prepare(_ context.Context) error {
	n.health = health.NewMonitor()
	n.health.Register("signalslot", n.ss.Health)

	if n.cli.Mode == modeResponder {
		err := n.ss.RegisterSlot(slotAnswer, func(greeting string) string {
			return greeting + ", world!"
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", slotAnswer, err)
		}
	}

	if n.cfg.Monitor.Enabled {
		client, err := deviceclient.New(n.ss, n.cfg.DeviceClientConfig(),
			deviceclient.WithLogger(n.logger.With("component", "deviceclient")),
			deviceclient.WithMetrics(n.registry))
		if err != nil {
			return fmt.Errorf("create device client: %w", err)
		}
		n.client = client

		mon, err := monitor.New(client, n.cfg.MonitorConfig(),
			monitor.WithLogger(n.logger.With("component", "monitor")),
			monitor.WithMetrics(n.registry))
		if err != nil {
			return fmt.Errorf("create monitor: %w", err)
		}
		n.monitor = mon
		n.health.Register("monitor", func() health.Status {
			return health.NewHealthy("monitor", fmt.Sprintf("%d clients", mon.Clients()))
		})
	}
	return nil
}

// start joins the broker and starts the helpers needing a live instance
func (n *node) start(ctx context.Context) error {
	timeout := n.cfg.Broker.Timeout.Std()
	if timeout <= 0 {
		timeout = broker.DefaultTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout+n.cfg.Request.UniquenessTimeout.Std())
	defer cancel()

	if err := n.ss.Start(startCtx); err != nil {
		return fmt.Errorf("start instance %s: %w", n.cfg.Instance.ID, err)
	}

	if n.client != nil {
		if err := n.client.Start(ctx); err != nil {
			// topology fills up from instance announcements
			n.logger.Warn("Initial topology discovery failed", "error", err)
		}
	}

	if nb, ok := n.broker.(*broker.NATSBroker); ok {
		manager, err := config.NewManager(ctx, n.cfg, nb.Client(), n.logger)
		if err != nil {
			n.logger.Warn("Runtime configuration unavailable", "error", err)
			return nil
		}
		if err := manager.Start(ctx); err != nil {
			n.logger.Warn("Runtime configuration unavailable", "error", err)
			_ = manager.Stop(time.Second)
			return nil
		}
		n.manager = manager
		n.health.UpdateHealthy("config", "watching runtime configuration")
	}
	return nil
}

// watchLogLevel follows log level changes made in the configuration bucket
func (n *node) watchLogLevel(level *slog.LevelVar) {
	if n.manager == nil {
		return
	}
	updates := n.manager.OnChange(config.SectionLog)
	go func() {
		for update := range updates {
			newLevel := parseLevel(update.Config.Get().Log.Level)
			if newLevel != level.Level() {
				n.logger.Info("Log level changed", "from", level.Level().String(), "to", newLevel.String())
				level.Set(newLevel)
			}
		}
	}()
}

// serve starts the HTTP endpoints and the greeter on g
func (n *node) serve(ctx context.Context, g *errgroup.Group) {
	if n.cfg.Metrics.Enabled {
		n.metricsServer = metric.NewServer(n.cfg.Metrics.Port, n.cfg.Metrics.Path, n.registry, n.cfg.Security.TLS.Server)
		n.metricsServer.Handle("/health", n.health.Handler(appName))
		g.Go(n.metricsServer.Start)
		n.logger.Info("Metrics server listening", "port", n.cfg.Metrics.Port, "path", n.cfg.Metrics.Path)
	}

	if n.monitor != nil {
		mux := http.NewServeMux()
		mux.Handle(n.monitor.Path(), n.monitor)
		if !n.cfg.Metrics.Enabled {
			mux.Handle("/health", n.health.Handler(appName))
		}
		n.monitorServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", n.cfg.Monitor.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := n.monitorServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return errors.WrapFatal(err, "node", "serve", "serve monitor")
			}
			return nil
		})
		n.logger.Info("Monitor listening", "port", n.cfg.Monitor.Port, "path", n.monitor.Path())
	}

	if n.cli.Mode == modeGreeter {
		g.Go(func() error {
			return runGreeter(ctx, n.ss, n.cli.Target, n.cli.Interval, n.logger)
		})
	}
}

// runGreeter asks target's slotAnswer every interval until ctx ends
func runGreeter(ctx context.Context, ss *signalslot.SignalSlotable, target string, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var answer string
		err := ss.Request(target, slotAnswer, greeting).Receive(ctx, &answer)
		switch {
		case err == nil:
			logger.Info("Received answer", "target", target, "answer", answer)
		case ctx.Err() != nil:
			return nil
		case errors.IsTimeout(err):
			logger.Warn("No answer", "target", target, "error", err)
		default:
			logger.Error("Request failed", "target", target, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// shutdown releases everything in reverse order of creation
func (n *node) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if n.monitorServer != nil {
		if err := n.monitorServer.Shutdown(ctx); err != nil {
			n.logger.Warn("Monitor server shutdown failed", "error", err)
		}
	}
	if n.monitor != nil {
		if err := n.monitor.Close(ctx); err != nil {
			n.logger.Warn("Monitor close failed", "error", err)
		}
	}
	if n.metricsServer != nil {
		if err := n.metricsServer.Stop(); err != nil {
			n.logger.Warn("Metrics server stop failed", "error", err)
		}
	}
	if n.manager != nil {
		_ = n.manager.Stop(timeout)
	}
	if n.client != nil {
		if err := n.client.Close(ctx); err != nil {
			n.logger.Warn("Device client close failed", "error", err)
		}
	}
	if err := n.ss.Close(ctx); err != nil {
		n.logger.Warn("Instance close failed", "error", err)
	}
	n.loop.Stop()
}
