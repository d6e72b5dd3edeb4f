// Package config loads, validates and distributes the configuration of a
// sigslot process.
//
// # Core Components
//
// Config: the process configuration. It names the instance, the broker
// connection, heartbeat and request timing, the point-to-point transport,
// the event loop, the metrics and monitor endpoints, logging and TLS.
// Sections convert to the settings of the packages they configure via
// BrokerConfig, SignalSlotConfig, DeviceClientConfig and MonitorConfig.
//
// SafeConfig: thread-safe wrapper using RWMutex and deep cloning.
//
// Loader: merges defaults, file layers (.json, .yaml, .yml), SIGSLOT_*
// environment overrides and, for whatever is still unset, the broker
// settings of a Karabo installation (KARABO_CI_BROKERS, KARABO_BROKER,
// KARABO_BROKER_TOPIC). Every layer is checked against an embedded JSON
// schema before merging.
//
// Manager: keeps the runtime sections (log, heartbeat, request, monitor) in
// a JetStream key-value bucket per domain and notifies subscribers when an
// operator changes them.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.yaml") // Overrides base
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Durations
//
// Durations are written as Go duration strings ("1.5s", "200ms") or as
// plain numbers of seconds:
//
//	heartbeat:
//	  interval: 10
//	request:
//	  timeout: 2.5s
//
// A negative heartbeat interval disables heartbeats.
//
// # Dynamic Configuration
//
//	cm, err := config.NewManager(ctx, cfg, natsClient, logger)
//	if err != nil {
//		return err
//	}
//	if err := cm.Start(ctx); err != nil {
//		return err
//	}
//	defer cm.Stop(5 * time.Second)
//
//	for update := range cm.OnChange("log") {
//		level.Set(parseLevel(update.Config.Get().Log.Level))
//	}
//
// On start a local configuration with a newer Version is pushed to the
// bucket; otherwise the bucket content wins.
package config
