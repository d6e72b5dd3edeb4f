package config

import (
	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/deviceclient"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/monitor"
	"github.com/c360/sigslot/pkg/tlsutil"
	"github.com/c360/sigslot/signalslot"
)

// BrokerConfig returns the broker connection settings
func (c *Config) BrokerConfig() broker.Config {
	return broker.Config{
		URLs:        append([]string(nil), c.Broker.URLs...),
		Domain:      c.Broker.Domain,
		InstanceID:  c.Instance.ID,
		Timeout:     c.Broker.Timeout.Std(),
		InstanceTTL: c.Broker.InstanceTTL.Std(),
		Username:    c.Broker.Username,
		Password:    c.Broker.Password,
		Token:       c.Broker.Token,
		TLS:         c.Security.TLS.Client,
	}
}

// SignalSlotConfig returns the signal/slot settings. TLS material for the
// point-to-point transport is loaded from the security section.
func (c *Config) SignalSlotConfig() (signalslot.Config, error) {
	info := message.Hash{}
	for k, v := range c.Instance.Info {
		info.Set(k, v)
	}
	if c.Instance.Type != "" {
		info.Set("type", c.Instance.Type)
	}

	cfg := signalslot.Config{
		InstanceInfo:      info,
		HeartbeatInterval: c.Heartbeat.Interval.Std(),
		RequestTimeout:    c.Request.Timeout.Std(),
		UniquenessTimeout: c.Request.UniquenessTimeout.Std(),
		TrackInstances:    c.Heartbeat.Track,
		TrackPeriod:       c.Heartbeat.TrackPeriod.Std(),
		IgnoreBroadcasts:  c.Instance.IgnoreBroadcasts,
		P2P: signalslot.P2PConfig{
			Enabled: c.P2P.Enabled,
			Address: c.P2P.Address,
			Host:    c.P2P.Host,
		},
	}

	if c.P2P.Enabled {
		serverTLS, err := tlsutil.LoadServerTLSConfig(c.Security.TLS.Server)
		if err != nil {
			return signalslot.Config{}, errors.WrapFatal(err, "Config", "SignalSlotConfig", "load p2p server TLS")
		}
		clientTLS, err := tlsutil.LoadClientTLSConfig(c.Security.TLS.Client)
		if err != nil {
			return signalslot.Config{}, errors.WrapFatal(err, "Config", "SignalSlotConfig", "load p2p client TLS")
		}
		cfg.P2P.ServerTLS = serverTLS
		cfg.P2P.ClientTLS = clientTLS
	}
	return cfg, nil
}

// DeviceClientConfig returns the device client settings used by the monitor
func (c *Config) DeviceClientConfig() deviceclient.Config {
	return deviceclient.Config{CacheTTL: c.Monitor.CacheTTL.Std()}
}

// MonitorConfig returns the monitor endpoint settings
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Path:           c.Monitor.Path,
		UpdateRate:     c.Monitor.UpdateRate,
		UpdateBurst:    c.Monitor.UpdateBurst,
		SendBuffer:     c.Monitor.SendBuffer,
		RequestTimeout: c.Request.Timeout.Std(),
		AllowedOrigins: append([]string(nil), c.Monitor.AllowedOrigins...),
	}
}
