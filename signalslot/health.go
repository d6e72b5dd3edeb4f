package signalslot

import (
	"fmt"

	"github.com/c360/sigslot/channel"
	"github.com/c360/sigslot/health"
)

// Health aggregates the status of the broker connection, the
// point-to-point transport and the streaming channels
func (s *SignalSlotable) Health() health.Status {
	s.stateMu.Lock()
	started, closed, connected := s.started, s.closed, s.connected
	s.stateMu.Unlock()

	switch {
	case closed:
		return health.NewUnhealthy(s.id, "Instance closed")
	case !started:
		return health.NewDegraded(s.id, "Instance not started")
	}

	statuses := []health.Status{
		health.FromCheck("broker", health.Check{Healthy: connected && s.broker.IsConnected()}),
	}
	if s.producer != nil {
		statuses = append(statuses, health.NewHealthy("p2p",
			fmt.Sprintf("%d consumers, %d producer connections", s.producer.Channels(), s.consumer.Connections())))
	}
	statuses = append(statuses, s.channelHealth()...)
	if n := s.PendingRequests(); n > 0 {
		statuses = append(statuses, health.NewHealthy("requests", fmt.Sprintf("%d pending", n)))
	}
	return health.Aggregate(s.id, statuses)
}

func (s *SignalSlotable) channelHealth() []health.Status {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	var statuses []health.Status
	for name, out := range s.outputs {
		statuses = append(statuses, health.NewHealthy("channel:"+name,
			fmt.Sprintf("%d inputs connected", len(out.Inputs()))))
	}
	for name, in := range s.inputs {
		configured := in.Config().ConnectedOutputChannels
		connected := 0
		for _, status := range in.ConnectedOutputs() {
			if status == channel.Connected {
				connected++
			}
		}
		check := health.Check{
			Healthy:  connected >= len(configured),
			Degraded: connected > 0 && connected < len(configured),
		}
		if !check.Healthy {
			check.LastError = fmt.Sprintf("%d of %d outputs connected", connected, len(configured))
		}
		statuses = append(statuses, health.FromCheck("channel:"+name, check))
	}
	return statuses
}
