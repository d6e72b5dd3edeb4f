package signalslot

import (
	"time"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/message"
)

func (s *SignalSlotable) registerDefaults() error {
	signals := []struct {
		name       string
		prototypes []any
	}{
		{SignalHeartbeat, []any{"", float64(0), message.Hash{}}},
		{SignalInstanceNew, []any{"", message.Hash{}}},
		{SignalInstanceGone, []any{"", message.Hash{}}},
	}
	for _, sig := range signals {
		if err := s.RegisterSignal(sig.name, sig.prototypes...); err != nil {
			return err
		}
	}
	// every tracking instance receives heartbeats through the wildcard
	s.signal(SignalHeartbeat).add(broker.Wildcard, "slotHeartbeat")

	slots := map[string]any{
		"slotPing":                        s.slotPing,
		"slotPingAnswer":                  s.slotPingAnswer,
		"slotInstanceNew":                 s.slotInstanceNew,
		"slotInstanceGone":                s.slotInstanceGone,
		"slotInstanceUpdated":             s.slotInstanceUpdated,
		"slotConnectToSignal":             s.connectToSignal,
		"slotDisconnectFromSignal":        s.disconnectFromSignal,
		"slotSubscribeRemoteSignal":       s.slotSubscribeRemoteSignal,
		"slotUnsubscribeRemoteSignal":     s.slotUnsubscribeRemoteSignal,
		"slotHasSlot":                     s.HasSlot,
		"slotGetAvailableFunctions":       s.slotGetAvailableFunctions,
		"slotHeartbeat":                   s.slotHeartbeat,
		"slotGetOutputChannelInformation": s.slotGetOutputChannelInformation,
	}
	for name, fn := range slots {
		if err := s.RegisterSlot(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// slotPing answers instances probing for this one. A non-zero rand asks for
// a reply: the startup probe of an instance with our id, or an existence
// check. Zero rand answers with a slotPingAnswer call.
func (s *SignalSlotable) slotPing(call *SlotCall, instanceID string, rand int, track bool) message.Hash {
	if rand != 0 {
		if instanceID == s.id && rand == s.randPing {
			call.suppressReply()
			return nil
		}
		if track && s.cfg.TrackInstances && instanceID != s.id {
			s.track(instanceID, nil)
		}
		return s.InstanceInfo()
	}
	if err := s.Call(instanceID, "slotPingAnswer", s.id, s.InstanceInfo()); err != nil {
		s.logger.Debug("Failed to answer ping", "to", instanceID, "error", err)
	}
	return nil
}

func (s *SignalSlotable) slotPingAnswer(instanceID string, info message.Hash) {
	s.collect(instanceID, info)
	if s.cfg.TrackInstances && instanceID != s.id {
		s.track(instanceID, info)
	}
}

func (s *SignalSlotable) slotInstanceNew(instanceID string, info message.Hash) {
	if instanceID == s.id {
		return
	}
	s.instanceNew(instanceID, info)
}

func (s *SignalSlotable) slotInstanceGone(instanceID string, info message.Hash) {
	if instanceID == s.id {
		return
	}
	s.instanceGone(instanceID, info)
}

func (s *SignalSlotable) slotInstanceUpdated(instanceID string, info message.Hash) {
	if instanceID == s.id {
		return
	}
	if s.cfg.TrackInstances {
		s.trackMu.Lock()
		if t, ok := s.tracked[instanceID]; ok {
			t.info = info
		}
		s.trackMu.Unlock()
	}
	s.fire(&s.onUpdated, instanceID, info)
}

func (s *SignalSlotable) slotSubscribeRemoteSignal(signalInstanceID, signalName, slotName string) (bool, error) {
	ctx, cancel := s.sendContext()
	defer cancel()
	if err := s.subscribeRemoteSignal(ctx, signalInstanceID, signalName, slotName); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SignalSlotable) slotUnsubscribeRemoteSignal(signalInstanceID, signalName, slotName string) (bool, error) {
	ctx, cancel := s.sendContext()
	defer cancel()
	return s.unsubscribeRemoteSignal(ctx, signalInstanceID, signalName, slotName)
}

func (s *SignalSlotable) slotGetAvailableFunctions(kind string) []string {
	switch kind {
	case "signals":
		return s.Signals()
	case "slots":
		return s.Slots()
	default:
		return []string{}
	}
}

func (s *SignalSlotable) slotHeartbeat(instanceID string, interval float64, info message.Hash) {
	if !s.cfg.TrackInstances || instanceID == s.id {
		return
	}
	if info == nil {
		info = message.Hash{}
	}
	info.Set("heartbeatInterval", interval)
	s.track(instanceID, info)
}

// instanceNew handles an instance announcing itself: it is tracked, the
// handlers fire and edges and input channels established here are
// re-established
func (s *SignalSlotable) instanceNew(instanceID string, info message.Hash) {
	if s.cfg.TrackInstances {
		s.trackMu.Lock()
		s.tracked[instanceID] = &trackedInstance{info: info, deadline: s.deadline(info)}
		n := len(s.tracked)
		s.trackMu.Unlock()
		s.metrics.RecordTrackedInstances(s.id, n)
	}
	s.fire(&s.onNew, instanceID, info)
	s.reconnectEdges(instanceID)
	s.reconnectInputChannels(instanceID)
}

// instanceGone forgets an instance and everything connected to it
func (s *SignalSlotable) instanceGone(instanceID string, info message.Hash) {
	s.trackMu.Lock()
	delete(s.tracked, instanceID)
	n := len(s.tracked)
	s.trackMu.Unlock()
	s.metrics.RecordTrackedInstances(s.id, n)

	s.purgeRegistrations(instanceID)
	if s.consumer != nil {
		s.consumer.Disconnect(instanceID, s.id)
	}
	s.loseEdges(instanceID)
	s.dropStrand(instanceID)
	s.fire(&s.onGone, instanceID, info)
}

// track refreshes the countdown of an instance. Unknown instances are
// announced as new on the broadcast strand.
func (s *SignalSlotable) track(instanceID string, info message.Hash) {
	s.trackMu.Lock()
	t, known := s.tracked[instanceID]
	if known {
		if info != nil {
			t.info = info
		}
		t.deadline = s.deadline(t.info)
		s.trackMu.Unlock()
		return
	}
	s.trackMu.Unlock()

	if info == nil {
		info = message.Hash{}
	}
	s.broadcastStrand.Post(func() {
		s.trackMu.Lock()
		_, known := s.tracked[instanceID]
		s.trackMu.Unlock()
		if !known {
			s.instanceNew(instanceID, info)
		}
	})
}

// deadline is when an instance counts as gone without further heartbeats
func (s *SignalSlotable) deadline(info message.Hash) time.Time {
	interval := DefaultHeartbeatInterval
	if seconds, err := message.GetAs[float64](info, "heartbeatInterval"); err == nil && seconds > 0 {
		interval = time.Duration(seconds * float64(time.Second))
	}
	return time.Now().Add(heartbeatMisses * interval)
}

func (s *SignalSlotable) heartbeatTick() {
	if s.isClosed() {
		return
	}
	if err := s.Emit(s.ctx, SignalHeartbeat, s.id, s.cfg.HeartbeatInterval.Seconds(), s.heartbeatInfo()); err != nil {
		s.logger.Warn("Failed to emit heartbeat", "error", err)
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.closed {
		s.heartbeat = s.loop.AfterFunc(s.cfg.HeartbeatInterval, s.heartbeatTick)
	}
}

func (s *SignalSlotable) heartbeatInfo() message.Hash {
	info := s.InstanceInfo()
	out := message.Hash{}
	for _, key := range []string{"type", "host", "serverId", "classId", "status", "lang", "p2p_connection"} {
		if v, ok := info[key]; ok {
			out[key] = v
		}
	}
	return out
}

// trackTick reports instances whose countdown expired as gone
func (s *SignalSlotable) trackTick() {
	if s.isClosed() {
		return
	}
	now := time.Now()
	s.trackMu.Lock()
	expired := make(map[string]message.Hash)
	for id, t := range s.tracked {
		if now.After(t.deadline) {
			expired[id] = t.info
		}
	}
	s.trackMu.Unlock()

	for id, info := range expired {
		s.logger.Info("Instance silently disappeared", "instance", id)
		s.broadcastStrand.Post(func() {
			s.trackMu.Lock()
			t, ok := s.tracked[id]
			stillExpired := ok && time.Now().After(t.deadline)
			s.trackMu.Unlock()
			if stillExpired {
				s.instanceGone(id, info)
			}
		})
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.closed {
		s.tracker = s.loop.AfterFunc(s.cfg.TrackPeriod, s.trackTick)
	}
}
