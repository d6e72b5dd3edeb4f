package signalslot

import (
	"context"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/channel"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
)

// CreateOutputChannel creates the output channel name of this instance and
// starts listening for inputs
func (s *SignalSlotable) CreateOutputChannel(name string, cfg channel.OutputConfig) (*channel.OutputChannel, error) {
	if err := broker.ValidateName(name); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		cfg.Host = s.cfg.P2P.Host
	}

	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	if _, ok := s.outputs[name]; ok {
		return nil, errors.SignalSlotf("instance '%s' already has output channel '%s'", s.id, name)
	}
	out, err := channel.NewOutputChannel(s.id+":"+name, cfg,
		channel.WithLogger(s.logger), channel.WithMetrics(s.registry), channel.WithEventLoop(s.loop))
	if err != nil {
		return nil, err
	}
	if err := out.Start(s.ctx); err != nil {
		return nil, err
	}
	s.outputs[name] = out
	return out, nil
}

// CreateInputChannel creates the input channel name of this instance. It
// connects to outputs through ConnectInputChannel or
// ConnectInputChannels.
func (s *SignalSlotable) CreateInputChannel(name string, cfg channel.InputConfig, handlers channel.Handlers) (*channel.InputChannel, error) {
	if err := broker.ValidateName(name); err != nil {
		return nil, err
	}

	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	if _, ok := s.inputs[name]; ok {
		return nil, errors.SignalSlotf("instance '%s' already has input channel '%s'", s.id, name)
	}
	in := channel.NewInputChannel(s.id+":"+name, cfg, handlers,
		channel.WithLogger(s.logger), channel.WithMetrics(s.registry), channel.WithEventLoop(s.loop))
	s.inputs[name] = in
	return in, nil
}

// OutputChannel returns the named output channel, or nil
func (s *SignalSlotable) OutputChannel(name string) *channel.OutputChannel {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	return s.outputs[name]
}

// InputChannel returns the named input channel, or nil
func (s *SignalSlotable) InputChannel(name string) *channel.InputChannel {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	return s.inputs[name]
}

// OutputChannels returns the names of the output channels
func (s *SignalSlotable) OutputChannels() []string {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	names := make([]string, 0, len(s.outputs))
	for name := range s.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveOutputChannel closes and forgets an output channel
func (s *SignalSlotable) RemoveOutputChannel(name string) bool {
	s.channelsMu.Lock()
	out, ok := s.outputs[name]
	delete(s.outputs, name)
	s.channelsMu.Unlock()
	if ok {
		out.Close()
	}
	return ok
}

// RemoveInputChannel closes and forgets an input channel
func (s *SignalSlotable) RemoveInputChannel(name string) bool {
	s.channelsMu.Lock()
	in, ok := s.inputs[name]
	delete(s.inputs, name)
	s.channelsMu.Unlock()
	if ok {
		in.Close()
	}
	return ok
}

// ConnectInputChannel connects in to the output "instanceId:channelName",
// asking the owning instance where it listens
func (s *SignalSlotable) ConnectInputChannel(ctx context.Context, in *channel.InputChannel, outputID string) error {
	instanceID, channelName, ok := strings.Cut(outputID, ":")
	if !ok || instanceID == "" || channelName == "" {
		return errors.SignalSlotf("output channel '%s' is not of the form instanceId:channelName", outputID)
	}
	info, err := s.outputChannelInfo(ctx, instanceID, channelName)
	if err != nil {
		return err
	}
	return in.Connect(ctx, outputID, info)
}

// ConnectInputChannels connects in to every output of its configuration
func (s *SignalSlotable) ConnectInputChannels(ctx context.Context, in *channel.InputChannel) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, outputID := range in.Config().ConnectedOutputChannels {
		g.Go(func() error {
			return s.ConnectInputChannel(gctx, in, outputID)
		})
	}
	return g.Wait()
}

func (s *SignalSlotable) outputChannelInfo(ctx context.Context, instanceID, channelName string) (message.Hash, error) {
	var (
		found bool
		info  message.Hash
	)
	if instanceID == s.id {
		found, info = s.slotGetOutputChannelInformation(channelName, os.Getpid())
	} else {
		err := s.Request(instanceID, "slotGetOutputChannelInformation", channelName, os.Getpid()).
			Receive(ctx, &found, &info)
		if err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, errors.SignalSlotf("instance '%s' has no output channel '%s'", instanceID, channelName)
	}
	return info, nil
}

// slotGetOutputChannelInformation tells inputs where an output listens
func (s *SignalSlotable) slotGetOutputChannelInformation(channelName string, _ int) (bool, message.Hash) {
	out := s.OutputChannel(channelName)
	if out == nil {
		return false, message.Hash{}
	}
	return true, out.Info()
}

// reconnectInputChannels connects the inputs configured for outputs of
// instanceID that are not connected, once that instance (re)appears
func (s *SignalSlotable) reconnectInputChannels(instanceID string) {
	s.channelsMu.Lock()
	inputs := make([]*channel.InputChannel, 0, len(s.inputs))
	for _, in := range s.inputs {
		inputs = append(inputs, in)
	}
	s.channelsMu.Unlock()

	prefix := instanceID + ":"
	for _, in := range inputs {
		connected := in.ConnectedOutputs()
		for _, outputID := range in.Config().ConnectedOutputChannels {
			if !strings.HasPrefix(outputID, prefix) {
				continue
			}
			if _, ok := connected[outputID]; ok {
				continue
			}
			s.goBackground(func() {
				ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
				defer cancel()
				if err := s.ConnectInputChannel(ctx, in, outputID); err != nil {
					s.logger.Warn("Failed to reconnect input channel", "input", in.ID(), "output", outputID, "error", err)
					return
				}
				s.logger.Info("Reconnected input channel", "input", in.ID(), "output", outputID)
			})
		}
	}
}

func (s *SignalSlotable) closeChannels() {
	s.channelsMu.Lock()
	inputs, outputs := s.inputs, s.outputs
	s.inputs = make(map[string]*channel.InputChannel)
	s.outputs = make(map[string]*channel.OutputChannel)
	s.channelsMu.Unlock()

	for _, in := range inputs {
		in.Close()
	}
	for _, out := range outputs {
		out.Close()
	}
}
