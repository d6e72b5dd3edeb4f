package signalslot

import (
	"context"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
)

// Default signals
const (
	SignalHeartbeat    = "signalHeartbeat"
	SignalInstanceNew  = "signalInstanceNew"
	SignalInstanceGone = "signalInstanceGone"
)

const defaultPriority = 4

// signal is an emission point and the slots registered to it
type signal struct {
	name     string
	params   []reflect.Type
	priority int

	mu sync.Mutex
	// slot instance -> slot functions, in connect order
	slots map[string][]string
}

func (sig *signal) add(slotInstanceID, slotFunction string) {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if slices.Contains(sig.slots[slotInstanceID], slotFunction) {
		return
	}
	sig.slots[slotInstanceID] = append(sig.slots[slotInstanceID], slotFunction)
}

func (sig *signal) remove(slotInstanceID, slotFunction string) bool {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	fns := sig.slots[slotInstanceID]
	i := slices.Index(fns, slotFunction)
	if i < 0 {
		return false
	}
	fns = slices.Delete(fns, i, i+1)
	if len(fns) == 0 {
		delete(sig.slots, slotInstanceID)
	} else {
		sig.slots[slotInstanceID] = fns
	}
	return true
}

func (sig *signal) removeInstance(slotInstanceID string) int {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	n := len(sig.slots[slotInstanceID])
	delete(sig.slots, slotInstanceID)
	return n
}

func (sig *signal) registered() map[string][]string {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	return cloneSlots(sig.slots)
}

func (sig *signal) count() int {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	n := 0
	for _, fns := range sig.slots {
		n += len(fns)
	}
	return n
}

// RegisterSignal declares a signal whose arguments have the types of the
// prototype values. Registering an existing name again fails.
func (s *SignalSlotable) RegisterSignal(name string, prototypes ...any) error {
	if err := broker.ValidateName(name); err != nil {
		return err
	}
	params := make([]reflect.Type, len(prototypes))
	for i, p := range prototypes {
		if p == nil {
			return errors.SignalSlotf("signal '%s': prototype %d is nil", name, i+1)
		}
		params[i] = reflect.TypeOf(p)
	}

	s.signalsMu.Lock()
	defer s.signalsMu.Unlock()
	if _, ok := s.signals[name]; ok {
		return errors.SignalSlotf("instance '%s' already has signal '%s'", s.id, name)
	}
	s.signals[name] = &signal{
		name:     name,
		params:   params,
		priority: defaultPriority,
		slots:    make(map[string][]string),
	}
	return nil
}

func (s *SignalSlotable) signal(name string) *signal {
	s.signalsMu.RLock()
	defer s.signalsMu.RUnlock()
	return s.signals[name]
}

// Signals returns the names of the registered signals
func (s *SignalSlotable) Signals() []string {
	s.signalsMu.RLock()
	defer s.signalsMu.RUnlock()
	names := make([]string, 0, len(s.signals))
	for name := range s.signals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Emit sends args to every slot connected to the signal. Subscribers reached
// by point-to-point are served first, the rest through the broker.
func (s *SignalSlotable) Emit(ctx context.Context, name string, args ...any) error {
	sig := s.signal(name)
	if sig == nil {
		return errors.SignalSlotf("instance '%s' has no signal '%s'", s.id, name)
	}
	if len(args) != len(sig.params) {
		return errors.SignalSlotf("signal '%s' takes %d arguments, got %d", name, len(sig.params), len(args))
	}
	values := make([]any, len(args))
	for i, arg := range args {
		v, err := message.ConvertTo(arg, sig.params[i])
		if err != nil {
			return errors.WrapKind(errors.KindCast, err, "argument %d of signal '%s'", i+1, name)
		}
		values[i] = v.Interface()
	}

	registered := sig.registered()
	if len(registered) == 0 {
		return nil
	}

	header := s.header(name)
	body := message.Args(values...)

	remaining := registered
	if s.producer != nil {
		direct := cloneSlots(registered)
		delete(direct, broker.Wildcard)
		left, err := s.producer.PublishIfConnected(direct, header, body, sig.priority)
		if err != nil {
			return err
		}
		if global, ok := registered[broker.Wildcard]; ok {
			left[broker.Wildcard] = global
		}
		remaining = left
		if served := len(registered) - len(remaining); served > 0 {
			s.metrics.RecordMessageSent(s.id, "p2p")
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	header.Set(message.KeySlotInstanceIDs, message.JoinInstanceIDs(ids...))
	header.Set(message.KeySlotFunctions, message.JoinSlotFunctions(remaining))
	header.Set(message.KeyPriority, sig.priority)
	return s.broker.SendSignal(ctx, name, header, body)
}

// connectToSignal registers a slot at one of this instance's signals
func (s *SignalSlotable) connectToSignal(signalName, slotInstanceID, slotFunction string) bool {
	sig := s.signal(signalName)
	if sig == nil {
		return false
	}
	sig.add(slotInstanceID, slotFunction)
	s.recordConnections()
	return true
}

// disconnectFromSignal removes a slot registration, reporting whether it
// existed
func (s *SignalSlotable) disconnectFromSignal(signalName, slotInstanceID, slotFunction string) bool {
	sig := s.signal(signalName)
	if sig == nil {
		return false
	}
	ok := sig.remove(slotInstanceID, slotFunction)
	s.recordConnections()
	return ok
}

// purgeRegistrations drops every registration of slotInstanceID
func (s *SignalSlotable) purgeRegistrations(slotInstanceID string) {
	s.signalsMu.RLock()
	sigs := make([]*signal, 0, len(s.signals))
	for _, sig := range s.signals {
		sigs = append(sigs, sig)
	}
	s.signalsMu.RUnlock()

	n := 0
	for _, sig := range sigs {
		n += sig.removeInstance(slotInstanceID)
	}
	if n > 0 {
		s.logger.Debug("Purged signal registrations", "slotInstance", slotInstanceID, "count", n)
		s.recordConnections()
	}
}

// SignalConnections returns the slots registered at a signal
func (s *SignalSlotable) SignalConnections(signalName string) map[string][]string {
	sig := s.signal(signalName)
	if sig == nil {
		return nil
	}
	return sig.registered()
}

func (s *SignalSlotable) recordConnections() {
	if s.metrics == nil {
		return
	}
	s.signalsMu.RLock()
	n := 0
	for _, sig := range s.signals {
		n += sig.count()
	}
	s.signalsMu.RUnlock()
	s.metrics.RecordConnections(s.id, n)
}
