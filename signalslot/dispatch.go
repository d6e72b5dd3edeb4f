package signalslot

import (
	"sort"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
)

// RegisterSlot adds handler to the named slot. The handler is a function
// with an optional leading *SlotCall parameter; its results form the reply,
// a trailing error result becomes a remote exception. Every handler of a
// slot must have the same signature.
func (s *SignalSlotable) RegisterSlot(name string, handler any) error {
	if err := broker.ValidateName(name); err != nil {
		return err
	}
	h, err := newHandler(handler)
	if err != nil {
		return err
	}

	s.slotsMu.Lock()
	sl, ok := s.slots[name]
	if !ok {
		sl = &slot{name: name}
		s.slots[name] = sl
	}
	s.slotsMu.Unlock()
	return sl.add(h)
}

// HasSlot reports whether a slot is registered
func (s *SignalSlotable) HasSlot(name string) bool {
	return s.slot(name) != nil
}

func (s *SignalSlotable) slot(name string) *slot {
	s.slotsMu.RLock()
	defer s.slotsMu.RUnlock()
	return s.slots[name]
}

// Slots returns the names of the registered slots
func (s *SignalSlotable) Slots() []string {
	s.slotsMu.RLock()
	defer s.slotsMu.RUnlock()
	names := make([]string, 0, len(s.slots))
	for name := range s.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// strandFor returns the strand serializing the messages of one sender
func (s *SignalSlotable) strandFor(sender string) *eventloop.Strand {
	s.strandsMu.Lock()
	defer s.strandsMu.Unlock()
	st, ok := s.strands[sender]
	if !ok {
		st = s.newStrand()
		s.strands[sender] = st
	}
	return st
}

func (s *SignalSlotable) dropStrand(sender string) {
	s.strandsMu.Lock()
	st := s.strands[sender]
	delete(s.strands, sender)
	s.strandsMu.Unlock()
	if st != nil {
		// queued messages still run
		st.Post(st.Close)
	}
}

// onMessage receives every broker delivery. Replies settle their request
// directly; everything else runs on the sender's strand, broadcasts on the
// broadcast strand.
func (s *SignalSlotable) onMessage(_ string, isBroadcast bool, header, body message.Hash) {
	if header.Has(message.KeyReplyFrom) {
		s.recordReceived("reply", header)
		s.handleReply(header, body)
		return
	}

	if isBroadcast {
		s.recordReceived("broadcast", header)
		s.broadcastStrand.Post(func() { s.processEvent(s.broadcastStrand, header, body) })
		return
	}
	s.recordReceived("message", header)
	st := s.strandFor(header.GetString(message.KeySignalInstanceID))
	st.Post(func() { s.processEvent(st, header, body) })
}

// onP2PMessage receives signals served point-to-point
func (s *SignalSlotable) onP2PMessage(header, body message.Hash) {
	s.recordReceived("p2p", header)
	st := s.strandFor(header.GetString(message.KeySignalInstanceID))
	st.Post(func() { s.processEvent(st, header, body) })
}

func (s *SignalSlotable) recordReceived(kind string, header message.Hash) {
	s.metrics.RecordMessageReceived(s.id, kind)
	if age, ok := message.Age(header); ok {
		s.metrics.RecordMessageAge(kind, age)
	}
}

// processEvent invokes the slots the header addresses to this instance
// and to "*". st is the strand the event runs on.
func (s *SignalSlotable) processEvent(st *eventloop.Strand, header, body message.Hash) {
	slotFunctions := message.SplitSlotFunctions(header.GetString(message.KeySlotFunctions))
	for _, name := range slotFunctions[s.id] {
		s.invoke(st, name, header, body, false)
	}
	for _, name := range slotFunctions[broker.Wildcard] {
		s.invoke(st, name, header, body, true)
	}
}

// postCallback runs f on st, or on the reply strand outside a slot call or
// once st is closed
func (s *SignalSlotable) postCallback(st *eventloop.Strand, f func()) {
	if st != nil && st.TryPost(f) {
		return
	}
	s.replyStrand.Post(f)
}

func (s *SignalSlotable) invoke(st *eventloop.Strand, name string, header, body message.Hash, isGlobal bool) {
	sender := header.GetString(message.KeySignalInstanceID)
	sl := s.slot(name)
	if sl == nil {
		if isGlobal {
			return
		}
		s.logger.Warn("Received message for unknown slot", "slot", name, "from", sender,
			"function", header.GetString(message.KeySignalFunction))
		if header.GetString(message.KeySignalFunction) == message.FunctionRequest {
			s.sendReply(header, name, message.Args(
				errors.SignalSlotf("instance '%s' has no slot '%s'", s.id, name).Error(), ""), true)
		}
		return
	}

	call := &SlotCall{s: s, Sender: sender, Slot: name, Header: header, strand: st}
	values, err := sl.call(call, message.ArgValues(body))
	s.sendPotentialReply(call, values, err, isGlobal)
}

// sendPotentialReply answers requests. Broadcast requests get no reply; a
// request whose slot placed no values gets an empty one.
func (s *SignalSlotable) sendPotentialReply(call *SlotCall, values []any, err error, isGlobal bool) {
	function := call.Header.GetString(message.KeySignalFunction)

	call.mu.Lock()
	deferred := call.async != nil || call.noReply
	call.mu.Unlock()

	switch function {
	case message.FunctionRequest, message.FunctionRequestNoWait:
		if isGlobal {
			s.logger.Warn("Refusing to reply to a broadcast request", "slot", call.Slot, "from", call.Sender)
			return
		}
		if err != nil {
			if function == message.FunctionRequestNoWait {
				s.logger.Warn("Slot failed", "slot", call.Slot, "from", call.Sender, "error", err)
				return
			}
			s.sendReply(call.Header, call.Slot, errorBody(err), true)
			return
		}
		if deferred {
			return
		}
		s.sendReply(call.Header, call.Slot, message.Args(values...), false)

	default:
		if err != nil {
			s.logger.Warn("Slot failed", "slot", call.Slot, "from", call.Sender,
				"function", function, "error", err)
		}
	}
}

func errorBody(err error) message.Hash {
	details := ""
	var me *errors.Error
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		details = pe.stack
	case errors.As(err, &me):
		details = me.Details
	}
	return message.Args(err.Error(), details)
}

// sendReply answers the request described by header
func (s *SignalSlotable) sendReply(header message.Hash, slotName string, body message.Hash, isError bool) {
	sender := header.GetString(message.KeySignalInstanceID)

	switch header.GetString(message.KeySignalFunction) {
	case message.FunctionRequest:
		h := s.header(message.FunctionReply)
		h.Set(message.KeyReplyFrom, header.GetString(message.KeyReplyTo))
		if isError {
			h.Set(message.KeyError, true)
		}
		if err := s.send(sender, message.FunctionReply, h, body); err != nil {
			s.logger.Warn("Failed to send reply", "slot", slotName, "to", sender, "error", err)
			return
		}
		s.metrics.RecordMessageSent(s.id, "reply")

	case message.FunctionRequestNoWait:
		if isError {
			s.logger.Warn("Dropping error reply of requestNoWait", "slot", slotName, "from", sender)
			return
		}
		ids := header.GetString(message.KeyReplyInstanceIDs)
		functions := header.GetString(message.KeyReplyFunctions)
		targets := message.SplitInstanceIDs(ids)
		if len(targets) == 0 {
			s.logger.Warn("requestNoWait without reply instance", "slot", slotName, "from", sender)
			return
		}
		replySlots := message.SplitSlotFunctions(functions)[targets[0]]
		if len(replySlots) == 0 {
			s.logger.Warn("requestNoWait without reply slot", "slot", slotName, "from", sender)
			return
		}
		h := s.header(message.FunctionReplyNoWait)
		h.Set(message.KeySlotInstanceIDs, ids)
		h.Set(message.KeySlotFunctions, functions)
		if err := s.send(targets[0], replySlots[0], h, body); err != nil {
			s.logger.Warn("Failed to send reply", "slot", slotName, "to", targets[0], "error", err)
		}

	default:
		s.logger.Debug("Reply placed outside a request", "slot", slotName, "from", sender)
	}
}
