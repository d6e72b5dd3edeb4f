package signalslot

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
)

// pendingRequest is a request waiting for its reply. It is removed from the
// table exactly once: by the reply, the timeout, cancellation or Close.
type pendingRequest struct {
	id     string
	target string
	slot   string
	start  time.Time
	timer  *eventloop.Timer
	done   func(body message.Hash, err error)
}

// newPending creates a request entry with a fresh correlation id
func newPending(target, slotName string, done func(body message.Hash, err error)) *pendingRequest {
	return &pendingRequest{
		id:     uuid.NewString(),
		target: target,
		slot:   slotName,
		start:  time.Now(),
		done:   done,
	}
}

// addPending registers p and arms its timer under the table lock, so
// the timer callback always finds p.timer set
func (s *SignalSlotable) addPending(p *pendingRequest, arm func() *eventloop.Timer) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[p.id] = p
	p.timer = arm()
}

func (s *SignalSlotable) takePending(id string) *pendingRequest {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return p
}

// PendingRequests returns the number of requests waiting for a reply
func (s *SignalSlotable) PendingRequests() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// complete settles p and records the outcome
func (s *SignalSlotable) complete(p *pendingRequest, body message.Hash, err error) {
	p.timer.Stop()
	outcome := "ok"
	if err != nil {
		outcome = errors.KindOf(err).String()
	}
	s.metrics.RecordRequest(s.id, outcome, time.Since(p.start))
	p.done(body, err)
}

// cancelPending fails every pending request with Cancelled
func (s *SignalSlotable) cancelPending() {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.pendingMu.Unlock()

	for _, p := range pending {
		s.complete(p, nil, errors.Cancelledf("request to '%s.%s' cancelled: instance '%s' closed", p.target, p.slot, s.id))
	}
}

// handleReply routes a reply to its pending request. Late replies are
// discarded.
func (s *SignalSlotable) handleReply(header, body message.Hash) {
	id := header.GetString(message.KeyReplyFrom)
	p := s.takePending(id)
	if p == nil {
		s.logger.Debug("Discarding reply without pending request", "replyFrom", id,
			"from", header.GetString(message.KeySignalInstanceID))
		return
	}

	var err error
	if isErrorReply(header) {
		values := message.ArgValues(body)
		msg, details := "", ""
		if len(values) > 0 {
			msg = fmt.Sprint(values[0])
		}
		if len(values) > 1 {
			details = fmt.Sprint(values[1])
		}
		err = errors.Remote(msg, details)
	}
	s.complete(p, body, err)
}

func isErrorReply(header message.Hash) bool {
	v, ok := header[message.KeyError]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Requestor is a prepared request. It is sent by Receive or ReceiveAsync.
type Requestor struct {
	s       *SignalSlotable
	target  string
	slot    string
	args    []any
	timeout time.Duration
	// strand runs the ReceiveAsync handlers; nil means the reply strand
	strand *eventloop.Strand
}

// Request prepares a request of slot on target
func (s *SignalSlotable) Request(target, slotName string, args ...any) *Requestor {
	return &Requestor{
		s:       s,
		target:  target,
		slot:    slotName,
		args:    args,
		timeout: s.cfg.RequestTimeout,
	}
}

// Timeout overrides the default deadline
func (r *Requestor) Timeout(d time.Duration) *Requestor {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// send registers the pending entry, arms its timeout and sends the request
func (r *Requestor) send(done func(body message.Hash, err error)) (string, error) {
	s := r.s
	p := newPending(r.target, r.slot, done)
	timeout := r.timeout
	s.addPending(p, func() *eventloop.Timer {
		return s.loop.AfterFunc(timeout, func() {
			if t := s.takePending(p.id); t != nil {
				s.complete(t, nil, errors.Timeoutf("no reply from '%s' to '%s' within %v", r.target, r.slot, timeout))
			}
		})
	})

	h := s.header(message.FunctionRequest)
	h.Set(message.KeyReplyTo, p.id)
	if err := s.send(r.target, r.slot, h, message.Args(r.args...)); err != nil {
		if t := s.takePending(p.id); t != nil {
			t.timer.Stop()
		}
		return "", err
	}
	s.metrics.RecordMessageSent(s.id, "request")
	return p.id, nil
}

type result struct {
	body message.Hash
	err  error
}

// Receive sends the request and waits for the reply, converting its values
// into outs. Fewer outs than values is fine.
func (r *Requestor) Receive(ctx context.Context, outs ...any) error {
	if r.s.isClosed() {
		return errors.Cancelledf("instance '%s' is closed", r.s.id)
	}

	ch := make(chan result, 1)
	id, err := r.send(func(body message.Hash, err error) {
		ch <- result{body: body, err: err}
	})
	if err != nil {
		return err
	}

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		if p := r.s.takePending(id); p != nil {
			p.timer.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				return errors.WrapKind(errors.KindTimeout, ctx.Err(), "request '%s' of '%s'", r.slot, r.target)
			}
			return errors.WrapKind(errors.KindCancelled, ctx.Err(), "request '%s' of '%s'", r.slot, r.target)
		}
		// settled concurrently
		res = <-ch
	}
	if res.err != nil {
		return res.err
	}
	return r.assign(res.body, outs)
}

func (r *Requestor) assign(body message.Hash, outs []any) error {
	values := message.ArgValues(body)
	if len(outs) > len(values) {
		return errors.SignalSlotf("reply of '%s.%s' carries %d values, %d requested", r.target, r.slot, len(values), len(outs))
	}
	for i, out := range outs {
		if err := message.Convert(values[i], out); err != nil {
			return errors.WrapKind(errors.KindCast, err, "reply value %d of '%s.%s'", i+1, r.target, r.slot)
		}
	}
	return nil
}

// ReceiveAsync sends the request and returns. Exactly one of the handlers
// runs later: success with the converted reply values as arguments, or
// failure. success may be nil. Requests made through SlotCall.Request run
// the handler on the strand of that slot call, others on the instance's
// reply strand.
func (r *Requestor) ReceiveAsync(success any, failure func(error)) {
	s := r.s
	fail := func(err error) {
		s.postCallback(r.strand, func() {
			if failure == nil {
				s.logger.Warn("Asynchronous request failed", "target", r.target, "slot", r.slot, "error", err)
				return
			}
			failure(err)
		})
	}

	var fn reflect.Value
	if success != nil {
		fn = reflect.ValueOf(success)
		if fn.Kind() != reflect.Func || fn.Type().IsVariadic() {
			fail(errors.SignalSlotf("success handler must be a non-variadic function, got %T", success))
			return
		}
	}
	if s.isClosed() {
		fail(errors.Cancelledf("instance '%s' is closed", s.id))
		return
	}

	_, err := r.send(func(body message.Hash, err error) {
		if err != nil {
			fail(err)
			return
		}
		s.postCallback(r.strand, func() {
			args, err := r.handlerArgs(fn, body)
			if err != nil {
				if failure != nil {
					failure(err)
				} else {
					s.logger.Warn("Cannot deliver reply", "target", r.target, "slot", r.slot, "error", err)
				}
				return
			}
			if fn.IsValid() {
				fn.Call(args)
			}
		})
	})
	if err != nil {
		fail(err)
	}
}

func (r *Requestor) handlerArgs(fn reflect.Value, body message.Hash) ([]reflect.Value, error) {
	if !fn.IsValid() {
		return nil, nil
	}
	t := fn.Type()
	values := message.ArgValues(body)
	if t.NumIn() > len(values) {
		return nil, errors.SignalSlotf("reply of '%s.%s' carries %d values, handler takes %d", r.target, r.slot, len(values), t.NumIn())
	}
	args := make([]reflect.Value, t.NumIn())
	for i := range args {
		v, err := message.ConvertTo(values[i], t.In(i))
		if err != nil {
			return nil, errors.WrapKind(errors.KindCast, err, "reply value %d of '%s.%s'", i+1, r.target, r.slot)
		}
		args[i] = v
	}
	return args, nil
}

// Exists pings instanceID and reports whether it answered, with its info
func (s *SignalSlotable) Exists(ctx context.Context, instanceID string) (bool, message.Hash) {
	if instanceID == s.id {
		return true, s.InstanceInfo()
	}
	var info message.Hash
	err := s.Request(instanceID, "slotPing", s.id, 1, false).
		Timeout(DefaultUniquenessTimeout).
		Receive(ctx, &info)
	if err != nil {
		return false, nil
	}
	return true, info
}

// GetAvailableInstances broadcasts a ping and collects the answers of the
// other instances arriving within wait
func (s *SignalSlotable) GetAvailableInstances(ctx context.Context, wait time.Duration) (map[string]message.Hash, error) {
	answers := make(chan struct {
		id   string
		info message.Hash
	}, 256)
	remove := s.addCollector(func(id string, info message.Hash) {
		select {
		case answers <- struct {
			id   string
			info message.Hash
		}{id, info}:
		default:
		}
	})
	defer remove()

	if err := s.Call(broker.Wildcard, "slotPing", s.id, 0, false); err != nil {
		return nil, err
	}

	found := make(map[string]message.Hash)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case a := <-answers:
			if a.id != s.id {
				found[a.id] = a.info
			}
		case <-timer.C:
			return found, nil
		case <-ctx.Done():
			return found, ctx.Err()
		}
	}
}

func (s *SignalSlotable) addCollector(h InstanceHandler) func() {
	s.collectMu.Lock()
	s.collectSeq++
	key := s.collectSeq
	s.collectors[key] = h
	s.collectMu.Unlock()
	return func() {
		s.collectMu.Lock()
		delete(s.collectors, key)
		s.collectMu.Unlock()
	}
}

func (s *SignalSlotable) collect(instanceID string, info message.Hash) {
	s.collectMu.Lock()
	hs := make([]InstanceHandler, 0, len(s.collectors))
	for _, h := range s.collectors {
		hs = append(hs, h)
	}
	s.collectMu.Unlock()
	for _, h := range hs {
		h(instanceID, info)
	}
}

// GetAvailableSignals asks instanceID for its signal names
func (s *SignalSlotable) GetAvailableSignals(ctx context.Context, instanceID string) ([]string, error) {
	var names []string
	err := s.Request(instanceID, "slotGetAvailableFunctions", "signals").Receive(ctx, &names)
	return names, err
}

// GetAvailableSlots asks instanceID for its slot names
func (s *SignalSlotable) GetAvailableSlots(ctx context.Context, instanceID string) ([]string, error) {
	var names []string
	err := s.Request(instanceID, "slotGetAvailableFunctions", "slots").Receive(ctx, &names)
	return names, err
}
