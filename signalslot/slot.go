package signalslot

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
)

var (
	slotCallType = reflect.TypeOf((*SlotCall)(nil))
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

// SlotCall gives a handler access to the message that invoked it and lets it
// place the reply explicitly
type SlotCall struct {
	s *SignalSlotable

	// Sender is the instance that sent the message
	Sender string
	// Slot is the name of the invoked slot
	Slot string
	// Header is the decoded message header
	Header message.Hash

	// strand serializes this call with the sender's other messages
	strand *eventloop.Strand

	mu      sync.Mutex
	replied bool
	values  []any
	async   *AsyncReply
	noReply bool
}

// Reply places the reply values. Later handlers returning values do not
// override an explicit reply.
func (c *SlotCall) Reply(values ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replied = true
	c.values = values
}

// AsyncReply defers the reply until the returned handle is used. The slot
// returns without replying.
func (c *SlotCall) AsyncReply() *AsyncReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.async == nil {
		c.async = &AsyncReply{s: c.s, header: c.Header, slot: c.Slot}
	}
	return c.async
}

// Request prepares a request whose asynchronous handlers run on the strand
// of this call, after the calls of the same sender already queued
func (c *SlotCall) Request(target, slotName string, args ...any) *Requestor {
	r := c.s.Request(target, slotName, args...)
	r.strand = c.strand
	return r
}

// AsyncConnect is SignalSlotable.AsyncConnect with the handlers running on
// the strand of this call
func (c *SlotCall) AsyncConnect(e Edge, success func(), failure func(error), timeout time.Duration) {
	c.s.asyncConnect(c.strand, e, success, failure, timeout)
}

// AsyncDisconnect is SignalSlotable.AsyncDisconnect with the handlers
// running on the strand of this call
func (c *SlotCall) AsyncDisconnect(e Edge, success func(), failure func(error), timeout time.Duration) {
	c.s.asyncDisconnect(c.strand, e, success, failure, timeout)
}

func (c *SlotCall) suppressReply() {
	c.mu.Lock()
	c.noReply = true
	c.mu.Unlock()
}

// AsyncReply sends a deferred reply exactly once
type AsyncReply struct {
	s      *SignalSlotable
	header message.Hash
	slot   string
	once   sync.Once
}

// Reply sends values as the reply
func (a *AsyncReply) Reply(values ...any) {
	a.once.Do(func() {
		a.s.sendReply(a.header, a.slot, message.Args(values...), false)
	})
}

// Error replies with a remote exception
func (a *AsyncReply) Error(msg, details string) {
	a.once.Do(func() {
		a.s.sendReply(a.header, a.slot, message.Args(msg, details), true)
	})
}

// handler is one registered slot function
type handler struct {
	fn       reflect.Value
	withCall bool
	params   []reflect.Type
	results  int
	withErr  bool
}

// signature identifies a handler's parameter and result types
func (h *handler) signature() string {
	t := h.fn.Type()
	return t.String()
}

func newHandler(fn any) (*handler, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, errors.SignalSlotf("slot handler must be a function, got %T", fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, errors.SignalSlotf("variadic slot handler %s is not supported", t)
	}

	h := &handler{fn: v}
	for i := 0; i < t.NumIn(); i++ {
		in := t.In(i)
		if i == 0 && in == slotCallType {
			h.withCall = true
			continue
		}
		h.params = append(h.params, in)
	}
	h.results = t.NumOut()
	if h.results > 0 && t.Out(h.results-1) == errorType {
		h.withErr = true
		h.results--
	}
	return h, nil
}

// invoke converts the message arguments and calls the handler. Extra
// arguments are ignored. A panic is reported as an error.
func (h *handler) invoke(call *SlotCall, args []any) (values []any, err error) {
	if len(args) < len(h.params) {
		return nil, errors.SignalSlotf("slot '%s' expects %d arguments, got %d", call.Slot, len(h.params), len(args))
	}

	in := make([]reflect.Value, 0, len(h.params)+1)
	if h.withCall {
		in = append(in, reflect.ValueOf(call))
	}
	for i, typ := range h.params {
		v, convErr := message.ConvertTo(args[i], typ)
		if convErr != nil {
			return nil, errors.WrapKind(errors.KindCast, convErr, "argument %d of slot '%s'", i+1, call.Slot)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	out := h.fn.Call(in)
	if h.withErr {
		if e, _ := out[len(out)-1].Interface().(error); e != nil {
			return nil, e
		}
	}
	values = make([]any, h.results)
	for i := 0; i < h.results; i++ {
		values[i] = out[i].Interface()
	}
	return values, nil
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// slot is a named list of handlers sharing one signature
type slot struct {
	name     string
	mu       sync.RWMutex
	handlers []*handler
}

func (s *slot) add(h *handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handlers) > 0 && s.handlers[0].signature() != h.signature() {
		return errors.SignalSlotf("slot '%s' is registered as %s, cannot add %s",
			s.name, s.handlers[0].signature(), h.signature())
	}
	s.handlers = append(s.handlers, h)
	return nil
}

func (s *slot) snapshot() []*handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*handler(nil), s.handlers...)
}

// call runs every handler in registration order. The reply is the explicit
// one if a handler placed it, else the values of the last handler that
// returned any. The first error stops the chain.
func (s *slot) call(call *SlotCall, args []any) ([]any, error) {
	var reply []any
	for _, h := range s.snapshot() {
		values, err := h.invoke(call, args)
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			reply = values
		}
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.replied {
		return call.values, nil
	}
	return reply, nil
}
