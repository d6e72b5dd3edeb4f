package channel

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/pkg/wire"
)

// Handlers are the callbacks of an input. They run one at a time on the
// input's strand.
type Handlers struct {
	// Data is called for every item of a triggered chunk
	Data func(data message.Hash, meta Meta)
	// Input is called once per triggered chunk; read it with Size and Read
	Input func(in *InputChannel)
	// EndOfStream is called once every connected output ended its stream
	EndOfStream func(in *InputChannel)
	// Connection reports state changes of the output connections
	Connection func(outputID string, status ConnectionStatus)
}

// pendingConnect is a connection being set up
type pendingConnect struct {
	id     string
	cancel context.CancelFunc
	done   func(error)
}

// outputConn is an open connection to an output
type outputConn struct {
	outputID string
	conn     *wire.Conn
	// awaiting is set while an update is outstanding; guarded by potMu
	awaiting bool
}

// InputChannel receives chunks from one or more output channels. Arriving
// data fills the inactive pot; the handlers read the active pot. The pots
// swap once the inactive one holds MinData items or every output ended its
// stream.
type InputChannel struct {
	id       string
	cfg      InputConfig
	handlers Handlers
	logger   *slog.Logger
	metrics  *metric.Metrics
	loop     *eventloop.EventLoop
	strand   *eventloop.Strand

	connMu  sync.Mutex
	pending map[string]*pendingConnect
	open    map[string]*outputConn
	closed  bool

	potMu      sync.Mutex
	streams    map[string]*outputConn
	active     []Data
	inactive   []Data
	activeEOS  bool
	processing bool
	eos        map[string]struct{}

	wg sync.WaitGroup
}

// NewInputChannel creates the input "instanceId:name" identified by id
func NewInputChannel(id string, cfg InputConfig, handlers Handlers, opts ...Option) *InputChannel {
	o := applyOptions("input-channel", opts)
	logger := o.logger.With("channel", id)
	return &InputChannel{
		id:       id,
		cfg:      cfg.withDefaults(),
		handlers: handlers,
		logger:   logger,
		metrics:  o.metrics,
		loop:     o.loop,
		strand:   eventloop.NewStrand(o.loop, eventloop.WithStrandLogger(logger)),
		pending:  make(map[string]*pendingConnect),
		open:     make(map[string]*outputConn),
		streams:  make(map[string]*outputConn),
		eos:      make(map[string]struct{}),
	}
}

// ID returns "instanceId:name"
func (in *InputChannel) ID() string {
	return in.id
}

// Config returns the configuration with defaults applied
func (in *InputChannel) Config() InputConfig {
	return in.cfg
}

// ConnectAsync starts connecting to the output outputID described by info
// and returns. done receives nil once connected, or the failure. A
// Disconnect of outputID before the connection is up wins: done then gets
// a Cancelled error.
func (in *InputChannel) ConnectAsync(outputID string, info message.Hash, done func(error)) {
	finish := func(err error) {
		if done != nil {
			done(err)
		}
	}
	addr, err := addressOf(info)
	if err != nil {
		finish(err)
		return
	}

	in.connMu.Lock()
	if in.closed {
		in.connMu.Unlock()
		finish(errors.Cancelledf("input channel '%s' is closed", in.id))
		return
	}
	if _, ok := in.open[outputID]; ok {
		in.connMu.Unlock()
		finish(nil)
		return
	}
	if _, ok := in.pending[outputID]; ok {
		in.connMu.Unlock()
		finish(errors.SignalSlotf("input '%s' is already connecting to '%s'", in.id, outputID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
	p := &pendingConnect{id: uuid.NewString(), cancel: cancel, done: done}
	in.pending[outputID] = p
	in.wg.Add(1)
	in.connMu.Unlock()

	in.status(outputID, Connecting)
	go in.dial(ctx, outputID, addr, p)
}

// Connect connects to an output and waits for the outcome. A done ctx
// abandons the attempt.
func (in *InputChannel) Connect(ctx context.Context, outputID string, info message.Hash) error {
	result := make(chan error, 1)
	in.ConnectAsync(outputID, info, func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		in.Disconnect(outputID)
		return ctxError(ctx, "connecting '%s' to '%s'", in.id, outputID)
	}
}

func (in *InputChannel) dial(ctx context.Context, outputID, addr string, p *pendingConnect) {
	defer in.wg.Done()
	defer p.cancel()

	conn, err := wire.Dial(ctx, addr, in.cfg.TLS)
	if err == nil {
		err = in.sendHello(conn)
	}

	in.connMu.Lock()
	if cur, ok := in.pending[outputID]; !ok || cur != p {
		// disconnected meanwhile; the callback already got Cancelled
		in.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	delete(in.pending, outputID)
	if err != nil {
		in.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		in.logger.Warn("Failed to connect to output", "output", outputID, "address", addr, "error", err)
		in.status(outputID, Disconnected)
		if p.done != nil {
			p.done(errors.WrapKind(errors.KindConnection, err, "connecting '%s' to '%s'", in.id, outputID))
		}
		return
	}
	oc := &outputConn{outputID: outputID, conn: conn}
	in.open[outputID] = oc
	in.wg.Add(1)
	in.connMu.Unlock()

	in.potMu.Lock()
	in.streams[outputID] = oc
	updates := in.updatesLocked()
	in.potMu.Unlock()

	in.logger.Debug("Connected to output", "output", outputID, "address", addr)
	in.status(outputID, Connected)
	if p.done != nil {
		p.done(nil)
	}
	go in.readLoop(oc)
	in.sendUpdates(updates)
}

func (in *InputChannel) sendHello(conn *wire.Conn) error {
	f, err := encodeFrame(frame{Header: message.Hash{
		keyReason:           reasonHello,
		keyInstanceID:       in.id,
		keyMemoryLocation:   MemoryLocationRemote,
		keyDataDistribution: in.cfg.DataDistribution,
		keyOnSlowness:       in.cfg.OnSlowness,
		keyMaxQueueLength:   in.cfg.MaxQueueLength,
	}})
	if err != nil {
		return err
	}
	return conn.Write(f)
}

// Disconnect closes the connection to outputID or abandons its set-up
func (in *InputChannel) Disconnect(outputID string) {
	in.connMu.Lock()
	p := in.pending[outputID]
	delete(in.pending, outputID)
	oc := in.open[outputID]
	delete(in.open, outputID)
	in.connMu.Unlock()

	if p != nil {
		p.cancel()
		if p.done != nil {
			p.done(errors.Cancelledf("connecting '%s' to '%s' cancelled by disconnect", in.id, outputID))
		}
	}
	lost := false
	if oc != nil {
		_ = oc.conn.Close()
		lost = in.outputLost(oc)
	}
	if p != nil || lost {
		in.status(outputID, Disconnected)
	}
}

// ConnectedOutputs returns the state of every known output connection
func (in *InputChannel) ConnectedOutputs() map[string]ConnectionStatus {
	in.connMu.Lock()
	defer in.connMu.Unlock()
	out := make(map[string]ConnectionStatus, len(in.pending)+len(in.open))
	for id := range in.pending {
		out[id] = Connecting
	}
	for id := range in.open {
		out[id] = Connected
	}
	return out
}

func (in *InputChannel) status(outputID string, status ConnectionStatus) {
	if in.handlers.Connection != nil {
		in.handlers.Connection(outputID, status)
	}
}

func (in *InputChannel) readLoop(oc *outputConn) {
	defer in.wg.Done()
	for {
		b, err := oc.conn.Read()
		if err != nil {
			in.connMu.Lock()
			if in.open[oc.outputID] == oc {
				delete(in.open, oc.outputID)
			}
			in.connMu.Unlock()
			_ = oc.conn.Close()
			if in.outputLost(oc) {
				in.logger.Info("Output connection lost", "output", oc.outputID, "error", err)
				in.status(oc.outputID, Disconnected)
			}
			return
		}
		f, err := decodeFrame(b)
		if err != nil {
			in.logger.Warn("Discarding malformed chunk", "output", oc.outputID, "error", err)
			continue
		}
		if f.Header.GetString(keyReason) != reasonData {
			continue
		}
		in.metrics.RecordChannelTraffic(in.id, "in", len(b))
		in.onChunk(oc, f)
	}
}

func (in *InputChannel) onChunk(oc *outputConn, f frame) {
	in.potMu.Lock()
	if in.streams[oc.outputID] != oc {
		in.potMu.Unlock()
		return
	}
	oc.awaiting = false
	in.inactive = append(in.inactive, f.Data...)
	if isEndOfStream(f.Header) {
		in.eos[oc.outputID] = struct{}{}
	}
	run := in.trySwapLocked()
	updates := in.updatesLocked()
	in.potMu.Unlock()

	in.sendUpdates(updates)
	if run {
		in.strand.Post(in.process)
	}
}

// outputLost forgets a closed connection. The output no longer holds back
// end-of-stream; it reports whether oc was still a stream.
func (in *InputChannel) outputLost(oc *outputConn) bool {
	in.potMu.Lock()
	if in.streams[oc.outputID] != oc {
		in.potMu.Unlock()
		return false
	}
	delete(in.streams, oc.outputID)
	delete(in.eos, oc.outputID)
	run := false
	if len(in.eos) > 0 || len(in.inactive) > 0 {
		if in.allEndedLocked() {
			// the lost output counts as ended
			in.eos[oc.outputID] = struct{}{}
			run = in.trySwapLocked()
		}
	}
	in.potMu.Unlock()

	if run {
		in.strand.Post(in.process)
	}
	return true
}

func (in *InputChannel) allEndedLocked() bool {
	for id := range in.streams {
		if _, ok := in.eos[id]; !ok {
			return false
		}
	}
	return true
}

// trySwapLocked swaps the pots when the handlers are idle and the inactive
// pot is due. Caller holds potMu.
func (in *InputChannel) trySwapLocked() bool {
	if in.processing {
		return false
	}
	ended := len(in.eos) > 0 && in.allEndedLocked()
	enough := in.cfg.MinData > 0 && len(in.inactive) >= in.cfg.MinData
	if !ended && !enough {
		return false
	}
	in.active, in.inactive = in.inactive, nil
	in.activeEOS = ended
	if ended {
		in.eos = make(map[string]struct{})
	}
	in.processing = true
	return true
}

// updatesLocked selects the outputs to ask for the next chunk: those
// without an outstanding update that did not end their stream, while the
// inactive pot wants more. Caller holds potMu.
func (in *InputChannel) updatesLocked() []*outputConn {
	if in.cfg.MinData > 0 && len(in.inactive) >= in.cfg.MinData {
		return nil
	}
	var out []*outputConn
	for id, oc := range in.streams {
		if oc.awaiting {
			continue
		}
		if _, ended := in.eos[id]; ended {
			continue
		}
		oc.awaiting = true
		out = append(out, oc)
	}
	return out
}

func (in *InputChannel) sendUpdates(ocs []*outputConn) {
	for _, oc := range ocs {
		if in.cfg.DelayOnInput > 0 {
			in.loop.AfterFunc(in.cfg.DelayOnInput, func() { in.sendUpdate(oc) })
			continue
		}
		in.sendUpdate(oc)
	}
}

func (in *InputChannel) sendUpdate(oc *outputConn) {
	f, err := encodeFrame(frame{Header: message.Hash{keyReason: reasonUpdate, keyInstanceID: in.id}})
	if err != nil {
		return
	}
	if err := oc.conn.Write(f); err != nil {
		// the read loop notices the broken connection
		in.logger.Debug("Failed to send update", "output", oc.outputID, "error", err)
		_ = oc.conn.Close()
	}
}

// process runs the handlers on the active pot, then swaps again if due
func (in *InputChannel) process() {
	in.potMu.Lock()
	items := in.active
	eos := in.activeEOS
	in.potMu.Unlock()

	if h := in.handlers.Data; h != nil {
		for _, d := range items {
			in.guard("data", func() { h(d.Hash, d.Meta) })
		}
	}
	if h := in.handlers.Input; h != nil && len(items) > 0 {
		in.guard("input", func() { h(in) })
	}
	if h := in.handlers.EndOfStream; h != nil && eos {
		in.guard("endOfStream", func() { h(in) })
	}

	in.potMu.Lock()
	in.active = nil
	in.activeEOS = false
	in.processing = false
	run := in.trySwapLocked()
	updates := in.updatesLocked()
	in.potMu.Unlock()

	in.sendUpdates(updates)
	if run {
		in.strand.Post(in.process)
	}
}

// guard keeps a panicking handler from stalling the input
func (in *InputChannel) guard(handler string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("Input handler panicked", "handler", handler, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	f()
}

// Size returns the number of items in the chunk being processed
func (in *InputChannel) Size() int {
	in.potMu.Lock()
	defer in.potMu.Unlock()
	return len(in.active)
}

// Read returns item i of the chunk being processed
func (in *InputChannel) Read(i int) (message.Hash, Meta, error) {
	in.potMu.Lock()
	defer in.potMu.Unlock()
	if i < 0 || i >= len(in.active) {
		return nil, Meta{}, errors.SignalSlotf("input '%s' holds %d items, index %d requested", in.id, len(in.active), i)
	}
	d := in.active[i]
	return d.Hash, d.Meta, nil
}

// Close disconnects every output and stops the handlers
func (in *InputChannel) Close() {
	in.connMu.Lock()
	if in.closed {
		in.connMu.Unlock()
		return
	}
	in.closed = true
	ids := make([]string, 0, len(in.pending)+len(in.open))
	for id := range in.pending {
		ids = append(ids, id)
	}
	for id := range in.open {
		ids = append(ids, id)
	}
	in.connMu.Unlock()

	for _, id := range ids {
		in.Disconnect(id)
	}
	in.wg.Wait()
	in.strand.Close()
}
