package channel

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/pkg/buffer"
	"github.com/c360/sigslot/pkg/timestamp"
	"github.com/c360/sigslot/pkg/wire"
)

// remoteInput is an input connected to an output
type remoteInput struct {
	id           string
	distribution string
	policy       string
	conn         *wire.Conn
	queue        buffer.Buffer[[]byte]

	// ready is set by an update and cleared when a chunk is sent; guarded
	// by the output's mu
	ready bool

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func (in *remoteInput) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// InputInfo describes a connected input
type InputInfo struct {
	InstanceID       string `json:"instanceId"`
	DataDistribution string `json:"dataDistribution"`
	OnSlowness       string `json:"onSlowness"`
	Remote           string `json:"remote"`
	Ready            bool   `json:"ready"`
}

// OutputChannel serves chunks of data to connected input channels over TCP,
// honouring the slowness policy each input asked for
type OutputChannel struct {
	id      string
	cfg     OutputConfig
	logger  *slog.Logger
	metrics *metric.Metrics

	ln         net.Listener
	connString string

	chunkMu sync.Mutex
	chunk   []Data

	// serializes Update and EndOfStream
	updateMu sync.Mutex

	mu       sync.Mutex
	inputs   []*remoteInput
	rr       int
	changed  chan struct{}
	onStatus func(inputID string, status ConnectionStatus)
	shared   buffer.Buffer[[]byte]

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewOutputChannel creates the output "instanceId:name" identified by id.
// Inputs connect after Start.
func NewOutputChannel(id string, cfg OutputConfig, opts ...Option) (*OutputChannel, error) {
	o := applyOptions("output-channel", opts)
	cfg = cfg.withDefaults()

	out := &OutputChannel{
		id:      id,
		cfg:     cfg,
		logger:  o.logger.With("channel", id),
		metrics: o.metrics,
		changed: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	shared, err := buffer.NewCircularBuffer(cfg.MaxSharedQueueLength,
		buffer.WithOverflowPolicy[[]byte](buffer.Block))
	if err != nil {
		return nil, err
	}
	out.shared = shared
	return out, nil
}

// ID returns "instanceId:name"
func (o *OutputChannel) ID() string {
	return o.id
}

// Start listens for inputs until ctx is done or Close is called
func (o *OutputChannel) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.ln != nil {
		o.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "OutputChannel", "Start", "start listener")
	}
	ln, err := wire.Listen(o.cfg.Address, o.cfg.TLS)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.ln = ln
	o.connString = wire.ConnectionString(ln, o.cfg.Host)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.acceptLoop()
	context.AfterFunc(ctx, o.Close)

	o.logger.Debug("Output channel listening", "address", o.connString)
	return nil
}

// Info returns the channel information inputs use to connect
func (o *OutputChannel) Info() message.Hash {
	o.mu.Lock()
	defer o.mu.Unlock()
	info := message.Hash{
		"connectionType": ConnectionTypeTCP,
		"memoryLocation": MemoryLocationRemote,
	}
	if o.ln != nil {
		hostPort, _ := wire.ParseAddress(o.connString)
		host, _, _ := net.SplitHostPort(hostPort)
		info["hostname"] = host
		info["port"] = wire.Port(o.ln)
	}
	return info
}

// SetConnectionHandler sets the callback fired when an input connects or
// disconnects
func (o *OutputChannel) SetConnectionHandler(h func(inputID string, status ConnectionStatus)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStatus = h
}

// Inputs describes the connected inputs
func (o *OutputChannel) Inputs() []InputInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	infos := make([]InputInfo, 0, len(o.inputs))
	for _, in := range o.inputs {
		infos = append(infos, InputInfo{
			InstanceID:       in.id,
			DataDistribution: in.distribution,
			OnSlowness:       in.policy,
			Remote:           in.conn.RemoteAddr(),
			Ready:            o.readyLocked(in),
		})
	}
	return infos
}

// Write appends data to the chunk sent by the next Update
func (o *OutputChannel) Write(data message.Hash) {
	o.WriteMeta(data, Meta{Source: o.id, Timestamp: timestamp.Now()})
}

// WriteMeta appends data with explicit metadata
func (o *OutputChannel) WriteMeta(data message.Hash, meta Meta) {
	o.chunkMu.Lock()
	defer o.chunkMu.Unlock()
	o.chunk = append(o.chunk, Data{Hash: data.Clone(), Meta: meta})
}

func (o *OutputChannel) takeChunk() []Data {
	o.chunkMu.Lock()
	defer o.chunkMu.Unlock()
	items := o.chunk
	o.chunk = nil
	return items
}

// Update sends the written data to the inputs. Depending on their
// policies it may block until inputs are ready or ctx is done.
func (o *OutputChannel) Update(ctx context.Context) error {
	o.updateMu.Lock()
	defer o.updateMu.Unlock()
	return o.flush(ctx)
}

func (o *OutputChannel) flush(ctx context.Context) error {
	items := o.takeChunk()
	if len(items) == 0 {
		return nil
	}
	f, err := encodeFrame(frame{
		Header: message.Hash{keyReason: reasonData, keySource: o.id},
		Data:   items,
	})
	if err != nil {
		return err
	}
	return o.distribute(ctx, f, false)
}

// EndOfStream sends pending data followed by end-of-stream to every input.
// End-of-stream is never dropped.
func (o *OutputChannel) EndOfStream(ctx context.Context) error {
	o.updateMu.Lock()
	defer o.updateMu.Unlock()
	if err := o.flush(ctx); err != nil {
		return err
	}
	f, err := encodeFrame(frame{
		Header: message.Hash{keyReason: reasonData, keySource: o.id, keyEndOfStream: true},
	})
	if err != nil {
		return err
	}
	return o.distribute(ctx, f, true)
}

func (o *OutputChannel) distribute(ctx context.Context, f []byte, eos bool) error {
	if o.isClosed() {
		return errors.Cancelledf("output channel '%s' is closed", o.id)
	}
	o.mu.Lock()
	var copies, shared []*remoteInput
	for _, in := range o.inputs {
		if in.distribution == DistributionShared {
			shared = append(shared, in)
		} else {
			copies = append(copies, in)
		}
	}
	o.mu.Unlock()

	for _, in := range copies {
		if err := o.sendCopy(ctx, in, f, eos); err != nil {
			return err
		}
	}
	if eos {
		return o.sharedEndOfStream(ctx, shared, f)
	}
	if len(shared) == 0 {
		return nil
	}
	return o.sendShared(ctx, f)
}

func (o *OutputChannel) readyLocked(in *remoteInput) bool {
	return in.ready && in.queue.IsEmpty()
}

func (o *OutputChannel) sendCopy(ctx context.Context, in *remoteInput, f []byte, eos bool) error {
	switch in.policy {
	case PolicyDrop:
		if !eos {
			o.mu.Lock()
			ready := o.readyLocked(in)
			o.mu.Unlock()
			if !ready {
				o.metrics.RecordChannelDrop(o.id, PolicyDrop)
				return nil
			}
		}
	case PolicyWait:
		if err := o.waitFor(ctx, in, func() bool { return o.readyLocked(in) }); err != nil {
			return err
		}
	}
	return o.enqueue(ctx, in, f)
}

// enqueue hands f to the input's writer. Inputs gone meanwhile are skipped.
func (o *OutputChannel) enqueue(ctx context.Context, in *remoteInput, f []byte) error {
	if err := in.queue.Write(ctx, f); err != nil {
		if errors.Is(err, buffer.ErrClosed) {
			return nil
		}
		return ctxError(ctx, "update of '%s' for input '%s'", o.id, in.id)
	}
	in.signal()
	return nil
}

// sendShared gives f to the next ready shared input, round-robin. Without
// a ready one the noInputShared policy applies.
func (o *OutputChannel) sendShared(ctx context.Context, f []byte) error {
	for {
		o.mu.Lock()
		if o.shared.IsEmpty() {
			if in := o.nextSharedLocked(); in != nil {
				// the ready input's queue is empty, so this cannot block
				_ = in.queue.Write(context.Background(), f)
				in.signal()
				o.mu.Unlock()
				return nil
			}
		}
		o.mu.Unlock()

		switch o.cfg.NoInputShared {
		case PolicyDrop:
			o.metrics.RecordChannelDrop(o.id, "noInputShared")
			return nil
		case PolicyQueue:
			if err := o.shared.Write(ctx, f); err != nil {
				return ctxError(ctx, "queueing shared chunk of '%s'", o.id)
			}
			o.drainShared()
			return nil
		default:
			err := o.waitFor(ctx, nil, func() bool {
				return o.shared.IsEmpty() && o.anySharedReadyLocked()
			})
			if err != nil {
				return err
			}
		}
	}
}

func (o *OutputChannel) nextSharedLocked() *remoteInput {
	n := len(o.inputs)
	for i := 0; i < n; i++ {
		idx := (o.rr + i) % n
		in := o.inputs[idx]
		if in.distribution == DistributionShared && o.readyLocked(in) {
			o.rr = (idx + 1) % n
			return in
		}
	}
	return nil
}

func (o *OutputChannel) anySharedReadyLocked() bool {
	for _, in := range o.inputs {
		if in.distribution == DistributionShared && o.readyLocked(in) {
			return true
		}
	}
	return false
}

// drainShared moves queued shared chunks to ready shared inputs
func (o *OutputChannel) drainShared() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for !o.shared.IsEmpty() {
		in := o.nextSharedLocked()
		if in == nil {
			return
		}
		f, ok := o.shared.Read()
		if !ok {
			return
		}
		_ = in.queue.Write(context.Background(), f)
		in.signal()
		o.notifyLocked()
	}
}

// sharedEndOfStream waits for the queued shared chunks to go out, then
// sends end-of-stream to every shared input
func (o *OutputChannel) sharedEndOfStream(ctx context.Context, shared []*remoteInput, f []byte) error {
	if len(shared) == 0 {
		return nil
	}
	if err := o.waitFor(ctx, nil, func() bool { return o.shared.IsEmpty() }); err != nil {
		return err
	}
	for _, in := range shared {
		if err := o.enqueue(ctx, in, f); err != nil {
			return err
		}
	}
	return nil
}

// waitFor blocks until pred holds under mu. It returns nil when in is
// disconnected meanwhile.
func (o *OutputChannel) waitFor(ctx context.Context, in *remoteInput, pred func() bool) error {
	var gone <-chan struct{}
	if in != nil {
		gone = in.done
	}
	for {
		o.mu.Lock()
		if pred() {
			o.mu.Unlock()
			return nil
		}
		changed := o.changed
		o.mu.Unlock()

		select {
		case <-changed:
		case <-gone:
			return nil
		case <-o.closed:
			return errors.Cancelledf("output channel '%s' is closed", o.id)
		case <-ctx.Done():
			return ctxError(ctx, "waiting for inputs of '%s'", o.id)
		}
	}
}

// notifyLocked wakes waitFor callers. Caller holds mu.
func (o *OutputChannel) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *OutputChannel) acceptLoop() {
	defer o.wg.Done()
	for {
		conn, err := o.ln.Accept()
		if err != nil {
			if o.isClosed() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			o.logger.Error("Output channel accept failed", "error", err)
			return
		}
		o.wg.Add(1)
		go o.serveConn(wire.NewConn(conn))
	}
}

// serveConn reads the hello of a new input, then its updates
func (o *OutputChannel) serveConn(conn *wire.Conn) {
	defer o.wg.Done()

	b, err := conn.Read()
	if err != nil {
		_ = conn.Close()
		return
	}
	f, err := decodeFrame(b)
	if err != nil || f.Header.GetString(keyReason) != reasonHello {
		o.logger.Warn("Rejecting input without hello", "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	in, err := o.newRemoteInput(conn, f.Header)
	if err != nil {
		o.logger.Error("Failed to set up input", "error", err)
		_ = conn.Close()
		return
	}
	if !o.addInput(in) {
		_ = conn.Close()
		return
	}

	o.wg.Add(1)
	go o.writeLoop(in)
	o.readLoop(in)
}

func (o *OutputChannel) newRemoteInput(conn *wire.Conn, hello message.Hash) (*remoteInput, error) {
	in := &remoteInput{
		id:           hello.GetString(keyInstanceID),
		distribution: normalizeDistribution(hello.GetString(keyDataDistribution)),
		policy:       normalizePolicy(hello.GetString(keyOnSlowness)),
		conn:         conn,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	maxLen, err := message.GetAs[int](hello, keyMaxQueueLength)
	if err != nil || maxLen <= 0 {
		maxLen = DefaultMaxQueueLength
	}

	capacity, policy := controlQueueLength, buffer.Block
	if in.distribution == DistributionCopy {
		switch in.policy {
		case PolicyQueue:
			capacity = maxLen
		case PolicyQueueDrop:
			capacity, policy = maxLen, buffer.DropOldest
		}
	}
	queue, err := buffer.NewCircularBuffer(capacity,
		buffer.WithOverflowPolicy[[]byte](policy),
		buffer.WithDropCallback(func([]byte) {
			o.metrics.RecordChannelDrop(o.id, in.policy)
		}))
	if err != nil {
		return nil, err
	}
	in.queue = queue
	return in, nil
}

func (o *OutputChannel) addInput(in *remoteInput) bool {
	o.mu.Lock()
	if o.isClosed() {
		o.mu.Unlock()
		return false
	}
	o.inputs = append(o.inputs, in)
	o.notifyLocked()
	h := o.onStatus
	o.mu.Unlock()

	o.logger.Debug("Input connected", "input", in.id, "distribution", in.distribution, "onSlowness", in.policy)
	if h != nil {
		h(in.id, Connected)
	}
	return true
}

// dropInput tears down one input; the others are unaffected
func (o *OutputChannel) dropInput(in *remoteInput, cause error) {
	removed := false
	in.doneOnce.Do(func() {
		close(in.done)
		_ = in.conn.Close()
		_ = in.queue.Close()

		o.mu.Lock()
		for i, cur := range o.inputs {
			if cur == in {
				o.inputs = append(o.inputs[:i], o.inputs[i+1:]...)
				removed = true
				break
			}
		}
		if o.rr >= len(o.inputs) {
			o.rr = 0
		}
		o.notifyLocked()
		o.mu.Unlock()
	})
	if !removed {
		return
	}

	if cause != nil && !o.isClosed() {
		o.logger.Info("Input disconnected", "input", in.id, "error", cause)
	}
	o.mu.Lock()
	h := o.onStatus
	o.mu.Unlock()
	if h != nil {
		h(in.id, Disconnected)
	}
	// chunks queued for shared delivery may now go to another input
	o.drainShared()
}

func (o *OutputChannel) readLoop(in *remoteInput) {
	for {
		b, err := in.conn.Read()
		if err != nil {
			o.dropInput(in, err)
			return
		}
		f, err := decodeFrame(b)
		if err != nil {
			o.logger.Warn("Discarding malformed frame", "input", in.id, "error", err)
			continue
		}
		if f.Header.GetString(keyReason) == reasonUpdate {
			o.markReady(in)
		}
	}
}

func (o *OutputChannel) markReady(in *remoteInput) {
	o.mu.Lock()
	in.ready = true
	o.notifyLocked()
	o.mu.Unlock()
	in.signal()
	if in.distribution == DistributionShared {
		o.drainShared()
	}
}

// writeLoop sends one queued chunk per readiness of the input
func (o *OutputChannel) writeLoop(in *remoteInput) {
	defer o.wg.Done()
	for {
		f, ok := o.next(in)
		if !ok {
			return
		}
		if err := in.conn.Write(f); err != nil {
			o.dropInput(in, err)
			return
		}
		o.metrics.RecordChannelTraffic(o.id, "out", len(f))
	}
}

func (o *OutputChannel) next(in *remoteInput) ([]byte, bool) {
	for {
		o.mu.Lock()
		if in.ready {
			if f, ok := in.queue.Read(); ok {
				in.ready = false
				o.notifyLocked()
				o.mu.Unlock()
				return f, true
			}
		}
		o.mu.Unlock()

		select {
		case <-in.wake:
		case <-in.done:
			return nil, false
		}
	}
}

func (o *OutputChannel) isClosed() bool {
	select {
	case <-o.closed:
		return true
	default:
		return false
	}
}

// Close stops listening and disconnects every input
func (o *OutputChannel) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)

		o.mu.Lock()
		ln := o.ln
		inputs := append([]*remoteInput(nil), o.inputs...)
		o.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		for _, in := range inputs {
			o.dropInput(in, nil)
		}
		_ = o.shared.Close()
		o.wg.Wait()
		o.logger.Debug("Output channel closed")
	})
}
