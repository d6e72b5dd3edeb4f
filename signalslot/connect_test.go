package signalslot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sigslot/errors"
)

// counter is a slot recording the values it receives
type counter struct {
	mu     sync.Mutex
	values []int
	hits   atomic.Int64
}

func (c *counter) slot(v int) {
	c.mu.Lock()
	c.values = append(c.values, v)
	c.mu.Unlock()
	c.hits.Add(1)
}

func (c *counter) snapshot() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.values...)
}

func (c *counter) reset() {
	c.mu.Lock()
	c.values = nil
	c.mu.Unlock()
	c.hits.Store(0)
}

func setupEdge(t *testing.T, cl *cluster, mutate ...func(*Config)) (*SignalSlotable, *SignalSlotable, *counter) {
	t.Helper()
	a := cl.start("a", mutate...)
	b := cl.start("b", mutate...)
	require.NoError(t, a.RegisterSignal("signalValue", 0))
	cnt := &counter{}
	require.NoError(t, b.RegisterSlot("slotValue", cnt.slot))
	return a, b, cnt
}

func TestConnect_EmitReachesSlot(t *testing.T) {
	a, _, cnt := setupEdge(t, newCluster(t))
	ctx := testContext(t)

	require.NoError(t, a.Connect(ctx, "", "signalValue", "b", "slotValue"))
	assert.Equal(t, Connected, a.EdgeState(Edge{"a", "signalValue", "b", "slotValue"}))
	assert.Equal(t, map[string][]string{"b": {"slotValue"}}, a.SignalConnections("signalValue"))

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Emit(ctx, "signalValue", i))
	}
	require.Eventually(t, func() bool { return cnt.hits.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, cnt.snapshot())
}

func TestConnect_FromSlotSide(t *testing.T) {
	a, b, cnt := setupEdge(t, newCluster(t))
	ctx := testContext(t)

	require.NoError(t, b.Connect(ctx, "a", "signalValue", "", "slotValue"))
	require.NoError(t, a.Emit(ctx, "signalValue", 9))
	require.Eventually(t, func() bool { return cnt.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnect_FromThirdInstance(t *testing.T) {
	cl := newCluster(t)
	a, _, cnt := setupEdge(t, cl)
	admin := cl.start("admin")
	ctx := testContext(t)

	require.NoError(t, admin.Connect(ctx, "a", "signalValue", "b", "slotValue"))
	require.NoError(t, a.Emit(ctx, "signalValue", 3))
	require.Eventually(t, func() bool { return cnt.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, admin.Disconnect(ctx, "a", "signalValue", "b", "slotValue"))
	assert.Empty(t, a.SignalConnections("signalValue"))
}

func TestConnect_IsIdempotent(t *testing.T) {
	a, _, cnt := setupEdge(t, newCluster(t))
	ctx := testContext(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Connect(ctx, "", "signalValue", "b", "slotValue"))
	}
	require.NoError(t, a.Emit(ctx, "signalValue", 1))
	require.Eventually(t, func() bool { return cnt.hits.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	// a second delivery would arrive right behind the first
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int{1}, cnt.snapshot())

	// one disconnect removes the edge
	require.NoError(t, a.Disconnect(ctx, "", "signalValue", "b", "slotValue"))
	require.NoError(t, a.Emit(ctx, "signalValue", 2))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int{1}, cnt.snapshot())
}

func TestConnect_SelfConnection(t *testing.T) {
	cl := newCluster(t)
	a := cl.start("a")
	require.NoError(t, a.RegisterSignal("signalValue", 0))
	cnt := &counter{}
	require.NoError(t, a.RegisterSlot("slotValue", cnt.slot))
	ctx := testContext(t)

	require.NoError(t, a.Connect(ctx, "", "signalValue", "", "slotValue"))
	require.NoError(t, a.Emit(ctx, "signalValue", 5))
	require.Eventually(t, func() bool { return cnt.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnect_Errors(t *testing.T) {
	a, _, _ := setupEdge(t, newCluster(t))
	ctx := testContext(t)

	t.Run("unknown slot", func(t *testing.T) {
		err := a.Connect(ctx, "", "signalValue", "b", "slotMissing")
		require.Error(t, err)
		assert.True(t, errors.IsSignalSlot(err))
		assert.Equal(t, Unconnected, a.EdgeState(Edge{"a", "signalValue", "b", "slotMissing"}))
	})

	t.Run("unknown signal", func(t *testing.T) {
		err := a.Connect(ctx, "", "signalMissing", "b", "slotValue")
		require.Error(t, err)
		assert.True(t, errors.IsSignalSlot(err))
		assert.Empty(t, a.SignalConnections("signalMissing"))
	})

	t.Run("unknown instance", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		err := a.Connect(short, "", "signalValue", "ghost", "slotValue")
		require.Error(t, err)
		assert.True(t, errors.IsTimeout(err))
	})

	t.Run("disconnect unconnected edge", func(t *testing.T) {
		err := a.Disconnect(ctx, "", "signalValue", "b", "slotValue")
		require.Error(t, err)
		assert.True(t, errors.IsSignalSlot(err))
	})
}

func TestEmit_ArgumentChecks(t *testing.T) {
	cl := newCluster(t)
	a := cl.start("a")
	require.NoError(t, a.RegisterSignal("signalPair", "", 0))
	ctx := testContext(t)

	err := a.Emit(ctx, "signalNothing")
	assert.True(t, errors.IsSignalSlot(err))

	err = a.Emit(ctx, "signalPair", "only one")
	assert.True(t, errors.IsSignalSlot(err))

	err = a.Emit(ctx, "signalPair", "name", "not a number")
	assert.True(t, errors.IsCast(err))

	// nobody connected
	assert.NoError(t, a.Emit(ctx, "signalPair", "name", 1))

	err = a.RegisterSignal("signalPair", "")
	assert.True(t, errors.IsSignalSlot(err))
	err = a.RegisterSignal("signalNil", nil)
	assert.True(t, errors.IsSignalSlot(err))
}

// awaitAsync waits for the outcome of an asynchronous operation
func awaitAsync(t *testing.T, ch <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("%s did not finish", what)
		return nil
	}
}

func TestConnect_DisconnectThenReconnect(t *testing.T) {
	a, b, cnt := setupEdge(t, newCluster(t))
	ctx := testContext(t)
	edge := Edge{"a", "signalValue", "b", "slotValue"}
	require.NoError(t, a.ConnectEdge(ctx, edge))

	for i := 0; i < 100; i++ {
		// alternate between the signal side and the slot side
		initiator := a
		if i%2 == 1 {
			initiator = b
		}

		disconnected := make(chan error, 1)
		connected := make(chan error, 1)
		initiator.AsyncDisconnect(edge, func() { disconnected <- nil }, func(err error) { disconnected <- err }, time.Second)
		initiator.AsyncConnect(edge, func() { connected <- nil }, func(err error) { connected <- err }, time.Second)
		require.NoError(t, awaitAsync(t, disconnected, "disconnect"), "iteration %d", i)
		require.NoError(t, awaitAsync(t, connected, "connect"), "iteration %d", i)
		require.Equal(t, Connected, initiator.EdgeState(edge), "iteration %d", i)
		require.Equal(t, map[string][]string{"b": {"slotValue"}}, a.SignalConnections("signalValue"), "iteration %d", i)

		cnt.reset()
		require.NoError(t, a.Emit(ctx, "signalValue", i))
		require.Eventually(t, func() bool { return cnt.hits.Load() >= 1 }, 2*time.Second, time.Millisecond,
			"iteration %d: connected edge must deliver", i)
		time.Sleep(5 * time.Millisecond)
		require.Equal(t, []int{i}, cnt.snapshot(), "iteration %d: exactly one delivery", i)
	}
}

func TestAsyncConnect(t *testing.T) {
	a, _, cnt := setupEdge(t, newCluster(t))
	edge := Edge{"", "signalValue", "b", "slotValue"}

	done := make(chan error, 1)
	a.AsyncConnect(edge, func() { done <- nil }, func(err error) { done <- err }, time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("async connect did not finish")
	}

	require.NoError(t, a.Emit(testContext(t), "signalValue", 1))
	require.Eventually(t, func() bool { return cnt.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	a.AsyncDisconnect(edge, func() { done <- nil }, func(err error) { done <- err }, time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("async disconnect did not finish")
	}
	assert.Equal(t, Unconnected, a.EdgeState(Edge{"a", "signalValue", "b", "slotValue"}))
}

func TestConnectAll(t *testing.T) {
	cl := newCluster(t)
	a := cl.start("a")
	b := cl.start("b")
	require.NoError(t, a.RegisterSignal("signalValue", 0))
	first, second := &counter{}, &counter{}
	require.NoError(t, b.RegisterSlot("slotFirst", first.slot))
	require.NoError(t, b.RegisterSlot("slotSecond", second.slot))
	ctx := testContext(t)

	err := a.ConnectAll(ctx,
		Edge{"", "signalValue", "b", "slotFirst"},
		Edge{"", "signalValue", "b", "slotSecond"},
	)
	require.NoError(t, err)

	require.NoError(t, a.Emit(ctx, "signalValue", 4))
	require.Eventually(t, func() bool {
		return first.hits.Load() == 1 && second.hits.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	err = a.ConnectAll(ctx,
		Edge{"", "signalValue", "b", "slotFirst"},
		Edge{"", "signalValue", "b", "slotMissing"},
	)
	require.Error(t, err)
}

func TestConnect_SurvivesSlotInstanceRestart(t *testing.T) {
	cl := newCluster(t)
	a := cl.start("a")
	b := cl.start("b")
	require.NoError(t, a.RegisterSignal("signalValue", 0))
	require.NoError(t, b.RegisterSlot("slotValue", func(int) {}))
	ctx := testContext(t)

	require.NoError(t, a.Connect(ctx, "", "signalValue", "b", "slotValue"))
	require.NoError(t, b.Close(ctx))
	require.Eventually(t, func() bool {
		return len(a.SignalConnections("signalValue")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	restarted := cl.build("b")
	cnt := &counter{}
	require.NoError(t, restarted.RegisterSlot("slotValue", cnt.slot))
	require.NoError(t, restarted.Start(ctx))

	require.Eventually(t, func() bool {
		return a.EdgeState(Edge{"a", "signalValue", "b", "slotValue"}) == Connected &&
			len(a.SignalConnections("signalValue")) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Emit(ctx, "signalValue", 8))
	require.Eventually(t, func() bool { return cnt.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnect_PointToPoint(t *testing.T) {
	p2p := func(cfg *Config) {
		cfg.P2P = P2PConfig{Enabled: true, Address: "127.0.0.1:0", Host: "127.0.0.1"}
	}
	a, b, cnt := setupEdge(t, newCluster(t), p2p)
	ctx := testContext(t)

	require.NoError(t, a.Connect(ctx, "", "signalValue", "b", "slotValue"))
	require.Eventually(t, func() bool { return a.producer.IsSubscribed("b") }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, b.consumer.IsConnected("a", "b"))

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, a.Emit(ctx, "signalValue", i))
	}
	require.Eventually(t, func() bool { return cnt.hits.Load() == n }, 3*time.Second, 5*time.Millisecond)
	got := cnt.snapshot()
	for i, v := range got {
		require.Equal(t, i, v)
	}

	// no duplicate deliveries through the broker
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(n), cnt.hits.Load())

	require.NoError(t, a.Disconnect(ctx, "", "signalValue", "b", "slotValue"))
	require.Eventually(t, func() bool { return !b.consumer.IsConnected("a", "b") }, 2*time.Second, 5*time.Millisecond)
}
