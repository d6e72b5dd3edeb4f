package signalslot

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sigslot/eventloop"
)

func TestRequestIDsUniqueUnderConcurrency(t *testing.T) {
	s := newCluster(t).build("a")

	const (
		goroutines = 16
		perRoutine = 500
	)

	var (
		mu  sync.Mutex
		ids = make(map[string]struct{}, goroutines*perRoutine)
		wg  sync.WaitGroup
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perRoutine)
			for range perRoutine {
				p := newPending("b", "slotGreet", nil)
				s.addPending(p, func() *eventloop.Timer { return nil })
				local = append(local, p.id)
			}
			mu.Lock()
			for _, id := range local {
				ids[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, goroutines*perRoutine)
	assert.Equal(t, goroutines*perRoutine, s.PendingRequests())

	for id := range ids {
		require.NotNil(t, s.takePending(id))
	}
	assert.Zero(t, s.PendingRequests())
}

func TestSlotCall_RequestHandlersFollowSenderOrder(t *testing.T) {
	c := newCluster(t)
	a := c.start("a")
	b := c.start("b")
	registerGreeter(t, a)

	const calls = 50

	// written by the slot and by the reply handlers without a lock
	var steps []string
	var settled atomic.Int32
	require.NoError(t, b.RegisterSlot("slotStep", func(call *SlotCall, n int) {
		steps = append(steps, fmt.Sprintf("step %d", n))
		call.Request("a", "slotGreet", fmt.Sprint(n)).ReceiveAsync(func(reply string) {
			steps = append(steps, reply)
			settled.Add(1)
		}, func(err error) {
			t.Errorf("step %d: %v", n, err)
			settled.Add(1)
		})
	}))

	for i := range calls {
		require.NoError(t, a.Call("b", "slotStep", i))
	}
	require.Eventually(t, func() bool { return settled.Load() == calls }, 5*time.Second, 5*time.Millisecond)

	require.Len(t, steps, 2*calls)
	seen := make(map[string]int, len(steps))
	for i, step := range steps {
		seen[step] = i
	}
	for i := range calls {
		slotAt, ok := seen[fmt.Sprintf("step %d", i)]
		require.True(t, ok)
		replyAt, ok := seen[fmt.Sprintf("Hello %d", i)]
		require.True(t, ok)
		assert.Less(t, slotAt, replyAt)
	}
}

func TestSlotCall_AsyncConnectHandlersFollowSenderOrder(t *testing.T) {
	c := newCluster(t)
	a := c.start("a")
	b := c.start("b")
	require.NoError(t, a.RegisterSignal("signalValue", 0))
	cnt := &counter{}
	require.NoError(t, b.RegisterSlot("slotValue", cnt.slot))

	var order []string
	var settled atomic.Int32
	require.NoError(t, b.RegisterSlot("slotWire", func(call *SlotCall) {
		order = append(order, "wire")
		call.AsyncConnect(Edge{"a", "signalValue", "", "slotValue"}, func() {
			order = append(order, "connected")
			settled.Add(1)
		}, func(err error) {
			t.Errorf("connect: %v", err)
			settled.Add(1)
		}, time.Second)
	}))
	require.NoError(t, b.RegisterSlot("slotNote", func() {
		order = append(order, "note")
		settled.Add(1)
	}))

	require.NoError(t, a.Call("b", "slotWire"))
	require.NoError(t, a.Call("b", "slotNote"))
	require.Eventually(t, func() bool { return settled.Load() == 2 }, 3*time.Second, 5*time.Millisecond)

	require.Len(t, order, 3)
	assert.Equal(t, "wire", order[0])
	assert.ElementsMatch(t, []string{"wire", "note", "connected"}, order)
	assert.Equal(t, Connected, b.EdgeState(Edge{"a", "signalValue", "b", "slotValue"}))
}
