package device

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/signalslot"
)

func testConfig() signalslot.Config {
	return signalslot.Config{
		HeartbeatInterval: -1,
		RequestTimeout:    2 * time.Second,
		UniquenessTimeout: 50 * time.Millisecond,
	}
}

func newBroker(t *testing.T, id string) broker.Broker {
	t.Helper()
	b, err := broker.NewMemoryBroker(broker.Config{
		URLs:       []string{"mem://" + strings.ReplaceAll(t.Name(), "/", "-")},
		Domain:     "test",
		InstanceID: id,
	})
	require.NoError(t, err)
	return b
}

func startDevice(t *testing.T, loop *eventloop.EventLoop, id string, initial message.Hash, opts ...Option) *Device {
	t.Helper()
	d, err := New(newBroker(t, id), "Motor", initial, testConfig(), append(opts, WithEventLoop(loop))...)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func startCaller(t *testing.T, loop *eventloop.EventLoop) *signalslot.SignalSlotable {
	t.Helper()
	s, err := signalslot.New(newBroker(t, "caller"), testConfig(), signalslot.WithEventLoop(loop))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func newLoop(t *testing.T) *eventloop.EventLoop {
	loop := eventloop.New(eventloop.WithThreads(2))
	t.Cleanup(loop.Stop)
	return loop
}

func TestNew_RequiresClassID(t *testing.T) {
	_, err := New(newBroker(t, "motor"), "", nil, testConfig())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDevice_InstanceInfo(t *testing.T) {
	d := startDevice(t, newLoop(t), "motor", nil)

	info := d.InstanceInfo()
	assert.Equal(t, InstanceType, info.GetString("type"))
	assert.Equal(t, "Motor", info.GetString("classId"))
	assert.Equal(t, "Motor", d.ClassID())
}

func TestDevice_GetConfiguration(t *testing.T) {
	loop := newLoop(t)
	startDevice(t, loop, "motor", message.NewHash("speed", 3, "state", "ON"))
	caller := startCaller(t, loop)

	var (
		config message.Hash
		from   string
	)
	err := caller.Request("motor", SlotGetConfiguration).Receive(context.Background(), &config, &from)
	require.NoError(t, err)
	assert.Equal(t, "motor", from)
	speed, err := message.GetAs[int](config, "speed")
	require.NoError(t, err)
	assert.Equal(t, 3, speed)
	assert.Equal(t, "ON", config.GetString("state"))
}

func TestDevice_ReconfigureEmitsChange(t *testing.T) {
	loop := newLoop(t)
	d := startDevice(t, loop, "motor", message.NewHash("speed", 1))
	caller := startCaller(t, loop)
	ctx := context.Background()

	changes := make(chan message.Hash, 4)
	require.NoError(t, caller.RegisterSlot("slotOnChange", func(update message.Hash, id string) {
		assert.Equal(t, "motor", id)
		changes <- update
	}))
	require.NoError(t, caller.Connect(ctx, "motor", SignalChanged, "", "slotOnChange"))

	require.NoError(t, caller.Request("motor", SlotReconfigure, message.NewHash("speed", 4)).Receive(ctx))
	speed, err := message.GetAs[int](d.Configuration(), "speed")
	require.NoError(t, err)
	assert.Equal(t, 4, speed)

	select {
	case update := <-changes:
		v, err := message.GetAs[int](update, "speed")
		require.NoError(t, err)
		assert.Equal(t, 4, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no signalChanged")
	}

	// local updates are announced too
	require.NoError(t, d.Set(ctx, message.NewHash("state", "MOVING")))
	select {
	case update := <-changes:
		assert.Equal(t, "MOVING", update.GetString("state"))
	case <-time.After(2 * time.Second):
		t.Fatal("no signalChanged for local update")
	}
	v, ok := d.Get("state")
	assert.True(t, ok)
	assert.Equal(t, "MOVING", v)
}

func TestDevice_ReconfigureHookRejects(t *testing.T) {
	loop := newLoop(t)
	hook := func(_, update message.Hash) error {
		if speed, err := message.GetAs[int](update, "speed"); err == nil && speed < 0 {
			return fmt.Errorf("speed %d out of range", speed)
		}
		return nil
	}
	d := startDevice(t, loop, "motor", message.NewHash("speed", 1), WithReconfigureHook(hook))
	caller := startCaller(t, loop)

	err := caller.Request("motor", SlotReconfigure, message.NewHash("speed", -5)).Receive(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRemote(err))
	assert.Contains(t, err.Error(), "out of range")

	speed, err := message.GetAs[int](d.Configuration(), "speed")
	require.NoError(t, err)
	assert.Equal(t, 1, speed)
}
