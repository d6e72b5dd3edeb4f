package deviceclient

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/device"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/signalslot"
)

type env struct {
	t    *testing.T
	url  string
	loop *eventloop.EventLoop
}

func newEnv(t *testing.T) *env {
	loop := eventloop.New(eventloop.WithThreads(4))
	t.Cleanup(loop.Stop)
	return &env{t: t, url: "mem://" + strings.ReplaceAll(t.Name(), "/", "-"), loop: loop}
}

func (e *env) broker(id string) broker.Broker {
	e.t.Helper()
	b, err := broker.NewMemoryBroker(broker.Config{URLs: []string{e.url}, Domain: "test", InstanceID: id})
	require.NoError(e.t, err)
	return b
}

func (e *env) config() signalslot.Config {
	return signalslot.Config{
		HeartbeatInterval: -1,
		RequestTimeout:    2 * time.Second,
		UniquenessTimeout: 50 * time.Millisecond,
	}
}

func (e *env) device(id, classID string, initial message.Hash, opts ...device.Option) *device.Device {
	e.t.Helper()
	d, err := device.New(e.broker(id), classID, initial, e.config(), append(opts, device.WithEventLoop(e.loop))...)
	require.NoError(e.t, err)
	require.NoError(e.t, d.Start(context.Background()))
	e.t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func (e *env) instance(id string) *signalslot.SignalSlotable {
	e.t.Helper()
	s, err := signalslot.New(e.broker(id), e.config(), signalslot.WithEventLoop(e.loop))
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func (e *env) client(cfg Config) *Client {
	e.t.Helper()
	s := e.instance("client")
	c, err := New(s, cfg)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = c.Close(context.Background()) })
	require.NoError(e.t, s.Start(context.Background()))
	require.NoError(e.t, c.Start(context.Background()))
	return c
}

func speedOf(t *testing.T, config message.Hash) int {
	t.Helper()
	v, err := message.GetAs[int](config, "speed")
	require.NoError(t, err)
	return v
}

func TestNew_RequiresInstance(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_Topology(t *testing.T) {
	e := newEnv(t)
	e.device("motor", "Motor", nil)
	e.device("pump", "Pump", nil)
	other := e.instance("other")
	require.NoError(t, other.Start(context.Background()))

	c := e.client(Config{DiscoveryWait: 100 * time.Millisecond})

	if diff := cmp.Diff([]string{"motor", "pump"}, c.Devices()); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"motor", "other", "pump"}, c.Instances("")); diff != "" {
		t.Errorf("instances mismatch (-want +got):\n%s", diff)
	}

	topology := c.Topology()
	require.Contains(t, topology, device.InstanceType)
	assert.Equal(t, "Pump", topology[device.InstanceType]["pump"].GetString("classId"))
	assert.Contains(t, topology[signalslot.DefaultInstanceType], "other")

	info, ok := c.InstanceInfo("motor")
	require.True(t, ok)
	assert.Equal(t, "Motor", info.GetString("classId"))
}

func TestClient_FollowsInstanceEvents(t *testing.T) {
	e := newEnv(t)
	c := e.client(Config{DiscoveryWait: 50 * time.Millisecond})

	appeared := make(chan string, 4)
	gone := make(chan string, 4)
	c.OnInstanceNew(func(id string, _ message.Hash) { appeared <- id })
	c.OnInstanceGone(func(id string, _ message.Hash) { gone <- id })

	d := e.device("late", "Motor", nil)
	select {
	case id := <-appeared:
		assert.Equal(t, "late", id)
	case <-time.After(2 * time.Second):
		t.Fatal("new instance not reported")
	}
	assert.Equal(t, []string{"late"}, c.Devices())

	require.NoError(t, d.Close(context.Background()))
	select {
	case id := <-gone:
		assert.Equal(t, "late", id)
	case <-time.After(2 * time.Second):
		t.Fatal("gone instance not reported")
	}
	assert.Empty(t, c.Devices())
}

func TestClient_GetCachesAndFollowsChanges(t *testing.T) {
	e := newEnv(t)
	d := e.device("motor", "Motor", message.NewHash("speed", 1, "state", "ON"))
	c := e.client(Config{DiscoveryWait: 50 * time.Millisecond})
	ctx := context.Background()

	changed := make(chan message.Hash, 4)
	c.OnChanged(func(id string, update message.Hash) {
		if id == "motor" {
			changed <- update
		}
	})

	config, err := c.Get(ctx, "motor")
	require.NoError(t, err)
	assert.Equal(t, 1, speedOf(t, config))
	assert.True(t, c.IsCached("motor"))
	assert.Equal(t, map[string][]string{"client": {slotChanged}}, d.SignalConnections(device.SignalChanged))

	require.NoError(t, d.Set(ctx, message.NewHash("speed", 9)))
	select {
	case update := <-changed:
		assert.Equal(t, 9, speedOf(t, update))
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}

	config, err = c.Get(ctx, "motor")
	require.NoError(t, err)
	assert.Equal(t, 9, speedOf(t, config))
	assert.Equal(t, "ON", config.GetString("state"))

	v, err := c.Property(ctx, "motor", "state")
	require.NoError(t, err)
	assert.Equal(t, "ON", v)

	_, err = c.Property(ctx, "motor", "missing")
	require.Error(t, err)
	assert.True(t, errors.IsSignalSlot(err))
}

func TestClient_Set(t *testing.T) {
	e := newEnv(t)
	hook := func(_, update message.Hash) error {
		if v, err := message.GetAs[int](update, "speed"); err == nil && v > 100 {
			return fmt.Errorf("speed %d too high", v)
		}
		return nil
	}
	d := e.device("motor", "Motor", message.NewHash("speed", 1), device.WithReconfigureHook(hook))
	c := e.client(Config{DiscoveryWait: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := c.Get(ctx, "motor")
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "motor", message.NewHash("speed", 42)))
	assert.Equal(t, 42, speedOf(t, d.Configuration()))
	config, err := c.Get(ctx, "motor")
	require.NoError(t, err)
	assert.Equal(t, 42, speedOf(t, config))

	err = c.Set(ctx, "motor", message.NewHash("speed", 500))
	require.Error(t, err)
	assert.True(t, errors.IsRemote(err))
	assert.Equal(t, 42, speedOf(t, d.Configuration()))
}

func TestClient_Execute(t *testing.T) {
	e := newEnv(t)
	d := e.device("motor", "Motor", nil)
	stopped := make(chan struct{}, 1)
	require.NoError(t, d.RegisterSlot("slotStop", func() { stopped <- struct{}{} }))
	c := e.client(Config{DiscoveryWait: 50 * time.Millisecond})

	require.NoError(t, c.Execute(context.Background(), "motor", "slotStop"))
	select {
	case <-stopped:
	default:
		t.Fatal("slot did not run before the reply")
	}

	err := c.Execute(context.Background(), "motor", "slotMissing")
	assert.True(t, errors.IsRemote(err))
}

func TestClient_UnusedConfigurationAgesOut(t *testing.T) {
	e := newEnv(t)
	d := e.device("motor", "Motor", message.NewHash("speed", 1))
	c := e.client(Config{
		CacheTTL:        100 * time.Millisecond,
		CleanupInterval: 20 * time.Millisecond,
		DiscoveryWait:   50 * time.Millisecond,
	})

	_, err := c.Get(context.Background(), "motor")
	require.NoError(t, err)
	require.True(t, c.IsCached("motor"))

	require.Eventually(t, func() bool { return !c.IsCached("motor") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(d.SignalConnections(device.SignalChanged)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_GetUnknownDevice(t *testing.T) {
	e := newEnv(t)
	c := e.client(Config{DiscoveryWait: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.False(t, c.IsCached("ghost"))
}
