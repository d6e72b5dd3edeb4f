package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sigslot/message"
)

type inbox struct {
	ch chan message.Hash
}

func newInbox() *inbox {
	return &inbox{ch: make(chan message.Hash, 256)}
}

func (i *inbox) handle(header, _ message.Hash) {
	i.ch <- header
}

func (i *inbox) next(t *testing.T) message.Hash {
	t.Helper()
	select {
	case h := <-i.ch:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func (i *inbox) none(t *testing.T) {
	t.Helper()
	select {
	case h := <-i.ch:
		t.Fatalf("unexpected message %v", h)
	case <-time.After(50 * time.Millisecond):
	}
}

func startProducer(t *testing.T) *Producer {
	t.Helper()
	p := NewProducer()
	require.NoError(t, p.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(p.Stop)
	return p
}

func signalHeader(signalID string) message.Hash {
	return message.NewHash(
		message.KeySignalInstanceID, signalID,
		message.KeySignalFunction, "signalChanged",
	)
}

func TestProducer_ConnectionString(t *testing.T) {
	p := startProducer(t)
	assert.Regexp(t, `^tcp://127\.0\.0\.1:\d+$`, p.ConnectionString())

	err := p.Start(context.Background(), "127.0.0.1:0")
	assert.Error(t, err)
}

func TestPublishIfConnected_SplitsBetweenP2PAndRemainder(t *testing.T) {
	p := startProducer(t)
	c := NewConsumer()
	defer c.Close()

	got := newInbox()
	require.NoError(t, c.Connect("alice", "bob", p.ConnectionString(), got.handle))
	require.Eventually(t, func() bool { return p.IsSubscribed("bob") }, 2*time.Second, 5*time.Millisecond)

	registered := map[string][]string{
		"bob":   {"slotA", "slotB"},
		"carol": {"slotC"},
	}
	remaining, err := p.PublishIfConnected(registered, signalHeader("alice"), message.Args(1), 3)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"carol": {"slotC"}}, remaining)
	assert.Len(t, registered, 2, "input must not be modified")

	h := got.next(t)
	assert.Equal(t, "|bob|", h.GetString(message.KeySlotInstanceIDs))
	assert.Equal(t, "|bob:slotA,slotB|", h.GetString(message.KeySlotFunctions))
	assert.Equal(t, 3, message.Priority(h))
}

func TestPublish_FirstSubscribedChannel(t *testing.T) {
	p := startProducer(t)
	c := NewConsumer()
	defer c.Close()

	got := newInbox()
	require.NoError(t, c.Connect("alice", "bob", p.ConnectionString(), got.handle))
	require.Eventually(t, func() bool { return p.IsSubscribed("bob") }, 2*time.Second, 5*time.Millisecond)

	h := signalHeader("alice").Set(message.KeySlotInstanceIDs, "|bob|")
	ok, err := p.Publish("bob", h, nil, 4)
	require.NoError(t, err)
	assert.True(t, ok)
	got.next(t)

	ok, err = p.Publish("nobody", h, nil, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumer_OrderAndMultiplexing(t *testing.T) {
	p := startProducer(t)
	c := NewConsumer()
	defer c.Close()

	bob, carol := newInbox(), newInbox()
	addr := p.ConnectionString()
	// the second subscription is queued while the first dial is in flight
	require.NoError(t, c.Connect("alice", "bob", addr, bob.handle))
	require.NoError(t, c.Connect("alice", "carol", addr, carol.handle))
	assert.Equal(t, 1, c.Connections())

	require.Eventually(t, func() bool {
		return p.IsSubscribed("bob") && p.IsSubscribed("carol")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Channels())

	registered := map[string][]string{"bob": {"slotX"}, "carol": {"slotY"}}
	for i := 0; i < 50; i++ {
		remaining, err := p.PublishIfConnected(registered, signalHeader("alice").Set("seq", i), nil, 4)
		require.NoError(t, err)
		require.Empty(t, remaining)
	}
	for i := 0; i < 50; i++ {
		n, err := message.GetAs[int](bob.next(t), "seq")
		require.NoError(t, err)
		require.Equal(t, i, n)
		carol.next(t)
	}

	// a message from another signal instance is not delivered
	_, err := p.PublishIfConnected(registered, signalHeader("mallory"), nil, 4)
	require.NoError(t, err)
	bob.none(t)
}

func TestConsumer_DisconnectUnsubscribes(t *testing.T) {
	p := startProducer(t)
	c := NewConsumer()
	defer c.Close()

	bob, carol := newInbox(), newInbox()
	addr := p.ConnectionString()
	require.NoError(t, c.Connect("alice", "bob", addr, bob.handle))
	require.NoError(t, c.Connect("alice", "carol", addr, carol.handle))
	require.Eventually(t, func() bool {
		return p.IsSubscribed("bob") && p.IsSubscribed("carol")
	}, 2*time.Second, 5*time.Millisecond)

	c.Disconnect("alice", "bob")
	assert.False(t, c.IsConnected("alice", "bob"))
	assert.True(t, c.IsConnected("alice", "carol"))
	require.Eventually(t, func() bool { return !p.IsSubscribed("bob") }, 2*time.Second, 5*time.Millisecond)

	c.Disconnect("alice", "carol")
	assert.Equal(t, 0, c.Connections())
	require.Eventually(t, func() bool { return p.Channels() == 0 }, 2*time.Second, 5*time.Millisecond)

	// unknown subscriptions are ignored
	c.Disconnect("alice", "carol")
}

func TestConsumer_ProducerGoneCleansUp(t *testing.T) {
	p := NewProducer()
	require.NoError(t, p.Start(context.Background(), "127.0.0.1:0"))
	c := NewConsumer()
	defer c.Close()

	got := newInbox()
	require.NoError(t, c.Connect("alice", "bob", p.ConnectionString(), got.handle))
	require.Eventually(t, func() bool { return p.IsSubscribed("bob") }, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	require.Eventually(t, func() bool { return c.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.IsConnected("alice", "bob"))
}

func TestConsumer_DialFailureCleansUp(t *testing.T) {
	p := NewProducer()
	require.NoError(t, p.Start(context.Background(), "127.0.0.1:0"))
	addr := p.ConnectionString()
	p.Stop()

	c := NewConsumer()
	defer c.Close()
	require.NoError(t, c.Connect("alice", "bob", addr, newInbox().handle))
	require.Eventually(t, func() bool { return c.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, c.Connect("alice", "bob", "udp://x:1", nil))
}

func TestProducer_ChannelFailureKeepsOthers(t *testing.T) {
	p := startProducer(t)
	addr := p.ConnectionString()

	c1, c2 := NewConsumer(), NewConsumer()
	defer c2.Close()
	bob, carol := newInbox(), newInbox()
	require.NoError(t, c1.Connect("alice", "bob", addr, bob.handle))
	require.NoError(t, c2.Connect("alice", "carol", addr, carol.handle))
	require.Eventually(t, func() bool { return p.Channels() == 2 && p.IsSubscribed("carol") }, 2*time.Second, 5*time.Millisecond)

	c1.Close()
	require.Eventually(t, func() bool { return p.Channels() == 1 }, 2*time.Second, 5*time.Millisecond)

	remaining, err := p.PublishIfConnected(map[string][]string{"bob": {"s"}, "carol": {"s"}}, signalHeader("alice"), nil, 4)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"bob": {"s"}}, remaining)
	carol.next(t)
}
