//go:build integration

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/natsclient"
)

type NATSBrokerSuite struct {
	suite.Suite
	tc *natsclient.TestClient
}

func TestNATSBrokerSuite(t *testing.T) {
	suite.Run(t, new(NATSBrokerSuite))
}

func (s *NATSBrokerSuite) SetupSuite() {
	s.tc = natsclient.NewTestClient(s.T(), natsclient.WithJetStream(), natsclient.WithFastStartup())
}

func (s *NATSBrokerSuite) newBroker(id string) *NATSBroker {
	b, err := NewNATSBroker(Config{URLs: []string{s.tc.URL}, Domain: "itest", InstanceID: id, Timeout: 5 * time.Second})
	s.Require().NoError(err)
	s.Require().NoError(b.Connect(context.Background()))
	s.T().Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}

func (s *NATSBrokerSuite) TestOneToOneAndBroadcast() {
	t := s.T()
	alice, bob, carol := s.newBroker("alice"), s.newBroker("bob"), s.newBroker("carol")
	ctx := context.Background()

	carol.SetConsumeBroadcasts(false)
	bobGot, carolGot := newCollector(), newCollector()
	require.NoError(t, bob.StartReading(bobGot.handle, nil))
	require.NoError(t, carol.StartReading(carolGot.handle, nil))

	for i := 0; i < 50; i++ {
		require.NoError(t, alice.SendOneToOne(ctx, "bob", "slotCount", nil, message.Args(i)))
	}
	for i := 0; i < 50; i++ {
		d := bobGot.next(t)
		n, err := message.GetAs[int](d.body, "a1")
		require.NoError(t, err)
		require.Equal(t, i, n)
		assert.Equal(t, "slotCount", d.slot)
	}

	require.NoError(t, alice.SendBroadcast(ctx, "slotPing", nil, nil))
	require.NoError(t, alice.SendOneToOne(ctx, "carol", "slotMarker", nil, nil))

	d := bobGot.next(t)
	assert.True(t, d.broadcast)
	assert.Equal(t, "slotPing", d.slot)

	assert.Equal(t, "slotMarker", carolGot.next(t).slot)
	carolGot.none(t, 100*time.Millisecond)
}

func (s *NATSBrokerSuite) TestSignalSubscription() {
	t := s.T()
	alice, bob := s.newBroker("alice2"), s.newBroker("bob2")
	ctx := context.Background()

	got := newCollector()
	require.NoError(t, bob.StartReading(got.handle, nil))
	require.NoError(t, bob.SubscribeToRemoteSignal(ctx, "alice2", "signalChanged"))

	require.NoError(t, alice.SendSignal(ctx, "signalChanged", nil, message.Args(message.NewHash("speed", 3))))
	d := got.next(t)
	assert.Equal(t, "alice2", d.header.GetString(message.KeySignalInstanceID))
	assert.Equal(t, "signalChanged", d.header.GetString(message.KeySignalFunction))

	require.NoError(t, bob.UnsubscribeFromRemoteSignal(ctx, "alice2", "signalChanged"))
	require.NoError(t, alice.SendSignal(ctx, "signalChanged", nil, nil))
	got.none(t, 100*time.Millisecond)
}

func (s *NATSBrokerSuite) TestOverlappingSubscriptionsDeliverOnce() {
	t := s.T()
	alice, bob := s.newBroker("alice4"), s.newBroker("bob4")
	ctx := context.Background()

	got := newCollector()
	require.NoError(t, bob.StartReading(got.handle, nil))
	require.NoError(t, bob.SubscribeToRemoteSignal(ctx, Wildcard, "signalHeartbeat"))
	require.NoError(t, bob.SubscribeToRemoteSignal(ctx, "alice4", "signalHeartbeat"))

	for i := 0; i < 10; i++ {
		require.NoError(t, alice.SendSignal(ctx, "signalHeartbeat", nil, message.Args(i)))
	}
	for i := 0; i < 10; i++ {
		n, err := message.GetAs[int](got.next(t).body, "a1")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	got.none(t, 100*time.Millisecond)
}

func (s *NATSBrokerSuite) TestInstanceStore() {
	t := s.T()
	b := s.newBroker("registry")
	ctx := context.Background()

	store, err := b.Instances(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "SA1/MOTOR=1", message.NewHash("type", "device")))
	info, err := store.Get(ctx, "SA1/MOTOR=1")
	require.NoError(t, err)
	assert.Equal(t, "device", info.GetString("type"))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, "SA1/MOTOR=1")

	require.NoError(t, store.Delete(ctx, "SA1/MOTOR=1"))
	_, err = store.Get(ctx, "SA1/MOTOR=1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}
