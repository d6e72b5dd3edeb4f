package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/pkg/security"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Nil(t, client.Conn())
	assert.Equal(t, 0, client.Subscriptions())
}

func TestNewClient_OptionError(t *testing.T) {
	_, err := NewClient("tls://localhost:4222", WithTLS(security.ClientTLSConfig{
		Enabled: true,
		CAFiles: []string{"/nonexistent/ca.pem"},
	}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_CustomThreshold(t *testing.T) {
	client, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	client.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	for i := 0; i < 100; i++ {
		client.recordFailure()
	}
	assert.Equal(t, time.Minute, client.Backoff())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	err = client.Connect(context.Background())
	assert.Same(t, ErrCircuitOpen, err)

	client.testCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		name           string
		initialStatus  ConnectionStatus
		action         func(*Client)
		expectedStatus ConnectionStatus
	}{
		{
			name:           "disconnected to connecting",
			initialStatus:  StatusDisconnected,
			action:         func(c *Client) { c.setStatus(StatusConnecting) },
			expectedStatus: StatusConnecting,
		},
		{
			name:           "connected to reconnecting",
			initialStatus:  StatusConnected,
			action:         func(c *Client) { c.handleDisconnect(nil, nil) },
			expectedStatus: StatusReconnecting,
		},
		{
			name:          "any to circuit open",
			initialStatus: StatusConnected,
			action: func(c *Client) {
				for i := 0; i < 5; i++ {
					c.recordFailure()
				}
			},
			expectedStatus: StatusCircuitOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222")
			require.NoError(t, err)
			client.setStatus(tt.initialStatus)

			tt.action(client)

			assert.Equal(t, tt.expectedStatus, client.Status())
		})
	}
}

func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	var wg sync.WaitGroup
	const iterations = 100

	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				fn()
			}
		}()
	}
	run(func() { client.setStatus(StatusConnecting) })
	run(func() { client.setStatus(StatusConnected) })
	run(func() { _ = client.Status() })
	run(client.recordFailure)
	run(client.resetCircuit)
	run(func() { _ = client.GetStatus() })

	wg.Wait()

	assert.Contains(t, []ConnectionStatus{
		StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting, StatusCircuitOpen,
	}, client.Status())
}

func TestIsHealthy(t *testing.T) {
	tests := []struct {
		status   ConnectionStatus
		expected bool
	}{
		{StatusConnected, true},
		{StatusDisconnected, false},
		{StatusConnecting, false},
		{StatusReconnecting, false},
		{StatusCircuitOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222")
			require.NoError(t, err)
			client.setStatus(tt.status)
			assert.Equal(t, tt.expected, client.IsHealthy())
		})
	}
}

func TestWaitForConnection(t *testing.T) {
	t.Run("times out when not connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err = client.WaitForConnection(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, errors.IsTransient(err))
	})

	t.Run("returns when becomes connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		go func() {
			time.Sleep(50 * time.Millisecond)
			client.setStatus(StatusConnected)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, client.WaitForConnection(ctx))
	})
}

func TestConnect_Refused(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(200*time.Millisecond),
		WithMaxReconnects(0),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(1), client.Failures())
}

func TestOperations_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Subscribe("a.b", func(*nats.Msg) {})
	assert.Same(t, ErrNotConnected, err)

	_, err = client.ChanSubscribe("a.b", make(chan *nats.Msg, 1))
	assert.Same(t, ErrNotConnected, err)

	assert.Same(t, ErrNotConnected, client.Publish(ctx, "a.b", []byte("x")))
	assert.Same(t, ErrNotConnected, client.PublishMsg(ctx, nats.NewMsg("a.b")))
	assert.Same(t, ErrNotConnected, client.Flush(ctx))

	_, err = client.RTT()
	assert.True(t, errors.IsConnection(err))

	_, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "test"})
	assert.Same(t, ErrNotConnected, err)
	_, err = client.GetKeyValueBucket(ctx, "test")
	assert.Same(t, ErrNotConnected, err)
	assert.Same(t, ErrNotConnected, client.DeleteKeyValueBucket(ctx, "test"))

	assert.NoError(t, client.Unsubscribe(nil))
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()))

	err = client.Connect(context.Background())
	assert.True(t, errors.IsInvalid(err))
}

func TestConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(10),
		WithReconnectWait(5*time.Second),
		WithPingInterval(30*time.Second),
		WithCredentials("user", "secret"),
		WithName("sigslot-test"),
		WithCompression(true),
		WithInboxPrefix("_SIGSLOT_INBOX"),
	)
	require.NoError(t, err)

	// defaults plus credentials, name, compression, inbox prefix
	assert.Len(t, client.ConnectionOptions(), 9+4)

	var opts nats.Options
	for _, opt := range client.ConnectionOptions() {
		require.NoError(t, opt(&opts))
	}
	assert.Equal(t, 10, opts.MaxReconnect)
	assert.Equal(t, 5*time.Second, opts.ReconnectWait)
	assert.Equal(t, 30*time.Second, opts.PingInterval)
	assert.Equal(t, "user", opts.User)
	assert.Equal(t, "sigslot-test", opts.Name)
	assert.Equal(t, "_SIGSLOT_INBOX", opts.InboxPrefix)
}

func TestGetStatus(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		client.recordFailure()
	}

	status := client.GetStatus()
	assert.Equal(t, int32(3), status.FailureCount)
	assert.Equal(t, StatusDisconnected, status.Status)
	assert.NotZero(t, status.LastFailureTime)
	assert.Zero(t, status.RTT)

	client.resetCircuit()
	assert.Equal(t, int32(0), client.GetStatus().FailureCount)
}

func TestCallbacks(t *testing.T) {
	disconnected := make(chan error, 1)
	health := make(chan bool, 4)

	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222",
		WithName("cb"),
		WithMetrics(registry),
		WithDisconnectCallback(func(err error) { disconnected <- err }),
		WithHealthChangeCallback(func(healthy bool) { health <- healthy }),
	)
	require.NoError(t, err)
	client.setStatus(StatusConnected)

	cause := errors.ErrConnectionLost
	client.handleDisconnect(nil, cause)

	select {
	case err := <-disconnected:
		assert.Same(t, cause, err)
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not called")
	}
	select {
	case healthy := <-health:
		assert.False(t, healthy)
	case <-time.After(time.Second):
		t.Fatal("health callback not called")
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.Metrics.BrokerConnected.WithLabelValues("cb")))
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Printf(string, ...any) {}
func (l *recordingLogger) Debugf(string, ...any) {}
func (l *recordingLogger) Errorf(format string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, format)
}

func TestCustomLogger(t *testing.T) {
	logger := &recordingLogger{}
	client, err := NewClient("nats://localhost:4222", WithLogger(logger))
	require.NoError(t, err)

	client.handleError(nil, nil, nats.ErrSlowConsumer)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	assert.Len(t, logger.errors, 1)
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.False(t, IsKVNotFoundError(nil))
	assert.False(t, IsKVNotFoundError(ErrKVKeyExists))

	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(ErrKVKeyExists))
	assert.True(t, IsKVConflictError(jetstream.ErrKeyExists))
	assert.False(t, IsKVConflictError(nil))
	assert.False(t, IsKVConflictError(ErrKVKeyNotFound))

	assert.True(t, isAlreadyExistsError(jetstream.ErrBucketExists))
	assert.False(t, isAlreadyExistsError(nil))
}
