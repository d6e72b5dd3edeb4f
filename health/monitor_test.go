package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Update(t *testing.T) {
	monitor := NewMonitor()
	monitor.Update("broker", Status{Component: "wrong-name", Status: StateHealthy})

	got, ok := monitor.Get("broker")
	require.True(t, ok)
	assert.Equal(t, "broker", got.Component)
	assert.False(t, got.Timestamp.IsZero())

	monitor.UpdateDegraded("broker", "reconnecting")
	got, _ = monitor.Get("broker")
	assert.True(t, got.IsDegraded())

	monitor.UpdateUnhealthy("broker", "closed")
	got, _ = monitor.Get("broker")
	assert.True(t, got.IsUnhealthy())

	_, ok = monitor.Get("missing")
	assert.False(t, ok)
}

func TestMonitor_Probe(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateHealthy("config", "stale")

	var calls atomic.Int32
	monitor.Register("config", func() Status {
		calls.Add(1)
		return NewDegraded("ignored", "watch lost")
	})

	got, ok := monitor.Get("config")
	require.True(t, ok)
	assert.Equal(t, "config", got.Component)
	assert.True(t, got.IsDegraded())
	assert.Equal(t, []string{"config"}, monitor.Components())

	monitor.AggregateHealth("sigslot")
	assert.Equal(t, int32(2), calls.Load())
}

func TestMonitor_Remove(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateHealthy("broker", "")
	monitor.Register("monitor", func() Status { return NewHealthy("", "") })

	monitor.Remove("broker")
	monitor.Remove("monitor")
	assert.Empty(t, monitor.Components())
}

func TestMonitor_AggregateHealth(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateHealthy("signalslot", "")
	monitor.Register("monitor", func() Status { return NewHealthy("", "3 clients") })

	status := monitor.AggregateHealth("sigslot")
	assert.Equal(t, "sigslot", status.Component)
	assert.True(t, status.IsHealthy())
	require.Len(t, status.SubStatuses, 2)
	assert.Equal(t, "monitor", status.SubStatuses[0].Component)
	assert.Equal(t, "signalslot", status.SubStatuses[1].Component)

	monitor.UpdateUnhealthy("signalslot", "Instance closed")
	assert.True(t, monitor.AggregateHealth("sigslot").IsUnhealthy())
}

func TestMonitor_Handler(t *testing.T) {
	monitor := NewMonitor()
	healthy := true
	monitor.Register("signalslot", func() Status {
		if healthy {
			return NewHealthy("", "")
		}
		return NewUnhealthy("", "Instance closed")
	})
	handler := monitor.Handler("sigslot")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.IsHealthy())

	healthy = false
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	monitor := NewMonitor()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("channel:%d", id)
			for range 100 {
				monitor.UpdateHealthy(name, "")
				monitor.Get(name)
				monitor.AggregateHealth("sigslot")
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, monitor.Components(), 10)
}
