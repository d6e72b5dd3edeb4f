package health

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Probe reports the current status of one part when asked
type Probe func() Status

// Monitor tracks the health of the named parts of a process. Parts either
// push their status with Update or register a Probe evaluated on every
// aggregation.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	probes   map[string]Probe
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		probes:   make(map[string]Probe),
	}
}

// Update stores the status of a named part
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = status
}

// UpdateHealthy marks a part healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a part unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a part degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Register installs a probe for name, replacing a stored status of the
// same name
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	m.probes[name] = probe
}

// Remove stops tracking a part
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.probes, name)
}

// Get returns the current status of a part, running its probe if it has one
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	probe, isProbe := m.probes[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if isProbe {
		return m.evaluate(name, probe), true
	}
	return status, exists
}

// Components returns the sorted names of all tracked parts
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses)+len(m.probes))
	for name := range m.statuses {
		names = append(names, name)
	}
	for name := range m.probes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AggregateHealth evaluates every part and rolls them up under systemName.
// Probes run outside the lock.
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.Components()
	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		if status, ok := m.Get(name); ok {
			subStatuses = append(subStatuses, status)
		}
	}
	return Aggregate(systemName, subStatuses)
}

func (m *Monitor) evaluate(name string, probe Probe) Status {
	status := probe()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}

// Handler serves the aggregated status as JSON, answering 503 while the
// system is unhealthy
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
