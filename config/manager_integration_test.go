//go:build integration

package config

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/sigslot/natsclient"
)

type ManagerIntegrationSuite struct {
	suite.Suite
	testClient *natsclient.TestClient
	manager    *Manager
	ctx        context.Context
	cancel     context.CancelFunc
}

func TestManagerIntegrationSuite(t *testing.T) {
	suite.Run(t, new(ManagerIntegrationSuite))
}

func (s *ManagerIntegrationSuite) SetupSuite() {
	s.testClient = natsclient.NewTestClient(s.T(), natsclient.WithJetStream(), natsclient.WithFastStartup())
}

func (s *ManagerIntegrationSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.manager = s.newManager(s.T().Name(), "1.0.0")
	s.Require().NoError(s.manager.Start(s.ctx))
}

func (s *ManagerIntegrationSuite) TearDownTest() {
	s.Require().NoError(s.manager.Stop(2 * time.Second))
	s.cancel()
}

func (s *ManagerIntegrationSuite) newManager(domain, version string) *Manager {
	cfg := validConfig()
	cfg.Version = version
	cfg.Broker.Domain = ConfigBucket(domain) // unique per test
	cfg.Instance.ID = "gui-1"

	m, err := NewManager(s.ctx, cfg, s.testClient.Client, nil)
	s.Require().NoError(err)
	return m
}

func (s *ManagerIntegrationSuite) put(m *Manager, section string, value any) {
	s.Require().NoError(m.PutSection(s.ctx, section, value))
}

func (s *ManagerIntegrationSuite) TestFirstStartPushesSections() {
	keys, err := s.manager.instanceKeys(s.ctx)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"gui-1.version", "gui-1.log", "gui-1.heartbeat", "gui-1.request", "gui-1.monitor"}, keys)

	entry, err := s.manager.kvStore.Get(s.ctx, "gui-1.version")
	s.Require().NoError(err)
	var version string
	s.Require().NoError(json.Unmarshal(entry.Value, &version))
	s.Equal("1.0.0", version)
}

func (s *ManagerIntegrationSuite) TestOnChangeDeliversUpdates() {
	updates := s.manager.OnChange("log")

	initial := <-updates
	s.Equal("info", initial.Config.Get().Log.Level)

	s.put(s.manager, SectionLog, LogConfig{Level: "debug", Format: "text"})

	select {
	case update := <-updates:
		s.Equal(SectionLog, update.Path)
		s.Equal("debug", update.Config.Get().Log.Level)
		s.Equal("text", update.Config.Get().Log.Format)
	case <-time.After(3 * time.Second):
		s.Fail("no update received")
	}
	s.Equal("debug", s.manager.GetConfig().Get().Log.Level)
}

func (s *ManagerIntegrationSuite) TestPatternFiltersSections() {
	monitorUpdates := s.manager.OnChange("mon*")
	<-monitorUpdates

	s.put(s.manager, SectionLog, LogConfig{Level: "warn", Format: "json"})
	s.put(s.manager, SectionMonitor, map[string]any{"enabled": true, "port": 8099, "update_rate": 5})

	select {
	case update := <-monitorUpdates:
		s.Equal(SectionMonitor, update.Path)
		s.Equal(8099, update.Config.Get().Monitor.Port)
	case <-time.After(3 * time.Second):
		s.Fail("no monitor update received")
	}
}

func (s *ManagerIntegrationSuite) TestInvalidValuesAreRejected() {
	s.Error(s.manager.PutSection(s.ctx, SectionLog, map[string]any{"level": "chatty"}))

	// written behind the manager's back
	_, err := s.manager.kvStore.Put(s.ctx, "gui-1.log", []byte(`{"level":"chatty"}`))
	s.Require().NoError(err)
	time.Sleep(200 * time.Millisecond)
	s.Equal("info", s.manager.GetConfig().Get().Log.Level)
}

func (s *ManagerIntegrationSuite) TestRestartWithSameVersionKeepsBucketValues() {
	s.put(s.manager, SectionLog, LogConfig{Level: "error", Format: "json"})
	s.Eventually(func() bool {
		return s.manager.GetConfig().Get().Log.Level == "error"
	}, 3*time.Second, 20*time.Millisecond)

	restarted := s.newManager(s.T().Name(), "1.0.0")
	s.Require().NoError(restarted.Start(s.ctx))
	defer restarted.Stop(time.Second)

	s.Equal("error", restarted.GetConfig().Get().Log.Level)
}

func (s *ManagerIntegrationSuite) TestRestartWithNewerVersionPushes() {
	s.put(s.manager, SectionLog, LogConfig{Level: "error", Format: "json"})

	restarted := s.newManager(s.T().Name(), "1.1.0")
	s.Require().NoError(restarted.Start(s.ctx))
	defer restarted.Stop(time.Second)

	s.Equal("info", restarted.GetConfig().Get().Log.Level)
	version, err := restarted.getKVVersion(s.ctx)
	s.Require().NoError(err)
	s.Equal("1.1.0", version)
}

func (s *ManagerIntegrationSuite) TestStopClosesSubscribers() {
	updates := s.manager.OnChange("*")
	<-updates

	m := s.newManager(s.T().Name(), "1.0.0")
	s.Require().NoError(m.Start(s.ctx))
	ch := m.OnChange("*")
	<-ch
	s.Require().NoError(m.Stop(time.Second))

	_, open := <-ch
	s.False(open)
	s.NoError(m.Stop(time.Second), "stop is idempotent")
}
