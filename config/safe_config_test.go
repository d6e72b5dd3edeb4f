package config

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeConfig_ThreadSafety(t *testing.T) {
	safeConfig := NewSafeConfig(validConfig())

	const numGoroutines = 50
	const numOperations = 200

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				cfg := safeConfig.Get()
				if cfg == nil {
					errs <- fmt.Errorf("got nil config")
					return
				}
				if cfg.Log.Level != "info" && cfg.Log.Level != "debug" {
					errs <- fmt.Errorf("unexpected log level %q", cfg.Log.Level)
					return
				}
			}
		}()
	}

	for i := 0; i < numGoroutines/2; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				cfg := safeConfig.Get()
				if (id+j)%2 == 0 {
					cfg.Log.Level = "debug"
				} else {
					cfg.Log.Level = "info"
				}
				if err := safeConfig.Update(cfg); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSafeConfig_GetReturnsCopy(t *testing.T) {
	safeConfig := NewSafeConfig(validConfig())

	cfg := safeConfig.Get()
	cfg.Instance.ID = "changed"
	cfg.Broker.URLs[0] = "nats://changed:4222"

	fresh := safeConfig.Get()
	assert.Equal(t, "test-instance", fresh.Instance.ID)
	assert.Equal(t, "nats://localhost:4222", fresh.Broker.URLs[0])
}

func TestSafeConfig_UpdateValidates(t *testing.T) {
	safeConfig := NewSafeConfig(validConfig())

	bad := safeConfig.Get()
	bad.Log.Level = "chatty"
	require.Error(t, safeConfig.Update(bad))
	assert.Equal(t, "info", safeConfig.Get().Log.Level, "rejected update leaves config unchanged")

	require.Error(t, safeConfig.Update(nil))

	good := safeConfig.Get()
	good.Log.Level = "warn"
	require.NoError(t, safeConfig.Update(good))

	good.Log.Level = "error"
	assert.Equal(t, "warn", safeConfig.Get().Log.Level, "update stores a copy")
}

func TestSafeConfig_Nil(t *testing.T) {
	assert.NotNil(t, NewSafeConfig(nil).Get())
}
