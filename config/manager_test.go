package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sigslot/errors"
)

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		section string
		pattern string
		want    bool
	}{
		{"log", "log", true},
		{"log", "*", true},
		{"monitor", "mon*", true},
		{"log", "mon*", false},
		{"heartbeat", "heart", false},
		{"request", "requests", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesPattern(tt.section, tt.pattern), "%s vs %s", tt.section, tt.pattern)
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"v1.2.3", "1.2.3", 0},
		{"1.10.0", "1.9.9", 1},
		{"0.9.0", "1.0.0", -1},
		{"", "0.0.0", 0},
		{"0.0.1", "", 1},
	}
	for _, tt := range tests {
		got, err := CompareVersions(tt.a, tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s vs %s", tt.a, tt.b)
	}

	_, err := CompareVersions("1.0", "1.0.0")
	assert.True(t, errors.IsInvalid(err))
	_, err = CompareVersions("1.0.0", "1.x.0")
	assert.Error(t, err)
}

func TestConfigBucket(t *testing.T) {
	assert.Equal(t, "karabo_config", ConfigBucket("karabo"))
	assert.Equal(t, "SPB_DAQ_config", ConfigBucket("SPB.DAQ"))
}

func TestNewManagerRequiresArguments(t *testing.T) {
	_, err := NewManager(t.Context(), nil, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewManager(t.Context(), validConfig(), nil, nil)
	assert.True(t, errors.IsInvalid(err))
}
