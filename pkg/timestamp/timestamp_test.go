package timestamp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	testTime   = time.Date(2023, 1, 15, 12, 30, 45, 123000000, time.UTC)
	testTimeMs = int64(1673785845123)
)

func TestNow(t *testing.T) {
	before := time.Now().UnixMilli()
	ts := Now()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, after)
}

func TestConversions(t *testing.T) {
	assert.Equal(t, testTimeMs, ToUnixMs(testTime))
	assert.Zero(t, ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(testTimeMs).Equal(testTime))
	assert.True(t, FromUnixMs(0).IsZero())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "2023-01-15T12:30:45.123Z", Format(testTimeMs))
	assert.Empty(t, Format(0))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"nil", nil, 0},
		{"int64 millis", testTimeMs, testTimeMs},
		{"int64 seconds", int64(1673785845), 1673785845000},
		{"int", int(testTimeMs), testTimeMs},
		{"float64 millis", float64(testTimeMs), testTimeMs},
		{"float64 seconds", 1673785845.5, 1673785845500},
		{"json number", json.Number("1673785845123"), testTimeMs},
		{"json number fraction", json.Number("1673785845.123"), testTimeMs},
		{"digit string", "1673785845123", testTimeMs},
		{"rfc3339", "2023-01-15T12:30:45Z", 1673785845000},
		{"rfc3339 nano", "2023-01-15T12:30:45.123Z", testTimeMs},
		{"time", testTime, testTimeMs},
		{"empty string", "", 0},
		{"garbage", "yesterday", 0},
		{"unsupported type", []int{1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	assert.Equal(t, testTimeMs, Parse(Format(testTimeMs)))
}

func TestSince(t *testing.T) {
	assert.Zero(t, Since(0))

	age := Since(Now() - 1500)
	assert.GreaterOrEqual(t, age, 1500*time.Millisecond)
	assert.Less(t, age, 10*time.Second)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(testTimeMs))
	assert.NoError(t, Validate(0))
	assert.Error(t, Validate(-1))
	assert.Error(t, Validate(Now()+int64(48*time.Hour/time.Millisecond)))
}
