package message

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sigslot/errors"
)

func TestEncodeDecode_KeepsIntegers(t *testing.T) {
	header := Hash{
		KeySignalInstanceID: "greeter",
		KeySignalFunction:   FunctionRequest,
		KeyTimestamp:        int64(1700000000123),
	}
	body := Args("Hello", 42, 1.5, []string{"a", "b"}, Hash{"nested": true})

	data, err := Encode(header, body)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "greeter", msg.Header.GetString(KeySignalInstanceID))
	ts, err := GetAs[int64](msg.Header, KeyTimestamp)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ts)

	values := ArgValues(msg.Body)
	require.Len(t, values, 5)
	assert.Equal(t, json.Number("42"), values[1])

	var words []string
	require.NoError(t, Convert(values[3], &words))
	assert.Equal(t, []string{"a", "b"}, words)

	var nested Hash
	require.NoError(t, Convert(values[4], &nested))
	assert.Equal(t, true, nested["nested"])
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrParsingFailed)

	msg, err := Decode([]byte(`{}`))
	require.NoError(t, err)
	assert.NotNil(t, msg.Header)
	assert.NotNil(t, msg.Body)
}

func TestArgs(t *testing.T) {
	body := Args("x", 2)
	assert.Equal(t, Hash{"a1": "x", "a2": 2}, body)
	assert.Equal(t, []any{"x", 2}, ArgValues(body))
	assert.Nil(t, ArgValues(Hash{"a2": 1}))
}

func TestConvert(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	var i int
	require.NoError(t, Convert(json.Number("7"), &i))
	assert.Equal(t, 7, i)

	require.NoError(t, Convert(float64(3), &i))
	assert.Equal(t, 3, i)

	var u8 uint8
	assert.True(t, errors.IsCast(Convert(json.Number("300"), &u8)))
	assert.True(t, errors.IsCast(Convert(json.Number("-1"), &u8)))

	assert.True(t, errors.IsCast(Convert(json.Number("1.5"), &i)))
	assert.True(t, errors.IsCast(Convert("seven", &i)))

	var f float64
	require.NoError(t, Convert(json.Number("1.25"), &f))
	assert.Equal(t, 1.25, f)

	var s string
	assert.True(t, errors.IsCast(Convert(json.Number("12"), &s)))
	require.NoError(t, Convert("hello", &s))
	assert.Equal(t, "hello", s)

	var b bool
	assert.True(t, errors.IsCast(Convert("true", &b)))

	var p point
	require.NoError(t, Convert(map[string]any{"x": json.Number("1"), "y": json.Number("2")}, &p))
	assert.Equal(t, point{1, 2}, p)

	var raw []byte
	require.NoError(t, Convert("aGVsbG8=", &raw))
	assert.Equal(t, []byte("hello"), raw)

	var counts map[string]int
	require.NoError(t, Convert(map[string]any{"a": json.Number("1")}, &counts))
	assert.Equal(t, map[string]int{"a": 1}, counts)

	var anyValue any
	require.NoError(t, Convert(nil, &anyValue))
	assert.True(t, errors.IsCast(Convert(nil, &i)))

	assert.True(t, errors.IsCast(Convert(1, i)))
}

func TestConvert_IntegerBounds(t *testing.T) {
	var i64 int64
	assert.True(t, errors.IsCast(Convert(math.Exp2(63), &i64)))
	assert.True(t, errors.IsCast(Convert(json.Number("9223372036854775808"), &i64)))
	require.NoError(t, Convert(-math.Exp2(63), &i64))
	assert.Equal(t, int64(math.MinInt64), i64)
	require.NoError(t, Convert(json.Number("9223372036854775807"), &i64))
	assert.Equal(t, int64(math.MaxInt64), i64)

	var u64 uint64
	require.NoError(t, Convert(json.Number("18446744073709551615"), &u64))
	assert.Equal(t, uint64(math.MaxUint64), u64)
	require.NoError(t, Convert(math.Exp2(63), &u64))
	assert.Equal(t, uint64(1)<<63, u64)
	assert.True(t, errors.IsCast(Convert(math.Exp2(64), &u64)))
	assert.True(t, errors.IsCast(Convert(json.Number("-3"), &u64)))
	assert.True(t, errors.IsCast(Convert(-1, &u64)))

	var u32 uint32
	assert.True(t, errors.IsCast(Convert(uint64(1)<<32, &u32)))
	require.NoError(t, Convert(uint64(1)<<63+5, &u64))
	assert.Equal(t, uint64(1)<<63+5, u64)

	var u16 uint16
	assert.True(t, errors.IsCast(Convert(uint64(math.MaxUint64), &u16)))
	require.NoError(t, Convert(int8(12), &u16))
	assert.Equal(t, uint16(12), u16)
}

func TestHash_MergeAndClone(t *testing.T) {
	base := Hash{
		"name":  "camera",
		"state": "ON",
		"roi":   map[string]any{"x": 1, "y": 2},
	}
	clone := base.Clone()

	base.Merge(Hash{
		"state": "ACQUIRING",
		"roi":   Hash{"y": 5},
		"gain":  3,
	})

	want := Hash{
		"name":  "camera",
		"state": "ACQUIRING",
		"roi":   Hash{"x": 1, "y": 5},
		"gain":  3,
	}
	if diff := cmp.Diff(want, base); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}

	// The clone is unaffected
	assert.Equal(t, "ON", clone["state"])
	roi, ok := clone.GetHash("roi")
	require.True(t, ok)
	assert.Equal(t, 2, roi["y"])
}

func TestHash_Helpers(t *testing.T) {
	h := NewHash("a", 1, "b", "two", 3, "ignored", "dangling")
	assert.Equal(t, []string{"a", "b"}, h.Keys())
	assert.True(t, h.Has("a"))
	assert.Equal(t, "two", h.GetString("b"))
	assert.Equal(t, "", h.GetString("a"))
	assert.JSONEq(t, `{"a":1,"b":"two"}`, h.String())
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 4, Priority(Hash{}))
	assert.Equal(t, 7, Priority(Hash{KeyPriority: json.Number("7")}))
}

func TestRoutingLists(t *testing.T) {
	ids := JoinInstanceIDs("a", "b")
	assert.Equal(t, "|a||b|", ids)
	assert.Equal(t, []string{"a", "b"}, SplitInstanceIDs(ids))
	assert.True(t, ContainsInstanceID(ids, "b"))
	assert.False(t, ContainsInstanceID(ids, "c"))
	assert.True(t, ContainsInstanceID("*", "c"))

	fns := JoinSlotFunctions(map[string][]string{"b": {"s3"}, "a": {"s1", "s2"}})
	assert.Equal(t, "|a:s1,s2||b:s3|", fns)
	assert.Equal(t, map[string][]string{"a": {"s1", "s2"}, "b": {"s3"}}, SplitSlotFunctions(fns))
}

func TestAge(t *testing.T) {
	_, ok := Age(Hash{})
	assert.False(t, ok)

	data, err := Encode(Hash{KeyTimestamp: Timestamp() - 250}, nil)
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)

	age, ok := Age(msg.Header)
	require.True(t, ok)
	assert.GreaterOrEqual(t, age, 250*time.Millisecond)
	assert.Less(t, age, 10*time.Second)
}
