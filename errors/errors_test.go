package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"invalid data", ErrInvalidData, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
		{"timeout kind", Timeoutf("no answer from %q", "x"), true},
		{"connection kind", Connectionf("refused"), true},
		{"signal/slot kind", SignalSlotf("instance 'a' has no slot 'b'"), false},
		{"cancelled kind", Cancelledf("closed"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorFatal, Classify(Cancelledf("gone")))
	assert.Equal(t, ErrorInvalid, Classify(Castf("bad")))
	assert.Equal(t, ErrorInvalid, Classify(ErrParsingFailed))
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something odd")))
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")

	assert.Nil(t, Wrap(nil, "Broker", "Connect", "dial"))

	err := Wrap(base, "Broker", "Connect", "dial")
	assert.Equal(t, "Broker.Connect: dial failed: boom", err.Error())
	assert.True(t, errors.Is(err, base))

	err = WrapTransient(base, "Broker", "Connect", "dial")
	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Broker", ce.Component)
	assert.Equal(t, "Connect", ce.Operation)
	assert.True(t, IsTransient(err))

	assert.True(t, IsFatal(WrapFatal(base, "a", "b", "c")))
	assert.True(t, IsInvalid(WrapInvalid(base, "a", "b", "c")))
}

func TestKinds_AreDistinguishable(t *testing.T) {
	all := []error{
		Timeoutf("t"),
		Remote("remote failed", "trace"),
		Castf("c"),
		SignalSlotf("s"),
		Connectionf("x"),
		Cancelledf("y"),
	}
	checks := []func(error) bool{IsTimeout, IsRemote, IsCast, IsSignalSlot, IsConnection, IsCancelled}

	for i, err := range all {
		for j, check := range checks {
			assert.Equal(t, i == j, check(err), "error %d vs check %d", i, j)
		}
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", SignalSlotf("instance 'a' has no signal 'b'"))
	assert.Equal(t, KindSignalSlot, KindOf(wrapped))
	assert.True(t, Is(wrapped, ErrSignalSlot))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrapKind(t *testing.T) {
	assert.Nil(t, WrapKind(KindConnection, nil, "dial"))

	base := errors.New("connection refused")
	err := WrapKind(KindConnection, base, "dial %s", "tcp://host:1")
	assert.Equal(t, "dial tcp://host:1: connection refused", err.Error())
	assert.True(t, IsConnection(err))
	assert.True(t, errors.Is(err, base))
}

func TestRemoteDetails(t *testing.T) {
	err := Remote("division by zero", "slotDivide line 3")
	var me *Error
	require.True(t, As(err, &me))
	assert.Equal(t, "slotDivide line 3", me.Details)
	assert.Equal(t, "division by zero", err.Error())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "operation cancelled", KindCancelled.String())
	assert.Equal(t, "unknown", Kind(42).String())
	assert.Equal(t, "cast", (&Error{Kind: KindCast}).Error())
}
