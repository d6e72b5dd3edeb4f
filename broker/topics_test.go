package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/sigslot/errors"
)

func TestValidateInstanceID(t *testing.T) {
	valid := []string{"alice", "DataLogger-1", "a_b", "ÅngströmDevice", "x/y"}
	for _, id := range valid {
		assert.NoError(t, ValidateInstanceID(id), id)
	}

	invalid := []string{"", "a.b", "a b", "a:b", "a@b", "a\rb", "a\nb", "a\tb", "*", "a>", "a|b", "a,b"}
	for _, id := range invalid {
		err := ValidateInstanceID(id)
		assert.Error(t, err, "%q", id)
		assert.True(t, errors.IsInvalid(err), "%q", id)
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("slotPing"))
	assert.NoError(t, ValidateName("__call__"))

	for _, name := range []string{"", "a.b", "a b", "*", ">"} {
		assert.True(t, errors.IsSignalSlot(ValidateName(name)), "%q", name)
	}
}

func TestValidateDomain(t *testing.T) {
	assert.NoError(t, ValidateDomain("karabo"))
	assert.NoError(t, ValidateDomain("site.beamline"))

	for _, domain := range []string{"", ".karabo", "karabo.", "a..b", "a b", "a*"} {
		assert.Error(t, ValidateDomain(domain), "%q", domain)
	}
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "karabo.slots.alice", SlotsSubject("karabo", "alice"))
	assert.Equal(t, "karabo.global_slots.slotPing", GlobalSlotsSubject("karabo", "slotPing"))
	assert.Equal(t, "karabo.global_slots.*", GlobalSlotsWildcard("karabo"))
	assert.Equal(t, "karabo.signals.alice.signalChanged", SignalSubject("karabo", "alice", "signalChanged"))
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		domain  string
		subject string
		kind    SubjectKind
		name    string
	}{
		{"karabo", "karabo.slots.alice", SubjectSlot, "alice"},
		{"karabo", "karabo.global_slots.slotPing", SubjectBroadcast, "slotPing"},
		{"karabo", "karabo.signals.alice.signalChanged", SubjectSignal, "alice.signalChanged"},
		{"site.bl", "site.bl.slots.bob", SubjectSlot, "bob"},
		{"karabo", "other.slots.alice", SubjectUnknown, ""},
		{"karabo", "karabo.slots", SubjectUnknown, ""},
		{"karabo", "karabo.queue.alice", SubjectUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			kind, name := ParseSubject(tt.domain, tt.subject)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"a.b", "a.b.c", false},
		{"a.b.c", "a.b", false},
		{"karabo.signals.*.signalHeartbeat", "karabo.signals.alice.signalHeartbeat", true},
		{"karabo.global_slots.*", "karabo.global_slots.slotPing", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchSubject(tt.pattern, tt.subject), "%s ~ %s", tt.pattern, tt.subject)
	}
}
