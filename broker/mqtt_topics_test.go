package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/sigslot/errors"
)

func TestMQTTTopics(t *testing.T) {
	assert.Equal(t, "karabo/slots/SA1|MOTOR|X/slotPing", SlotsTopic("karabo", "SA1/MOTOR/X", "slotPing"))
	assert.Equal(t, "karabo/slots/alice/+", SlotsTopic("karabo", "alice", mqttSingleLevel))
	assert.Equal(t, "karabo/global_slots/slotPing", GlobalSlotsTopic("karabo", "slotPing"))
	assert.Equal(t, "karabo/signals/alice/signalChanged", SignalTopic("karabo", "alice", "signalChanged"))
	assert.Equal(t, "karabo/signals/+/signalHeartbeat", SignalTopic("karabo", Wildcard, "signalHeartbeat"))
	assert.Equal(t, "karabo/instances/SA1|MOTOR", InstanceTopic("karabo", "SA1/MOTOR"))
}

func TestTopicToSubject(t *testing.T) {
	tests := []struct {
		topic       string
		wantSubject string
		wantSlot    string
		wantOK      bool
	}{
		{"site.sa1/slots/SA1|MOTOR/slotPing", "site.sa1.slots.SA1/MOTOR", "slotPing", true},
		{"site.sa1/global_slots/slotInstanceNew", "site.sa1.global_slots.slotInstanceNew", "slotInstanceNew", true},
		{"site.sa1/signals/alice/signalChanged", "site.sa1.signals.alice.signalChanged", "", true},
		{"site.sa1/slots/alice", "", "", false},
		{"site.sa1/instances/alice", "", "", false},
		{"other/slots/alice/slotPing", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			subject, slot, ok := topicToSubject("site.sa1", tt.topic)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantSubject, subject)
			assert.Equal(t, tt.wantSlot, slot)
		})
	}

	// the mapped subject parses like a NATS delivery
	subject, _, _ := topicToSubject("karabo", SignalTopic("karabo", "SA1/MOTOR", "signalChanged"))
	kind, name := ParseSubject("karabo", subject)
	assert.Equal(t, SubjectSignal, kind)
	assert.Equal(t, "SA1/MOTOR.signalChanged", name)
}

func TestInstanceFromTopic(t *testing.T) {
	id, ok := instanceFromTopic("karabo", "karabo/instances/SA1|MOTOR")
	assert.True(t, ok)
	assert.Equal(t, "SA1/MOTOR", id)

	for _, topic := range []string{"karabo/instances/", "karabo/instances/a/b", "karabo/slots/a"} {
		_, ok := instanceFromTopic("karabo", topic)
		assert.False(t, ok, topic)
	}
}

func TestValidateTopicName(t *testing.T) {
	assert.NoError(t, validateTopicName("slotPing"))
	for _, name := range []string{"a/b", "a+", "#", "a.b", ""} {
		assert.True(t, errors.IsSignalSlot(validateTopicName(name)), "%q", name)
	}
}

func TestPahoURL(t *testing.T) {
	assert.Equal(t, "tcp://host:1883", pahoURL("mqtt://host:1883"))
	assert.Equal(t, "ssl://host:8883", pahoURL("MQTTS://host:8883"))
	assert.Equal(t, "tcp://host:1883", pahoURL("tcp://host:1883"))
	assert.Equal(t, "host", pahoURL("host"))
}

func TestTransport(t *testing.T) {
	assert.Equal(t, "nats", Transport("TLS"))
	assert.Equal(t, "mqtt", Transport("mqtts"))
	assert.Equal(t, "mem", Transport("mem"))
	assert.Empty(t, Transport("amqp"))
}

func TestNewMQTTBroker_RejectsTopicDomain(t *testing.T) {
	_, err := NewMQTTBroker(Config{URLs: []string{"mqtt://localhost:1883"}, Domain: "a/b", InstanceID: "alice"})
	assert.True(t, errors.IsInvalid(err))

	b, err := New(Config{URLs: []string{"mqtt://localhost:1883"}, Domain: "karabo", InstanceID: "alice"})
	assert.NoError(t, err)
	assert.IsType(t, &MQTTBroker{}, b)
	assert.False(t, b.IsConnected())
}
