package broker

import (
	"fmt"
	"strings"

	"github.com/c360/sigslot/errors"
)

// MQTT topics mirror the subject layout with '/' separators. Instance ids
// may contain '/', which becomes '|' inside a topic level.
const (
	mqttInstancesSegment = "instances"
	mqttSingleLevel      = "+"
)

func escapeTopicLevel(id string) string {
	if id == Wildcard {
		return mqttSingleLevel
	}
	return strings.ReplaceAll(id, "/", "|")
}

func unescapeTopicLevel(level string) string {
	return strings.ReplaceAll(level, "|", "/")
}

// validateTopicName rejects signal and slot names that would change the
// topic structure
func validateTopicName(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, "/+#") {
		return errors.SignalSlotf("signal or slot name %q cannot be used on MQTT", name)
	}
	return nil
}

func validateTopicDomain(domain string) error {
	if strings.ContainsAny(domain, "/+#") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: domain %q cannot be used on MQTT", errors.ErrInvalidConfig, domain),
			"broker", "validateTopicDomain", "check domain")
	}
	return nil
}

// SlotsTopic addresses slotName of one instance
func SlotsTopic(domain, instanceID, slotName string) string {
	return domain + "/" + slotsSegment + "/" + escapeTopicLevel(instanceID) + "/" + slotName
}

// GlobalSlotsTopic addresses a slot on every instance consuming broadcasts
func GlobalSlotsTopic(domain, slotName string) string {
	return domain + "/" + globalSlotsSegment + "/" + slotName
}

// SignalTopic is where signalName of signalInstanceID is published. A "*"
// instance id yields a filter for all emitters.
func SignalTopic(domain, signalInstanceID, signalName string) string {
	return domain + "/" + signalsSegment + "/" + escapeTopicLevel(signalInstanceID) + "/" + signalName
}

// InstanceTopic holds the retained instanceInfo of instanceID
func InstanceTopic(domain, instanceID string) string {
	return domain + "/" + mqttInstancesSegment + "/" + escapeTopicLevel(instanceID)
}

// topicToSubject maps a delivered MQTT topic onto the equivalent subject
// and the addressed slot, so both transports share one dispatch path
func topicToSubject(domain, topic string) (subject, slot string, ok bool) {
	rest, found := strings.CutPrefix(topic, domain+"/")
	if !found {
		return "", "", false
	}
	levels := strings.Split(rest, "/")
	switch {
	case len(levels) == 3 && levels[0] == slotsSegment:
		return SlotsSubject(domain, unescapeTopicLevel(levels[1])), levels[2], true
	case len(levels) == 2 && levels[0] == globalSlotsSegment:
		return GlobalSlotsSubject(domain, levels[1]), levels[1], true
	case len(levels) == 3 && levels[0] == signalsSegment:
		return SignalSubject(domain, unescapeTopicLevel(levels[1]), levels[2]), "", true
	default:
		return "", "", false
	}
}

// instanceFromTopic extracts the instance id of an InstanceTopic
func instanceFromTopic(domain, topic string) (string, bool) {
	level, found := strings.CutPrefix(topic, domain+"/"+mqttInstancesSegment+"/")
	if !found || level == "" || strings.Contains(level, "/") {
		return "", false
	}
	return unescapeTopicLevel(level), true
}

// pahoURL rewrites the schemes accepted in configuration to the ones the
// MQTT client dials
func pahoURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	switch strings.ToLower(scheme) {
	case "mqtt":
		return "tcp://" + rest
	case "mqtts":
		return "ssl://" + rest
	default:
		return raw
	}
}
