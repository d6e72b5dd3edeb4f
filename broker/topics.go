package broker

import (
	"fmt"
	"strings"

	"github.com/c360/sigslot/errors"
)

// Subject segments below the domain
const (
	slotsSegment       = "slots"
	globalSlotsSegment = "global_slots"
	signalsSegment     = "signals"
)

// Wildcard matches every signal emitter when used as signal instance id
const Wildcard = "*"

// forbiddenInstanceChars collide with subject composition, the header
// encodings of instance lists, serialization or queue naming.
const forbiddenInstanceChars = ". :@\r\n\t*>|,"

// ValidateInstanceID checks an instance id against the characters the
// transports cannot carry
func ValidateInstanceID(id string) error {
	if id == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "broker", "ValidateInstanceID", "empty instance id")
	}
	if i := strings.IndexAny(id, forbiddenInstanceChars); i >= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: instance id %q contains forbidden character %q", errors.ErrInvalidConfig, id, id[i]),
			"broker", "ValidateInstanceID", "check instance id")
	}
	return nil
}

// ValidateName checks a signal or slot name
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, ". *>\r\n\t") {
		return errors.SignalSlotf("invalid signal or slot name %q", name)
	}
	return nil
}

// ValidateDomain checks a broker domain. Dots are allowed and become
// additional subject tokens.
func ValidateDomain(domain string) error {
	if domain == "" || strings.ContainsAny(domain, " *>\r\n\t") ||
		strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") || strings.Contains(domain, "..") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: invalid domain %q", errors.ErrInvalidConfig, domain),
			"broker", "ValidateDomain", "check domain")
	}
	return nil
}

// SlotsSubject addresses one instance
func SlotsSubject(domain, instanceID string) string {
	return domain + "." + slotsSegment + "." + instanceID
}

// GlobalSlotsSubject addresses a slot on every instance consuming broadcasts
func GlobalSlotsSubject(domain, slotName string) string {
	return domain + "." + globalSlotsSegment + "." + slotName
}

// GlobalSlotsWildcard matches every broadcast of a domain
func GlobalSlotsWildcard(domain string) string {
	return GlobalSlotsSubject(domain, Wildcard)
}

// SignalSubject is where signalName of signalInstanceID is published.
// A "*" instance id yields a subscription pattern for all emitters.
func SignalSubject(domain, signalInstanceID, signalName string) string {
	return domain + "." + signalsSegment + "." + signalInstanceID + "." + signalName
}

// SubjectKind tells what a delivered subject addressed
type SubjectKind int

const (
	SubjectUnknown SubjectKind = iota
	SubjectSlot
	SubjectBroadcast
	SubjectSignal
)

// ParseSubject splits a delivered subject of domain into its kind and the
// trailing name: the instance for slots, the slot for broadcasts and
// "<instance>.<signal>" for signals.
func ParseSubject(domain, subject string) (SubjectKind, string) {
	rest, ok := strings.CutPrefix(subject, domain+".")
	if !ok {
		return SubjectUnknown, ""
	}
	segment, name, ok := strings.Cut(rest, ".")
	if !ok || name == "" {
		return SubjectUnknown, ""
	}
	switch segment {
	case slotsSegment:
		return SubjectSlot, name
	case globalSlotsSegment:
		return SubjectBroadcast, name
	case signalsSegment:
		return SubjectSignal, name
	default:
		return SubjectUnknown, ""
	}
}

// MatchSubject reports whether subject matches a NATS style pattern where
// "*" matches one token and a trailing ">" one or more tokens
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
