package signalslot

import (
	"sync"

	"github.com/c360/sigslot/errors"
)

// local holds the instances started in this process, keyed by broker URL,
// domain and instance id
var local = struct {
	sync.Mutex
	instances map[string]*SignalSlotable
}{instances: make(map[string]*SignalSlotable)}

func registryKey(s *SignalSlotable) string {
	return s.broker.URL() + "|" + s.broker.Domain() + "|" + s.id
}

func claimInstance(s *SignalSlotable) error {
	key := registryKey(s)
	local.Lock()
	defer local.Unlock()
	if other, ok := local.instances[key]; ok && other != s {
		return errors.WrapFatal(errors.SignalSlotf("instance '%s' already exists in this process", s.id),
			"SignalSlotable", "Start", "claim instance id")
	}
	local.instances[key] = s
	return nil
}

func releaseInstance(s *SignalSlotable) {
	key := registryKey(s)
	local.Lock()
	defer local.Unlock()
	if local.instances[key] == s {
		delete(local.instances, key)
	}
}
