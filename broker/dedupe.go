package broker

// msgIDHeader identifies a published signal across the copies a receiver
// gets from overlapping subscriptions
const msgIDHeader = "Sigslot-Msg-Id"

// dedupeWindow is how many message ids a reader remembers. Copies of one
// message arrive close together.
const dedupeWindow = 4096

// recentIDs remembers the last ids it was given. Not safe for concurrent use.
type recentIDs struct {
	seen map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// add reports whether id is new. Empty ids are always new.
func (r *recentIDs) add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := r.seen[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = id
	r.seen[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
