// Package cache provides a generic TTL cache with sliding expiry.
//
// Every Get or Update pushes an entry's expiry ttl into the future, so an
// entry only expires after it went unused for ttl. A background goroutine
// removes expired entries and passes them to the eviction callback; the
// device client uses this to drop configurations nobody asked for and to
// disconnect from their change signals.
//
//	configs, err := cache.NewTTL[message.Hash](ctx, 2*time.Minute, 10*time.Second,
//	    cache.WithEvictionCallback(func(id string, _ message.Hash) {
//	        disconnect(id)
//	    }))
//
// Delete removes an entry silently; Clear evicts everything through the
// callback. Statistics are always collected and WithMetrics exports them.
package cache
