package vars

import "github.com/tracekit/varwatch/internal/protocol"

// changeList caches the deltas of the current refresh cycle, keyed by
// backend name. Any scope loss or type change anywhere in a cycle
// invalidates the whole cache: partial staleness is assumed unsafe
// because parent/child consistency cannot be verified locally.
type changeList struct {
	entries map[string]protocol.Delta
}

// valid reports whether the cache holds a usable cycle.
func (c *changeList) valid() bool {
	return c.entries != nil
}

// begin starts a fresh cycle.
func (c *changeList) begin() {
	c.entries = make(map[string]protocol.Delta)
}

// record stores one delta if a cycle is active.
func (c *changeList) record(d protocol.Delta) {
	if c.entries != nil {
		c.entries[d.Name] = d
	}
}

// has reports whether name was already refreshed this cycle.
func (c *changeList) has(name string) bool {
	if c.entries == nil {
		return false
	}
	_, ok := c.entries[name]
	return ok
}

// invalidate drops the entire cache.
func (c *changeList) invalidate() {
	c.entries = nil
}
