// Package monitor drives high-frequency variable sampling against a
// dedicated backend connection, independent of the primary debug
// session.
//
// The Engine runs a periodic tick: bulk-refresh the variable cache,
// record a sample per tracked variable into a bounded history buffer,
// evaluate conditional triggers, adapt the sampling interval to the
// observed rate of change, and bound the memory footprint of the
// buffers. Ticks never overlap; a tick completes or fails before the
// next is scheduled. Per-tick failures increment an error counter and
// are logged but never stop the timer. Connection loss is the one
// exception: it halts scheduling and is surfaced exactly once.
//
// Monitor is the consumer facade: display and export layers go through
// it and never touch the backend connection directly.
package monitor
