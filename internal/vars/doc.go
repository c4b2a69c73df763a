// Package vars owns the tracked-variable cache and the mutation gateway.
//
// The cache maps caller-visible opaque handles to backend-side tracked
// variable identities, keeps a per-cycle change-list cache, and
// serializes every backend interaction through a single FIFO request
// queue: the backend conversation is one sequential exchange, so no two
// operations on the same connection ever overlap. Queue ordering is the
// only synchronization the cache state needs.
//
// Scope loss and type changes are normal, expected conditions. Either
// one invalidates the entire change-list cache (partial staleness is
// assumed unsafe because parent/child consistency cannot be verified
// locally) and marks the affected variable for lazy recreation under
// the same backend name. Connection loss is fatal and surfaces to the
// caller untouched.
package vars
