// Package protocol implements the client side of the tracked-variable
// debugger protocol.
//
// The protocol is a single sequential request/response conversation with
// the target's debug backend. A connection exposes six primitives:
//
//   - create: register a tracked variable for an expression
//   - update: fetch the change-list for one tracked variable or all ("*")
//   - children: list the child descriptors of a compound variable
//   - delete: drop a tracked variable
//   - assign: write a value to a tracked variable
//   - raw: send a raw console command
//
// Requests are JSON documents framed with a Content-Length header, sent
// over stdio to a backend subprocess or over a TCP socket to a remote
// backend. Because the conversation is strictly sequential, Conn allows
// exactly one request in flight at a time; interleaving is prevented at
// this layer and again by the caller's request queue.
//
// Raw backend records are decoded into a closed set of variants (scalar,
// compound, expansion request) so downstream code switches on a tag
// rather than probing record shape.
package protocol
