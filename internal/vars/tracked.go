package vars

import (
	"fmt"
	"hash/fnv"

	"github.com/tracekit/varwatch/internal/protocol"
)

// TrackedVariable is the cache-side identity of one live expression on
// the backend connection.
type TrackedVariable struct {
	// ProtocolName is the backend-side identity string.
	ProtocolName string

	// Handle is the caller-visible opaque reference, stable for the
	// object's lifetime.
	Handle int

	// Expression is the source text being watched.
	Expression string

	// Context is the evaluation context the expression was created in.
	Context protocol.EvalContext

	// Type is the last reported type, may be empty.
	Type string

	// Value is the last known textual representation.
	Value string

	// IsCompound indicates the variable has expandable children.
	IsCompound bool

	// children is the lazily built ordered child mapping from member
	// fragment to the child's tracked variable. nil until expanded.
	children []*childEntry

	// parent is non-nil for child variables.
	parent *TrackedVariable

	// stale marks the variable for recreation under the same
	// ProtocolName on next access (scope loss or type change).
	stale bool
}

// childEntry binds one member fragment to its child tracked variable.
type childEntry struct {
	fragment string
	variable *TrackedVariable
}

// identityKey derives the deterministic backend name for an expression
// in a context. Repeated resolution of the same text maps to the same
// tracked variable.
func identityKey(expression string, ec protocol.EvalContext) string {
	h := fnv.New64a()
	h.Write([]byte(expression))
	h.Write([]byte{0})
	h.Write([]byte(ec.Key()))
	return fmt.Sprintf("vw_%016x", h.Sum64())
}

// childExpression composes the source expression of a child from its
// parent and member fragment.
func childExpression(parent string, fragment string) string {
	if len(fragment) > 0 && fragment[0] == '[' {
		return parent + fragment
	}
	return parent + "." + fragment
}

// isAllDigits reports whether s is a non-empty decimal index.
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
