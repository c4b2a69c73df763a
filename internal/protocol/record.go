package protocol

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// EvalContext identifies where an expression is evaluated.
type EvalContext struct {
	// Global indicates evaluation against global scope, independent of
	// any stack frame.
	Global bool

	// ThreadID is the target thread, ignored when Global is set.
	ThreadID int

	// FrameLevel is the stack frame level within the thread, ignored
	// when Global is set.
	FrameLevel int
}

// GlobalContext returns the context for global-scope evaluation.
func GlobalContext() EvalContext {
	return EvalContext{Global: true}
}

// FrameContext returns the context for a specific stack frame.
func FrameContext(threadID, frameLevel int) EvalContext {
	return EvalContext{ThreadID: threadID, FrameLevel: frameLevel}
}

// Key returns a stable string form used in identity hashing.
func (c EvalContext) Key() string {
	if c.Global {
		return "global"
	}
	return fmt.Sprintf("t%d:f%d", c.ThreadID, c.FrameLevel)
}

// RecordKind tags the closed set of record variants a backend create or
// children call can return.
type RecordKind int

const (
	// KindScalar is a leaf value with no expandable children.
	KindScalar RecordKind = iota
	// KindCompound has expandable children (struct, array, pointer).
	KindCompound
	// KindExpansionRequest means the backend could not materialize the
	// value yet and wants the caller to expand before reading.
	KindExpansionRequest
)

// String returns a string representation of the kind.
func (k RecordKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindCompound:
		return "compound"
	case KindExpansionRequest:
		return "expansion-request"
	default:
		return "unknown"
	}
}

// Record is the decoded result of a create call.
type Record struct {
	// Name is the backend-side identity of the tracked variable.
	Name string

	// Value is the textual representation, empty for expansion requests.
	Value string

	// Type is the reported type, may be empty.
	Type string

	// Kind tags the variant.
	Kind RecordKind

	// NumChildren is the reported child count for compound records.
	NumChildren int
}

// Delta is one entry of a change-list returned by an update call.
type Delta struct {
	// Name is the backend-side identity the delta applies to.
	Name string

	// Value is the new textual value, valid only while InScope holds.
	Value string

	// Type is the new type, set when the backend re-reports it.
	Type string

	// InScope is false when the expression left scope. The whole
	// change-list cache must be invalidated in that case.
	InScope bool

	// TypeChanged is true when the underlying type changed. Handled
	// like scope loss.
	TypeChanged bool

	// NumChildren is the updated child count.
	NumChildren int
}

// Child is one child descriptor returned by a children call.
type Child struct {
	// Exp is the member expression fragment (field name or index).
	Exp string

	// Name is the backend-side identity of the child tracked variable.
	Name string

	// Value is the child's textual value.
	Value string

	// Type is the child's type.
	Type string

	// NumChildren is the child's own child count.
	NumChildren int
}

// decodeRecord converts a raw create-result body into a tagged Record.
func decodeRecord(body gjson.Result) Record {
	rec := Record{
		Name:        body.Get("name").String(),
		Value:       body.Get("value").String(),
		Type:        body.Get("type").String(),
		NumChildren: int(body.Get("numchild").Int()),
	}

	switch {
	case body.Get("expansion").Bool():
		rec.Kind = KindExpansionRequest
	case rec.NumChildren > 0:
		rec.Kind = KindCompound
	default:
		rec.Kind = KindScalar
	}

	return rec
}

// decodeDelta converts one raw change-list entry into a Delta.
func decodeDelta(entry gjson.Result) Delta {
	d := Delta{
		Name:        entry.Get("name").String(),
		Value:       entry.Get("value").String(),
		Type:        entry.Get("type").String(),
		InScope:     true,
		TypeChanged: entry.Get("type_changed").Bool(),
		NumChildren: int(entry.Get("numchild").Int()),
	}

	// in_scope defaults to true when the backend omits it.
	if v := entry.Get("in_scope"); v.Exists() {
		d.InScope = v.Bool()
	}

	return d
}

// decodeChild converts one raw child descriptor into a Child.
func decodeChild(entry gjson.Result) Child {
	return Child{
		Exp:         entry.Get("exp").String(),
		Name:        entry.Get("name").String(),
		Value:       entry.Get("value").String(),
		Type:        entry.Get("type").String(),
		NumChildren: int(entry.Get("numchild").Int()),
	}
}
