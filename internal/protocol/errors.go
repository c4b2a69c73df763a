package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConnectionLost indicates the backend conversation is gone. It is
// fatal for the connection: callers must not retry on the same Conn.
var ErrConnectionLost = errors.New("protocol: connection lost")

// NotFoundError reports that the backend no longer knows the tracked
// variable. This is recoverable: the caller may recreate the variable
// under the same name and retry once.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tracked variable %q not found", e.Name)
}

// ChildNotFoundError reports a mutation against a child the parent does
// not have. Available lists the children the parent does have.
type ChildNotFoundError struct {
	Parent    string
	Child     string
	Available []string
}

func (e *ChildNotFoundError) Error() string {
	return fmt.Sprintf("unknown child %q of %q, available: [%s]",
		e.Child, e.Parent, strings.Join(e.Available, ", "))
}

// MalformedLiteralError reports a value literal rejected before any
// backend call was made.
type MalformedLiteralError struct {
	Literal string
	Reason  string
}

func (e *MalformedLiteralError) Error() string {
	return fmt.Sprintf("malformed literal %q: %s", e.Literal, e.Reason)
}

// CommandError is a recoverable protocol-level failure reported by the
// backend for a single command.
type CommandError struct {
	Command string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed (%s): %s", e.Command, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// IsNotFound reports whether err indicates a missing tracked variable.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConnectionLost reports whether err indicates a dead connection.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}
