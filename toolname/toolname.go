// Package toolname parses and builds the namespaced tool identifiers exposed
// to gateway clients.
//
// A namespaced tool name has the form "<instance>__<tool>". The split point is
// the first occurrence of the separator, so tool names may themselves contain
// "__".
package toolname

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the instance (namespace) segment and the tool segment.
const Separator = "__"

// ErrInvalidToolName is returned (wrapped in *Error) for malformed names.
var ErrInvalidToolName = errors.New("invalid tool name")

// Error describes why a name could not be parsed.
type Error struct {
	Name   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid tool name %q: %s", e.Name, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalidToolName }

// Name is a parsed namespaced tool name.
type Name struct {
	Instance string
	Tool     string
	Full     string
}

func (n Name) String() string { return n.Full }

// Parse splits full at the first separator.
func Parse(full string) (Name, error) {
	idx := strings.Index(full, Separator)
	switch {
	case idx < 0:
		return Name{}, &Error{Name: full, Reason: "missing separator"}
	case idx == 0:
		return Name{}, &Error{Name: full, Reason: "empty instance name"}
	case idx+len(Separator) == len(full):
		return Name{}, &Error{Name: full, Reason: "empty tool name"}
	}

	return Name{
		Instance: full[:idx],
		Tool:     full[idx+len(Separator):],
		Full:     full,
	}, nil
}

// Join builds the wire-visible name for tool within instance.
func Join(instance, tool string) string {
	return instance + Separator + tool
}
