package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that the requested node does not exist.
	ErrNotFound = errors.New("no such node")

	// ErrNoSuchAttribute reports that a node does not carry an attribute.
	ErrNoSuchAttribute = errors.New("no such attribute")
)

// CodeResolveError is the store error code for a path that does not resolve.
const CodeResolveError = 500

// Error is an error reported by the remote store.
type Error struct {
	Code    int
	Message string
	Path    string
	Inner   []*Error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("store error %d at %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("store error %d: %s", e.Code, e.Message)
}

// Is makes errors.Is(err, ErrNotFound) hold for resolve errors anywhere in the
// inner error tree.
func (e *Error) Is(target error) bool {
	if target == ErrNotFound {
		return e.hasCode(CodeResolveError)
	}
	return false
}

func (e *Error) hasCode(code int) bool {
	if e.Code == code {
		return true
	}
	for _, inner := range e.Inner {
		if inner != nil && inner.hasCode(code) {
			return true
		}
	}
	return false
}

// NotFound builds the error reported for a missing node.
func NotFound(path string) error {
	return &Error{Code: CodeResolveError, Message: "node does not exist", Path: path}
}

// MissingAttribute builds the error cached for an attribute a node lacks.
func MissingAttribute(path, attr string) error {
	return fmt.Errorf("%s/@%s: %w", path, attr, ErrNoSuchAttribute)
}
