// Package store defines the contract of the remote Cypress-style tree that ytfs
// exposes, together with the attribute and path helpers shared by its clients.
package store

import (
	"context"
	"fmt"
)

// Store is the remote tree client consumed by the attribute cache and readers.
//
// Implementations are expected to enforce their own timeout and cancellation
// policy through ctx; callers impose none.
type Store interface {
	// GetAttributes returns the attributes of the node at path. A nil attrs
	// requests every attribute the node carries.
	GetAttributes(ctx context.Context, path string, attrs []string) (Attributes, error)

	// List returns the children of the node at path, each with the requested
	// attributes when the node carries them.
	List(ctx context.Context, path string, attrs []string) ([]Child, error)

	// ReadFile reads up to length bytes of a flat file starting at offset.
	// Reads crossing the end of the file return the available bytes.
	ReadFile(ctx context.Context, path string, offset, length int64) ([]byte, error)

	// ReadTable serializes the rows in the half-open range rows of the table
	// at path using format. Ranges past the last row yield no bytes.
	ReadTable(ctx context.Context, path string, rows RowRange, format string) ([]byte, error)
}

// Child is one entry of a directory listing.
type Child struct {
	Name       string
	Attributes Attributes
}

// RowRange is a half-open range of table row indices.
type RowRange struct {
	Lower int64
	Upper int64
}

// Len returns the number of rows covered by the range.
func (r RowRange) Len() int64 {
	if r.Upper < r.Lower {
		return 0
	}
	return r.Upper - r.Lower
}

func (r RowRange) String() string {
	return fmt.Sprintf("[#%d:#%d]", r.Lower, r.Upper)
}

// WithRowRange renders path with a row-range selector, e.g. //t[#0:#100].
func WithRowRange(path string, r RowRange) string {
	return path + r.String()
}
