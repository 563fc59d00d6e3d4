// Package reader turns offset/length read requests into a bounded number of
// ranged fetches against the remote store. Flat files are read through a
// single byte window; tables, which the store only serves by row range, are
// read through a window that grows in both directions.
package reader

import (
	"context"
	"errors"
	"fmt"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
)

var (
	// ErrUnsupportedType is returned when opening a node that is neither a
	// file nor a table.
	ErrUnsupportedType = errors.New("unsupported node type")

	// ErrInvalidRange is returned for negative offsets or lengths.
	ErrInvalidRange = errors.New("invalid read range")
)

// Kind is the closed set of reader implementations.
type Kind int

const (
	KindFile Kind = iota + 1
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindTable:
		return "table"
	default:
		return "unknown"
	}
}

// Reader serves reads of one open node. A Reader is owned by a single handle
// and is not safe for concurrent use.
type Reader interface {
	// Read returns up to length bytes at offset. Short results mean the end
	// of the node was reached.
	Read(ctx context.Context, length, offset int64) ([]byte, error)
	Kind() Kind
	Path() string
	Attributes() store.NodeAttributes
}

// Config holds reader tuning.
type Config struct {
	MinFetchSize     int64  // minimum bytes per file fetch
	TableGranularity int64  // rows per table fetch
	TableFormat      string // table serialization format
	TableMaxBuffered int64  // buffered table bytes kept below the read position, 0 for unlimited
}

// DefaultConfig returns the tuning used when none is configured.
func DefaultConfig() Config {
	return Config{
		MinFetchSize:     1 << 20,
		TableGranularity: 1000,
		TableFormat:      "json",
		TableMaxBuffered: 64 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinFetchSize <= 0 {
		c.MinFetchSize = def.MinFetchSize
	}
	if c.TableGranularity <= 0 {
		c.TableGranularity = def.TableGranularity
	}
	if c.TableFormat == "" {
		c.TableFormat = def.TableFormat
	}
	if c.TableMaxBuffered < 0 {
		c.TableMaxBuffered = 0
	}
	return c
}

// New returns the reader matching the node type in attrs.
func New(s store.Store, path string, attrs store.NodeAttributes, cfg Config) (Reader, error) {
	cfg = cfg.withDefaults()
	switch attrs.Type {
	case store.TypeFile:
		return NewFlat(s, path, attrs, cfg.MinFetchSize), nil
	case store.TypeTable:
		return NewTable(s, path, attrs, cfg), nil
	default:
		return nil, fmt.Errorf("open %s of type %s: %w", path, attrs.Type, ErrUnsupportedType)
	}
}

func checkRange(length, offset int64) error {
	if length < 0 || offset < 0 {
		return fmt.Errorf("length %d at offset %d: %w", length, offset, ErrInvalidRange)
	}
	return nil
}
