package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Attributes maps attribute names to JSON-decoded values.
type Attributes map[string]any

// System attribute names consulted by the filesystem adapter.
const (
	AttrType                 = "type"
	AttrRefCounter           = "ref_counter"
	AttrAccessTime           = "access_time"
	AttrModificationTime     = "modification_time"
	AttrCreationTime         = "creation_time"
	AttrUncompressedDataSize = "uncompressed_data_size"
)

// SystemAttributes is the fixed attribute set requested for stat and readdir.
var SystemAttributes = []string{
	AttrType,
	AttrRefCounter,
	AttrAccessTime,
	AttrModificationTime,
	AttrCreationTime,
	AttrUncompressedDataSize,
}

// TimeLayout is the store-native date-time format.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// NodeType is the kind of a Cypress node as seen by the adapter.
type NodeType int

const (
	TypeOther NodeType = iota
	TypeFile
	TypeTable
	TypeDirectory
)

func (t NodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeTable:
		return "table"
	case TypeDirectory:
		return "map_node"
	default:
		return "other"
	}
}

// ParseNodeType maps a store type name to a NodeType.
func ParseNodeType(s string) NodeType {
	switch s {
	case "file":
		return TypeFile
	case "table":
		return TypeTable
	case "map_node", "portal_entrance", "portal_exit":
		return TypeDirectory
	default:
		return TypeOther
	}
}

// NodeAttributes is the typed view of the system attributes of a node.
type NodeAttributes struct {
	Type       NodeType
	RefCount   int64
	AccessTime time.Time
	ModTime    time.Time
	CreateTime time.Time
	Size       int64
}

// ParseNodeAttributes extracts the system attributes from attrs. Missing
// attributes keep their zero value; malformed ones are reported.
func ParseNodeAttributes(attrs Attributes) (NodeAttributes, error) {
	var na NodeAttributes
	if s, ok := attrs[AttrType].(string); ok {
		na.Type = ParseNodeType(s)
	}

	var err error
	if na.RefCount, err = attrs.Int(AttrRefCounter); err != nil {
		return na, err
	}
	if na.Size, err = attrs.Int(AttrUncompressedDataSize); err != nil {
		return na, err
	}
	if na.AccessTime, err = attrs.Time(AttrAccessTime); err != nil {
		return na, err
	}
	if na.ModTime, err = attrs.Time(AttrModificationTime); err != nil {
		return na, err
	}
	if na.CreateTime, err = attrs.Time(AttrCreationTime); err != nil {
		return na, err
	}
	return na, nil
}

// Int returns the integer attribute name, or 0 when absent.
func (a Attributes) Int(name string) (int64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("attribute %s: unexpected %T", name, v)
	}
}

// Time returns the date-time attribute name, or the zero time when absent.
func (a Attributes) Time(name string) (time.Time, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("attribute %s: unexpected %T", name, v)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("attribute %s: %w", name, err)
	}
	return t, nil
}

// FormatTime renders t in the store-native layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
