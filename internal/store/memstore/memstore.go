// Package memstore provides an in-memory Cypress tree implementing store.Store.
// It backs the tests and the --store=memory demo mode.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
)

// Operation names used for call counting and failure injection.
const (
	OpGetAttributes = "get_attributes"
	OpList          = "list"
	OpReadFile      = "read_file"
	OpReadTable     = "read_table"
)

type node struct {
	typ      string
	attrs    store.Attributes
	content  []byte
	rows     [][]byte
	children map[string]*node
}

// Store is an in-memory tree. The zero value is not usable; call New.
type Store struct {
	mu       sync.RWMutex
	root     *node
	now      time.Time
	calls    map[string]int
	failures map[string]error
	hook     func(op, path string)
}

var _ store.Store = (*Store)(nil)

// New returns a store holding only the root directory.
func New() *Store {
	s := &Store{
		now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
	s.root = s.newNode("map_node")
	return s
}

func (s *Store) newNode(typ string) *node {
	ts := store.FormatTime(s.now)
	n := &node{
		typ: typ,
		attrs: store.Attributes{
			store.AttrRefCounter:       int64(1),
			store.AttrAccessTime:       ts,
			store.AttrModificationTime: ts,
			store.AttrCreationTime:     ts,
		},
	}
	if typ == "map_node" {
		n.children = make(map[string]*node)
	}
	return n
}

// AddDir creates a directory at path along with its missing parents.
func (s *Store) AddDir(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDir(path)
}

// AddFile creates a flat file at path.
func (s *Store) AddFile(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.newNode("file")
	n.content = content
	s.attach(path, n)
}

// AddTable creates a table at path; every row is serialized as one JSON line.
func (s *Store) AddTable(path string, rows []any) error {
	lines := make([][]byte, 0, len(rows))
	for i, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row %d: %w", i, err)
		}
		lines = append(lines, append(b, '\n'))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.newNode("table")
	n.rows = lines
	s.attach(path, n)
	return nil
}

// AddNode creates a node of an arbitrary store type, e.g. "link" or "document".
func (s *Store) AddNode(path, typ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attach(path, s.newNode(typ))
}

// SetAttribute sets a user attribute on the node at path.
func (s *Store) SetAttribute(path, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(path)
	if n == nil {
		return store.NotFound(path)
	}
	n.attrs[name] = value
	return nil
}

// Fail makes every call of op on path fail with err until cleared with a nil err.
func (s *Store) Fail(op, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + " " + path
	if err == nil {
		delete(s.failures, key)
		return
	}
	s.failures[key] = err
}

// OnCall installs a hook run at the start of every call, outside the lock.
func (s *Store) OnCall(hook func(op, path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (s *Store) TotalCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// ResetCalls clears the call counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *Store) begin(op, path string) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hook
	err := s.failures[op+" "+path]
	s.mu.Unlock()

	if hook != nil {
		hook(op, path)
	}
	return err
}

// GetAttributes implements store.Store.
func (s *Store) GetAttributes(ctx context.Context, path string, attrs []string) (store.Attributes, error) {
	if err := s.begin(OpGetAttributes, path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.lookup(path)
	if n == nil {
		return nil, store.NotFound(path)
	}
	return n.attributes(attrs), nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, path string, attrs []string) ([]store.Child, error) {
	if err := s.begin(OpList, path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.lookup(path)
	if n == nil {
		return nil, store.NotFound(path)
	}
	if n.children == nil {
		return nil, &store.Error{Code: 1, Message: "cannot list a node of type " + n.typ, Path: path}
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	children := make([]store.Child, 0, len(names))
	for _, name := range names {
		children = append(children, store.Child{
			Name:       name,
			Attributes: n.children[name].attributes(attrs),
		})
	}
	return children, nil
}

// ReadFile implements store.Store.
func (s *Store) ReadFile(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	if err := s.begin(OpReadFile, path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.lookup(path)
	if n == nil {
		return nil, store.NotFound(path)
	}
	if n.typ != "file" {
		return nil, &store.Error{Code: 1, Message: "not a file", Path: path}
	}

	size := int64(len(n.content))
	if offset >= size {
		return []byte{}, nil
	}
	end := offset + length
	if end > size {
		end = size
	}
	out := make([]byte, end-offset)
	copy(out, n.content[offset:end])
	return out, nil
}

// ReadTable implements store.Store. Only the json format is supported.
func (s *Store) ReadTable(ctx context.Context, path string, rows store.RowRange, format string) ([]byte, error) {
	if err := s.begin(OpReadTable, path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format != "json" {
		return nil, &store.Error{Code: 1, Message: "unsupported format " + format, Path: path}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.lookup(path)
	if n == nil {
		return nil, store.NotFound(path)
	}
	if n.typ != "table" {
		return nil, &store.Error{Code: 1, Message: "not a table", Path: path}
	}

	lo, hi := clampRows(rows, int64(len(n.rows)))
	var out []byte
	for _, line := range n.rows[lo:hi] {
		out = append(out, line...)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Serialized returns the full serialization of the table at path.
func (s *Store) Serialized(path string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.lookup(path)
	if n == nil {
		return nil
	}
	var out []byte
	for _, line := range n.rows {
		out = append(out, line...)
	}
	return out
}

func clampRows(r store.RowRange, count int64) (int64, int64) {
	lo, hi := r.Lower, r.Upper
	if lo < 0 {
		lo = 0
	}
	if hi > count {
		hi = count
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

func (n *node) attributes(attrs []string) store.Attributes {
	all := make(store.Attributes, len(n.attrs)+2)
	for k, v := range n.attrs {
		all[k] = v
	}
	all[store.AttrType] = n.typ
	switch n.typ {
	case "file":
		all[store.AttrUncompressedDataSize] = int64(len(n.content))
	case "table":
		var size int64
		for _, line := range n.rows {
			size += int64(len(line))
		}
		all[store.AttrUncompressedDataSize] = size
		all["row_count"] = int64(len(n.rows))
	}

	if attrs == nil {
		return all
	}
	out := make(store.Attributes, len(attrs))
	for _, name := range attrs {
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	return out
}

func (s *Store) lookup(path string) *node {
	if path == store.Root {
		return s.root
	}
	parent, name := store.Split(path)
	if name == "" {
		return nil
	}
	dir := s.lookup(parent)
	if dir == nil || dir.children == nil {
		return nil
	}
	return dir.children[name]
}

// ensureDir must be called with s.mu held.
func (s *Store) ensureDir(path string) *node {
	if path == store.Root {
		return s.root
	}
	parent, name := store.Split(path)
	dir := s.ensureDir(parent)
	if child, ok := dir.children[name]; ok {
		return child
	}
	child := s.newNode("map_node")
	dir.children[name] = child
	return child
}

// attach must be called with s.mu held.
func (s *Store) attach(path string, n *node) {
	parent, name := store.Split(path)
	dir := s.ensureDir(parent)
	dir.children[name] = n
}
