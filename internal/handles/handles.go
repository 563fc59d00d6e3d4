// Package handles maps numeric file handles to open readers.
package handles

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/metrics"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/reader"
)

// ErrInvalidHandle is returned for handles that were never allocated or
// were already released.
var ErrInvalidHandle = errors.New("invalid file handle")

// Handle identifies an open node. Zero is never allocated.
type Handle uint64

// openFile is one live handle. mu serializes reads, since the kernel may
// issue parallel READs on one handle and readers hold mutable windows.
type openFile struct {
	mu sync.Mutex
	r  reader.Reader
}

// Table holds the open readers. It is safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	next  Handle
	files map[Handle]*openFile
}

// New returns an empty table.
func New() *Table {
	return &Table{
		next:  1,
		files: make(map[Handle]*openFile),
	}
}

// Allocate registers r and returns a handle unique among live handles.
func (t *Table) Allocate(r reader.Reader) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.next
	t.next++
	t.files[h] = &openFile{r: r}
	metrics.SetOpenHandles(len(t.files))
	return h
}

// Get returns the reader of h. Reading through the returned reader bypasses
// the per-handle lock; use Read for that.
func (t *Table) Get(h Handle) (reader.Reader, error) {
	f, err := t.lookup(h)
	if err != nil {
		return nil, err
	}
	return f.r, nil
}

// Read reads from the reader of h. Reads on one handle run one at a time;
// reads on different handles do not block each other.
func (t *Table) Read(ctx context.Context, h Handle, length, offset int64) ([]byte, error) {
	f, err := t.lookup(h)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.r.Read(ctx, length, offset)
}

func (t *Table) lookup(h Handle) (*openFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, ErrInvalidHandle)
	}
	return f, nil
}

// Release drops h. Its reader and buffers become unreachable.
func (t *Table) Release(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.files[h]; !ok {
		return fmt.Errorf("handle %d: %w", h, ErrInvalidHandle)
	}
	delete(t.files, h)
	metrics.SetOpenHandles(len(t.files))
	return nil
}

// FindByPath returns the reader of any live handle open on path.
func (t *Table) FindByPath(path string) (reader.Reader, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range t.files {
		if f.r.Path() == path {
			return f.r, true
		}
	}
	return nil, false
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
