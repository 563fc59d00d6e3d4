package reader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store/memstore"
)

func newFileStore(t *testing.T, size int) (*memstore.Store, []byte) {
	t.Helper()
	content := make([]byte, size)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	ms := memstore.New()
	ms.AddFile("//f", content)
	return ms, content
}

func newTableStore(t *testing.T, rows int) (*memstore.Store, []byte) {
	t.Helper()
	data := make([]any, rows)
	for i := range data {
		data[i] = map[string]any{"i": i, "name": "row"}
	}
	ms := memstore.New()
	require.NoError(t, ms.AddTable("//t", data))
	return ms, ms.Serialized("//t")
}

func window(full []byte, length, offset int64) []byte {
	if offset >= int64(len(full)) {
		return []byte{}
	}
	end := min(offset+length, int64(len(full)))
	return full[offset:end]
}

func fileAttrs(size int) store.NodeAttributes {
	return store.NodeAttributes{Type: store.TypeFile, Size: int64(size)}
}

func TestNew_SelectsByType(t *testing.T) {
	ms := memstore.New()

	r, err := New(ms, "//f", store.NodeAttributes{Type: store.TypeFile}, Config{})
	require.NoError(t, err)
	assert.Equal(t, KindFile, r.Kind())

	r, err = New(ms, "//t", store.NodeAttributes{Type: store.TypeTable}, Config{})
	require.NoError(t, err)
	assert.Equal(t, KindTable, r.Kind())
	assert.Equal(t, "//t", r.Path())

	_, err = New(ms, "//d", store.NodeAttributes{Type: store.TypeDirectory}, Config{})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestFlatReader_SequentialReadsShareWindow(t *testing.T) {
	ms, content := newFileStore(t, 100)
	r := NewFlat(ms, "//f", fileAttrs(len(content)), 16)
	ctx := context.Background()

	for _, off := range []int64{0, 4, 8, 12} {
		got, err := r.Read(ctx, 4, off)
		require.NoError(t, err)
		assert.Equal(t, content[off:off+4], got)
	}
	assert.Equal(t, 1, ms.Calls(memstore.OpReadFile))

	got, err := r.Read(ctx, 4, 16)
	require.NoError(t, err)
	assert.Equal(t, content[16:20], got)
	assert.Equal(t, 2, ms.Calls(memstore.OpReadFile))
}

func TestFlatReader_BackwardReadAnchorsWindowAtEnd(t *testing.T) {
	ms, content := newFileStore(t, 100)
	r := NewFlat(ms, "//f", fileAttrs(len(content)), 16)
	ctx := context.Background()

	_, err := r.Read(ctx, 4, 50)
	require.NoError(t, err)

	got, err := r.Read(ctx, 4, 40)
	require.NoError(t, err)
	assert.Equal(t, content[40:44], got)
	assert.Equal(t, int64(28), r.start)

	// Still inside [28, 44).
	got, err = r.Read(ctx, 8, 30)
	require.NoError(t, err)
	assert.Equal(t, content[30:38], got)
	assert.Equal(t, 2, ms.Calls(memstore.OpReadFile))
}

func TestFlatReader_LargeReadSingleFetch(t *testing.T) {
	ms, content := newFileStore(t, 100)
	r := NewFlat(ms, "//f", fileAttrs(len(content)), 16)

	got, err := r.Read(context.Background(), 64, 10)
	require.NoError(t, err)
	assert.Equal(t, content[10:74], got)
	assert.Equal(t, 1, ms.Calls(memstore.OpReadFile))
}

func TestFlatReader_ShortReadAtEnd(t *testing.T) {
	ms, content := newFileStore(t, 100)
	r := NewFlat(ms, "//f", fileAttrs(len(content)), 16)
	ctx := context.Background()

	got, err := r.Read(ctx, 20, 95)
	require.NoError(t, err)
	assert.Equal(t, content[95:], got)

	calls := ms.Calls(memstore.OpReadFile)
	got, err = r.Read(ctx, 10, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, calls, ms.Calls(memstore.OpReadFile), "read at EOF must not reach the store")
}

func TestFlatReader_EveryRangeMatchesContent(t *testing.T) {
	ms, content := newFileStore(t, 257)
	r := NewFlat(ms, "//f", fileAttrs(len(content)), 32)
	ctx := context.Background()

	for _, length := range []int64{0, 1, 7, 31, 33, 100} {
		for off := int64(len(content)); off >= 0; off -= 13 {
			got, err := r.Read(ctx, length, off)
			require.NoError(t, err)
			require.Equal(t, window(content, length, off), got, "read %d at %d", length, off)
		}
	}
}

func TestFlatReader_ErrorThenRecovery(t *testing.T) {
	ms, content := newFileStore(t, 100)
	r := NewFlat(ms, "//f", fileAttrs(len(content)), 16)
	ctx := context.Background()

	injected := errors.New("connection reset")
	ms.Fail(memstore.OpReadFile, "//f", injected)
	_, err := r.Read(ctx, 4, 0)
	require.ErrorIs(t, err, injected)

	ms.Fail(memstore.OpReadFile, "//f", nil)
	got, err := r.Read(ctx, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, content[:4], got)
}

func TestFlatReader_InvalidRange(t *testing.T) {
	ms, content := newFileStore(t, 10)
	r := NewFlat(ms, "//f", fileAttrs(len(content)), 16)

	_, err := r.Read(context.Background(), -1, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = r.Read(context.Background(), 1, -5)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestTableReader_SequentialReadsReassembleTable(t *testing.T) {
	ms, full := newTableStore(t, 25)
	r := NewTable(ms, "//t", store.NodeAttributes{Type: store.TypeTable}, Config{TableGranularity: 4})
	ctx := context.Background()

	var got []byte
	for off := int64(0); ; off += 7 {
		b, err := r.Read(ctx, 7, off)
		require.NoError(t, err)
		if len(b) == 0 {
			break
		}
		got = append(got, b...)
	}
	assert.Equal(t, full, got)
	// ceil(25/4) chunks, then one empty fetch for each of the two reads
	// reaching past the end.
	assert.Equal(t, 9, ms.Calls(memstore.OpReadTable))
}

func TestTableReader_BidirectionalReadsMatchSerialization(t *testing.T) {
	ms, full := newTableStore(t, 40)
	size := int64(len(full))
	r := NewTable(ms, "//t", store.NodeAttributes{Type: store.TypeTable}, Config{
		TableGranularity: 3,
		TableMaxBuffered: 64,
	})
	ctx := context.Background()

	var offsets []int64
	for off := int64(0); off <= size+10; off += 37 {
		offsets = append(offsets, off)
	}
	for i := len(offsets) - 1; i >= 0; i-- {
		offsets = append(offsets, offsets[i])
	}

	for _, off := range offsets {
		got, err := r.Read(ctx, 50, off)
		require.NoError(t, err)
		require.Equal(t, window(full, 50, off), got, "read at %d", off)
	}
}

func TestTableReader_TrimmedRowsAreRefetchedDownward(t *testing.T) {
	ms, full := newTableStore(t, 20)
	size := int64(len(full))
	r := NewTable(ms, "//t", store.NodeAttributes{Type: store.TypeTable}, Config{
		TableGranularity: 2,
		TableMaxBuffered: 1,
	})
	ctx := context.Background()

	got, err := r.Read(ctx, 5, size-5)
	require.NoError(t, err)
	assert.Equal(t, full[size-5:], got)
	assert.Len(t, r.chunks, 1, "rows below the read position should be trimmed")
	assert.Equal(t, int64(18), r.lowerRow)

	before := ms.Calls(memstore.OpReadTable)
	got, err = r.Read(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, full[:5], got)
	assert.Equal(t, before+9, ms.Calls(memstore.OpReadTable), "one fetch per trimmed chunk")
	assert.Equal(t, int64(0), r.lowerRow)
	assert.Equal(t, int64(0), r.lowerByte)
}

func TestTableReader_ReadPastEnd(t *testing.T) {
	ms, full := newTableStore(t, 5)
	r := NewTable(ms, "//t", store.NodeAttributes{Type: store.TypeTable}, Config{TableGranularity: 2})

	got, err := r.Read(context.Background(), 10, int64(len(full))+100)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(len(full)), r.upperByte)
}

func TestTableReader_EmptyTable(t *testing.T) {
	ms, _ := newTableStore(t, 0)
	r := NewTable(ms, "//t", store.NodeAttributes{Type: store.TypeTable}, Config{})

	got, err := r.Read(context.Background(), 4096, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, ms.Calls(memstore.OpReadTable))
}

func TestTableReader_ErrorKeepsFetchedChunks(t *testing.T) {
	ms, full := newTableStore(t, 10)
	r := NewTable(ms, "//t", store.NodeAttributes{Type: store.TypeTable}, Config{TableGranularity: 2})
	ctx := context.Background()

	_, err := r.Read(ctx, 10, 0)
	require.NoError(t, err)
	buffered := r.Buffered()
	upper := r.upperRow

	injected := errors.New("proxy unavailable")
	ms.Fail(memstore.OpReadTable, "//t", injected)
	_, err = r.Read(ctx, int64(len(full)), 0)
	require.ErrorIs(t, err, injected)
	assert.Equal(t, buffered, r.Buffered())
	assert.Equal(t, upper, r.upperRow)

	ms.Fail(memstore.OpReadTable, "//t", nil)
	got, err := r.Read(ctx, int64(len(full)), 0)
	require.NoError(t, err)
	assert.Equal(t, full, got)
}
