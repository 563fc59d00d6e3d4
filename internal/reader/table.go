package reader

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/logging"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/metrics"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
)

// ErrTableChanged is returned when refetching rows that were already read
// yields a different serialization.
var ErrTableChanged = errors.New("table changed while open")

// TableReader exposes the serialization of a table as a byte stream. The
// buffered window is a list of chunks, each the serialization of granularity
// rows, covering rows [lowerRow, upperRow) and bytes [lowerByte, upperByte)
// of the stream.
type TableReader struct {
	store       store.Store
	path        string
	attrs       store.NodeAttributes
	format      string
	granularity int64
	maxBuffered int64
	log         *zap.Logger

	chunks    [][]byte
	lowerRow  int64
	upperRow  int64
	lowerByte int64
	upperByte int64
}

var _ Reader = (*TableReader)(nil)

// NewTable returns a reader for the table at path.
func NewTable(s store.Store, path string, attrs store.NodeAttributes, cfg Config) *TableReader {
	cfg = cfg.withDefaults()
	return &TableReader{
		store:       s,
		path:        path,
		attrs:       attrs,
		format:      cfg.TableFormat,
		granularity: cfg.TableGranularity,
		maxBuffered: cfg.TableMaxBuffered,
		log:         logging.Named("reader").With(zap.String("path", path)),
	}
}

func (r *TableReader) Kind() Kind                       { return KindTable }
func (r *TableReader) Path() string                     { return r.path }
func (r *TableReader) Attributes() store.NodeAttributes { return r.attrs }

// Buffered returns the number of serialized bytes held by the reader.
func (r *TableReader) Buffered() int64 { return r.upperByte - r.lowerByte }

// Read implements Reader. The window grows upward until it covers
// offset+length or the table ends, then downward until it covers offset.
// Chunks fetched before a failure stay buffered.
func (r *TableReader) Read(ctx context.Context, length, offset int64) ([]byte, error) {
	if err := checkRange(length, offset); err != nil {
		return nil, err
	}
	end := offset + length

	for r.upperByte < end {
		rows := store.RowRange{Lower: r.upperRow, Upper: r.upperRow + r.granularity}
		data, err := r.fetch(ctx, rows)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			break
		}
		r.chunks = append(r.chunks, data)
		r.upperRow = rows.Upper
		r.upperByte += int64(len(data))
	}

	for r.lowerByte > offset {
		if r.lowerRow <= 0 {
			return nil, fmt.Errorf("%s: byte %d buffered at row 0: %w", r.path, r.lowerByte, ErrTableChanged)
		}
		rows := store.RowRange{Lower: max(r.lowerRow-r.granularity, 0), Upper: r.lowerRow}
		data, err := r.fetch(ctx, rows)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 || int64(len(data)) > r.lowerByte {
			return nil, fmt.Errorf("%s rows %s: %w", r.path, rows, ErrTableChanged)
		}
		r.chunks = append([][]byte{data}, r.chunks...)
		r.lowerRow = rows.Lower
		r.lowerByte -= int64(len(data))
	}

	out := r.slice(offset, length)
	r.trim(offset)
	metrics.RecordReaderServed(KindTable.String(), len(out))
	return out, nil
}

func (r *TableReader) fetch(ctx context.Context, rows store.RowRange) ([]byte, error) {
	r.log.Debug("fetching rows", zap.Stringer("rows", rows))
	data, err := r.store.ReadTable(ctx, r.path, rows, r.format)
	metrics.RecordReaderFetch(KindTable.String(), len(data), err == nil)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", store.WithRowRange(r.path, rows), err)
	}
	return data, nil
}

// slice copies the bytes [offset, offset+length) out of the chunk list,
// stopping at the end of the buffered window.
func (r *TableReader) slice(offset, length int64) []byte {
	if offset >= r.upperByte {
		return []byte{}
	}
	end := min(offset+length, r.upperByte)
	out := make([]byte, 0, end-offset)

	pos := r.lowerByte
	for _, chunk := range r.chunks {
		next := pos + int64(len(chunk))
		if next > offset && pos < end {
			from := max(offset, pos) - pos
			to := min(end, next) - pos
			out = append(out, chunk[from:to]...)
		}
		if next >= end {
			break
		}
		pos = next
	}
	return out
}

// trim drops leading chunks that lie entirely below offset while the window
// exceeds maxBuffered. Every chunk except the last holds exactly granularity
// rows, so row bounds stay exact.
func (r *TableReader) trim(offset int64) {
	if r.maxBuffered <= 0 {
		return
	}
	dropped := 0
	for len(r.chunks) > 1 && r.Buffered() > r.maxBuffered {
		first := int64(len(r.chunks[0]))
		if r.lowerByte+first > offset {
			break
		}
		r.chunks = r.chunks[1:]
		r.lowerRow += r.granularity
		r.lowerByte += first
		dropped++
	}
	if dropped > 0 {
		r.log.Debug("trimmed buffered rows",
			zap.Int("chunks", dropped),
			zap.Int64("lower_row", r.lowerRow),
			zap.Int64("lower_byte", r.lowerByte))
	}
}
