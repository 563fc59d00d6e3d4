package reader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/logging"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/metrics"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
)

// FlatReader reads a flat file through one contiguous byte window. A read
// outside the window replaces it with a single fetch of at least minFetch
// bytes.
type FlatReader struct {
	store    store.Store
	path     string
	attrs    store.NodeAttributes
	minFetch int64
	log      *zap.Logger

	buf   []byte
	start int64
}

var _ Reader = (*FlatReader)(nil)

// NewFlat returns a reader for the file at path.
func NewFlat(s store.Store, path string, attrs store.NodeAttributes, minFetch int64) *FlatReader {
	if minFetch <= 0 {
		minFetch = DefaultConfig().MinFetchSize
	}
	return &FlatReader{
		store:    s,
		path:     path,
		attrs:    attrs,
		minFetch: minFetch,
		log:      logging.Named("reader").With(zap.String("path", path)),
	}
}

func (r *FlatReader) Kind() Kind                       { return KindFile }
func (r *FlatReader) Path() string                     { return r.path }
func (r *FlatReader) Attributes() store.NodeAttributes { return r.attrs }

// Read implements Reader. It issues at most one remote fetch.
func (r *FlatReader) Read(ctx context.Context, length, offset int64) ([]byte, error) {
	if err := checkRange(length, offset); err != nil {
		return nil, err
	}

	// The node size is known from open; nothing past it needs a fetch.
	if offset >= r.attrs.Size {
		return []byte{}, nil
	}
	if remain := r.attrs.Size - offset; length > remain {
		length = remain
	}

	if !r.covers(offset, length) {
		window := max(length, r.minFetch)
		start := offset
		if offset < r.start {
			start = max(offset+length-window, 0)
		}

		r.log.Debug("fetching window",
			zap.Int64("offset", offset),
			zap.Int64("length", length),
			zap.Int64("window_start", start),
			zap.Int64("window_length", window))

		data, err := r.store.ReadFile(ctx, r.path, start, window)
		metrics.RecordReaderFetch(KindFile.String(), len(data), err == nil)
		if err != nil {
			return nil, fmt.Errorf("read %s at %d: %w", r.path, start, err)
		}
		r.buf, r.start = data, start
	}

	out := r.slice(offset, length)
	metrics.RecordReaderServed(KindFile.String(), len(out))
	return out, nil
}

func (r *FlatReader) covers(offset, length int64) bool {
	return offset >= r.start && offset+length <= r.start+int64(len(r.buf))
}

func (r *FlatReader) slice(offset, length int64) []byte {
	from := offset - r.start
	if from < 0 || from >= int64(len(r.buf)) {
		return []byte{}
	}
	to := min(from+length, int64(len(r.buf)))
	return r.buf[from:to]
}
