// Package adapter implements the read-only filesystem operations of a ytfs
// mount over a remote Cypress tree.
//
// Operations take POSIX paths relative to the mount root and return a Go
// value plus a syscall.Errno. Failures from the remote store surface as
// ENOENT; extended attribute lookups surface them as ENODATA instead.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/attrcache"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/handles"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/logging"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/metrics"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/reader"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
)

// XattrPrefix is the namespace under which node attributes are exposed as
// extended attributes.
const XattrPrefix = "user."

const (
	fileMode = syscall.S_IFREG | 0o444
	dirMode  = syscall.S_IFDIR | 0o555
)

// OpenFlags are hints returned by Open for the transport.
type OpenFlags uint32

const (
	// OpenDirectIO tells the transport not to assume the reported size
	// bounds the content. Tables report size zero.
	OpenDirectIO OpenFlags = 1 << iota
)

// Stat is the POSIX view of a node.
type Stat struct {
	Mode  uint32
	Size  int64
	Nlink uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	Mode uint32
}

// Config holds adapter settings.
type Config struct {
	Cache  attrcache.Config
	Reader reader.Config
}

// FS is the filesystem adapter. It owns the attribute cache and the handle
// table and is safe for concurrent use.
type FS struct {
	store   store.Store
	cache   *attrcache.Cache
	handles *handles.Table
	cfg     Config
	log     *zap.Logger
}

// New creates an adapter over s.
func New(s store.Store, cfg Config) *FS {
	return &FS{
		store:   s,
		cache:   attrcache.New(s, cfg.Cache),
		handles: handles.New(),
		cfg:     cfg,
		log:     logging.Named("adapter"),
	}
}

// CacheStats returns the attribute cache counters.
func (f *FS) CacheStats() attrcache.Stats {
	return f.cache.Stats()
}

// OpenHandles returns the number of live handles.
func (f *FS) OpenHandles() int {
	return f.handles.Len()
}

// Getattr returns the stat record of path. Nodes with an open handle are
// answered from the attributes captured at open.
func (f *FS) Getattr(ctx context.Context, path string) (st Stat, errno syscall.Errno) {
	remote := store.Resolve(path)
	done := f.begin("getattr", zap.String("path", remote))
	defer func() { done(errno) }()

	if r, ok := f.handles.FindByPath(remote); ok {
		return statOf(r.Attributes())
	}

	attrs, err := f.cache.GetAttributes(ctx, remote, store.SystemAttributes)
	if err != nil {
		return Stat{}, f.errno(err)
	}
	na, err := store.ParseNodeAttributes(attrs)
	if err != nil {
		return Stat{}, f.errno(err)
	}
	return statOf(na)
}

// Readdir returns the children of the directory at path.
func (f *FS) Readdir(ctx context.Context, path string) (entries []DirEntry, errno syscall.Errno) {
	remote := store.Resolve(path)
	done := f.begin("readdir", zap.String("path", remote))
	defer func() { done(errno) }()

	children, err := f.cache.ListChildren(ctx, remote, store.SystemAttributes)
	if err != nil {
		return nil, f.errno(err)
	}

	entries = make([]DirEntry, 0, len(children))
	for _, child := range children {
		var mode uint32
		if na, err := store.ParseNodeAttributes(child.Attributes); err == nil {
			mode, _ = modeOf(na.Type)
		}
		entries = append(entries, DirEntry{Name: child.Name, Mode: mode})
	}
	return entries, 0
}

// Open opens the file or table at path for reading.
func (f *FS) Open(ctx context.Context, path string, flags uint32) (h handles.Handle, oflags OpenFlags, errno syscall.Errno) {
	remote := store.Resolve(path)
	done := f.begin("open", zap.String("path", remote), zap.Uint32("flags", flags))
	defer func() { done(errno) }()

	if flags&unix.O_ACCMODE != unix.O_RDONLY {
		return 0, 0, syscall.EROFS
	}

	attrs, err := f.cache.GetAttributes(ctx, remote, store.SystemAttributes)
	if err != nil {
		return 0, 0, f.errno(err)
	}
	na, err := store.ParseNodeAttributes(attrs)
	if err != nil {
		return 0, 0, f.errno(err)
	}

	r, err := reader.New(f.store, remote, na, f.cfg.Reader)
	if err != nil {
		return 0, 0, f.errno(err)
	}
	if r.Kind() == reader.KindTable {
		oflags |= OpenDirectIO
	}

	h = f.handles.Allocate(r)
	f.log.Debug("opened",
		zap.String("path", remote),
		zap.Uint64("handle", uint64(h)),
		zap.Stringer("kind", r.Kind()))
	return h, oflags, 0
}

// Read reads up to length bytes at offset from the node open under h.
func (f *FS) Read(ctx context.Context, h handles.Handle, length, offset int64) (data []byte, errno syscall.Errno) {
	done := f.begin("read",
		zap.Uint64("handle", uint64(h)),
		zap.Int64("length", length),
		zap.Int64("offset", offset))
	defer func() { done(errno) }()

	data, err := f.handles.Read(ctx, h, length, offset)
	if err != nil {
		return nil, f.errno(err)
	}
	return data, 0
}

// Release closes h.
func (f *FS) Release(ctx context.Context, h handles.Handle) (errno syscall.Errno) {
	done := f.begin("release", zap.Uint64("handle", uint64(h)))
	defer func() { done(errno) }()

	if err := f.handles.Release(h); err != nil {
		return f.errno(err)
	}
	return 0
}

// Listxattr returns the extended attribute names of path.
func (f *FS) Listxattr(ctx context.Context, path string) (names []string, errno syscall.Errno) {
	remote := store.Resolve(path)
	done := f.begin("listxattr", zap.String("path", remote))
	defer func() { done(errno) }()

	attrNames, err := f.cache.AttributeNames(ctx, remote)
	if err != nil {
		return nil, f.errno(err)
	}
	names = make([]string, len(attrNames))
	for i, name := range attrNames {
		names[i] = XattrPrefix + name
	}
	return names, 0
}

// Getxattr returns the value of the extended attribute name of path.
// String attributes are returned verbatim; others are JSON-encoded.
func (f *FS) Getxattr(ctx context.Context, path, name string) (value []byte, errno syscall.Errno) {
	remote := store.Resolve(path)
	done := f.begin("getxattr", zap.String("path", remote), zap.String("name", name))
	defer func() { done(errno) }()

	attr, ok := strings.CutPrefix(name, XattrPrefix)
	if !ok || attr == "" {
		return nil, unix.ENODATA
	}

	attrs, err := f.cache.GetAttributes(ctx, remote, []string{attr})
	if err != nil {
		f.log.Debug("attribute lookup failed", zap.String("path", remote), zap.Error(err))
		return nil, unix.ENODATA
	}
	v, ok := attrs[attr]
	if !ok {
		return nil, unix.ENODATA
	}

	if s, ok := v.(string); ok {
		return []byte(s), 0
	}
	value, err = json.Marshal(v)
	if err != nil {
		f.log.Error("encoding attribute", zap.String("path", remote), zap.String("attr", attr), zap.Error(err))
		return nil, syscall.EIO
	}
	return value, 0
}

// begin logs the start of op and returns the function logging its end.
func (f *FS) begin(op string, fields ...zap.Field) func(syscall.Errno) {
	start := time.Now()
	f.log.Debug(op, fields...)
	return func(errno syscall.Errno) {
		elapsed := time.Since(start)
		name := errnoName(errno)
		metrics.RecordFSOperation(op, name, elapsed)
		f.log.Debug(op+" done", append(fields,
			zap.String("errno", name),
			zap.Duration("elapsed", elapsed))...)
	}
}

// errno maps an operation failure to its POSIX code.
func (f *FS) errno(err error) syscall.Errno {
	switch {
	case errors.Is(err, handles.ErrInvalidHandle):
		f.log.Error("invalid handle", zap.Error(err))
		return syscall.EBADF
	case errors.Is(err, reader.ErrUnsupportedType), errors.Is(err, reader.ErrInvalidRange):
		f.log.Debug("invalid argument", zap.Error(err))
		return syscall.EINVAL
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, reader.ErrTableChanged):
		f.log.Warn("table changed under an open handle", zap.Error(err))
		return syscall.EIO
	case errors.Is(err, store.ErrNotFound):
		f.log.Debug("remote node missing", zap.Error(err))
		return syscall.ENOENT
	default:
		f.log.Warn("remote failure", zap.Error(err))
		return syscall.ENOENT
	}
}

func statOf(na store.NodeAttributes) (Stat, syscall.Errno) {
	mode, ok := modeOf(na.Type)
	if !ok {
		return Stat{}, syscall.ENOTSUP
	}
	st := Stat{
		Mode:  mode,
		Nlink: uint32(max(na.RefCount, 1)),
		Atime: na.AccessTime,
		Mtime: na.ModTime,
		Ctime: na.CreateTime,
	}
	if na.Type == store.TypeFile {
		st.Size = na.Size
	}
	return st, 0
}

// modeOf reports false for node types ytfs cannot represent.
func modeOf(t store.NodeType) (uint32, bool) {
	switch t {
	case store.TypeFile, store.TypeTable:
		return fileMode, true
	case store.TypeDirectory:
		return dirMode, true
	default:
		return 0, false
	}
}

func errnoName(errno syscall.Errno) string {
	if errno == 0 {
		return "OK"
	}
	if name := unix.ErrnoName(errno); name != "" {
		return name
	}
	return errno.Error()
}
