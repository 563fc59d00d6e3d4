// Package fuse binds the ytfs adapter to the kernel through go-fuse.
package fuse

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/adapter"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/handles"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/logging"
)

// Config holds mount options.
type Config struct {
	AllowOther   bool
	Debug        bool
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

// Node is a path-addressed inode. All lookups go through the adapter, so
// nodes hold nothing but their mount-relative path.
type Node struct {
	fs.Inode

	fsys *adapter.FS
	path string
}

// FileHandle wraps an adapter handle.
type FileHandle struct {
	fsys   *adapter.FS
	handle handles.Handle
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)
var _ fs.FileReader = (*FileHandle)(nil)
var _ fs.FileReleaser = (*FileHandle)(nil)

// NewRoot returns the root node of a mount over fsys.
func NewRoot(fsys *adapter.FS) *Node {
	return &Node{fsys: fsys, path: "/"}
}

// Mount mounts fsys read-only at mountPoint.
func Mount(mountPoint string, fsys *adapter.FS, cfg Config) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: cfg.AllowOther,
			Debug:      cfg.Debug,
			FsName:     "ytfs",
			Name:       "ytfs",
			Options:    []string{"ro"},
		},
		AttrTimeout:  &cfg.AttrTimeout,
		EntryTimeout: &cfg.EntryTimeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, NewRoot(fsys), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	logging.Info("mounted", logging.String("mountpoint", mountPoint))
	return server, nil
}

// Getattr fills out from the adapter's stat record.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	st, errno := n.fsys.Getattr(ctx, n.path)
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, st)
	return 0
}

// Lookup resolves a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := childPath(n.path, name)
	st, errno := n.fsys.Getattr(ctx, p)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&out.Attr, st)

	child := &Node{fsys: n.fsys, path: p}
	stable := fs.StableAttr{Mode: st.Mode & syscall.S_IFMT}
	return n.NewInode(ctx, child, stable), 0
}

// Readdir lists the directory.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, errno := n.fsys.Readdir(ctx, n.path)
	if errno != 0 {
		return nil, errno
	}

	out := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, gofuse.DirEntry{
			Name: e.Name,
			Mode: e.Mode & syscall.S_IFMT,
		})
	}
	return fs.NewListDirStream(out), 0
}

// Open opens the node for reading.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, oflags, errno := n.fsys.Open(ctx, n.path, flags)
	if errno != 0 {
		return nil, 0, errno
	}

	var fuseFlags uint32
	if oflags&adapter.OpenDirectIO != 0 {
		fuseFlags |= gofuse.FOPEN_DIRECT_IO
	}
	return &FileHandle{fsys: n.fsys, handle: h}, fuseFlags, 0
}

// Getxattr returns an extended attribute value.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, errno := n.fsys.Getxattr(ctx, n.path, attr)
	if errno != 0 {
		return 0, errno
	}
	return copyXattr(dest, value)
}

// Listxattr lists extended attribute names.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, errno := n.fsys.Listxattr(ctx, n.path)
	if errno != 0 {
		return 0, errno
	}
	return copyXattr(dest, joinXattrNames(names))
}

// Read reads from the open handle.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, errno := fh.fsys.Read(ctx, fh.handle, int64(len(dest)), off)
	if errno != 0 {
		return nil, errno
	}
	return gofuse.ReadResultData(data), 0
}

// Release closes the handle.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	return fh.fsys.Release(ctx, fh.handle)
}

func fillAttr(out *gofuse.Attr, st adapter.Stat) {
	out.Mode = st.Mode
	out.Size = uint64(st.Size)
	out.Nlink = st.Nlink
	out.SetTimes(&st.Atime, &st.Mtime, &st.Ctime)
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// copyXattr implements the size-probe protocol: an empty dest asks for the
// value length.
func copyXattr(dest, value []byte) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// joinXattrNames encodes names as a NUL-terminated list.
func joinXattrNames(names []string) []byte {
	var total int
	for _, name := range names {
		total += len(name) + 1
	}
	out := make([]byte, 0, total)
	for _, name := range names {
		out = append(out, name...)
		out = append(out, 0)
	}
	return out
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
