package adapter

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/attrcache"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/handles"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/reader"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store/memstore"
)

func newTestFS(t *testing.T, cfg Config) (*FS, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	ms.AddFile("//a.txt", []byte("hello"))
	require.NoError(t, ms.AddTable("//t", []any{
		map[string]int{"x": 1},
		map[string]int{"x": 2},
		map[string]int{"x": 3},
	}))
	ms.AddDir("//dir")
	ms.AddNode("//link", "link")
	require.NoError(t, ms.SetAttribute("//a.txt", "owner", "alice"))

	if cfg.Reader.TableGranularity == 0 {
		cfg.Reader = reader.Config{MinFetchSize: 4, TableGranularity: 1}
	}
	return New(ms, cfg), ms
}

func TestFS_EndToEnd(t *testing.T) {
	fsys, ms := newTestFS(t, Config{})
	ctx := context.Background()

	st, errno := fsys.Getattr(ctx, "/a.txt")
	require.Zero(t, errno)
	assert.Equal(t, uint32(syscall.S_IFREG|0o444), st.Mode)
	assert.Equal(t, int64(5), st.Size)
	assert.Equal(t, uint32(1), st.Nlink)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), st.Mtime.UTC())

	h, flags, errno := fsys.Open(ctx, "/a.txt", unix.O_RDONLY)
	require.Zero(t, errno)
	assert.Zero(t, flags&OpenDirectIO)

	data, errno := fsys.Read(ctx, h, 5, 0)
	require.Zero(t, errno)
	assert.Equal(t, "hello", string(data))

	data, errno = fsys.Read(ctx, h, 10, 2)
	require.Zero(t, errno)
	assert.Equal(t, "llo", string(data))

	g, flags, errno := fsys.Open(ctx, "/t", unix.O_RDONLY)
	require.Zero(t, errno)
	assert.NotEqual(t, h, g)
	assert.NotZero(t, flags&OpenDirectIO)

	first, errno := fsys.Read(ctx, g, 5, 0)
	require.Zero(t, errno)
	rest, errno := fsys.Read(ctx, g, 4096, int64(len(first)))
	require.Zero(t, errno)
	assert.Equal(t, ms.Serialized("//t"), append(first, rest...))
	assert.Equal(t, `{"x":1}`+"\n"+`{"x":2}`+"\n"+`{"x":3}`+"\n", string(ms.Serialized("//t")))

	require.Zero(t, fsys.Release(ctx, h))
	require.Zero(t, fsys.Release(ctx, g))
	assert.Zero(t, fsys.OpenHandles())
}

func TestFS_GetattrModes(t *testing.T) {
	fsys, _ := newTestFS(t, Config{})
	ctx := context.Background()

	st, errno := fsys.Getattr(ctx, "/")
	require.Zero(t, errno)
	assert.Equal(t, uint32(syscall.S_IFDIR|0o555), st.Mode)

	st, errno = fsys.Getattr(ctx, "/t")
	require.Zero(t, errno)
	assert.Equal(t, uint32(syscall.S_IFREG|0o444), st.Mode)
	assert.Zero(t, st.Size, "tables report size zero")

	_, errno = fsys.Getattr(ctx, "/link")
	assert.Equal(t, syscall.ENOTSUP, errno)

	_, errno = fsys.Getattr(ctx, "/missing")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestFS_RemoteFailureMapsToENOENT(t *testing.T) {
	fsys, ms := newTestFS(t, Config{})
	ms.Fail(memstore.OpGetAttributes, "//a.txt", errors.New("connection refused"))

	_, errno := fsys.Getattr(context.Background(), "/a.txt")
	assert.Equal(t, syscall.ENOENT, errno)

	_, _, errno = fsys.Open(context.Background(), "/a.txt", unix.O_RDONLY)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestFS_Readdir(t *testing.T) {
	fsys, ms := newTestFS(t, Config{})
	ctx := context.Background()

	entries, errno := fsys.Readdir(ctx, "/")
	require.Zero(t, errno)

	modes := make(map[string]uint32)
	for _, e := range entries {
		modes[e.Name] = e.Mode
	}
	assert.Equal(t, map[string]uint32{
		"a.txt": syscall.S_IFREG | 0o444,
		"dir":   syscall.S_IFDIR | 0o555,
		"link":  0,
		"t":     syscall.S_IFREG | 0o444,
	}, modes)

	// Stat after listing is served from the cache.
	_, errno = fsys.Getattr(ctx, "/dir")
	require.Zero(t, errno)
	assert.Zero(t, ms.Calls(memstore.OpGetAttributes))

	_, errno = fsys.Readdir(ctx, "/nowhere")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestFS_OpenErrors(t *testing.T) {
	fsys, _ := newTestFS(t, Config{})
	ctx := context.Background()

	_, _, errno := fsys.Open(ctx, "/a.txt", unix.O_WRONLY)
	assert.Equal(t, syscall.EROFS, errno)
	_, _, errno = fsys.Open(ctx, "/a.txt", unix.O_RDWR)
	assert.Equal(t, syscall.EROFS, errno)

	_, _, errno = fsys.Open(ctx, "/dir", unix.O_RDONLY)
	assert.Equal(t, syscall.EINVAL, errno)

	_, _, errno = fsys.Open(ctx, "/missing", unix.O_RDONLY)
	assert.Equal(t, syscall.ENOENT, errno)
	assert.Zero(t, fsys.OpenHandles())
}

func TestFS_ReleasedHandleIsInvalid(t *testing.T) {
	fsys, _ := newTestFS(t, Config{})
	ctx := context.Background()

	h, _, errno := fsys.Open(ctx, "/a.txt", unix.O_RDONLY)
	require.Zero(t, errno)
	require.Zero(t, fsys.Release(ctx, h))

	_, errno = fsys.Read(ctx, h, 1, 0)
	assert.Equal(t, syscall.EBADF, errno)
	assert.Equal(t, syscall.EBADF, fsys.Release(ctx, h))
	assert.Equal(t, syscall.EBADF, fsys.Release(ctx, handles.Handle(9999)))
}

func TestFS_GetattrUsesOpenHandle(t *testing.T) {
	fsys, ms := newTestFS(t, Config{Cache: attrcache.Config{MaxAge: time.Nanosecond}})
	ctx := context.Background()

	h, _, errno := fsys.Open(ctx, "/a.txt", unix.O_RDONLY)
	require.Zero(t, errno)

	time.Sleep(time.Millisecond)
	ms.Fail(memstore.OpGetAttributes, "//a.txt", errors.New("proxy unavailable"))

	st, errno := fsys.Getattr(ctx, "/a.txt")
	require.Zero(t, errno)
	assert.Equal(t, int64(5), st.Size)

	require.Zero(t, fsys.Release(ctx, h))
	_, errno = fsys.Getattr(ctx, "/a.txt")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestFS_Xattr(t *testing.T) {
	fsys, _ := newTestFS(t, Config{})
	ctx := context.Background()

	names, errno := fsys.Listxattr(ctx, "/a.txt")
	require.Zero(t, errno)
	assert.Contains(t, names, "user.type")
	assert.Contains(t, names, "user.owner")

	v, errno := fsys.Getxattr(ctx, "/a.txt", "user.owner")
	require.Zero(t, errno)
	assert.Equal(t, "alice", string(v))

	v, errno = fsys.Getxattr(ctx, "/a.txt", "user.ref_counter")
	require.Zero(t, errno)
	assert.Equal(t, "1", string(v))

	_, errno = fsys.Getxattr(ctx, "/a.txt", "user.compression_codec")
	assert.Equal(t, unix.ENODATA, errno)

	_, errno = fsys.Getxattr(ctx, "/a.txt", "owner")
	assert.Equal(t, unix.ENODATA, errno)

	_, errno = fsys.Getxattr(ctx, "/missing", "user.type")
	assert.Equal(t, unix.ENODATA, errno)

	_, errno = fsys.Listxattr(ctx, "/missing")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestFS_ConcurrentOpensGetDistinctHandles(t *testing.T) {
	fsys, _ := newTestFS(t, Config{})
	const workers = 32

	var wg sync.WaitGroup
	results := make(chan handles.Handle, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, _, errno := fsys.Open(context.Background(), "/a.txt", unix.O_RDONLY)
			if errno != 0 {
				t.Errorf("Open: %v", errno)
				return
			}
			results <- h
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[handles.Handle]bool)
	for h := range results {
		assert.False(t, seen[h], "handle %d allocated twice", h)
		seen[h] = true
	}
	assert.Len(t, seen, workers)
}

func TestFS_ConcurrentReadsOnOneTableHandle(t *testing.T) {
	ms := memstore.New()
	rows := make([]any, 40)
	for i := range rows {
		rows[i] = map[string]int{"x": i}
	}
	require.NoError(t, ms.AddTable("//big", rows))
	fsys := New(ms, Config{Reader: reader.Config{
		MinFetchSize:     4,
		TableGranularity: 3,
		TableMaxBuffered: 64,
	}})
	want := ms.Serialized("//big")
	ctx := context.Background()

	h, _, errno := fsys.Open(ctx, "/big", unix.O_RDONLY)
	require.Zero(t, errno)

	const workers, length = 16, 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			off := int64((workers - 1 - i) * len(want) / workers)
			data, errno := fsys.Read(ctx, h, length, off)
			if errno != 0 {
				t.Errorf("Read at %d: %v", off, errno)
				return
			}
			end := min(off+length, int64(len(want)))
			assert.Equal(t, string(want[off:end]), string(data), "offset %d", off)
		}(i)
	}
	wg.Wait()

	require.Zero(t, fsys.Release(ctx, h))
}
