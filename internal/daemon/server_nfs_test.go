package daemon

import (
	"context"
	"io"
	"net"
	"os"
	"sort"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nfsfile "github.com/willscott/go-nfs/file"

	"deskvfs/internal/mount"
	"deskvfs/internal/transport"
	"deskvfs/internal/transport/localfs"
	"deskvfs/internal/vfs"
)

func newAdapter(t *testing.T) (*BillyAdapter, *vfs.VFS) {
	t.Helper()
	fs, err := localfs.New(transport.Env{Mount: "home", Scheme: "home"}, localfs.Options{Store: "memory"})
	require.NoError(t, err)
	mgr := mount.NewManager(nil)
	_, err = mgr.AddTransport(context.Background(), mount.Config{Name: "home", Scheme: "home", Transport: localfs.Name}, fs, mount.AddOptions{MountNow: true})
	require.NoError(t, err)
	v := vfs.New(mgr)
	return NewBillyAdapter(v, "home:///"), v
}

var _ billy.Filesystem = (*BillyAdapter)(nil)
var _ billy.Change = (*BillyAdapter)(nil)

func TestBillyCreateWriteRead(t *testing.T) {
	t.Parallel()
	b, v := newAdapter(t)

	require.NoError(t, util.WriteFile(b, "/notes.txt", []byte("hello"), 0o644))

	p, err := v.Read(context.Background(), vfs.Ref("home:///notes.txt"), vfs.ReadOptions{})
	require.NoError(t, err)
	data, err := p.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	got, err := util.ReadFile(b, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	fi, err := b.Stat("/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", fi.Name())
	assert.Equal(t, int64(5), fi.Size())
	assert.False(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0o644), fi.Mode())
}

func TestBillyPartialWritesAndTruncate(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)
	require.NoError(t, util.WriteFile(b, "/f.bin", []byte("abcdef"), 0o644))

	f, err := b.OpenFile("/f.bin", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.Seek(2, io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write([]byte("XY"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := f.ReadAt(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, "bXY", string(buf[:n]))

	require.NoError(t, f.Truncate(4))
	end, err := f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(4), end)
	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Close(), os.ErrClosed)

	got, err := util.ReadFile(b, "/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "abXY", string(got))

	f, err = b.OpenFile("/f.bin", os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("!"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	got, err = util.ReadFile(b, "/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "abXY!", string(got))
}

func TestBillyOpenFlags(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)

	_, err := b.Open("/missing")
	assert.True(t, os.IsNotExist(err), "got %v", err)

	f, err := b.Create("/new.txt")
	require.NoError(t, err)
	_, err = b.Stat("/new.txt")
	require.NoError(t, err, "created files are visible before close")
	require.NoError(t, f.Close())

	_, err = b.OpenFile("/new.txt", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	assert.True(t, os.IsExist(err), "got %v", err)

	ro, err := b.Open("/new.txt")
	require.NoError(t, err)
	_, err = ro.Write([]byte("x"))
	assert.True(t, os.IsPermission(err), "got %v", err)
	require.NoError(t, ro.Close())

	require.NoError(t, b.MkdirAll("/dir", 0o755))
	_, err = b.Open("/dir")
	assert.Error(t, err)
}

func TestBillyDirectories(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)

	require.NoError(t, b.MkdirAll("/a/b/c", 0o755))
	require.NoError(t, b.MkdirAll("/a/b", 0o755))
	require.NoError(t, util.WriteFile(b, "/a/one.txt", []byte("1"), 0o644))

	root, err := b.Stat("/")
	require.NoError(t, err)
	assert.True(t, root.IsDir())

	list, err := b.ReadDir("/a")
	require.NoError(t, err)
	var names []string
	for _, fi := range list {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"b", "one.txt"}, names)

	fi, err := b.Stat("/a/b")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, os.ModeDir|0o755, fi.Mode())

	err = b.Remove("/a/b")
	assert.Error(t, err, "non-empty directories are kept")
	require.NoError(t, b.Remove("/a/b/c"))
	require.NoError(t, b.Remove("/a/b"))
	_, err = b.Stat("/a/b")
	assert.True(t, os.IsNotExist(err))
}

func TestBillyRename(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)
	require.NoError(t, util.WriteFile(b, "/x.txt", []byte("x"), 0o644))
	require.NoError(t, util.WriteFile(b, "/y.txt", []byte("y"), 0o644))

	require.NoError(t, b.Rename("/x.txt", "/y.txt"))
	got, err := util.ReadFile(b, "/y.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
	_, err = b.Stat("/x.txt")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, b.MkdirAll("/d", 0o755))
	require.NoError(t, util.WriteFile(b, "/d/in.txt", []byte("in"), 0o644))
	require.NoError(t, b.Rename("/d", "/e"))
	got, err = util.ReadFile(b, "/e/in.txt")
	require.NoError(t, err)
	assert.Equal(t, "in", string(got))

	assert.True(t, os.IsNotExist(b.Rename("/nope", "/z")))
}

func TestBillyUnsupported(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)
	assert.ErrorIs(t, b.Symlink("/a", "/b"), billy.ErrNotSupported)
	_, err := b.Readlink("/a")
	assert.ErrorIs(t, err, billy.ErrNotSupported)
	_, err = b.TempFile("/", "tmp")
	assert.ErrorIs(t, err, billy.ErrNotSupported)
	_, err = b.Chroot("/a")
	assert.ErrorIs(t, err, billy.ErrNotSupported)
	assert.Equal(t, "home:///", b.Root())
	assert.NoError(t, b.Chmod("/a", 0o600))
}

func TestBillyFileInfoSys(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)
	require.NoError(t, util.WriteFile(b, "/a.txt", []byte("a"), 0o644))
	require.NoError(t, util.WriteFile(b, "/b.txt", []byte("b"), 0o644))

	ids := map[uint64]string{}
	for _, name := range []string{"/", "/a.txt", "/b.txt"} {
		fi, err := b.Stat(name)
		require.NoError(t, err)
		sys, ok := fi.Sys().(*nfsfile.FileInfo)
		require.True(t, ok, "go-nfs needs *file.FileInfo")
		assert.Equal(t, uint32(1), sys.Nlink)
		assert.Equal(t, uint32(os.Getuid()), sys.UID)
		ids[sys.Fileid] = name

		again, err := b.Stat(name)
		require.NoError(t, err)
		assert.Equal(t, sys.Fileid, again.Sys().(*nfsfile.FileInfo).Fileid, "file ids are stable")
	}
	assert.Len(t, ids, 3)
}

func TestNFSServerShutdown(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)
	srv := NewNFSServer(b)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()

	srv.Shutdown()
	assert.Error(t, <-done)
}
