package localfs

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/storage"
	"deskvfs/internal/transport"
)

func newFS(t *testing.T, kv storage.KV, opts Options) *FS {
	t.Helper()
	fs, err := New(transport.Env{Mount: "local", Scheme: "local", KV: kv}, opts)
	require.NoError(t, err)
	require.NoError(t, fs.Mount(context.Background()))
	return fs
}

func f(p string) common.FileRef {
	return common.FileRef{Path: p, Filename: common.Basename(p), Type: common.TypeFile}
}

func d(p string) common.FileRef {
	return common.FileRef{Path: p, Filename: common.Basename(p), Type: common.TypeDir}
}

func names(refs []common.FileRef) []string {
	out := []string{}
	for _, r := range refs {
		out = append(out, r.Filename)
	}
	return out
}

func TestWriteReadScandir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFS(t, storage.NewMemoryKV(), Options{})

	require.NoError(t, fs.Write(ctx, f("local:///a.txt"), []byte("hello")))
	got, err := fs.Read(ctx, f("local:///a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	list, err := fs.Scandir(ctx, d("local:///"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "local:///a.txt", list[0].Path)
	assert.Equal(t, common.TypeFile, list[0].Type)
	assert.Equal(t, int64(5), list[0].Size)
	assert.Equal(t, "text/plain", list[0].Mime)
	assert.NotEmpty(t, list[0].ID)

	// overwrite keeps the id
	id := list[0].ID
	require.NoError(t, fs.Write(ctx, f("local:///a.txt"), []byte("bye")))
	list, err = fs.Scandir(ctx, d("local:///"))
	require.NoError(t, err)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, int64(3), list[0].Size)

	_, err = fs.Read(ctx, f("local:///missing"))
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, fs.Write(ctx, f("local:///nodir/x"), []byte("x")), common.ErrNotFound)
}

func TestMkdirUnlinkRecursive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFS(t, storage.NewMemoryKV(), Options{})

	require.NoError(t, fs.Mkdir(ctx, d("local:///d")))
	assert.ErrorIs(t, fs.Mkdir(ctx, d("local:///d")), common.ErrExists)
	require.NoError(t, fs.Mkdir(ctx, d("local:///d/e")))
	require.NoError(t, fs.Write(ctx, f("local:///d/e/x"), []byte("x")))
	require.NoError(t, fs.Write(ctx, f("local:///dd"), []byte("sibling")))

	require.NoError(t, fs.Unlink(ctx, d("local:///d")))
	for _, p := range []string{"local:///d", "local:///d/e", "local:///d/e/x"} {
		ok, err := fs.Exists(ctx, f(p))
		require.NoError(t, err)
		assert.False(t, ok, p)
	}
	ok, err := fs.Exists(ctx, f("local:///dd"))
	require.NoError(t, err)
	assert.True(t, ok, "prefix sibling survives")
	assert.NotContains(t, fs.data, "/d/e/x")

	assert.ErrorIs(t, fs.Unlink(ctx, d("local:///d")), common.ErrNotFound)
	assert.ErrorIs(t, fs.Unlink(ctx, d("local:///")), common.ErrInvalidArgument)
}

func TestPersistsAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	first := newFS(t, kv, Options{Namespace: "ns"})
	require.NoError(t, first.Mkdir(ctx, d("local:///docs")))
	require.NoError(t, first.Write(ctx, f("local:///docs/n.md"), []byte("# hi")))

	raw, ok, err := kv.Get(ctx, "ns/tree")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), "n.md")
	_, ok, err = kv.Get(ctx, "ns/data")
	require.NoError(t, err)
	assert.True(t, ok)

	second := newFS(t, kv, Options{Namespace: "ns"})
	got, err := second.Read(ctx, f("local:///docs/n.md"))
	require.NoError(t, err)
	assert.Equal(t, "# hi", string(got))

	other := newFS(t, kv, Options{Namespace: "other"})
	ok, err = other.Exists(ctx, f("local:///docs"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteBackedStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "deskvfs.db"))
	require.NoError(t, err)
	defer store.Close()

	fs := newFS(t, store, Options{})
	require.NoError(t, fs.Write(ctx, f("local:///a"), []byte("persisted")))
	require.NoError(t, fs.Unmount(ctx))

	again := newFS(t, store, Options{})
	got, err := again.Read(ctx, f("local:///a"))
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestCopyAndMove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFS(t, storage.NewMemoryKV(), Options{})

	require.NoError(t, fs.Mkdir(ctx, d("local:///src")))
	require.NoError(t, fs.Mkdir(ctx, d("local:///src/sub")))
	require.NoError(t, fs.Write(ctx, f("local:///src/a"), []byte("aaa")))
	require.NoError(t, fs.Write(ctx, f("local:///src/sub/b"), []byte("bbbbbbb")))

	require.NoError(t, fs.Copy(ctx, d("local:///src"), d("local:///copy")))
	got, err := fs.Read(ctx, f("local:///copy/sub/b"))
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbb", string(got))

	before, err := fs.Scandir(ctx, d("local:///src"))
	require.NoError(t, err)
	copied, err := fs.Scandir(ctx, d("local:///copy"))
	require.NoError(t, err)
	assert.ElementsMatch(t, names(before), names(copied))
	assert.NotEqual(t, before[0].ID, copied[0].ID)

	require.NoError(t, fs.Mkdir(ctx, d("local:///other")))
	require.NoError(t, fs.Move(ctx, d("local:///src"), d("local:///other/moved")))
	ok, err := fs.Exists(ctx, d("local:///src"))
	require.NoError(t, err)
	assert.False(t, ok)
	got, err = fs.Read(ctx, f("local:///other/moved/a"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(got))

	assert.ErrorIs(t, fs.Move(ctx, d("local:///other"), d("local:///other/moved/x")), common.ErrInvalidArgument)
	assert.ErrorIs(t, fs.Copy(ctx, f("local:///nope"), f("local:///x")), common.ErrNotFound)
}

func TestQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFS(t, storage.NewMemoryKV(), Options{Quota: 256})

	free, err := fs.FreeSpace(ctx, d("local:///"))
	require.NoError(t, err)
	assert.Positive(t, free)
	assert.Less(t, free, int64(256))

	err = fs.Write(ctx, f("local:///big"), []byte(strings.Repeat("x", 512)))
	assert.ErrorIs(t, err, common.ErrInternal)
	ok, err := fs.Exists(ctx, f("local:///big"))
	require.NoError(t, err)
	assert.False(t, ok, "refused write is rolled back")

	unlimited := newFS(t, storage.NewMemoryKV(), Options{Quota: -1})
	free, err = unlimited.FreeSpace(ctx, d("local:///"))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), free)
}

func TestURLAndUpload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFS(t, storage.NewMemoryKV(), Options{})

	ref, err := fs.Upload(ctx, f("local:///pic.png"), payload.NewBlob([]byte{0x89, 'P', 'N', 'G'}, "image/png"))
	require.NoError(t, err)
	assert.Equal(t, "image/png", ref.Mime)
	assert.Equal(t, int64(4), ref.Size)

	u, err := fs.URL(ctx, f("local:///pic.png"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "data:image/png;base64,"))
	b, mime, err := payload.ParseDataURL(u)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, b)

	info, err := fs.Fileinfo(ctx, f("local:///pic.png"))
	require.NoError(t, err)
	assert.Equal(t, "file", info["type"])
}

func TestFactoryOptions(t *testing.T) {
	t.Parallel()
	tr, err := Factory(context.Background(), transport.Env{Mount: "m"}, map[string]any{"store": "memory", "quota": 1024})
	require.NoError(t, err)
	fs := tr.(*FS)
	assert.Equal(t, int64(1024), fs.quota)
	assert.Equal(t, "m", fs.ns)

	_, err = Factory(context.Background(), transport.Env{Mount: "m"}, map[string]any{"store": "floppy"})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}
