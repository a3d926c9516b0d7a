package vfs

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskvfs/internal/common"
	"deskvfs/internal/events"
	"deskvfs/internal/mount"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
	"deskvfs/internal/transport/httpfs"
	"deskvfs/internal/transport/localfs"
)

// flaky is a local transport that fails reads of one path and, when
// asked, every unlink.
type flaky struct {
	*localfs.FS
	badRead    string
	failUnlink bool
}

func (f *flaky) Read(ctx context.Context, file common.FileRef) ([]byte, error) {
	if common.StripScheme(file.Path) == f.badRead {
		return nil, errors.New("disk on fire")
	}
	return f.FS.Read(ctx, file)
}

func (f *flaky) Unlink(ctx context.Context, ref common.FileRef) error {
	if f.failUnlink {
		return common.Wrap("unlink", ref.Path, common.ErrPermissionDenied, nil)
	}
	return f.FS.Unlink(ctx, ref)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return events.Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	vfs      *VFS
	home     *localfs.FS
	flaky    *flaky
	rec      *recorder
	requests *atomic.Int32
}

func newLocal(t *testing.T, name string) *localfs.FS {
	t.Helper()
	fs, err := localfs.New(transport.Env{Mount: name, Scheme: name}, localfs.Options{Store: "memory"})
	require.NoError(t, err)
	return fs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mgr := mount.NewManager(nil)
	now := mount.AddOptions{MountNow: true}

	_, err := mgr.AddTransport(ctx, mount.Config{Name: "local", Scheme: "local", Transport: localfs.Name}, newLocal(t, "local"), now)
	require.NoError(t, err)
	home := newLocal(t, "home")
	_, err = mgr.AddTransport(ctx, mount.Config{Name: "home", Scheme: "home", Transport: localfs.Name}, home, now)
	require.NoError(t, err)
	fl := &flaky{FS: newLocal(t, "flaky"), badRead: "/src/bad"}
	_, err = mgr.AddTransport(ctx, mount.Config{Name: "flaky", Scheme: "flaky", Transport: localfs.Name}, fl, now)
	require.NoError(t, err)
	_, err = mgr.AddTransport(ctx, mount.Config{
		Name:   "pub",
		Scheme: "shared",
		Root:   "shared://pub/",
		Alias:  "home:///_internal/pub",
	}, nil, now)
	require.NoError(t, err)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path == "/readme.txt" {
			_, _ = w.Write([]byte("read me"))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	dist, err := httpfs.New(transport.Env{Mount: "dist"}, httpfs.Options{URL: srv.URL}, srv.Client())
	require.NoError(t, err)
	_, err = mgr.AddTransport(ctx, mount.Config{Name: "dist", Scheme: "dist", Transport: httpfs.Name}, dist, now)
	require.NoError(t, err)

	v := New(mgr)
	rec := &recorder{}
	v.Bus().On(rec.record)
	return &fixture{vfs: v, home: home, flaky: fl, rec: rec, requests: &requests}
}

func (f *fixture) write(t *testing.T, p, body string) {
	t.Helper()
	_, err := f.vfs.Write(context.Background(), Ref(p), payload.FromBytes([]byte(body), ""), WriteOptions{Overwrite: true})
	require.NoError(t, err)
}

func (f *fixture) mkdir(t *testing.T, p string) {
	t.Helper()
	require.NoError(t, f.vfs.Mkdir(context.Background(), DirRef(p), MkdirOptions{Overwrite: true}))
}

func (f *fixture) exists(t *testing.T, p string) bool {
	t.Helper()
	ok, err := f.vfs.Exists(context.Background(), Ref(p))
	require.NoError(t, err)
	return ok
}

func filenames(refs []common.FileRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Filename)
	}
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.vfs.Write(ctx, Ref("local:///a.txt"), payload.FromText("hello", ""), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "local:///a.txt", out.Path)
	assert.Equal(t, int64(5), out.Size)
	assert.Equal(t, "text/plain", out.Mime)
	assert.Equal(t, 1, f.rec.count(events.EventWrite))

	p, err := f.vfs.Read(ctx, Ref("local:///a.txt"), ReadOptions{Type: payload.KindText})
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Text)

	p, err = f.vfs.Read(ctx, Ref("local:///a.txt"), ReadOptions{Type: payload.KindDataURL})
	require.NoError(t, err)
	assert.Equal(t, "data:text/plain;base64,aGVsbG8=", p.Text)

	_, err = f.vfs.Write(ctx, Ref("local:///a.txt"), payload.FromText("again", ""), WriteOptions{})
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = f.vfs.Write(ctx, Ref("local:///a.txt"), payload.FromText("again", ""), WriteOptions{Overwrite: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := f.vfs.Download(ctx, Ref("local:///a.txt"), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "again", buf.String())

	_, err = f.vfs.Write(ctx, DirRef("local:///d"), payload.FromText("x", ""), WriteOptions{})
	assert.ErrorIs(t, err, common.ErrIsDir)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = f.vfs.Read(ctx, Ref("nowhere:///a"), ReadOptions{})
	assert.ErrorIs(t, err, common.ErrNoMount)
	_, err = f.vfs.Read(ctx, Ref("local:///missing"), ReadOptions{})
	assert.ErrorIs(t, err, common.ErrNotFound)
	var ce *common.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "read", ce.Op)
	assert.Equal(t, "local:///missing", ce.Path)
}

func TestMkdirExistenceGuard(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.vfs.Mkdir(ctx, DirRef("local:///d"), MkdirOptions{}))
	assert.Equal(t, 1, f.rec.count(events.EventMkdir))

	err := f.vfs.Mkdir(ctx, DirRef("local:///d"), MkdirOptions{})
	assert.ErrorIs(t, err, common.ErrExists)

	require.NoError(t, f.vfs.Mkdir(ctx, DirRef("local:///d"), MkdirOptions{Overwrite: true}))
	assert.Equal(t, 1, f.rec.count(events.EventMkdir), "no-op mkdir does not notify")

	require.NoError(t, f.vfs.Unlink(ctx, DirRef("local:///d")))
	assert.Equal(t, 1, f.rec.count(events.EventDelete))
	assert.False(t, f.exists(t, "local:///d"))
}

func TestReadOnlyMountRefusesWritesWithoutIO(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	mp, err := f.vfs.Resolve("dist:///readme.txt")
	require.NoError(t, err)
	assert.True(t, mp.ReadOnly(), "http mounts are forced read-only")

	_, err = f.vfs.Write(ctx, Ref("dist:///x"), payload.FromText("y", ""), WriteOptions{})
	assert.ErrorIs(t, err, common.ErrReadOnly)
	assert.ErrorIs(t, f.vfs.Mkdir(ctx, DirRef("dist:///d"), MkdirOptions{}), common.ErrReadOnly)
	assert.ErrorIs(t, f.vfs.Unlink(ctx, Ref("dist:///readme.txt")), common.ErrReadOnly)

	f.write(t, "local:///c.txt", "c")
	assert.ErrorIs(t, f.vfs.Copy(ctx, Ref("local:///c.txt"), Ref("dist:///c.txt"), WriteOptions{}), common.ErrReadOnly)
	assert.ErrorIs(t, f.vfs.Move(ctx, Ref("dist:///readme.txt"), Ref("local:///r.txt"), WriteOptions{}), common.ErrReadOnly)
	assert.Zero(t, f.requests.Load())

	p, err := f.vfs.Read(ctx, Ref("dist:///readme.txt"), ReadOptions{Type: payload.KindText})
	require.NoError(t, err)
	assert.Equal(t, "read me", p.Text)
	assert.Equal(t, int32(1), f.requests.Load())
}

func TestCrossTransportTreeCopy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.mkdir(t, "local:///src")
	f.mkdir(t, "local:///src/sub")
	f.write(t, "local:///src/a.txt", "aaa")
	f.write(t, "local:///src/sub/b", "bbbbbbb")
	f.rec.reset()

	require.NoError(t, f.vfs.Copy(ctx, DirRef("local:///src"), DirRef("home:///dst"), WriteOptions{}))
	assert.Equal(t, 1, f.rec.count(events.EventMkdir), "sub-directories are created silently")
	assert.Equal(t, 2, f.rec.count(events.EventWrite), "one write per copied file")

	for path, want := range map[string]string{"home:///dst/a.txt": "aaa", "home:///dst/sub/b": "bbbbbbb"} {
		p, err := f.vfs.Read(ctx, Ref(path), ReadOptions{Type: payload.KindText})
		require.NoError(t, err, path)
		assert.Equal(t, want, p.Text, path)
	}
	assert.True(t, f.exists(t, "local:///src/a.txt"), "copy keeps the source")

	err := f.vfs.Copy(ctx, DirRef("local:///src"), DirRef("home:///dst"), WriteOptions{})
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestTreeCopyMissingSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.rec.reset()

	err := f.vfs.Copy(ctx, DirRef("local:///nope"), DirRef("home:///dst"), WriteOptions{})
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NotErrorIs(t, err, common.ErrPartialCopy)

	err = f.vfs.Move(ctx, DirRef("local:///nope"), DirRef("home:///dst"), WriteOptions{})
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NotErrorIs(t, err, common.ErrPartialCopy)

	assert.False(t, f.exists(t, "home:///dst"))
	assert.Zero(t, f.rec.count(events.EventMkdir))
}

func TestCrossTransportMove(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.mkdir(t, "local:///m")
	f.mkdir(t, "local:///m/sub")
	f.write(t, "local:///m/sub/x", "x")
	f.rec.reset()

	require.NoError(t, f.vfs.Move(ctx, DirRef("local:///m"), DirRef("home:///m"), WriteOptions{}))
	assert.False(t, f.exists(t, "local:///m"))
	assert.True(t, f.exists(t, "home:///m/sub/x"))
	assert.Equal(t, 1, f.rec.count(events.EventMove))
	assert.Equal(t, 0, f.rec.count(events.EventWrite))
	last := f.rec.last()
	require.NotNil(t, last.Source)
	require.NotNil(t, last.Destination)
	assert.Equal(t, "local:///m", last.Source.Path)
	assert.Equal(t, "home:///m", last.Destination.Path)
}

func TestSameTransportCopyAndMove(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "home:///a", "a")
	f.rec.reset()
	require.NoError(t, f.vfs.Copy(ctx, Ref("home:///a"), Ref("home:///b"), WriteOptions{}))
	assert.Equal(t, 1, f.rec.count(events.EventWrite))
	require.NoError(t, f.vfs.Rename(ctx, Ref("home:///b"), Ref("home:///c"), WriteOptions{}))
	assert.Equal(t, 1, f.rec.count(events.EventMove))
	assert.False(t, f.exists(t, "home:///b"))
	assert.True(t, f.exists(t, "home:///c"))

	f.mkdir(t, "home:///dir")
	err := f.vfs.Copy(ctx, DirRef("home:///dir"), DirRef("home:///dir/inner"), WriteOptions{})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	err = f.vfs.Move(ctx, DirRef("home:///dir"), DirRef("home:///dir"), WriteOptions{Overwrite: true})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestPartialCopy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.mkdir(t, "flaky:///src")
	f.write(t, "flaky:///src/good", "fine")
	f.write(t, "flaky:///src/bad", "cursed")
	f.rec.reset()

	err := f.vfs.Copy(ctx, DirRef("flaky:///src"), DirRef("home:///out"), WriteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrPartialCopy)
	var pce *common.PartialCopyError
	require.ErrorAs(t, err, &pce)
	assert.Equal(t, []string{"flaky:///src/bad"}, pce.Failed)
	assert.True(t, f.exists(t, "home:///out/good"), "what was copied stays")
	assert.False(t, f.exists(t, "home:///out/bad"))
	assert.Equal(t, 1, f.rec.count(events.EventWrite))
}

func TestMoveRollback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	t.Run("failed copy removes the destination", func(t *testing.T) {
		f.mkdir(t, "flaky:///src")
		f.write(t, "flaky:///src/good", "fine")
		f.write(t, "flaky:///src/bad", "cursed")

		err := f.vfs.Move(ctx, DirRef("flaky:///src"), DirRef("home:///moved"), WriteOptions{})
		assert.ErrorIs(t, err, common.ErrPartialCopy)
		assert.False(t, f.exists(t, "home:///moved"))
		assert.True(t, f.exists(t, "flaky:///src/good"))
	})

	t.Run("failed unlink of a file source removes the copy", func(t *testing.T) {
		f.write(t, "flaky:///one", "1")
		f.flaky.failUnlink = true
		defer func() { f.flaky.failUnlink = false }()

		err := f.vfs.Move(ctx, Ref("flaky:///one"), Ref("home:///one"), WriteOptions{})
		assert.ErrorIs(t, err, common.ErrPermissionDenied)
		assert.False(t, f.exists(t, "home:///one"))
		assert.True(t, f.exists(t, "flaky:///one"))
	})

	t.Run("failed unlink of a directory source reports the source", func(t *testing.T) {
		f.mkdir(t, "flaky:///tree")
		f.write(t, "flaky:///tree/leaf", "l")
		f.flaky.failUnlink = true
		defer func() { f.flaky.failUnlink = false }()

		err := f.vfs.Move(ctx, DirRef("flaky:///tree"), DirRef("home:///tree"), WriteOptions{})
		assert.ErrorIs(t, err, common.ErrPartialCopy)
		var pce *common.PartialCopyError
		require.ErrorAs(t, err, &pce)
		assert.Equal(t, []string{"flaky:///tree"}, pce.Failed)
		assert.ErrorIs(t, pce.Errs[0], common.ErrPermissionDenied)
		assert.True(t, f.exists(t, "home:///tree/leaf"), "the copy is kept")
		assert.True(t, f.exists(t, "flaky:///tree/leaf"))
	})
}

func TestWatchFiresOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mkdir(t, "home:///docs")

	var dirHits, fileHits atomic.Int32
	_, err := f.vfs.Watch("home:///docs", events.WatchDir, func(events.Event) { dirHits.Add(1) })
	require.NoError(t, err)
	fid, err := f.vfs.Watch("home:///docs/a.txt", events.WatchFile, func(events.Event) { fileHits.Add(1) })
	require.NoError(t, err)

	f.write(t, "home:///docs/a.txt", "a")
	assert.Equal(t, int32(1), dirHits.Load())
	assert.Equal(t, int32(1), fileHits.Load())

	f.write(t, "home:///elsewhere.txt", "b")
	assert.Equal(t, int32(1), dirHits.Load())

	assert.True(t, f.vfs.Unwatch(fid))
	assert.Equal(t, 1, f.vfs.TriggerWatch(events.EventUpdate, Ref("home:///docs/a.txt")))
	assert.Equal(t, int32(2), dirHits.Load())
	assert.Equal(t, int32(1), fileHits.Load())
}

func TestAliasMount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.mkdir(t, "home:///_internal")
	f.mkdir(t, "home:///_internal/pub")
	f.rec.reset()

	out, err := f.vfs.Write(ctx, Ref("shared://pub/f"), payload.FromText("shared", ""), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "shared:///pub/f", out.Path)

	got, err := f.home.Read(ctx, common.FileRef{Path: "home:///_internal/pub/f", Type: common.TypeFile})
	require.NoError(t, err, "transport sees the underlying path")
	assert.Equal(t, "shared", string(got))

	ev := f.rec.last()
	require.NotNil(t, ev.File)
	assert.Equal(t, "shared:///pub/f", ev.File.Path)

	list, err := f.vfs.Scandir(ctx, DirRef("shared:///pub"), ScandirOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1, "mount root has no back-link")
	assert.Equal(t, "shared:///pub/f", list[0].Path)
}

func TestScandirDecoration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.mkdir(t, "home:///s")
	f.write(t, "home:///s/b.txt", "bbb")
	f.write(t, "home:///s/a.png", "aaaaaaaaaa")
	f.mkdir(t, "home:///s/z")
	f.write(t, "home:///s/c.txt", "ccc")
	f.write(t, "home:///s/.hidden", "h")

	list, err := f.vfs.Scandir(ctx, DirRef("home:///s"), ScandirOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, common.Backlink, list[0].Filename)
	assert.Equal(t, "home:///", list[0].Path)
	assert.Len(t, list, 6)

	list, err = f.vfs.Scandir(ctx, DirRef("home:///"), ScandirOptions{})
	require.NoError(t, err)
	assert.NotContains(t, filenames(list), common.Backlink)

	tests := []struct {
		name string
		opts ScandirOptions
		want []string
	}{
		{"size ascending keeps ties in order", ScandirOptions{NoBacklink: true, HideHidden: true, SortBy: SortSize}, []string{"z", "b.txt", "c.txt", "a.png"}},
		{"size descending", ScandirOptions{NoBacklink: true, HideHidden: true, SortBy: SortSize, SortDir: SortDesc}, []string{"z", "a.png", "b.txt", "c.txt"}},
		{"filename", ScandirOptions{NoBacklink: true, SortBy: SortFilename}, []string{"z", ".hidden", "a.png", "b.txt", "c.txt"}},
		{"mime filter keeps dirs", ScandirOptions{NoBacklink: true, MimeFilter: []string{"^image/"}}, []string{"a.png", "z"}},
		{"type filter", ScandirOptions{NoBacklink: true, TypeFilter: common.TypeDir}, []string{"z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := f.vfs.Scandir(ctx, DirRef("home:///s"), tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, filenames(list))
		})
	}

	_, err = f.vfs.Scandir(ctx, DirRef("home:///s"), ScandirOptions{SortBy: "colour"})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = f.vfs.Scandir(ctx, DirRef("home:///s"), ScandirOptions{MimeFilter: []string{"("}})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestFindWalk(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.mkdir(t, "home:///p")
	f.mkdir(t, "home:///p/q")
	f.write(t, "home:///p/notes.txt", "n")
	f.write(t, "home:///p/q/more-notes.txt", "m")
	f.write(t, "home:///p/q/pic.png", "p")

	_, err := f.vfs.Find(ctx, DirRef("home:///p"), transport.FindQuery{Query: "notes"})
	assert.ErrorIs(t, err, common.ErrUnsupported)

	found, err := f.vfs.Find(ctx, DirRef("home:///p"), transport.FindQuery{Query: "NOTES", Walk: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"notes.txt", "more-notes.txt"}, filenames(found))

	found, err = f.vfs.Find(ctx, DirRef("home:///p"), transport.FindQuery{Walk: true, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = f.vfs.Find(ctx, DirRef("home:///p"), transport.FindQuery{Walk: true, Limit: -1})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestOptionalVerbs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	free, err := f.vfs.FreeSpace(ctx, DirRef("home:///"))
	require.NoError(t, err)
	assert.Positive(t, free)

	assert.ErrorIs(t, f.vfs.Trash(ctx, Ref("home:///x")), common.ErrUnsupported)
	_, err = f.vfs.FreeSpace(ctx, DirRef("dist:///"))
	assert.ErrorIs(t, err, common.ErrUnsupported)

	ref, err := f.vfs.Upload(ctx, DirRef("home:///"), "up.bin", payload.NewBlob([]byte{1, 2, 3}, "application/octet-stream"), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "home:///up.bin", ref.Path)
	assert.Equal(t, int64(3), ref.Size)
	assert.Equal(t, 1, f.rec.count(events.EventUpload))

	_, err = f.vfs.Upload(ctx, DirRef("home:///"), "../escape", payload.NewBlob(nil, ""), WriteOptions{})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	u, err := f.vfs.URL(ctx, Ref("home:///up.bin"))
	require.NoError(t, err)
	assert.Contains(t, u, "data:application/octet-stream;base64,")
}

func TestMountEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.vfs.Unmount(ctx, "home"))
	assert.Equal(t, events.EventUnmount, f.rec.last().Name)
	_, err := f.vfs.Read(ctx, Ref("home:///a"), ReadOptions{})
	assert.ErrorIs(t, err, common.ErrNotMounted)

	require.NoError(t, f.vfs.Mount(ctx, "home"))
	ev := f.rec.last()
	assert.Equal(t, events.EventMount, ev.Name)
	assert.Equal(t, "home", ev.Mount)

	f.vfs.BroadcastMessage("app:ping", map[string]string{"hello": "world"})
	assert.Equal(t, "app:ping", f.rec.last().Name)

	f.rec.reset()
	require.NoError(t, f.vfs.RemoveMount(ctx, "local"))
	ev = f.rec.last()
	assert.Equal(t, events.EventUnmount, ev.Name)
	assert.Equal(t, "local", ev.Mount)
	assert.ErrorIs(t, f.vfs.RemoveMount(ctx, "local"), common.ErrNoMount)
	_, err = f.vfs.Mounts().Get("local")
	assert.ErrorIs(t, err, common.ErrNoMount)

	// an unmounted mountpoint is removed without a second announcement
	require.NoError(t, f.vfs.Unmount(ctx, "dist"))
	require.NoError(t, f.vfs.RemoveMount(ctx, "dist"))
	assert.Equal(t, 2, f.rec.count(events.EventUnmount))
}
