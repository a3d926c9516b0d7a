package httpfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskvfs/internal/common"
	"deskvfs/internal/transport"
)

type site struct {
	files    map[string]string
	requests atomic.Int32
	failures atomic.Int32
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	body, ok := s.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Last-Modified", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat))
	_, _ = w.Write([]byte(body))
}

func newSite(t *testing.T) (*site, *FS) {
	t.Helper()
	s := &site{files: map[string]string{
		"/dist/_scandir.json":        `[{"filename":"readme.txt","type":"file","mime":"text/plain","size":5},{"filename":"apps","type":"dir"},{"filename":".."}]`,
		"/dist/readme.txt":           "hello",
		"/dist/apps/_scandir.json":   `[]`,
		"/dist/odd name.txt":         "spaces",
		"/dist/broken/_scandir.json": `{not json`,
	}}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	fs, err := New(transport.Env{Mount: "dist"}, Options{URL: srv.URL + "/dist/", CacheTTL: time.Minute}, srv.Client())
	require.NoError(t, err)
	return s, fs
}

func ref(p string, typ common.FileType) common.FileRef {
	return common.FileRef{Path: p, Filename: common.Basename(p), Type: typ}
}

func TestScandirManifest(t *testing.T) {
	t.Parallel()
	s, fs := newSite(t)
	ctx := context.Background()

	list, err := fs.Scandir(ctx, ref("dist:///", common.TypeDir))
	require.NoError(t, err)
	require.Len(t, list, 2, "back-link entries from the manifest are dropped")
	assert.Equal(t, "dist:///readme.txt", list[0].Path)
	assert.Equal(t, int64(5), list[0].Size)
	assert.Equal(t, common.TypeDir, list[1].Type)

	// served from cache
	n := s.requests.Load()
	_, err = fs.Scandir(ctx, ref("dist:///", common.TypeDir))
	require.NoError(t, err)
	assert.Equal(t, n, s.requests.Load())

	fs.Invalidate("dist:///readme.txt")
	_, err = fs.Scandir(ctx, ref("dist:///", common.TypeDir))
	require.NoError(t, err)
	assert.Equal(t, n+1, s.requests.Load())

	_, err = fs.Scandir(ctx, ref("dist:///missing", common.TypeDir))
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = fs.Scandir(ctx, ref("dist:///broken", common.TypeDir))
	assert.ErrorIs(t, err, common.ErrInternal)
}

func TestReadAndExists(t *testing.T) {
	t.Parallel()
	_, fs := newSite(t)
	ctx := context.Background()

	b, err := fs.Read(ctx, ref("dist:///readme.txt", common.TypeFile))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	b, err = fs.Read(ctx, ref("dist:///odd name.txt", common.TypeFile))
	require.NoError(t, err)
	assert.Equal(t, "spaces", string(b))

	ok, err := fs.Exists(ctx, ref("dist:///readme.txt", common.TypeFile))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = fs.Exists(ctx, ref("dist:///apps", common.TypeDir))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = fs.Exists(ctx, ref("dist:///nope", common.TypeFile))
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := fs.Fileinfo(ctx, ref("dist:///readme.txt", common.TypeFile))
	require.NoError(t, err)
	assert.Equal(t, "dist:///readme.txt", info["path"])
	assert.NotNil(t, info["mtime"])

	u, err := fs.URL(ctx, ref("dist:///odd name.txt", common.TypeFile))
	require.NoError(t, err)
	assert.Contains(t, u, "/dist/odd%20name.txt")
}

func TestRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	s, fs := newSite(t)
	s.failures.Store(2)

	b, err := fs.Read(context.Background(), ref("dist:///readme.txt", common.TypeFile))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, int32(3), s.requests.Load())

	s.failures.Store(10)
	_, err = fs.Read(context.Background(), ref("dist:///odd name.txt", common.TypeFile))
	assert.ErrorIs(t, err, common.ErrNetwork)
}

func TestReadCachesPayload(t *testing.T) {
	t.Parallel()
	s, fs := newSite(t)
	ctx := context.Background()
	readme := ref("dist:///readme.txt", common.TypeFile)

	b, err := fs.Read(ctx, readme)
	require.NoError(t, err)
	n := s.requests.Load()

	// callers may scribble on what they get back
	b[0] = 'J'
	b, err = fs.Read(ctx, readme)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, n, s.requests.Load())

	fs.Invalidate("dist:///")
	_, err = fs.Read(ctx, readme)
	require.NoError(t, err)
	assert.Equal(t, n+1, s.requests.Load())
}

func TestWriteVerbsAreReadOnly(t *testing.T) {
	t.Parallel()
	s, fs := newSite(t)
	ctx := context.Background()
	f := ref("dist:///x", common.TypeFile)

	assert.ErrorIs(t, fs.Write(ctx, f, []byte("y")), common.ErrReadOnly)
	assert.ErrorIs(t, fs.Unlink(ctx, f), common.ErrReadOnly)
	assert.ErrorIs(t, fs.Mkdir(ctx, f), common.ErrReadOnly)
	assert.ErrorIs(t, fs.Copy(ctx, f, f), common.ErrReadOnly)
	assert.ErrorIs(t, fs.Move(ctx, f, f), common.ErrReadOnly)
	_, err := fs.Upload(ctx, f, nil)
	assert.ErrorIs(t, err, common.ErrReadOnly)
	assert.Zero(t, s.requests.Load())
	assert.True(t, fs.ReadOnlyBackend())
}

func TestNewValidatesURL(t *testing.T) {
	t.Parallel()
	_, err := New(transport.Env{}, Options{}, nil)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = New(transport.Env{}, Options{URL: "not a url"}, nil)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	tr, err := Factory(context.Background(), transport.Env{}, map[string]any{"url": "https://example.com/static", "cache_ttl": "5s"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/static/a/b.txt", tr.(*FS).urlFor("dist:///a/b.txt"))
}
