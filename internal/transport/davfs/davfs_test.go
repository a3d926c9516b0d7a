package davfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
)

// newShare serves an in-memory WebDAV share below /dav, optionally behind
// basic auth.
func newShare(t *testing.T, user, password string) *httptest.Server {
	t.Helper()
	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	}
	var h http.Handler = dav
	if user != "" {
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || u != user || p != password {
				w.Header().Set("WWW-Authenticate", `Basic realm="dav"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			dav.ServeHTTP(w, r)
		})
	}
	mux := http.NewServeMux()
	mux.Handle("/dav/", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newDav(t *testing.T, opts Options) *FS {
	t.Helper()
	fs, err := New(transport.Env{Mount: "dav", Scheme: "dav", Mimes: common.DefaultMimeMap()}, opts, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Mount(context.Background()))
	return fs
}

func file(p string) common.FileRef { return common.FileRef{Path: p, Type: common.TypeFile} }

func dir(p string) common.FileRef { return common.FileRef{Path: p, Type: common.TypeDir} }

func filenames(refs []common.FileRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Filename)
	}
	sort.Strings(out)
	return out
}

func TestNewValidatesURL(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"", "dav.example.com/x", "http://"} {
		_, err := New(transport.Env{}, Options{URL: u}, nil)
		assert.ErrorIs(t, err, common.ErrInvalidArgument, u)
	}
}

func TestVerbs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newShare(t, "", "")
	fs := newDav(t, Options{URL: srv.URL + "/dav/"})

	require.NoError(t, fs.Mkdir(ctx, dir("dav:///docs")))
	assert.ErrorIs(t, fs.Mkdir(ctx, dir("dav:///docs")), common.ErrExists)
	assert.ErrorIs(t, fs.Mkdir(ctx, dir("dav:///a/b")), common.ErrNotFound)

	require.NoError(t, fs.Write(ctx, file("dav:///docs/a.md"), []byte("# title")))
	require.NoError(t, fs.Write(ctx, file("dav:///my notes.txt"), []byte("hi")))
	assert.ErrorIs(t, fs.Write(ctx, file("dav:///missing/x.txt"), []byte("x")), common.ErrNotFound)

	list, err := fs.Scandir(ctx, dir("dav:///"))
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "my notes.txt"}, filenames(list))
	for _, r := range list {
		if r.Filename == "docs" {
			assert.Equal(t, common.TypeDir, r.Type)
			assert.Equal(t, "dav:///docs", r.Path)
		}
	}

	list, err = fs.Scandir(ctx, dir("dav:///docs"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dav:///docs/a.md", list[0].Path)
	assert.Equal(t, int64(7), list[0].Size)

	_, err = fs.Scandir(ctx, dir("dav:///docs/a.md"))
	assert.ErrorIs(t, err, common.ErrNotDir)

	b, err := fs.Read(ctx, file("dav:///my notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(b))
	_, err = fs.Read(ctx, file("dav:///nope"))
	assert.ErrorIs(t, err, common.ErrNotFound)

	info, err := fs.Fileinfo(ctx, file("dav:///docs/a.md"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), info["size"])
	assert.Equal(t, "file", info["type"])

	info, err = fs.Fileinfo(ctx, dir("dav:///docs"))
	require.NoError(t, err)
	assert.Equal(t, "dir", info["type"])

	u, err := fs.URL(ctx, file("dav:///my notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/dav/my%20notes.txt", u)
}

func TestCopyMoveUnlink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newShare(t, "", "")
	fs := newDav(t, Options{URL: srv.URL + "/dav"})

	require.NoError(t, fs.Mkdir(ctx, dir("dav:///src")))
	require.NoError(t, fs.Mkdir(ctx, dir("dav:///src/sub")))
	require.NoError(t, fs.Write(ctx, file("dav:///src/sub/b.txt"), []byte("b")))

	require.NoError(t, fs.Copy(ctx, dir("dav:///src"), dir("dav:///dup")))
	b, err := fs.Read(ctx, file("dav:///dup/sub/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))

	require.NoError(t, fs.Move(ctx, file("dav:///dup/sub/b.txt"), file("dav:///moved.txt")))
	ok, err := fs.Exists(ctx, file("dav:///dup/sub/b.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = fs.Exists(ctx, file("dav:///moved.txt"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, fs.Unlink(ctx, dir("dav:///src")))
	ok, err = fs.Exists(ctx, dir("dav:///src"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, fs.Unlink(ctx, file("dav:///src")), common.ErrNotFound)
	assert.ErrorIs(t, fs.Unlink(ctx, dir("dav:///")), common.ErrPermissionDenied)

	// missing destination parents are reported, not created
	assert.ErrorIs(t, fs.Copy(ctx, file("dav:///moved.txt"), file("dav:///no/such/x.txt")), common.ErrNotFound)
	assert.ErrorIs(t, fs.Move(ctx, file("dav:///moved.txt"), file("dav:///no/x.txt")), common.ErrNotFound)
	ok, err = fs.Exists(ctx, dir("dav:///no"))
	require.NoError(t, err)
	assert.False(t, ok)

	// overwrite replaces an existing file
	require.NoError(t, fs.Write(ctx, file("dav:///other.txt"), []byte("old")))
	require.NoError(t, fs.Copy(ctx, file("dav:///moved.txt"), file("dav:///other.txt")))
	b, err = fs.Read(ctx, file("dav:///other.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))
}

func TestUploadUsesBlobMime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newShare(t, "", "")
	fs := newDav(t, Options{URL: srv.URL + "/dav"})

	out, err := fs.Upload(ctx, file("dav:///clip.bin"), payload.NewBlob([]byte("1234"), "video/x-test"))
	require.NoError(t, err)
	assert.Equal(t, "video/x-test", out.Mime)
	assert.Equal(t, int64(4), out.Size)

	b, err := fs.Read(ctx, file("dav:///clip.bin"))
	require.NoError(t, err)
	assert.Equal(t, "1234", string(b))
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newShare(t, "alice", "s3cret")

	tests := []struct {
		name     string
		user     string
		password string
		kind     error
	}{
		{"no credentials", "", "", common.ErrPermissionDenied},
		{"wrong password", "alice", "nope", common.ErrPermissionDenied},
		{"valid", "alice", "s3cret", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := New(transport.Env{}, Options{URL: srv.URL + "/dav", User: tt.user, Password: tt.password}, nil)
			require.NoError(t, err)
			err = fs.Mount(ctx)
			if tt.kind == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}
