package mount

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/storage"
	"deskvfs/internal/transport"
)

// stubTransport answers nothing; it records the mount lifecycle.
type stubTransport struct {
	name      string
	mountErr  error
	mounted   int
	unmounted int
}

func (s *stubTransport) Scandir(context.Context, common.FileRef) ([]common.FileRef, error) {
	return nil, nil
}
func (s *stubTransport) Read(context.Context, common.FileRef) ([]byte, error) { return nil, nil }
func (s *stubTransport) Write(context.Context, common.FileRef, []byte) error { return nil }
func (s *stubTransport) Unlink(context.Context, common.FileRef) error { return nil }
func (s *stubTransport) Mkdir(context.Context, common.FileRef) error { return nil }
func (s *stubTransport) Exists(context.Context, common.FileRef) (bool, error) { return false, nil }
func (s *stubTransport) Fileinfo(context.Context, common.FileRef) (map[string]any, error) {
	return nil, nil
}
func (s *stubTransport) URL(context.Context, common.FileRef) (string, error) { return "", nil }
func (s *stubTransport) Copy(context.Context, common.FileRef, common.FileRef) error {
	return nil
}
func (s *stubTransport) Move(context.Context, common.FileRef, common.FileRef) error {
	return nil
}
func (s *stubTransport) Upload(_ context.Context, f common.FileRef, _ *payload.Blob) (common.FileRef, error) {
	return f, nil
}
func (s *stubTransport) Mount(context.Context) error {
	if s.mountErr != nil {
		return s.mountErr
	}
	s.mounted++
	return nil
}
func (s *stubTransport) Unmount(context.Context) error {
	s.unmounted++
	return nil
}

func stubRegistry() (*transport.Registry, map[string]*stubTransport) {
	built := make(map[string]*stubTransport)
	reg := transport.NewRegistry()
	reg.Register("stub", func(_ context.Context, env transport.Env, opts map[string]any) (transport.Transport, error) {
		st := &stubTransport{name: env.Mount}
		if fail, _ := opts["fail"].(bool); fail {
			st.mountErr = errors.New("handshake refused")
		}
		built[env.Mount] = st
		return st, nil
	})
	return reg, built
}

func boolp(b bool) *bool { return &b }

func TestInitSkipsFailingMounts(t *testing.T) {
	t.Parallel()
	reg, built := stubRegistry()
	m := NewManager(reg)

	err := m.Init(context.Background(), []Config{
		{Name: "home", Scheme: "home", Transport: "stub"},
		{Name: "broken", Scheme: "broken", Transport: "stub", Options: map[string]any{"fail": true}},
		{Name: "nowhere", Scheme: "nowhere", Transport: "missing"},
		{Name: "dist", Scheme: "dist", Transport: "stub", ReadOnly: true},
	})
	require.NoError(t, err)

	names := []string{}
	for _, mp := range m.All() {
		names = append(names, mp.Name())
		assert.Equal(t, StateMounted, mp.State())
	}
	assert.Equal(t, []string{"home", "dist"}, names)
	assert.Equal(t, 1, built["home"].mounted)

	// idempotent
	require.NoError(t, m.Init(context.Background(), []Config{{Name: "x", Scheme: "x", Transport: "stub"}}))
	assert.Len(t, m.All(), 2)
}

func TestAddRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	reg, _ := stubRegistry()
	m := NewManager(reg)
	ctx := context.Background()

	_, err := m.Add(ctx, Config{Name: "home", Scheme: "home", Transport: "stub"}, AddOptions{})
	require.NoError(t, err)
	_, err = m.Add(ctx, Config{Name: "home", Scheme: "other", Transport: "stub"}, AddOptions{})
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestResolveMostSpecific(t *testing.T) {
	t.Parallel()
	reg, _ := stubRegistry()
	m := NewManager(reg)
	ctx := context.Background()

	_, err := m.Add(ctx, Config{Name: "home", Scheme: "home", Transport: "stub"}, AddOptions{MountNow: true})
	require.NoError(t, err)
	_, err = m.Add(ctx, Config{Name: "projects", Scheme: "home", Root: "home:///projects", Transport: "stub"}, AddOptions{MountNow: true})
	require.NoError(t, err)
	_, err = m.Add(ctx, Config{Name: "home2", Scheme: "home", Match: "^home://", Transport: "stub"}, AddOptions{MountNow: true})
	require.NoError(t, err)

	tests := []struct {
		path string
		want string
	}{
		{"home:///a.txt", "home"},
		{"home:///projects", "projects"},
		{"home:///projects/x/y", "projects"},
		{"home:///projectsx", "home"},
	}
	for _, tt := range tests {
		for i := 0; i < 3; i++ {
			mp, err := m.Resolve(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mp.Name(), "resolve %s", tt.path)
		}
	}

	_, err = m.Resolve("ftp:///x")
	assert.ErrorIs(t, err, common.ErrNoMount)
	_, err = m.Resolve("no scheme")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestResolveSchemeFallback(t *testing.T) {
	t.Parallel()
	reg, _ := stubRegistry()
	m := NewManager(reg)

	_, err := m.Add(context.Background(), Config{Name: "odd", Scheme: "odd", Match: "^odd:///only", Transport: "stub"}, AddOptions{})
	require.NoError(t, err)

	mp, err := m.Resolve("odd:///elsewhere")
	require.NoError(t, err)
	assert.Equal(t, "odd", mp.Name())
}

func TestRouteStates(t *testing.T) {
	t.Parallel()
	reg, built := stubRegistry()
	m := NewManager(reg)
	ctx := context.Background()

	mp, err := m.Add(ctx, Config{Name: "home", Scheme: "home", Transport: "stub"}, AddOptions{})
	require.NoError(t, err)

	_, err = m.Route("home:///a")
	assert.ErrorIs(t, err, common.ErrNotMounted)

	require.NoError(t, mp.Mount(ctx))
	r, err := m.Route("home:///a")
	require.NoError(t, err)
	assert.Same(t, mp, r.Target)
	assert.Equal(t, "home:///a", r.Underlying)

	require.NoError(t, m.Remove(ctx, "home"))
	assert.Equal(t, 1, built["home"].unmounted)
	_, err = m.Route("home:///a")
	assert.ErrorIs(t, err, common.ErrNoMount)
	assert.ErrorIs(t, m.Remove(ctx, "home"), common.ErrNoMount)
}

func TestRouteAlias(t *testing.T) {
	t.Parallel()
	reg, built := stubRegistry()
	m := NewManager(reg)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, []Config{
		{Name: "home", Scheme: "home", Transport: "stub"},
		{Name: "pub", Scheme: "shared", Root: "shared://pub/", Alias: "home:///_internal/pub"},
	}))

	r, err := m.Route("shared://pub/f")
	require.NoError(t, err)
	assert.Equal(t, "pub", r.Mount.Name())
	assert.Equal(t, "home", r.Target.Name())
	assert.Same(t, built["home"], r.Transport)
	assert.Equal(t, "shared:///pub/f", r.Visible)
	assert.Equal(t, "home:///_internal/pub/f", r.Underlying)
	assert.Equal(t, "shared:///pub/g", r.ToVisible("home:///_internal/pub/g"))

	_, err = m.GetTransport("pub")
	assert.ErrorIs(t, err, common.ErrUnsupported)
}

func TestList(t *testing.T) {
	t.Parallel()
	reg, _ := stubRegistry()
	m := NewManager(reg)

	require.NoError(t, m.Init(context.Background(), []Config{
		{Name: "home", Scheme: "home", Transport: "stub"},
		{Name: "trash", Scheme: "trash", Transport: "stub", Special: true},
		{Name: "hidden", Scheme: "hidden", Transport: "stub", Visible: boolp(false)},
		{Name: "off", Scheme: "off", Transport: "stub", Enabled: boolp(false)},
	}))

	names := func(mps []*Mountpoint) []string {
		out := []string{}
		for _, mp := range mps {
			out = append(out, mp.Name())
		}
		return out
	}
	assert.Equal(t, []string{"home"}, names(m.List(Filter{Visible: true})))
	assert.Equal(t, []string{"trash"}, names(m.List(Filter{Visible: true, Special: true})))
	assert.Equal(t, []string{"hidden"}, names(m.List(Filter{})))

	_, err := m.Resolve("off:///x")
	assert.ErrorIs(t, err, common.ErrNoMount)
}

func TestPersistedMountsRestored(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(filepath.Join(t.TempDir(), "deskvfs.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	reg, _ := stubRegistry()
	first := NewManager(reg, WithMountStore(store))
	require.NoError(t, first.Init(ctx, nil))
	_, err = first.Add(ctx, Config{Name: "scratch", Scheme: "scratch", Transport: "stub"}, AddOptions{MountNow: true, Persist: true})
	require.NoError(t, err)
	assert.True(t, first.IsPersisted("scratch"))

	second := NewManager(reg, WithMountStore(store))
	require.NoError(t, second.Init(ctx, []Config{{Name: "home", Scheme: "home", Transport: "stub"}}))
	mp, err := second.Get("scratch")
	require.NoError(t, err)
	assert.Equal(t, StateMounted, mp.State())
	assert.Equal(t, "home", second.All()[0].Name(), "configured mounts come first")

	require.NoError(t, second.Remove(ctx, "scratch"))
	recs, err := store.ListMounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMountpointLifecycle(t *testing.T) {
	t.Parallel()
	st := &stubTransport{}
	mp, err := NewMountpoint(Config{Name: "home", Scheme: "home", Transport: "stub"}, st)
	require.NoError(t, err)

	assert.Equal(t, StateUnmounted, mp.State())
	assert.ErrorIs(t, mp.Ready(), common.ErrNotMounted)
	assert.ErrorIs(t, mp.Unmount(context.Background()), common.ErrNotMounted)

	require.NoError(t, mp.Mount(context.Background()))
	require.NoError(t, mp.Mount(context.Background()), "mounting twice is a no-op")
	assert.Equal(t, 1, st.mounted)
	assert.NoError(t, mp.Ready())

	require.NoError(t, mp.Unmount(context.Background()))
	assert.Equal(t, StateUnmounted, mp.State())

	st.mountErr = errors.New("denied")
	assert.Error(t, mp.Mount(context.Background()))
	assert.Equal(t, StateUnmounted, mp.State())
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()

	mp, err := NewMountpoint(Config{Name: "d", Root: "dist:///pkg/", Transport: "stub"}, &stubTransport{})
	require.NoError(t, err)
	assert.Equal(t, "dist", mp.Scheme())
	assert.Equal(t, "dist:///pkg", mp.Root())
	assert.True(t, mp.Matches("dist:///pkg/a"))
	assert.False(t, mp.Matches("dist:///pkgs"))
	assert.True(t, mp.IsRoot("dist:///pkg/"))
	assert.Equal(t, "dist:///pkg", mp.prefix)

	for _, bad := range []Config{
		{Scheme: "x", Transport: "stub"},
		{Name: "x", Transport: "stub"},
		{Name: "x", Scheme: "x", Root: "y:///", Transport: "stub"},
		{Name: "x", Scheme: "x", Match: "([", Transport: "stub"},
		{Name: "x", Scheme: "x"},
	} {
		_, err := NewMountpoint(bad, &stubTransport{})
		assert.ErrorIs(t, err, common.ErrInvalidArgument, "%+v", bad)
	}
}
