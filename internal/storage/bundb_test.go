package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBunDB_SchemaInfo(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	fileType, err := s.bunDB.GetSchemaInfo(ctx, "type")
	require.NoError(t, err)
	assert.Equal(t, "deskvfs", fileType)

	version, err := s.bunDB.GetSchemaInfo(ctx, "version")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	missing, err := s.bunDB.GetSchemaInfo(ctx, "no-such-key")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestBunDB_Values(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	db := s.bunDB
	ctx := context.Background()

	require.NoError(t, db.SetValue(ctx, "a/1", []byte("one")))
	require.NoError(t, db.SetValue(ctx, "a/2", []byte("two")))
	require.NoError(t, db.SetValue(ctx, "b/1", []byte("other")))

	v, ok, err := db.GetValue(ctx, "a/2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), v)

	keys, err := db.ListKeys(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	keys, err = db.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	// deleting a missing key is not an error
	require.NoError(t, db.DeleteValue(ctx, "a/1"))
	require.NoError(t, db.DeleteValue(ctx, "a/1"))
	_, ok, err = db.GetValue(ctx, "a/1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBunDB_MountUpsertKeepsOrder(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	db := s.bunDB
	ctx := context.Background()

	for _, name := range []string{"first", "second"} {
		m, err := MountModelFromRecord(MountRecord{Name: name, Scheme: name, Root: name + ":///", Transport: "local"})
		require.NoError(t, err)
		require.NoError(t, db.UpsertMount(ctx, m))
	}

	m, err := MountModelFromRecord(MountRecord{Name: "first", Scheme: "first", Root: "first:///sub", Transport: "http"})
	require.NoError(t, err)
	require.NoError(t, db.UpsertMount(ctx, m))

	models, err := db.ListMounts(ctx)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "first", models[0].Name)
	assert.Equal(t, "first:///sub", models[0].Root)
	assert.Equal(t, "http", models[0].Transport)
	assert.Equal(t, "second", models[1].Name)

	n, err := db.DeleteMount(ctx, "second")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = db.DeleteMount(ctx, "second")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestMountModelConversion(t *testing.T) {
	t.Parallel()
	created := time.Unix(1700000000, 0)
	rec := MountRecord{
		Name:      "media",
		Scheme:    "media",
		Root:      "media:///",
		Transport: "s3",
		ReadOnly:  true,
		Visible:   true,
		Options:   map[string]any{"bucket": "photos", "region": "eu-west-1"},
		CreatedAt: created,
	}

	m, err := MountModelFromRecord(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bucket":"photos","region":"eu-west-1"}`, m.Options)
	assert.Equal(t, created.Unix(), m.CreatedAt)

	back, err := m.ToMountRecord()
	require.NoError(t, err)
	assert.Equal(t, rec, back)

	empty, err := MountModelFromRecord(MountRecord{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, "{}", empty.Options)
	assert.NotZero(t, empty.CreatedAt)

	bad := &MountModel{Name: "x", Options: "{not json"}
	_, err = bad.ToMountRecord()
	assert.Error(t, err)
}
