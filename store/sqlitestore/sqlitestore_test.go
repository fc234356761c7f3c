package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/boxedr/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "cache.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_InvalidTable(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{
		Path:  filepath.Join(t.TempDir(), "x.db"),
		Table: "objects; DROP TABLE x",
	})
	assert.Error(t, err)
}

func TestStore_ReadWrite(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.WriteFile(ctx, "gen/lib/pkg/DESCRIPTION", []byte("Package: pkg")))
	require.NoError(t, s.WriteFile(ctx, "gen/lib/pkg/DESCRIPTION", []byte("Package: pkg2")))
	require.NoError(t, s.WriteFile(ctx, "gen/empty", nil))

	data, err := s.ReadFile(ctx, "gen/lib/pkg/DESCRIPTION")
	require.NoError(t, err)
	assert.Equal(t, "Package: pkg2", string(data))

	data, err = s.ReadFile(ctx, "gen/empty")
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = s.ReadFile(ctx, "gen/missing")
	require.Error(t, err)
	assert.True(t, store.IsNotExist(err))
}

func TestStore_ListAndWalk(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, f := range []string{"gen/.marker", "gen/lib/a/DESCRIPTION", "gen/lib/a/R/a.rdb", "gen-other/x", "gen0/y"} {
		require.NoError(t, s.WriteFile(ctx, f, []byte(f)))
	}

	entries, err := s.List(ctx, "gen")
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{
		{Name: ".marker", Kind: store.KindFile},
		{Name: "lib", Kind: store.KindDir},
	}, entries)

	entries, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{
		{Name: "gen", Kind: store.KindDir},
		{Name: "gen-other", Kind: store.KindDir},
		{Name: "gen0", Kind: store.KindDir},
	}, entries)

	var files []string
	require.NoError(t, store.Walk(ctx, s, "gen", func(rel string) error {
		files = append(files, rel)
		return nil
	}))
	assert.ElementsMatch(t, []string{".marker", "lib/a/DESCRIPTION", "lib/a/R/a.rdb"}, files)
}

func TestStore_RemoveAll(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteFile(ctx, "gen/lib/f", []byte("1")))
	require.NoError(t, s.WriteFile(ctx, "gen-keep/f", []byte("2")))

	require.NoError(t, s.RemoveAll(ctx, "gen"))

	ok, err := s.Exists(ctx, "gen")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, "gen-keep")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, s.RemoveAll(ctx, ""))
}

func TestStore_PersistAndReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(ctx, Config{Path: dbPath})
	require.NoError(t, err)
	require.NoError(t, s.WriteFile(ctx, "gen/f", []byte("durable")))
	ok, err := s.Persist(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: dbPath})
	require.NoError(t, err)
	defer s.Close()
	data, err := s.ReadFile(ctx, "gen/f")
	require.NoError(t, err)
	assert.Equal(t, "durable", string(data))
}
