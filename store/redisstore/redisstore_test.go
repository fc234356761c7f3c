package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/boxedr/store"
)

// setupTestRedis starts miniredis and connects a store to it.
func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Config{Address: mr.Addr(), Prefix: "t:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestNew_InvalidAddress(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Address: "localhost:1"})
	assert.Error(t, err)
}

func TestStore_ReadWrite(t *testing.T) {
	t.Parallel()
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.WriteFile(ctx, "gen/lib/pkg/DESCRIPTION", []byte("Package: pkg")))

	got, err := mr.Get("t:f:gen/lib/pkg/DESCRIPTION")
	require.NoError(t, err)
	assert.Equal(t, "Package: pkg", got)
	assert.True(t, mr.Exists("t:d:"))

	data, err := s.ReadFile(ctx, "gen/lib/pkg/DESCRIPTION")
	require.NoError(t, err)
	assert.Equal(t, "Package: pkg", string(data))

	_, err = s.ReadFile(ctx, "gen/lib/none")
	require.Error(t, err)
	assert.True(t, store.IsNotExist(err))

	assert.Error(t, s.WriteFile(ctx, "", []byte("x")))
	assert.Error(t, s.WriteFile(ctx, "../escape", []byte("x")))
}

func TestStore_List(t *testing.T) {
	t.Parallel()
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.WriteFile(ctx, "gen/.marker", []byte("{}")))
	require.NoError(t, s.WriteFile(ctx, "gen/lib/a/DESCRIPTION", nil))
	require.NoError(t, s.WriteFile(ctx, "gen/lib/b/DESCRIPTION", nil))

	entries, err := s.List(ctx, "gen")
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{
		{Name: ".marker", Kind: store.KindFile},
		{Name: "lib", Kind: store.KindDir},
	}, entries)

	entries, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{{Name: "gen", Kind: store.KindDir}}, entries)

	entries, err = s.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, entries)

	var files []string
	require.NoError(t, store.Walk(ctx, s, "gen", func(rel string) error {
		files = append(files, rel)
		return nil
	}))
	assert.ElementsMatch(t, []string{".marker", "lib/a/DESCRIPTION", "lib/b/DESCRIPTION"}, files)
}

func TestStore_RemoveAll(t *testing.T) {
	t.Parallel()
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.WriteFile(ctx, "old/lib/a/f1", []byte("1")))
	require.NoError(t, s.WriteFile(ctx, "old/lib/a/f2", []byte("2")))
	require.NoError(t, s.WriteFile(ctx, "new/lib/f", []byte("3")))

	require.NoError(t, s.RemoveAll(ctx, "old"))

	ok, err := s.Exists(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, "new/lib/f")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("t:f:old/lib/a/f1"))

	entries, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{{Name: "new", Kind: store.KindDir}}, entries)

	// Removing the only file in a directory prunes the emptied parents.
	require.NoError(t, s.RemoveAll(ctx, "new/lib/f"))
	entries, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Error(t, s.RemoveAll(ctx, "/"))
}

func TestStore_ServerDown(t *testing.T) {
	t.Parallel()
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	mr.Close()
	err := s.Ping(ctx)
	require.Error(t, err)
	var se *store.Error
	assert.ErrorAs(t, err, &se)
}
