package store

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]*BillyStore {
	t.Helper()
	dir, err := NewDir(t.TempDir())
	require.NoError(t, err)
	return map[string]*BillyStore{
		"memory": NewMemory(),
		"dir":    dir,
	}
}

func TestBillyStore_ReadWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Ping(ctx))

			require.NoError(t, s.WriteFile(ctx, "gen/lib/pkg/DESCRIPTION", []byte("Package: pkg\n")))
			data, err := s.ReadFile(ctx, "gen/lib/pkg/DESCRIPTION")
			require.NoError(t, err)
			assert.Equal(t, "Package: pkg\n", string(data))

			require.NoError(t, s.WriteFile(ctx, "gen/lib/pkg/DESCRIPTION", []byte("v2")))
			data, err = s.ReadFile(ctx, "gen/lib/pkg/DESCRIPTION")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(data))

			ok, err := s.Exists(ctx, "gen/lib")
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = s.ReadFile(ctx, "gen/missing")
			require.Error(t, err)
			assert.True(t, IsNotExist(err))
			var se *Error
			assert.True(t, errors.As(err, &se))
		})
	}
}

func TestBillyStore_List(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.WriteFile(ctx, "root/b.txt", nil))
			require.NoError(t, s.WriteFile(ctx, "root/a/x.txt", []byte("x")))

			entries, err := s.List(ctx, "root")
			require.NoError(t, err)
			assert.Equal(t, []Entry{{Name: "a", Kind: KindDir}, {Name: "b.txt", Kind: KindFile}}, entries)

			entries, err = s.List(ctx, "nowhere")
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestBillyStore_RemoveAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.WriteFile(ctx, "keep/f", []byte("1")))
			require.NoError(t, s.WriteFile(ctx, "drop/deep/f", []byte("2")))

			require.NoError(t, s.RemoveAll(ctx, "drop"))
			require.NoError(t, s.RemoveAll(ctx, "never-existed"))

			ok, err := s.Exists(ctx, "drop")
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = s.Exists(ctx, "keep/f")
			require.NoError(t, err)
			assert.True(t, ok)

			assert.Error(t, s.RemoveAll(ctx, ""))
		})
	}
}

func TestBillyStore_Persist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ok, err := NewMemory().Persist(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	dir, err := NewDir(t.TempDir())
	require.NoError(t, err)
	ok, err = dir.Persist(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWalk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	files := []string{
		"gen/.marker",
		"gen/lib/a/DESCRIPTION",
		"gen/lib/a/R/a.rdb",
		"gen/lib/b/DESCRIPTION",
		"other/x",
	}
	for _, f := range files {
		require.NoError(t, s.WriteFile(ctx, f, []byte(f)))
	}

	var seen []string
	require.NoError(t, Walk(ctx, s, "gen", func(rel string) error {
		seen = append(seen, rel)
		return nil
	}))
	sort.Strings(seen)
	assert.Equal(t, []string{".marker", "lib/a/DESCRIPTION", "lib/a/R/a.rdb", "lib/b/DESCRIPTION"}, seen)

	seen = nil
	require.NoError(t, Walk(ctx, s, "missing", func(rel string) error {
		seen = append(seen, rel)
		return nil
	}))
	assert.Empty(t, seen)

	stop := errors.New("stop")
	err := Walk(ctx, s, "gen", func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestWalk_Canceled(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	require.NoError(t, s.WriteFile(context.Background(), "a/b", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Walk(ctx, s, "a", func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "/", want: ""},
		{in: "a/b", want: "a/b"},
		{in: "/a//b/", want: "a/b"},
		{in: `a\b`, want: "a/b"},
		{in: "./a", want: "a"},
		{in: "../a", wantErr: true},
		{in: "a/../../b", wantErr: true},
		{in: "a\x00b", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Clean(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPath, "Clean(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "Clean(%q)", tt.in)
		assert.Equal(t, tt.want, got, "Clean(%q)", tt.in)
	}
}
