package boxedr

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/boxedr/internal/rtest"
	"github.com/bpowers/boxedr/interp"
	"github.com/bpowers/boxedr/mirror"
	"github.com/bpowers/boxedr/store"
)

func newSession(t *testing.T, l interp.Launcher, st store.Store, mutate ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Launcher: l,
		Store:    st,
		Packages: []string{"alpha", "beta"},
		Assets:   AssetConfig{Candidates: []string{}, PublicDefault: "https://assets.example/r/"},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// flakyStore fails selected operations.
type flakyStore struct {
	store.Store
	pingErr  error
	writeErr error
	readErr  error
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.Store.Ping(ctx)
}

func (f *flakyStore) WriteFile(ctx context.Context, name string, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.Store.WriteFile(ctx, name, data)
}

func (f *flakyStore) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if f.readErr != nil && !strings.HasSuffix(name, mirror.MarkerName) {
		return nil, f.readErr
	}
	return f.Store.ReadFile(ctx, name)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "no launcher", cfg: Config{}, want: "Launcher is required"},
		{name: "bad input variable", cfg: Config{Launcher: &rtest.Launcher{}, InputVariable: "1x"}, want: "invalid InputVariable"},
		{name: "bad package", cfg: Config{Launcher: &rtest.Launcher{}, Packages: []string{"../evil"}}, want: "invalid package name"},
		{name: "bad library path", cfg: Config{Launcher: &rtest.Launcher{}, LibraryPath: "../lib"}, want: "invalid LibraryPath"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	s, err := New(Config{Launcher: &rtest.Launcher{}})
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, s.State())
	assert.Equal(t, DefaultLibraryPath, s.LibraryPath())
	assert.NotEmpty(t, s.GenerationTag())
	assert.Empty(t, s.Channel())
}

func TestInitialize_ColdStartInstallsAndMirrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := &rtest.Launcher{}
	st := store.NewMemory()
	s := newSession(t, l, st)

	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, interp.ChannelSocket, s.Channel())
	assert.Equal(t, AssetsDefault, s.Assets().Source)
	assert.Equal(t, []string{"https://assets.example/r/"}, l.AssetBases())

	assert.Equal(t, 1, l.InstallCalls())
	assert.Equal(t, []string{"alpha", "beta"}, l.Installed())

	// The local marker holds the generation tag.
	data, err := l.Last().MemFS().ReadFile(ctx, path.Join("library", LocalMarkerName))
	require.NoError(t, err)
	assert.Equal(t, s.GenerationTag()+"\n", string(data))

	m, err := s.CacheStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 5, m.Files, "two packages with two files each plus the local marker")

	// Ready is a no-op.
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, 1, l.Launches())
}

func TestInitialize_ReloadRestoresWithoutInstall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()

	first := &rtest.Launcher{}
	s1 := newSession(t, first, st)
	require.NoError(t, s1.Initialize(ctx))
	require.Equal(t, 1, first.InstallCalls())
	want, err := first.Last().MemFS().Walk("library")
	require.NoError(t, err)
	require.NoError(t, s1.Close(ctx))

	// A fresh session over the same store simulates a process restart.
	second := &rtest.Launcher{}
	s2 := newSession(t, second, st)
	require.NoError(t, s2.Initialize(ctx))

	assert.Zero(t, second.InstallCalls(), "packages must come from the cache")
	got, err := second.Last().MemFS().Walk("library")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	res, err := s2.Run(ctx, "library(alpha)\nlibrary(beta)\n'{\"ok\":true}'", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res.Value)
}

func TestInitialize_ConcurrentCallersShareOneColdStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := &rtest.Launcher{Delay: 50 * time.Millisecond}
	s := newSession(t, l, store.NewMemory())

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Initialize(ctx)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, l.Launches())
	assert.Equal(t, 1, l.InstallCalls())
}

func TestInitialize_CallerCancelDoesNotAbortColdStart(t *testing.T) {
	t.Parallel()

	l := &rtest.Launcher{Delay: 100 * time.Millisecond}
	s := newSession(t, l, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Initialize(ctx), context.DeadlineExceeded)

	require.NoError(t, s.Initialize(context.Background()))
	assert.Equal(t, 1, l.Launches(), "the second caller joined the first cold start")
}

func TestInitialize_ChannelFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := &rtest.Launcher{FailChannels: map[interp.Channel]error{
		interp.ChannelSocket: errors.New("loopback unavailable"),
	}}
	s := newSession(t, l, nil)

	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, interp.ChannelPipe, s.Channel())
	assert.Equal(t, []interp.Channel{interp.ChannelSocket, interp.ChannelPipe}, l.Attempts())

	logs := strings.Join(s.Diagnostics().Lines(), "\n")
	assert.Contains(t, logs, "start interpreter (socket): failed")
	assert.Contains(t, logs, "falling back")
	assert.Contains(t, logs, "start interpreter (pipe): done")
}

func TestInitialize_AllChannelsFailThenRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := &rtest.Launcher{FailChannels: map[interp.Channel]error{
		interp.ChannelSocket: errors.New("no loopback"),
		interp.ChannelPipe:   errors.New("no pipes"),
	}}
	s := newSession(t, l, nil)

	err := s.Initialize(ctx)
	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, StageSpawn, ie.Stage)
	assert.Contains(t, err.Error(), "no loopback")
	assert.Contains(t, err.Error(), "no pipes")
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, err, s.Err())

	_, err = s.Run(ctx, "'1'", "")
	assert.ErrorIs(t, err, ErrNotReady)

	l.FailChannels = nil
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, StateReady, s.State())
	assert.NoError(t, s.Err())
}

func TestInitialize_InstallFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := &rtest.Launcher{FailInstall: &interp.RuntimeError{Message: "package 'beta' is not available"}}
	st := store.NewMemory()
	s := newSession(t, l, st)

	err := s.Initialize(ctx)
	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, StageInstall, ie.Stage)
	assert.Equal(t, StateFailed, s.State())
	assert.True(t, l.Last().Closed(), "half-started interpreter is closed")

	m, err := s.CacheStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, m, "nothing is mirrored after a failed install")
}

func TestInitialize_StoreUnavailableDegrades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := &rtest.Launcher{}
	st := &flakyStore{Store: store.NewMemory(), pingErr: errors.New("quota exceeded")}
	s := newSession(t, l, st)

	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, 1, l.InstallCalls())
	assert.Contains(t, strings.Join(s.Diagnostics().Lines(), "\n"), "persistent store unavailable")
}

func TestInitialize_MirrorWriteFailureDegrades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := &rtest.Launcher{}
	st := &flakyStore{Store: store.NewMemory(), writeErr: errors.New("disk full")}
	s := newSession(t, l, st)

	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, StateReady, s.State())
	assert.Contains(t, strings.Join(s.Diagnostics().Lines(), "\n"), "library will not be cached")

	m, err := s.CacheStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestInitialize_RestoreReadFailureReinstalls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := store.NewMemory()

	s1 := newSession(t, &rtest.Launcher{}, mem)
	require.NoError(t, s1.Initialize(ctx))

	l := &rtest.Launcher{}
	st := &flakyStore{Store: mem, readErr: errors.New("i/o timeout")}
	s2 := newSession(t, l, st)
	require.NoError(t, s2.Initialize(ctx))

	assert.Equal(t, 1, l.InstallCalls())
	assert.Equal(t, []string{"alpha", "beta"}, l.Installed())
}

func TestInitialize_InterruptedMirrorIsColdStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()

	s := newSession(t, &rtest.Launcher{}, st)
	// Files of a generation whose marker was never written.
	dir := path.Join(mirror.DefaultRoot, s.GenerationTag())
	require.NoError(t, st.WriteFile(ctx, path.Join(dir, "alpha/DESCRIPTION"), []byte("Package: alpha\n")))

	l := &rtest.Launcher{}
	s = newSession(t, l, st)
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, 1, l.InstallCalls())
	assert.Equal(t, []string{"alpha", "beta"}, l.Installed())
}

func TestInitialize_GenerationChangeInvalidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()

	s1 := newSession(t, &rtest.Launcher{}, st, func(c *Config) { c.GenerationTag = "v1" })
	require.NoError(t, s1.Initialize(ctx))

	l := &rtest.Launcher{}
	s2 := newSession(t, l, st, func(c *Config) { c.GenerationTag = "v2" })
	require.NoError(t, s2.Initialize(ctx))
	assert.Equal(t, 1, l.InstallCalls())

	ok, err := st.Exists(ctx, path.Join(mirror.DefaultRoot, "v1"))
	require.NoError(t, err)
	assert.False(t, ok, "stale generation removed")
	ok, err = st.Exists(ctx, path.Join(mirror.DefaultRoot, "v2", mirror.MarkerName))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInitialize_PartialLibraryInstallsOnlyMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()

	s1 := newSession(t, &rtest.Launcher{}, st, func(c *Config) {
		c.Packages = []string{"alpha"}
		c.GenerationTag = "shared"
	})
	require.NoError(t, s1.Initialize(ctx))

	l := &rtest.Launcher{}
	s2 := newSession(t, l, st, func(c *Config) { c.GenerationTag = "shared" })
	require.NoError(t, s2.Initialize(ctx))
	assert.Equal(t, []string{"beta"}, l.Installed())

	m, err := s2.CacheStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 5, m.Files)
}

func TestInitialize_NoPackages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := &rtest.Launcher{}
	s := newSession(t, l, store.NewMemory(), func(c *Config) { c.Packages = nil })
	require.NoError(t, s.Initialize(ctx))
	assert.Zero(t, l.InstallCalls())

	m, err := s.CacheStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, m, "nothing installed, nothing mirrored")
}

func TestRestartAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := &rtest.Launcher{}
	s := newSession(t, l, store.NewMemory())
	require.NoError(t, s.Initialize(ctx))
	first := l.Last()

	require.NoError(t, s.Restart(ctx))
	assert.True(t, first.Closed())
	assert.Equal(t, 2, l.Launches())
	assert.Equal(t, 1, l.InstallCalls(), "restart restores from the cache")
	assert.Equal(t, StateReady, s.State())

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.True(t, l.Last().Closed())
	assert.ErrorIs(t, s.Initialize(ctx), ErrClosed)
	assert.ErrorIs(t, s.Restart(ctx), ErrClosed)
	_, err := s.Run(ctx, "'1'", "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Uninitialized", StateUninitialized.String())
	assert.Equal(t, "Initializing", StateInitializing.String())
	assert.Equal(t, "Ready", StateReady.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.Equal(t, "Unknown", State(42).String())
}
