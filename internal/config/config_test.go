package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/boxedr"
	"github.com/bpowers/boxedr/interp"
	"github.com/bpowers/boxedr/internal/rtest"
	"github.com/bpowers/boxedr/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "boxedr.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"jsonlite"}, cfg.Packages)
	assert.Equal(t, boxedr.DefaultRepos, cfg.Repos)
	assert.Equal(t, "library", cfg.LibraryPath)
	assert.Equal(t, "input_data", cfg.InputVariable)
	assert.Equal(t, []string{"socket", "pipe"}, cfg.Channels)
	assert.Equal(t, BackendDir, cfg.Store.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Timeout)
	assert.Equal(t, 32, cfg.Cache.BatchSize)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Addr)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_FileAndEnv(t *testing.T) {
	p := writeConfig(t, `
packages: [drc, jsonlite]
channels: [pipe]
log_level: debug
timeout: 30s
store:
  backend: sqlite
  sqlite:
    path: /tmp/cache.db
worker:
  rscript: /opt/R/bin/Rscript
  start_timeout: 1m
cache:
  concurrency: 8
`)
	t.Setenv("BOXEDR_STORE_SQLITE_PATH", "/var/lib/boxedr/cache.db")
	t.Setenv("BOXEDR_GENERATION_TAG", "v7")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"drc", "jsonlite"}, cfg.Packages)
	assert.Equal(t, []string{"pipe"}, cfg.Channels)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/boxedr/cache.db", cfg.Store.SQLite.Path, "environment wins over the file")
	assert.Equal(t, "v7", cfg.GenerationTag)
	assert.Equal(t, "/opt/R/bin/Rscript", cfg.Worker.Rscript)
	assert.Equal(t, time.Minute, cfg.Worker.StartTimeout)
	assert.Equal(t, 8, cfg.Cache.Concurrency)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "backend", body: "store:\n  backend: tape\n", want: "unknown store backend"},
		{name: "s3 without bucket", body: "store:\n  backend: s3\n", want: "bucket is required"},
		{name: "channel", body: "channels: [carrier-pigeon]\n", want: "unknown channel"},
		{name: "log level", body: "log_level: loud\n", want: "invalid log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	mr := miniredis.RunT(t)

	tests := []struct {
		name  string
		store StoreConfig
		isNil bool
	}{
		{name: "none", store: StoreConfig{Backend: BackendNone}, isNil: true},
		{name: "memory", store: StoreConfig{Backend: BackendMemory}},
		{name: "dir", store: StoreConfig{Backend: BackendDir, Dir: t.TempDir()}},
		{name: "sqlite", store: StoreConfig{Backend: BackendSQLite}},
		{name: "redis", store: StoreConfig{Backend: BackendRedis}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Store: tt.store}
			cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "cache.db")
			cfg.Store.Redis.Address = mr.Addr()

			st, closer, err := cfg.OpenStore(ctx, logger)
			require.NoError(t, err)
			require.NotNil(t, closer)
			defer closer.Close()
			if tt.isNil {
				assert.Nil(t, st)
				return
			}
			require.NotNil(t, st)
			require.NoError(t, st.Ping(ctx))
			require.NoError(t, st.WriteFile(ctx, "a/b.txt", []byte("hi")))
			data, err := st.ReadFile(ctx, "a/b.txt")
			require.NoError(t, err)
			assert.Equal(t, "hi", string(data))
		})
	}
}

func TestSessionConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Packages = []string{"alpha"}
	cfg.Assets.PublicDefault = "https://assets.example/r/"
	cfg.Assets.Candidates = []string{}

	l := &rtest.Launcher{}
	sc := cfg.Session(l, store.NewMemory())
	assert.Equal(t, []interp.Channel{interp.ChannelSocket, interp.ChannelPipe}, sc.Channels)
	assert.Equal(t, "boxedr", sc.CacheRoot)

	sess, err := boxedr.New(sc)
	require.NoError(t, err)
	defer sess.Close(context.Background())
	require.NoError(t, sess.Initialize(context.Background()))
	assert.Equal(t, []string{"alpha"}, l.Installed())

	assert.NotNil(t, cfg.Launcher(slog.New(slog.DiscardHandler)))
}
