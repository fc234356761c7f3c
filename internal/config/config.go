// Package config loads boxedr CLI configuration
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bpowers/boxedr"
	"github.com/bpowers/boxedr/interp"
	"github.com/bpowers/boxedr/rworker"
	"github.com/bpowers/boxedr/sandbox"
	"github.com/bpowers/boxedr/store"
	"github.com/bpowers/boxedr/store/redisstore"
	"github.com/bpowers/boxedr/store/s3store"
	"github.com/bpowers/boxedr/store/sqlitestore"
)

// Config holds the boxedr configuration
type Config struct {
	Packages      []string      `mapstructure:"packages" yaml:"packages"`
	Repos         []string      `mapstructure:"repos" yaml:"repos"`
	GenerationTag string        `mapstructure:"generation_tag" yaml:"generation_tag,omitempty"`
	LibraryPath   string        `mapstructure:"library_path" yaml:"library_path"`
	InputVariable string        `mapstructure:"input_variable" yaml:"input_variable"`
	Channels      []string      `mapstructure:"channels" yaml:"channels"`
	LogLevel      string        `mapstructure:"log_level" yaml:"log_level"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`

	Assets AssetsConfig `mapstructure:"assets" yaml:"assets"`
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Cache  CacheConfig  `mapstructure:"cache" yaml:"cache"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

// AssetsConfig mirrors boxedr.AssetConfig
type AssetsConfig struct {
	Override       string   `mapstructure:"override" yaml:"override,omitempty"`
	BundledDir     string   `mapstructure:"bundled_dir" yaml:"bundled_dir,omitempty"`
	Candidates     []string `mapstructure:"candidates" yaml:"candidates,omitempty"`
	BaseDir        string   `mapstructure:"base_dir" yaml:"base_dir,omitempty"`
	DeploymentHost string   `mapstructure:"deployment_host" yaml:"deployment_host,omitempty"`
	PublicDefault  string   `mapstructure:"public_default" yaml:"public_default,omitempty"`
}

// WorkerConfig configures the R worker process
type WorkerConfig struct {
	Rscript      string        `mapstructure:"rscript" yaml:"rscript,omitempty"`
	Args         []string      `mapstructure:"args" yaml:"args,omitempty"`
	TempDir      string        `mapstructure:"temp_dir" yaml:"temp_dir,omitempty"`
	StartTimeout time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	Sandbox      bool          `mapstructure:"sandbox" yaml:"sandbox"`
	RHome        string        `mapstructure:"r_home" yaml:"r_home,omitempty"`
}

// StoreConfig selects and configures the persistent store
type StoreConfig struct {
	Backend string             `mapstructure:"backend" yaml:"backend"`
	Dir     string             `mapstructure:"dir" yaml:"dir,omitempty"`
	SQLite  sqlitestore.Config `mapstructure:"sqlite" yaml:"sqlite"`
	Redis   redisstore.Config  `mapstructure:"redis" yaml:"redis"`
	S3      s3store.Config     `mapstructure:"s3" yaml:"s3"`
}

// CacheConfig tunes the library mirror
type CacheConfig struct {
	Root        string `mapstructure:"root" yaml:"root"`
	BatchSize   int    `mapstructure:"batch_size" yaml:"batch_size"`
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
}

// ServerConfig configures `boxedr serve`
type ServerConfig struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	InitOnStartup bool   `mapstructure:"init_on_startup" yaml:"init_on_startup"`
}

// Store backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendDir    = "dir"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// Load reads configuration from file (when path is empty, boxedr.yaml in the
// working directory or $HOME/.boxedr, if present), then BOXEDR_* environment
// variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("boxedr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.boxedr")
	}

	v.SetEnvPrefix("BOXEDR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("packages", []string{"jsonlite"})
	v.SetDefault("repos", boxedr.DefaultRepos)
	v.SetDefault("library_path", boxedr.DefaultLibraryPath)
	v.SetDefault("input_variable", boxedr.DefaultInputVariable)
	v.SetDefault("channels", []string{string(interp.ChannelSocket), string(interp.ChannelPipe)})
	v.SetDefault("generation_tag", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("timeout", 5*time.Minute)

	v.SetDefault("worker.start_timeout", rworker.DefaultStartTimeout)
	v.SetDefault("worker.rscript", "")
	v.SetDefault("worker.sandbox", false)

	v.SetDefault("store.backend", BackendDir)
	v.SetDefault("store.dir", ".boxedr-cache")
	v.SetDefault("store.sqlite.path", "boxedr-cache.db")
	v.SetDefault("store.redis.address", "localhost:6379")
	v.SetDefault("store.redis.prefix", "boxedr:")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.prefix", "")
	v.SetDefault("store.s3.endpoint", "")
	v.SetDefault("store.s3.region", "us-east-1")
	v.SetDefault("store.s3.use_ssl", true)

	v.SetDefault("cache.root", "boxedr")
	v.SetDefault("cache.batch_size", 32)
	v.SetDefault("cache.concurrency", 4)

	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.init_on_startup", true)
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendNone, BackendMemory, BackendDir, BackendSQLite, BackendRedis, BackendS3:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendS3 && c.Store.S3.Bucket == "" {
		return errors.New("store.s3.bucket is required for the s3 backend")
	}
	for _, ch := range c.Channels {
		switch interp.Channel(ch) {
		case interp.ChannelSocket, interp.ChannelPipe:
		default:
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return l, nil
}

// OpenStore builds the configured store. The returned closer releases any
// connection the store holds; it is never nil. A nil store means caching is
// disabled.
func (c *Config) OpenStore(ctx context.Context, logger *slog.Logger) (store.Store, io.Closer, error) {
	var nop nopCloser
	switch c.Store.Backend {
	case BackendNone:
		return nil, nop, nil
	case BackendMemory:
		return store.NewMemory(), nop, nil
	case BackendDir:
		s, err := store.NewDir(c.Store.Dir)
		if err != nil {
			return nil, nop, err
		}
		return s, nop, nil
	case BackendSQLite:
		s, err := sqlitestore.Open(ctx, c.Store.SQLite)
		if err != nil {
			return nil, nop, err
		}
		return s, s, nil
	case BackendRedis:
		s, err := redisstore.New(ctx, c.Store.Redis)
		if err != nil {
			return nil, nop, err
		}
		return s, s, nil
	case BackendS3:
		s, err := s3store.New(ctx, c.Store.S3, logger)
		if err != nil {
			return nil, nop, err
		}
		return s, nop, nil
	}
	return nil, nop, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Launcher builds the R worker launcher.
func (c *Config) Launcher(logger *slog.Logger) *rworker.Launcher {
	wc := rworker.Config{
		Rscript:      c.Worker.Rscript,
		Args:         c.Worker.Args,
		TempDir:      c.Worker.TempDir,
		StartTimeout: c.Worker.StartTimeout,
		Logger:       logger,
	}
	if c.Worker.Sandbox {
		wc.Policy = sandbox.WorkerPolicy(c.Worker.RHome)
	}
	return rworker.NewLauncher(wc)
}

// Session translates the configuration into a boxedr.Config.
func (c *Config) Session(l interp.Launcher, st store.Store) boxedr.Config {
	chans := make([]interp.Channel, len(c.Channels))
	for i, ch := range c.Channels {
		chans[i] = interp.Channel(ch)
	}
	return boxedr.Config{
		Launcher:      l,
		Store:         st,
		Packages:      c.Packages,
		Repos:         c.Repos,
		GenerationTag: c.GenerationTag,
		LibraryPath:   c.LibraryPath,
		InputVariable: c.InputVariable,
		Channels:      chans,
		Assets: boxedr.AssetConfig{
			Override:       c.Assets.Override,
			BundledDir:     c.Assets.BundledDir,
			Candidates:     c.Assets.Candidates,
			BaseDir:        c.Assets.BaseDir,
			DeploymentHost: c.Assets.DeploymentHost,
			PublicDefault:  c.Assets.PublicDefault,
		},
		CacheRoot:         c.Cache.Root,
		MirrorBatchSize:   c.Cache.BatchSize,
		MirrorConcurrency: c.Cache.Concurrency,
	}
}
