// Package redisstore implements store.Store on Redis.
//
// File contents live under "<prefix>f:<path>". Each directory is a set under
// "<prefix>d:<dir>" whose members are "f/<name>" or "d/<name>"; the root
// directory is "<prefix>d:".
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bpowers/boxedr/store"
)

// Config holds Redis connection settings.
type Config struct {
	Address      string        `yaml:"address" mapstructure:"address"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	Prefix       string        `yaml:"prefix" mapstructure:"prefix"`
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// Store is a store.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Persister = (*Store)(nil)
)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	// Accept redis:// and rediss:// addresses.
	cfg.Address = strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "rediss://"), "redis://")
	if cfg.Prefix == "" {
		cfg.Prefix = "boxedr:"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient returns a store using an existing client.
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &store.Error{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) ReadFile(ctx context.Context, name string) ([]byte, error) {
	p, err := store.Clean(name)
	if err != nil {
		return nil, &store.Error{Op: "read", Path: name, Err: err}
	}
	data, err := s.client.Get(ctx, s.fileKey(p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &store.Error{Op: "read", Path: name, Err: fmt.Errorf("%w: %s", fs.ErrNotExist, p)}
	}
	if err != nil {
		return nil, &store.Error{Op: "read", Path: name, Err: err}
	}
	return data, nil
}

func (s *Store) WriteFile(ctx context.Context, name string, data []byte) error {
	p, err := store.Clean(name)
	if err != nil || p == "" {
		if err == nil {
			err = store.ErrInvalidPath
		}
		return &store.Error{Op: "write", Path: name, Err: err}
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.fileKey(p), data, 0)
		member := "f/" + path.Base(p)
		for dir := parent(p); ; dir = parent(dir) {
			pipe.SAdd(ctx, s.dirKey(dir), member)
			if dir == "" {
				break
			}
			member = "d/" + path.Base(dir)
		}
		return nil
	})
	if err != nil {
		return &store.Error{Op: "write", Path: name, Err: err}
	}
	return nil
}

func (s *Store) List(ctx context.Context, dir string) ([]store.Entry, error) {
	p, err := store.Clean(dir)
	if err != nil {
		return nil, &store.Error{Op: "list", Path: dir, Err: err}
	}
	members, err := s.client.SMembers(ctx, s.dirKey(p)).Result()
	if err != nil {
		return nil, &store.Error{Op: "list", Path: dir, Err: err}
	}
	entries := make([]store.Entry, 0, len(members))
	for _, m := range members {
		kind, name, ok := strings.Cut(m, "/")
		if !ok || name == "" {
			continue
		}
		e := store.Entry{Name: name, Kind: store.KindFile}
		if kind == "d" {
			e.Kind = store.KindDir
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	p, err := store.Clean(name)
	if err != nil {
		return false, &store.Error{Op: "stat", Path: name, Err: err}
	}
	n, err := s.client.Exists(ctx, s.fileKey(p), s.dirKey(p)).Result()
	if err != nil {
		return false, &store.Error{Op: "stat", Path: name, Err: err}
	}
	return n > 0, nil
}

// RemoveAll deletes name and everything below it, then prunes parents that
// became empty.
func (s *Store) RemoveAll(ctx context.Context, name string) error {
	p, err := store.Clean(name)
	if err != nil || p == "" {
		if err == nil {
			err = store.ErrInvalidPath
		}
		return &store.Error{Op: "remove", Path: name, Err: err}
	}

	keys := []string{s.fileKey(p)}
	pending := []string{p}
	for len(pending) > 0 {
		dir := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		members, err := s.client.SMembers(ctx, s.dirKey(dir)).Result()
		if err != nil {
			return &store.Error{Op: "remove", Path: name, Err: err}
		}
		keys = append(keys, s.dirKey(dir))
		for _, m := range members {
			kind, child, _ := strings.Cut(m, "/")
			full := path.Join(dir, child)
			if kind == "d" {
				pending = append(pending, full)
			} else {
				keys = append(keys, s.fileKey(full))
			}
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		dir := parent(p)
		pipe.SRem(ctx, s.dirKey(dir), "f/"+path.Base(p), "d/"+path.Base(p))
		return nil
	})
	if err != nil {
		return &store.Error{Op: "remove", Path: name, Err: err}
	}

	for dir := parent(p); dir != ""; dir = parent(dir) {
		n, err := s.client.SCard(ctx, s.dirKey(dir)).Result()
		if err != nil {
			return &store.Error{Op: "remove", Path: name, Err: err}
		}
		if n > 0 {
			break
		}
		if err := s.client.SRem(ctx, s.dirKey(parent(dir)), "d/"+path.Base(dir)).Err(); err != nil {
			return &store.Error{Op: "remove", Path: name, Err: err}
		}
	}
	return nil
}

// Persist asks the server for a background snapshot.
func (s *Store) Persist(ctx context.Context) (bool, error) {
	if err := s.client.BgSave(ctx).Err(); err != nil {
		return false, &store.Error{Op: "persist", Err: err}
	}
	return true, nil
}

func (s *Store) fileKey(p string) string {
	return s.prefix + "f:" + p
}

func (s *Store) dirKey(p string) string {
	return s.prefix + "d:" + p
}

func parent(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
