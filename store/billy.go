package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// BillyStore is a Store over a go-billy filesystem: a local directory for the
// CLI, or memory for tests.
type BillyStore struct {
	fs   billy.Filesystem
	root string // local directory, empty for memory
}

var (
	_ Store     = (*BillyStore)(nil)
	_ Persister = (*BillyStore)(nil)
)

// NewDir returns a store rooted at dir, creating it if needed.
func NewDir(dir string) (*BillyStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %q: %w", abs, err)
	}
	return &BillyStore{fs: osfs.New(abs), root: abs}, nil
}

// NewMemory returns an empty in-memory store.
func NewMemory() *BillyStore {
	return &BillyStore{fs: memfs.New()}
}

// NewBilly wraps an existing filesystem.
func NewBilly(fs billy.Filesystem) *BillyStore {
	return &BillyStore{fs: fs}
}

func (b *BillyStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.fs.Stat("/"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}

func (b *BillyStore) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.path(name)
	if err != nil {
		return nil, &Error{Op: "read", Path: name, Err: err}
	}
	f, err := b.fs.Open(p)
	if err != nil {
		return nil, &Error{Op: "read", Path: name, Err: err}
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &Error{Op: "read", Path: name, Err: err}
	}
	return data, nil
}

func (b *BillyStore) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.path(name)
	if err != nil {
		return &Error{Op: "write", Path: name, Err: err}
	}
	if err := b.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return &Error{Op: "write", Path: name, Err: err}
	}
	if err := util.WriteFile(b.fs, p, data, 0o644); err != nil {
		return &Error{Op: "write", Path: name, Err: err}
	}
	return nil
}

func (b *BillyStore) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.path(dir)
	if err != nil {
		return nil, &Error{Op: "list", Path: dir, Err: err}
	}
	infos, err := b.fs.ReadDir(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &Error{Op: "list", Path: dir, Err: err}
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		kind := KindFile
		if fi.IsDir() {
			kind = KindDir
		}
		entries = append(entries, Entry{Name: fi.Name(), Kind: kind})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (b *BillyStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := b.path(name)
	if err != nil {
		return false, &Error{Op: "stat", Path: name, Err: err}
	}
	if _, err := b.fs.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &Error{Op: "stat", Path: name, Err: err}
	}
	return true, nil
}

func (b *BillyStore) RemoveAll(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.path(name)
	if err != nil {
		return &Error{Op: "remove", Path: name, Err: err}
	}
	if p == "/" {
		return &Error{Op: "remove", Path: name, Err: ErrInvalidPath}
	}
	if err := util.RemoveAll(b.fs, p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &Error{Op: "remove", Path: name, Err: err}
	}
	return nil
}

// Persist syncs the store directory. Memory stores are never durable.
func (b *BillyStore) Persist(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if b.root == "" {
		return false, nil
	}
	d, err := os.Open(b.root)
	if err != nil {
		return false, &Error{Op: "persist", Path: b.root, Err: err}
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return false, &Error{Op: "persist", Path: b.root, Err: err}
	}
	return true, nil
}

func (b *BillyStore) path(name string) (string, error) {
	cleaned, err := Clean(name)
	if err != nil {
		return "", err
	}
	return "/" + cleaned, nil
}
