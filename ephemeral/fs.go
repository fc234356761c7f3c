// Package ephemeral describes the interpreter's live working filesystem: the
// directory tree an R process installs packages into and loads them from. Its
// contents disappear when the interpreter process goes away.
//
// Implementations only promise the four operations R-side tooling offers
// (mkdir, write, read, list one directory). Recursive enumeration is not part
// of the contract; callers that need it ask the interpreter instead.
package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

// FS is the interpreter-side filesystem. Paths use forward slashes and are
// interpreted relative to the interpreter's working directory unless absolute.
//
// ReadDir and ReadFile return an error satisfying errors.Is(err, fs.ErrNotExist)
// when the target is missing.
type FS interface {
	MkdirAll(ctx context.Context, name string) error
	WriteFile(ctx context.Context, name string, data []byte) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	ReadDir(ctx context.Context, name string) ([]string, error)
}

// MemFS is an in-memory FS backed by go-billy's memfs. It is what test
// interpreters use as their working filesystem.
type MemFS struct {
	mu sync.Mutex
	fs billy.Filesystem
}

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{fs: memfs.New()}
}

// MkdirAll creates name and any missing parents.
func (m *MemFS) MkdirAll(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fs.MkdirAll(clean(name), 0o755)
}

// WriteFile writes data to name, replacing existing content. The parent
// directory must exist, as it must for the R process.
func (m *MemFS) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name = clean(name)
	if dir := path.Dir(name); dir != "." && dir != "/" {
		info, err := m.fs.Stat(dir)
		if err != nil {
			return fmt.Errorf("write %s: %w", name, iofs.ErrNotExist)
		}
		if !info.IsDir() {
			return fmt.Errorf("write %s: parent is not a directory", name)
		}
	}
	return util.WriteFile(m.fs, name, data, 0o644)
}

// ReadFile returns the contents of name.
func (m *MemFS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.fs.Open(clean(name))
	if err != nil {
		return nil, notExist("read", name, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ReadDir returns the sorted entry names of directory name.
func (m *MemFS) ReadDir(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name = clean(name)
	info, err := m.fs.Stat(name)
	if err != nil {
		return nil, notExist("readdir", name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("readdir %s: not a directory", name)
	}
	infos, err := m.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Walk lists every regular file under root as a slash-separated path relative
// to root. MemFS can do this cheaply; the interpreter-backed FS cannot, which
// is why Walk is not part of FS.
func (m *MemFS) Walk(root string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	root = clean(root)
	if _, err := m.fs.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	stack := []string{""}
	for len(stack) > 0 {
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		infos, err := m.fs.ReadDir(path.Join(root, rel))
		if err != nil {
			return nil, err
		}
		for _, fi := range infos {
			child := path.Join(rel, fi.Name())
			if fi.IsDir() {
				stack = append(stack, child)
				continue
			}
			files = append(files, child)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Reset discards every file, simulating a fresh interpreter process.
func (m *MemFS) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fs = memfs.New()
}

func clean(name string) string {
	if name == "" {
		return "."
	}
	return path.Clean(name)
}

func notExist(op, name string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, name, iofs.ErrNotExist)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}
