// Package store defines the persistent object store that survives interpreter
// restarts. Paths are slash-separated and relative to the store root; a
// directory exists exactly when something has been written beneath it.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// Kind distinguishes files from directories in a listing.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is one child of a listed directory.
type Entry struct {
	Name string
	Kind Kind
}

// Store is a durable hierarchical byte store.
//
// ReadFile returns an error satisfying errors.Is(err, fs.ErrNotExist) when
// name is missing. List on a missing directory returns no entries and no
// error. WriteFile creates missing parent directories.
type Store interface {
	Ping(ctx context.Context) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte) error
	List(ctx context.Context, dir string) ([]Entry, error)
	Exists(ctx context.Context, name string) (bool, error)
	RemoveAll(ctx context.Context, name string) error
}

// Persister is implemented by stores that can be asked to make their contents
// durable. Persist reports whether durability was actually granted.
type Persister interface {
	Persist(ctx context.Context) (bool, error)
}

// Error records a failed store operation. Callers treat it as a signal to
// continue without caching rather than as a fatal condition.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns err as an *Error unless it already is one.
func Wrap(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Path: name, Err: err}
}

// ErrInvalidPath is returned for paths that escape the store root.
var ErrInvalidPath = errors.New("invalid store path")

// Clean normalizes name to a slash-separated path relative to the store root.
// The root itself is "". Paths that climb above the root are rejected.
func Clean(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	cleaned := path.Clean("/" + name)
	if strings.Contains(name, "\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
		}
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

// Walk visits every file below root, calling fn with the path relative to
// root. Directories are expanded with an explicit worklist so deep trees do
// not grow the stack. A missing root visits nothing.
func Walk(ctx context.Context, s Store, root string, fn func(rel string) error) error {
	root, err := Clean(root)
	if err != nil {
		return err
	}
	pending := []string{""}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		entries, err := s.List(ctx, path.Join(root, rel))
		if err != nil {
			return err
		}
		for _, e := range entries {
			child := path.Join(rel, e.Name)
			if e.Kind == KindDir {
				pending = append(pending, child)
				continue
			}
			if err := fn(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsNotExist reports whether err means the requested path is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
