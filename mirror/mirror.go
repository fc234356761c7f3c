// Package mirror copies an interpreter's package library between its
// ephemeral working filesystem and a persistent store.
//
// Each generation of the library lives in its own directory under the store
// root, named by the generation tag. A manifest marker is written into that
// directory only after every file has been copied, so a generation without a
// readable marker is incomplete and is never restored from.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bpowers/boxedr/ephemeral"
	"github.com/bpowers/boxedr/store"
)

// MarkerName is the manifest file written last into a generation directory.
const MarkerName = ".boxedr-manifest.json"

const (
	DefaultRoot        = "boxedr"
	DefaultBatchSize   = 32
	DefaultConcurrency = 4
)

// Manifest describes a complete mirrored generation.
type Manifest struct {
	GenerationTag string    `json:"generation_tag"`
	Files         int       `json:"files"`
	TotalBytes    int64     `json:"total_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}

// Lister enumerates every regular file below a directory of the ephemeral
// filesystem, relative to that directory. Interpreters provide this because
// their filesystem adapters cannot walk directories themselves.
type Lister interface {
	ListFiles(ctx context.Context, dir string) ([]string, error)
}

// Config configures an Engine.
type Config struct {
	Store         store.Store
	FS            ephemeral.FS
	Lister        Lister
	GenerationTag string

	// Root is the store directory holding every generation.
	Root string

	// BatchSize is the number of files copied between cooperative yields.
	BatchSize int

	// Concurrency bounds parallel store operations within a batch.
	Concurrency int

	Logger *slog.Logger
}

// Engine restores and mirrors one library generation.
type Engine struct {
	store       store.Store
	fs          ephemeral.FS
	lister      Lister
	tag         string
	root        string
	batchSize   int
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("mirror: Store is required")
	}
	if cfg.FS == nil {
		return nil, errors.New("mirror: FS is required")
	}
	if cfg.Lister == nil {
		return nil, errors.New("mirror: Lister is required")
	}
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	root, err := store.Clean(cfg.Root)
	if err != nil || root == "" {
		return nil, fmt.Errorf("mirror: invalid root %q", cfg.Root)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:       cfg.Store,
		fs:          cfg.FS,
		lister:      cfg.Lister,
		tag:         SanitizeTag(cfg.GenerationTag),
		root:        root,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		now:         time.Now,
	}, nil
}

// GenerationTag returns the sanitized tag the engine reads and writes.
func (e *Engine) GenerationTag() string {
	return e.tag
}

// Dir returns the store directory of the current generation.
func (e *Engine) Dir() string {
	return path.Join(e.root, e.tag)
}

// Status returns the manifest of the current generation, or nil when no
// complete mirror exists. An undecodable marker or one recording a different
// tag counts as absent.
func (e *Engine) Status(ctx context.Context) (*Manifest, error) {
	data, err := e.store.ReadFile(ctx, path.Join(e.Dir(), MarkerName))
	if err != nil {
		if store.IsNotExist(err) {
			return nil, nil
		}
		return nil, store.Wrap("read", MarkerName, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		e.logger.WarnContext(ctx, "ignoring unreadable cache marker", "error", err)
		return nil, nil
	}
	if m.GenerationTag != e.tag {
		e.logger.WarnContext(ctx, "ignoring cache marker for another generation",
			"marker_tag", m.GenerationTag, "tag", e.tag)
		return nil, nil
	}
	return &m, nil
}

// Restore copies the current generation from the store into lib. It returns
// false, leaving the ephemeral filesystem untouched, when no complete mirror
// exists. Stale generations are removed first.
//
// Store failures are returned as *store.Error; other errors come from the
// ephemeral filesystem.
func (e *Engine) Restore(ctx context.Context, lib string) (bool, error) {
	if err := e.Invalidate(ctx); err != nil {
		e.logger.WarnContext(ctx, "could not remove stale cache generations", "error", err)
	}

	m, err := e.Status(ctx)
	if err != nil {
		return false, err
	}
	if m == nil {
		e.logger.InfoContext(ctx, "no cached library", "tag", e.tag)
		return false, nil
	}

	var files []string
	err = store.Walk(ctx, e.store, e.Dir(), func(rel string) error {
		if rel != MarkerName {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return false, store.Wrap("walk", e.Dir(), err)
	}

	dirs := map[string]bool{}
	ensureDir := func(dir string) error {
		if dir == "" || dir == "." || dirs[dir] {
			return nil
		}
		if err := e.fs.MkdirAll(ctx, dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		dirs[dir] = true
		return nil
	}
	if err := ensureDir(lib); err != nil {
		return false, err
	}

	var total int64
	err = e.batches(ctx, files, func(batch []string) error {
		data := make([][]byte, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for i, rel := range batch {
			g.Go(func() error {
				b, err := e.store.ReadFile(gctx, path.Join(e.Dir(), rel))
				if err != nil {
					return store.Wrap("read", rel, err)
				}
				data[i] = b
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, rel := range batch {
			dst := path.Join(lib, rel)
			if err := ensureDir(path.Dir(dst)); err != nil {
				return err
			}
			if err := e.fs.WriteFile(ctx, dst, data[i]); err != nil {
				return fmt.Errorf("write %s: %w", dst, err)
			}
			total += int64(len(data[i]))
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	e.logger.InfoContext(ctx, "restored library from cache",
		"files", len(files),
		"bytes", total,
		"tag", e.tag)
	return true, nil
}

// Mirror replaces the current generation in the store with the contents of
// lib. The generation directory is wiped first and the marker is written
// only after every file has been copied.
//
// Store failures are returned as *store.Error; other errors come from the
// interpreter listing or reading lib.
func (e *Engine) Mirror(ctx context.Context, lib string) (*Manifest, error) {
	if err := e.store.RemoveAll(ctx, e.Dir()); err != nil {
		return nil, store.Wrap("remove", e.Dir(), err)
	}

	listed, err := e.lister.ListFiles(ctx, lib)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", lib, err)
	}
	files := make([]string, 0, len(listed))
	for _, rel := range listed {
		rel = strings.TrimPrefix(path.Clean(rel), "./")
		if rel == MarkerName || rel == "." || rel == "" {
			continue
		}
		files = append(files, rel)
	}

	var total int64
	err = e.batches(ctx, files, func(batch []string) error {
		data := make([][]byte, len(batch))
		for i, rel := range batch {
			src := path.Join(lib, rel)
			b, err := e.fs.ReadFile(ctx, src)
			if err != nil {
				return fmt.Errorf("read %s: %w", src, err)
			}
			data[i] = b
			total += int64(len(b))
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for i, rel := range batch {
			g.Go(func() error {
				if err := e.store.WriteFile(gctx, path.Join(e.Dir(), rel), data[i]); err != nil {
					return store.Wrap("write", rel, err)
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		GenerationTag: e.tag,
		Files:         len(files),
		TotalBytes:    total,
		CreatedAt:     e.now().UTC(),
	}
	marker, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode marker: %w", err)
	}
	if err := e.store.WriteFile(ctx, path.Join(e.Dir(), MarkerName), marker); err != nil {
		return nil, store.Wrap("write", MarkerName, err)
	}

	e.logger.InfoContext(ctx, "mirrored library to cache",
		"files", m.Files,
		"bytes", m.TotalBytes,
		"tag", e.tag)
	return m, nil
}

// Wipe removes every generation.
func (e *Engine) Wipe(ctx context.Context) error {
	if err := e.store.RemoveAll(ctx, e.root); err != nil {
		return store.Wrap("remove", e.root, err)
	}
	return nil
}

// Invalidate removes every generation other than the current one.
func (e *Engine) Invalidate(ctx context.Context) error {
	entries, err := e.store.List(ctx, e.root)
	if err != nil {
		return store.Wrap("list", e.root, err)
	}
	for _, ent := range entries {
		if ent.Name == e.tag {
			continue
		}
		stale := path.Join(e.root, ent.Name)
		if err := e.store.RemoveAll(ctx, stale); err != nil {
			return store.Wrap("remove", stale, err)
		}
		e.logger.InfoContext(ctx, "removed stale cache generation", "tag", ent.Name)
	}
	return nil
}

// batches calls fn on consecutive slices of at most batchSize files,
// yielding the processor and checking ctx between them.
func (e *Engine) batches(ctx context.Context, files []string, fn func([]string) error) error {
	for start := 0; start < len(files); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+e.batchSize, len(files))
		if err := fn(files[start:end]); err != nil {
			return err
		}
		runtime.Gosched()
	}
	return nil
}

// SanitizeTag maps tag onto a single safe path component.
func SanitizeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	switch s {
	case "":
		return "default"
	case ".", "..":
		return strings.Repeat("_", len(s))
	}
	return s
}
