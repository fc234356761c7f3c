package boxedr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"

	"github.com/bpowers/boxedr/ephemeral"
	"github.com/bpowers/boxedr/mirror"
	"github.com/bpowers/boxedr/store"
)

// ErrNoStore is returned by cache operations when no store is configured.
var ErrNoStore = errors.New("boxedr: no persistent store configured")

// DefaultGenerationTag derives a tag from the package set and repositories,
// so that changing either invalidates older mirrors.
func DefaultGenerationTag(pkgs, repos []string) string {
	p := slices.Clone(pkgs)
	slices.Sort(p)
	r := slices.Clone(repos)
	slices.Sort(r)
	sum := sha256.Sum256([]byte(strings.Join(p, ",") + "\n" + strings.Join(r, ",")))
	return "g" + hex.EncodeToString(sum[:6])
}

// CacheStatus returns the manifest of the mirrored library for the
// session's generation, or nil when none is complete.
func (s *Session) CacheStatus(ctx context.Context) (*mirror.Manifest, error) {
	eng, err := s.cacheEngine()
	if err != nil {
		return nil, err
	}
	return eng.Status(ctx)
}

// WipeCache removes every mirrored library generation from the store. The
// running interpreter keeps its library; the next cold start reinstalls.
func (s *Session) WipeCache(ctx context.Context) error {
	eng, err := s.cacheEngine()
	if err != nil {
		return err
	}
	if err := eng.Wipe(ctx); err != nil {
		return err
	}
	s.logger.Info("wiped library cache")
	return nil
}

// PersistStorage asks the store to make written data durable. It reports
// false when the store offers no such guarantee.
func (s *Session) PersistStorage(ctx context.Context) (bool, error) {
	if s.cfg.Store == nil {
		return false, ErrNoStore
	}
	p, ok := s.cfg.Store.(store.Persister)
	if !ok {
		s.logger.Info("store does not support durability requests")
		return false, nil
	}
	durable, err := p.Persist(ctx)
	if err != nil {
		return false, err
	}
	s.logger.Info("requested durable storage", "durable", durable)
	return durable, nil
}

// cacheEngine builds an engine for store-only operations. Those never touch
// the interpreter, so none is needed.
func (s *Session) cacheEngine() (*mirror.Engine, error) {
	if s.cfg.Store == nil {
		return nil, ErrNoStore
	}
	return mirror.New(mirror.Config{
		Store:         s.cfg.Store,
		FS:            ephemeral.NewMemFS(),
		Lister:        detachedLister{},
		GenerationTag: s.tag,
		Root:          s.cfg.CacheRoot,
		Logger:        s.logger,
	})
}

type detachedLister struct{}

func (detachedLister) ListFiles(context.Context, string) ([]string, error) {
	return nil, ErrNotReady
}
