// Package boxedr manages a long-lived R interpreter for running untrusted
// analysis scripts. A Session brings the interpreter up once, restores its
// package library from a persistent store (or installs and mirrors it), and
// then runs scripts one at a time, each in its own scope.
//
// Basic usage:
//
//	st, err := store.NewDir("/var/cache/boxedr")
//	if err != nil {
//	    return err
//	}
//	sess, err := boxedr.New(boxedr.Config{
//	    Launcher: rworker.NewLauncher(rworker.Config{}),
//	    Store:    st,
//	    Packages: []string{"jsonlite", "drc"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer sess.Close(ctx)
//
//	if err := sess.Initialize(ctx); err != nil {
//	    return err
//	}
//	res, err := sess.Run(ctx, script, `{"dose":[1,2],"total":[10,10]}`)
package boxedr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bpowers/boxedr/diag"
	"github.com/bpowers/boxedr/interp"
	"github.com/bpowers/boxedr/mirror"
	"github.com/bpowers/boxedr/store"
)

const (
	// DefaultLibraryPath is the package library inside the interpreter's
	// working filesystem.
	DefaultLibraryPath = "library"

	// DefaultInputVariable is the global variable scripts read input from.
	DefaultInputVariable = "input_data"

	// LocalMarkerName is written into the library after a successful
	// install. It holds the generation tag.
	LocalMarkerName = ".boxedr-installed"

	closeTimeout = 10 * time.Second
)

// DefaultRepos is used when Config.Repos is empty.
var DefaultRepos = []string{"https://cloud.r-project.org"}

// Config configures a Session.
type Config struct {
	// Launcher starts interpreters. Required.
	Launcher interp.Launcher

	// Store persists the package library across processes. Optional; when
	// nil every cold start installs packages.
	Store store.Store

	// Packages must be installed before the session is Ready.
	Packages []string

	// Repos are the package repositories. Defaults to DefaultRepos.
	Repos []string

	// GenerationTag identifies library compatibility. Changing it
	// invalidates every mirrored library. Defaults to a digest of Packages
	// and Repos.
	GenerationTag string

	// LibraryPath defaults to DefaultLibraryPath.
	LibraryPath string

	// InputVariable defaults to DefaultInputVariable.
	InputVariable string

	// Channels are tried in order. Defaults to interp.DefaultChannels.
	Channels []interp.Channel

	Assets AssetConfig

	// CacheRoot is the store directory holding library generations.
	// Defaults to mirror.DefaultRoot.
	CacheRoot string

	// MirrorBatchSize and MirrorConcurrency tune the mirror engine.
	MirrorBatchSize   int
	MirrorConcurrency int

	// Diagnostics receives every log line. Defaults to a new sink that
	// only buffers.
	Diagnostics *diag.Sink

	Metrics MetricsCollector
}

// Session owns one interpreter and its lifecycle.
//
// A Session is safe for concurrent use. Initialize calls are coalesced and
// Run calls are serialized.
type Session struct {
	cfg     Config
	tag     string
	sink    *diag.Sink
	logger  *slog.Logger
	metrics MetricsCollector

	group  singleflight.Group
	runSem chan struct{}

	mu      sync.Mutex
	state   State
	in      interp.Interpreter
	assets  Assets
	lastErr error
	closed  bool
}

// New validates cfg and returns an uninitialized Session.
func New(cfg Config) (*Session, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("Launcher is required")
	}
	if len(cfg.Repos) == 0 {
		cfg.Repos = DefaultRepos
	}
	if cfg.LibraryPath == "" {
		cfg.LibraryPath = DefaultLibraryPath
	}
	lib, err := store.Clean(cfg.LibraryPath)
	if err != nil || lib == "" {
		return nil, fmt.Errorf("invalid LibraryPath %q", cfg.LibraryPath)
	}
	cfg.LibraryPath = lib
	if cfg.InputVariable == "" {
		cfg.InputVariable = DefaultInputVariable
	}
	if !validIdentifier(cfg.InputVariable) {
		return nil, fmt.Errorf("invalid InputVariable %q", cfg.InputVariable)
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = interp.DefaultChannels
	}
	for _, p := range cfg.Packages {
		if !validPackageName(p) {
			return nil, fmt.Errorf("invalid package name %q", p)
		}
	}
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = diag.NewSink(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewNoopMetricsCollector()
	}

	tag := cfg.GenerationTag
	if tag == "" {
		tag = DefaultGenerationTag(cfg.Packages, cfg.Repos)
	}

	return &Session{
		cfg:     cfg,
		tag:     mirror.SanitizeTag(tag),
		sink:    cfg.Diagnostics,
		logger:  cfg.Diagnostics.Logger(),
		metrics: cfg.Metrics,
		runSem:  make(chan struct{}, 1),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns the transport the live interpreter uses, or "" when not
// Ready.
func (s *Session) Channel() interp.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.in == nil {
		return ""
	}
	return s.in.Channel()
}

// LibraryPath is the package library inside the interpreter's filesystem.
func (s *Session) LibraryPath() string {
	return s.cfg.LibraryPath
}

// GenerationTag is the sanitized cache generation tag.
func (s *Session) GenerationTag() string {
	return s.tag
}

// Packages returns the required package set.
func (s *Session) Packages() []string {
	return slices.Clone(s.cfg.Packages)
}

// Assets returns the asset location chosen by the last cold start.
func (s *Session) Assets() Assets {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assets
}

// Diagnostics returns the session's log sink.
func (s *Session) Diagnostics() *diag.Sink {
	return s.sink
}

// Err returns the error of the last failed cold start, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Initialize brings the session to Ready. It returns immediately when the
// session is already Ready. Concurrent callers share one cold start; each
// may stop waiting when its own ctx ends without cancelling the cold start
// for the others. After a failure the next call tries again.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state == StateReady:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch := s.group.DoChan("initialize", func() (any, error) {
		return nil, s.coldStart(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart closes the current interpreter and runs a fresh cold start. It is
// the way back after a fatal execution error.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	in := s.in
	s.in = nil
	if s.state != StateInitializing {
		s.setState(StateUninitialized)
	}
	s.mu.Unlock()

	if in != nil {
		s.logger.Info("restarting interpreter")
		s.closeInterpreter(in)
	}
	return s.Initialize(ctx)
}

// Close stops the interpreter. The session cannot be used afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	in := s.in
	s.in = nil
	s.mu.Unlock()

	if in == nil {
		return nil
	}
	return in.Close(ctx)
}

// interpreter returns the live interpreter. It never hands out a handle
// outside the Ready state.
func (s *Session) interpreter() (interp.Interpreter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, ErrClosed
	case s.state != StateReady || s.in == nil:
		return nil, ErrNotReady
	}
	return s.in, nil
}

// setState must be called with s.mu held.
func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	s.metrics.StateTransition(s.state, to)
	s.state = to
}

func (s *Session) coldStart(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state == StateReady:
		s.mu.Unlock()
		return nil
	}
	s.setState(StateInitializing)
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info("initializing session", "packages", len(s.cfg.Packages), "tag", s.tag)

	in, err := s.bringUp(ctx)

	s.mu.Lock()
	if err == nil && s.closed {
		err = ErrClosed
	}
	if err != nil {
		var stage Stage = "closed"
		var ie *InitError
		if errors.As(err, &ie) {
			stage = ie.Stage
		}
		s.setState(StateFailed)
		s.lastErr = err
		s.mu.Unlock()

		if in != nil {
			s.closeInterpreter(in)
		}
		s.metrics.InitDuration(time.Since(start), stage)
		s.logger.Error("initialization failed", "stage", string(stage), "error", err)
		return err
	}
	s.in = in
	s.lastErr = nil
	s.setState(StateReady)
	s.mu.Unlock()

	s.metrics.InitDuration(time.Since(start), "")
	s.logger.Info("session ready", "channel", string(in.Channel()), "duration", time.Since(start))
	return nil
}

// bringUp runs the cold start stages. On failure after the interpreter was
// started it still returns the interpreter so the caller can close it.
func (s *Session) bringUp(ctx context.Context) (interp.Interpreter, error) {
	assets, err := diag.TimedValue(ctx, s.logger, "resolve assets", func(ctx context.Context) (Assets, error) {
		return ResolveAssets(s.cfg.Assets)
	})
	if err != nil {
		return nil, &InitError{Stage: StageAssets, Err: err}
	}
	s.mu.Lock()
	s.assets = assets
	s.mu.Unlock()
	s.logger.Info("interpreter assets", "base", assets.Base, "source", string(assets.Source))

	in, err := s.spawn(ctx, assets)
	if err != nil {
		return nil, err
	}

	lib := s.cfg.LibraryPath
	err = diag.Timed(ctx, s.logger, "prepare library", func(ctx context.Context) error {
		if err := in.FS().MkdirAll(ctx, lib); err != nil {
			return err
		}
		paths, err := in.LibPaths(ctx, lib)
		if err != nil {
			return err
		}
		s.logger.Debug("library search path", "paths", paths)
		return nil
	})
	if err != nil {
		return in, &InitError{Stage: StageLibrary, Err: err}
	}

	eng, forceInstall, err := s.restore(ctx, in)
	if err != nil {
		return in, err
	}

	missing, err := diag.TimedValue(ctx, s.logger, "enumerate packages", func(ctx context.Context) ([]string, error) {
		return s.missingPackages(ctx, in, forceInstall)
	})
	if err != nil {
		return in, &InitError{Stage: StageEnumerate, Err: err}
	}
	if len(missing) == 0 {
		s.logger.Info("all required packages present", "packages", len(s.cfg.Packages))
		return in, nil
	}

	if err := s.install(ctx, in, missing); err != nil {
		return in, err
	}
	if eng != nil {
		if err := s.mirror(ctx, eng); err != nil {
			return in, err
		}
	}
	return in, nil
}

func (s *Session) spawn(ctx context.Context, assets Assets) (interp.Interpreter, error) {
	var errs []error
	for i, ch := range s.cfg.Channels {
		start := time.Now()
		in, err := diag.TimedValue(ctx, s.logger, "start interpreter ("+string(ch)+")", func(ctx context.Context) (interp.Interpreter, error) {
			return s.cfg.Launcher.Launch(ctx, interp.LaunchOptions{Channel: ch, AssetBase: assets.Base})
		})
		s.metrics.SpawnAttempt(ch, time.Since(start), err)
		if err == nil {
			return in, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		if i+1 < len(s.cfg.Channels) {
			s.logger.Warn("interpreter channel unavailable, falling back",
				"channel", string(ch),
				"next", string(s.cfg.Channels[i+1]))
		}
	}
	return nil, &InitError{Stage: StageSpawn, Err: fmt.Errorf("all channels failed: %w", errors.Join(errs...))}
}

// restore returns the mirror engine to use for this cold start (nil when
// caching is disabled) and whether every package must be reinstalled
// because the library may have been left half-restored.
func (s *Session) restore(ctx context.Context, in interp.Interpreter) (*mirror.Engine, bool, error) {
	if s.cfg.Store == nil {
		s.logger.Info("no persistent store configured; library will not be cached")
		return nil, false, nil
	}
	if err := s.cfg.Store.Ping(ctx); err != nil {
		s.logger.Warn("persistent store unavailable; continuing without cache", "error", err)
		return nil, false, nil
	}
	eng, err := s.engine(in)
	if err != nil {
		return nil, false, &InitError{Stage: StageRestore, Err: err}
	}

	start := time.Now()
	restored, err := diag.TimedValue(ctx, s.logger, "restore library", func(ctx context.Context) (bool, error) {
		return eng.Restore(ctx, s.cfg.LibraryPath)
	})
	switch {
	case err == nil && restored:
		s.metrics.CacheRestore(CacheHit, time.Since(start))
		return eng, false, nil
	case err == nil:
		s.metrics.CacheRestore(CacheMiss, time.Since(start))
		return eng, false, nil
	case interp.IsFatal(err):
		s.metrics.CacheRestore(CacheError, time.Since(start))
		return nil, false, &InitError{Stage: StageRestore, Err: err}
	case IsStorage(err):
		s.metrics.CacheRestore(CacheError, time.Since(start))
		s.logger.Warn("persistent store failed during restore; continuing without cache", "error", err)
		return nil, true, nil
	default:
		s.metrics.CacheRestore(CacheError, time.Since(start))
		s.logger.Warn("library restore incomplete; reinstalling packages", "error", err)
		return eng, true, nil
	}
}

func (s *Session) missingPackages(ctx context.Context, in interp.Interpreter, all bool) ([]string, error) {
	if all {
		return slices.Clone(s.cfg.Packages), nil
	}
	names, err := in.FS().ReadDir(ctx, s.cfg.LibraryPath)
	if err != nil && !store.IsNotExist(err) {
		return nil, err
	}
	var missing []string
	for _, p := range s.cfg.Packages {
		if !slices.Contains(names, p) {
			missing = append(missing, p)
		}
	}
	s.logger.Info("package inventory",
		"installed", len(s.cfg.Packages)-len(missing),
		"missing", len(missing))
	return missing, nil
}

func (s *Session) install(ctx context.Context, in interp.Interpreter, pkgs []string) error {
	lib := s.cfg.LibraryPath
	start := time.Now()
	err := diag.Timed(ctx, s.logger, fmt.Sprintf("install %d packages", len(pkgs)), func(ctx context.Context) error {
		return in.InstallPackages(ctx, pkgs, lib, s.cfg.Repos)
	})
	if err != nil {
		return &InitError{Stage: StageInstall, Err: err}
	}
	s.metrics.PackagesInstalled(len(pkgs), time.Since(start))

	if err := in.FS().WriteFile(ctx, path.Join(lib, LocalMarkerName), []byte(s.tag+"\n")); err != nil {
		return &InitError{Stage: StageInstall, Err: fmt.Errorf("write local marker: %w", err)}
	}
	return nil
}

// mirror persists the library. Store failures are logged and swallowed.
func (s *Session) mirror(ctx context.Context, eng *mirror.Engine) error {
	start := time.Now()
	m, err := diag.TimedValue(ctx, s.logger, "mirror library", func(ctx context.Context) (*mirror.Manifest, error) {
		return eng.Mirror(ctx, s.cfg.LibraryPath)
	})
	switch {
	case err == nil:
		s.metrics.CacheMirror(m.Files, m.TotalBytes, time.Since(start), nil)
		return nil
	case IsStorage(err):
		s.metrics.CacheMirror(0, 0, time.Since(start), err)
		s.logger.Warn("persistent store failed during mirror; library will not be cached", "error", err)
		return nil
	default:
		s.metrics.CacheMirror(0, 0, time.Since(start), err)
		return &InitError{Stage: StageMirror, Err: err}
	}
}

func (s *Session) engine(in interp.Interpreter) (*mirror.Engine, error) {
	return mirror.New(mirror.Config{
		Store:         s.cfg.Store,
		FS:            in.FS(),
		Lister:        in,
		GenerationTag: s.tag,
		Root:          s.cfg.CacheRoot,
		BatchSize:     s.cfg.MirrorBatchSize,
		Concurrency:   s.cfg.MirrorConcurrency,
		Logger:        s.logger,
	})
}

func (s *Session) closeInterpreter(in interp.Interpreter) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := in.Close(ctx); err != nil {
		s.logger.Warn("closing interpreter", "error", err)
	}
}

func validIdentifier(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '.' || r == '_' || (r >= '0' && r <= '9'):
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return name != ""
}

func validPackageName(name string) bool {
	return validIdentifier(name) && mirror.SanitizeTag(name) == name
}
