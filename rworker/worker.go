package rworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bpowers/boxedr/ephemeral"
	"github.com/bpowers/boxedr/interp"
)

const (
	quitTimeout = 5 * time.Second
	exitGrace   = 2 * time.Second
)

// Worker is a running R worker process. It implements interp.Interpreter.
type Worker struct {
	channel interp.Channel
	dir     string
	version string
	logger  *slog.Logger

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	closers []io.Closer
	c       *client
	fs      workerFS

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

var _ interp.Interpreter = (*Worker)(nil)

func (w *Worker) Channel() interp.Channel {
	return w.channel
}

// Dir is the worker's working directory on the host.
func (w *Worker) Dir() string {
	return w.dir
}

// Version is the R version string reported during the handshake.
func (w *Worker) Version() string {
	return w.version
}

// Pid returns the worker's process ID.
func (w *Worker) Pid() int {
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func (w *Worker) FS() ephemeral.FS {
	return w.fs
}

func (w *Worker) Parse(ctx context.Context, code string) error {
	_, err := w.c.call(ctx, &Request{Op: OpParse, Code: code})
	return err
}

// Assign binds value to name in the global environment. Values holding NUL
// or invalid UTF-8 cannot cross the wire unchanged and are refused.
func (w *Worker) Assign(ctx context.Context, name, value string) error {
	switch {
	case strings.ContainsRune(value, 0):
		return &interp.RuntimeError{Message: fmt.Sprintf("cannot assign %s: value contains a NUL character", name)}
	case !utf8.ValidString(value):
		return &interp.RuntimeError{Message: fmt.Sprintf("cannot assign %s: value is not valid UTF-8", name)}
	}
	_, err := w.c.call(ctx, &Request{Op: OpAssign, Name: name, Value: value})
	return err
}

func (w *Worker) OpenScope(ctx context.Context) (interp.Scope, error) {
	resp, err := w.c.call(ctx, &Request{Op: OpScopeOpen})
	if err != nil {
		return nil, err
	}
	return &scope{w: w, id: resp.Scope}, nil
}

func (w *Worker) LibPaths(ctx context.Context, prepend ...string) ([]string, error) {
	resp, err := w.c.call(ctx, &Request{Op: OpLibPaths, Paths: prepend})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (w *Worker) InstallPackages(ctx context.Context, pkgs []string, lib string, repos []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	_, err := w.c.call(ctx, &Request{Op: OpInstall, Packages: pkgs, Path: lib, Repos: repos})
	return err
}

func (w *Worker) ListFiles(ctx context.Context, dir string) ([]string, error) {
	resp, err := w.c.call(ctx, &Request{Op: OpListFiles, Path: dir})
	if err != nil {
		return nil, err
	}
	files := resp.Values
	sort.Strings(files)
	return files, nil
}

// Close asks the worker to quit, kills it if it does not exit promptly and
// removes its working directory.
func (w *Worker) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.closeErr = w.shutdown(ctx)
	})
	return w.closeErr
}

func (w *Worker) shutdown(ctx context.Context) error {
	if w.c.Err() == nil {
		qctx, cancel := context.WithTimeout(ctx, quitTimeout)
		if _, err := w.c.call(qctx, &Request{Op: OpQuit}); err != nil {
			w.logger.Debug("worker quit request failed", "error", err)
		}
		cancel()
	}
	w.closeConn()

	select {
	case <-w.exited:
	case <-time.After(exitGrace):
		w.logger.Warn("worker did not exit, killing", "pid", w.Pid())
		w.cancel()
		<-w.exited
	}
	w.cancel()

	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove worker dir: %w", err)
	}
	return nil
}

func (w *Worker) closeConn() {
	for _, c := range w.closers {
		_ = c.Close()
	}
}

func (w *Worker) wait() {
	w.waitErr = w.cmd.Wait()
	close(w.exited)
	if w.waitErr != nil && !errors.Is(w.waitErr, context.Canceled) {
		w.logger.Debug("worker exited", "pid", w.Pid(), "error", w.waitErr)
	}
}

type scope struct {
	w      *Worker
	id     int
	closed atomic.Bool
}

func (s *scope) Eval(ctx context.Context, code string) (string, error) {
	if s.closed.Load() {
		return "", errors.New("scope is closed")
	}
	resp, err := s.w.c.call(ctx, &Request{Op: OpScopeEval, Scope: s.id, Code: code})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (s *scope) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, err := s.w.c.call(ctx, &Request{Op: OpScopeClose, Scope: s.id})
	return err
}
