// Package rworker runs R as a long-lived worker process and speaks a
// line-delimited JSON protocol with it. A Launcher implements
// interp.Launcher; the Worker it returns implements interp.Interpreter.
//
// Two channels are supported. On the socket channel the host listens on a
// loopback port and the worker dials in; on the pipe channel requests go to
// the worker's stdin and responses come back on its stdout.
package rworker

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bpowers/boxedr/interp"
	"github.com/bpowers/boxedr/sandbox"
)

//go:embed worker.R
var hostScript []byte

// HostScriptName is the file the host script is written to inside the
// worker's directory.
const HostScriptName = "host.R"

// DefaultArgs are passed to Rscript ahead of the host script.
var DefaultArgs = []string{"--vanilla"}

// DefaultStartTimeout bounds process start plus handshake.
const DefaultStartTimeout = 30 * time.Second

// Config configures a Launcher.
type Config struct {
	// Rscript is the interpreter binary. When empty it is taken from a
	// local asset base (<base>/bin/Rscript) or looked up on PATH.
	Rscript string

	// Args precede the host script on the command line. Nil means
	// DefaultArgs.
	Args []string

	// Policy, when set, runs the worker under the process sandbox. The
	// worker directory is added as a read-write mount.
	Policy *sandbox.Policy

	// Env is appended to the worker environment.
	Env []string

	// TempDir is where worker directories are created. Defaults to
	// os.TempDir().
	TempDir string

	// StartTimeout bounds start plus handshake. Defaults to
	// DefaultStartTimeout.
	StartTimeout time.Duration

	Logger *slog.Logger
}

// Launcher starts R workers.
type Launcher struct {
	cfg Config
}

var _ interp.Launcher = (*Launcher)(nil)

// NewLauncher returns a Launcher with defaults applied to cfg.
func NewLauncher(cfg Config) *Launcher {
	if cfg.Args == nil {
		cfg.Args = DefaultArgs
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Launcher{cfg: cfg}
}

// Launch starts a worker on opts.Channel and completes the handshake. The
// process outlives ctx; ctx only bounds the start.
func (l *Launcher) Launch(ctx context.Context, opts interp.LaunchOptions) (interp.Interpreter, error) {
	switch opts.Channel {
	case interp.ChannelSocket, interp.ChannelPipe:
	default:
		return nil, fmt.Errorf("unknown channel %q", opts.Channel)
	}

	rscript, err := l.resolveRscript(opts.AssetBase)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(l.cfg.TempDir, "boxedr-worker-")
	if err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	if dir, err = filepath.EvalSymlinks(dir); err != nil {
		return nil, fmt.Errorf("resolve worker dir: %w", err)
	}
	w, err := l.start(ctx, opts.Channel, rscript, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return w, nil
}

func (l *Launcher) resolveRscript(assetBase string) (string, error) {
	if l.cfg.Rscript != "" {
		return l.cfg.Rscript, nil
	}
	if base := localAssetDir(assetBase); base != "" {
		candidate := filepath.Join(base, "bin", "Rscript")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath("Rscript")
	if err != nil {
		return "", fmt.Errorf("Rscript not found: %w", err)
	}
	return path, nil
}

// localAssetDir returns the filesystem directory named by an asset base, or
// "" for remote bases.
func localAssetDir(base string) string {
	switch {
	case base == "":
		return ""
	case strings.HasPrefix(base, "file://"):
		return strings.TrimPrefix(base, "file://")
	case strings.Contains(base, "://"):
		return ""
	default:
		return base
	}
}

func (l *Launcher) start(ctx context.Context, channel interp.Channel, rscript, dir string) (*Worker, error) {
	for _, sub := range []string{"tmp", "library"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create worker dir: %w", err)
		}
	}
	script := filepath.Join(dir, HostScriptName)
	if err := os.WriteFile(script, hostScript, 0o644); err != nil {
		return nil, fmt.Errorf("write host script: %w", err)
	}

	logger := l.cfg.Logger.With("channel", string(channel))
	procCtx, cancel := context.WithCancel(context.Background())
	cmd, err := l.command(procCtx, rscript, append(append([]string(nil), l.cfg.Args...), script), dir)
	if err != nil {
		cancel()
		return nil, err
	}

	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(env, WorkerEnv(dir)...)
	env = append(env, l.cfg.Env...)
	env = append(env, "BOXEDR_CHANNEL="+string(channel))
	cmd.Dir = dir
	cmd.Stderr = newLineLogger(logger, "stderr")
	cmd.WaitDelay = exitGrace

	w := &Worker{
		channel: channel,
		dir:     dir,
		logger:  logger,
		cmd:     cmd,
		cancel:  cancel,
		exited:  make(chan struct{}),
	}

	var r io.Reader
	var wr io.Writer
	var ln net.Listener
	var toWorker, fromWorker *os.File
	switch channel {
	case interp.ChannelSocket:
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			cancel()
			return nil, fmt.Errorf("listen: %w", err)
		}
		defer ln.Close()
		env = append(env, "BOXEDR_ADDR="+ln.Addr().String())
		cmd.Stdout = newLineLogger(logger, "stdout")
	case interp.ChannelPipe:
		// Plain os.Pipe pairs keep the read side open after the process
		// exits, so the final response is never lost to Wait closing it.
		var stdinR, stdoutW *os.File
		if stdinR, toWorker, err = os.Pipe(); err != nil {
			cancel()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		if fromWorker, stdoutW, err = os.Pipe(); err != nil {
			cancel()
			stdinR.Close()
			toWorker.Close()
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stdin, cmd.Stdout = stdinR, stdoutW
		defer stdinR.Close()
		defer stdoutW.Close()
		r, wr = fromWorker, toWorker
		w.closers = []io.Closer{toWorker, fromWorker}
	}
	cmd.Env = env

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		closeAll(toWorker, fromWorker)
		return nil, fmt.Errorf("start %s: %w", rscript, err)
	}
	go w.wait()

	startCtx, cancelStart := context.WithTimeout(ctx, l.cfg.StartTimeout)
	defer cancelStart()

	if channel == interp.ChannelSocket {
		conn, err := accept(startCtx, ln, w.exited)
		if err != nil {
			w.kill()
			return nil, fmt.Errorf("worker did not connect: %w", err)
		}
		r, wr = conn, conn
		w.closers = []io.Closer{conn}
	}

	w.c = newClient(r, wr)
	w.fs = workerFS{c: w.c}

	resp, err := w.c.call(startCtx, &Request{Op: OpHello})
	if err != nil {
		w.kill()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	w.version = resp.Value
	logger.Info("worker started", "pid", w.Pid(), "version", w.version, "duration", time.Since(start))
	return w, nil
}

func (l *Launcher) command(ctx context.Context, rscript string, args []string, dir string) (*exec.Cmd, error) {
	if l.cfg.Policy == nil {
		return exec.CommandContext(ctx, rscript, args...), nil
	}
	policy := l.cfg.Policy.Clone()
	policy.WorkDir = dir
	policy.ReadWriteMounts = append(policy.ReadWriteMounts, sandbox.Mount{Source: dir, Target: dir})
	if filepath.IsAbs(rscript) {
		// <home>/bin/Rscript: make the installation visible.
		home := filepath.Dir(filepath.Dir(rscript))
		policy.ReadOnlyMounts = append(policy.ReadOnlyMounts, sandbox.Mount{Source: home, Target: home})
	}
	cmd, err := policy.Command(ctx, rscript, args...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	return cmd, nil
}

// accept waits for the worker to dial in, giving up when ctx ends or the
// process exits first.
func accept(ctx context.Context, ln net.Listener, exited <-chan struct{}) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		return res.conn, res.err
	case <-exited:
		ln.Close()
		return nil, errors.New("worker exited before connecting")
	case <-ctx.Done():
		ln.Close()
		return nil, ctx.Err()
	}
}

// kill stops a worker that never finished starting.
func (w *Worker) kill() {
	w.cancel()
	<-w.exited
	w.closeConn()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
