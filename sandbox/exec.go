// Package sandbox starts child processes inside a bubblewrap sandbox. It
// builds an *exec.Cmd rather than exec'ing in place, so it is safe to call
// from long-running servers.
//
// Only Linux is supported; elsewhere Command returns ErrUnsupported and
// callers run the worker unsandboxed or not at all.
//
//	policy := sandbox.WorkerPolicy("/opt/R/4.4.0/lib/R")
//	policy.WorkDir = workerDir
//	cmd, err := policy.Command(ctx, "Rscript", "--vanilla", "host.R")
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
)

// ErrUnsupported is returned on platforms without a sandbox implementation.
var ErrUnsupported = errors.New("sandbox: unsupported platform")

// Command returns an unstarted *exec.Cmd that runs name inside the sandbox
// described by p. ctx bounds the lifetime of the process.
func (p *Policy) Command(ctx context.Context, name string, arg ...string) (*exec.Cmd, error) {
	if p == nil {
		return nil, fmt.Errorf("sandbox: policy must not be nil")
	}
	if name == "" {
		return nil, fmt.Errorf("sandbox: command name must not be empty")
	}
	return p.commandContext(ctx, name, arg...)
}

// mountSet remembers mounted targets so each is bound once.
type mountSet map[string]struct{}

func (m mountSet) add(flag, target string) bool {
	key := flag + "\x00" + target
	if _, ok := m[key]; ok {
		return false
	}
	m[key] = struct{}{}
	return true
}

// canonicalPath resolves symlinks so binds match the paths the child will
// actually use (/lib -> /usr/lib on merged-usr systems).
func canonicalPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", path, err)
	}
	return canonical, nil
}
