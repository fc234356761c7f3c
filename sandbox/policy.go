package sandbox

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Policy describes what a sandboxed process may see and do. The zero value is
// maximally restrictive: nothing mounted, every namespace unshared, the child
// dies with its parent and runs in a new session.
//
// Policies are safe to reuse across concurrent Command calls; Command never
// mutates the receiver.
type Policy struct {
	// ReadOnlyMounts are bound read-only (system directories, the R
	// installation).
	ReadOnlyMounts []Mount

	// ReadWriteMounts are bound read-write. Keep these to the worker's own
	// directories.
	ReadWriteMounts []Mount

	// WorkDir is the initial directory of the process and is always bound
	// read-write. Defaults to the current directory.
	WorkDir string

	// ProvideTmp mounts a private tmpfs at /tmp.
	ProvideTmp bool

	// ShareNetwork keeps the host network namespace. The worker needs it to
	// download packages and to dial the host's loopback listener on the
	// socket channel; without it only the pipe channel works.
	ShareNetwork bool

	// AllowParentSurvival lets the process outlive its parent (skips
	// --die-with-parent).
	AllowParentSurvival bool

	// AllowSessionControl lets the process control the terminal session
	// (skips --new-session).
	AllowSessionControl bool
}

// Mount binds Source on the host to Target inside the sandbox. Sources must
// exist when the command is built.
type Mount struct {
	Source string
	Target string
}

// Clone returns a deep copy of p.
func (p *Policy) Clone() *Policy {
	c := *p
	c.ReadOnlyMounts = append([]Mount(nil), p.ReadOnlyMounts...)
	c.ReadWriteMounts = append([]Mount(nil), p.ReadWriteMounts...)
	return &c
}

// SystemPolicy mounts the usual system directories read-only and provides a
// private /tmp. Network is isolated.
//
// Always mounted if present: /usr, /bin, /lib, /etc. Also, when present:
// /sbin, /lib64, /run, /opt.
func SystemPolicy() *Policy {
	p := &Policy{ProvideTmp: true}

	var dirs []string
	if runtime.GOOS == "linux" {
		dirs = []string{"/usr", "/bin", "/lib", "/etc", "/sbin", "/lib64", "/run", "/opt"}
	} else {
		dirs = []string{"/usr", "/bin", "/etc", "/opt"}
	}
	for _, dir := range dirs {
		if pathExists(dir) {
			p.ReadOnlyMounts = append(p.ReadOnlyMounts, Mount{Source: dir, Target: dir})
		}
	}
	return p
}

// WorkerPolicy is SystemPolicy plus read-only access to rHome (the R
// installation, when it lives outside the system directories) and the host
// network namespace.
func WorkerPolicy(rHome string) *Policy {
	p := SystemPolicy()
	p.ShareNetwork = true
	if rHome == "" || !pathExists(rHome) {
		return p
	}
	if abs, err := filepath.Abs(rHome); err == nil {
		rHome = abs
	}
	for _, m := range p.ReadOnlyMounts {
		if rHome == m.Source || strings.HasPrefix(rHome, m.Source+"/") {
			return p
		}
	}
	p.ReadOnlyMounts = append(p.ReadOnlyMounts, Mount{Source: rHome, Target: rHome})
	return p
}

func pathExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
