//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

func (p *Policy) commandContext(ctx context.Context, name string, arg ...string) (*exec.Cmd, error) {
	bwrapPath, err := exec.LookPath("bwrap")
	if err != nil {
		return nil, fmt.Errorf("sandbox: bwrap not found: %w", err)
	}
	args, err := bwrapArgs(p, append([]string{name}, arg...))
	if err != nil {
		return nil, fmt.Errorf("sandbox: build bubblewrap args: %w", err)
	}
	cmd := exec.CommandContext(ctx, bwrapPath, args...)
	cmd.Env = os.Environ()
	return cmd, nil
}

// bwrapArgs builds the bubblewrap arguments (without the bwrap binary
// itself) that run argv under policy.
func bwrapArgs(policy *Policy, argv []string) ([]string, error) {
	wd := policy.WorkDir
	if wd == "" {
		var err error
		if wd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("getwd: %w", err)
		}
	}

	var args []string
	seen := mountSet{}
	bind := func(flag string, m Mount) error {
		src, err := canonicalPath(m.Source)
		if err != nil {
			return fmt.Errorf("mount source: %w", err)
		}
		tgt := m.Target
		if tgt == "" {
			tgt = m.Source
		}
		if c, err := canonicalPath(tgt); err == nil {
			tgt = c
		}
		if seen.add(flag, tgt) {
			args = append(args, flag, src, tgt)
		}
		return nil
	}

	for _, m := range policy.ReadOnlyMounts {
		if err := bind("--ro-bind", m); err != nil {
			return nil, err
		}
	}
	for _, m := range policy.ReadWriteMounts {
		if err := bind("--bind", m); err != nil {
			return nil, err
		}
	}

	args = append(args, "--proc", "/proc", "--dev", "/dev")
	if policy.ProvideTmp {
		args = append(args, "--tmpfs", "/tmp")
	}

	// Merged-usr systems need their top-level symlinks recreated.
	for _, sl := range [][2]string{{"/bin", "usr/bin"}, {"/lib", "usr/lib"}, {"/lib64", "usr/lib64"}, {"/sbin", "usr/sbin"}} {
		if info, err := os.Lstat(sl[0]); err == nil && info.Mode()&os.ModeSymlink != 0 {
			args = append(args, "--symlink", sl[1], sl[0])
		}
	}

	if policy.ShareNetwork {
		args = append(args, "--unshare-user-try", "--unshare-ipc", "--unshare-pid", "--unshare-uts", "--unshare-cgroup-try")
	} else {
		args = append(args, "--unshare-all")
	}
	if !policy.AllowParentSurvival {
		args = append(args, "--die-with-parent")
	}
	if !policy.AllowSessionControl {
		args = append(args, "--new-session")
	}

	workdir, err := canonicalPath(wd)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	if seen.add("--bind", workdir) {
		args = append(args, "--bind", workdir, workdir)
	}
	args = append(args, "--chdir", workdir, "--")
	return append(args, argv...), nil
}
