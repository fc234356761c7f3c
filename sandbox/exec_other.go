//go:build !linux

package sandbox

import (
	"context"
	"os/exec"
)

func (p *Policy) commandContext(ctx context.Context, name string, arg ...string) (*exec.Cmd, error) {
	return nil, ErrUnsupported
}
