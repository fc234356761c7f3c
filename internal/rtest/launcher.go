package rtest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bpowers/boxedr/interp"
)

// Launcher starts in-process interpreters and counts what it did.
type Launcher struct {
	// FailChannels makes launches on the listed channels fail.
	FailChannels map[interp.Channel]error

	// Delay is how long each launch takes.
	Delay time.Duration

	// FailInstall, when set, is returned by every package install.
	FailInstall error

	mu        sync.Mutex
	attempts  []interp.Channel
	launched  []*Interpreter
	installs  int
	installed []string
	assets    []string
}

var _ interp.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context, opts interp.LaunchOptions) (interp.Interpreter, error) {
	l.mu.Lock()
	l.attempts = append(l.attempts, opts.Channel)
	l.assets = append(l.assets, opts.AssetBase)
	failErr := l.FailChannels[opts.Channel]
	l.mu.Unlock()

	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, fmt.Errorf("%s channel: %w", opts.Channel, failErr)
	}

	in := newInterpreter(l, opts.Channel)
	l.mu.Lock()
	l.launched = append(l.launched, in)
	l.mu.Unlock()
	return in, nil
}

// Attempts returns the channel of every launch attempt in order.
func (l *Launcher) Attempts() []interp.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.attempts)
}

// AssetBases returns the asset base passed to every launch attempt.
func (l *Launcher) AssetBases() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.assets)
}

// Launches counts successful launches.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

// Last returns the most recently launched interpreter, or nil.
func (l *Launcher) Last() *Interpreter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.launched) == 0 {
		return nil
	}
	return l.launched[len(l.launched)-1]
}

// InstallCalls counts InstallPackages calls across every interpreter.
func (l *Launcher) InstallCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.installs
}

// Installed lists every package installed, in order.
func (l *Launcher) Installed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.installed)
}

func (l *Launcher) recordInstall(pkgs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.installs++
	if l.FailInstall != nil {
		return l.FailInstall
	}
	l.installed = append(l.installed, pkgs...)
	return nil
}
