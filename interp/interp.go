// Package interp defines the contract between the session manager and a live
// R interpreter. The session owns exactly one Interpreter at a time; a
// Launcher produces it over a chosen transport Channel.
package interp

import (
	"context"

	"github.com/bpowers/boxedr/ephemeral"
)

// Channel names the transport used to reach an interpreter process.
type Channel string

const (
	// ChannelSocket connects to the interpreter over a loopback socket. It is
	// the faster channel but needs the worker to share the host's network
	// namespace.
	ChannelSocket Channel = "socket"

	// ChannelPipe talks to the interpreter over its stdin and stdout. It works
	// everywhere a process can be started.
	ChannelPipe Channel = "pipe"
)

// DefaultChannels is the order in which channels are attempted.
var DefaultChannels = []Channel{ChannelSocket, ChannelPipe}

// LaunchOptions configures one launch attempt.
type LaunchOptions struct {
	// Channel is the transport to use for this attempt.
	Channel Channel

	// AssetBase is the resolved location of interpreter assets, always ending
	// in a slash. It may be a local directory or a URL.
	AssetBase string
}

// Launcher starts interpreters.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Interpreter, error)
}

// Interpreter is a running R session.
//
// Implementations are not required to support overlapping calls from
// multiple goroutines; the session serializes access.
type Interpreter interface {
	// Channel reports the transport this interpreter was started on.
	Channel() Channel

	// Parse checks that code parses without evaluating it. A syntax problem
	// is reported as *ParseError.
	Parse(ctx context.Context, code string) error

	// Assign binds a character value to name in the global environment.
	Assign(ctx context.Context, name, value string) error

	// OpenScope allocates an evaluation scope whose values are released
	// together by Scope.Close.
	OpenScope(ctx context.Context) (Scope, error)

	// LibPaths prepends dirs to the package search path and returns the
	// resulting path.
	LibPaths(ctx context.Context, prepend ...string) ([]string, error)

	// InstallPackages installs pkgs into lib from repos.
	InstallPackages(ctx context.Context, pkgs []string, lib string, repos []string) error

	// ListFiles returns every regular file below dir, relative to dir. The
	// listing is produced by the interpreter itself, so it works even when FS
	// cannot walk directories. A missing dir yields an empty list.
	ListFiles(ctx context.Context, dir string) ([]string, error)

	// FS is the interpreter's working filesystem.
	FS() ephemeral.FS

	// Close stops the interpreter and discards its filesystem.
	Close(ctx context.Context) error
}

// Scope is an evaluation arena. Values created while evaluating in a scope
// are released when it is closed.
type Scope interface {
	// Eval evaluates code and returns the character form of its last value.
	Eval(ctx context.Context, code string) (string, error)

	// Close releases the scope. It is safe to call more than once.
	Close(ctx context.Context) error
}
