// Package rtest provides an in-process stand-in for an R interpreter. It
// speaks the interp contract with a tiny R subset, keeps its working
// filesystem in memory, and records launches and package installs so tests
// can assert how often the expensive paths ran.
package rtest

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bpowers/boxedr/ephemeral"
	"github.com/bpowers/boxedr/interp"
)

// SystemLibrary is the library every test interpreter starts with.
const SystemLibrary = "/usr/lib/R/library"

// Interpreter is an in-process interp.Interpreter.
type Interpreter struct {
	launcher *Launcher
	channel  interp.Channel
	fs       *ephemeral.MemFS

	mu        sync.Mutex
	globals   map[string]string
	libPaths  []string
	nextScope int
	open      map[int]*scope
	maxOpen   int
	crashed   bool
	closed    bool
}

var _ interp.Interpreter = (*Interpreter)(nil)

// NewInterpreter returns a standalone interpreter not tied to a Launcher.
func NewInterpreter(channel interp.Channel) *Interpreter {
	return newInterpreter(nil, channel)
}

func newInterpreter(l *Launcher, channel interp.Channel) *Interpreter {
	return &Interpreter{
		launcher: l,
		channel:  channel,
		fs:       ephemeral.NewMemFS(),
		globals:  make(map[string]string),
		libPaths: []string{SystemLibrary},
		open:     make(map[int]*scope),
	}
}

func (in *Interpreter) Channel() interp.Channel {
	return in.channel
}

func (in *Interpreter) FS() ephemeral.FS {
	return in.fs
}

// MemFS exposes the working filesystem for assertions.
func (in *Interpreter) MemFS() *ephemeral.MemFS {
	return in.fs
}

// Global returns the value bound to name in the global environment.
func (in *Interpreter) Global(name string) (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	v, ok := in.globals[name]
	return v, ok
}

// MaxOpenScopes reports the most scopes that were ever open at once.
func (in *Interpreter) MaxOpenScopes() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.maxOpen
}

// OpenScopes reports how many scopes have not been closed.
func (in *Interpreter) OpenScopes() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.open)
}

// Closed reports whether Close has been called.
func (in *Interpreter) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Crash makes every later call fail with *interp.FatalError.
func (in *Interpreter) Crash() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.crashed = true
}

func (in *Interpreter) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if in.closed {
		return &interp.FatalError{Message: "interpreter closed"}
	}
	if in.crashed {
		return &interp.FatalError{Message: "R process exited unexpectedly"}
	}
	return nil
}

func (in *Interpreter) Parse(ctx context.Context, code string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check(ctx); err != nil {
		return err
	}
	if _, err := parseProgram(code); err != nil {
		return &interp.ParseError{Message: err.Error()}
	}
	return nil
}

func (in *Interpreter) Assign(ctx context.Context, name, value string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check(ctx); err != nil {
		return err
	}
	in.globals[name] = value
	return nil
}

func (in *Interpreter) OpenScope(ctx context.Context) (interp.Scope, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check(ctx); err != nil {
		return nil, err
	}
	in.nextScope++
	s := &scope{in: in, id: in.nextScope, locals: make(map[string]string)}
	in.open[s.id] = s
	in.maxOpen = max(in.maxOpen, len(in.open))
	return s, nil
}

func (in *Interpreter) LibPaths(ctx context.Context, prepend ...string) ([]string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check(ctx); err != nil {
		return nil, err
	}
	for i := len(prepend) - 1; i >= 0; i-- {
		p := prepend[i]
		in.libPaths = slices.DeleteFunc(in.libPaths, func(s string) bool { return s == p })
		in.libPaths = append([]string{p}, in.libPaths...)
	}
	return slices.Clone(in.libPaths), nil
}

func (in *Interpreter) InstallPackages(ctx context.Context, pkgs []string, lib string, repos []string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check(ctx); err != nil {
		return err
	}
	if in.launcher != nil {
		if err := in.launcher.recordInstall(pkgs); err != nil {
			return err
		}
	}
	for _, pkg := range pkgs {
		dir := path.Join(lib, pkg)
		if err := in.fs.MkdirAll(ctx, path.Join(dir, "R")); err != nil {
			return err
		}
		desc := fmt.Sprintf("Package: %s\nVersion: 1.0.0\nRepository: %s\n", pkg, strings.Join(repos, ","))
		if err := in.fs.WriteFile(ctx, path.Join(dir, "DESCRIPTION"), []byte(desc)); err != nil {
			return err
		}
		if err := in.fs.WriteFile(ctx, path.Join(dir, "R", pkg+".rdb"), []byte{0x58, 0x0a, 0x00, 0x01, byte(len(pkg))}); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) ListFiles(ctx context.Context, dir string) ([]string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check(ctx); err != nil {
		return nil, err
	}
	files, err := in.fs.Walk(dir)
	if err != nil {
		return nil, &interp.RuntimeError{Message: err.Error()}
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}

func (in *Interpreter) Close(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.fs.Reset()
	return nil
}

// hasPackage reports whether pkg is installed in any library path.
func (in *Interpreter) hasPackage(ctx context.Context, pkg string) bool {
	for _, lib := range in.libPaths {
		if _, err := in.fs.ReadFile(ctx, path.Join(lib, pkg, "DESCRIPTION")); err == nil {
			return true
		}
	}
	return false
}

type scope struct {
	in     *Interpreter
	id     int
	locals map[string]string
	closed bool
}

func (s *scope) Eval(ctx context.Context, code string) (string, error) {
	in := s.in
	in.mu.Lock()
	if err := in.check(ctx); err != nil {
		in.mu.Unlock()
		return "", err
	}
	if s.closed {
		in.mu.Unlock()
		return "", &interp.RuntimeError{Message: "scope already released"}
	}
	prog, err := parseProgram(code)
	if err != nil {
		in.mu.Unlock()
		return "", &interp.ParseError{Message: err.Error()}
	}
	in.mu.Unlock()

	last := ""
	for _, n := range prog {
		v, err := s.eval(ctx, n)
		if err != nil {
			return "", err
		}
		last = v
	}
	return last, nil
}

func (s *scope) Close(ctx context.Context) error {
	in := s.in
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.closed {
		return nil
	}
	if in.crashed || in.closed {
		return &interp.FatalError{Message: "cannot release scope: interpreter gone"}
	}
	s.closed = true
	s.locals = nil
	delete(in.open, s.id)
	return nil
}

func (s *scope) lookup(name string) (string, bool) {
	s.in.mu.Lock()
	defer s.in.mu.Unlock()
	if v, ok := s.locals[name]; ok {
		return v, true
	}
	v, ok := s.in.globals[name]
	return v, ok
}

func (s *scope) eval(ctx context.Context, n node) (string, error) {
	switch n := n.(type) {
	case strLit:
		return n.v, nil
	case numLit:
		f, err := strconv.ParseFloat(n.v, 64)
		if err != nil {
			return "", &interp.RuntimeError{Message: fmt.Sprintf("invalid number %q", n.v)}
		}
		return strconv.FormatFloat(f, 'g', 15, 64), nil
	case symbol:
		switch n.name {
		case "TRUE", "FALSE":
			return n.name, nil
		case "NULL":
			return "", nil
		}
		v, ok := s.lookup(n.name)
		if !ok {
			return "", &interp.RuntimeError{Message: fmt.Sprintf("object '%s' not found", n.name)}
		}
		return v, nil
	case assignTo:
		v, err := s.eval(ctx, n.value)
		if err != nil {
			return "", err
		}
		s.in.mu.Lock()
		s.locals[n.name] = v
		s.in.mu.Unlock()
		return v, nil
	case callFn:
		return s.call(ctx, n)
	}
	return "", &interp.RuntimeError{Message: "unsupported expression"}
}

func (s *scope) call(ctx context.Context, c callFn) (string, error) {
	// library() takes a bare package name.
	if c.fn == "library" || c.fn == "require" || c.fn == "requireNamespace" {
		if len(c.args) != 1 {
			return "", &interp.RuntimeError{Message: "argument \"package\" is missing, with no default"}
		}
		var pkg string
		switch a := c.args[0].(type) {
		case symbol:
			pkg = a.name
		case strLit:
			pkg = a.v
		default:
			return "", &interp.RuntimeError{Message: "invalid package name"}
		}
		s.in.mu.Lock()
		ok := s.in.hasPackage(ctx, pkg)
		s.in.mu.Unlock()
		if !ok {
			return "", &interp.RuntimeError{Message: fmt.Sprintf("there is no package called ‘%s’", pkg)}
		}
		return "", nil
	}

	args := make([]string, len(c.args))
	for i, a := range c.args {
		v, err := s.eval(ctx, a)
		if err != nil {
			return "", err
		}
		args[i] = v
	}

	switch c.fn {
	case "paste0":
		return strings.Join(args, ""), nil
	case "paste":
		return strings.Join(args, " "), nil
	case "nchar":
		if len(args) != 1 {
			return "", arity(c.fn)
		}
		return strconv.Itoa(utf8.RuneCountInString(args[0])), nil
	case "toupper":
		if len(args) != 1 {
			return "", arity(c.fn)
		}
		return strings.ToUpper(args[0]), nil
	case "identity", "invisible", "as.character":
		if len(args) != 1 {
			return "", arity(c.fn)
		}
		return args[0], nil
	case "exists":
		if len(args) != 1 {
			return "", arity(c.fn)
		}
		if _, ok := s.lookup(args[0]); ok {
			return "TRUE", nil
		}
		return "FALSE", nil
	case "stop":
		return "", &interp.RuntimeError{Message: strings.Join(args, "")}
	case "Sys.sleep":
		if len(args) != 1 {
			return "", arity(c.fn)
		}
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return "", &interp.RuntimeError{Message: "invalid 'time' value"}
		}
		// Like R, the sleep is not interrupted by the caller giving up.
		time.Sleep(time.Duration(secs * float64(time.Second)))
		return "", nil
	case "crash":
		s.in.Crash()
		return "", &interp.FatalError{Message: "R process exited unexpectedly"}
	}
	return "", &interp.RuntimeError{Message: fmt.Sprintf("could not find function \"%s\"", c.fn)}
}

func arity(fn string) error {
	return &interp.RuntimeError{Message: fmt.Sprintf("wrong number of arguments to %s", fn)}
}
