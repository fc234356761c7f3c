package rtest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"

	"github.com/bpowers/boxedr/interp"
	"github.com/bpowers/boxedr/rworker"
)

// HelperEnv marks a test binary re-executed as a worker process.
const HelperEnv = "BOXEDR_HELPER_WORKER"

// ErrCrashed is returned by Serve after the script crashed the interpreter.
var ErrCrashed = errors.New("interpreter crashed")

// Serve answers worker protocol requests from r on w using in, until a quit
// request or end of input.
func Serve(ctx context.Context, r io.Reader, w io.Writer, in *Interpreter) error {
	br := bufio.NewReader(r)
	enc := json.NewEncoder(w)
	scopes := map[int]interp.Scope{}
	nextScope := 0

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var req rworker.Request
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}

		resp := rworker.Response{ID: req.ID, OK: true}
		var opErr error
		switch req.Op {
		case rworker.OpHello:
			resp.Value = "R version 4.4.0 (test)"
		case rworker.OpParse:
			opErr = in.Parse(ctx, req.Code)
		case rworker.OpAssign:
			opErr = in.Assign(ctx, req.Name, req.Value)
		case rworker.OpScopeOpen:
			var s interp.Scope
			if s, opErr = in.OpenScope(ctx); opErr == nil {
				nextScope++
				scopes[nextScope] = s
				resp.Scope = nextScope
			}
		case rworker.OpScopeEval:
			s, ok := scopes[req.Scope]
			if !ok {
				opErr = &interp.RuntimeError{Message: fmt.Sprintf("unknown scope %d", req.Scope)}
				break
			}
			resp.Value, opErr = s.Eval(ctx, req.Code)
		case rworker.OpScopeClose:
			if s, ok := scopes[req.Scope]; ok {
				opErr = s.Close(ctx)
				delete(scopes, req.Scope)
			}
		case rworker.OpLibPaths:
			resp.Values, opErr = in.LibPaths(ctx, req.Paths...)
		case rworker.OpInstall:
			opErr = in.InstallPackages(ctx, req.Packages, req.Path, req.Repos)
		case rworker.OpListFiles:
			resp.Values, opErr = in.ListFiles(ctx, req.Path)
		case rworker.OpMkdir:
			opErr = in.fs.MkdirAll(ctx, req.Path)
		case rworker.OpWriteFile:
			opErr = in.fs.WriteFile(ctx, req.Path, req.Data)
		case rworker.OpReadFile:
			resp.Data, opErr = in.fs.ReadFile(ctx, req.Path)
			if opErr == nil && resp.Data == nil {
				resp.Data = []byte{}
			}
		case rworker.OpReadDir:
			resp.Values, opErr = in.fs.ReadDir(ctx, req.Path)
		case rworker.OpQuit:
			if err := enc.Encode(resp); err != nil {
				return err
			}
			return in.Close(ctx)
		default:
			opErr = &interp.RuntimeError{Message: "unknown op " + req.Op}
		}

		if opErr != nil {
			if interp.IsFatal(opErr) {
				return ErrCrashed
			}
			resp = rworker.Response{ID: req.ID, Error: wireError(opErr)}
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
}

func wireError(err error) *rworker.WireError {
	var pe *interp.ParseError
	var re *interp.RuntimeError
	switch {
	case errors.As(err, &pe):
		return &rworker.WireError{Kind: rworker.KindParse, Message: pe.Message}
	case errors.As(err, &re):
		return &rworker.WireError{Kind: rworker.KindRuntime, Message: re.Message}
	case errors.Is(err, fs.ErrNotExist):
		return &rworker.WireError{Kind: rworker.KindNoEnt, Message: err.Error()}
	default:
		return &rworker.WireError{Kind: rworker.KindRuntime, Message: err.Error()}
	}
}

// RunHelperWorker serves the protocol the way the R host script does, over
// the channel named in the environment. Test binaries call it from TestMain
// when HelperEnv is set; it never returns.
func RunHelperWorker() {
	ctx := context.Background()
	in := NewInterpreter(interp.Channel(os.Getenv("BOXEDR_CHANNEL")))

	var r io.Reader = os.Stdin
	var w io.Writer = os.Stdout
	if in.Channel() == interp.ChannelSocket {
		conn, err := net.Dial("tcp", os.Getenv("BOXEDR_ADDR"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "dial host:", err)
			os.Exit(2)
		}
		r, w = conn, conn
	}

	if err := Serve(ctx, r, w, in); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(3)
	}
	os.Exit(0)
}
