package boxedr

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/bpowers/boxedr/interp"
)

const scopeReleaseTimeout = 30 * time.Second

// Result is the parsed outcome of a successful Run.
type Result struct {
	// Value is the decoded JSON value: nil, bool, float64, string,
	// []any or map[string]any.
	Value any

	// JSON is the script's result text, trimmed.
	JSON string

	RunID    string
	Duration time.Duration
}

// Get returns the value at a gjson path, e.g. "fit.ld50" or "doses.#".
func (r *Result) Get(path string) gjson.Result {
	return gjson.Get(r.JSON, path)
}

type evalResult struct {
	out string
	err error
}

// Run executes script with input bound to the input variable and returns the
// JSON value the script's last expression produced.
//
// The script is sanitized and parsed first; a parse failure is returned
// before anything is bound or evaluated. Evaluation happens inside a fresh
// scope that is released on every path. Runs are serialized. If ctx ends
// while the script is still running, Run returns ctx.Err() at once and the
// scope is released when the interpreter finishes; the next Run waits for
// that.
func (s *Session) Run(ctx context.Context, script, input string) (*Result, error) {
	select {
	case s.runSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-s.runSem }

	in, err := s.interpreter()
	if err != nil {
		release()
		return nil, err
	}

	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID)
	start := time.Now()

	finish := func(res *Result, err error) (*Result, error) {
		d := time.Since(start)
		var ee *ExecutionError
		switch {
		case err == nil:
			res.RunID, res.Duration = runID, d
			s.metrics.RunDuration(d, 0)
			logger.Info("run finished", "duration", d, "bytes", len(res.JSON))
		case errors.As(err, &ee):
			s.metrics.RunDuration(d, ee.Kind)
			logger.Error("run failed", "kind", ee.Kind.String(), "error", ee.Message, "duration", d)
			if ee.Fatal {
				logger.Error("interpreter is unusable; restart the session")
			}
		default:
			s.metrics.RunDuration(d, KindRuntime)
			logger.Warn("run abandoned", "error", err, "duration", d)
		}
		return res, err
	}

	code := Sanitize(script)
	if code != script {
		logger.Debug("script sanitized", "removed_bytes", len(script)-len(code))
	}

	if err := in.Parse(ctx, code); err != nil {
		release()
		if ctxErr(ctx, err) {
			return finish(nil, err)
		}
		return finish(nil, classify(KindRuntime, err))
	}
	if err := in.Assign(ctx, s.cfg.InputVariable, input); err != nil {
		release()
		if ctxErr(ctx, err) {
			return finish(nil, err)
		}
		return finish(nil, classify(KindRuntime, err))
	}
	scope, err := in.OpenScope(ctx)
	if err != nil {
		release()
		if ctxErr(ctx, err) {
			return finish(nil, err)
		}
		return finish(nil, classify(KindRuntime, err))
	}

	done := make(chan evalResult, 1)
	go func() {
		defer release()
		out, err := scope.Eval(context.WithoutCancel(ctx), code)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scopeReleaseTimeout)
		if cerr := scope.Close(rctx); cerr != nil {
			logger.Warn("scope release failed", "error", cerr)
		}
		cancel()
		done <- evalResult{out: out, err: err}
	}()

	var r evalResult
	select {
	case r = <-done:
	case <-ctx.Done():
		return finish(nil, ctx.Err())
	}

	if r.err != nil {
		return finish(nil, classify(KindRuntime, r.err))
	}
	out := strings.TrimSpace(r.out)
	if out == "" {
		return finish(nil, &ExecutionError{Kind: KindEmptyResult, Message: "script produced no result",
			Hint: "End the script with an expression that returns its result as a JSON string"})
	}
	if !gjson.Valid(out) {
		return finish(nil, &ExecutionError{Kind: KindInvalidResult, Message: "result is not valid JSON: " + abbreviate(out, 80),
			Hint: "Serialize the result with jsonlite::toJSON() as the last expression"})
	}
	return finish(&Result{Value: gjson.Parse(out).Value(), JSON: out}, nil)
}

func ctxErr(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && !interp.IsFatal(err)
}

func abbreviate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
