package boxedr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bpowers/boxedr/interp"
	"github.com/bpowers/boxedr/store"
)

var (
	// ErrNotReady is returned by Run before Initialize has succeeded.
	ErrNotReady = errors.New("boxedr: session is not ready")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("boxedr: session is closed")
)

// StorageError reports a persistent store failure. Storage failures never
// fail a session; they disable caching for the cold start in which they
// happen.
type StorageError = store.Error

// Stage names a step of the cold start.
type Stage string

const (
	StageAssets    Stage = "assets"
	StageSpawn     Stage = "spawn"
	StageLibrary   Stage = "library"
	StageRestore   Stage = "restore"
	StageEnumerate Stage = "enumerate"
	StageInstall   Stage = "install"
	StageMirror    Stage = "mirror"
)

// InitError reports a failed cold start and the stage it failed in.
type InitError struct {
	Stage Stage
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize: %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies an ExecutionError.
type ErrorKind int

const (
	// KindParse - the script did not parse; nothing was bound or run
	KindParse ErrorKind = iota + 1
	// KindEmptyResult - the script's last value was empty
	KindEmptyResult
	// KindInvalidResult - the script's last value was not JSON
	KindInvalidResult
	// KindRuntime - the interpreter failed while binding or running
	KindRuntime
)

func (k ErrorKind) String() string {
	switch k {
	case KindParse:
		return "parse error"
	case KindEmptyResult:
		return "empty result"
	case KindInvalidResult:
		return "invalid result"
	case KindRuntime:
		return "runtime error"
	default:
		return "unknown error"
	}
}

// ExecutionError reports a failed Run. Parse, empty and invalid results
// leave the session Ready. Fatal is set when the interpreter itself crashed
// or became unreachable; callers should offer Session.Restart.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Line    int    // 1-indexed; 0 if unknown
	Column  int    // 1-indexed; 0 if unknown
	Hint    string // suggestion for the script author
	Output  string // console output captured before a runtime error
	Fatal   bool
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err means the interpreter must be restarted.
func IsFatal(err error) bool {
	var ee *ExecutionError
	if errors.As(err, &ee) && ee.Fatal {
		return true
	}
	return interp.IsFatal(err)
}

// IsStorage reports whether err came from the persistent store.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// RError is structured information extracted from an R error message.
type RError struct {
	Message string // first line of the message
	Line    int    // 0 if unknown
	Column  int    // 0 if unknown
	Context string // offending source line, for parse errors
	Hint    string
}

var (
	parseLocRegex = regexp.MustCompile(`^<text>:(\d+):(\d+): (.*)$`)
	ctxLineRegex  = regexp.MustCompile(`^(\d+): (.*)$`)
)

// ParseRError extracts structured information from an R error message, such
// as "<text>:2:5: unexpected symbol\n2: x y\n       ^" from parse() or
// "object 'x' not found" from evaluation. Returns nil for empty input.
func ParseRError(message string) *RError {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil
	}
	lines := strings.Split(message, "\n")
	re := &RError{Message: strings.TrimSpace(lines[0])}

	if m := parseLocRegex.FindStringSubmatch(re.Message); m != nil {
		re.Line, _ = strconv.Atoi(m[1])
		re.Column, _ = strconv.Atoi(m[2])
		for _, l := range lines[1:] {
			if cm := ctxLineRegex.FindStringSubmatch(l); cm != nil {
				if n, _ := strconv.Atoi(cm[1]); n == re.Line {
					re.Context = cm[2]
				}
			}
		}
		re.Hint = parseHint(m[3])
		return re
	}
	re.Hint = runtimeHint(re.Message)
	return re
}

func parseHint(what string) string {
	switch {
	case strings.Contains(what, "INCOMPLETE_STRING"):
		return "A string literal is not closed - check for a missing quote"
	case strings.Contains(what, "end of input"):
		return "The script ends early - check for unclosed parentheses or braces"
	case strings.Contains(what, "unexpected symbol"), strings.Contains(what, "unexpected numeric constant"),
		strings.Contains(what, "unexpected string constant"):
		return "Two expressions run together - check for a missing operator, comma or newline"
	case strings.Contains(what, "unexpected input"):
		return "The script contains a character R does not accept at this position"
	case strings.Contains(what, "unexpected '"), strings.Contains(what, "unexpected ')'"):
		return "Check that brackets and parentheses are balanced"
	default:
		return "Review the syntax at the indicated line"
	}
}

var (
	objectNotFoundRegex   = regexp.MustCompile(`object '([^']+)' not found`)
	functionNotFoundRegex = regexp.MustCompile(`could not find function "([^"]+)"`)
	noPackageRegex        = regexp.MustCompile(`there is no package called ['‘]([^'’]+)['’]`)
)

func runtimeHint(msg string) string {
	if m := objectNotFoundRegex.FindStringSubmatch(msg); m != nil {
		return "Variable '" + m[1] + "' is not defined. Check for typos or ensure it's assigned before use."
	}
	if m := functionNotFoundRegex.FindStringSubmatch(msg); m != nil {
		return "Function '" + m[1] + "' does not exist. Check the spelling or load the package that provides it."
	}
	if m := noPackageRegex.FindStringSubmatch(msg); m != nil {
		return "Package '" + m[1] + "' is not installed. Add it to the required packages."
	}
	switch {
	case strings.Contains(msg, "non-numeric argument"):
		return "Convert values with as.numeric() before doing arithmetic"
	case strings.Contains(msg, "subscript out of bounds"):
		return "Check the index is within bounds"
	case strings.Contains(msg, "argument is not interpretable as logical"):
		return "Check that the condition evaluates to TRUE or FALSE"
	}
	return ""
}

// classify turns an interpreter error into an ExecutionError of kind.
func classify(kind ErrorKind, err error) *ExecutionError {
	ee := &ExecutionError{Kind: kind, Err: err, Fatal: interp.IsFatal(err)}

	var pe *interp.ParseError
	var rte *interp.RuntimeError
	switch {
	case errors.As(err, &pe):
		ee.Kind = KindParse
		ee.Message = pe.Message
	case errors.As(err, &rte):
		ee.Message = rte.Message
		ee.Output = rte.Output
	default:
		ee.Message = err.Error()
	}
	if ee.Fatal {
		ee.Kind = KindRuntime
		return ee
	}
	if re := ParseRError(ee.Message); re != nil {
		ee.Line, ee.Column, ee.Hint = re.Line, re.Column, re.Hint
	}
	return ee
}
