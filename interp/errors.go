package interp

import (
	"errors"
	"fmt"
)

// ParseError reports code that the interpreter could not parse. Message is
// the interpreter's own text, e.g. "<text>:2:5: unexpected symbol".
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Message
}

// RuntimeError reports an error signalled while evaluating code. The
// interpreter is still usable afterwards.
type RuntimeError struct {
	Message string
	Output  string // console output captured before the error
}

func (e *RuntimeError) Error() string {
	return "runtime error: " + e.Message
}

// FatalError reports that the interpreter crashed or became unreachable. The
// interpreter must be restarted.
type FatalError struct {
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("interpreter failure: %s: %v", e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("interpreter failure: %v", e.Err)
	default:
		return "interpreter failure: " + e.Message
	}
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err (or anything it wraps) is a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
