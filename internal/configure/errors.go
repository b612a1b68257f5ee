package configure

import (
	"errors"
	"fmt"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/tools"
)

// Code is the process exit code for a run outcome.
type Code int

const (
	CodeSuccess        Code = 0
	CodePathNotFound   Code = 1
	CodePathLoad       Code = 2
	CodePathCreate     Code = 3
	CodeConfigureImage Code = 4
	CodeResetImage     Code = 5
	CodeToolNotFound   Code = 6
)

// String returns the code's name.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "Success"
	case CodePathNotFound:
		return "PathNotFound"
	case CodePathLoad:
		return "PathLoad"
	case CodePathCreate:
		return "PathCreate"
	case CodeConfigureImage:
		return "ConfigureImage"
	case CodeResetImage:
		return "ResetImage"
	case CodeToolNotFound:
		return "ToolNotFound"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is a failed run step.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf maps err to an exit code.
//
// A missing host tool is reported as CodeToolNotFound wherever it surfaced,
// a bad config file as CodePathLoad. Other errors that are not an *Error map
// to CodeConfigureImage.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if errors.Is(err, tools.ErrToolNotFound) {
		return CodeToolNotFound
	}
	if errors.Is(err, config.ErrLoad) {
		return CodePathLoad
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeConfigureImage
}
