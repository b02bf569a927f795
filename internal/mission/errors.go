// internal/mission/errors.go
package mission

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures for callers, events and the re-plan policy.
type ErrorCode string

const (
	CodePlanInvalid            ErrorCode = "PLAN_INVALID"             // Cyclic or malformed plan; never retried.
	CodeToolNotFound           ErrorCode = "TOOL_NOT_FOUND"           // Task names an unregistered tool.
	CodeToolExecution          ErrorCode = "TOOL_EXECUTION_ERROR"     // The tool returned an error or timed out.
	CodeDependencyFailed       ErrorCode = "DEPENDENCY_FAILED"        // Cascading skip marker, not a true error.
	CodeMissionAlreadyTerminal ErrorCode = "MISSION_ALREADY_TERMINAL" // Mutation attempted on a finished mission.
	CodeUpstreamUnavailable    ErrorCode = "UPSTREAM_UNAVAILABLE"     // Planning or research backend unreachable.
	CodeMissionNotFound        ErrorCode = "MISSION_NOT_FOUND"
	CodeInvalidTransition      ErrorCode = "INVALID_TRANSITION"
	CodeCancelled              ErrorCode = "CANCELLED"
	CodeInvalidInput           ErrorCode = "INVALID_INPUT"
)

var (
	ErrPlanInvalid            = errors.New("plan invalid")
	ErrToolNotFound           = errors.New("tool not found")
	ErrToolExecution          = errors.New("tool execution failed")
	ErrDependencyFailed       = errors.New("dependency failed")
	ErrMissionAlreadyTerminal = errors.New("mission already terminal")
	ErrUpstreamUnavailable    = errors.New("upstream unavailable")
	ErrMissionNotFound        = errors.New("mission not found")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrCancelled              = errors.New("mission cancelled")
	ErrInvalidInput           = errors.New("invalid input")
)

var sentinels = map[ErrorCode]error{
	CodePlanInvalid:            ErrPlanInvalid,
	CodeToolNotFound:           ErrToolNotFound,
	CodeToolExecution:          ErrToolExecution,
	CodeDependencyFailed:       ErrDependencyFailed,
	CodeMissionAlreadyTerminal: ErrMissionAlreadyTerminal,
	CodeUpstreamUnavailable:    ErrUpstreamUnavailable,
	CodeMissionNotFound:        ErrMissionNotFound,
	CodeInvalidTransition:      ErrInvalidTransition,
	CodeCancelled:              ErrCancelled,
	CodeInvalidInput:           ErrInvalidInput,
}

// Error is a coded error. errors.Is matches it against the sentinel of its code.
type Error struct {
	Code ErrorCode
	Op   string // Operation that failed, e.g. "state.TransitionTask".
	Err  error
}

// E builds a coded error wrapping err.
func E(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// CodeOf extracts the error code from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	for code, s := range sentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return ""
}
