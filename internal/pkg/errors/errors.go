// Package errors provides the coded error type used across the render orchestrator.
// Every error that crosses a component boundary carries a Code that decides both the
// HTTP status at the API edge and the message written into a failed job.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeFailedPrecond Code = "FAILED_PRECONDITION"
	CodeTimeout       Code = "TIMEOUT"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeRenderEngine  Code = "RENDER_ENGINE_ERROR"
	CodeStorage       Code = "STORAGE_ERROR"
)

// Error is a coded error with operation context and a captured stack.
type Error struct {
	Code    Code
	Message string
	// Op names the failing operation, e.g. "processor.render".
	Op     string
	Err    error
	Fields map[string]any
	Stack  []Frame
}

// Frame is one captured stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField attaches one context field.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// HTTPStatus maps the code onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeAlreadyExists:
		return 409
	case CodeFailedPrecond:
		return 412
	case CodeRenderEngine:
		return 502
	case CodeUnavailable:
		return 503
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}

// StackTrace formats the captured frames, one per line.
func (e *Error) StackTrace() string {
	if len(e.Stack) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: captureStack(2)}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Wrap adds op context to err. The code of an inner *Error is preserved,
// anything else becomes CodeInternal.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}

	code := CodeInternal
	var fields map[string]any
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
		fields = e.Fields
	}

	return &Error{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
		Fields:  fields,
		Stack:   captureStack(2),
	}
}

// WrapWithCode wraps err and forces code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Op: op, Err: err, Stack: captureStack(2)}
}

func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

func AlreadyExists(resource string, id string) *Error {
	return New(CodeAlreadyExists, fmt.Sprintf("%s already exists: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

func FailedPrecondition(message string) *Error {
	return New(CodeFailedPrecond, message)
}

// Unavailable reports a dependency that cannot be reached.
func Unavailable(service string) *Error {
	return New(CodeUnavailable, fmt.Sprintf("service unavailable: %s", service)).
		WithField("service", service)
}

// RenderEngine wraps a failure of the external renderer. The engine message stays
// verbatim at the end of Error().
func RenderEngine(err error, op string) *Error {
	return WrapWithCode(err, CodeRenderEngine, op, "render engine failed")
}

// Storage wraps a local filesystem or blob upload failure.
func Storage(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Code == CodeUnavailable {
		return Wrap(err, op, message)
	}
	return WrapWithCode(err, CodeStorage, op, message)
}

func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return 500
}

func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) && e.Fields != nil {
		return e.Fields
	}
	return nil
}

func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

func IsUnavailable(err error) bool {
	return IsCode(err, CodeUnavailable)
}

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	frames := make([]Frame, 0, n)
	it := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := it.Next()
		if !strings.Contains(frame.File, "runtime/") {
			frames = append(frames, Frame{File: frame.File, Line: frame.Line, Function: frame.Function})
		}
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// As is errors.As re-exported so callers need a single errors import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is errors.Is re-exported.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
