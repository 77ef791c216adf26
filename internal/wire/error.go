package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes carried in error frames.
const (
	CodeProtocolViolation = "PROTOCOL_VIOLATION"
	CodeMethodNotFound    = "METHOD_NOT_FOUND"
	CodeInvalidParams     = "INVALID_PARAMS"
	CodeHandlerError      = "HANDLER_ERROR"
	CodeInternal          = "INTERNAL"
	CodeRateLimited       = "RATE_LIMITED"
	CodeTimeout           = "TIMEOUT"
	CodeUnavailable       = "UNAVAILABLE"
)

// Error is the body of an error frame. Handlers may return one to choose
// the code and attach data; any other error becomes HANDLER_ERROR.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsProtocolViolation reports whether the remote side rejected the frame
// itself rather than failing inside a handler.
func (e *Error) IsProtocolViolation() bool {
	return e.Code == CodeProtocolViolation || e.Code == CodeMethodNotFound
}

// NewError creates an error body.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an error body with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying v as its data member.
func (e *Error) WithData(v any) *Error {
	out := *e
	data, err := json.Marshal(v)
	if err == nil {
		out.Data = data
	}
	return &out
}

// WithStack returns a copy of e carrying stack, unless stacks are compiled out.
func (e *Error) WithStack(stack []byte) *Error {
	out := *e
	if StacksEnabled {
		out.Stack = string(stack)
	}
	return &out
}

// FromError converts a handler error into an error body.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		out := *we
		if !StacksEnabled {
			out.Stack = ""
		}
		return &out
	}
	return &Error{Code: CodeHandlerError, Message: err.Error()}
}
