package protocol

import (
	"errors"
	"fmt"
	"path"
	"regexp"
)

// Code identifies a wire-visible error category. The set is closed:
// clients switch on these values and new members are a protocol version
// bump.
type Code string

const (
	CodeInvalidPath        Code = "INVALID_PATH"
	CodeProjectNesting     Code = "PROJECT_NESTING"
	CodeProjectNotFound    Code = "PROJECT_NOT_FOUND"
	CodeProcessActive      Code = "PROCESS_ACTIVE"
	CodeProcessNotActive   Code = "PROCESS_NOT_ACTIVE"
	CodeExecutionTimeout   Code = "EXECUTION_TIMEOUT"
	CodeExecutionFailed    Code = "EXECUTION_FAILED"
	CodeProcessKilled      Code = "PROCESS_KILLED"
	CodeAgentNotFound      Code = "AGENT_NOT_FOUND"
	CodeResourceLimit      Code = "RESOURCE_LIMIT"
	CodeUnknownMessageType Code = "UNKNOWN_MESSAGE_TYPE"
	CodeValidationFailed   Code = "VALIDATION_FAILED"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Error is a coded error that can cross the wire. Details carry optional
// structured context; callers must keep absolute host paths out of them
// (ScrubPaths helps with free-form diagnostic text).
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a coded error.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Ef builds a coded error with a formatted message.
func Ef(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of the error carrying one extra detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// AsError extracts the coded error from err. Errors that carry no code
// collapse to a generic INTERNAL_ERROR so internals never leak to clients.
func AsError(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return E(CodeInternalError, "internal server error")
}

// CodeOf reports the wire code err maps to.
func CodeOf(err error) Code {
	return AsError(err).Code
}

// ErrorFrame builds the error envelope for err, tagged with projectID when
// one is known.
func ErrorFrame(projectID string, err error) Envelope {
	coded := AsError(err)
	env, mErr := NewEnvelope(TypeError, projectID, ErrorData{
		Code:    coded.Code,
		Message: coded.Message,
		Details: coded.Details,
	})
	if mErr != nil {
		// Details refused to marshal; send the frame without them.
		env, _ = NewEnvelope(TypeError, projectID, ErrorData{
			Code:    coded.Code,
			Message: coded.Message,
		})
	}
	return env
}

var absPathPattern = regexp.MustCompile(`/[A-Za-z0-9._~+=@/-]*`)

// ScrubPaths replaces absolute filesystem paths in diagnostic text with
// their final element so the text can ride in wire-visible details.
func ScrubPaths(s string) string {
	return absPathPattern.ReplaceAllStringFunc(s, func(m string) string {
		base := path.Base(m)
		if base == "/" || base == "." {
			return "…"
		}
		return base
	})
}
