// Package replerr defines the typed error kinds shared across the core
// subsystems, so that session, store, and sync-engine code can branch on
// error identity with errors.Is/errors.As instead of string matching.
package replerr

import "fmt"

// Code identifies one of the error kinds surfaced across the core, mirroring
// the wire protocol's Error{code} variant.
type Code string

const (
	CodeInvalidAuth      Code = "InvalidAuth"
	CodeDocumentNotFound Code = "DocumentNotFound"
	CodeInvalidPatch     Code = "InvalidPatch"
	CodeVersionMismatch  Code = "VersionMismatch"
	CodeServerError      Code = "ServerError"
	CodeRateLimited      Code = "RateLimitExceeded"
	CodeInvalidMessage   Code = "InvalidMessage"
)

// Error is a typed error carrying a wire-protocol error code plus a
// human-readable message. Errors.Is compares by Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes Error comparable by Code with errors.Is, so callers can write
// errors.Is(err, replerr.NotFound) without needing the original message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel instances for errors.Is comparisons where no extra message is
// needed.
var (
	NotFound        = &Error{Code: CodeDocumentNotFound, Message: "document not found"}
	PatchFailed     = &Error{Code: CodeInvalidPatch, Message: "patch could not be applied"}
	InvalidAuth     = &Error{Code: CodeInvalidAuth, Message: "authentication failed"}
	VersionConflict = &Error{Code: CodeVersionMismatch, Message: "concurrent version vectors"}
)
