// Package errs defines the closed error taxonomy the core surfaces to
// callers. Every failure that crosses a component boundary is a *CoreError
// carrying one of the stable Codes below; nothing downstream should ever
// need to string-match an error message.
package errs

import "fmt"

// Code is a stable, closed identifier for a class of failure.
type Code string

const (
	BadInput          Code = "BAD_INPUT"
	DNSError          Code = "DNS_ERROR"
	BadKey            Code = "BAD_KEY"
	NotPublished      Code = "NOT_PUBLISHED"
	BadEntrypoint     Code = "BAD_ENTRYPOINT"
	RouteNotFound     Code = "ROUTE_NOT_FOUND"
	ManifestMissing   Code = "MANIFEST_MISSING"
	AssetsMissing     Code = "ASSETS_MISSING"
	NoHTML            Code = "NO_HTML"
	WrongAuthor       Code = "WRONG_AUTHOR"
	IntegrityFailure  Code = "INTEGRITY_FAILURE"
	BundleTooLarge    Code = "BUNDLE_TOO_LARGE"
	Timeout           Code = "TIMEOUT"
	RateLimited       Code = "RATE_LIMITED"
	ProtocolError     Code = "PROTOCOL_ERROR"
	Internal          Code = "INTERNAL"
)

// CoreError is the single error type the core ever returns across a
// component boundary. Details carries structured, code-specific context
// (e.g. the available routes for ROUTE_NOT_FOUND); it is nil when a code
// carries no extra context.
type CoreError struct {
	CodeVal Code
	Msg     string
	Details map[string]any
}

func (e *CoreError) Error() string {
	if e.Msg == "" {
		return string(e.CodeVal)
	}
	return fmt.Sprintf("%s: %s", e.CodeVal, e.Msg)
}

// Code returns the error's stable code. Named Code() rather than a bare
// field access so callers can type-assert against a small interface
// instead of the concrete struct if they ever need to.
func (e *CoreError) Code() Code { return e.CodeVal }

// New builds a CoreError with no extra details.
func New(code Code, msg string) *CoreError {
	return &CoreError{CodeVal: code, Msg: msg}
}

// Newf builds a CoreError with a formatted message.
func Newf(code Code, format string, args ...any) *CoreError {
	return &CoreError{CodeVal: code, Msg: fmt.Sprintf(format, args...)}
}

// WithDetails builds a CoreError carrying structured details.
func WithDetails(code Code, msg string, details map[string]any) *CoreError {
	return &CoreError{CodeVal: code, Msg: msg, Details: details}
}

// As reports whether err is a *CoreError and, if so, returns it.
func As(err error) (*CoreError, bool) {
	ce, ok := err.(*CoreError)
	return ce, ok
}

// CodeOf returns the Code of err if it is a *CoreError, otherwise Internal.
func CodeOf(err error) Code {
	if ce, ok := As(err); ok {
		return ce.CodeVal
	}
	return Internal
}
