package apperr

import "fmt"

// Code classifies a rejected intent. Codes map 1:1 onto the structured
// error events sent back to the offending connection.
type Code string

const (
	Unauthenticated Code = "unauthenticated"
	Forbidden       Code = "forbidden"
	RateLimited     Code = "rate_limited"
	NotFound        Code = "not_found"
	Invalid         Code = "invalid"
	Conflict        Code = "conflict"
	Internal        Code = "internal"
)

type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, defaulting to Internal
// for anything that isn't an *Error.
func CodeOf(err error) Code {
	if appErr, ok := err.(*Error); ok {
		return appErr.Code
	}
	return Internal
}
