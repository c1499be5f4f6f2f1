package agent

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound reports an unknown agent type, process or operation.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition reports an operation that is not callable in the
	// current state.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrProcessBusy reports a process with a dispatch already in flight.
	ErrProcessBusy = errors.New("process busy")
	// ErrInvalidInput reports input that does not match an operation's shape.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicateOperation reports a second registration of an operation name.
	ErrDuplicateOperation = errors.New("duplicate operation")
	// ErrAgentExists reports a second definition of an agent type.
	ErrAgentExists = errors.New("agent type already defined")
)

// Failure is a caller-facing fault raised by an operation, carrying a
// status-style code.
type Failure struct {
	Code    int
	Message string
}

// Fail creates a classified failure.
func Fail(code int, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

// Failf creates a classified failure with a formatted message.
func Failf(code int, format string, args ...interface{}) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StatusCode returns Code when it is a 4xx or 5xx status and 500 otherwise.
func (f *Failure) StatusCode() int {
	if f.Code < http.StatusBadRequest || f.Code > 599 {
		return http.StatusInternalServerError
	}
	return f.Code
}

// Error implements the error interface
func (f *Failure) Error() string {
	return f.Message
}

// AsFailure extracts a classified failure from err.
func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}
