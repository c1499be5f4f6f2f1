package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/commandqueue"
	"github.com/harun/procd/pkg/store"
)

// ErrorKind classifies engine errors.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindIllegalTransition ErrorKind = "illegal_transition"
	KindBusy              ErrorKind = "busy"
	KindInvalidInput      ErrorKind = "invalid_input"
	KindConflict          ErrorKind = "conflict"
	KindHookFailed        ErrorKind = "hook_failed"
	KindClassified        ErrorKind = "classified_failure"
	KindUnhandled         ErrorKind = "unhandled_fault"
	KindCanceled          ErrorKind = "canceled"
)

// StatusClientClosed is reported for runs whose consumer went away.
const StatusClientClosed = 499

// Error is the caller-facing error of an engine operation. Status is set
// when the failure was recorded on the process.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
	Status  *Status
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Recorded reports whether the failure was written to the process record.
func (e *Error) Recorded() bool {
	return e.Status != nil
}

func newError(kind ErrorKind, code int, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func notFoundError(format string, args ...interface{}) *Error {
	return newError(KindNotFound, http.StatusNotFound, agent.ErrNotFound, format, args...)
}

func illegalError(format string, args ...interface{}) *Error {
	return newError(KindIllegalTransition, http.StatusConflict, agent.ErrIllegalTransition, format, args...)
}

func busyError(agentType, processID string) *Error {
	return newError(KindBusy, http.StatusConflict, agent.ErrProcessBusy,
		"process %s/%s is busy", agentType, processID)
}

// classify converts an error from a store or admission step into an *Error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr
	}

	var hookErr *store.HookError
	switch {
	case errors.As(err, &hookErr):
		return &Error{Kind: KindHookFailed, Code: http.StatusInternalServerError, Message: hookErr.Error(), Err: err}
	case errors.Is(err, agent.ErrNotFound):
		return &Error{Kind: KindNotFound, Code: http.StatusNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, agent.ErrIllegalTransition):
		return &Error{Kind: KindIllegalTransition, Code: http.StatusConflict, Message: err.Error(), Err: err}
	case errors.Is(err, agent.ErrProcessBusy):
		return &Error{Kind: KindBusy, Code: http.StatusConflict, Message: err.Error(), Err: err}
	case errors.Is(err, agent.ErrInvalidInput):
		return &Error{Kind: KindInvalidInput, Code: http.StatusUnprocessableEntity, Message: err.Error(), Err: err}
	case errors.Is(err, commandqueue.ErrLaneReset):
		return &Error{Kind: KindConflict, Code: http.StatusConflict, Message: "process deleted while dispatch was queued", Err: err}
	case errors.Is(err, store.ErrExists):
		return &Error{Kind: KindConflict, Code: http.StatusConflict, Message: err.Error(), Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Code: StatusClientClosed, Message: err.Error(), Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindCanceled, Code: http.StatusGatewayTimeout, Message: err.Error(), Err: err}
	}
	return err
}

// StatusCode maps err to an HTTP-style status code.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var engineErr *Error
	if errors.As(err, &engineErr) && engineErr.Code != 0 {
		return engineErr.Code
	}
	if failure, ok := agent.AsFailure(err); ok {
		return failure.StatusCode()
	}
	if classified, ok := classify(err).(*Error); ok {
		return classified.Code
	}
	return http.StatusInternalServerError
}
