// Package errs defines the structured error taxonomy shared across the
// orchestration core: graph mutation failures, actor-runtime I/O failures,
// actor body failures, and notification-queue failures.
package errs

import "fmt"

// Category groups error codes into the four families the design separates:
// GraphError, IoError, ActorFailure, QueueError.
type Category string

const (
	CategoryGraph  Category = "graph"
	CategoryIO     Category = "io"
	CategoryActor  Category = "actor"
	CategoryQueue  Category = "queue"
)

// Code identifies a specific failure within its Category.
type Code string

// GraphError codes: unknown alias, cycle rejection, unknown workflow name.
const (
	CodeUnknownAlias    Code = "UNKNOWN_ALIAS"
	CodeCycle           Code = "CYCLE"
	CodeUnknownWorkflow Code = "UNKNOWN_WORKFLOW"
	CodeUnknownNode     Code = "UNKNOWN_NODE"
	CodeAliasCycle      Code = "ALIAS_CYCLE"
)

// IoError codes mirror POSIX errno values, per the actor runtime ABI.
const (
	CodeEBADF  Code = "EBADF"
	CodeEINVAL Code = "EINVAL"
	CodeEPIPE  Code = "EPIPE"
	CodeEIO    Code = "EIO"
	CodeENOSPC Code = "ENOSPC"
	CodeEAGAIN Code = "EAGAIN"
)

// ActorFailure codes.
const (
	CodeActorPanic   Code = "ACTOR_PANIC"
	CodeActorReturned Code = "ACTOR_FAILED"
)

// QueueError codes.
const (
	CodeHandleUnregistered Code = "HANDLE_UNREGISTERED"
	CodeWaiterCapExceeded  Code = "WAITER_CAP_EXCEEDED"
	CodeSubscriptionOverflow Code = "SUBSCRIPTION_OVERFLOW"
)

// Error is the single structured error type for the orchestration core.
// Category lets callers do a coarse errors.As-style check; Code narrows it.
type Error struct {
	Category Category
	Code     Code
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(cat Category, code Code, msg string) *Error {
	return &Error{Category: cat, Code: code, Message: msg}
}

// WithCause attaches an underlying cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Graph constructs a GraphError.
func Graph(code Code, msg string) *Error { return newErr(CategoryGraph, code, msg) }

// IO constructs an IoError.
func IO(code Code, msg string) *Error { return newErr(CategoryIO, code, msg) }

// Actor constructs an ActorFailure.
func Actor(code Code, msg string) *Error { return newErr(CategoryActor, code, msg) }

// Queue constructs a QueueError.
func Queue(code Code, msg string) *Error { return newErr(CategoryQueue, code, msg) }

// Is reports whether err is an *Error carrying the given code.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Code == code
}

// CodeOf extracts the Code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
