package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a dropped provider session.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates another actor changed the VM first.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, missing template, unsupported operation.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Sentinel errors.
var (
	// ErrUnsupported is returned when a provider lacks an optional capability.
	ErrUnsupported = errors.New("operation not supported by provider")

	// ErrUnknownProvider is returned when no factory is registered for a provider kind.
	ErrUnknownProvider = errors.New("unknown provider kind")

	// ErrInvalidTask is returned for a malformed task queue item.
	ErrInvalidTask = errors.New("invalid task")

	// ErrNotInQueue is returned when a VM is not in the queue a move expected.
	ErrNotInQueue = errors.New("vm not in expected queue")
)

// OpError is a classified error raised by an engine or provider operation.
type OpError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass

	// Op is the operation being performed, e.g. "clone" or "provider.find".
	Op string

	// Pool and VM identify the subject, if applicable.
	Pool string
	VM   string

	// Code is an optional error code for programmatic handling.
	Code string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Op)
	if e.Pool != "" {
		msg += " pool=" + e.Pool
	}
	if e.VM != "" {
		msg += " vm=" + e.VM
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is matches another OpError by class and code, so callers can compare against
// a template error.
func (e *OpError) Is(target error) bool {
	t, ok := target.(*OpError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(op string, err error) *OpError {
	return &OpError{Class: ErrorClassTransient, Op: op, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(op string, err error) *OpError {
	return &OpError{Class: ErrorClassThrottled, Op: op, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(op string, err error) *OpError {
	return &OpError{Class: ErrorClassConflict, Op: op, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(op string, err error) *OpError {
	return &OpError{Class: ErrorClassPermanent, Op: op, Err: err}
}

// WithVM adds pool and VM context to an error.
func (e *OpError) WithVM(pool, vm string) *OpError {
	e.Pool = pool
	e.VM = vm
	return e
}

// WithCode adds an error code to an error.
func (e *OpError) WithCode(code string) *OpError {
	e.Code = code
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *OpError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent, or is one
// of the sentinels that no retry can fix.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrUnknownProvider) || errors.Is(err, ErrInvalidTask) {
		return true
	}
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
	ErrCodeStore          = "STORE_ERROR"
)
