// Package exception provides the error taxonomy used across logstats.
// Every failure that crosses a component boundary is a *BatchError carrying the module
// where it happened, a Kind, and the wrapped cause, so callers can classify it with
// errors.As / errors.Is without string matching.
package exception

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies a BatchError.
type Kind string

const (
	// KindGeneric is used when no more specific kind applies.
	KindGeneric Kind = "Generic"
	// KindTransientUpstream covers timeouts, transport failures, 5xx and 429.
	KindTransientUpstream Kind = "TransientUpstream"
	// KindPermanentUpstream covers 4xx responses other than 408 and 429.
	KindPermanentUpstream Kind = "PermanentUpstream"
	// KindSerialization is raised when a value cannot be flattened, decoded or encoded.
	KindSerialization Kind = "Serialization"
	// KindCacheIO is raised for disk and metadata-store failures.
	KindCacheIO Kind = "CacheIO"
	// KindNotFound is raised for unknown ids.
	KindNotFound Kind = "NotFound"
)

// BatchError is the error carrier for logstats.
type BatchError struct {
	// Module is the component where the error was raised (e.g. "remote", "columnar").
	Module string
	// Message is a short description of what failed.
	Message string
	// Kind is the taxonomy bucket of the error.
	Kind Kind
	// StatusCode is the upstream HTTP status, when there was one.
	StatusCode int
	// OriginalErr is the wrapped cause.
	OriginalErr error
	isRetryable bool
	// StackTrace is captured at construction for debugging.
	StackTrace string
}

// NewBatchError creates a generic BatchError.
func NewBatchError(module, message string, originalErr error, isRetryable bool) *BatchError {
	return newError(KindGeneric, module, message, originalErr, isRetryable)
}

// NewBatchErrorf creates a generic, non-retryable BatchError with a formatted message.
// If the last argument is an error it becomes the wrapped cause.
func NewBatchErrorf(module, format string, a ...interface{}) *BatchError {
	var originalErr error
	if len(a) > 0 {
		if err, ok := a[len(a)-1].(error); ok {
			originalErr = err
			a = a[:len(a)-1]
		}
	}
	return newError(KindGeneric, module, fmt.Sprintf(format, a...), originalErr, false)
}

func newError(kind Kind, module, message string, originalErr error, retryable bool) *BatchError {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	return &BatchError{
		Module:      module,
		Message:     message,
		Kind:        kind,
		OriginalErr: originalErr,
		isRetryable: retryable,
		StackTrace:  string(buf[:n]),
	}
}

// NewTransientUpstreamError creates a retryable upstream error. statusCode is 0 for
// transport failures and timeouts.
func NewTransientUpstreamError(module string, statusCode int, originalErr error) *BatchError {
	msg := "transient upstream failure"
	if statusCode != 0 {
		msg = fmt.Sprintf("upstream responded %d", statusCode)
	}
	e := newError(KindTransientUpstream, module, msg, originalErr, true)
	e.StatusCode = statusCode
	return e
}

// NewPermanentUpstreamError creates a non-retryable upstream error for the given status.
func NewPermanentUpstreamError(module string, statusCode int, originalErr error) *BatchError {
	e := newError(KindPermanentUpstream, module, fmt.Sprintf("upstream rejected request with %d", statusCode), originalErr, false)
	e.StatusCode = statusCode
	return e
}

// NewSerializationError creates a serialization error.
func NewSerializationError(module, message string, originalErr error) *BatchError {
	return newError(KindSerialization, module, message, originalErr, false)
}

// NewCacheIOError creates a cache I/O error.
func NewCacheIOError(module, message string, originalErr error) *BatchError {
	return newError(KindCacheIO, module, message, originalErr, false)
}

// NewNotFoundError creates a NotFound error wrapping ErrNotFound.
func NewNotFoundError(module, message string) *BatchError {
	return newError(KindNotFound, module, message, ErrNotFound, false)
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *BatchError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable reports whether the operation that produced e may be retried.
func (e *BatchError) IsRetryable() bool {
	return e.isRetryable
}

var (
	// ErrNotFound is the sentinel behind every KindNotFound error.
	ErrNotFound = errors.New("not found")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = fmt.Errorf("job %w", ErrNotFound)
	// ErrOptimisticLockingFailure is returned when a compare-and-swap keeps losing to
	// concurrent writers.
	ErrOptimisticLockingFailure = errors.New("OptimisticLockingFailureException")
	// ErrCircuitOpen is returned when the circuit breaker rejects a call without
	// contacting upstream.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// IsKind reports whether any BatchError in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var be *BatchError
	for err != nil {
		if !errors.As(err, &be) {
			return false
		}
		if be.Kind == kind {
			return true
		}
		err = be.OriginalErr
	}
	return false
}

// IsTransient reports whether err should be retried. BatchErrors decide for themselves;
// bare deadline errors and common transport messages are also treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *BatchError
	if errors.As(err, &be) {
		return be.IsRetryable()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

// IsPermanent reports whether err is a permanent upstream rejection.
func IsPermanent(err error) bool {
	return IsKind(err, KindPermanentUpstream)
}

// IsNotFound reports whether err denotes a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsOptimisticLockingFailure reports whether err is an optimistic locking failure.
func IsOptimisticLockingFailure(err error) bool {
	return errors.Is(err, ErrOptimisticLockingFailure)
}

// NewOptimisticLockingFailure wraps ErrOptimisticLockingFailure with context.
func NewOptimisticLockingFailure(module, message string) *BatchError {
	return newError(KindGeneric, module, message, ErrOptimisticLockingFailure, false)
}

// ExtractErrorMessage returns the Message of a BatchError, or err.Error() otherwise.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var be *BatchError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}
