// Package errors provides standardized error handling for storesync
// components. It classifies failures along the axes the synchronization
// protocol cares about: whether to retry, whether to roll back, whether to
// refetch, or whether to discard silently.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary failures (network, timeout) that
	// may be retried before any rollback is considered.
	ErrorTransient ErrorClass = iota
	// ErrorValidation represents a server rejection of the intent itself.
	// Never retried; always triggers a full rollback to the snapshot.
	ErrorValidation
	// ErrorConflict represents a version mismatch between the client's
	// snapshot and the server's state. Triggers a forced refetch rather
	// than a blind rollback, since the snapshot itself may be stale.
	ErrorConflict
	// ErrorCancelled represents a superseded or abandoned operation.
	// Discarded silently, never surfaced, never retried.
	ErrorCancelled
	// ErrorFatal represents unrecoverable errors that should stop the
	// component encountering them.
	ErrorFatal
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorValidation:
		return "validation"
	case ErrorConflict:
		return "conflict"
	case ErrorCancelled:
		return "cancelled"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Cache errors
	ErrKeyNotFound  = errors.New("key not found")
	ErrStaleVersion = errors.New("write superseded by newer version")
	ErrNoFetcher    = errors.New("no fetcher registered for entity type")

	// Mutation errors
	ErrMutationPending = errors.New("mutation already pending for entity")
	ErrMutationSettled = errors.New("mutation already settled")
	ErrUndoExpired     = errors.New("undo window expired")
	ErrNoCompensation  = errors.New("mutation has no compensation")
	ErrIntentRejected  = errors.New("server rejected mutation intent")
	ErrVersionConflict = errors.New("server version conflict")
	ErrMutationDiscard = errors.New("mutation superseded")
	ErrNilApply        = errors.New("apply function cannot be nil")
	ErrNilServerCall   = errors.New("server call function cannot be nil")

	// Subscription and channel errors
	ErrChannelClosed      = errors.New("push channel closed")
	ErrNoConnection       = errors.New("no connection available")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrHandleReleased     = errors.New("subscription handle already released")
	ErrUnknownTopic       = errors.New("unknown topic")

	// Event errors
	ErrInvalidEvent     = errors.New("invalid event payload")
	ErrBackwardStatus   = errors.New("backward status transition")
	ErrTerminalStatus   = errors.New("entity status is terminal")
	ErrDuplicateEvent   = errors.New("duplicate event version")
	ErrMaxRetriesExceed = errors.New("maximum retries exceeded")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Fall back to common transient patterns for unclassified errors
	// coming out of collaborator server calls.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsValidation checks if an error is a server rejection of the intent.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorValidation
	}

	return errors.Is(err, ErrIntentRejected) || errors.Is(err, ErrInvalidEvent)
}

// IsConflict checks if an error is a version conflict requiring a refetch.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorConflict
	}

	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrStaleVersion)
}

// IsCancelled checks if an error represents a superseded operation whose
// outcome must be discarded silently.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorCancelled
	}

	return errors.Is(err, context.Canceled) || errors.Is(err, ErrMutationDiscard)
}

// IsFatal checks if an error is fatal and should stop processing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

// Classify returns the error class for an error.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsCancelled(err):
		return ErrorCancelled
	case IsConflict(err):
		return ErrorConflict
	case IsValidation(err):
		return ErrorValidation
	case IsFatal(err):
		return ErrorFatal
	default:
		// Unknown errors default to transient so a retry gets a chance
		// before the saga rolls back.
		return ErrorTransient
	}
}

// newClassified creates a new classified error.
// Internal helper - use the Wrap* family instead.
func newClassified(class ErrorClass, err error, component, operation string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, Wrap(err, component, method, action), component, method)
}

// WrapValidation wraps an error as a validation rejection with context.
func WrapValidation(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorValidation, Wrap(err, component, method, action), component, method)
}

// WrapConflict wraps an error as a version conflict with context.
func WrapConflict(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorConflict, Wrap(err, component, method, action), component, method)
}

// WrapCancelled wraps an error as a silently-discarded cancellation.
func WrapCancelled(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorCancelled, Wrap(err, component, method, action), component, method)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, Wrap(err, component, method, action), component, method)
}

// New creates a new error. Convenience re-export so callers don't need to
// import both this package and the standard library errors package.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
