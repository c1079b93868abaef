package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for bus conditions
var (
	// Connection errors
	ErrConnectionLost   = errors.New("connection lost")
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrOverflow         = errors.New("outbound buffer overflow")

	// Request/fetch errors
	ErrTimeout      = errors.New("timeout")
	ErrNoResponders = errors.New("no responders available for request")

	// Subject and subscription errors
	ErrInvalidSubject     = errors.New("invalid subject")
	ErrInvalidQueue       = errors.New("invalid queue group")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrSlowConsumer       = errors.New("slow consumer, messages dropped")
	ErrNoReply            = errors.New("message has no reply subject")

	// Payload errors
	ErrSerialization = errors.New("serialization failed")

	// Stream administration errors
	ErrNoMatchingStream  = errors.New("no stream matches subject")
	ErrConfigConflict    = errors.New("configuration conflict")
	ErrStreamNotFound    = errors.New("stream not found")
	ErrSubjectOverlap    = errors.New("subjects overlap with an existing stream")
	ErrMsgNotFound       = errors.New("message not found")
	ErrStreamFull        = errors.New("stream limits reached")
	ErrMaxPayload        = errors.New("message exceeds maximum size")
	ErrWrongLastSequence = errors.New("wrong last sequence")
	ErrStorageClosed     = errors.New("storage closed")

	// Consumer errors
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrConsumerTerminated = errors.New("consumer terminated")
	ErrAckWaitExpired     = errors.New("ack wait expired")
	ErrMaxDeliver         = errors.New("maximum deliveries exceeded")
	ErrAckFailed          = errors.New("acknowledgement not recorded")
	ErrAlreadyAcked       = errors.New("message already acknowledged")
	ErrStateNotFound      = errors.New("consumer state not found")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrAlreadyStopped = errors.New("already stopped")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNoResponders) ||
		errors.Is(err, ErrAckWaitExpired) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if IsFatal(err) || IsInvalid(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrConsumerTerminated) ||
		errors.Is(err, ErrStorageClosed)
}

// IsInvalid checks if an error is due to invalid input or administration
// conflicts. Invalid errors are never retried automatically.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidSubject) ||
		errors.Is(err, ErrInvalidQueue) ||
		errors.Is(err, ErrNoReply) ||
		errors.Is(err, ErrSerialization) ||
		errors.Is(err, ErrNoMatchingStream) ||
		errors.Is(err, ErrConfigConflict) ||
		errors.Is(err, ErrSubjectOverlap) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrMaxPayload) ||
		errors.Is(err, ErrWrongLastSequence)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	// Explicit classification wins over sentinel matching
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsFatal(err) {
		return ErrorFatal
	}

	// Unknown errors default to transient to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
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

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Is reports whether any error in err's chain matches target.
// It mirrors the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// Join returns an error wrapping all non-nil errs.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
