package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an engine failure.
type ErrorClass string

const (
	// ErrorClassMalformedConfig indicates a wire format violation in a
	// configuration blob.
	ErrorClassMalformedConfig ErrorClass = "malformed_config"

	// ErrorClassResourceExhausted indicates a segment, element slot or RAM
	// allocation failure.
	ErrorClassResourceExhausted ErrorClass = "resource_exhausted"

	// ErrorClassTypeMismatch indicates incompatible output and input port
	// signatures.
	ErrorClassTypeMismatch ErrorClass = "type_mismatch"

	// ErrorClassDispatch indicates a destination reported a non-recoverable
	// fault while handling a token.
	ErrorClassDispatch ErrorClass = "dispatch"

	// ErrorClassParam indicates a failure while storing or applying
	// parameters.
	ErrorClassParam ErrorClass = "param"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Element is the element key that caused the error, if applicable.
	Element string `json:"element,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	switch {
	case e.Element != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (element=%s, operation=%s)", msg, e.Element, e.Operation)
	case e.Element != "":
		msg = fmt.Sprintf("%s (element=%s)", msg, e.Element)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewMalformedConfigError creates a new malformed configuration error.
func NewMalformedConfigError(message string, err error) *EngineError {
	return newError(ErrorClassMalformedConfig, message, err)
}

// NewResourceExhaustedError creates a new resource exhaustion error.
func NewResourceExhaustedError(message string, err error) *EngineError {
	return newError(ErrorClassResourceExhausted, message, err)
}

// NewTypeMismatchError creates a new port signature mismatch error.
func NewTypeMismatchError(message string, err error) *EngineError {
	return newError(ErrorClassTypeMismatch, message, err)
}

// NewDispatchError creates a new dispatch error.
func NewDispatchError(message string, err error) *EngineError {
	return newError(ErrorClassDispatch, message, err)
}

// NewParamError creates a new parameter error.
func NewParamError(message string, err error) *EngineError {
	return newError(ErrorClassParam, message, err)
}

// WithElement adds element context to an error.
func (e *EngineError) WithElement(element fmt.Stringer) *EngineError {
	e.Element = element.String()
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// ClassOf returns the class of err, or "" if err is not an EngineError.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsMalformedConfig returns true if the error is classified as malformed_config.
func IsMalformedConfig(err error) bool {
	return hasClass(err, ErrorClassMalformedConfig)
}

// IsResourceExhausted returns true if the error is classified as resource_exhausted.
func IsResourceExhausted(err error) bool {
	return hasClass(err, ErrorClassResourceExhausted)
}

// IsTypeMismatch returns true if the error is classified as type_mismatch.
func IsTypeMismatch(err error) bool {
	return hasClass(err, ErrorClassTypeMismatch)
}

// IsDispatch returns true if the error is classified as dispatch.
func IsDispatch(err error) bool {
	return hasClass(err, ErrorClassDispatch)
}

// IsParam returns true if the error is classified as param.
func IsParam(err error) bool {
	return hasClass(err, ErrorClassParam)
}

// Common error codes.
const (
	ErrCodeBadHeader        = "BAD_SECTION_HEADER"
	ErrCodeBadRecord        = "BAD_RECORD"
	ErrCodeTruncated        = "TRUNCATED"
	ErrCodeSegment          = "SEGMENT"
	ErrCodeSpawn            = "SPAWN_FAILED"
	ErrCodeRoutingBudget    = "ROUTING_BUDGET"
	ErrCodeElementBudget    = "ELEMENT_BUDGET"
	ErrCodeUnknownFunction  = "UNKNOWN_FUNCTION"
	ErrCodeSignature        = "SIGNATURE"
	ErrCodeDestinationFault = "DESTINATION_FAULT"
	ErrCodeNoParamTable     = "NO_PARAM_TABLE"
)

// Sentinel errors reported by the engine's own bounded containers.
var (
	// ErrQueueFull is returned by a Scheduler that cannot accept more tasks.
	ErrQueueFull = errors.New("task queue full")

	// ErrTokenPoolExhausted is returned when no capture slot is free.
	ErrTokenPoolExhausted = errors.New("token pool exhausted")
)
