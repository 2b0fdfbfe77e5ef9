package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// ErrorClass represents the classification of an error for propagation.
type ErrorClass string

const (
	// ErrorClassFatal aborts the whole run before any host mutation.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassUnit is isolated to a single resource unit.
	ErrorClassUnit ErrorClass = "unit"

	// ErrorClassVerification is raised after a run when the host still diverges.
	ErrorClassVerification ErrorClass = "verification"
)

// Error codes for programmatic handling.
const (
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeUnsupportedPlatform = "UNSUPPORTED_PLATFORM"
	ErrCodeUnitApply           = "UNIT_APPLY_FAILED"
	ErrCodeVerification        = "VERIFICATION_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCancelled           = "CANCELLED"
)

// Sentinels for errors.Is. Matching compares class and code only.
var (
	ErrConfiguration       = &EngineError{Class: ErrorClassFatal, Code: ErrCodeConfiguration}
	ErrUnsupportedPlatform = &EngineError{Class: ErrorClassFatal, Code: ErrCodeUnsupportedPlatform}
	ErrUnitApply           = &EngineError{Class: ErrorClassUnit, Code: ErrCodeUnitApply}
	ErrVerification        = &EngineError{Class: ErrorClassVerification, Code: ErrCodeVerification}
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class decides how the error propagates.
	Class ErrorClass `json:"class"`

	// Code identifies the error kind.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Unit is the resource unit that failed, if any.
	Unit string `json:"unit,omitempty"`

	// Operation is the step being performed (observe, apply, confirm).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	switch {
	case e.Unit != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (unit=%s, operation=%s)", msg, e.Unit, e.Operation)
	case e.Unit != "":
		msg = fmt.Sprintf("%s (unit=%s)", msg, e.Unit)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Code, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
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

// NewConfigurationError reports missing or invalid input.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Code:    ErrCodeConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewUnsupportedPlatformError reports an OS family with no adapter.
func NewUnsupportedPlatformError(family string) *EngineError {
	e := &EngineError{
		Class:   ErrorClassFatal,
		Code:    ErrCodeUnsupportedPlatform,
		Message: fmt.Sprintf("no platform adapter registered for OS family %q", family),
	}
	return e.WithDetail("family", family)
}

// NewUnitApplyError reports a unit that did not converge. Timeouts and
// cancellations are annotated so callers can tell them apart.
func NewUnitApplyError(unitID, operation string, err error) *EngineError {
	e := &EngineError{
		Class:     ErrorClassUnit,
		Code:      ErrCodeUnitApply,
		Message:   "unit failed to converge",
		Unit:      unitID,
		Operation: operation,
		Err:       err,
	}
	switch {
	case errors.Is(err, hostexec.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		e.WithDetail("reason", ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		e.WithDetail("reason", ErrCodeCancelled)
	}
	return e
}

// NewVerificationFailure reports a host that still diverges after a run.
func NewVerificationFailure(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassVerification,
		Code:    ErrCodeVerification,
		Message: message,
		Err:     err,
	}
}

// WithUnit adds unit context to an error.
func (e *EngineError) WithUnit(unitID string) *EngineError {
	e.Unit = unitID
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

// IsFatal returns true if the error must abort a run before mutation.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsUnitError returns true if the error is isolated to one unit.
func IsUnitError(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassUnit
	}
	return false
}

// IsTimeout returns true if the error was caused by a command timeout.
func IsTimeout(err error) bool {
	var e *EngineError
	if errors.As(err, &e) && e.Details != nil {
		if reason, ok := e.Details["reason"].(string); ok && reason == ErrCodeTimeout {
			return true
		}
	}
	return errors.Is(err, hostexec.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
