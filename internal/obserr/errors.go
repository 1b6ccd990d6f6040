// Unified error handling for the instrument controller.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package obserr

import (
	"fmt"
	"runtime"
)

// Code is the category of a CoreError, grouped by the subsystem that raised it.
type Code string

const (
	// Validation errors (C7, pre-load).
	ErrValidation         Code = "VALIDATION"
	ErrValidationOverflow Code = "VALIDATION_OVERFLOW"
	ErrValidationLiquid   Code = "VALIDATION_LIQUID"

	// Precondition failures (C6, pre-execute).
	ErrPrecondition Code = "PRECONDITION"

	// Hardware-feedback timeouts (C6, mid-execute). Not fatal.
	ErrHardwareTimeout Code = "HARDWARE_TIMEOUT"

	// Transport errors (C1 actuator, C10 sensor).
	ErrTransport       Code = "TRANSPORT"
	ErrTransportWrite  Code = "TRANSPORT_WRITE"
	ErrTransportClosed Code = "TRANSPORT_CLOSED"

	// State-machine errors (C3/C4).
	ErrStateTransition Code = "STATE_TRANSITION"

	// Unrecoverable errors surfaced at the orchestrator goroutine boundary.
	ErrUnrecoverable Code = "UNRECOVERABLE"

	// Persistence errors (C11).
	ErrStore Code = "STORE"

	// Config/parse errors (C9, C13).
	ErrConfig Code = "CONFIG"
	ErrParse  Code = "PARSE"
)

// CoreError is the unified error type raised by this service's own packages.
type CoreError struct {
	Code    Code
	Message string
	Path    string // structured diagnostic path, e.g. steps[2].inject.components[0].liquid_id
	Err     error
	Context map[string]any
}

func (e *CoreError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

func (e *CoreError) WithPath(path string) *CoreError {
	e.Path = path
	return e
}

func (e *CoreError) WithContext(key string, value any) *CoreError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new CoreError.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message, Err: err}
}

// Precondition builds a precondition-failure error from a list of failed checks.
func Precondition(primitive string, failed []string) *CoreError {
	return New(ErrPrecondition, fmt.Sprintf("%s: precondition failed: %v", primitive, failed))
}

// Transport wraps a transport-layer failure (C1/C10).
func Transport(op string, err error) *CoreError {
	return Wrap(err, ErrTransport, fmt.Sprintf("transport %s failed", op))
}

// StateTransition builds an illegal-transition error (C3/C4).
func StateTransition(from, to string) *CoreError {
	return New(ErrStateTransition, fmt.Sprintf("illegal transition %s -> %s", from, to))
}

// RecoverPanic recovers a panic and converts it to an ErrUnrecoverable
// CoreError. Returns nil if there was no panic. It only stops a panic when
// it is itself the deferred call (defer obserr.RecoverPanic()); called from
// inside another deferred function, its recover() returns nil.
func RecoverPanic() *CoreError {
	r := recover()
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case string:
		return New(ErrUnrecoverable, "panic: "+x)
	case error:
		return Wrap(x, ErrUnrecoverable, "panic")
	case runtime.Error:
		return Wrap(x, ErrUnrecoverable, "panic")
	default:
		return New(ErrUnrecoverable, fmt.Sprintf("panic: %v", x))
	}
}

// Is reports whether err is a *CoreError with the given code.
func Is(err error, code Code) bool {
	var ce *CoreError
	if e, ok := err.(*CoreError); ok {
		ce = e
	}
	return ce != nil && ce.Code == code
}
