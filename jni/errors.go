package jni

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrInvalidHandle      = errors.New("handle is not valid")
	ErrAlreadyReleased    = errors.New("handle already released")
	ErrWrongThread        = errors.New("environment used from a thread it is not attached to")
	ErrNotAttached        = errors.New("environment is not attached")
	ErrMalformedSignature = errors.New("malformed type signature")
	ErrDotSeparatedName   = errors.New("class names are slash-separated, not dot-separated")
	ErrAlreadyInitialized = errors.New("vm already initialized")
	ErrNoEntryPoint       = errors.New("no foreign runtime entry point")
)

// UsageError reports a programming error. It is never retried and never
// coerced into a valid request. APIs without an error return panic with it.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("jni: %s: %v", e.Op, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

func usageError(op string, err error) *UsageError {
	return &UsageError{Op: op, Err: err}
}

func usageErrorf(op string, format string, args ...any) *UsageError {
	return &UsageError{Op: op, Err: fmt.Errorf(format, args...)}
}

// StartupError means the bridge could not be brought up at all.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("jni: startup failed: %v", e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// UnsupportedError reports a host construct the bridge refuses to
// approximate, such as fixed-length (rectangular) arrays.
type UnsupportedError struct {
	Type   reflect.Type
	Reason string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("jni: type %s is not supported: %s", e.Type, e.Reason)
}

// JavaException carries a fault raised by the foreign runtime during a call.
type JavaException struct {
	ClassName string
	Message   string
}

func (e *JavaException) Error() string {
	if e.Message == "" {
		return e.ClassName
	}
	return fmt.Sprintf("%s: %s", e.ClassName, e.Message)
}

// RegistrationError reports that neither a precompiled marshal table nor an
// inline table could register the native members of a class.
type RegistrationError struct {
	ClassName string
	HostType  reflect.Type
	Err       error
}

func (e *RegistrationError) Error() string {
	msg := fmt.Sprintf("could not register foreign class=%s host type=%v", e.ClassName, e.HostType)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}
