// Package errors defines the error taxonomy shared by the JuniperKV packages.
//
// Every typed error unwraps to one of the sentinels below, so callers test
// the category with errors.Is and reach the details with errors.As:
//
//	var ce *errors.CorruptionError
//	if errors.As(err, &ce) { ... ce.Offset ... }
package errors

import (
	"errors"
	"fmt"
)

// Categories.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrIO              = errors.New("i/o error")
	ErrConcurrentWrite = errors.New("concurrent write transaction")
	ErrCorrupt         = errors.New("corrupt data")
	ErrTxDone          = errors.New("transaction already finished")
	ErrReadOnly        = errors.New("read-only")
	ErrClosed          = errors.New("database closed")
	ErrUnsupported     = errors.New("unsupported")
)

// NotFoundError reports a missing key or page.
type NotFoundError struct {
	Resource string // "key", "page", "table", ...
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports a rejected argument.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// IOError wraps a failure of the underlying file. The operation that hit it
// did not take effect.
type IOError struct {
	Op   string // "read", "write", "sync", ...
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Is matches ErrIO in addition to the wrapped error's own chain.
func (e *IOError) Is(target error) bool { return target == ErrIO }

func (e *IOError) Unwrap() error { return e.Err }

// ConcurrentWriteError is returned when the writer slot is taken and the
// contention policy is Fail.
type ConcurrentWriteError struct {
	Holder uint64 // txid holding the slot, 0 if unknown
}

func (e *ConcurrentWriteError) Error() string {
	if e.Holder == 0 {
		return "a write transaction is already active"
	}
	return fmt.Sprintf("write transaction %d is already active", e.Holder)
}

func (e *ConcurrentWriteError) Unwrap() error { return ErrConcurrentWrite }

// CorruptionError reports a checksum mismatch or a malformed structure on
// disk.
type CorruptionError struct {
	Component string // "page", "wal", "header", "freelist", "dump"
	Offset    int64  // page id or byte offset; negative when unknown
	Reason    string
}

func (e *CorruptionError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("%s corrupt: %s", e.Component, e.Reason)
	}
	return fmt.Sprintf("%s corrupt at %d: %s", e.Component, e.Offset, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupt }

// UnsupportedError reports a value or feature the engine does not handle.
type UnsupportedError struct {
	Feature string
	Reason  string
}

func (e *UnsupportedError) Error() string {
	if e.Reason == "" {
		return "unsupported " + e.Feature
	}
	return fmt.Sprintf("unsupported %s: %s", e.Feature, e.Reason)
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupported }

func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func NewIO(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Err: err}
}

func NewCorruption(component string, offset int64, reason string) *CorruptionError {
	return &CorruptionError{Component: component, Offset: offset, Reason: reason}
}

func NewUnsupported(feature, reason string) *UnsupportedError {
	return &UnsupportedError{Feature: feature, Reason: reason}
}

// Wrap prefixes err with message. A nil err stays nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is and As forward to the standard library so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// IsFatal reports whether err leaves the database unusable for this
// process: corruption, or an I/O failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrIO)
}
