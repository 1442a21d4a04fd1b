// Package util provides logging, the error taxonomy shared by every layer,
// and parsing helpers for VLAN lists and resource names.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every typed error below matches exactly one of these
// through errors.Is, so callers can classify failures without type switches.
var (
	ErrValidationFailed  = errors.New("validation failed")
	ErrNotFound          = errors.New("resource not found")
	ErrConflict          = errors.New("conflict")
	ErrBlockingChild     = errors.New("blocked by dependent resources")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrSwitchComm        = errors.New("switch communication failed")
	ErrSwitchProtocol    = errors.New("unexpected switch response")
	ErrSwitchLocked      = errors.New("switch locked by another holder")
)

// ValidationError represents one or more malformed arguments, rejected
// before any mutation takes place.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// AddErr records err's message when err is non-nil.
func (v *ValidationBuilder) AddErr(err error) *ValidationBuilder {
	if err == nil {
		return v
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		v.errors = append(v.errors, ve.Errors...)
		return v
	}
	v.errors = append(v.errors, err.Error())
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// NotFoundError reports a missing resource of a given kind.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(kind, name string) *NotFoundError {
	return &NotFoundError{Kind: kind, Name: name}
}

// ConflictError covers duplicate names, already-bound resources and
// overlapping pending actions.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// NewConflictError creates a conflict error
func NewConflictError(resource, reason string) *ConflictError {
	return &ConflictError{Resource: resource, Reason: reason}
}

// BlockingChildError reports a delete or detach refused because dependent
// rows would be orphaned.
type BlockingChildError struct {
	Resource string
	Children []string
}

func (e *BlockingChildError) Error() string {
	return fmt.Sprintf("%s is still referenced by: %s", e.Resource, strings.Join(e.Children, ", "))
}

func (e *BlockingChildError) Unwrap() error {
	return ErrBlockingChild
}

// NewBlockingChildError creates a blocking-child error
func NewBlockingChildError(resource string, children ...string) *BlockingChildError {
	return &BlockingChildError{Resource: resource, Children: children}
}

// ResourceExhaustedError reports an empty allocation pool.
type ResourceExhaustedError struct {
	Pool string
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted", e.Pool)
}

func (e *ResourceExhaustedError) Unwrap() error {
	return ErrResourceExhausted
}

// SwitchCommError is an I/O-level failure talking to a switch: unreachable
// device, broken session, or no expected output before the deadline.
type SwitchCommError struct {
	Switch string
	Op     string
	Err    error
}

func (e *SwitchCommError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("switch %s: %s: communication failed", e.Switch, e.Op)
	}
	return fmt.Sprintf("switch %s: %s: %v", e.Switch, e.Op, e.Err)
}

func (e *SwitchCommError) Unwrap() error {
	return e.Err
}

// Is matches ErrSwitchComm in addition to the wrapped cause.
func (e *SwitchCommError) Is(target error) bool {
	return target == ErrSwitchComm
}

// NewSwitchCommError creates a switch communication error
func NewSwitchCommError(sw, op string, err error) *SwitchCommError {
	return &SwitchCommError{Switch: sw, Op: op, Err: err}
}

// SwitchProtocolError means the switch answered, but not in the grammar the
// driver expects.
type SwitchProtocolError struct {
	Switch string
	Op     string
	Output string
}

func (e *SwitchProtocolError) Error() string {
	return fmt.Sprintf("switch %s: %s: unexpected response %q", e.Switch, e.Op, e.Output)
}

func (e *SwitchProtocolError) Unwrap() error {
	return ErrSwitchProtocol
}

// NewSwitchProtocolError creates a switch protocol error
func NewSwitchProtocolError(sw, op, output string) *SwitchProtocolError {
	return &SwitchProtocolError{Switch: sw, Op: op, Output: output}
}

// IsSwitchError reports whether err came from a switch driver.
func IsSwitchError(err error) bool {
	return errors.Is(err, ErrSwitchComm) || errors.Is(err, ErrSwitchProtocol)
}
