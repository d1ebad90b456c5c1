// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	ErrNotConnected      = errors.New("device not connected")
	ErrAlreadyExists     = errors.New("row already exists")
	ErrNotFound          = errors.New("row not found")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrValidationFailed  = errors.New("validation failed")
	ErrInUse             = errors.New("row still referenced")
	ErrQueueFull         = errors.New("dependency queue full")
	ErrTransactionFailed = errors.New("device transaction failed")
	ErrUnknownNode       = errors.New("unknown gateway node")
)

// ValidationError represents one or more validation failures
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

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// OperationError reports a single failed device operation inside a transaction
type OperationError struct {
	Op     string
	Table  string
	Key    string
	Reason string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s|%s: %s", e.Op, e.Table, e.Key, e.Reason)
}

func (e *OperationError) Unwrap() error {
	return ErrTransactionFailed
}

// NewOperationError creates an operation error
func NewOperationError(op, table, key, reason string) *OperationError {
	return &OperationError{
		Op:     op,
		Table:  table,
		Key:    key,
		Reason: reason,
	}
}

// InUseError represents a row that cannot be deleted because other rows reference it
type InUseError struct {
	Resource string
	UsedBy   []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("%s %s by: %s", e.Resource, ErrInUse, strings.Join(e.UsedBy, ", "))
}

func (e *InUseError) Unwrap() error {
	return ErrInUse
}

// NewInUseError creates an in-use error
func NewInUseError(resource string, usedBy ...string) *InUseError {
	return &InUseError{
		Resource: resource,
		UsedBy:   usedBy,
	}
}
