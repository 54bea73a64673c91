package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the store, engine and HTTP layer.
var (
	ErrNotFound          = errors.New("execution not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid execution state")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a malformed field in a request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// TransitionError is returned when the current status of an execution does not
// permit the requested transition.
type TransitionError struct {
	ExecutionID string
	Current     Status
	Attempted   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s: cannot transition from %s to %s", e.ExecutionID, e.Current, e.Attempted)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StateError is returned when an action is not permitted from the current
// status of an execution.
type StateError struct {
	ExecutionID string
	Current     Status
	Allowed     []Status
}

func (e *StateError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("execution %s is %s; action requires one of [%s]",
		e.ExecutionID, e.Current, strings.Join(allowed, ", "))
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
