package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnauthenticated means the request carried no valid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// ValidationError reports malformed or missing input, keyed by field.
type ValidationError struct {
	Fields map[string][]string
}

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Add records a message for field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// Err returns the error when at least one field failed, nil otherwise.
func (e ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a single-field ValidationError.
func NewValidationError(field, msg string) ValidationError {
	var v ValidationError
	v.Add(field, msg)
	return v
}

// AuthorizationError means the actor lacks a capability or touched restricted fields.
type AuthorizationError struct {
	Capability string
	Fields     []string
}

func (e AuthorizationError) Error() string {
	if len(e.Fields) > 0 {
		return "You are not authorized to update the field: " + strings.Join(e.Fields, ", ")
	}
	return fmt.Sprintf("capability %s denied", e.Capability)
}

// ConflictError is a business rule violated by the current state.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// UnexpectedError wraps failures outside the taxonomy, such as an unavailable store.
type UnexpectedError struct {
	Err error
}

func (e UnexpectedError) Error() string {
	if e.Err == nil {
		return "unexpected error"
	}
	return "unexpected: " + e.Err.Error()
}

func (e UnexpectedError) Unwrap() error { return e.Err }

// Classify passes taxonomy errors through and wraps anything else as UnexpectedError.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		ve ValidationError
		ae AuthorizationError
		ce ConflictError
		ne NotFoundError
		ue UnexpectedError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ae), errors.As(err, &ce), errors.As(err, &ne), errors.As(err, &ue),
		errors.Is(err, ErrUnauthenticated):
		return err
	}
	return UnexpectedError{Err: err}
}
