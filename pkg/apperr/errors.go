package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports a missing or malformed request field. It is
// returned to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an unknown document, interaction or job id, or
// one that does not belong to the caller.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// StoreError wraps a graph or document store failure. Fatal for the
// current operation; retries are caller-driven.
type StoreError struct {
	Store string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %v", e.Store, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func Store(store string, err error) error {
	return &StoreError{Store: store, Err: err}
}

// CompletionError wraps a failed or timed-out completion service call.
type CompletionError struct {
	Op  string
	Err error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion service %s: %v", e.Op, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

func Completion(op string, err error) error {
	return &CompletionError{Op: op, Err: err}
}

// ExtractionError reports empty or unusable input text.
type ExtractionError struct {
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction: %s", e.Reason)
}

func Extraction(reason string) error {
	return &ExtractionError{Reason: reason}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func IsCompletion(err error) bool {
	var ce *CompletionError
	return errors.As(err, &ce)
}
