package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the orchestration taxonomy. Missing entities are
// reported by the store package (store.ErrNotFound).
var (
	ErrForbidden                = errors.New("forbidden")
	ErrInvalidState             = errors.New("invalid state")
	ErrRetryLimitExceeded       = errors.New("retry limit exceeded")
	ErrBackendFailure           = errors.New("backend failure")
	ErrMalformedResponse        = errors.New("malformed response")
	ErrAssemblyValidationFailed = errors.New("assembly validation failed")
	ErrNoSubtasks               = errors.New("no subtasks")
	ErrConflict                 = errors.New("conflict")
	ErrInvalidInput             = errors.New("invalid input")
)

// StateError reports an operation attempted from the wrong lifecycle state.
type StateError struct {
	Entity string
	ID     string
	Status string
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s while %s", e.Entity, e.ID, e.Op, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// NewStateError creates a StateError.
func NewStateError(entity, id, status, op string) *StateError {
	return &StateError{Entity: entity, ID: id, Status: status, Op: op}
}

// UnitError is a failure while executing one subtask.
type UnitError struct {
	SubtaskID string
	Order     int
	Kind      error // one of the sentinels above
	Err       error
}

func (e *UnitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subtask %d: %v", e.Order, e.Kind)
	}
	return fmt.Sprintf("subtask %d: %v: %v", e.Order, e.Kind, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the cause.
func (e *UnitError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Issue is one structural problem found while assembling.
type Issue struct {
	Kind    string `json:"kind" bson:"kind"`
	Order   int    `json:"order,omitempty" bson:"order,omitempty"`
	Message string `json:"message" bson:"message"`
}

// Issue kinds.
const (
	IssueMissingOrder   = "missing_order"
	IssueDuplicateOrder = "duplicate_order"
	IssueIncomplete     = "incomplete"
	IssueHashMismatch   = "hash_mismatch"
	IssueEmptyUnit      = "empty_unit"
	IssueEmptyContent   = "empty_content"
	IssueInvalidSection = "invalid_section"
)

// AssemblyError carries the issue list of a failed assembly.
type AssemblyError struct {
	Issues []Issue
}

func (e *AssemblyError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		msgs = append(msgs, is.Message)
	}
	return fmt.Sprintf("%v: %s", ErrAssemblyValidationFailed, strings.Join(msgs, "; "))
}

func (e *AssemblyError) Unwrap() error { return ErrAssemblyValidationFailed }

// Transient reports whether re-calling advance with resume may succeed.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrBackendFailure) || errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrConflict)
}

// KindOf maps an executor error to the failure kind recorded on a run.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrRetryLimitExceeded):
		return FailureRetryLimit
	case errors.Is(err, ErrAssemblyValidationFailed):
		return FailureAssembly
	case errors.Is(err, ErrMalformedResponse):
		return FailureMalformed
	case errors.Is(err, ErrBackendFailure):
		return FailureBackend
	default:
		return FailureInternal
	}
}
