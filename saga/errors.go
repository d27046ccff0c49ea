// Package saga provides saga orchestration for writes that span several
// independently transactional stores.
//
// # Error Handling
//
// Steps signal the kind of failure through the error they return:
//
//	// Precondition failed: no retry, nothing to compensate.
//	return fmt.Errorf("%w: instance %s is not in progress", saga.ErrValidation, id)
//
//	// The call failed after applying part of its effect: compensate this step too.
//	return saga.Partial(err)
//
// Journal stores use optimistic locking via the Version field. When
// concurrent updates occur, ErrVersionConflict is returned:
//
//	if errors.Is(err, saga.ErrVersionConflict) {
//	    // Retry: re-read state and try again
//	}
//
// Not Found Errors:
//
//	if saga.IsNotFound(err) {
//	    // Handle not found
//	}
package saga

import (
	"errors"
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

var (
	// ErrValidation marks a failed precondition. Wrap it from a step to fail
	// the saga without retries.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks an execution rejected because the resource is busy.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned by stores when a saga record does not exist.
	ErrNotFound = errors.New("saga not found")
)

// StepError wraps a forward action failure with the step name.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CompensationError wraps a compensating action failure with the step name.
// It is logged and journaled, never returned to the caller of Execute.
type CompensationError struct {
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensate %s: %v", e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

type partialError struct {
	err error
}

func (e *partialError) Error() string {
	return e.err.Error()
}

func (e *partialError) Unwrap() error {
	return e.err
}

// Partial marks a forward failure that happened after the step had already
// applied (and recorded on the saga data) some of its effect. The saga then
// compensates the failed step along with the succeeded ones.
func Partial(err error) error {
	if err == nil {
		return nil
	}
	return &partialError{err: err}
}

// IsPartial reports whether err was wrapped with Partial.
func IsPartial(err error) bool {
	var p *partialError
	return errors.As(err, &p)
}

// IsVersionConflict checks if an error indicates a version conflict.
// This occurs when optimistic locking fails due to concurrent modifications.
func IsVersionConflict(err error) bool {
	return eventerrors.IsVersionConflict(err)
}

// IsNotFound checks if an error indicates a saga was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || eventerrors.IsNotFound(err)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
