package saga

// Outcome classifies how an execution ended.
type Outcome string

const (
	// OutcomeCompleted indicates every step succeeded.
	OutcomeCompleted Outcome = "completed"

	// OutcomeValidation indicates the request failed a precondition before
	// any side effect happened.
	OutcomeValidation Outcome = "validation"

	// OutcomeStepFailed indicates a collaborator call failed and the
	// succeeded steps were compensated.
	OutcomeStepFailed Outcome = "step_failed"

	// OutcomeConflict indicates another execution holds the resource and
	// no step ran.
	OutcomeConflict Outcome = "conflict"
)

// Result is the only thing callers of Execute observe.
//
// A failed Result carries a human-readable Message and the FailedStep name;
// it never carries the collaborator's error value, so callers cannot couple
// to store-specific error types.
type Result[T any] struct {
	Success    bool    `json:"success"`
	Value      *T      `json:"value,omitempty"`
	Message    string  `json:"message,omitempty"`
	FailedStep string  `json:"failed_step,omitempty"`
	Outcome    Outcome `json:"outcome"`

	// CompensationFailures lists steps whose compensation failed. The
	// execution is still reported as a plain failure; the list is for
	// operators and reconciliation.
	CompensationFailures []string `json:"compensation_failures,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded[T any](value *T) *Result[T] {
	return &Result[T]{
		Success: true,
		Value:   value,
		Outcome: OutcomeCompleted,
	}
}

// Failed builds a failed result.
func Failed[T any](value *T, failedStep string, outcome Outcome, message string) *Result[T] {
	return &Result[T]{
		Value:      value,
		Message:    message,
		FailedStep: failedStep,
		Outcome:    outcome,
	}
}

// Conflict builds the result for an execution that never started because
// another one holds the resource.
func Conflict[T any](failedStep, message string) *Result[T] {
	return &Result[T]{
		Message:    message,
		FailedStep: failedStep,
		Outcome:    OutcomeConflict,
	}
}

// NeedsReconciliation reports whether the execution left effects that a
// failed compensation could not undo.
func (r *Result[T]) NeedsReconciliation() bool {
	return r != nil && len(r.CompensationFailures) > 0
}
