package mission

import (
	"errors"
	"time"

	"github.com/rbaliyan/mission-saga/saga"
)

// CompletionResponse is what instance handlers return after a successful completion.
type CompletionResponse struct {
	ID          string    `json:"id"`
	MissionID   string    `json:"mission_id"`
	Title       string    `json:"title,omitempty"`
	Status      Status    `json:"status"`
	Pinned      bool      `json:"pinned"`
	ExpEarned   int       `json:"exp_earned"`
	Level       int       `json:"level"`
	CompletedAt time.Time `json:"completed_at"`
	FeedID      string    `json:"feed_id,omitempty"`
}

// CompletionFailedError is the domain failure for an unsuccessful completion.
// It carries the saga's diagnostics, never a store error.
type CompletionFailedError struct {
	FailedStep string
	Outcome    saga.Outcome
	Message    string
}

func (e *CompletionFailedError) Error() string {
	return "mission completion failed: " + e.Message
}

// Conflict reports whether another completion of the same instance was running.
func (e *CompletionFailedError) Conflict() bool {
	return e.Outcome == saga.OutcomeConflict
}

// IsCompletionFailed reports whether err is a *CompletionFailedError.
func IsCompletionFailed(err error) bool {
	var cf *CompletionFailedError
	return errors.As(err, &cf)
}

// ToPinnedResponse maps a pinned completion result.
func ToPinnedResponse(result *saga.Result[CompletionContext]) (*CompletionResponse, error) {
	return toResponse(result, true)
}

// ToRegularResponse maps a regular completion result.
func ToRegularResponse(result *saga.Result[CompletionContext]) (*CompletionResponse, error) {
	return toResponse(result, false)
}

func toResponse(result *saga.Result[CompletionContext], pinned bool) (*CompletionResponse, error) {
	if result == nil {
		return nil, &CompletionFailedError{Message: "no result"}
	}
	if !result.Success || result.Value == nil {
		return nil, &CompletionFailedError{
			FailedStep: result.FailedStep,
			Outcome:    result.Outcome,
			Message:    result.Message,
		}
	}

	c := result.Value
	resp := &CompletionResponse{
		ID:        c.Request.ID,
		MissionID: c.MissionID,
		Status:    StatusCompleted,
		Pinned:    pinned,
		ExpEarned: awarded(c),
		Level:     c.Level,
	}
	if c.Instance != nil {
		resp.Title = c.Instance.Title
	}
	if c.CompletedAt != nil {
		resp.CompletedAt = *c.CompletedAt
	}
	if c.FeedID != nil {
		resp.FeedID = *c.FeedID
	}
	return resp, nil
}
