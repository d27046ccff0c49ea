// Package mission completes mission instances as a saga across the mission
// store, the gamification aggregate and the social feed.
//
// A completion either leaves every effect visible (instance COMPLETED,
// experience granted, stats recorded, achievements checked, optional feed
// post) or, after compensation, none of them: the instance stays IN_PROGRESS
// and the user can safely retry.
//
// Two entry points share one engine:
//   - ExecuteRegular for one-shot mission executions (updates participant progress)
//   - ExecutePinned for recurring daily mission instances
//
// Concurrent attempts on the same instance are rejected up front by a
// per-instance lease; callers see a Conflict outcome instead of queueing.
package mission

import (
	"time"

	"github.com/rbaliyan/mission-saga/lease"
)

// Status is the lifecycle state of a mission instance.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Experience source types. Together with the request id they identify one
// grant in the gamification ledger.
const (
	SourceMissionExecution     = "MISSION_EXECUTION"
	SourceDailyMissionInstance = "DAILY_MISSION_INSTANCE"
)

// DataSourceUserStats is the achievement data source refreshed after stats change.
const DataSourceUserStats = "USER_STATS"

// Request identifies exactly one completion attempt. It is never modified
// once built.
type Request struct {
	// ID is the mission execution id (regular) or the daily instance id (pinned).
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Note        string `json:"note,omitempty"`
	ShareToFeed bool   `json:"share_to_feed"`
	Pinned      bool   `json:"pinned"`
}

// SourceType returns the experience source type for the request.
func (r Request) SourceType() string {
	if r.Pinned {
		return SourceDailyMissionInstance
	}
	return SourceMissionExecution
}

// Instance is the completable view of a mission execution or daily instance.
type Instance struct {
	ID            string     `json:"id"`
	MissionID     string     `json:"mission_id"`
	UserID        string     `json:"user_id"`
	ParticipantID string     `json:"participant_id,omitempty"`
	Title         string     `json:"title"`
	CategoryLabel string     `json:"category_label,omitempty"`
	Status        Status     `json:"status"`
	IsGuild       bool       `json:"is_guild"`
	ExpReward     int        `json:"exp_reward"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExpEarned     *int       `json:"exp_earned,omitempty"`
}

// CompletionContext accumulates what each step needs from earlier ones.
//
// It belongs to exactly one running saga and is never shared. Every marker
// records an effect that happened and must be undone on rollback; forward
// steps only set markers and only the matching compensation clears them.
type CompletionContext struct {
	Request  Request   `json:"request"`
	Instance *Instance `json:"instance,omitempty"`

	MissionID  string `json:"mission_id,omitempty"`
	ExpToGrant int    `json:"exp_to_grant"`

	// ExpEarned is the experience this completion reports, including a
	// grant the ledger already held for the source.
	ExpEarned int `json:"exp_earned,omitempty"`

	ExpAwarded             *int    `json:"exp_awarded,omitempty"`
	Level                  int     `json:"level,omitempty"`
	FeedID                 *string `json:"feed_id,omitempty"`
	ProgressUpdated        bool    `json:"progress_updated"`
	StatsUpdated           bool    `json:"stats_updated"`
	AchievementsChecked    bool    `json:"achievements_checked"`
	InstanceMarkedComplete bool    `json:"instance_marked_complete"`

	// GrantUncertain is set when the grant call failed in a way that may
	// still have applied it (a timeout). The reversal is keyed by source so
	// undoing a grant that never landed is a no-op.
	GrantUncertain bool `json:"grant_uncertain,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// held is the instance lease, renewed before every step.
	held lease.Lease

	// Set once this execution has called the gateway, so a retry that finds
	// its own earlier write reports it as a duplicate it still owns.
	grantCalled bool
	statsCalled bool
}

// ExpGrant is one experience credit.
type ExpGrant struct {
	UserID        string
	Amount        int
	SourceType    string
	SourceID      string
	Note          string
	CategoryLabel string
}

// ExpResult reports the user's experience after a grant.
type ExpResult struct {
	Granted   int
	TotalExp  int64
	Level     int
	LeveledUp bool

	// Duplicate is true when the (SourceType, SourceID) pair was already
	// credited and nothing changed.
	Duplicate bool
}

// CompletionStat is one mission completion counted in the user's stats.
type CompletionStat struct {
	UserID     string
	IsGuild    bool
	SourceType string
	SourceID   string
}

// FeedPayload is the social feed post announcing a completion.
type FeedPayload struct {
	UserID        string
	SourceType    string
	SourceID      string
	MissionID     string
	Title         string
	CategoryLabel string
	Note          string
	ExpEarned     int
	CompletedAt   time.Time
}
