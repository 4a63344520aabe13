// Package store defines the driven ports for persistence — one small
// interface per aggregate, each with its own sentinel errors.
// internal/store/sqlite provides the reference backend.
package store

import "time"

// Repository is the persisted shape of a forge repository.
type Repository struct {
	ID        int64
	Owner     string
	Name      string
	FullName  string
	Found     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is the persisted shape of a forge user. Found flips to false
// once a 404 is observed for this login.
type User struct {
	ID        int64
	Login     string
	Found     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Issue is the persisted shape of a forge issue, scoped to its owning
// repository by RepoFullName. Found flips to false when the issue's
// comments listing 404s (issue gone); the issue row itself is kept so
// prior spam flags and history stay addressable.
type Issue struct {
	ID            int64
	RepoFullName  string
	Number        int
	Title         string
	Body          string
	AuthorLogin   string
	State         string
	CommentsCount int
	Found         bool
	DedupeHash    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Comment is the persisted shape of an issue comment.
type Comment struct {
	ID           int64
	IssueID      int64
	RepoFullName string
	AuthorLogin  string
	Body         string
	DedupeHash   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SpamFlagTargetType distinguishes what a SpamFlag scores.
type SpamFlagTargetType string

// SpamFlagTargetType values.
const (
	SpamFlagTargetIssue   SpamFlagTargetType = "issue"
	SpamFlagTargetComment SpamFlagTargetType = "comment"
)

// SpamFlag is written whenever a scored issue or comment has a
// positive spam score.
type SpamFlag struct {
	ID         int64
	TargetType SpamFlagTargetType
	TargetID   int64
	Score      float64
	Reasons    []string
	CreatedAt  time.Time
}

// SpammyUser is a row of the GET /top/spammy-users aggregate.
type SpammyUser struct {
	Login          string
	TotalScore     float64
	FlaggedCount   int
}

// JobPriority mirrors broker.Priority's three-lane shape so the
// collector can map a job's priority directly onto the broker calls it
// issues while servicing it.
type JobPriority int

// JobPriority values, ordered highest to lowest.
const (
	JobPriorityCritical JobPriority = iota
	JobPriorityNormal
	JobPriorityBackfill
)

func (p JobPriority) String() string {
	switch p {
	case JobPriorityCritical:
		return "critical"
	case JobPriorityNormal:
		return "normal"
	case JobPriorityBackfill:
		return "backfill"
	default:
		return "unknown"
	}
}

// JobStatus is the collection job state machine:
// pending -> in_progress -> {completed | pending(+failure_count) | error}.
type JobStatus string

// JobStatus values.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusError      JobStatus = "error"
)

// errorMessageMaxLen truncates CollectionJob.ErrorMessage to ~512
// characters, ellipsis-suffixed when cut.
const errorMessageMaxLen = 512

// TruncateErrorMessage truncates msg to errorMessageMaxLen characters,
// appending an ellipsis when it was cut.
func TruncateErrorMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= errorMessageMaxLen {
		return msg
	}
	return string(runes[:errorMessageMaxLen-1]) + "…"
}

// CollectionJob is the persisted job row. ID is a client-generated UUID
// (rather than an autoincrement rowid) so the API handler that creates a
// job can return its ID without a round trip to read back the insert.
type CollectionJob struct {
	ID               string
	Owner            string
	Name             string
	FullName         string
	Status           JobStatus
	Priority         JobPriority
	LastAttemptAt    *time.Time
	LastCompletedAt  *time.Time
	FailureCount     int
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
