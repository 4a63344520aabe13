package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations, one set per
// aggregate.
var (
	ErrRepoNotFound = errors.New("store: repository not found")
	ErrUserNotFound = errors.New("store: user not found")
	ErrIssueNotFound = errors.New("store: issue not found")
	ErrJobNotFound  = errors.New("store: collection job not found")
	ErrJobAlreadyExists = errors.New("store: collection job already exists")
)

// RepoStore persists Repository rows.
type RepoStore interface {
	Upsert(ctx context.Context, repo Repository) error
	GetByFullName(ctx context.Context, fullName string) (*Repository, error)
	ListAll(ctx context.Context) ([]Repository, error)
}

// UserStore persists User rows and the per-session login cache's
// durable counterpart.
type UserStore interface {
	Upsert(ctx context.Context, user User) error
	MarkNotFound(ctx context.Context, login string) error
	GetByLogin(ctx context.Context, login string) (*User, error)
}

// IssueStore persists Issue rows scoped to a repository.
type IssueStore interface {
	Upsert(ctx context.Context, issue Issue) error
	MarkCommentsNotFound(ctx context.Context, repoFullName string, number int) error
	GetByRepoAndNumber(ctx context.Context, repoFullName string, number int) (*Issue, error)
	ListByRepo(ctx context.Context, repoFullName string) ([]Issue, error)
	ListAll(ctx context.Context) ([]Issue, error)
}

// CommentStore persists Comment rows scoped to an issue.
type CommentStore interface {
	Upsert(ctx context.Context, comment Comment) error
	ListByIssue(ctx context.Context, issueID int64) ([]Comment, error)
}

// WatermarkStore tracks the last-seen updated_at per repository; the
// stored value is monotone non-decreasing.
type WatermarkStore interface {
	Get(ctx context.Context, repoFullName string) (time.Time, bool, error)
	// Advance persists newWatermark iff it is strictly greater than the
	// stored value (or none is stored yet).
	Advance(ctx context.Context, repoFullName string, newWatermark time.Time) error
}

// SpamFlagStore persists SpamFlag rows and serves the spammy-users
// aggregate.
type SpamFlagStore interface {
	Create(ctx context.Context, flag SpamFlag) error
	TopSpammyUsers(ctx context.Context, limit int) ([]SpammyUser, error)
	// CountRecentDedupeHits returns how many issues and comments with
	// this dedupe hash were created at or after since, feeding the
	// dedupe_hash_reused rule's RuleContext.DedupeHitsLast48h input.
	CountRecentDedupeHits(ctx context.Context, dedupeHash string, since time.Time) (int, error)
}

// JobStore persists CollectionJob rows and serves the scheduler's pull
// query.
type JobStore interface {
	// Create inserts a pending job for owner/name. Returns
	// ErrJobAlreadyExists if full_name (case-insensitive) is already
	// tracked.
	Create(ctx context.Context, owner, name string, priority JobPriority) (*CollectionJob, error)
	GetByFullName(ctx context.Context, fullName string) (*CollectionJob, error)
	ListAll(ctx context.Context) ([]CollectionJob, error)
	// PullPending returns up to limit pending jobs ordered by urgency
	// (priority ASC — JobPriorityCritical sorts first, mirroring
	// broker.Priority — then created_at ASC), and atomically marks each
	// returned job in_progress so no two workers claim it.
	PullPending(ctx context.Context, limit int) ([]CollectionJob, error)
	MarkCompleted(ctx context.Context, id string) error
	// MarkTransientFailure returns the job to pending and increments
	// failure_count.
	MarkTransientFailure(ctx context.Context, id string, errMsg string) error
	// MarkPermanentFailure moves the job to its terminal error state.
	MarkPermanentFailure(ctx context.Context, id string, errMsg string) error
}
