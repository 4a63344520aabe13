// Package collector turns a queue of persistent collection jobs into
// broker traffic: one worker per job, bounded by max_concurrent_repos,
// paging issues and comments since a per-repo watermark, scoring every
// upserted post for spam, and advancing the job's status.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/forge-collector/internal/broker"
	"github.com/ericfisherdev/forge-collector/internal/forge"
	"github.com/ericfisherdev/forge-collector/internal/normalize"
	"github.com/ericfisherdev/forge-collector/internal/spam"
	"github.com/ericfisherdev/forge-collector/internal/store"
)

// PullBatchSize bounds how many pending jobs one scheduling cycle pulls
// from the store before handing them to the worker pool.
const PullBatchSize = 20

// Service is the collector scheduler: it pulls pending jobs, runs one
// worker per job bounded by maxConcurrentRepos, and drives each job's
// repo -> issues -> comments/users -> spam scoring -> watermark
// pipeline through a forge.Fetcher.
type Service struct {
	jobs        store.JobStore
	repos       store.RepoStore
	users       store.UserStore
	issues      store.IssueStore
	comments    store.CommentStore
	watermarks  store.WatermarkStore
	spamFlags   store.SpamFlagStore
	fetcher     forge.Fetcher
	maxParallel int
	logger      *slog.Logger
}

// New constructs a Service. maxConcurrentRepos bounds how many jobs run
// at once within a single RunOnce cycle.
func New(
	jobs store.JobStore,
	repos store.RepoStore,
	users store.UserStore,
	issues store.IssueStore,
	comments store.CommentStore,
	watermarks store.WatermarkStore,
	spamFlags store.SpamFlagStore,
	fetcher forge.Fetcher,
	maxConcurrentRepos int,
	logger *slog.Logger,
) *Service {
	if maxConcurrentRepos <= 0 {
		maxConcurrentRepos = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jobs:        jobs,
		repos:       repos,
		users:       users,
		issues:      issues,
		comments:    comments,
		watermarks:  watermarks,
		spamFlags:   spamFlags,
		fetcher:     fetcher,
		maxParallel: maxConcurrentRepos,
		logger:      logger,
	}
}

// Run pulls pending jobs and processes them in a bounded worker pool
// every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("collection cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce pulls up to PullBatchSize pending jobs and runs each one to
// completion in a pool bounded by s.maxParallel.
func (s *Service) RunOnce(ctx context.Context) error {
	jobs, err := s.jobs.PullPending(ctx, PullBatchSize)
	if err != nil {
		return fmt.Errorf("pull pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	getMetrics().jobsPulled.Add(float64(len(jobs)))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.maxParallel)

	for _, job := range jobs {
		job := job
		group.Go(func() error {
			s.runJob(groupCtx, job)
			return nil
		})
	}

	return group.Wait()
}

// runJob executes one job's full pipeline and updates its terminal
// status. It never returns an error to the caller: all failures are
// persisted onto the job row itself.
func (s *Service) runJob(ctx context.Context, job store.CollectionJob) {
	start := time.Now()
	err := s.processJob(ctx, job)
	getMetrics().jobDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		if markErr := s.jobs.MarkCompleted(ctx, job.ID); markErr != nil {
			s.logger.Error("mark job completed failed", "job", job.FullName, "error", markErr)
		}
		getMetrics().jobsCompleted.Inc()
		return
	}

	class := classifyJobError(err)
	switch class {
	case classificationPermanent:
		getMetrics().jobsFailed.WithLabelValues("permanent").Inc()
		if markErr := s.jobs.MarkPermanentFailure(ctx, job.ID, err.Error()); markErr != nil {
			s.logger.Error("mark job permanent failure failed", "job", job.FullName, "error", markErr)
		}
		s.logger.Warn("job failed permanently", "job", job.FullName, "error", err)
	default:
		getMetrics().jobsFailed.WithLabelValues("transient").Inc()
		if markErr := s.jobs.MarkTransientFailure(ctx, job.ID, err.Error()); markErr != nil {
			s.logger.Error("mark job transient failure failed", "job", job.FullName, "error", markErr)
		}
		s.logger.Warn("job failed transiently, will retry", "job", job.FullName, "error", err)
	}
}

// sessionState carries the per-job counters that feed the spam scorer's
// features: posts-per-author within this run, plus a per-session user
// cache so each login is fetched at most once per job. Dedupe-hash
// reuse is not tracked here; it is counted from the store.
type sessionState struct {
	mu           sync.Mutex
	seenUsers    map[string]*store.User
	postsByLogin map[string]int
}

func newSessionState() *sessionState {
	return &sessionState{
		seenUsers:    make(map[string]*store.User),
		postsByLogin: make(map[string]int),
	}
}

// recordPost returns how many posts this login had made so far in this
// session before this one, then increments the counter.
func (st *sessionState) recordPost(login string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	before := st.postsByLogin[login]
	st.postsByLogin[login] = before + 1
	return before
}

// processJob runs the repo -> issues -> comments/users -> spam scoring
// -> watermark pipeline for a single job.
func (s *Service) processJob(ctx context.Context, job store.CollectionJob) error {
	ctx = forge.WithPriority(ctx, jobBrokerPriority(job.Priority))

	repo, err := s.fetcher.FetchRepo(ctx, job.Owner, job.Name)
	if err != nil {
		return fmt.Errorf("fetch repo %s: %w", job.FullName, err)
	}

	normalizedRepo := normalize.NormalizeRepository(repo)
	if err := s.repos.Upsert(ctx, store.Repository{
		Owner:    normalizedRepo.Owner,
		Name:     normalizedRepo.Name,
		FullName: normalizedRepo.FullName,
		Found:    true,
	}); err != nil {
		return fmt.Errorf("upsert repo %s: %w", job.FullName, err)
	}

	watermark, hasWatermark, err := s.watermarks.Get(ctx, normalizedRepo.FullName)
	if err != nil {
		return fmt.Errorf("get watermark %s: %w", job.FullName, err)
	}
	since := watermark
	if !hasWatermark {
		since = time.Time{}
	}

	rawIssues, err := s.fetcher.FetchIssues(ctx, job.Owner, job.Name, since)
	if err != nil {
		return fmt.Errorf("fetch issues %s: %w", job.FullName, err)
	}

	session := newSessionState()
	newestSeen := watermark

	for _, rawIssue := range rawIssues {
		if hasWatermark && !rawIssue.UpdatedAt.After(watermark) {
			continue
		}

		issue := normalize.NormalizeIssue(rawIssue)

		var authorCreated *time.Time
		if issue.AuthorLogin != "" {
			if err := s.ensureUser(ctx, session, issue.AuthorLogin); err != nil {
				return fmt.Errorf("ensure user %s: %w", issue.AuthorLogin, err)
			}
		}

		postsBefore := 0
		if issue.AuthorLogin != "" {
			postsBefore = session.recordPost(issue.AuthorLogin)
		}

		if err := s.issues.Upsert(ctx, store.Issue{
			RepoFullName:  normalizedRepo.FullName,
			Number:        issue.Number,
			Title:         issue.Title,
			Body:          issue.Body,
			AuthorLogin:   issue.AuthorLogin,
			State:         issue.State,
			CommentsCount: issue.CommentsCount,
			Found:         true,
			DedupeHash:    issue.DedupeHash,
			CreatedAt:     issue.CreatedAt,
			UpdatedAt:     issue.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("upsert issue %s#%d: %w", normalizedRepo.FullName, issue.Number, err)
		}
		getMetrics().issuesSeen.Inc()

		dedupeHits, err := s.spamFlags.CountRecentDedupeHits(ctx, issue.DedupeHash, time.Now().Add(-48*time.Hour))
		if err != nil {
			return fmt.Errorf("count dedupe hits for issue %s#%d: %w", normalizedRepo.FullName, issue.Number, err)
		}
		outcome := spam.ScoreIssue(issue, authorCreated, spam.ContributionStats{
			PostsLast24h:      postsBefore,
			DedupeHitsLast48h: dedupeHits,
		}, dedupeHits)
		if outcome.Score > 0 {
			storedIssue, getErr := s.issues.GetByRepoAndNumber(ctx, normalizedRepo.FullName, issue.Number)
			if getErr != nil {
				return fmt.Errorf("lookup issue %s#%d for spam flag: %w", normalizedRepo.FullName, issue.Number, getErr)
			}
			if flagErr := s.spamFlags.Create(ctx, store.SpamFlag{
				TargetType: store.SpamFlagTargetIssue,
				TargetID:   storedIssue.ID,
				Score:      outcome.Score,
				Reasons:    outcome.Reasons,
			}); flagErr != nil {
				return fmt.Errorf("create spam flag for issue %s#%d: %w", normalizedRepo.FullName, issue.Number, flagErr)
			}
			getMetrics().spamFlags.Inc()
		}

		if issue.UpdatedAt.After(newestSeen) {
			newestSeen = issue.UpdatedAt
		}

		if issue.CommentsCount > 0 {
			storedIssue, getErr := s.issues.GetByRepoAndNumber(ctx, normalizedRepo.FullName, issue.Number)
			if getErr != nil {
				return fmt.Errorf("lookup issue %s#%d for comments: %w", normalizedRepo.FullName, issue.Number, getErr)
			}
			if err := s.processComments(ctx, job, normalizedRepo.FullName, issue.Number, storedIssue.ID, session); err != nil {
				return fmt.Errorf("process comments for %s#%d: %w", normalizedRepo.FullName, issue.Number, err)
			}
		}
	}

	if newestSeen.After(watermark) {
		if err := s.watermarks.Advance(ctx, normalizedRepo.FullName, newestSeen); err != nil {
			return fmt.Errorf("advance watermark %s: %w", job.FullName, err)
		}
	}

	return nil
}

// processComments pages one issue's comments, recovering a 404 (issue
// gone) by marking the issue found=false and returning nil.
func (s *Service) processComments(ctx context.Context, job store.CollectionJob, repoFullName string, issueNumber int, issueID int64, session *sessionState) error {
	rawComments, err := s.fetcher.FetchIssueComments(ctx, job.Owner, job.Name, issueNumber)
	if err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			return s.issues.MarkCommentsNotFound(ctx, repoFullName, issueNumber)
		}
		return err
	}

	for _, rawComment := range rawComments {
		comment := normalize.NormalizeComment(rawComment)

		var authorCreated *time.Time
		if comment.AuthorLogin != "" {
			if err := s.ensureUser(ctx, session, comment.AuthorLogin); err != nil {
				return fmt.Errorf("ensure user %s: %w", comment.AuthorLogin, err)
			}
		}

		postsBefore := 0
		if comment.AuthorLogin != "" {
			postsBefore = session.recordPost(comment.AuthorLogin)
		}

		if err := s.comments.Upsert(ctx, store.Comment{
			ID:           comment.ID,
			IssueID:      issueID,
			RepoFullName: repoFullName,
			AuthorLogin:  comment.AuthorLogin,
			Body:         comment.Body,
			DedupeHash:   comment.DedupeHash,
			CreatedAt:    comment.CreatedAt,
			UpdatedAt:    comment.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("upsert comment %d: %w", comment.ID, err)
		}
		getMetrics().commentsSeen.Inc()

		dedupeHits, err := s.spamFlags.CountRecentDedupeHits(ctx, comment.DedupeHash, time.Now().Add(-48*time.Hour))
		if err != nil {
			return fmt.Errorf("count dedupe hits for comment %d: %w", comment.ID, err)
		}
		outcome := spam.ScoreComment(comment, authorCreated, spam.ContributionStats{
			PostsLast24h:      postsBefore,
			DedupeHitsLast48h: dedupeHits,
		}, dedupeHits)
		if outcome.Score > 0 {
			if flagErr := s.spamFlags.Create(ctx, store.SpamFlag{
				TargetType: store.SpamFlagTargetComment,
				TargetID:   comment.ID,
				Score:      outcome.Score,
				Reasons:    outcome.Reasons,
			}); flagErr != nil {
				return fmt.Errorf("create spam flag for comment %d: %w", comment.ID, flagErr)
			}
			getMetrics().spamFlags.Inc()
		}
	}

	return nil
}

// ensureUser fetches and upserts login at most once per session. A 404
// marks the user row found=false and is not an error.
func (s *Service) ensureUser(ctx context.Context, session *sessionState, login string) error {
	session.mu.Lock()
	_, seen := session.seenUsers[login]
	session.mu.Unlock()
	if seen {
		return nil
	}

	rawUser, err := s.fetcher.FetchUser(ctx, login)
	if err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			session.mu.Lock()
			session.seenUsers[login] = nil
			session.mu.Unlock()
			return s.users.MarkNotFound(ctx, login)
		}
		return err
	}

	normalizedUser := normalize.NormalizeUser(rawUser)
	if err := s.users.Upsert(ctx, store.User{Login: normalizedUser.Login, Found: true}); err != nil {
		return err
	}

	storedUser, err := s.users.GetByLogin(ctx, login)
	if err != nil {
		return err
	}

	session.mu.Lock()
	session.seenUsers[login] = storedUser
	session.mu.Unlock()
	return nil
}

// jobBrokerPriority maps a job's store priority onto the broker's
// priority lane; both enums share the same critical=0 ordering.
func jobBrokerPriority(p store.JobPriority) broker.Priority {
	switch p {
	case store.JobPriorityCritical:
		return broker.PriorityCritical
	case store.JobPriorityBackfill:
		return broker.PriorityBackfill
	default:
		return broker.PriorityNormal
	}
}
