package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/forge-collector/internal/store"
)

// IssueRepo implements store.IssueStore.
type IssueRepo struct {
	db *DB
}

var _ store.IssueStore = (*IssueRepo)(nil)

// NewIssueRepo constructs an IssueRepo backed by db.
func NewIssueRepo(db *DB) *IssueRepo {
	return &IssueRepo{db: db}
}

// Upsert inserts issue, or updates its mutable fields when
// (repo_full_name, number) already exists.
func (r *IssueRepo) Upsert(ctx context.Context, issue store.Issue) error {
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	_, err := r.db.Writer.ExecContext(ctx, `
		INSERT INTO issues (
			repo_full_name, number, title, body, author_login, state,
			comments_count, found, dedupe_hash, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_full_name, number) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			author_login = excluded.author_login,
			state = excluded.state,
			comments_count = excluded.comments_count,
			found = excluded.found,
			dedupe_hash = excluded.dedupe_hash,
			updated_at = excluded.updated_at
	`,
		issue.RepoFullName, issue.Number, issue.Title, issue.Body, issue.AuthorLogin, issue.State,
		issue.CommentsCount, boolToInt(issue.Found), issue.DedupeHash, formatTime(issue.CreatedAt), formatTime(issue.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert issue %s#%d: %w", issue.RepoFullName, issue.Number, err)
	}

	return nil
}

// MarkCommentsNotFound flips found to false for the issue identified
// by repoFullName/number.
func (r *IssueRepo) MarkCommentsNotFound(ctx context.Context, repoFullName string, number int) error {
	res, err := r.db.Writer.ExecContext(ctx, `
		UPDATE issues SET found = 0, updated_at = ? WHERE repo_full_name = ? AND number = ?
	`, formatTime(time.Now().UTC()), repoFullName, number)
	if err != nil {
		return fmt.Errorf("mark issue %s#%d not found: %w", repoFullName, number, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrIssueNotFound
	}

	return nil
}

// GetByRepoAndNumber returns the issue matching repoFullName/number, or
// store.ErrIssueNotFound if none exists.
func (r *IssueRepo) GetByRepoAndNumber(ctx context.Context, repoFullName string, number int) (*store.Issue, error) {
	row := r.db.Reader.QueryRowContext(ctx, `
		SELECT id, repo_full_name, number, title, body, author_login, state,
			comments_count, found, dedupe_hash, created_at, updated_at
		FROM issues WHERE repo_full_name = ? AND number = ?
	`, repoFullName, number)

	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrIssueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %s#%d: %w", repoFullName, number, err)
	}

	return issue, nil
}

// ListByRepo returns every issue belonging to repoFullName.
func (r *IssueRepo) ListByRepo(ctx context.Context, repoFullName string) ([]store.Issue, error) {
	rows, err := r.db.Reader.QueryContext(ctx, `
		SELECT id, repo_full_name, number, title, body, author_login, state,
			comments_count, found, dedupe_hash, created_at, updated_at
		FROM issues WHERE repo_full_name = ? ORDER BY number
	`, repoFullName)
	if err != nil {
		return nil, fmt.Errorf("list issues for %s: %w", repoFullName, err)
	}
	defer rows.Close()

	return scanIssues(rows)
}

// ListAll returns every tracked issue across every repository.
func (r *IssueRepo) ListAll(ctx context.Context) ([]store.Issue, error) {
	rows, err := r.db.Reader.QueryContext(ctx, `
		SELECT id, repo_full_name, number, title, body, author_login, state,
			comments_count, found, dedupe_hash, created_at, updated_at
		FROM issues ORDER BY repo_full_name, number
	`)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	return scanIssues(rows)
}

func scanIssues(rows *sql.Rows) ([]store.Issue, error) {
	var out []store.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		out = append(out, *issue)
	}
	return out, rows.Err()
}

func scanIssue(s scanner) (*store.Issue, error) {
	var issue store.Issue
	var found int
	var createdAt, updatedAt string

	if err := s.Scan(
		&issue.ID, &issue.RepoFullName, &issue.Number, &issue.Title, &issue.Body, &issue.AuthorLogin, &issue.State,
		&issue.CommentsCount, &found, &issue.DedupeHash, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	issue.Found = found != 0

	var err error
	if issue.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if issue.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &issue, nil
}
