package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/forge-collector/internal/store"
)

// CommentRepo implements store.CommentStore.
type CommentRepo struct {
	db *DB
}

var _ store.CommentStore = (*CommentRepo)(nil)

// NewCommentRepo constructs a CommentRepo backed by db.
func NewCommentRepo(db *DB) *CommentRepo {
	return &CommentRepo{db: db}
}

// Upsert inserts comment keyed by its forge-assigned ID, or updates its
// mutable fields when that ID already exists.
func (r *CommentRepo) Upsert(ctx context.Context, comment store.Comment) error {
	now := time.Now().UTC()
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = now
	}
	comment.UpdatedAt = now

	_, err := r.db.Writer.ExecContext(ctx, `
		INSERT INTO comments (id, issue_id, repo_full_name, author_login, body, dedupe_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			author_login = excluded.author_login,
			body = excluded.body,
			dedupe_hash = excluded.dedupe_hash,
			updated_at = excluded.updated_at
	`,
		comment.ID, comment.IssueID, comment.RepoFullName, comment.AuthorLogin, comment.Body, comment.DedupeHash,
		formatTime(comment.CreatedAt), formatTime(comment.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert comment %d: %w", comment.ID, err)
	}

	return nil
}

// ListByIssue returns every comment belonging to issueID, oldest first.
func (r *CommentRepo) ListByIssue(ctx context.Context, issueID int64) ([]store.Comment, error) {
	rows, err := r.db.Reader.QueryContext(ctx, `
		SELECT id, issue_id, repo_full_name, author_login, body, dedupe_hash, created_at, updated_at
		FROM comments WHERE issue_id = ? ORDER BY created_at
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list comments for issue %d: %w", issueID, err)
	}
	defer rows.Close()

	var out []store.Comment
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, *comment)
	}

	return out, rows.Err()
}

func scanComment(s scanner) (*store.Comment, error) {
	var comment store.Comment
	var createdAt, updatedAt string

	if err := s.Scan(
		&comment.ID, &comment.IssueID, &comment.RepoFullName, &comment.AuthorLogin, &comment.Body, &comment.DedupeHash,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if comment.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if comment.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &comment, nil
}
