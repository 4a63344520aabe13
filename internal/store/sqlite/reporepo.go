package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/forge-collector/internal/store"
)

// RepoRepo implements store.RepoStore.
type RepoRepo struct {
	db *DB
}

var _ store.RepoStore = (*RepoRepo)(nil)

// NewRepoRepo constructs a RepoRepo backed by db.
func NewRepoRepo(db *DB) *RepoRepo {
	return &RepoRepo{db: db}
}

// Upsert inserts repo, or updates owner/name/found/updated_at when
// full_name already exists.
func (r *RepoRepo) Upsert(ctx context.Context, repo store.Repository) error {
	now := time.Now().UTC()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now

	_, err := r.db.Writer.ExecContext(ctx, `
		INSERT INTO repositories (owner, name, full_name, found, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(full_name) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			found = excluded.found,
			updated_at = excluded.updated_at
	`, repo.Owner, repo.Name, repo.FullName, boolToInt(repo.Found), formatTime(repo.CreatedAt), formatTime(repo.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert repository %s: %w", repo.FullName, err)
	}

	return nil
}

// GetByFullName returns the repository matching fullName, or
// store.ErrRepoNotFound if none exists.
func (r *RepoRepo) GetByFullName(ctx context.Context, fullName string) (*store.Repository, error) {
	row := r.db.Reader.QueryRowContext(ctx, `
		SELECT id, owner, name, full_name, found, created_at, updated_at
		FROM repositories WHERE full_name = ?
	`, fullName)

	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", fullName, err)
	}

	return repo, nil
}

// ListAll returns every tracked repository.
func (r *RepoRepo) ListAll(ctx context.Context) ([]store.Repository, error) {
	rows, err := r.db.Reader.QueryContext(ctx, `
		SELECT id, owner, name, full_name, found, created_at, updated_at
		FROM repositories ORDER BY full_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []store.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, *repo)
	}

	return out, rows.Err()
}

func scanRepository(s scanner) (*store.Repository, error) {
	var repo store.Repository
	var found int
	var createdAt, updatedAt string

	if err := s.Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.FullName, &found, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	repo.Found = found != 0

	var err error
	if repo.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if repo.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &repo, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func parseTime(s string) (time.Time, error) {
	for _, format := range timeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %q", s)
}

// isUniqueConstraintErr reports whether err is a SQLite UNIQUE
// constraint violation, matching on the driver's error text since
// modernc.org/sqlite does not expose a typed constraint error.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
