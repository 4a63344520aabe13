package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/forge-collector/internal/store"
)

// UserRepo implements store.UserStore.
type UserRepo struct {
	db *DB
}

var _ store.UserStore = (*UserRepo)(nil)

// NewUserRepo constructs a UserRepo backed by db.
func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

// Upsert inserts user, or updates found/updated_at when login already
// exists.
func (r *UserRepo) Upsert(ctx context.Context, user store.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := r.db.Writer.ExecContext(ctx, `
		INSERT INTO users (login, found, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(login) DO UPDATE SET
			found = excluded.found,
			updated_at = excluded.updated_at
	`, user.Login, boolToInt(user.Found), formatTime(user.CreatedAt), formatTime(user.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.Login, err)
	}

	return nil
}

// MarkNotFound flips found to false for login, inserting a tombstone
// row if the user was never seen before.
func (r *UserRepo) MarkNotFound(ctx context.Context, login string) error {
	now := formatTime(time.Now().UTC())

	_, err := r.db.Writer.ExecContext(ctx, `
		INSERT INTO users (login, found, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(login) DO UPDATE SET
			found = 0,
			updated_at = excluded.updated_at
	`, login, now, now)
	if err != nil {
		return fmt.Errorf("mark user %s not found: %w", login, err)
	}

	return nil
}

// GetByLogin returns the user matching login, or store.ErrUserNotFound
// if none exists.
func (r *UserRepo) GetByLogin(ctx context.Context, login string) (*store.User, error) {
	row := r.db.Reader.QueryRowContext(ctx, `
		SELECT id, login, found, created_at, updated_at
		FROM users WHERE login = ?
	`, login)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", login, err)
	}

	return user, nil
}

func scanUser(s scanner) (*store.User, error) {
	var user store.User
	var found int
	var createdAt, updatedAt string

	if err := s.Scan(&user.ID, &user.Login, &found, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	user.Found = found != 0

	var err error
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if user.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &user, nil
}
