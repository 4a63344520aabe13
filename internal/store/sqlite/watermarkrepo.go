package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/forge-collector/internal/store"
)

// WatermarkRepo implements store.WatermarkStore.
type WatermarkRepo struct {
	db *DB
}

var _ store.WatermarkStore = (*WatermarkRepo)(nil)

// NewWatermarkRepo constructs a WatermarkRepo backed by db.
func NewWatermarkRepo(db *DB) *WatermarkRepo {
	return &WatermarkRepo{db: db}
}

// Get returns the stored watermark for repoFullName. The second
// return is false if no watermark has been recorded yet.
func (r *WatermarkRepo) Get(ctx context.Context, repoFullName string) (time.Time, bool, error) {
	var watermark string
	err := r.db.Reader.QueryRowContext(ctx, `
		SELECT watermark FROM watermarks WHERE repo_full_name = ?
	`, repoFullName).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark for %s: %w", repoFullName, err)
	}

	t, err := parseTime(watermark)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark for %s: %w", repoFullName, err)
	}

	return t, true, nil
}

// Advance persists newWatermark for repoFullName iff it is strictly
// greater than the stored value (or none is stored yet), preserving
// the monotonicity invariant even under concurrent writers.
func (r *WatermarkRepo) Advance(ctx context.Context, repoFullName string, newWatermark time.Time) error {
	now := formatTime(time.Now().UTC())
	newValue := formatTime(newWatermark)

	_, err := r.db.Writer.ExecContext(ctx, `
		INSERT INTO watermarks (repo_full_name, watermark, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(repo_full_name) DO UPDATE SET
			watermark = excluded.watermark,
			updated_at = excluded.updated_at
		WHERE excluded.watermark > watermarks.watermark
	`, repoFullName, newValue, now)
	if err != nil {
		return fmt.Errorf("advance watermark for %s: %w", repoFullName, err)
	}

	return nil
}
