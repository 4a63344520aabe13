package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ericfisherdev/forge-collector/internal/store"
)

// SpamFlagRepo implements store.SpamFlagStore.
type SpamFlagRepo struct {
	db *DB
}

var _ store.SpamFlagStore = (*SpamFlagRepo)(nil)

// NewSpamFlagRepo constructs a SpamFlagRepo backed by db.
func NewSpamFlagRepo(db *DB) *SpamFlagRepo {
	return &SpamFlagRepo{db: db}
}

// Create records flag. Reasons are stored JSON-encoded, matching the
// teacher's labels-column convention in prrepo.go.
func (r *SpamFlagRepo) Create(ctx context.Context, flag store.SpamFlag) error {
	reasonsJSON, err := json.Marshal(flag.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}

	createdAt := flag.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.Writer.ExecContext(ctx, `
		INSERT INTO spam_flags (target_type, target_id, score, reasons, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(flag.TargetType), flag.TargetID, flag.Score, string(reasonsJSON), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("create spam flag for %s %d: %w", flag.TargetType, flag.TargetID, err)
	}

	return nil
}

// TopSpammyUsers aggregates flagged score by the author of the
// underlying issue or comment, across both target types, ranked
// highest total score first.
func (r *SpamFlagRepo) TopSpammyUsers(ctx context.Context, limit int) ([]store.SpammyUser, error) {
	rows, err := r.db.Reader.QueryContext(ctx, `
		SELECT author_login, SUM(score) AS total_score, COUNT(*) AS flagged_count
		FROM (
			SELECT i.author_login AS author_login, sf.score AS score
			FROM spam_flags sf JOIN issues i ON sf.target_type = 'issue' AND sf.target_id = i.id
			UNION ALL
			SELECT c.author_login AS author_login, sf.score AS score
			FROM spam_flags sf JOIN comments c ON sf.target_type = 'comment' AND sf.target_id = c.id
		)
		GROUP BY author_login
		ORDER BY total_score DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top spammy users: %w", err)
	}
	defer rows.Close()

	var out []store.SpammyUser
	for rows.Next() {
		var su store.SpammyUser
		if err := rows.Scan(&su.Login, &su.TotalScore, &su.FlaggedCount); err != nil {
			return nil, fmt.Errorf("scan spammy user: %w", err)
		}
		out = append(out, su)
	}

	return out, rows.Err()
}

// CountRecentDedupeHits counts issues and comments sharing dedupeHash
// that were created at or after since.
func (r *SpamFlagRepo) CountRecentDedupeHits(ctx context.Context, dedupeHash string, since time.Time) (int, error) {
	sinceStr := formatTime(since)

	var count int
	err := r.db.Reader.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT id FROM issues WHERE dedupe_hash = ? AND created_at >= ?
			UNION ALL
			SELECT id FROM comments WHERE dedupe_hash = ? AND created_at >= ?
		)
	`, dedupeHash, sinceStr, dedupeHash, sinceStr).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent dedupe hits for %s: %w", dedupeHash, err)
	}

	return count, nil
}
