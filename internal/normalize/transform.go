// Package normalize maps forge-shaped DTOs onto the canonical record shapes
// the store persists, computing the dedupe hash used to collapse
// repeat-spam issues/comments into one signal.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ericfisherdev/forge-collector/internal/forge"
)

// Repository is the canonical shape persisted by internal/store, mapped
// one-to-one from forge.Repository — the fetcher has already verified
// full_name against the requested owner/name, so no further validation
// happens here.
type Repository struct {
	ID       int64
	Owner    string
	Name     string
	FullName string
}

// User is the canonical shape persisted by internal/store.
type User struct {
	ID    int64
	Login string
}

// Issue is the canonical shape persisted by internal/store, carrying the
// remote's created_at/updated_at (the watermark advances on this
// updated_at, not wall-clock) and a DedupeHash used by internal/spam to
// detect repeated copy-paste spam.
type Issue struct {
	ID            int64
	Number        int
	Title         string
	Body          string
	AuthorLogin   string
	State         string
	CommentsCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DedupeHash    string
}

// Comment is the canonical shape persisted by internal/store.
type Comment struct {
	ID          int64
	AuthorLogin string
	Body        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DedupeHash  string
}

// NormalizeRepository maps a fetched repository onto its store shape.
func NormalizeRepository(r *forge.Repository) Repository {
	return Repository{ID: r.ID, Owner: r.Owner, Name: r.Name, FullName: r.FullName}
}

// NormalizeUser maps a fetched user onto its store shape.
func NormalizeUser(u *forge.User) User {
	return User{ID: u.ID, Login: u.Login}
}

// NormalizeIssue maps a fetched issue onto its store shape, computing the
// dedupe hash from title and body.
func NormalizeIssue(i forge.Issue) Issue {
	return Issue{
		ID:            i.ID,
		Number:        i.Number,
		Title:         i.Title,
		Body:          i.Body,
		AuthorLogin:   i.AuthorLogin,
		State:         i.State,
		CommentsCount: i.CommentsCount,
		CreatedAt:     i.CreatedAt,
		UpdatedAt:     i.UpdatedAt,
		DedupeHash:    DedupeHash(i.Title, i.Body),
	}
}

// NormalizeComment maps a fetched comment onto its store shape. Comments
// have no title, so the hash is computed over the body alone.
func NormalizeComment(c forge.Comment) Comment {
	return Comment{
		ID:          c.ID,
		AuthorLogin: c.AuthorLogin,
		Body:        c.Body,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		DedupeHash:  DedupeHash("", c.Body),
	}
}

// maxRepeatRun is the number of consecutive identical characters kept
// before collapsing the rest.
const maxRepeatRun = 3

// CollapseRepeats collapses runs of the same rune longer than maxRepeat
// down to maxRepeat occurrences, so "heyyyy!!!" with maxRepeat=3 becomes
// "heyyy!!!" — spam padding like "!!!!!!!!" and "aaaaaaaa" hashes the same
// as a short run.
func CollapseRepeats(input string, maxRepeat int) string {
	if maxRepeat <= 0 || input == "" {
		return ""
	}

	var buf strings.Builder
	buf.Grow(len(input))
	var prev rune
	count := 0
	first := true

	for _, r := range input {
		if !first && r == prev {
			count++
			if count <= maxRepeat {
				buf.WriteRune(r)
			}
		} else {
			prev = r
			count = 1
			first = false
			buf.WriteRune(r)
		}
	}

	return buf.String()
}

// normalizeBody lowercases, trims, collapses repeat runs, and collapses
// whitespace so cosmetic differences (extra spaces, repeated punctuation,
// case) don't defeat the dedupe hash.
func normalizeBody(input string) string {
	trimmed := strings.TrimSpace(input)
	lowered := strings.ToLower(trimmed)
	collapsed := CollapseRepeats(lowered, maxRepeatRun)
	return strings.Join(strings.Fields(collapsed), " ")
}

// DedupeHash computes a stable, whitespace- and case-insensitive digest
// of a title and body, used to detect the same spam content posted
// repeatedly across issues or comments.
func DedupeHash(title, body string) string {
	normalizedTitle := normalizeBody(title)
	normalizedBody := normalizeBody(body)

	h := sha256.New()
	h.Write([]byte(normalizedTitle))
	h.Write([]byte("\n"))
	h.Write([]byte(normalizedBody))
	return hex.EncodeToString(h.Sum(nil))
}
