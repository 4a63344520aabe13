package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ericfisherdev/forge-collector/internal/broker"
)

// Repository, Issue, Comment, and User are the forge-shaped DTOs the
// fetcher returns. The normalize package maps these to canonical store
// rows and computes dedupe hashes.

type Repository struct {
	ID       int64
	Owner    string
	Name     string
	FullName string
}

type User struct {
	ID    int64
	Login string
}

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
}

type Comment struct {
	ID          int64
	AuthorLogin string
	Body        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ErrNotFound is returned by FetchIssueComments and FetchUser on a 404,
// letting the collector mark the corresponding row found=false and
// continue rather than fail the job.
var ErrNotFound = errors.New("forge: resource not found")

// ErrSeedMismatch is returned by FetchRepo when the remote's full_name
// does not case-insensitively match the requested owner/name — a
// permanent error.
type ErrSeedMismatch struct {
	Requested string
	Returned  string
}

func (e *ErrSeedMismatch) Error() string {
	return fmt.Sprintf("forge: seed mismatch: requested %q, remote returned %q", e.Requested, e.Returned)
}

// StatusError is returned by FetchRepo when the remote responds with a
// status the collector's classifier treats as permanent regardless of
// the request being retried: 404 at the repo's own path, or 403/410/451.
type StatusError struct {
	Status   int
	Endpoint string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("forge: request to %s failed with status %d", e.Endpoint, e.Status)
}

// Fetcher is the minimal capability set the collector depends on:
// repo lookup, issue listing, comment listing, and user lookup.
// Implementations are injected at construction; tests substitute
// in-memory doubles.
type Fetcher interface {
	FetchRepo(ctx context.Context, owner, name string) (*Repository, error)
	FetchIssues(ctx context.Context, owner, name string, since time.Time) ([]Issue, error)
	FetchIssueComments(ctx context.Context, owner, name string, issueNumber int) ([]Comment, error)
	FetchUser(ctx context.Context, login string) (*User, error)
}

// RESTFetcher implements Fetcher using go-github's REST client, routed
// entirely through a broker.Broker via BrokerRoundTripper. A bounded
// cache of already-seen logins, kept for the fetcher's whole lifetime
// and never cleared, avoids redundant FetchUser calls within and across
// collection runs.
type RESTFetcher struct {
	gh        *gh.Client
	userCache *lru.Cache[string, *User]
}

// NewRESTFetcher builds a Fetcher dispatching every call through b.
// Priority is carried per call via the context passed to each Fetch
// method (see WithPriority); calls made without one default to normal.
func NewRESTFetcher(b *broker.Broker, userAgent string) *RESTFetcher {
	httpClient := &http.Client{Transport: &BrokerRoundTripper{Broker: b}}
	client := gh.NewClient(httpClient)
	client.UserAgent = userAgent

	cache, err := lru.New[string, *User](4096)
	if err != nil {
		panic(err) // only errors on a non-positive size, which 4096 is not
	}

	return &RESTFetcher{gh: client, userCache: cache}
}

// FetchRepo retrieves repository metadata and verifies the remote's
// full_name matches the requested owner/name case-insensitively.
func (f *RESTFetcher) FetchRepo(ctx context.Context, owner, name string) (*Repository, error) {
	repo, resp, err := f.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound, http.StatusForbidden, http.StatusGone, 451:
				return nil, &StatusError{Status: resp.StatusCode, Endpoint: "repos/" + owner + "/" + name}
			}
		}
		return nil, fmt.Errorf("fetching repo %s/%s: %w", owner, name, err)
	}

	requested := owner + "/" + name
	returned := repo.GetFullName()
	if !strings.EqualFold(requested, returned) {
		return nil, &ErrSeedMismatch{Requested: requested, Returned: returned}
	}

	return &Repository{
		ID:       repo.GetID(),
		Owner:    owner,
		Name:     name,
		FullName: returned,
	}, nil
}

// FetchIssues pages every issue updated at or after since, in ascending
// update order.
func (f *RESTFetcher) FetchIssues(ctx context.Context, owner, name string, since time.Time) ([]Issue, error) {
	opts := &gh.IssueListByRepoOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "asc",
		Since:     since,
		ListOptions: gh.ListOptions{
			PerPage: 100,
		},
	}

	var issues []Issue
	for {
		page, resp, err := f.gh.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("listing issues for %s/%s (page %d): %w", owner, name, opts.Page, err)
		}
		for _, raw := range page {
			if raw.IsPullRequest() {
				continue
			}
			issues = append(issues, mapIssue(raw))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return issues, nil
}

// FetchIssueComments pages every comment on an issue. A 404 (issue gone)
// surfaces as ErrNotFound for the collector to recover from.
func (f *RESTFetcher) FetchIssueComments(ctx context.Context, owner, name string, issueNumber int) ([]Comment, error) {
	opts := &gh.IssueListCommentsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var comments []Comment
	for {
		page, resp, err := f.gh.Issues.ListComments(ctx, owner, name, issueNumber, opts)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("listing comments for %s/%s#%d (page %d): %w", owner, name, issueNumber, opts.Page, err)
		}
		for _, raw := range page {
			comments = append(comments, mapComment(raw))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}

// FetchUser retrieves a user by login, serving from the per-session
// cache when already seen. A 404 surfaces as ErrNotFound.
func (f *RESTFetcher) FetchUser(ctx context.Context, login string) (*User, error) {
	if cached, ok := f.userCache.Get(strings.ToLower(login)); ok {
		return cached, nil
	}

	raw, resp, err := f.gh.Users.Get(ctx, login)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching user %s: %w", login, err)
	}

	user := &User{ID: raw.GetID(), Login: raw.GetLogin()}
	f.userCache.Add(strings.ToLower(login), user)
	return user, nil
}

func mapIssue(raw *gh.Issue) Issue {
	return Issue{
		ID:            raw.GetID(),
		Number:        raw.GetNumber(),
		Title:         raw.GetTitle(),
		Body:          raw.GetBody(),
		AuthorLogin:   raw.GetUser().GetLogin(),
		State:         raw.GetState(),
		CommentsCount: raw.GetComments(),
		CreatedAt:     raw.GetCreatedAt().Time,
		UpdatedAt:     raw.GetUpdatedAt().Time,
	}
}

func mapComment(raw *gh.IssueComment) Comment {
	return Comment{
		ID:          raw.GetID(),
		AuthorLogin: raw.GetUser().GetLogin(),
		Body:        raw.GetBody(),
		CreatedAt:   raw.GetCreatedAt().Time,
		UpdatedAt:   raw.GetUpdatedAt().Time,
	}
}
