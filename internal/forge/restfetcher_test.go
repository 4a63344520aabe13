package forge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forge-collector/internal/broker"
	"github.com/ericfisherdev/forge-collector/internal/forge"
)

// routeExecutor is an in-memory broker.HTTPExecutor double that dispatches
// by method+path prefix, since the broker sits between this fetcher and
// the wire.
type routeExecutor struct {
	calls   int32
	routeFn func(req *broker.Request) (*broker.Response, error)
}

func (r *routeExecutor) Execute(_ context.Context, req *broker.Request) (*broker.Response, error) {
	atomic.AddInt32(&r.calls, 1)
	return r.routeFn(req)
}

func jsonResponse(status int, body any) *broker.Response {
	raw, _ := json.Marshal(body)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &broker.Response{Status: status, Header: h, Body: raw}
}

func newFetcher(t *testing.T, routeFn func(req *broker.Request) (*broker.Response, error)) (*forge.RESTFetcher, *routeExecutor) {
	t.Helper()
	exec := &routeExecutor{routeFn: routeFn}
	b := broker.New(broker.Options{Exec: exec, Tokens: []broker.Token{{ID: "t", Secret: "s"}}})
	t.Cleanup(b.Close)
	return forge.NewRESTFetcher(b, "forge-collector-test/1.0"), exec
}

func TestFetchRepoSuccess(t *testing.T) {
	fetcher, _ := newFetcher(t, func(req *broker.Request) (*broker.Response, error) {
		require.Equal(t, "/repos/octocat/hello-world", req.Path)
		return jsonResponse(http.StatusOK, map[string]any{
			"id":        123,
			"full_name": "octocat/hello-world",
		}), nil
	})

	repo, err := fetcher.FetchRepo(context.Background(), "octocat", "hello-world")
	require.NoError(t, err)
	assert.Equal(t, int64(123), repo.ID)
	assert.Equal(t, "octocat/hello-world", repo.FullName)
}

func TestFetchRepoSeedMismatch(t *testing.T) {
	fetcher, _ := newFetcher(t, func(req *broker.Request) (*broker.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{
			"id":        123,
			"full_name": "someoneelse/renamed-repo",
		}), nil
	})

	_, err := fetcher.FetchRepo(context.Background(), "octocat", "hello-world")
	require.Error(t, err)
	var mismatch *forge.ErrSeedMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "octocat/hello-world", mismatch.Requested)
	assert.Equal(t, "someoneelse/renamed-repo", mismatch.Returned)
}

func TestFetchRepoNotFoundIsStatusError(t *testing.T) {
	fetcher, _ := newFetcher(t, func(req *broker.Request) (*broker.Response, error) {
		return jsonResponse(http.StatusNotFound, map[string]string{"message": "Not Found"}), nil
	})

	_, err := fetcher.FetchRepo(context.Background(), "octocat", "gone")
	var statusErr *forge.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Status)
}

func TestFetchIssuesPaginatesAndSkipsPullRequests(t *testing.T) {
	fetcher, exec := newFetcher(t, func(req *broker.Request) (*broker.Response, error) {
		page := req.Query.Get("page")
		if page == "" || page == "1" {
			h := http.Header{}
			h.Set("Content-Type", "application/json")
			h.Set("Link", `<https://api.github.com/repositories/1/issues?page=2>; rel="next"`)
			body, _ := json.Marshal([]map[string]any{
				{"id": 1, "number": 1, "title": "first", "state": "open", "user": map[string]any{"login": "alice"}},
				{"id": 2, "number": 2, "title": "a pull request", "state": "open",
					"user":         map[string]any{"login": "bob"},
					"pull_request": map[string]any{"url": "https://api.github.com/repos/o/r/pulls/2"}},
			})
			return &broker.Response{Status: http.StatusOK, Header: h, Body: body}, nil
		}
		return jsonResponse(http.StatusOK, []map[string]any{
			{"id": 3, "number": 3, "title": "second", "state": "closed", "user": map[string]any{"login": "carol"}},
		}), nil
	})

	issues, err := fetcher.FetchIssues(context.Background(), "o", "r", time.Time{})
	require.NoError(t, err)
	require.Len(t, issues, 2, "pull request masquerading as an issue must be filtered out")
	assert.Equal(t, 1, issues[0].Number)
	assert.Equal(t, 3, issues[1].Number)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&exec.calls), int32(2))
}

func TestFetchIssueCommentsNotFound(t *testing.T) {
	fetcher, _ := newFetcher(t, func(req *broker.Request) (*broker.Response, error) {
		return jsonResponse(http.StatusNotFound, map[string]string{"message": "Not Found"}), nil
	})

	_, err := fetcher.FetchIssueComments(context.Background(), "o", "r", 5)
	assert.ErrorIs(t, err, forge.ErrNotFound)
}

func TestFetchUserCachesWithinSession(t *testing.T) {
	fetcher, exec := newFetcher(t, func(req *broker.Request) (*broker.Response, error) {
		require.True(t, strings.HasPrefix(req.Path, "/users/"))
		return jsonResponse(http.StatusOK, map[string]any{"id": 7, "login": "alice"}), nil
	})

	u1, err := fetcher.FetchUser(context.Background(), "alice")
	require.NoError(t, err)
	u2, err := fetcher.FetchUser(context.Background(), "ALICE")
	require.NoError(t, err)

	assert.Equal(t, u1, u2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls), "second lookup must be served from the session cache")
}

func TestFetchUserNotFound(t *testing.T) {
	fetcher, _ := newFetcher(t, func(req *broker.Request) (*broker.Response, error) {
		return jsonResponse(http.StatusNotFound, map[string]string{"message": "Not Found"}), nil
	})

	_, err := fetcher.FetchUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, forge.ErrNotFound)
}

func TestWithPriorityDoesNotBreakDispatch(t *testing.T) {
	fetcher, exec := newFetcher(t, func(req *broker.Request) (*broker.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{"id": 1, "full_name": "o/r"}), nil
	})

	ctx := forge.WithPriority(context.Background(), broker.PriorityBackfill)
	repo, err := fetcher.FetchRepo(ctx, "o", "r")
	require.NoError(t, err)
	assert.Equal(t, "o/r", repo.FullName)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls))
}
