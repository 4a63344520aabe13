package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forge-collector/internal/httpapi"
	"github.com/ericfisherdev/forge-collector/internal/store"
)

type mockJobStore struct {
	jobs       []store.CollectionJob
	created    *store.CollectionJob
	createErr  error
	listErr    error
	lastOwner  string
	lastName   string
	lastPrio   store.JobPriority
}

func (m *mockJobStore) Create(_ context.Context, owner, name string, priority store.JobPriority) (*store.CollectionJob, error) {
	m.lastOwner, m.lastName, m.lastPrio = owner, name, priority
	if m.createErr != nil {
		return nil, m.createErr
	}
	return m.created, nil
}
func (m *mockJobStore) GetByFullName(context.Context, string) (*store.CollectionJob, error) {
	return nil, nil
}
func (m *mockJobStore) ListAll(context.Context) ([]store.CollectionJob, error) {
	return m.jobs, m.listErr
}
func (m *mockJobStore) PullPending(context.Context, int) ([]store.CollectionJob, error) {
	return nil, nil
}
func (m *mockJobStore) MarkCompleted(context.Context, string) error                { return nil }
func (m *mockJobStore) MarkTransientFailure(context.Context, string, string) error { return nil }
func (m *mockJobStore) MarkPermanentFailure(context.Context, string, string) error { return nil }

type mockRepoStore struct {
	repos []store.Repository
	err   error
}

func (m *mockRepoStore) Upsert(context.Context, store.Repository) error { return nil }
func (m *mockRepoStore) GetByFullName(context.Context, string) (*store.Repository, error) {
	return nil, nil
}
func (m *mockRepoStore) ListAll(context.Context) ([]store.Repository, error) {
	return m.repos, m.err
}

type mockIssueStore struct {
	issues  []store.Issue
	err     error
	byRepo  string
}

func (m *mockIssueStore) Upsert(context.Context, store.Issue) error { return nil }
func (m *mockIssueStore) MarkCommentsNotFound(context.Context, string, int) error { return nil }
func (m *mockIssueStore) GetByRepoAndNumber(context.Context, string, int) (*store.Issue, error) {
	return nil, nil
}
func (m *mockIssueStore) ListByRepo(_ context.Context, repoFullName string) ([]store.Issue, error) {
	m.byRepo = repoFullName
	return m.issues, m.err
}
func (m *mockIssueStore) ListAll(context.Context) ([]store.Issue, error) {
	return m.issues, m.err
}

type mockUserStore struct {
	user *store.User
	err  error
}

func (m *mockUserStore) Upsert(context.Context, store.User) error     { return nil }
func (m *mockUserStore) MarkNotFound(context.Context, string) error   { return nil }
func (m *mockUserStore) GetByLogin(context.Context, string) (*store.User, error) {
	return m.user, m.err
}

type mockSpamFlagStore struct {
	users []store.SpammyUser
	err   error
}

func (m *mockSpamFlagStore) Create(context.Context, store.SpamFlag) error { return nil }
func (m *mockSpamFlagStore) TopSpammyUsers(context.Context, int) ([]store.SpammyUser, error) {
	return m.users, m.err
}
func (m *mockSpamFlagStore) CountRecentDedupeHits(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func setupMux(jobs *mockJobStore, repos *mockRepoStore, issues *mockIssueStore, users *mockUserStore, spamFlags *mockSpamFlagStore) http.Handler {
	h := httpapi.NewHandler(jobs, repos, issues, users, spamFlags, slog.Default())
	return httpapi.NewServeMux(h, slog.Default())
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestCreateJob(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	jobs := &mockJobStore{created: &store.CollectionJob{
		ID: "job-1", Owner: "octo", Name: "cat", FullName: "octo/cat",
		Status: store.JobStatusPending, Priority: store.JobPriorityNormal,
		CreatedAt: now, UpdatedAt: now,
	}}
	mux := setupMux(jobs, &mockRepoStore{}, &mockIssueStore{}, &mockUserStore{}, &mockSpamFlagStore{})

	body, _ := json.Marshal(httpapi.CreateJobRequest{FullName: "octo/cat", Priority: "critical"})
	req := httptest.NewRequest(http.MethodPost, "/repos", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "octo", jobs.lastOwner)
	assert.Equal(t, "cat", jobs.lastName)
	assert.Equal(t, store.JobPriorityCritical, jobs.lastPrio)

	var resp httpapi.JobResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "octo/cat", resp.FullName)
}

func TestCreateJobRejectsMalformedFullName(t *testing.T) {
	jobs := &mockJobStore{}
	mux := setupMux(jobs, &mockRepoStore{}, &mockIssueStore{}, &mockUserStore{}, &mockSpamFlagStore{})

	body, _ := json.Marshal(httpapi.CreateJobRequest{FullName: "not-a-repo-slug"})
	req := httptest.NewRequest(http.MethodPost, "/repos", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobConflict(t *testing.T) {
	jobs := &mockJobStore{createErr: store.ErrJobAlreadyExists}
	mux := setupMux(jobs, &mockRepoStore{}, &mockIssueStore{}, &mockUserStore{}, &mockSpamFlagStore{})

	body, _ := json.Marshal(httpapi.CreateJobRequest{FullName: "octo/cat"})
	req := httptest.NewRequest(http.MethodPost, "/repos", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListRepos(t *testing.T) {
	repos := &mockRepoStore{repos: []store.Repository{{Owner: "octo", Name: "cat", FullName: "octo/cat", Found: true}}}
	mux := setupMux(&mockJobStore{}, repos, &mockIssueStore{}, &mockUserStore{}, &mockSpamFlagStore{})

	req := httptest.NewRequest(http.MethodGet, "/repos", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp []httpapi.RepoResponse
	decodeJSON(t, rec, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, "octo/cat", resp[0].FullName)
}

func TestListIssuesScopedByRepoQueryParam(t *testing.T) {
	issues := &mockIssueStore{issues: []store.Issue{{RepoFullName: "octo/cat", Number: 1}}}
	mux := setupMux(&mockJobStore{}, &mockRepoStore{}, issues, &mockUserStore{}, &mockSpamFlagStore{})

	req := httptest.NewRequest(http.MethodGet, "/issues?repo=octo/cat", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "octo/cat", issues.byRepo)
}

func TestGetActorNotFound(t *testing.T) {
	users := &mockUserStore{err: store.ErrUserNotFound}
	mux := setupMux(&mockJobStore{}, &mockRepoStore{}, &mockIssueStore{}, users, &mockSpamFlagStore{})

	req := httptest.NewRequest(http.MethodGet, "/actors/ghost", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetActorFound(t *testing.T) {
	now := time.Now().UTC()
	users := &mockUserStore{user: &store.User{Login: "alice", Found: true, CreatedAt: now, UpdatedAt: now}}
	mux := setupMux(&mockJobStore{}, &mockRepoStore{}, &mockIssueStore{}, users, &mockSpamFlagStore{})

	req := httptest.NewRequest(http.MethodGet, "/actors/alice", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp httpapi.ActorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "alice", resp.Login)
}

func TestTopSpammyUsers(t *testing.T) {
	spamFlags := &mockSpamFlagStore{users: []store.SpammyUser{{Login: "bob", TotalScore: 5, FlaggedCount: 2}}}
	mux := setupMux(&mockJobStore{}, &mockRepoStore{}, &mockIssueStore{}, &mockUserStore{}, spamFlags)

	req := httptest.NewRequest(http.MethodGet, "/top/spammy-users", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp []httpapi.SpammyUserResponse
	decodeJSON(t, rec, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, "bob", resp[0].Login)
}

func TestListCollectionJobs(t *testing.T) {
	jobs := &mockJobStore{jobs: []store.CollectionJob{{ID: "1", FullName: "octo/cat", Status: store.JobStatusPending}}}
	mux := setupMux(jobs, &mockRepoStore{}, &mockIssueStore{}, &mockUserStore{}, &mockSpamFlagStore{})

	req := httptest.NewRequest(http.MethodGet, "/collection-jobs", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp []httpapi.JobResponse
	decodeJSON(t, rec, &resp)
	require.Len(t, resp, 1)
}

func TestHealthz(t *testing.T) {
	mux := setupMux(&mockJobStore{}, &mockRepoStore{}, &mockIssueStore{}, &mockUserStore{}, &mockSpamFlagStore{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp httpapi.HealthResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	mux := setupMux(&mockJobStore{}, &mockRepoStore{}, &mockIssueStore{}, &mockUserStore{}, &mockSpamFlagStore{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
