// Package httpapi is the collector's control-plane HTTP API: repository
// registration and summary queries over the store, kept separate from
// the broker's own single-operation surface. Follows a handler/response/
// middleware split, routed with net/http.ServeMux method patterns.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/forge-collector/internal/store"
)

// Handler serves the collector's control-plane endpoints.
type Handler struct {
	jobs      store.JobStore
	repos     store.RepoStore
	issues    store.IssueStore
	users     store.UserStore
	spamFlags store.SpamFlagStore
	logger    *slog.Logger
}

// NewHandler constructs a Handler with all required store dependencies.
func NewHandler(
	jobs store.JobStore,
	repos store.RepoStore,
	issues store.IssueStore,
	users store.UserStore,
	spamFlags store.SpamFlagStore,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		jobs:      jobs,
		repos:     repos,
		issues:    issues,
		users:     users,
		spamFlags: spamFlags,
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with every control-plane route
// registered and wrapped with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /repos", h.CreateJob)
	mux.HandleFunc("GET /repos", h.ListRepos)
	mux.HandleFunc("GET /issues", h.ListIssues)
	mux.HandleFunc("GET /actors/{login}", h.GetActor)
	mux.HandleFunc("GET /top/spammy-users", h.TopSpammyUsers)
	mux.HandleFunc("GET /collection-jobs", h.ListCollectionJobs)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.Healthz)

	return ApplyMiddleware(mux, logger)
}

// CreateJob registers a new collection job for an owner/name repo,
// rejecting malformed full_name fields and duplicate jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	owner, name, ok := splitFullName(req.FullName)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid full_name: expected owner/repo format")
		return
	}

	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobs.Create(r.Context(), owner, name, priority)
	if err != nil {
		if err == store.ErrJobAlreadyExists {
			writeError(w, http.StatusConflict, "collection job already exists")
			return
		}
		h.logger.Error("failed to create collection job", "full_name", req.FullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, toJobResponse(*job))
}

// ListRepos returns every tracked repository.
func (h *Handler) ListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repos.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list repos", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]RepoResponse, 0, len(repos))
	for _, repo := range repos {
		resp = append(resp, toRepoResponse(repo))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListIssues returns every tracked issue, optionally scoped to a single
// repository via the ?repo= query parameter.
func (h *Handler) ListIssues(w http.ResponseWriter, r *http.Request) {
	var (
		issues []store.Issue
		err    error
	)

	if repo := r.URL.Query().Get("repo"); repo != "" {
		issues, err = h.issues.ListByRepo(r.Context(), repo)
	} else {
		issues, err = h.issues.ListAll(r.Context())
	}
	if err != nil {
		h.logger.Error("failed to list issues", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]IssueResponse, 0, len(issues))
	for _, issue := range issues {
		resp = append(resp, toIssueResponse(issue))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetActor returns a tracked forge user by login.
func (h *Handler) GetActor(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("login")

	user, err := h.users.GetByLogin(r.Context(), login)
	if err != nil {
		if err == store.ErrUserNotFound {
			writeError(w, http.StatusNotFound, "actor not found")
			return
		}
		h.logger.Error("failed to get actor", "login", login, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toActorResponse(*user))
}

// TopSpammyUsers returns the highest-scoring flagged authors, bounded
// by an optional ?limit= query parameter (default 20).
func (h *Handler) TopSpammyUsers(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	users, err := h.spamFlags.TopSpammyUsers(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list top spammy users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]SpammyUserResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toSpammyUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListCollectionJobs returns every tracked collection job.
func (h *Handler) ListCollectionJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list collection jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz returns a simple liveness response.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// splitFullName parses "owner/name" into its parts, validating each
// contains only characters legal in a forge repo/owner slug.
func splitFullName(fullName string) (owner, name string, ok bool) {
	parts := strings.SplitN(fullName, "/", 3)
	if len(parts) != 2 {
		return "", "", false
	}
	for _, part := range parts {
		if part == "" {
			return "", "", false
		}
		for _, ch := range part {
			if !isValidSlugChar(ch) {
				return "", "", false
			}
		}
	}
	return parts[0], parts[1], true
}

func isValidSlugChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_'
}

// parsePriority parses the request's priority string, defaulting to
// normal when empty.
func parsePriority(raw string) (store.JobPriority, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "normal":
		return store.JobPriorityNormal, nil
	case "critical":
		return store.JobPriorityCritical, nil
	case "backfill":
		return store.JobPriorityBackfill, nil
	default:
		return 0, errInvalidPriority
	}
}

var errInvalidPriority = errors.New("invalid priority: expected critical, normal, or backfill")
