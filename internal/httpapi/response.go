package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/forge-collector/internal/store"
)

// writeJSON marshals v to JSON and writes it to the response with the
// given status code. If marshalling fails, a 500 error is written
// instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response: {"error": "<message>"}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreateJobRequest is the JSON body for POST /repos.
type CreateJobRequest struct {
	FullName string `json:"full_name"`
	Priority string `json:"priority,omitempty"`
}

// JobResponse is the JSON representation of a collection job.
type JobResponse struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Name            string `json:"name"`
	FullName        string `json:"full_name"`
	Status          string `json:"status"`
	Priority        string `json:"priority"`
	FailureCount    int    `json:"failure_count"`
	ErrorMessage    string `json:"error_message,omitempty"`
	LastAttemptAt   string `json:"last_attempt_at,omitempty"`
	LastCompletedAt string `json:"last_completed_at,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toJobResponse(job store.CollectionJob) JobResponse {
	resp := JobResponse{
		ID:           job.ID,
		Owner:        job.Owner,
		Name:         job.Name,
		FullName:     job.FullName,
		Status:       string(job.Status),
		Priority:     job.Priority.String(),
		FailureCount: job.FailureCount,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.LastAttemptAt != nil {
		resp.LastAttemptAt = job.LastAttemptAt.UTC().Format(time.RFC3339)
	}
	if job.LastCompletedAt != nil {
		resp.LastCompletedAt = job.LastCompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// RepoResponse is the JSON representation of a tracked repository.
type RepoResponse struct {
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	FullName  string `json:"full_name"`
	Found     bool   `json:"found"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toRepoResponse(repo store.Repository) RepoResponse {
	return RepoResponse{
		Owner:     repo.Owner,
		Name:      repo.Name,
		FullName:  repo.FullName,
		Found:     repo.Found,
		CreatedAt: repo.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: repo.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// IssueResponse is the JSON representation of a tracked issue.
type IssueResponse struct {
	RepoFullName  string `json:"repo_full_name"`
	Number        int    `json:"number"`
	Title         string `json:"title"`
	AuthorLogin   string `json:"author_login"`
	State         string `json:"state"`
	CommentsCount int    `json:"comments_count"`
	Found         bool   `json:"found"`
	UpdatedAt     string `json:"updated_at"`
}

func toIssueResponse(issue store.Issue) IssueResponse {
	return IssueResponse{
		RepoFullName:  issue.RepoFullName,
		Number:        issue.Number,
		Title:         issue.Title,
		AuthorLogin:   issue.AuthorLogin,
		State:         issue.State,
		CommentsCount: issue.CommentsCount,
		Found:         issue.Found,
		UpdatedAt:     issue.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ActorResponse is the JSON representation of a tracked forge user.
type ActorResponse struct {
	Login     string `json:"login"`
	Found     bool   `json:"found"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toActorResponse(user store.User) ActorResponse {
	return ActorResponse{
		Login:     user.Login,
		Found:     user.Found,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: user.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// SpammyUserResponse is one row of GET /top/spammy-users.
type SpammyUserResponse struct {
	Login        string  `json:"login"`
	TotalScore   float64 `json:"total_score"`
	FlaggedCount int     `json:"flagged_count"`
}

func toSpammyUserResponse(su store.SpammyUser) SpammyUserResponse {
	return SpammyUserResponse{Login: su.Login, TotalScore: su.TotalScore, FlaggedCount: su.FlaggedCount}
}

// HealthResponse is the JSON representation of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}
