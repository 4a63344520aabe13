// Package broker implements the forge-API request broker: the single
// in-process service that coalesces, schedules, rate-limits, caches, and
// retries every outbound request to the remote code-forge API.
package broker

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Budget is a server-side rate-limit bucket.
type Budget int

// Budget values. Core covers everything not classified as Search or Graphql.
const (
	BudgetCore Budget = iota
	BudgetSearch
	BudgetGraphql
)

// String returns the lowercase label used in metrics and logs.
func (b Budget) String() string {
	switch b {
	case BudgetSearch:
		return "search"
	case BudgetGraphql:
		return "graphql"
	default:
		return "core"
	}
}

// classifyBudget maps a request's path and optional resource hint header to
// a Budget: the hint header wins when present.
func classifyBudget(path, resourceHint string) Budget {
	switch resourceHint {
	case "search":
		return BudgetSearch
	case "graphql":
		return BudgetGraphql
	case "":
		// fall through to path-based classification
	default:
		return BudgetCore
	}

	if path == "/graphql" {
		return BudgetGraphql
	}
	if strings.HasPrefix(path, "/search/") {
		return BudgetSearch
	}
	return BudgetCore
}

// Priority is a lane within a budget.
type Priority int

// Priority values, highest to lowest.
const (
	PriorityCritical Priority = iota
	PriorityNormal
	PriorityBackfill
)

// String returns the lowercase label used in metrics and logs.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityBackfill:
		return "backfill"
	default:
		return "normal"
	}
}

// allPriorities enumerates the three lanes in weight order.
var allPriorities = [3]Priority{PriorityCritical, PriorityNormal, PriorityBackfill}

// Request is the broker's wire-agnostic request representation. Callers
// construct one per call to Enqueue; the broker clones it as needed.
type Request struct {
	Method string
	Path   string      // e.g. "/repos/o/r/issues"
	Query  url.Values  // sorted when fingerprinted
	Header http.Header // must include User-Agent
	Body   []byte
}

// Response is the broker's wire-agnostic response representation.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// headerValue looks up a response header case-insensitively.
func (r *Response) headerValue(name string) string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(name)
}

// clone returns a deep copy of the request suitable for retrying or fanning
// out to the HTTP adapter without aliasing the caller's header map.
func (r *Request) clone() *Request {
	h := make(http.Header, len(r.Header))
	for k, v := range r.Header {
		vv := make([]string, len(v))
		copy(vv, v)
		h[k] = vv
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Request{
		Method: r.Method,
		Path:   r.Path,
		Query:  cloneQuery(r.Query),
		Header: h,
		Body:   body,
	}
}

func cloneQuery(q url.Values) url.Values {
	if q == nil {
		return nil
	}
	out := make(url.Values, len(q))
	for k, v := range q {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

// preparedRequest is a Request plus the derived values computed once at
// intake: budget classification, fingerprint, and priority.
type preparedRequest struct {
	req      *Request
	budget   Budget
	priority Priority
	key      string
}

// errMissingUserAgent is returned by prepareRequest when the caller did not
// set a User-Agent header.
var errMissingUserAgent = fmt.Errorf("broker: user-agent header required")

// prepareRequest classifies the budget and computes the fingerprint for an
// inbound request. It does not mutate req.
func prepareRequest(req *Request, priority Priority) (*preparedRequest, error) {
	if req.Header == nil || req.Header.Get("User-Agent") == "" {
		return nil, errMissingUserAgent
	}

	resourceHint := req.Header.Get("X-Ratelimit-Resource")
	budget := classifyBudget(req.Path, resourceHint)

	key := fingerprint(req)

	return &preparedRequest{req: req, budget: budget, priority: priority, key: key}, nil
}

// fingerprint derives the request fingerprint used for coalescing and
// caching: method, path, sorted query, and — for non-GET methods — the
// first 16 hex chars of SHA-256(body).
func fingerprint(req *Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Path)

	if len(req.Query) > 0 {
		keys := make([]string, 0, len(req.Query))
		for k := range req.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('?')
		first := true
		for _, k := range keys {
			values := append([]string(nil), req.Query[k]...)
			sort.Strings(values)
			for _, v := range values {
				if !first {
					b.WriteByte('&')
				}
				first = false
				b.WriteString(k)
				b.WriteByte('=')
				b.WriteString(v)
			}
		}
	}

	if req.Method != http.MethodGet {
		sum := sha256.Sum256(req.Body)
		hexDigest := fmt.Sprintf("%x", sum)
		short := hexDigest
		if len(short) > 16 {
			short = short[:16]
		}
		b.WriteString(" body:")
		b.WriteString(short)
	}

	return b.String()
}

// repoKey extracts the "owner/name" segment from a "/repos/{owner}/{name}/..."
// path, used for per-repository fairness. Returns "", false when the path
// does not address a single repository.
func repoKey(path string) (string, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) >= 3 && segments[0] == "repos" {
		return segments[1] + "/" + segments[2], true
	}
	return "", false
}

// RateLimitUpdate is the observed rate-limit state from response headers.
type RateLimitUpdate struct {
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// parseRateLimit extracts x-ratelimit-{limit,remaining,reset} from response
// headers. Returns ok=false if any header is missing or unparseable.
func parseRateLimit(h http.Header) (RateLimitUpdate, bool) {
	limit, err1 := strconv.ParseInt(h.Get("X-Ratelimit-Limit"), 10, 64)
	remaining, err2 := strconv.ParseInt(h.Get("X-Ratelimit-Remaining"), 10, 64)
	resetRaw, err3 := strconv.ParseInt(h.Get("X-Ratelimit-Reset"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return RateLimitUpdate{}, false
	}
	return RateLimitUpdate{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Unix(resetRaw, 0).UTC(),
	}, true
}

// retryAdvice carries how long to wait and why, derived from a response.
type retryAdvice struct {
	wait   time.Duration
	reason string
}

// parseRetryAfter extracts the Retry-After header, accepting either an
// integer seconds count or an HTTP-date.
func parseRetryAfter(h http.Header) (retryAdvice, bool) {
	value := h.Get("Retry-After")
	if value == "" {
		return retryAdvice{}, false
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return retryAdvice{wait: time.Duration(seconds) * time.Second, reason: "retry_after"}, true
	}
	if date, err := http.ParseTime(value); err == nil {
		wait := time.Until(date)
		if wait < 0 {
			wait = 0
		}
		return retryAdvice{wait: wait, reason: "retry_after_date"}, true
	}
	return retryAdvice{}, false
}

// graphqlCost extracts {"data":{"rateLimit":{"cost":N}}} from a response
// body, returning max(N,1). Returns 1 when the body doesn't parse as that
// shape.
func graphqlCost(body []byte) int64 {
	var payload struct {
		Data struct {
			RateLimit struct {
				Cost int64 `json:"cost"`
			} `json:"rateLimit"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 1
	}
	if payload.Data.RateLimit.Cost < 1 {
		return 1
	}
	return payload.Data.RateLimit.Cost
}
