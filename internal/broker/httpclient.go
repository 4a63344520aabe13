package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPClientExecutor implements HTTPExecutor over a real *http.Client,
// the seam's production implementation — the broker tests substitute an
// in-memory HTTPExecutor double instead (see broker_test.go's
// fakeExecutor).
type HTTPClientExecutor struct {
	Client  *http.Client
	BaseURL string
}

// NewHTTPClientExecutor builds an HTTPClientExecutor dispatching requests
// against baseURL (e.g. "https://api.github.com") with client, or
// http.DefaultClient if client is nil.
func NewHTTPClientExecutor(client *http.Client, baseURL string) *HTTPClientExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClientExecutor{Client: client, BaseURL: baseURL}
}

// Execute sends req as a real HTTP request and maps the response back to
// the broker's wire-agnostic Response.
func (e *HTTPClientExecutor) Execute(ctx context.Context, req *Request) (*Response, error) {
	url := e.BaseURL + req.Path
	if len(req.Query) > 0 {
		url += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	httpReq.Header = req.Header.Clone()

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("broker: execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker: read response body: %w", err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}
