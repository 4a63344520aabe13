// Package forge adapts the generic broker.Broker to typed forge-API
// fetch operations, presenting go-github's REST client over a single
// rate-limited, cached, retrying transport.
package forge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/ericfisherdev/forge-collector/internal/broker"
)

type priorityContextKey struct{}

// WithPriority returns a context carrying the broker priority that any
// outbound request issued with it should be dispatched at. Fetch calls
// issued without one dispatch at broker.PriorityNormal.
func WithPriority(ctx context.Context, p broker.Priority) context.Context {
	return context.WithValue(ctx, priorityContextKey{}, p)
}

func priorityFromContext(ctx context.Context) broker.Priority {
	if p, ok := ctx.Value(priorityContextKey{}).(broker.Priority); ok {
		return p
	}
	return broker.PriorityNormal
}

// BrokerRoundTripper is an http.RoundTripper that dispatches every request
// through a broker.Broker instead of a real network connection, so any
// net/http-based client — including go-github's generated client — gets
// the broker's rate-limiting, coalescing, and caching for free.
type BrokerRoundTripper struct {
	Broker *broker.Broker
}

// RoundTrip implements http.RoundTripper.
func (rt *BrokerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
		body = b
	}

	brokerReq := &broker.Request{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header.Clone(),
		Body:   body,
	}

	priority := priorityFromContext(req.Context())
	resp, err := rt.Broker.Enqueue(req.Context(), brokerReq, priority)
	if err != nil {
		var statusErr *broker.StatusError
		if errors.As(err, &statusErr) {
			// A terminal 4xx carries no response body worth returning, but
			// go-github (and this package's callers) inspect resp.StatusCode
			// to classify the failure, so synthesize a response with a nil
			// error rather than discarding the status entirely.
			return &http.Response{
				StatusCode: statusErr.Status,
				Status:     http.StatusText(statusErr.Status),
				Header:     http.Header{},
				Body:       io.NopCloser(bytes.NewReader(nil)),
				Request:    req,
				Proto:      "HTTP/1.1",
				ProtoMajor: 1,
				ProtoMinor: 1,
			}, nil
		}
		return nil, err
	}

	header := resp.Header
	if header == nil {
		header = http.Header{}
	}

	return &http.Response{
		StatusCode: resp.Status,
		Status:     http.StatusText(resp.Status),
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(resp.Body)),
		Request:    req,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}, nil
}
