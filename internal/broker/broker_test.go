package broker

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor is an in-memory HTTPExecutor double. fn is called with the
// 1-based call count so tests can script retry sequences.
type fakeExecutor struct {
	calls int32
	fn    func(call int32, req *Request) (*Response, error)
}

func (f *fakeExecutor) Execute(_ context.Context, req *Request) (*Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	return f.fn(n, req)
}

func userAgentHeader() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "forge-collector/1.0")
	return h
}

func TestEnqueueRejectsMissingUserAgent(t *testing.T) {
	exec := &fakeExecutor{fn: func(int32, *Request) (*Response, error) {
		t.Fatal("executor should not be called")
		return nil, nil
	}}
	b := New(Options{Exec: exec})
	defer b.Close()

	req := &Request{Method: http.MethodGet, Path: "/repos/o/r", Header: http.Header{}}
	_, err := b.Enqueue(context.Background(), req, PriorityNormal)
	assert.ErrorIs(t, err, errMissingUserAgent)
}

func TestEnqueueReturnsStatusErrorOn404AndDoesNotRetry(t *testing.T) {
	exec := &fakeExecutor{fn: func(int32, *Request) (*Response, error) {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}}
	b := New(Options{Exec: exec, Tokens: []Token{{ID: "t", Secret: "s"}}})
	defer b.Close()

	req := &Request{Method: http.MethodGet, Path: "/repos/o/r", Header: userAgentHeader()}
	_, err := b.Enqueue(context.Background(), req, PriorityNormal)
	require.Error(t, err)

	var se *StatusError
	require.True(t, asStatusError(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls), "terminal 4xx must not retry")
}

func TestEnqueueRetriesOn5xxThenSucceeds(t *testing.T) {
	exec := &fakeExecutor{fn: func(n int32, req *Request) (*Response, error) {
		if n < 3 {
			return &Response{Status: http.StatusInternalServerError, Header: http.Header{}}, nil
		}
		return &Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("ok")}, nil
	}}
	b := New(Options{
		Exec:        exec,
		Tokens:      []Token{{ID: "t", Secret: "s"}},
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	defer b.Close()

	req := &Request{Method: http.MethodGet, Path: "/repos/o/r/issues", Header: userAgentHeader()}
	resp, err := b.Enqueue(context.Background(), req, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&exec.calls))
}

func TestEnqueueGivesUpAfterFiveAttempts(t *testing.T) {
	exec := &fakeExecutor{fn: func(int32, *Request) (*Response, error) {
		return &Response{Status: http.StatusBadGateway, Header: http.Header{}}, nil
	}}
	b := New(Options{
		Exec:        exec,
		Tokens:      []Token{{ID: "t", Secret: "s"}},
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
	defer b.Close()

	req := &Request{Method: http.MethodGet, Path: "/repos/o/r/issues", Header: userAgentHeader()}
	_, err := b.Enqueue(context.Background(), req, PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, int32(5), atomic.LoadInt32(&exec.calls))
}

func TestEnqueueServesConditionalGETFromCacheOn304(t *testing.T) {
	const etag = `"v1"`
	exec := &fakeExecutor{fn: func(n int32, req *Request) (*Response, error) {
		if n == 1 {
			h := http.Header{}
			h.Set("ETag", etag)
			return &Response{Status: http.StatusOK, Header: h, Body: []byte("first")}, nil
		}
		assert.Equal(t, etag, req.Header.Get("If-None-Match"), "conditional request must carry the stored ETag")
		return &Response{Status: http.StatusNotModified, Header: http.Header{}}, nil
	}}
	b := New(Options{Exec: exec, Tokens: []Token{{ID: "t", Secret: "s"}}})
	defer b.Close()

	newReq := func() *Request {
		return &Request{Method: http.MethodGet, Path: "/repos/o/r", Header: userAgentHeader()}
	}

	resp1, err := b.Enqueue(context.Background(), newReq(), PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "first", string(resp1.Body))

	resp2, err := b.Enqueue(context.Background(), newReq(), PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "first", string(resp2.Body), "304 must be served from the cached body")
	assert.Equal(t, int32(2), atomic.LoadInt32(&exec.calls))
}

func TestEnqueueUpdatesTokenRateLimitState(t *testing.T) {
	exec := &fakeExecutor{fn: func(int32, *Request) (*Response, error) {
		h := http.Header{}
		h.Set("X-Ratelimit-Limit", "5000")
		h.Set("X-Ratelimit-Remaining", "4999")
		h.Set("X-Ratelimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		return &Response{Status: http.StatusOK, Header: h, Body: []byte("ok")}, nil
	}}
	b := New(Options{Exec: exec, Tokens: []Token{{ID: "only", Secret: "s"}}})
	defer b.Close()

	req := &Request{Method: http.MethodGet, Path: "/repos/o/r", Header: userAgentHeader()}
	_, err := b.Enqueue(context.Background(), req, PriorityNormal)
	require.NoError(t, err)

	limit, remaining, ok := b.tokens.snapshot(BudgetCore, "only")
	require.True(t, ok)
	assert.Equal(t, int64(5000), limit)
	assert.Equal(t, int64(4998), remaining, "the observed header update is followed by a 1-unit consume")
}

func TestEnqueueCoalescesIdenticalInFlightGET(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	exec := &fakeExecutor{fn: func(n int32, req *Request) (*Response, error) {
		if n == 1 {
			close(started)
			<-release
		}
		return &Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("shared")}, nil
	}}
	b := New(Options{Exec: exec, Tokens: []Token{{ID: "t", Secret: "s"}}})
	defer b.Close()

	const n = 5
	resultCh := make(chan *Response, n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			req := &Request{Method: http.MethodGet, Path: "/repos/o/r", Header: userAgentHeader()}
			resp, err := b.Enqueue(context.Background(), req, PriorityNormal)
			resultCh <- resp
			errCh <- err
		}()
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("dispatcher never started")
	}
	time.Sleep(50 * time.Millisecond) // let the remaining callers register as waiters
	close(release)

	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
		resp := <-resultCh
		require.NotNil(t, resp)
		assert.Equal(t, "shared", string(resp.Body))
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls), "identical in-flight requests must coalesce to one dispatch")
}

func TestEnqueueCancellationDoesNotAbortDispatcher(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(int32, *Request) (*Response, error) {
		<-release
		return &Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("done")}, nil
	}}
	b := New(Options{Exec: exec, Tokens: []Token{{ID: "t", Secret: "s"}}})
	defer b.Close()

	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan error, 1)
	go func() {
		req := &Request{Method: http.MethodGet, Path: "/repos/o/r", Header: userAgentHeader()}
		_, err := b.Enqueue(ctx1, req, PriorityNormal)
		done1 <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel1()

	select {
	case err := <-done1:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller never returned")
	}

	done2 := make(chan *Response, 1)
	go func() {
		req := &Request{Method: http.MethodGet, Path: "/repos/o/r", Header: userAgentHeader()}
		resp, err := b.Enqueue(context.Background(), req, PriorityNormal)
		require.NoError(t, err)
		done2 <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case resp := <-done2:
		assert.Equal(t, "done", string(resp.Body), "a later coalesced caller still gets the dispatcher's result")
	case <-time.After(time.Second):
		t.Fatal("uncancelled caller never received the coalesced result")
	}
}

func TestEnqueueRespectsPerRepoConcurrencyLimit(t *testing.T) {
	var inflight int32
	var maxObserved int32
	release := make(chan struct{})

	exec := &fakeExecutor{fn: func(int32, *Request) (*Response, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inflight, -1)
		return &Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("ok")}, nil
	}}

	b := New(Options{Exec: exec, Tokens: []Token{{ID: "t", Secret: "s"}}, PerRepoInflight: 2})
	defer b.Close()

	const n = 6
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			req := &Request{
				Method: http.MethodPost, // body participates in the fingerprint, so each call is distinct
				Path:   "/repos/o/r/issues",
				Header: userAgentHeader(),
				Body:   []byte(strconv.Itoa(i)),
			}
			_, _ = b.Enqueue(context.Background(), req, PriorityNormal)
			done <- struct{}{}
		}(i)
	}

	time.Sleep(200 * time.Millisecond)
	close(release)
	for i := 0; i < n; i++ {
		<-done
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(2), "per-repo semaphore must cap concurrent dispatches")
}
