package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// HTTPExecutor is the dynamic-dispatch seam the broker dispatches through:
// the broker depends only on this minimal capability, a single
// execute(request) -> response round-trip. Implementations are injected at
// construction; tests substitute in-memory doubles.
type HTTPExecutor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// queueKey identifies one of the nine (budget, priority) lanes.
type queueKey struct {
	budget   Budget
	priority Priority
}

// workItem is a prepared request plus the cache entry observed at intake,
// queued for dispatch by exactly one scheduler goroutine.
type workItem struct {
	prepared *preparedRequest
	cached   *CacheEntry
}

// coalescedResult is what a dispatcher fans out to every waiter for a
// fingerprint: a cloned response on success, or an error.
type coalescedResult struct {
	resp *Response
	err  error
}

// pendingEntry is the Coalescer's bookkeeping for one in-flight fingerprint.
type pendingEntry struct {
	waiters []chan coalescedResult
}

// Options configures a Broker. Zero values fall back to the defaults noted
// per field.
type Options struct {
	Tokens []Token
	Exec   HTTPExecutor // required

	MaxInflight     int64 // default 32
	PerRepoInflight int64 // default 2

	CacheCapacity int           // default 5000
	CacheTTL      time.Duration // default 10m

	BackoffBase time.Duration // default 500ms
	BackoffMax  time.Duration // default 60s
	JitterFrac  float64       // default 0.2

	// Weights and QueueBounds are indexed by Budget, each a [critical,
	// normal, backfill] triple. Nil maps fall back to the defaults below.
	Weights     map[Budget][3]int
	QueueBounds map[Budget][3]int
}

func defaultWeights() map[Budget][3]int {
	return map[Budget][3]int{
		BudgetCore:    {4, 2, 1},
		BudgetSearch:  {2, 1, 0},
		BudgetGraphql: {3, 2, 1},
	}
}

func defaultQueueBounds() map[Budget][3]int {
	return map[Budget][3]int{
		BudgetCore:    {2048, 4096, 4096},
		BudgetSearch:  {1024, 512, 1024},
		BudgetGraphql: {1024, 1024, 1024},
	}
}

// Broker is the single in-process service every caller routes forge
// requests through: token rotation, coalescing, weighted scheduling,
// response caching, and retry with backoff, all behind one Enqueue call.
type Broker struct {
	exec   HTTPExecutor
	tokens *TokenPool
	cache  *ResponseCache

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	inflight *semaphore.Weighted

	perRepoMu    sync.Mutex
	perRepo      map[string]*semaphore.Weighted
	perRepoLimit int64

	backoffBase time.Duration
	backoffMax  time.Duration
	jitterFrac  float64

	queues map[queueKey]chan *workItem

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Broker and starts its per-budget scheduler goroutines
// and background metrics refresh loop.
func New(opts Options) *Broker {
	if opts.Exec == nil {
		panic("broker: Options.Exec is required")
	}

	maxInflight := opts.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 32
	}
	perRepoLimit := opts.PerRepoInflight
	if perRepoLimit <= 0 {
		perRepoLimit = 2
	}
	cacheCapacity := opts.CacheCapacity
	if cacheCapacity <= 0 {
		cacheCapacity = 5000
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	backoffMax := opts.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 60 * time.Second
	}
	jitter := opts.JitterFrac
	if jitter <= 0 {
		jitter = 0.2
	}
	weights := opts.Weights
	if weights == nil {
		weights = defaultWeights()
	}
	bounds := opts.QueueBounds
	if bounds == nil {
		bounds = defaultQueueBounds()
	}

	b := &Broker{
		exec:         opts.Exec,
		tokens:       NewTokenPool(opts.Tokens),
		cache:        NewResponseCache(cacheCapacity, cacheTTL),
		pending:      make(map[string]*pendingEntry),
		inflight:     semaphore.NewWeighted(maxInflight),
		perRepo:      make(map[string]*semaphore.Weighted),
		perRepoLimit: perRepoLimit,
		backoffBase:  backoffBase,
		backoffMax:   backoffMax,
		jitterFrac:   jitter,
		queues:       make(map[queueKey]chan *workItem),
		stopCh:       make(chan struct{}),
	}

	for _, budget := range [3]Budget{BudgetCore, BudgetSearch, BudgetGraphql} {
		boundsForBudget := bounds[budget]
		var chans [3]chan *workItem
		for i, p := range allPriorities {
			capacity := boundsForBudget[i]
			if capacity <= 0 {
				capacity = 1024
			}
			ch := make(chan *workItem, capacity)
			chans[i] = ch
			b.queues[queueKey{budget, p}] = ch
		}
		w := weights[budget]
		go b.runBudget(budget, chans, w)
	}

	go b.refreshMetricsLoop()

	return b
}

// Close stops the broker's background goroutines. It does not drain
// in-flight work; callers should stop issuing Enqueue calls first.
func (b *Broker) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Enqueue is the broker's single public operation: submit a request at a
// priority, coalescing with any identical in-flight request and serving
// conditional-GET hits from cache.
func (b *Broker) Enqueue(ctx context.Context, req *Request, priority Priority) (*Response, error) {
	prepared, err := prepareRequest(req, priority)
	if err != nil {
		return nil, err
	}

	var cached *CacheEntry
	if req.Method == http.MethodGet {
		if entry, ok := b.cache.Get(prepared.key); ok {
			cachedCopy := entry
			cached = &cachedCopy
			if entry.ETag != "" {
				req.Header.Set("If-None-Match", entry.ETag)
			}
		}
	}

	ch, shouldDispatch := b.registerWaiter(prepared.key)
	if shouldDispatch {
		if err := b.dispatch(prepared, cached); err != nil {
			b.finish(prepared.key, coalescedResult{err: err})
		}
	}

	select {
	case result := <-ch:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// registerWaiter adds a one-shot waiter channel for key. The first caller
// for a given fingerprint is elected dispatcher (ok=true) and must enqueue
// exactly one work item; later callers only wait.
func (b *Broker) registerWaiter(key string) (chan coalescedResult, bool) {
	ch := make(chan coalescedResult, 1)

	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	entry, ok := b.pending[key]
	if ok {
		entry.waiters = append(entry.waiters, ch)
		return ch, false
	}
	b.pending[key] = &pendingEntry{waiters: []chan coalescedResult{ch}}
	return ch, true
}

// finish removes the pending entry for key and fans the result out to
// every waiter, cloning the response per waiter so none can mutate a
// shared value.
func (b *Broker) finish(key string, result coalescedResult) {
	b.pendingMu.Lock()
	entry, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.pendingMu.Unlock()

	if !ok {
		return
	}
	for _, waiter := range entry.waiters {
		if result.err != nil {
			waiter <- coalescedResult{err: result.err}
			continue
		}
		waiter <- coalescedResult{resp: cloneResponse(result.resp)}
	}
}

// dispatch enqueues a work item onto its (budget, priority) lane.
func (b *Broker) dispatch(prepared *preparedRequest, cached *CacheEntry) error {
	ch, ok := b.queues[queueKey{prepared.budget, prepared.priority}]
	if !ok {
		return fmt.Errorf("broker: no queue for budget %v", prepared.budget)
	}
	getMetrics().queueLength.WithLabelValues(prepared.budget.String(), prepared.priority.String()).Inc()
	ch <- &workItem{prepared: prepared, cached: cached}
	return nil
}

// runBudget drains one budget's three priority lanes by weighted round
// robin: up to weights[i] items from lane i per cycle, in
// critical/normal/backfill order, falling back to a blocking select when
// every lane is empty.
func (b *Broker) runBudget(budget Budget, chans [3]chan *workItem, weights [3]int) {
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		processedAny := false

	lanes:
		for i := 0; i < 3; i++ {
			ch := chans[i]
			for n := 0; n < weights[i]; n++ {
				select {
				case item := <-ch:
					getMetrics().queueLength.WithLabelValues(budget.String(), allPriorities[i].String()).Dec()
					processedAny = true
					b.processWork(budget, item)
				default:
					continue lanes
				}
			}
		}

		if !processedAny {
			select {
			case item := <-chans[0]:
				getMetrics().queueLength.WithLabelValues(budget.String(), allPriorities[0].String()).Dec()
				b.processWork(budget, item)
			case item := <-chans[1]:
				getMetrics().queueLength.WithLabelValues(budget.String(), allPriorities[1].String()).Dec()
				b.processWork(budget, item)
			case item := <-chans[2]:
				getMetrics().queueLength.WithLabelValues(budget.String(), allPriorities[2].String()).Dec()
				b.processWork(budget, item)
			case <-b.stopCh:
				return
			}
		}
	}
}

// processWork runs the retry loop for one dispatched fingerprint: up to 5
// attempts, exponential-with-jitter backoff between retryable outcomes,
// finalizing the coalesced waiters on success or a terminal/exhausted
// outcome.
func (b *Broker) processWork(budget Budget, item *workItem) {
	key := item.prepared.key

	for attempt := 1; ; attempt++ {
		resp, err := b.executeOnce(budget, item)
		if err == nil {
			b.finish(key, coalescedResult{resp: resp})
			return
		}

		if isTerminal(err) || attempt >= 5 {
			b.finish(key, coalescedResult{err: err})
			return
		}

		getMetrics().retriesTotal.WithLabelValues(budget.String(), "error").Inc()
		delay := backoffDelay(b.backoffBase, b.backoffMax, attempt, b.jitterFrac)
		time.Sleep(delay)
	}
}

// executeOnce performs a single dispatch attempt: acquire permits, select
// and stamp a token, dispatch via the HTTP adapter, and interpret the
// response.
func (b *Broker) executeOnce(budget Budget, item *workItem) (*Response, error) {
	ctx := context.Background()

	if err := b.inflight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	getMetrics().inflight.WithLabelValues(budget.String()).Inc()

	req := item.prepared.req

	var repoSem *semaphore.Weighted
	if key, ok := repoKey(req.Path); ok {
		repoSem = b.acquireRepoSemaphore(key)
		if err := repoSem.Acquire(ctx, 1); err != nil {
			getMetrics().inflight.WithLabelValues(budget.String()).Dec()
			b.inflight.Release(1)
			return nil, err
		}
	}

	release := func() {
		getMetrics().inflight.WithLabelValues(budget.String()).Dec()
		b.inflight.Release(1)
		if repoSem != nil {
			repoSem.Release(1)
		}
	}

	var token Token
	for {
		sel := b.tokens.pickToken(budget)
		if sel.ok {
			token = sel.token
			break
		}
		getMetrics().sleepSeconds.WithLabelValues(budget.String(), "rate_limit").Add(sel.wait.Seconds())
		time.Sleep(sel.wait + time.Second)
	}

	dispatched := req.clone()
	dispatched.Header.Set("Authorization", "token "+token.Secret)

	getMetrics().scheduledTotal.WithLabelValues(budget.String(), item.prepared.priority.String()).Inc()

	start := time.Now()
	resp, execErr := b.exec.Execute(context.Background(), dispatched)
	release()

	if execErr != nil {
		return nil, &retryableError{reason: "transport", cause: execErr}
	}

	getMetrics().latency.WithLabelValues(budget.String()).Observe(time.Since(start).Seconds())
	getMetrics().requestsTotal.WithLabelValues(budget.String(), token.ID, statusClass(resp.Status)).Inc()

	if update, ok := parseRateLimit(resp.Header); ok {
		b.tokens.update(budget, token.ID, update)
		b.refreshTokenGauges(budget, token.ID)
		b.refreshBudgetGauges(budget)
	}

	if resp.Status == http.StatusNotModified {
		if item.cached == nil {
			return nil, errCacheMissInvariant
		}
		getMetrics().cacheHits.WithLabelValues(budget.String()).Inc()
		return &Response{Status: item.cached.Status, Header: item.cached.Header, Body: item.cached.Body}, nil
	}

	if resp.Status >= 200 && resp.Status < 300 {
		if req.Method == http.MethodGet {
			getMetrics().cacheMisses.WithLabelValues(budget.String()).Inc()
			if etag := resp.headerValue("ETag"); etag != "" {
				b.cache.Put(item.prepared.key, CacheEntry{
					Status:   resp.Status,
					Header:   resp.Header,
					Body:     resp.Body,
					ETag:     etag,
					StoredAt: time.Now(),
				})
			}
		}

		cost := int64(1)
		if budget == BudgetGraphql {
			cost = graphqlCost(resp.Body)
		}
		b.tokens.consume(budget, token.ID, cost)
		b.refreshTokenGauges(budget, token.ID)
		b.refreshBudgetGauges(budget)

		return resp, nil
	}

	if advice, ok := parseRetryAfter(resp.Header); ok {
		getMetrics().sleepSeconds.WithLabelValues(budget.String(), advice.reason).Add(advice.wait.Seconds())
		time.Sleep(advice.wait + time.Second)
		return nil, newRetryable(advice.reason)
	}

	if resp.Status == http.StatusForbidden || resp.Status == http.StatusTooManyRequests {
		getMetrics().sleepSeconds.WithLabelValues(budget.String(), "secondary_limit").Add(3)
		time.Sleep(3 * time.Second)
		return nil, newRetryable("secondary_limit")
	}

	if resp.Status >= 400 && resp.Status < 500 {
		return nil, &StatusError{Status: resp.Status, Endpoint: req.Path}
	}

	return nil, newRetryable("server_error")
}

// acquireRepoSemaphore returns the per-repo semaphore for key, creating it
// lazily under a short lock and sharing it thereafter.
func (b *Broker) acquireRepoSemaphore(key string) *semaphore.Weighted {
	b.perRepoMu.Lock()
	defer b.perRepoMu.Unlock()
	sem, ok := b.perRepo[key]
	if !ok {
		sem = semaphore.NewWeighted(b.perRepoLimit)
		b.perRepo[key] = sem
	}
	return sem
}

// refreshMetricsLoop periodically republishes the per-token rate-limit
// gauges so dashboards move even when no traffic is flowing.
func (b *Broker) refreshMetricsLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			ids := b.tokens.tokenIDs()
			for _, budget := range [3]Budget{BudgetCore, BudgetSearch, BudgetGraphql} {
				for _, id := range ids {
					b.refreshTokenGauges(budget, id)
				}
			}
		}
	}
}

func (b *Broker) refreshTokenGauges(budget Budget, tokenID string) {
	if limit, remaining, ok := b.tokens.snapshot(budget, tokenID); ok {
		getMetrics().rateLimitGauge.WithLabelValues(tokenID, budget.String()).Set(float64(limit))
		getMetrics().rateRemaining.WithLabelValues(tokenID, budget.String()).Set(float64(remaining))
	}
}

func (b *Broker) refreshBudgetGauges(budget Budget) {
	for _, id := range b.tokens.tokenIDs() {
		b.refreshTokenGauges(budget, id)
	}
}

func cloneResponse(r *Response) *Response {
	if r == nil {
		return nil
	}
	h := make(http.Header, len(r.Header))
	for k, v := range r.Header {
		vv := make([]string, len(v))
		copy(vv, v)
		h[k] = vv
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{Status: r.Status, Header: h, Body: body}
}

func statusClass(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
