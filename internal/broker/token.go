package broker

import (
	"sync"
	"time"
)

// Token is an opaque credential the broker rotates among when dispatching
// requests. ID is used only for logs and metrics; Secret is stamped onto the
// Authorization header and never logged.
type Token struct {
	ID     string
	Secret string
}

// rateLimitState is the per-budget counter tracked for one token.
type rateLimitState struct {
	limit     int64
	remaining int64
	resetAt   time.Time
}

// newRateLimitState returns an optimistic initial state: a full-strength
// budget that resets now, so the token is immediately eligible for
// selection until the first real response narrows it down.
func newRateLimitState() rateLimitState {
	return rateLimitState{limit: 5000, remaining: 5000, resetAt: time.Now()}
}

func (s *rateLimitState) update(u RateLimitUpdate) {
	s.limit = u.Limit
	s.remaining = u.Remaining
	s.resetAt = u.ResetAt
}

func (s *rateLimitState) consume(cost int64) {
	s.remaining -= cost
	if s.remaining < 0 {
		s.remaining = 0
	}
}

// tokenState bundles a Token with its three per-budget counters.
type tokenState struct {
	token   Token
	budgets [3]rateLimitState // indexed by Budget
}

func newTokenState(token Token) *tokenState {
	return &tokenState{
		token: token,
		budgets: [3]rateLimitState{
			newRateLimitState(),
			newRateLimitState(),
			newRateLimitState(),
		},
	}
}

// TokenPool tracks per-token, per-budget rate-limit counters and selects the
// token with the most remaining headroom for a given budget. All mutation
// happens under a single mutex; selection and update are mutually exclusive.
type TokenPool struct {
	mu     sync.Mutex
	tokens []*tokenState
}

// NewTokenPool creates a pool seeded with the given tokens. An empty pool is
// valid; selection then always waits.
func NewTokenPool(tokens []Token) *TokenPool {
	states := make([]*tokenState, 0, len(tokens))
	for _, t := range tokens {
		states = append(states, newTokenState(t))
	}
	return &TokenPool{tokens: states}
}

// selection is the result of pickToken: either a usable Token or a Wait
// duration until the next token becomes eligible.
type selection struct {
	token Token
	ok    bool
	wait  time.Duration
}

// pickToken selects the eligible token (remaining>0 or reset_at<=now) with
// the highest remaining/limit ratio for the given budget. If none are
// eligible, it returns Wait(delta) where delta is the shortest time until
// any ineligible token resets, falling back to 30s if no tokens exist at
// all.
func (p *TokenPool) pickToken(budget Budget) selection {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var best *tokenState
	var bestScore float64
	var shortestWait time.Duration
	haveWait := false

	for _, ts := range p.tokens {
		rl := &ts.budgets[budget]
		if rl.remaining > 0 || !rl.resetAt.After(now) {
			limit := rl.limit
			if limit < 1 {
				limit = 1
			}
			score := float64(rl.remaining) / float64(limit)
			if best == nil || score > bestScore {
				best = ts
				bestScore = score
			}
			continue
		}
		wait := rl.resetAt.Sub(now)
		if !haveWait || wait < shortestWait {
			shortestWait = wait
			haveWait = true
		}
	}

	if best != nil {
		return selection{token: best.token, ok: true}
	}
	if haveWait {
		return selection{wait: shortestWait}
	}
	return selection{wait: 30 * time.Second}
}

// update writes the observed {limit, remaining, reset_at} for a token/budget
// pair.
func (p *TokenPool) update(budget Budget, tokenID string, u RateLimitUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ts := range p.tokens {
		if ts.token.ID == tokenID {
			ts.budgets[budget].update(u)
			return
		}
	}
}

// consume subtracts cost from the token's remaining budget, clamped to
// zero.
func (p *TokenPool) consume(budget Budget, tokenID string, cost int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ts := range p.tokens {
		if ts.token.ID == tokenID {
			ts.budgets[budget].consume(cost)
			return
		}
	}
}

// snapshot returns the current {limit, remaining} for a token/budget pair,
// used by metrics refresh. ok is false if the token is unknown.
func (p *TokenPool) snapshot(budget Budget, tokenID string) (limit, remaining int64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ts := range p.tokens {
		if ts.token.ID == tokenID {
			return ts.budgets[budget].limit, ts.budgets[budget].remaining, true
		}
	}
	return 0, 0, false
}

// totals sums limit and remaining across all tokens for a budget.
func (p *TokenPool) totals(budget Budget) (limitSum, remainingSum int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ts := range p.tokens {
		limitSum += ts.budgets[budget].limit
		remainingSum += ts.budgets[budget].remaining
	}
	return
}

// tokenIDs returns the IDs of all configured tokens, used for metrics
// refresh iteration.
func (p *TokenPool) tokenIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.tokens))
	for i, ts := range p.tokens {
		ids[i] = ts.token.ID
	}
	return ids
}
