// Package ratelimit implements per-user token buckets with cooldowns
// and explicit temporary blocks.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cursorbot/cursorbot/internal/audit"
	"github.com/cursorbot/cursorbot/internal/errs"
)

// Kind names a bucket family. Each (user, kind) pair has its own
// bucket.
type Kind string

const (
	KindRequest   Kind = "request"
	KindCommand   Kind = "command"
	KindTokens    Kind = "tokens"
	KindUpload    Kind = "upload"
	KindWebsocket Kind = "websocket"
)

// Rule defines one bucket family. Rate is Capacity per Window; Burst
// caps the bucket. A zero Cooldown disables the penalty.
type Rule struct {
	Capacity int
	Window   time.Duration
	Burst    int
	Cooldown time.Duration
}

// DefaultRules are the built-in limits. Callers may override per kind
// at runtime with SetRule.
func DefaultRules() map[Kind]Rule {
	return map[Kind]Rule{
		KindRequest:   {Capacity: 60, Window: time.Minute, Burst: 10, Cooldown: 30 * time.Second},
		KindCommand:   {Capacity: 30, Window: time.Minute, Burst: 5, Cooldown: 30 * time.Second},
		KindTokens:    {Capacity: 100_000, Window: time.Hour, Burst: 100_000},
		KindUpload:    {Capacity: 10, Window: 5 * time.Minute, Burst: 10},
		KindWebsocket: {Capacity: 100, Window: time.Minute, Burst: 100},
	}
}

// Result reports the outcome of one check.
type Result struct {
	Allowed    bool
	Remaining  float64
	ResetAt    time.Time
	RetryAfter time.Duration
}

type bucket struct {
	tokens        float64
	lastUpdate    time.Time
	cooldownUntil time.Time
	lastSeen      time.Time
}

// Limiter is the rate-limit engine. Construct with New.
type Limiter struct {
	mu      sync.Mutex
	rules   map[Kind]Rule
	buckets map[string]*bucket // "<user>|<kind>"
	blocks  map[string]time.Time
	now     func() time.Time
	audit   *audit.Log
}

// maxIdle is how long an untouched bucket survives before eviction.
const maxIdle = 2 * time.Hour

// New builds a limiter with the given rules; nil means DefaultRules.
func New(rules map[Kind]Rule, auditLog *audit.Log) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		rules:   rules,
		buckets: make(map[string]*bucket),
		blocks:  make(map[string]time.Time),
		now:     time.Now,
		audit:   auditLog,
	}
}

// SetRule replaces the rule for one kind at runtime. Existing buckets
// keep their token counts; the new rate applies from the next refill.
func (l *Limiter) SetRule(kind Kind, r Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[kind] = r
}

// BlockUser denies every kind for the user until now+d.
func (l *Limiter) BlockUser(user string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks[user] = l.now().Add(d)
	if l.audit != nil {
		l.audit.Record(audit.Entry{Decision: "rate_limit", Tool: "ratelimit", UserID: user, Reason: "explicit block"})
	}
}

// UnblockUser lifts an explicit block early.
func (l *Limiter) UnblockUser(user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocks, user)
}

// Check consumes cost tokens from the (user, kind) bucket if possible.
// Evaluation order: explicit block, cooldown, refill, bucket test.
func (l *Limiter) Check(user string, kind Kind, cost float64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if until, ok := l.blocks[user]; ok {
		if now.Before(until) {
			return Result{Allowed: false, ResetAt: until, RetryAfter: until.Sub(now)}
		}
		delete(l.blocks, user)
	}

	rule, ok := l.rules[kind]
	if !ok || rule.Capacity <= 0 {
		return Result{Allowed: true}
	}

	key := user + "|" + string(kind)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rule.Burst), lastUpdate: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if now.Before(b.cooldownUntil) {
		// Denied without refill; time spent in cooldown does not
		// accumulate tokens.
		b.lastUpdate = now
		return Result{
			Allowed:    false,
			Remaining:  b.tokens,
			ResetAt:    b.cooldownUntil,
			RetryAfter: b.cooldownUntil.Sub(now),
		}
	}

	rate := float64(rule.Capacity) / rule.Window.Seconds() // tokens per second
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		if max := float64(rule.Burst); b.tokens > max {
			b.tokens = max
		}
	}
	b.lastUpdate = now

	if b.tokens >= cost {
		b.tokens -= cost
		return Result{
			Allowed:   true,
			Remaining: b.tokens,
			ResetAt:   now.Add(time.Duration((float64(rule.Burst) - b.tokens) / rate * float64(time.Second))),
		}
	}

	retry := time.Duration((cost - b.tokens) / rate * float64(time.Second))
	if rule.Cooldown > 0 {
		b.cooldownUntil = now.Add(rule.Cooldown)
		if b.cooldownUntil.Sub(now) > retry {
			retry = b.cooldownUntil.Sub(now)
		}
	}
	if l.audit != nil {
		l.audit.Record(audit.Entry{Decision: "rate_limit", Tool: "ratelimit", UserID: user, Reason: string(kind)})
	}
	return Result{
		Allowed:    false,
		Remaining:  b.tokens,
		ResetAt:    now.Add(retry),
		RetryAfter: retry,
	}
}

// Require is the error-returning form: it raises RateLimited carrying
// retry_after on denial so callers can surface a deterministic delay.
func (l *Limiter) Require(user string, kind Kind, cost float64) error {
	res := l.Check(user, kind, cost)
	if res.Allowed {
		return nil
	}
	return errs.RateLimited(res.RetryAfter)
}

// Evict drops buckets idle longer than maxIdle and expired blocks.
// Called from the registry sweep timer.
func (l *Limiter) Evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > maxIdle {
			delete(l.buckets, key)
			n++
		}
	}
	for user, until := range l.blocks {
		if now.After(until) {
			delete(l.blocks, user)
		}
	}
	return n
}

// BucketCount reports live buckets, for the health detail endpoint.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
