package ratelimit

import (
	"testing"
	"time"

	"github.com/cursorbot/cursorbot/internal/errs"
)

// fakeClock lets tests drive refill math deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time              { return c.t }
func (c *fakeClock) advance(d time.Duration)     { c.t = c.t.Add(d) }
func newClock() *fakeClock                       { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }
func newTestLimiter(c *fakeClock, rules map[Kind]Rule) *Limiter {
	l := New(rules, nil)
	l.now = c.now
	return l
}

func TestBurstThenDenial(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, map[Kind]Rule{
		KindRequest: {Capacity: 2, Window: time.Minute, Burst: 2},
	})

	for i := 0; i < 2; i++ {
		if res := l.Check("u", KindRequest, 1); !res.Allowed {
			t.Fatalf("request %d denied", i)
		}
		c.advance(time.Second)
	}
	res := l.Check("u", KindRequest, 1)
	if res.Allowed {
		t.Fatal("third request allowed")
	}
	// Refill rate is 2/60 tokens per second; roughly one token away.
	if res.RetryAfter < 27*time.Second || res.RetryAfter > 30*time.Second {
		t.Errorf("retry_after = %v, want ~28.5s", res.RetryAfter)
	}
	c.advance(time.Second)
	if res := l.Check("u", KindRequest, 1); res.Allowed {
		t.Error("fourth request allowed")
	}
}

func TestRefillClampedToBurst(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, map[Kind]Rule{
		KindRequest: {Capacity: 60, Window: time.Minute, Burst: 10},
	})
	for i := 0; i < 10; i++ {
		if !l.Check("u", KindRequest, 1).Allowed {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if l.Check("u", KindRequest, 1).Allowed {
		t.Fatal("over-burst allowed")
	}
	// A long idle period refills to burst, not capacity.
	c.advance(time.Hour)
	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Check("u", KindRequest, 1).Allowed {
			allowed++
		}
	}
	if allowed != 10 {
		t.Errorf("allowed after refill = %d, want 10 (burst)", allowed)
	}
}

func TestCooldownDeniesWithoutRefill(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, map[Kind]Rule{
		KindCommand: {Capacity: 2, Window: time.Minute, Burst: 1, Cooldown: 30 * time.Second},
	})
	if !l.Check("u", KindCommand, 1).Allowed {
		t.Fatal("first denied")
	}
	res := l.Check("u", KindCommand, 1)
	if res.Allowed {
		t.Fatal("second allowed")
	}
	if res.RetryAfter < 29*time.Second {
		t.Errorf("cooldown retry_after = %v", res.RetryAfter)
	}
	// Inside cooldown, tokens do not accumulate.
	c.advance(20 * time.Second)
	res = l.Check("u", KindCommand, 1)
	if res.Allowed {
		t.Fatal("allowed inside cooldown")
	}
	if res.Remaining > 0.01 {
		t.Errorf("tokens refilled during cooldown: %v", res.Remaining)
	}
	c.advance(45 * time.Second)
	if !l.Check("u", KindCommand, 1).Allowed {
		t.Error("denied after cooldown and refill")
	}
}

func TestExplicitBlockDominatesAllKinds(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, nil)
	l.BlockUser("u", time.Minute)
	for _, k := range []Kind{KindRequest, KindCommand, KindUpload} {
		if l.Check("u", k, 1).Allowed {
			t.Errorf("kind %s allowed under block", k)
		}
	}
	if !l.Check("other", KindRequest, 1).Allowed {
		t.Error("block leaked to other user")
	}
	c.advance(61 * time.Second)
	if !l.Check("u", KindRequest, 1).Allowed {
		t.Error("denied after block expiry")
	}
}

func TestPerUserIsolation(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, map[Kind]Rule{
		KindRequest: {Capacity: 2, Window: time.Minute, Burst: 1},
	})
	if !l.Check("a", KindRequest, 1).Allowed {
		t.Fatal("a denied")
	}
	if !l.Check("b", KindRequest, 1).Allowed {
		t.Error("b affected by a's bucket")
	}
}

func TestRequireCarriesRetryAfter(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, map[Kind]Rule{
		KindRequest: {Capacity: 2, Window: time.Minute, Burst: 1},
	})
	if err := l.Require("u", KindRequest, 1); err != nil {
		t.Fatalf("first: %v", err)
	}
	err := l.Require("u", KindRequest, 1)
	if !errs.IsCode(err, errs.CodeRateLimited) {
		t.Fatalf("err = %v, want RateLimited", err)
	}
	if errs.RetryAfter(err) <= 0 {
		t.Error("retry_after missing")
	}
}

func TestTokenCostAccounting(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, map[Kind]Rule{
		KindTokens: {Capacity: 100_000, Window: time.Hour, Burst: 100_000},
	})
	if !l.Check("u", KindTokens, 60_000).Allowed {
		t.Fatal("first spend denied")
	}
	if l.Check("u", KindTokens, 60_000).Allowed {
		t.Fatal("over-budget spend allowed")
	}
	if !l.Check("u", KindTokens, 30_000).Allowed {
		t.Error("in-budget spend denied")
	}
}

func TestEvictDropsIdleBuckets(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, nil)
	l.Check("a", KindRequest, 1)
	l.Check("b", KindRequest, 1)
	if l.BucketCount() != 2 {
		t.Fatalf("buckets = %d", l.BucketCount())
	}
	c.advance(3 * time.Hour)
	l.Check("a", KindRequest, 1) // refresh a
	if n := l.Evict(); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if l.BucketCount() != 1 {
		t.Errorf("buckets after evict = %d", l.BucketCount())
	}
}

func TestUnknownKindAlwaysAllowed(t *testing.T) {
	l := newTestLimiter(newClock(), map[Kind]Rule{})
	if !l.Check("u", Kind("custom"), 1).Allowed {
		t.Error("unknown kind denied")
	}
}
