package sessions

import (
	"strconv"
	"strings"
	"time"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// ResetPolicy decides when a session becomes stale.
type ResetPolicy struct {
	Kind  string // "never", "manual", "daily", "idle"
	Hour  int    // daily: local hour 0..23
	Idle  time.Duration
}

// ParseResetPolicy parses "never", "manual", "daily:<h>", "idle:<m>".
// Malformed strings fall back to manual.
func ParseResetPolicy(s string) ResetPolicy {
	switch {
	case s == "never":
		return ResetPolicy{Kind: "never"}
	case strings.HasPrefix(s, "daily:"):
		h, err := strconv.Atoi(s[len("daily:"):])
		if err != nil || h < 0 || h > 23 {
			return ResetPolicy{Kind: "manual"}
		}
		return ResetPolicy{Kind: "daily", Hour: h}
	case strings.HasPrefix(s, "idle:"):
		m, err := strconv.Atoi(s[len("idle:"):])
		if err != nil || m <= 0 {
			return ResetPolicy{Kind: "manual"}
		}
		return ResetPolicy{Kind: "idle", Idle: time.Duration(m) * time.Minute}
	default:
		return ResetPolicy{Kind: "manual"}
	}
}

// Stale reports whether a session last active at lastActivity is stale
// at now.
func (p ResetPolicy) Stale(lastActivity, now time.Time) bool {
	switch p.Kind {
	case "daily":
		// Most recent wall-clock crossing of the policy hour.
		boundary := time.Date(now.Year(), now.Month(), now.Day(), p.Hour, 0, 0, 0, now.Location())
		if boundary.After(now) {
			boundary = boundary.AddDate(0, 0, -1)
		}
		return lastActivity.Before(boundary)
	case "idle":
		return now.Sub(lastActivity) >= p.Idle
	default:
		return false
	}
}

// PolicyTable resolves a reset policy for (chat kind, transport) with
// fallback to the default. Keys are "<kind>" or "<kind>:<transport>";
// the transport-qualified entry wins.
type PolicyTable struct {
	rules    map[string]ResetPolicy
	fallback ResetPolicy
}

// NewPolicyTable builds a table from config strings.
func NewPolicyTable(rules map[string]string, fallback string) *PolicyTable {
	t := &PolicyTable{
		rules:    make(map[string]ResetPolicy, len(rules)),
		fallback: ParseResetPolicy(fallback),
	}
	for k, v := range rules {
		t.rules[k] = ParseResetPolicy(v)
	}
	return t
}

// For picks the policy for a chat kind and transport.
func (t *PolicyTable) For(kind bus.ChatKind, transport string) ResetPolicy {
	if p, ok := t.rules[string(kind)+":"+transport]; ok {
		return p
	}
	if p, ok := t.rules[string(kind)]; ok {
		return p
	}
	return t.fallback
}
