package sessions

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cursorbot/cursorbot/internal/bus"
)

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name    string
		scope   Scope
		dmScope DMScope
		want    string
	}{
		{
			name:    "dm main",
			scope:   Scope{AgentID: "default", Transport: "telegram", ChatKind: bus.ChatDM, ChatID: "42", Canonical: "42"},
			dmScope: ScopeMain,
			want:    "agent:default:main",
		},
		{
			name:    "dm per-peer",
			scope:   Scope{AgentID: "default", Transport: "telegram", ChatKind: bus.ChatDM, Canonical: "alice"},
			dmScope: ScopePerPeer,
			want:    "agent:default:dm:alice",
		},
		{
			name:    "dm per-channel-peer",
			scope:   Scope{AgentID: "default", Transport: "telegram", ChatKind: bus.ChatDM, Canonical: "alice"},
			dmScope: ScopePerChannelPeer,
			want:    "agent:default:telegram:dm:alice",
		},
		{
			name:    "group",
			scope:   Scope{AgentID: "default", Transport: "discord", ChatKind: bus.ChatGroup, ChatID: "g9"},
			dmScope: ScopePerChannelPeer,
			want:    "agent:default:discord:group:g9",
		},
		{
			name:    "group with topic",
			scope:   Scope{AgentID: "default", Transport: "telegram", ChatKind: bus.ChatGroup, ChatID: "g9", ThreadID: "77"},
			dmScope: ScopePerChannelPeer,
			want:    "agent:default:telegram:group:g9:topic:77",
		},
		{
			name:    "thread",
			scope:   Scope{AgentID: "default", Transport: "discord", ChatKind: bus.ChatThread, ChatID: "c1", ThreadID: "t2"},
			dmScope: ScopePerChannelPeer,
			want:    "agent:default:discord:thread:c1:t2",
		},
		{
			name:    "channel",
			scope:   Scope{AgentID: "default", Transport: "discord", ChatKind: bus.ChatChannel, ChatID: "c1"},
			dmScope: ScopePerChannelPeer,
			want:    "agent:default:discord:channel:c1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveKey(tt.scope, tt.dmScope, "main")
			if got != tt.want {
				t.Errorf("DeriveKey = %q, want %q", got, tt.want)
			}
			// Purity: same inputs, same output.
			if again := DeriveKey(tt.scope, tt.dmScope, "main"); again != got {
				t.Errorf("DeriveKey not pure: %q vs %q", again, got)
			}
		})
	}
}

func newTestRegistry(t *testing.T, scope DMScope, policies *PolicyTable) *Registry {
	t.Helper()
	return New(Options{
		Dir:     filepath.Join(t.TempDir(), "sessions"),
		DMScope: scope,
		MainKey: "main",
		Policies: policies,
	})
}

func dmScope(user string) Scope {
	return Scope{AgentID: "default", Transport: "telegram", ChatKind: bus.ChatDM, ChatID: user, Canonical: user}
}

func TestMainScopeReuse(t *testing.T) {
	r := newTestRegistry(t, ScopeMain, nil)
	s1, opened1 := r.GetOrOpen(dmScope("42"))
	if !opened1 {
		t.Fatal("first turn did not open")
	}
	r.Touch(s1.SessionKey)
	s2, opened2 := r.GetOrOpen(dmScope("42"))
	if opened2 {
		t.Fatal("second turn opened a new session")
	}
	if s1.SessionKey != "agent:default:main" || s2.SessionKey != s1.SessionKey {
		t.Errorf("keys: %q vs %q", s1.SessionKey, s2.SessionKey)
	}
	r.Touch(s2.SessionKey)
	if got := r.Get(s1.SessionKey); got.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2", got.MessageCount)
	}
}

func TestPerPeerIsolation(t *testing.T) {
	r := newTestRegistry(t, ScopePerPeer, nil)
	a, _ := r.GetOrOpen(dmScope("alice"))
	b, _ := r.GetOrOpen(dmScope("bob"))
	if a.SessionKey == b.SessionKey {
		t.Fatalf("keys collided: %q", a.SessionKey)
	}
	r.RecordTokens(a.SessionKey, 100, 50, 0)
	if got := r.Get(b.SessionKey); got.TotalTokens != 0 {
		t.Errorf("bob's counters affected: %d", got.TotalTokens)
	}
	if got := r.Get(a.SessionKey); got.InputTokens != 100 || got.OutputTokens != 50 || got.TotalTokens != 150 {
		t.Errorf("alice counters: %+v", got)
	}
}

func TestPerChannelPeerSplitsByTransport(t *testing.T) {
	r := newTestRegistry(t, ScopePerChannelPeer, nil)
	tg := Scope{AgentID: "default", Transport: "telegram", ChatKind: bus.ChatDM, Canonical: "alice"}
	sg := Scope{AgentID: "default", Transport: "signal", ChatKind: bus.ChatDM, Canonical: "alice"}
	a, _ := r.GetOrOpen(tg)
	b, _ := r.GetOrOpen(sg)
	if a.SessionKey == b.SessionKey {
		t.Fatal("transport did not split keys")
	}
	if a.UserID != "alice" || b.UserID != "alice" {
		t.Error("canonical user not shared")
	}
}

func TestIdleStaleArchivesAndReopens(t *testing.T) {
	policies := NewPolicyTable(map[string]string{"dm": "idle:30"}, "manual")
	r := newTestRegistry(t, ScopePerPeer, policies)

	s1, _ := r.GetOrOpen(dmScope("alice"))
	r.SetDisplay(s1.SessionKey, "Alice", "greetings")

	// Push last activity beyond the idle window.
	r.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	s2, opened := r.GetOrOpen(dmScope("alice"))
	if !opened {
		t.Fatal("stale session not reopened")
	}
	if s2.SessionID == s1.SessionID {
		t.Error("session id not fresh")
	}
	if s2.SessionKey != s1.SessionKey {
		t.Error("session key changed")
	}
	if s2.DisplayName != "Alice" || s2.Subject != "greetings" {
		t.Errorf("display hints lost: %+v", s2)
	}
}

func TestDailyPolicyBoundary(t *testing.T) {
	p := ParseResetPolicy("daily:4")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if !p.Stale(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC), now) {
		t.Error("activity before today's 04:00 should be stale")
	}
	if p.Stale(time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC), now) {
		t.Error("activity after today's 04:00 should be live")
	}
	// Before the boundary crosses today, yesterday's boundary applies.
	early := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	if p.Stale(time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC), early) {
		t.Error("activity after yesterday's 04:00 should be live at 02:00")
	}
}

func TestResetPreservesHints(t *testing.T) {
	r := newTestRegistry(t, ScopePerPeer, nil)
	s1, _ := r.GetOrOpen(dmScope("alice"))
	r.SetDisplay(s1.SessionKey, "Alice", "travel plans")
	r.SetExecutorChat(s1.SessionKey, "chat-abc")

	s2 := r.Reset(dmScope("alice"))
	if s2.SessionID == s1.SessionID {
		t.Error("reset kept the session id")
	}
	if s2.DisplayName != "Alice" || s2.Subject != "travel plans" {
		t.Error("reset lost display hints")
	}
	if s2.CLIChatID != "" {
		t.Error("reset kept the executor handle")
	}
}

func TestSweepArchivesStale(t *testing.T) {
	policies := NewPolicyTable(nil, "idle:10")
	r := newTestRegistry(t, ScopePerPeer, policies)
	r.GetOrOpen(dmScope("alice"))
	r.GetOrOpen(dmScope("bob"))

	r.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	if n := r.Sweep(); n != 2 {
		t.Errorf("swept = %d, want 2", n)
	}
	if r.Count() != 0 {
		t.Errorf("live sessions after sweep = %d", r.Count())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	r := New(Options{Dir: dir, DMScope: ScopePerPeer})
	s, _ := r.GetOrOpen(dmScope("alice"))
	r.RecordTokens(s.SessionKey, 10, 20, 5)
	r.SetExecutorChat(s.SessionKey, "chat-1")

	re := New(Options{Dir: dir, DMScope: ScopePerPeer})
	got := re.Get(s.SessionKey)
	if got == nil {
		t.Fatal("session lost on reload")
	}
	if got.TotalTokens != 30 || got.CLIChatID != "chat-1" {
		t.Errorf("reloaded session: %+v", got)
	}
	// Reuse, not reopen.
	if _, opened := re.GetOrOpen(dmScope("alice")); opened {
		t.Error("reload caused reopen")
	}
}

func TestGetByID(t *testing.T) {
	r := newTestRegistry(t, ScopePerPeer, nil)
	s, _ := r.GetOrOpen(dmScope("alice"))
	got, err := r.GetByID(s.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionKey != s.SessionKey {
		t.Error("wrong session")
	}
	if _, err := r.GetByID("nope"); err == nil {
		t.Error("missing id did not error")
	}
}

func TestAcquireSerializesSameKey(t *testing.T) {
	r := newTestRegistry(t, ScopePerPeer, nil)
	m1 := r.Acquire("k")
	m2 := r.Acquire("k")
	if m1 != m2 {
		t.Error("same key returned different mutexes")
	}
	if r.Acquire("other") == m1 {
		t.Error("different keys share a mutex")
	}
}
