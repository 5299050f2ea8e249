package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordRingsAndDenyCount(t *testing.T) {
	l := New("")
	l.Record(Entry{Decision: "deny", Tool: "identity", UserID: "u1", Reason: "blacklisted"})
	l.Record(Entry{Decision: "rate_limit", Tool: "ratelimit", UserID: "u1"})
	l.Record(Entry{Decision: "deny", Tool: "identity", UserID: "u2"})

	if l.DenyCount() != 2 {
		t.Errorf("deny count = %d", l.DenyCount())
	}
	if got := l.ByTool("identity"); len(got) != 2 {
		t.Errorf("byTool = %d entries", len(got))
	}
	byUser := l.ByUser("u1")
	if len(byUser) != 2 || byUser[0].Decision != "deny" {
		t.Errorf("byUser = %+v", byUser)
	}
	if byUser[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestRingBounded(t *testing.T) {
	l := New("")
	for i := 0; i < maxEntriesPerKey+50; i++ {
		l.Record(Entry{Decision: "deny", Tool: "gate", Reason: fmt.Sprintf("r%d", i)})
	}
	got := l.ByTool("gate")
	if len(got) != maxEntriesPerKey {
		t.Fatalf("ring = %d entries", len(got))
	}
	// Oldest entries dropped.
	if got[0].Reason != "r50" {
		t.Errorf("oldest retained = %q", got[0].Reason)
	}
}

func TestJSONLSinkAndRedaction(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	l.Record(Entry{
		Decision: "deny",
		Tool:     "identity",
		UserID:   "telegram:42",
		Reason:   "token: verysecretvalue1 rejected",
	})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("no lines written")
	}
	line := sc.Text()
	if strings.Contains(line, "verysecretvalue1") {
		t.Error("secret reached the audit file")
	}
	var e Entry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		t.Fatalf("line not json: %v", err)
	}
	if e.Decision != "deny" || e.UserID != "telegram:42" {
		t.Errorf("entry = %+v", e)
	}
}

func TestSQLiteMirror(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	if err := l.OpenDB(filepath.Join(dir, "audit.db")); err != nil {
		t.Fatal(err)
	}
	l.Record(Entry{Decision: "deny", Tool: "identity", UserID: "u1", Reason: "locked"})

	l.mu.Lock()
	db := l.db
	l.mu.Unlock()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE user_id = 'u1'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("mirrored rows = %d", n)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMissingDataDirDegradesToMemory(t *testing.T) {
	l := New("")
	l.Record(Entry{Decision: "allow", Tool: "router"})
	if got := l.ByTool("router"); len(got) != 1 {
		t.Errorf("memory ring = %d", len(got))
	}
	if err := l.Close(); err != nil {
		t.Errorf("close = %v", err)
	}
}
