// Package audit records policy decisions (denies, rate limits,
// elevation requirements) for later review. Entries are kept in
// bounded in-memory rings per tool and per user, appended to a JSONL
// file, and optionally mirrored into a sqlite table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cursorbot/cursorbot/internal/errs"
)

// maxEntriesPerKey caps each per-tool and per-user ring.
const maxEntriesPerKey = 256

// Entry is one recorded policy decision.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Decision  string    `json:"decision"` // "deny", "rate_limit", "elevation_required", "allow"
	Tool      string    `json:"tool"`     // component that made the decision
	UserID    string    `json:"user_id,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Log is the audit sink. The zero value is not usable; construct with
// New.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	db      *sql.DB
	byTool  map[string][]Entry
	byUser  map[string][]Entry
	denials atomic.Int64
}

// New opens the audit log under dataDir/logs/audit.jsonl. A nil return
// never happens; file open failures degrade to in-memory-only with a
// warning.
func New(dataDir string) *Log {
	l := &Log{
		byTool: make(map[string][]Entry),
		byUser: make(map[string][]Entry),
	}
	if dataDir == "" {
		return l
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		slog.Warn("audit: cannot create log dir", "dir", logDir, "error", err)
		return l
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("audit: cannot open audit log", "error", err)
		return l
	}
	l.file = f
	return l
}

// OpenDB attaches a sqlite database for mirrored audit rows. The table
// is created if missing.
func (l *Log) OpenDB(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		ts TEXT NOT NULL,
		decision TEXT NOT NULL,
		tool TEXT NOT NULL,
		user_id TEXT,
		transport TEXT,
		reason TEXT
	)`)
	if err != nil {
		db.Close()
		return err
	}
	l.mu.Lock()
	l.db = db
	l.mu.Unlock()
	return nil
}

// Close flushes and closes the file and database sinks.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	if l.file != nil {
		first = l.file.Close()
		l.file = nil
	}
	if l.db != nil {
		if err := l.db.Close(); err != nil && first == nil {
			first = err
		}
		l.db = nil
	}
	return first
}

// DenyCount returns the number of deny decisions since startup.
func (l *Log) DenyCount() int64 { return l.denials.Load() }

// Record appends a policy decision. Reason and user fields pass through
// the redactor before leaving memory.
func (l *Log) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Reason = errs.Redact(e.Reason)
	if e.Decision == "deny" {
		l.denials.Add(1)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.byTool[e.Tool] = appendBounded(l.byTool[e.Tool], e)
	if e.UserID != "" {
		l.byUser[e.UserID] = appendBounded(l.byUser[e.UserID], e)
	}

	if l.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.db != nil {
		_, _ = l.db.ExecContext(context.Background(),
			`INSERT INTO audit_log (ts, decision, tool, user_id, transport, reason) VALUES (?, ?, ?, ?, ?, ?)`,
			e.Timestamp.Format(time.RFC3339Nano), e.Decision, e.Tool, e.UserID, e.Transport, e.Reason)
	}
}

// ByTool returns a copy of the retained entries for a tool, oldest
// first.
func (l *Log) ByTool(tool string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.byTool[tool]...)
}

// ByUser returns a copy of the retained entries for a user, oldest
// first.
func (l *Log) ByUser(userID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.byUser[userID]...)
}

func appendBounded(ring []Entry, e Entry) []Entry {
	ring = append(ring, e)
	if len(ring) > maxEntriesPerKey {
		ring = ring[len(ring)-maxEntriesPerKey:]
	}
	return ring
}
