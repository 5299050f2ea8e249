// Package sessions owns the session table: key derivation, reset
// policies, token accounting and the JSON snapshot.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/cursorbot/cursorbot/internal/bus"
	"github.com/cursorbot/cursorbot/internal/errs"
)

// Options configure a Registry.
type Options struct {
	Dir           string // snapshot directory, "" disables persistence
	DMScope       DMScope
	MainKey       string
	Policies      *PolicyTable
	SweepSchedule string // cron expression for the background sweep
}

// Registry is the session table. Structural changes hold mu; per-turn
// serialization uses the per-key mutexes from Acquire.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	turnMu   map[string]*sync.Mutex

	opts Options
	now  func() time.Time
}

// New loads the snapshot (if any) and returns the registry. Load
// errors degrade to an empty table with a warning.
func New(opts Options) *Registry {
	if opts.Policies == nil {
		opts.Policies = NewPolicyTable(nil, "manual")
	}
	if opts.MainKey == "" {
		opts.MainKey = "main"
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		turnMu:   make(map[string]*sync.Mutex),
		opts:     opts,
		now:      time.Now,
	}
	if opts.Dir != "" {
		if err := r.load(); err != nil {
			slog.Warn("sessions: snapshot load failed, starting empty", "error", err)
		}
	}
	return r
}

// Key derives the session key for a scope under the registry's config.
func (r *Registry) Key(s Scope) string {
	return DeriveKey(s, r.opts.DMScope, r.opts.MainKey)
}

// GetOrOpen returns the live session for the scope, opening a fresh one
// when absent or stale. Stale sessions are archived first; the second
// return reports whether a new session was opened.
func (r *Registry) GetOrOpen(scope Scope) (*Session, bool) {
	key := r.Key(scope)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		policy := r.opts.Policies.For(scope.ChatKind, scope.Transport)
		if !policy.Stale(s.UpdatedAt, now) {
			s.UpdatedAt = now
			r.saveLocked()
			return s.clone(), false
		}
		r.archiveLocked(s)
		fresh := r.openLocked(key, scope, now)
		fresh.DisplayName = s.DisplayName
		fresh.Subject = s.Subject
		r.saveLocked()
		return fresh.clone(), true
	}

	s := r.openLocked(key, scope, now)
	r.saveLocked()
	return s.clone(), true
}

func (r *Registry) openLocked(key string, scope Scope, now time.Time) *Session {
	s := &Session{
		SessionID:  uuid.NewString(),
		SessionKey: key,
		UserID:     scope.Canonical,
		ChatID:     scope.ChatID,
		ChatType:   string(scope.ChatKind),
		Channel:    scope.Transport,
		CreatedAt:  now,
		UpdatedAt:  now,
		Origin: Origin{
			Provider: scope.Transport,
			FromID:   scope.Canonical,
			ToID:     scope.ChatID,
			ThreadID: scope.ThreadID,
		},
	}
	r.sessions[key] = s
	return s
}

// Reset forces a new session for the scope, preserving display hints.
func (r *Registry) Reset(scope Scope) *Session {
	key := r.Key(scope)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.sessions[key]
	if old != nil {
		r.archiveLocked(old)
	}
	s := r.openLocked(key, scope, now)
	if old != nil {
		s.DisplayName = old.DisplayName
		s.Subject = old.Subject
	}
	r.saveLocked()
	return s.clone()
}

// Get returns the live session for key, or nil.
func (r *Registry) Get(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s.clone()
	}
	return nil
}

// GetByID finds a live session by its session id.
func (r *Registry) GetByID(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.SessionID == id {
			return s.clone(), nil
		}
	}
	return nil, errs.NotFound("session", id)
}

// Touch bumps activity timestamps and the message count.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return
	}
	now := r.now()
	s.UpdatedAt = now
	s.LastMessageAt = now
	s.MessageCount++
	r.saveLocked()
}

// RecordTokens adds to the monotone token counters.
func (r *Registry) RecordTokens(key string, in, out, ctxTokens int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return
	}
	s.InputTokens += in
	s.OutputTokens += out
	s.TotalTokens += in + out
	if ctxTokens > 0 {
		s.ContextTokens = ctxTokens
	}
	s.UpdatedAt = r.now()
	r.saveLocked()
}

// SetExecutorChat stores the executor-side chat handle.
func (r *Registry) SetExecutorChat(key, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return
	}
	s.CLIChatID = handle
	r.saveLocked()
}

// RecordCompaction bumps the compaction counter.
func (r *Registry) RecordCompaction(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.CompactionCount++
		r.saveLocked()
	}
}

// SetDisplay updates display hints.
func (r *Registry) SetDisplay(key, displayName, subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return
	}
	if displayName != "" {
		s.DisplayName = displayName
	}
	if subject != "" {
		s.Subject = subject
	}
	r.saveLocked()
}

// List returns a copy of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Acquire returns the per-key turn mutex, creating it on first use.
// Callers lock it for the duration of one executor run so turns within
// a session are serialized.
func (r *Registry) Acquire(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.turnMu[key]
	if !ok {
		m = &sync.Mutex{}
		r.turnMu[key] = m
	}
	return m
}

// Sweep archives every stale session once. Returns the number
// archived. Called at startup and from the schedule loop.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, s := range r.sessions {
		policy := r.opts.Policies.For(bus.ChatKind(s.ChatType), s.Channel)
		if policy.Stale(s.UpdatedAt, now) {
			r.archiveLocked(s)
			delete(r.sessions, key)
			delete(r.turnMu, key)
			n++
		}
	}
	if n > 0 {
		r.saveLocked()
	}
	return n
}

// RunSweeper runs Sweep on the configured cron schedule until ctx is
// done. Granularity is one minute, matching cron resolution.
func (r *Registry) RunSweeper(ctx context.Context) {
	expr := r.opts.SweepSchedule
	if expr == "" {
		expr = "*/10 * * * *"
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		slog.Warn("sessions: invalid sweep schedule, using every 10 minutes", "schedule", expr)
		expr = "*/10 * * * *"
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := g.IsDue(expr, time.Now())
			if err != nil || !due {
				continue
			}
			if n := r.Sweep(); n > 0 {
				slog.Info("sessions: sweep archived stale sessions", "count", n)
			}
		}
	}
}

// archiveLocked appends the session to the archive file; counters are
// preserved in history. Archive failures are logged, never fatal.
func (r *Registry) archiveLocked(s *Session) {
	if r.opts.Dir == "" {
		return
	}
	path := filepath.Join(r.opts.Dir, "archive.jsonl")
	if err := os.MkdirAll(r.opts.Dir, 0o755); err != nil {
		slog.Warn("sessions: archive dir", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("sessions: archive open", "error", err)
		return
	}
	defer f.Close()
	if b, err := json.Marshal(s); err == nil {
		_, _ = f.Write(append(b, '\n'))
	}
}

// saveLocked writes sessions.json via temp-file and rename.
func (r *Registry) saveLocked() {
	if r.opts.Dir == "" {
		return
	}
	if err := os.MkdirAll(r.opts.Dir, 0o755); err != nil {
		slog.Warn("sessions: snapshot dir", "error", err)
		return
	}
	path := filepath.Join(r.opts.Dir, "sessions.json")
	data, err := json.MarshalIndent(r.sessions, "", "  ")
	if err != nil {
		slog.Warn("sessions: snapshot marshal", "error", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("sessions: snapshot write", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("sessions: snapshot rename", "error", err)
	}
}

func (r *Registry) load() error {
	path := filepath.Join(r.opts.Dir, "sessions.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var m map[string]*Session
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for key, s := range m {
		if s.SessionKey == "" {
			s.SessionKey = key
		}
		if s.SessionID == "" {
			s.SessionID = uuid.NewString()
		}
		r.sessions[key] = s
	}
	return nil
}
