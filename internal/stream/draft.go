// Package stream owns outbound drafts: the in-flight edited messages a
// streamed reply is rendered into, plus the chunker that splits
// finished replies to platform limits.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Cursor is the blinking-cursor glyph shown while streaming.
const Cursor = "▌"

const (
	minEditGap     = 300 * time.Millisecond
	batchThreshold = 20 // buffered chars that force a flush
	maxEditsPerSec = 3
	draftTTL       = 10 * time.Minute
)

// State of one draft.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// EditFunc performs the platform edit for a draft's current content.
type EditFunc func(text string) error

// CompleteFunc fires once when a draft finishes, with the final text.
type CompleteFunc func(final string)

type draft struct {
	mu         sync.Mutex
	state      State
	content    string // flushed content
	pending    string // buffered, not yet flushed
	lastEdit   time.Time
	lastActive time.Time
	editCount  int
	timer      *time.Timer
	limiter    *rate.Limiter
	edit       EditFunc
	onDone     CompleteFunc
}

// Manager tracks live drafts keyed by "<chatID>:<messageID>".
type Manager struct {
	mu     sync.Mutex
	drafts map[string]*draft
}

// NewManager builds an empty draft manager.
func NewManager() *Manager {
	return &Manager{drafts: make(map[string]*draft)}
}

func key(chatID, messageID string) string { return chatID + ":" + messageID }

// StartStream allocates a draft in streaming state. edit is invoked
// for every visible update; onDone fires once at completion.
func (m *Manager) StartStream(chatID, messageID, initial string, edit EditFunc, onDone CompleteFunc) {
	d := &draft{
		state:      StateStreaming,
		content:    initial,
		lastActive: time.Now(),
		limiter:    rate.NewLimiter(rate.Limit(maxEditsPerSec), maxEditsPerSec),
		edit:       edit,
		onDone:     onDone,
	}
	m.mu.Lock()
	m.drafts[key(chatID, messageID)] = d
	m.mu.Unlock()
}

func (m *Manager) get(chatID, messageID string) *draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drafts[key(chatID, messageID)]
}

// Append buffers text on the draft and schedules a flush. Re-appending
// within the debounce window reschedules the pending timer.
func (m *Manager) Append(chatID, messageID, text string) {
	d := m.get(chatID, messageID)
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateStreaming {
		return
	}
	d.pending += text
	d.lastActive = time.Now()

	sinceLast := time.Since(d.lastEdit)
	if len(d.pending) >= batchThreshold && sinceLast >= minEditGap && d.limiter.Allow() {
		d.flushLocked(false)
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(minEditGap, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.state != StateStreaming || d.pending == "" {
			return
		}
		if !d.limiter.Allow() {
			// Ceiling hit; retry after the gap.
			d.timer = time.AfterFunc(minEditGap, func() { m.Append(chatID, messageID, "") })
			return
		}
		d.flushLocked(false)
	})
}

// flushLocked pushes content+pending to the platform. Non-final
// flushes show the cursor glyph.
func (d *draft) flushLocked(final bool) {
	d.content += d.pending
	d.pending = ""
	d.lastEdit = time.Now()
	d.editCount++

	visible := d.content
	if !final {
		visible += Cursor
	}
	if d.edit != nil && visible != "" {
		if err := d.edit(visible); err != nil {
			slog.Warn("stream: draft edit failed", "error", err)
		}
	}
}

// Complete flushes everything, removes the cursor and releases the
// draft. The final edit ignores the rate ceiling. Returns the final
// text.
func (m *Manager) Complete(chatID, messageID, final string) string {
	k := key(chatID, messageID)
	m.mu.Lock()
	d := m.drafts[k]
	delete(m.drafts, k)
	m.mu.Unlock()
	if d == nil {
		return final
	}

	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	if final != "" {
		d.pending = ""
		d.content = final
		d.flushLocked(true)
	} else {
		d.flushLocked(true)
	}
	d.state = StateCompleted
	text := d.content
	onDone := d.onDone
	d.mu.Unlock()

	if onDone != nil {
		onDone(text)
	}
	return text
}

// Cancel drops a draft without a completion callback. The current
// content is flushed without the cursor so the user does not see a
// stuck glyph.
func (m *Manager) Cancel(chatID, messageID string) {
	k := key(chatID, messageID)
	m.mu.Lock()
	d := m.drafts[k]
	delete(m.drafts, k)
	m.mu.Unlock()
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.state = StateError
	d.flushLocked(true)
}

// Content returns the currently flushed content of a draft ("" when
// the draft is gone).
func (m *Manager) Content(chatID, messageID string) string {
	d := m.get(chatID, messageID)
	if d == nil {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

// Count reports live drafts.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.drafts)
}

// RunJanitor purges drafts inactive past their TTL until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.purgeStale()
		}
	}
}

func (m *Manager) purgeStale() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, d := range m.drafts {
		d.mu.Lock()
		stale := now.Sub(d.lastActive) > draftTTL
		if stale && d.timer != nil {
			d.timer.Stop()
		}
		d.mu.Unlock()
		if stale {
			delete(m.drafts, k)
			slog.Debug("stream: purged stale draft", "key", k)
		}
	}
}
