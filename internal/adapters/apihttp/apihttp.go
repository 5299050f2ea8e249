// Package apihttp exposes an internal HTTP ingress for programmatic
// callers. A POST either returns immediately with 202 or, with wait
// set, blocks until the final reply for that turn is ready. Replies
// are also buffered per chat for polling.
package apihttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// inboxCap bounds buffered replies per chat; oldest entries drop first.
const inboxCap = 100

// defaultWait bounds synchronous requests.
const defaultWait = 60 * time.Second

// Receiver is the gateway ingress surface.
type Receiver interface {
	Receive(ctx context.Context, msg *bus.UnifiedMessage)
}

// Config for the adapter.
type Config struct {
	Token string
}

type postRequest struct {
	User    string `json:"user"`
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content"`
	Wait    bool   `json:"wait,omitempty"`
}

type replyItem struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Final     bool      `json:"final"`
}

type chatState struct {
	replies []replyItem
	waiters []chan string
}

// Adapter is the internal API transport.
type Adapter struct {
	cfg Config
	rx  Receiver

	mu    sync.Mutex
	chats map[string]*chatState
	up    bool
}

// New builds the adapter.
func New(cfg Config, rx Receiver) *Adapter {
	return &Adapter{cfg: cfg, rx: rx, chats: make(map[string]*chatState)}
}

// Transport implements gateway.Adapter.
func (a *Adapter) Transport() string { return bus.TransportAPI }

// Start marks the adapter ready; routes are mounted by the control
// server.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.up = true
	a.mu.Unlock()
	return nil
}

// Stop releases pending waiters.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.up = false
	for _, st := range a.chats {
		for _, w := range st.waiters {
			close(w)
		}
		st.waiters = nil
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) authorized(r *http.Request) bool {
	if a.cfg.Token == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.Token)) == 1
}

// HTTPHandler returns the API mux: POST /messages ingests a turn,
// GET /messages?chat_id= drains buffered replies.
func (a *Adapter) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		switch r.Method {
		case http.MethodPost:
			a.handlePost(w, r)
		case http.MethodGet:
			a.handlePoll(w, r)
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
	})
	return mux
}

func (a *Adapter) handlePost(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	up := a.up
	a.mu.Unlock()
	if !up {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "adapter stopped"})
		return
	}

	var req postRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad payload"})
		return
	}
	if req.User == "" || strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user and content required"})
		return
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = req.User
	}

	var waiter chan string
	if req.Wait {
		waiter = make(chan string, 1)
		a.mu.Lock()
		a.state(chatID).waiters = append(a.state(chatID).waiters, waiter)
		a.mu.Unlock()
	}

	kind := bus.KindText
	if strings.HasPrefix(req.Content, "/") {
		kind = bus.KindCommand
	}
	a.rx.Receive(r.Context(), &bus.UnifiedMessage{
		ID:        uuid.NewString(),
		Transport: bus.TransportAPI,
		Kind:      kind,
		Content:   req.Content,
		Sender:    bus.Sender{ID: req.User, DisplayName: req.User},
		ChatID:    chatID,
		ChatKind:  bus.ChatDM,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"ip": clientIP(r)},
	})

	if waiter == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"chat_id": chatID, "status": "accepted"})
		return
	}

	select {
	case reply, ok := <-waiter:
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"chat_id": chatID, "reply": reply})
	case <-time.After(defaultWait):
		a.dropWaiter(chatID, waiter)
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "reply timed out", "chat_id": chatID})
	case <-r.Context().Done():
		a.dropWaiter(chatID, waiter)
	}
}

func (a *Adapter) handlePoll(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id required"})
		return
	}
	a.mu.Lock()
	st := a.state(chatID)
	replies := st.replies
	st.replies = nil
	a.mu.Unlock()
	if replies == nil {
		replies = []replyItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "replies": replies})
}

// state returns the chat bucket; callers hold a.mu.
func (a *Adapter) state(chatID string) *chatState {
	st, ok := a.chats[chatID]
	if !ok {
		st = &chatState{}
		a.chats[chatID] = st
	}
	return st
}

func (a *Adapter) dropWaiter(chatID string, waiter chan string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state(chatID)
	for i, w := range st.waiters {
		if w == waiter {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// Send buffers the reply and releases one synchronous waiter on the
// final chunk. Draft edits are dropped; API callers only see finals.
func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) bool {
	if msg.Metadata["draft_id"] != "" {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state(msg.ChatID)
	// Every non-draft send is terminal from the caller's view.
	st.replies = append(st.replies, replyItem{Content: msg.Content, Timestamp: time.Now(), Final: true})
	if len(st.replies) > inboxCap {
		st.replies = st.replies[len(st.replies)-inboxCap:]
	}
	if len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		w <- msg.Content
	}
	return true
}

// GetUser echoes the caller-chosen id.
func (a *Adapter) GetUser(ctx context.Context, id string) *bus.CanonicalUser {
	if id == "" {
		return nil
	}
	return &bus.CanonicalUser{ID: id, Transport: bus.TransportAPI}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
