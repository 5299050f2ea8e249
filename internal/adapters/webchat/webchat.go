// Package webchat serves browser clients over a websocket endpoint
// mounted on the control server. Each connection is one DM-style chat;
// streamed drafts are pushed as incremental frames the client renders
// in place.
package webchat

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// Receiver is the gateway ingress surface.
type Receiver interface {
	Receive(ctx context.Context, msg *bus.UnifiedMessage)
}

// Config for the adapter.
type Config struct {
	// Token guards the endpoint; clients pass it as ?token= or a bearer
	// header. Empty disables auth (local use).
	Token string
	// AllowedOrigins restricts the Origin header; empty allows all.
	AllowedOrigins []string
}

// inFrame is what clients send.
type inFrame struct {
	Type    string `json:"type"` // "message"
	Content string `json:"content"`
	User    string `json:"user,omitempty"`
}

// outFrame is what the server pushes.
type outFrame struct {
	Type    string `json:"type"` // "message", "draft", "final", "error"
	DraftID string `json:"draft_id,omitempty"`
	Content string `json:"content"`
}

type client struct {
	conn *websocket.Conn
	send chan outFrame
	user string
}

// Adapter is the WebChat transport.
type Adapter struct {
	cfg      Config
	rx       Receiver
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client // chat id -> connection
	up      bool
}

// New builds the adapter.
func New(cfg Config, rx Receiver) *Adapter {
	a := &Adapter{cfg: cfg, rx: rx, clients: make(map[string]*client)}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     a.originAllowed,
	}
	return a
}

// Transport implements gateway.Adapter.
func (a *Adapter) Transport() string { return bus.TransportWebChat }

// Start marks the adapter ready; the endpoint is mounted by the control
// server.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.up = true
	a.mu.Unlock()
	return nil
}

// Stop closes every connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.up = false
	clients := make([]*client, 0, len(a.clients))
	for _, c := range a.clients {
		clients = append(clients, c)
	}
	a.clients = make(map[string]*client)
	a.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
	return nil
}

func (a *Adapter) originAllowed(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allow := range a.cfg.AllowedOrigins {
		if allow == "*" || strings.EqualFold(allow, origin) {
			return true
		}
	}
	return false
}

func (a *Adapter) authorized(r *http.Request) bool {
	if a.cfg.Token == "" {
		return true
	}
	if r.URL.Query().Get("token") == a.cfg.Token {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == a.cfg.Token
}

// HTTPHandler returns the websocket upgrade endpoint.
func (a *Adapter) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		a.mu.Lock()
		up := a.up
		a.mu.Unlock()
		if !up {
			http.Error(w, "adapter stopped", http.StatusServiceUnavailable)
			return
		}

		conn, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		chatID := uuid.NewString()
		c := &client{conn: conn, send: make(chan outFrame, 64)}

		a.mu.Lock()
		a.clients[chatID] = c
		a.mu.Unlock()

		go a.writeLoop(c)
		a.readLoop(r.Context(), chatID, c)
	})
}

func (a *Adapter) readLoop(ctx context.Context, chatID string, c *client) {
	defer func() {
		a.mu.Lock()
		if cur, ok := a.clients[chatID]; ok && cur == c {
			delete(a.clients, chatID)
			close(c.send)
		}
		a.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	for {
		var frame inFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "message" || frame.Content == "" {
			continue
		}
		if frame.User != "" {
			c.user = frame.User
		}
		user := c.user
		if user == "" {
			user = chatID
		}

		kind := bus.KindText
		if strings.HasPrefix(frame.Content, "/") {
			kind = bus.KindCommand
		}
		a.rx.Receive(ctx, &bus.UnifiedMessage{
			ID:        uuid.NewString(),
			Transport: bus.TransportWebChat,
			Kind:      kind,
			Content:   frame.Content,
			Sender:    bus.Sender{ID: user, DisplayName: user},
			ChatID:    chatID,
			ChatKind:  bus.ChatDM,
			Timestamp: time.Now(),
		})
	}
}

func (a *Adapter) writeLoop(c *client) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send pushes a frame to the connected client. Drafts keep their id so
// the client can replace the partial bubble in place.
func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) bool {
	a.mu.Lock()
	c, ok := a.clients[msg.ChatID]
	a.mu.Unlock()
	if !ok {
		return false
	}

	frame := outFrame{Type: "message", Content: msg.Content}
	if draftID := msg.Metadata["draft_id"]; draftID != "" {
		frame.Type = "draft"
		frame.DraftID = draftID
	} else if finalOf := msg.Metadata["final_of"]; finalOf != "" {
		frame.Type = "final"
		frame.DraftID = finalOf
	}

	select {
	case c.send <- frame:
		return true
	default:
		slog.Warn("webchat: client send buffer full", "chat", msg.ChatID)
		return false
	}
}

// GetUser echoes the connection-scoped id.
func (a *Adapter) GetUser(ctx context.Context, id string) *bus.CanonicalUser {
	if id == "" {
		return nil
	}
	return &bus.CanonicalUser{ID: id, Transport: bus.TransportWebChat}
}

// ClientCount reports live connections for the health detail endpoint.
func (a *Adapter) ClientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}
