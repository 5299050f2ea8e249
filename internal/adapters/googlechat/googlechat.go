// Package googlechat adapts Google Chat to the message bus. Inbound
// events arrive on an HTTP webhook mounted on the control server;
// outbound messages post to the space's incoming webhook.
package googlechat

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// Receiver is the gateway ingress surface.
type Receiver interface {
	Receive(ctx context.Context, msg *bus.UnifiedMessage)
}

// Config for the adapter.
type Config struct {
	// VerifyToken must match the bearer token Chat sends with events.
	VerifyToken string
	// WebhookURL is the space's incoming webhook for outbound posts.
	WebhookURL string
}

// chatEvent is the subset of the Google Chat event payload the bus
// needs.
type chatEvent struct {
	Type      string `json:"type"`
	EventTime string `json:"eventTime"`
	Message   struct {
		Name   string `json:"name"`
		Text   string `json:"text"`
		Thread struct {
			Name string `json:"name"`
		} `json:"thread"`
		Sender struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			Email       string `json:"email"`
			Type        string `json:"type"`
		} `json:"sender"`
		Attachment []struct {
			ContentName string `json:"contentName"`
			ContentType string `json:"contentType"`
			DownloadURI string `json:"downloadUri"`
		} `json:"attachment"`
	} `json:"message"`
	Space struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		DisplayName string `json:"displayName"`
	} `json:"space"`
}

// Adapter is the Google Chat transport.
type Adapter struct {
	cfg    Config
	rx     Receiver
	client *http.Client

	mu sync.Mutex
	up bool
}

// New builds the adapter.
func New(cfg Config, rx Receiver) *Adapter {
	return &Adapter{cfg: cfg, rx: rx, client: &http.Client{Timeout: 15 * time.Second}}
}

// Transport implements gateway.Adapter.
func (a *Adapter) Transport() string { return bus.TransportGoogleChat }

// Start validates config; the webhook itself is mounted by the control
// server.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.VerifyToken == "" {
		return fmt.Errorf("googlechat: verify token required")
	}
	a.mu.Lock()
	a.up = true
	a.mu.Unlock()
	return nil
}

// Stop marks the adapter down.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.up = false
	a.mu.Unlock()
	return nil
}

// HTTPHandler returns the webhook endpoint for Chat events.
func (a *Adapter) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
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

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		var ev chatEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		if msg := a.normalize(&ev); msg != nil {
			a.rx.Receive(r.Context(), msg)
		}
		// Chat expects a JSON body; empty object means no synchronous
		// reply, the answer arrives via webhook post.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	})
}

func (a *Adapter) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.VerifyToken)) == 1
}

func (a *Adapter) normalize(ev *chatEvent) *bus.UnifiedMessage {
	if ev.Type != "MESSAGE" || ev.Message.Text == "" && len(ev.Message.Attachment) == 0 {
		return nil
	}
	if ev.Message.Sender.Type == "BOT" {
		return nil
	}

	chatKind := bus.ChatGroup
	if ev.Space.Type == "DM" {
		chatKind = bus.ChatDM
	}
	threadID := ""
	if chatKind != bus.ChatDM && ev.Message.Thread.Name != "" {
		threadID = ev.Message.Thread.Name
		chatKind = bus.ChatThread
	}

	kind := bus.KindText
	var media []bus.Attachment
	for _, att := range ev.Message.Attachment {
		media = append(media, bus.Attachment{
			URL:         att.DownloadURI,
			FileName:    att.ContentName,
			ContentType: att.ContentType,
		})
		if strings.HasPrefix(att.ContentType, "image/") {
			kind = bus.KindImage
		} else if kind == bus.KindText {
			kind = bus.KindFile
		}
	}
	if strings.HasPrefix(ev.Message.Text, "/") {
		kind = bus.KindCommand
	}

	ts := time.Now()
	if t, err := time.Parse(time.RFC3339, ev.EventTime); err == nil {
		ts = t
	}

	return &bus.UnifiedMessage{
		ID:        ev.Message.Name,
		Transport: bus.TransportGoogleChat,
		Kind:      kind,
		Content:   ev.Message.Text,
		Sender: bus.Sender{
			ID:          ev.Message.Sender.Name,
			Username:    ev.Message.Sender.Email,
			DisplayName: ev.Message.Sender.DisplayName,
		},
		ChatID:    ev.Space.Name,
		ChatKind:  chatKind,
		ThreadID:  threadID,
		Timestamp: ts,
		Media:     media,
		Raw:       ev,
	}
}

// Send posts to the space's incoming webhook. Chat webhooks cannot edit
// messages, so draft edits are acknowledged without a wire call.
func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) bool {
	if msg.Metadata["draft_id"] != "" {
		return true
	}
	if a.cfg.WebhookURL == "" {
		return false
	}

	body := map[string]any{"text": msg.Content}
	if msg.ThreadID != "" {
		body["thread"] = map[string]string{"name": msg.ThreadID}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	resp, err := a.client.Do(req)
	if err != nil {
		slog.Warn("googlechat: send failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("googlechat: send rejected", "status", resp.StatusCode)
		return false
	}
	return true
}

// GetUser echoes the id; Chat exposes no directory over webhooks.
func (a *Adapter) GetUser(ctx context.Context, id string) *bus.CanonicalUser {
	if id == "" {
		return nil
	}
	return &bus.CanonicalUser{ID: id, Transport: bus.TransportGoogleChat}
}
