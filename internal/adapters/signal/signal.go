// Package signal adapts a signal-cli REST daemon to the message bus.
// Inbound envelopes arrive over the daemon's receive websocket; sends
// go through its HTTP API. Signal has no message editing, so streamed
// drafts collapse to the final send.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// Receiver is the gateway ingress surface.
type Receiver interface {
	Receive(ctx context.Context, msg *bus.UnifiedMessage)
}

// Config for the adapter.
type Config struct {
	// BaseURL of the signal-cli REST daemon, e.g. http://localhost:8080.
	BaseURL string
	// Number is the registered account in E.164 form.
	Number string
}

// envelope mirrors the daemon's receive payload, trimmed to the fields
// the bus needs.
type envelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceName   string `json:"sourceName"`
		SourceNumber string `json:"sourceNumber"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message   string `json:"message"`
			Timestamp int64  `json:"timestamp"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
			Attachments []struct {
				ID          string `json:"id"`
				Filename    string `json:"filename"`
				ContentType string `json:"contentType"`
				Size        int64  `json:"size"`
			} `json:"attachments"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Adapter is the Signal transport.
type Adapter struct {
	cfg    Config
	rx     Receiver
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds the adapter.
func New(cfg Config, rx Receiver) *Adapter {
	return &Adapter{cfg: cfg, rx: rx, client: &http.Client{Timeout: 30 * time.Second}}
}

// Transport implements gateway.Adapter.
func (a *Adapter) Transport() string { return bus.TransportSignal }

// Start opens the receive websocket and keeps it alive with
// reconnect-on-failure.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.BaseURL == "" || a.cfg.Number == "" {
		return fmt.Errorf("signal: base url and number required")
	}
	// Probe the daemon before claiming the adapter is up.
	about := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/v1/about"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, about, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("signal: daemon unreachable: %w", err)
	}
	resp.Body.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.receiveLoop(runCtx)
	slog.Info("signal: connected", "number", a.cfg.Number)
	return nil
}

// Stop tears down the receive loop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

func (a *Adapter) receiveLoop(ctx context.Context) {
	wsURL := wsBase(a.cfg.BaseURL) + "/v1/receive/" + a.cfg.Number
	backoff := time.Second
	for ctx.Err() == nil {
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			slog.Warn("signal: dial failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		a.consume(ctx, conn)
	}
}

func (a *Adapter) consume(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() == nil {
				slog.Warn("signal: read failed, reconnecting", "error", err)
			}
			return
		}
		if msg := a.normalize(&env); msg != nil {
			a.rx.Receive(ctx, msg)
		}
	}
}

func (a *Adapter) normalize(env *envelope) *bus.UnifiedMessage {
	dm := env.Envelope.DataMessage
	if dm == nil {
		return nil
	}
	sender := env.Envelope.SourceNumber
	if sender == "" {
		sender = env.Envelope.Source
	}
	if sender == "" || sender == a.cfg.Number {
		return nil
	}

	chatID := sender
	chatKind := bus.ChatDM
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		chatID = dm.GroupInfo.GroupID
		chatKind = bus.ChatGroup
	}

	kind := bus.KindText
	var media []bus.Attachment
	for _, att := range dm.Attachments {
		media = append(media, bus.Attachment{
			URL:         strings.TrimSuffix(a.cfg.BaseURL, "/") + "/v1/attachments/" + att.ID,
			FileName:    att.Filename,
			ContentType: att.ContentType,
			SizeBytes:   att.Size,
		})
		if strings.HasPrefix(att.ContentType, "image/") {
			kind = bus.KindImage
		} else if kind == bus.KindText {
			kind = bus.KindFile
		}
	}
	if strings.HasPrefix(dm.Message, "/") {
		kind = bus.KindCommand
	}

	ts := dm.Timestamp
	if ts == 0 {
		ts = env.Envelope.Timestamp
	}

	return &bus.UnifiedMessage{
		ID:        strconv.FormatInt(ts, 10),
		Transport: bus.TransportSignal,
		Kind:      kind,
		Content:   dm.Message,
		Sender: bus.Sender{
			ID:          sender,
			DisplayName: env.Envelope.SourceName,
		},
		ChatID:    chatID,
		ChatKind:  chatKind,
		Timestamp: time.UnixMilli(ts),
		Media:     media,
		Raw:       env,
	}
}

// Send posts one message through the daemon. Draft edits are dropped
// (returning true so streaming proceeds); only finals and plain sends
// reach the wire.
func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) bool {
	if msg.Metadata["draft_id"] != "" {
		return true
	}

	body := map[string]any{
		"message": msg.Content,
		"number":  a.cfg.Number,
	}
	if strings.HasPrefix(msg.ChatID, "+") {
		body["recipients"] = []string{msg.ChatID}
	} else {
		body["recipients"] = []string{"group." + msg.ChatID}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return false
	}

	url := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/v2/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		slog.Warn("signal: send failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("signal: send rejected", "status", resp.StatusCode)
		return false
	}
	return true
}

// GetUser returns the bare number; the daemon keeps no directory.
func (a *Adapter) GetUser(ctx context.Context, id string) *bus.CanonicalUser {
	if id == "" {
		return nil
	}
	return &bus.CanonicalUser{ID: id, Transport: bus.TransportSignal}
}

func wsBase(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimSuffix(strings.TrimPrefix(baseURL, "https://"), "/")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimSuffix(strings.TrimPrefix(baseURL, "http://"), "/")
	default:
		return "ws://" + strings.TrimSuffix(baseURL, "/")
	}
}
