// Package telegram adapts the Telegram Bot API (long polling) to the
// gateway bus.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// Receiver is the gateway ingress surface.
type Receiver interface {
	Receive(ctx context.Context, msg *bus.UnifiedMessage)
}

// Config for the adapter.
type Config struct {
	Token     string
	AllowFrom []string // usernames or ids; empty allows everyone
	MediaDir  string   // where downloaded attachments land
}

// Adapter is the Telegram transport.
type Adapter struct {
	cfg Config
	rx  Receiver

	mu       sync.Mutex
	bot      *telego.Bot
	cancel   context.CancelFunc
	drafts   map[string]int // draft_id -> telegram message id
	username string
}

// New builds the adapter.
func New(cfg Config, rx Receiver) *Adapter {
	return &Adapter{cfg: cfg, rx: rx, drafts: make(map[string]int)}
}

// Transport implements gateway.Adapter.
func (a *Adapter) Transport() string { return bus.TransportTelegram }

// Start connects and begins consuming updates.
func (a *Adapter) Start(ctx context.Context) error {
	bot, err := telego.NewBot(a.cfg.Token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return fmt.Errorf("telegram: init: %w", err)
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(runCtx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: long polling: %w", err)
	}

	a.mu.Lock()
	a.bot = bot
	a.cancel = cancel
	a.username = me.Username
	a.mu.Unlock()

	go a.consume(runCtx, updates)
	slog.Info("telegram: connected", "username", me.Username)
	return nil
}

// Stop halts polling.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

func (a *Adapter) consume(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Message == nil {
				continue
			}
			if m := a.normalize(upd.Message); m != nil {
				if len(m.Media) > 0 {
					a.fetchMedia(ctx, m, a.cfg.MediaDir)
				}
				a.rx.Receive(ctx, m)
			}
		}
	}
}

// normalize converts one Telegram message; nil drops it.
func (a *Adapter) normalize(m *telego.Message) *bus.UnifiedMessage {
	if m.From == nil {
		return nil
	}
	if !a.allowed(m.From) {
		return nil
	}

	kind := bus.KindText
	content := m.Text
	var media []bus.Attachment
	switch {
	case len(m.Photo) > 0:
		kind = bus.KindImage
		content = m.Caption
		// Largest size last; that is the one worth downloading.
		best := m.Photo[len(m.Photo)-1]
		media = append(media, bus.Attachment{URL: best.FileID, ContentType: "image/jpeg"})
	case m.Document != nil:
		kind = bus.KindFile
		content = m.Caption
		media = append(media, bus.Attachment{
			URL:         m.Document.FileID,
			FileName:    m.Document.FileName,
			ContentType: m.Document.MimeType,
			SizeBytes:   m.Document.FileSize,
		})
	case m.Voice != nil:
		kind = bus.KindAudio
		media = append(media, bus.Attachment{URL: m.Voice.FileID, ContentType: m.Voice.MimeType})
	case m.Sticker != nil:
		kind = bus.KindSticker
		content = m.Sticker.Emoji
	case m.Location != nil:
		kind = bus.KindLocation
		content = fmt.Sprintf("%f,%f", m.Location.Latitude, m.Location.Longitude)
	}
	if strings.HasPrefix(content, "/") {
		kind = bus.KindCommand
	}

	chatKind := bus.ChatDM
	switch m.Chat.Type {
	case telego.ChatTypeGroup, telego.ChatTypeSupergroup:
		chatKind = bus.ChatGroup
	case telego.ChatTypeChannel:
		chatKind = bus.ChatChannel
	}
	threadID := ""
	if m.MessageThreadID != 0 {
		threadID = strconv.Itoa(m.MessageThreadID)
	}
	replyTo := ""
	if m.ReplyToMessage != nil {
		replyTo = strconv.Itoa(m.ReplyToMessage.MessageID)
	}

	return &bus.UnifiedMessage{
		ID:        strconv.Itoa(m.MessageID),
		Transport: bus.TransportTelegram,
		Kind:      kind,
		Content:   content,
		Sender: bus.Sender{
			ID:          strconv.FormatInt(m.From.ID, 10),
			Username:    m.From.Username,
			DisplayName: strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
			IsBot:       m.From.IsBot,
		},
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		ChatKind:  chatKind,
		ThreadID:  threadID,
		Timestamp: time.Unix(m.Date, 0),
		ReplyTo:   replyTo,
		Media:     media,
		Raw:       m,
	}
}

func (a *Adapter) allowed(u *telego.User) bool {
	if len(a.cfg.AllowFrom) == 0 {
		return true
	}
	id := strconv.FormatInt(u.ID, 10)
	for _, allow := range a.cfg.AllowFrom {
		if allow == id || strings.EqualFold(allow, u.Username) {
			return true
		}
	}
	return false
}

// Send delivers one outgoing message. Messages carrying a draft_id are
// streamed edits: the first send creates the message, later ones edit
// it in place.
func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) bool {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return false
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return false
	}

	if draftID := msg.Metadata["draft_id"]; draftID != "" {
		return a.sendDraft(ctx, bot, chatID, draftID, msg)
	}
	if finalOf := msg.Metadata["final_of"]; finalOf != "" {
		// The streamed draft already shows this content; replace it
		// with the first final chunk, send the rest as new messages.
		a.mu.Lock()
		mid, ok := a.drafts[finalOf]
		delete(a.drafts, finalOf)
		a.mu.Unlock()
		if ok {
			_, err := bot.EditMessageText(ctx, &telego.EditMessageTextParams{
				ChatID:    tu.ID(chatID),
				MessageID: mid,
				Text:      msg.Content,
			})
			if err == nil {
				return true
			}
		}
	}

	params := tu.Message(tu.ID(chatID), msg.Content)
	if msg.ThreadID != "" {
		if tid, err := strconv.Atoi(msg.ThreadID); err == nil {
			params.MessageThreadID = tid
		}
	}
	if msg.ReplyTo != "" {
		if rid, err := strconv.Atoi(msg.ReplyTo); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: rid}
		}
	}
	if _, err := bot.SendMessage(ctx, params); err != nil {
		slog.Warn("telegram: send failed", "chat", msg.ChatID, "error", err)
		return false
	}
	return true
}

func (a *Adapter) sendDraft(ctx context.Context, bot *telego.Bot, chatID int64, draftID string, msg bus.OutgoingMessage) bool {
	a.mu.Lock()
	mid, exists := a.drafts[draftID]
	a.mu.Unlock()

	if !exists {
		sent, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Content))
		if err != nil {
			return false
		}
		a.mu.Lock()
		a.drafts[draftID] = sent.MessageID
		a.mu.Unlock()
		return true
	}
	_, err := bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: mid,
		Text:      msg.Content,
	})
	if err != nil {
		slog.Debug("telegram: draft edit failed", "error", err)
		return false
	}
	return true
}

// GetUser looks up a chat member by id. Telegram only resolves users
// the bot has seen; unknown ids return nil.
func (a *Adapter) GetUser(ctx context.Context, id string) *bus.CanonicalUser {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return nil
	}
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil
	}
	chat, err := bot.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(uid)})
	if err != nil {
		return nil
	}
	name := chat.Title
	if name == "" {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return &bus.CanonicalUser{ID: id, DisplayName: name, Transport: bus.TransportTelegram}
}
