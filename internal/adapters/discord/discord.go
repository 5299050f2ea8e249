// Package discord adapts the Discord gateway (via discordgo) to the
// message bus.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// Receiver is the gateway ingress surface.
type Receiver interface {
	Receive(ctx context.Context, msg *bus.UnifiedMessage)
}

// Config for the adapter.
type Config struct {
	Token string
	// GuildAllow restricts processing to these guild ids when set.
	GuildAllow []string
	// RequireMention asks that guild messages mention the bot; DMs are
	// always processed.
	RequireMention bool
}

// Adapter is the Discord transport.
type Adapter struct {
	cfg Config
	rx  Receiver

	mu      sync.Mutex
	session *discordgo.Session
	selfID  string
	drafts  map[string]string // draft_id -> discord message id
}

// New builds the adapter.
func New(cfg Config, rx Receiver) *Adapter {
	return &Adapter{cfg: cfg, rx: rx, drafts: make(map[string]string)}
}

// Transport implements gateway.Adapter.
func (a *Adapter) Transport() string { return bus.TransportDiscord }

// Start opens the websocket session.
func (a *Adapter) Start(ctx context.Context) error {
	s, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: init: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	s.AddHandler(a.onMessage)

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord: open: %w", err)
	}

	a.mu.Lock()
	a.session = s
	if s.State != nil && s.State.User != nil {
		a.selfID = s.State.User.ID
	}
	a.mu.Unlock()

	slog.Info("discord: connected", "user", a.selfID)
	return nil
}

// Stop closes the session.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (a *Adapter) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.selfID {
		return
	}
	if msg := a.normalize(s, m); msg != nil {
		a.rx.Receive(context.Background(), msg)
	}
}

func (a *Adapter) normalize(s *discordgo.Session, m *discordgo.MessageCreate) *bus.UnifiedMessage {
	isDM := m.GuildID == ""
	if !isDM && len(a.cfg.GuildAllow) > 0 && !contains(a.cfg.GuildAllow, m.GuildID) {
		return nil
	}

	content := m.Content
	if !isDM && a.cfg.RequireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == a.selfID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return nil
		}
		content = stripMention(content, a.selfID)
	}

	chatKind := bus.ChatDM
	chatID := m.ChannelID
	threadID := ""
	if !isDM {
		chatKind = bus.ChatChannel
		if ch, err := s.State.Channel(m.ChannelID); err == nil && ch.IsThread() {
			chatKind = bus.ChatThread
			chatID = ch.ParentID
			threadID = m.ChannelID
		}
	}

	kind := bus.KindText
	var media []bus.Attachment
	for _, att := range m.Attachments {
		media = append(media, bus.Attachment{
			URL:         att.URL,
			FileName:    att.Filename,
			ContentType: att.ContentType,
			SizeBytes:   int64(att.Size),
		})
		if strings.HasPrefix(att.ContentType, "image/") {
			kind = bus.KindImage
		} else if kind == bus.KindText {
			kind = bus.KindFile
		}
	}
	if strings.HasPrefix(content, "/") {
		kind = bus.KindCommand
	}

	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &bus.UnifiedMessage{
		ID:        m.ID,
		Transport: bus.TransportDiscord,
		Kind:      kind,
		Content:   strings.TrimSpace(content),
		Sender: bus.Sender{
			ID:          m.Author.ID,
			Username:    m.Author.Username,
			DisplayName: displayName(m),
			IsBot:       m.Author.Bot,
		},
		ChatID:    chatID,
		ChatKind:  chatKind,
		ThreadID:  threadID,
		Timestamp: ts,
		ReplyTo:   replyTo,
		Media:     media,
		Raw:       m,
	}
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func stripMention(content, selfID string) string {
	content = strings.ReplaceAll(content, "<@"+selfID+">", "")
	content = strings.ReplaceAll(content, "<@!"+selfID+">", "")
	return strings.TrimSpace(content)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Send delivers one outgoing message. Draft ids map to in-place edits.
func (a *Adapter) Send(ctx context.Context, msg bus.OutgoingMessage) bool {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return false
	}

	channelID := msg.ChatID
	if msg.ThreadID != "" {
		channelID = msg.ThreadID
	}

	if draftID := msg.Metadata["draft_id"]; draftID != "" {
		return a.sendDraft(s, channelID, draftID, msg.Content)
	}
	if finalOf := msg.Metadata["final_of"]; finalOf != "" {
		a.mu.Lock()
		mid, ok := a.drafts[finalOf]
		delete(a.drafts, finalOf)
		a.mu.Unlock()
		if ok {
			if _, err := s.ChannelMessageEdit(channelID, mid, msg.Content); err == nil {
				return true
			}
		}
	}

	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
	}
	if _, err := s.ChannelMessageSendComplex(channelID, send); err != nil {
		slog.Warn("discord: send failed", "channel", channelID, "error", err)
		return false
	}
	return true
}

func (a *Adapter) sendDraft(s *discordgo.Session, channelID, draftID, content string) bool {
	a.mu.Lock()
	mid, exists := a.drafts[draftID]
	a.mu.Unlock()

	if !exists {
		sent, err := s.ChannelMessageSend(channelID, content)
		if err != nil {
			return false
		}
		a.mu.Lock()
		a.drafts[draftID] = sent.ID
		a.mu.Unlock()
		return true
	}
	if _, err := s.ChannelMessageEdit(channelID, mid, content); err != nil {
		slog.Debug("discord: draft edit failed", "error", err)
		return false
	}
	return true
}

// GetUser resolves a Discord user id.
func (a *Adapter) GetUser(ctx context.Context, id string) *bus.CanonicalUser {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	u, err := s.User(id)
	if err != nil {
		return nil
	}
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return &bus.CanonicalUser{ID: id, DisplayName: name, Transport: bus.TransportDiscord}
}
