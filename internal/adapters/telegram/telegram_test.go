package telegram

import (
	"testing"

	"github.com/mymmrac/telego"

	"github.com/cursorbot/cursorbot/internal/bus"
)

func baseMessage() *telego.Message {
	return &telego.Message{
		MessageID: 100,
		Date:      1714564800,
		From:      &telego.User{ID: 42, Username: "alice", FirstName: "Alice"},
		Chat:      telego.Chat{ID: 42, Type: telego.ChatTypePrivate},
		Text:      "hello",
	}
}

func TestNormalizeDM(t *testing.T) {
	a := New(Config{}, nil)
	m := a.normalize(baseMessage())
	if m == nil {
		t.Fatal("message dropped")
	}
	if m.Transport != bus.TransportTelegram || m.ChatKind != bus.ChatDM {
		t.Errorf("transport = %q kind = %q", m.Transport, m.ChatKind)
	}
	if m.Sender.ID != "42" || m.Sender.DisplayName != "Alice" {
		t.Errorf("sender = %+v", m.Sender)
	}
	if m.Content != "hello" || m.Kind != bus.KindText {
		t.Errorf("content = %q kind = %q", m.Content, m.Kind)
	}
}

func TestNormalizeGroupTopic(t *testing.T) {
	a := New(Config{}, nil)
	msg := baseMessage()
	msg.Chat = telego.Chat{ID: -100, Type: telego.ChatTypeSupergroup}
	msg.MessageThreadID = 7
	m := a.normalize(msg)
	if m.ChatKind != bus.ChatGroup || m.ThreadID != "7" {
		t.Errorf("kind = %q thread = %q", m.ChatKind, m.ThreadID)
	}
	if m.ChatID != "-100" {
		t.Errorf("chat = %q", m.ChatID)
	}
}

func TestNormalizeCommand(t *testing.T) {
	a := New(Config{}, nil)
	msg := baseMessage()
	msg.Text = "/new@cursorbot"
	m := a.normalize(msg)
	if m.Kind != bus.KindCommand {
		t.Errorf("kind = %q", m.Kind)
	}
	if got := m.Command(); got != "/new" {
		t.Errorf("command = %q", got)
	}
}

func TestNormalizePhotoPicksLargest(t *testing.T) {
	a := New(Config{}, nil)
	msg := baseMessage()
	msg.Text = ""
	msg.Caption = "look"
	msg.Photo = []telego.PhotoSize{
		{FileID: "small", Width: 90},
		{FileID: "large", Width: 1280},
	}
	m := a.normalize(msg)
	if m.Kind != bus.KindImage || m.Content != "look" {
		t.Errorf("kind = %q content = %q", m.Kind, m.Content)
	}
	if len(m.Media) != 1 || m.Media[0].URL != "large" {
		t.Errorf("media = %+v", m.Media)
	}
}

func TestAllowFromFilter(t *testing.T) {
	a := New(Config{AllowFrom: []string{"alice", "99"}}, nil)
	if a.normalize(baseMessage()) == nil {
		t.Error("allowed username dropped")
	}

	msg := baseMessage()
	msg.From = &telego.User{ID: 7, Username: "mallory"}
	if a.normalize(msg) != nil {
		t.Error("unlisted sender passed")
	}

	msg.From = &telego.User{ID: 99, Username: "whoever"}
	if a.normalize(msg) == nil {
		t.Error("allowed id dropped")
	}
}

func TestNormalizeDropsSourcelessMessages(t *testing.T) {
	a := New(Config{}, nil)
	msg := baseMessage()
	msg.From = nil
	if a.normalize(msg) != nil {
		t.Error("channel post without sender passed")
	}
}
