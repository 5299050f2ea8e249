package signal

import (
	"encoding/json"
	"testing"

	"github.com/cursorbot/cursorbot/internal/bus"
)

const dmEnvelope = `{
  "envelope": {
    "source": "+15550001111",
    "sourceNumber": "+15550001111",
    "sourceName": "Alice",
    "timestamp": 1714564800000,
    "dataMessage": {
      "message": "hello",
      "timestamp": 1714564800000
    }
  }
}`

const groupEnvelope = `{
  "envelope": {
    "sourceNumber": "+15550001111",
    "sourceName": "Alice",
    "timestamp": 1714564800000,
    "dataMessage": {
      "message": "/status",
      "timestamp": 1714564800000,
      "groupInfo": {"groupId": "grp=="},
      "attachments": [
        {"id": "att1", "filename": "pic.png", "contentType": "image/png", "size": 1234}
      ]
    }
  }
}`

func parse(t *testing.T, raw string) *envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatal(err)
	}
	return &env
}

func TestNormalizeDM(t *testing.T) {
	a := New(Config{BaseURL: "http://localhost:8080", Number: "+15559990000"}, nil)
	m := a.normalize(parse(t, dmEnvelope))
	if m == nil {
		t.Fatal("dm dropped")
	}
	if m.Transport != bus.TransportSignal || m.ChatKind != bus.ChatDM {
		t.Errorf("transport = %q kind = %q", m.Transport, m.ChatKind)
	}
	if m.ChatID != "+15550001111" || m.Sender.DisplayName != "Alice" {
		t.Errorf("chat = %q sender = %+v", m.ChatID, m.Sender)
	}
	if m.Content != "hello" || m.Kind != bus.KindText {
		t.Errorf("content = %q kind = %q", m.Content, m.Kind)
	}
}

func TestNormalizeGroupWithAttachment(t *testing.T) {
	a := New(Config{BaseURL: "http://localhost:8080", Number: "+15559990000"}, nil)
	m := a.normalize(parse(t, groupEnvelope))
	if m == nil {
		t.Fatal("group message dropped")
	}
	if m.ChatKind != bus.ChatGroup || m.ChatID != "grp==" {
		t.Errorf("kind = %q chat = %q", m.ChatKind, m.ChatID)
	}
	// Slash command wins over the attachment for kind.
	if m.Kind != bus.KindCommand {
		t.Errorf("kind = %q", m.Kind)
	}
	if len(m.Media) != 1 || m.Media[0].FileName != "pic.png" {
		t.Errorf("media = %+v", m.Media)
	}
	if m.Media[0].URL != "http://localhost:8080/v1/attachments/att1" {
		t.Errorf("attachment url = %q", m.Media[0].URL)
	}
}

func TestNormalizeDropsOwnMessages(t *testing.T) {
	a := New(Config{BaseURL: "http://x", Number: "+15550001111"}, nil)
	if m := a.normalize(parse(t, dmEnvelope)); m != nil {
		t.Errorf("own message not dropped: %+v", m)
	}
}

func TestNormalizeDropsNonData(t *testing.T) {
	a := New(Config{BaseURL: "http://x", Number: "+15559990000"}, nil)
	env := parse(t, dmEnvelope)
	env.Envelope.DataMessage = nil
	if m := a.normalize(env); m != nil {
		t.Errorf("receipt not dropped: %+v", m)
	}
}

func TestWSBase(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8080", "ws://localhost:8080"},
		{"https://signal.example.com/", "wss://signal.example.com"},
		{"localhost:8080", "ws://localhost:8080"},
	}
	for _, tt := range tests {
		if got := wsBase(tt.in); got != tt.want {
			t.Errorf("wsBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
