// Package bus defines the message vocabulary shared by adapters, the
// gateway, the router and the orchestrator. Adapters normalize
// platform events into UnifiedMessage and hand them to the gateway;
// the gateway hands OutgoingMessage back to adapters.
package bus

import "time"

// Transport tags. An adapter registers under exactly one tag.
const (
	TransportTelegram   = "telegram"
	TransportDiscord    = "discord"
	TransportSignal     = "signal"
	TransportGoogleChat = "googlechat"
	TransportWebChat    = "webchat"
	TransportAPI        = "api"
	TransportWebhook    = "webhook"
)

// MessageKind classifies an inbound message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindFile     MessageKind = "file"
	KindLocation MessageKind = "location"
	KindSticker  MessageKind = "sticker"
	KindCommand  MessageKind = "command"
	KindCallback MessageKind = "callback"
)

// ChatKind classifies the conversation a message belongs to.
type ChatKind string

const (
	ChatDM      ChatKind = "dm"
	ChatGroup   ChatKind = "group"
	ChatThread  ChatKind = "thread"
	ChatChannel ChatKind = "channel"
)

// Sender describes the platform-side author of a message.
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsBot       bool   `json:"is_bot,omitempty"`
}

// Attachment references media carried by a message. URL may be a local
// path for files an adapter already downloaded.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// UnifiedMessage is the normalized form of one platform event.
type UnifiedMessage struct {
	ID        string            `json:"id"`
	Transport string            `json:"transport"`
	Kind      MessageKind       `json:"kind"`
	Content   string            `json:"content"`
	Sender    Sender            `json:"sender"`
	ChatID    string            `json:"chat_id"`
	ChatKind  ChatKind          `json:"chat_kind"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Media     []Attachment      `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Raw       any               `json:"-"`
}

// Command returns the leading slash command of the content ("" when the
// message is not a command). A bot-mention suffix ("/new@cursorbot") is
// stripped.
func (m *UnifiedMessage) Command() string {
	if len(m.Content) == 0 || m.Content[0] != '/' {
		return ""
	}
	for i := 1; i < len(m.Content); i++ {
		switch m.Content[i] {
		case ' ', '\n', '\t', '@':
			return m.Content[:i]
		}
	}
	return m.Content
}

// OutgoingMessage is a reply or notification bound for one or more
// transports. An empty Transport fans out to every registered adapter.
type OutgoingMessage struct {
	Transport string            `json:"transport,omitempty"`
	ChatID    string            `json:"chat_id"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Content   string            `json:"content"`
	Kind      MessageKind       `json:"kind,omitempty"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Media     []Attachment      `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SendFailure names an adapter that refused or failed a send.
type SendFailure struct {
	Transport string
	Reason    string
}

// DispatchResult reports per-adapter egress outcome.
type DispatchResult struct {
	Success []string
	Failed  []SendFailure
}

// OK reports whether at least one adapter accepted the message.
func (r DispatchResult) OK() bool { return len(r.Success) > 0 }

// CanonicalUser is a transport-independent view of a user, resolved by
// the identity service or reported by an adapter's directory lookup.
type CanonicalUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Transport   string `json:"transport,omitempty"`
}
