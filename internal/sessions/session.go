package sessions

import (
	"time"
)

// Origin records where a session came from, for display and forwarding.
type Origin struct {
	Label     string `json:"label,omitempty"`
	Provider  string `json:"provider,omitempty"`
	FromID    string `json:"from_id,omitempty"`
	ToID      string `json:"to_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Session is one conversational thread bound to a session key.
// Readers of the snapshot tolerate missing fields.
type Session struct {
	SessionID       string            `json:"session_id"`
	SessionKey      string            `json:"session_key"`
	UserID          string            `json:"user_id,omitempty"`
	ChatID          string            `json:"chat_id,omitempty"`
	ChatType        string            `json:"chat_type,omitempty"`
	Channel         string            `json:"channel,omitempty"` // transport tag
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastMessageAt   time.Time         `json:"last_message_at,omitempty"`
	InputTokens     int64             `json:"input_tokens"`
	OutputTokens    int64             `json:"output_tokens"`
	TotalTokens     int64             `json:"total_tokens"`
	ContextTokens   int64             `json:"context_tokens"`
	MessageCount    int64             `json:"message_count"`
	CompactionCount int64             `json:"compaction_count"`
	Origin          Origin            `json:"origin,omitempty"`
	DisplayName     string            `json:"display_name,omitempty"`
	Subject         string            `json:"subject,omitempty"`
	CLIChatID       string            `json:"cli_chat_id,omitempty"` // executor-side chat handle
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// clone returns a copy safe to hand to callers.
func (s *Session) clone() *Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
