package sessions

import (
	"fmt"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// DMScope decides how DM conversations split into session keys.
type DMScope string

const (
	// ScopeMain collapses every DM onto one session per agent.
	ScopeMain DMScope = "main"
	// ScopePerPeer keys DMs by canonical user, across transports.
	ScopePerPeer DMScope = "per-peer"
	// ScopePerChannelPeer keys DMs by (transport, canonical user).
	ScopePerChannelPeer DMScope = "per-channel-peer"
)

// ParseDMScope maps a config string to a DMScope, defaulting to
// per-channel-peer.
func ParseDMScope(s string) DMScope {
	switch s {
	case string(ScopeMain):
		return ScopeMain
	case string(ScopePerPeer):
		return ScopePerPeer
	default:
		return ScopePerChannelPeer
	}
}

// Scope is everything key derivation needs for one turn.
type Scope struct {
	AgentID   string
	Transport string
	ChatKind  bus.ChatKind
	ChatID    string
	ThreadID  string
	Canonical string // canonical user id, used for DM scoping
}

// DeriveKey builds the session key for a scope. It is a pure function:
// identical inputs always produce identical strings.
func DeriveKey(s Scope, dmScope DMScope, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	prefix := "agent:" + s.AgentID

	switch s.ChatKind {
	case bus.ChatDM:
		switch dmScope {
		case ScopeMain:
			return prefix + ":" + mainKey
		case ScopePerPeer:
			return fmt.Sprintf("%s:dm:%s", prefix, s.Canonical)
		default:
			return fmt.Sprintf("%s:%s:dm:%s", prefix, s.Transport, s.Canonical)
		}
	case bus.ChatGroup:
		key := fmt.Sprintf("%s:%s:group:%s", prefix, s.Transport, s.ChatID)
		if s.ThreadID != "" {
			key += ":topic:" + s.ThreadID
		}
		return key
	case bus.ChatThread:
		return fmt.Sprintf("%s:%s:thread:%s:%s", prefix, s.Transport, s.ChatID, s.ThreadID)
	default:
		return fmt.Sprintf("%s:%s:channel:%s", prefix, s.Transport, s.ChatID)
	}
}
