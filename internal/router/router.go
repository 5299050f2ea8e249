// Package router applies per-channel configuration and the global rule
// list to decide how a message flows: which agent handles it, whether
// it is blocked, how its text is transformed and where it forwards.
package router

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// ChannelConfig is the per-chat settings record. Deny commands beat
// allow commands.
type ChannelConfig struct {
	ChatID        string            `json:"chat_id"`
	Enabled       bool              `json:"enabled"`
	AssignedAgent string            `json:"assigned_agent,omitempty"`
	ForwardTo     []string          `json:"forward_to,omitempty"`
	AutoReply     string            `json:"auto_reply,omitempty"`
	AllowCommands map[string]bool   `json:"allow_commands,omitempty"`
	DenyCommands  map[string]bool   `json:"deny_commands,omitempty"`
	MessageFilter string            `json:"message_filter,omitempty"` // regex on text
	RatePerMinute int               `json:"rate_per_minute,omitempty"`
	CooldownSec   int               `json:"cooldown_sec,omitempty"`
	LastActivity  time.Time         `json:"last_activity,omitempty"`
	MessageCount  int64             `json:"message_count"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	filter *regexp.Regexp
}

// Rule is one declarative predicate -> action entry. Nil predicates
// match everything.
type Rule struct {
	Name        string
	Priority    int
	ChatPattern *regexp.Regexp
	ChatKinds   []bus.ChatKind
	TextPattern *regexp.Regexp
	CmdPattern  *regexp.Regexp

	TargetAgent string
	Forwards    []string
	Transform   func(text string) (string, error)
	Block       bool

	seq int // insertion order, breaks priority ties
}

func (r *Rule) matches(chatID string, kind bus.ChatKind, text, command string) bool {
	if r.ChatPattern != nil && !r.ChatPattern.MatchString(chatID) {
		return false
	}
	if len(r.ChatKinds) > 0 {
		ok := false
		for _, k := range r.ChatKinds {
			if k == kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if r.TextPattern != nil && !r.TextPattern.MatchString(text) {
		return false
	}
	if r.CmdPattern != nil {
		if command == "" || !r.CmdPattern.MatchString(command) {
			return false
		}
	}
	return true
}

// Decision is the routing outcome for one message.
type Decision struct {
	Processed       bool
	Blocked         bool
	BlockReason     string
	TargetAgent     string
	TransformedText string
	Forwards        []string
}

// SendHandler delivers a forwarded text to one chat.
type SendHandler func(chatID, text string) error

// Router holds the channel-config table and the rule list. Rule and
// config reads are copy-on-write: route takes a snapshot slice, writes
// clone-and-swap under mu.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*ChannelConfig
	rules    []*Rule
	seq      int

	forwardingOn bool
	handlers     map[string]SendHandler // keyed by chat id prefix or "*"
	defaultAgent string
}

// New builds a router. defaultAgent is adopted when neither a rule nor
// the channel assigns one.
func New(defaultAgent string) *Router {
	return &Router{
		channels:     make(map[string]*ChannelConfig),
		handlers:     make(map[string]SendHandler),
		forwardingOn: true,
		defaultAgent: defaultAgent,
	}
}

// SetForwarding toggles global forwarding.
func (r *Router) SetForwarding(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwardingOn = on
}

// Channel returns the config for chatID, materializing an enabled
// default on first sight.
func (r *Router) Channel(chatID string) *ChannelConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelLocked(chatID)
}

func (r *Router) channelLocked(chatID string) *ChannelConfig {
	cc, ok := r.channels[chatID]
	if !ok {
		cc = &ChannelConfig{ChatID: chatID, Enabled: true}
		r.channels[chatID] = cc
	}
	return cc
}

// SetChannel replaces the config for a chat. The message filter is
// compiled here; a bad pattern is reported.
func (r *Router) SetChannel(cc *ChannelConfig) error {
	if cc.MessageFilter != "" {
		re, err := regexp.Compile(cc.MessageFilter)
		if err != nil {
			return fmt.Errorf("message filter for %s: %w", cc.ChatID, err)
		}
		cc.filter = re
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[cc.ChatID] = cc
	return nil
}

// AddRule inserts a rule, keeping the list sorted by descending
// priority with stable order for equal priorities.
func (r *Router) AddRule(rule *Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rule.seq = r.seq
	next := make([]*Rule, 0, len(r.rules)+1)
	next = append(next, r.rules...)
	next = append(next, rule)
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].Priority != next[j].Priority {
			return next[i].Priority > next[j].Priority
		}
		return next[i].seq < next[j].seq
	})
	r.rules = next
}

// RemoveRule deletes rules by name. Returns the number removed.
func (r *Router) RemoveRule(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make([]*Rule, 0, len(r.rules))
	n := 0
	for _, rule := range r.rules {
		if rule.Name == name {
			n++
			continue
		}
		kept = append(kept, rule)
	}
	r.rules = kept
	return n
}

// RegisterSendHandler installs the forward delivery function for a
// chat id. "*" is the fallback handler.
func (r *Router) RegisterSendHandler(chatID string, h SendHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[chatID] = h
}

// AgentFor reports which agent handles chatID: the channel's assigned
// agent when set, otherwise the default.
func (r *Router) AgentFor(chatID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cc := r.channels[chatID]; cc != nil && cc.AssignedAgent != "" {
		return cc.AssignedAgent
	}
	return r.defaultAgent
}

// Route decides how one message flows. It never returns an error;
// failures inside rule transforms are skipped with a warning.
func (r *Router) Route(chatID string, kind bus.ChatKind, text, command string) Decision {
	r.mu.Lock()
	cc := r.channelLocked(chatID)
	cc.LastActivity = time.Now()
	cc.MessageCount++
	enabled := cc.Enabled
	filter := cc.filter
	allow := cc.AllowCommands
	deny := cc.DenyCommands
	assigned := cc.AssignedAgent
	chanForwards := append([]string(nil), cc.ForwardTo...)
	rules := r.rules
	forwarding := r.forwardingOn
	r.mu.Unlock()

	dec := Decision{TransformedText: text}

	if !enabled {
		dec.Blocked = true
		dec.BlockReason = "channel disabled"
		return dec
	}
	if command != "" {
		if deny[command] {
			dec.Blocked = true
			dec.BlockReason = "command denied"
			return dec
		}
		if len(allow) > 0 && !allow[command] {
			dec.Blocked = true
			dec.BlockReason = "command not in allow set"
			return dec
		}
	}
	if filter != nil && !filter.MatchString(text) {
		dec.Blocked = true
		dec.BlockReason = "message filter"
		return dec
	}

	for _, rule := range rules {
		if !rule.matches(chatID, kind, dec.TransformedText, command) {
			continue
		}
		if rule.Block {
			dec.Blocked = true
			dec.BlockReason = "rule " + rule.Name
			return dec
		}
		if rule.TargetAgent != "" {
			dec.TargetAgent = rule.TargetAgent
		}
		dec.Forwards = append(dec.Forwards, rule.Forwards...)
		if rule.Transform != nil {
			out, err := rule.Transform(dec.TransformedText)
			if err != nil {
				slog.Warn("router: rule transform failed, skipping", "rule", rule.Name, "error", err)
				continue
			}
			dec.TransformedText = out
		}
	}

	if dec.TargetAgent == "" {
		dec.TargetAgent = assigned
	}
	if dec.TargetAgent == "" {
		dec.TargetAgent = r.defaultAgent
	}
	if forwarding {
		dec.Forwards = append(dec.Forwards, chanForwards...)
	}
	dec.Forwards = dedupe(dec.Forwards)
	dec.Processed = true
	return dec
}

// Forward delivers text to each target chat via its registered send
// handler. Best effort; never raises.
func (r *Router) Forward(text string, targets []string, source string) bus.DispatchResult {
	r.mu.RLock()
	handlers := make(map[string]SendHandler, len(r.handlers))
	for k, v := range r.handlers {
		handlers[k] = v
	}
	r.mu.RUnlock()

	var res bus.DispatchResult
	for _, target := range targets {
		h, ok := handlers[target]
		if !ok {
			h, ok = handlers["*"]
		}
		if !ok {
			res.Failed = append(res.Failed, bus.SendFailure{Transport: target, Reason: "no send handler"})
			continue
		}
		body := text
		if source != "" {
			body = fmt.Sprintf("[from %s] %s", source, text)
		}
		if err := h(target, body); err != nil {
			res.Failed = append(res.Failed, bus.SendFailure{Transport: target, Reason: err.Error()})
			continue
		}
		res.Success = append(res.Success, target)
	}
	return res
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
