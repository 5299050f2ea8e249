// Package orchestrator wires the turn pipeline: identity, access,
// rate limits, routing, session resolution, executor run and streamed
// reply delivery.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cursorbot/cursorbot/internal/audit"
	"github.com/cursorbot/cursorbot/internal/bus"
	"github.com/cursorbot/cursorbot/internal/errs"
	"github.com/cursorbot/cursorbot/internal/executor"
	"github.com/cursorbot/cursorbot/internal/identity"
	"github.com/cursorbot/cursorbot/internal/ratelimit"
	"github.com/cursorbot/cursorbot/internal/router"
	"github.com/cursorbot/cursorbot/internal/sessions"
	"github.com/cursorbot/cursorbot/internal/stream"
)

// elevationTTL is how long /elevated on lasts.
const elevationTTL = 15 * time.Minute

// Runner is the executor surface the orchestrator needs; satisfied by
// *executor.Bridge.
type Runner interface {
	Run(ctx context.Context, sess *sessions.Session, prompt string, opts executor.RunOptions) <-chan executor.Delta
	CreateChat(ctx context.Context, sess *sessions.Session) (string, error)
	Reset(sess *sessions.Session)
}

// Sender is the egress surface; satisfied by *gateway.Gateway.
type Sender interface {
	Send(ctx context.Context, msg bus.OutgoingMessage) bus.DispatchResult
}

// Config carries orchestration knobs.
type Config struct {
	AgentID       string
	ResetTriggers []string
	ReadOnly      bool
	Model         string
}

// Orchestrator is the primary gateway message handler.
type Orchestrator struct {
	cfg      Config
	ids      *identity.Service
	limiter  *ratelimit.Limiter
	routes   *router.Router
	registry *sessions.Registry
	runner   Runner
	drafts   *stream.Manager
	sender   Sender
	audit    *audit.Log
}

// New wires the pipeline.
func New(cfg Config, ids *identity.Service, limiter *ratelimit.Limiter, routes *router.Router, registry *sessions.Registry, runner Runner, drafts *stream.Manager, sender Sender, auditLog *audit.Log) *Orchestrator {
	if cfg.AgentID == "" {
		cfg.AgentID = "default"
	}
	if len(cfg.ResetTriggers) == 0 {
		cfg.ResetTriggers = []string{"/new", "/reset"}
	}
	return &Orchestrator{
		cfg:      cfg,
		ids:      ids,
		limiter:  limiter,
		routes:   routes,
		registry: registry,
		runner:   runner,
		drafts:   drafts,
		sender:   sender,
		audit:    auditLog,
	}
}

// Handle processes one inbound message end to end. It is registered as
// a gateway handler; returned errors are counted and logged there.
func (o *Orchestrator) Handle(ctx context.Context, msg *bus.UnifiedMessage) error {
	if msg.Sender.IsBot {
		return nil
	}

	canonical := o.ids.Resolve(msg.Transport, msg.Sender.ID)
	groupID := ""
	if msg.ChatKind != bus.ChatDM {
		groupID = msg.ChatID
	}

	if err := o.ids.CheckAccess(canonical, msg.ChatID, groupID, msg.Metadata["ip"]); err != nil {
		o.replyError(ctx, msg, err)
		return nil
	}

	command := msg.Command()
	kind := ratelimit.KindRequest
	if command != "" {
		kind = ratelimit.KindCommand
	}
	if err := o.limiter.Require(canonical, kind, 1); err != nil {
		o.replyError(ctx, msg, err)
		return nil
	}
	if len(msg.Media) > 0 {
		if err := o.limiter.Require(canonical, ratelimit.KindUpload, float64(len(msg.Media))); err != nil {
			o.replyError(ctx, msg, err)
			return nil
		}
	}

	if command != "" {
		if handled := o.handleCommand(ctx, msg, canonical, groupID, command); handled {
			return nil
		}
	}

	dec := o.routes.Route(msg.ChatID, msg.ChatKind, msg.Content, command)
	if dec.Blocked {
		slog.Debug("orchestrator: blocked", "chat", msg.ChatID, "reason", dec.BlockReason)
		return nil
	}
	if len(dec.Forwards) > 0 {
		res := o.routes.Forward(dec.TransformedText, dec.Forwards, msg.ChatID)
		if len(res.Failed) > 0 {
			slog.Warn("orchestrator: forwards failed", "failed", len(res.Failed))
		}
	}

	agent := dec.TargetAgent
	if agent == "" {
		agent = o.cfg.AgentID
	}
	scope := sessions.Scope{
		AgentID:   agent,
		Transport: msg.Transport,
		ChatKind:  msg.ChatKind,
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		Canonical: canonical,
	}
	sess, opened := o.registry.GetOrOpen(scope)

	// Serialize turns within one session.
	turn := o.registry.Acquire(sess.SessionKey)
	turn.Lock()
	defer turn.Unlock()

	// A concurrent turn may have bound an executor chat while we waited
	// on the lock; re-read before deciding whether to create one.
	if cur := o.registry.Get(sess.SessionKey); cur != nil {
		sess = cur
	}

	o.registry.Touch(sess.SessionKey)
	if displayName := msg.Sender.DisplayName; displayName != "" && opened {
		o.registry.SetDisplay(sess.SessionKey, displayName, "")
	}

	if sess.CLIChatID == "" {
		if handle, err := o.runner.CreateChat(ctx, sess); err == nil {
			sess.CLIChatID = handle
			o.registry.SetExecutorChat(sess.SessionKey, handle)
		} else {
			slog.Warn("orchestrator: create-chat failed, running without resume", "error", err)
		}
	}

	return o.runTurn(ctx, msg, canonical, sess, dec.TransformedText)
}

// runTurn streams one executor run into a draft and delivers the final
// reply in chunks.
func (o *Orchestrator) runTurn(ctx context.Context, msg *bus.UnifiedMessage, canonical string, sess *sessions.Session, prompt string) error {
	draftID := uuid.NewString()
	o.drafts.StartStream(msg.ChatID, draftID, "", func(text string) error {
		res := o.sender.Send(ctx, bus.OutgoingMessage{
			Transport: msg.Transport,
			ChatID:    msg.ChatID,
			ThreadID:  msg.ThreadID,
			Content:   text,
			Kind:      bus.KindText,
			Metadata:  map[string]string{"draft_id": draftID},
		})
		if !res.OK() {
			return fmt.Errorf("draft edit refused")
		}
		return nil
	}, nil)

	var full strings.Builder
	deltas := o.runner.Run(ctx, sess, prompt, executor.RunOptions{
		Model:    o.cfg.Model,
		ReadOnly: o.cfg.ReadOnly,
	})
	for d := range deltas {
		if d.Err != nil {
			o.drafts.Cancel(msg.ChatID, draftID)
			o.registry.Touch(sess.SessionKey)
			o.replyError(ctx, msg, errs.LLMError("executor", d.Err))
			return nil
		}
		if d.Text != "" {
			full.WriteString(d.Text)
			o.drafts.Append(msg.ChatID, draftID, d.Text)
		}
	}

	final := strings.TrimSpace(full.String())
	o.drafts.Complete(msg.ChatID, draftID, final)

	inTok := approxTokens(prompt)
	outTok := approxTokens(final)
	o.registry.RecordTokens(sess.SessionKey, inTok, outTok, 0)
	o.limiter.Check(canonical, ratelimit.KindTokens, float64(inTok+outTok))

	if final == "" {
		return nil
	}
	for _, chunk := range stream.Chunk(final, chunkBudget(msg.Transport)) {
		res := o.sender.Send(ctx, bus.OutgoingMessage{
			Transport: msg.Transport,
			ChatID:    msg.ChatID,
			ThreadID:  msg.ThreadID,
			Content:   chunk,
			Kind:      bus.KindText,
			ReplyTo:   msg.ID,
			Metadata:  map[string]string{"final_of": draftID},
		})
		if !res.OK() {
			slog.Warn("orchestrator: reply send failed", "chat", msg.ChatID, "failed", res.Failed)
			break
		}
	}
	return nil
}

// handleCommand runs built-in commands. Returns true when the command
// was consumed and the turn ends here.
func (o *Orchestrator) handleCommand(ctx context.Context, msg *bus.UnifiedMessage, canonical, groupID, command string) bool {
	// Commands act on the same agent the router would hand the turn to,
	// so /reset and /status follow channel assignment.
	agent := o.routes.AgentFor(msg.ChatID)
	if agent == "" {
		agent = o.cfg.AgentID
	}

	for _, trigger := range o.cfg.ResetTriggers {
		if command == trigger {
			scope := sessions.Scope{
				AgentID:   agent,
				Transport: msg.Transport,
				ChatKind:  msg.ChatKind,
				ChatID:    msg.ChatID,
				ThreadID:  msg.ThreadID,
				Canonical: canonical,
			}
			sess := o.registry.Reset(scope)
			o.runner.Reset(sess)
			o.reply(ctx, msg, "Started a new conversation.")
			return true
		}
	}

	switch command {
	case "/status":
		scope := sessions.Scope{
			AgentID:   agent,
			Transport: msg.Transport,
			ChatKind:  msg.ChatKind,
			ChatID:    msg.ChatID,
			ThreadID:  msg.ThreadID,
			Canonical: canonical,
		}
		sess := o.registry.Get(o.registry.Key(scope))
		if sess == nil {
			o.reply(ctx, msg, "No active conversation.")
			return true
		}
		o.reply(ctx, msg, fmt.Sprintf(
			"Session %s\nMessages: %d\nTokens: %d in / %d out\nStarted: %s",
			sess.SessionID[:8], sess.MessageCount, sess.InputTokens, sess.OutputTokens,
			sess.CreatedAt.Format(time.RFC3339)))
		return true

	case "/elevated":
		arg := strings.TrimSpace(strings.TrimPrefix(msg.Content, command))
		switch arg {
		case "on":
			if !o.ids.CheckPermission(canonical, identity.PermAdmin, groupID) {
				o.replyError(ctx, msg, errs.Forbidden(identity.PermAdmin))
				return true
			}
			if err := o.ids.Elevate(canonical, elevationTTL); err != nil {
				o.replyError(ctx, msg, err)
				return true
			}
			o.reply(ctx, msg, fmt.Sprintf("Elevated access enabled for %s.", elevationTTL))
		case "off":
			if err := o.ids.RevokeElevation(canonical); err != nil {
				o.replyError(ctx, msg, err)
				return true
			}
			o.reply(ctx, msg, "Elevated access disabled.")
		default:
			state := "off"
			if o.ids.IsElevated(canonical) {
				state = "on"
			}
			o.reply(ctx, msg, "Elevation is "+state+". Use /elevated on|off.")
		}
		return true

	case "/lock":
		if !o.requireElevated(ctx, msg, canonical, groupID, command) {
			return true
		}
		note := strings.TrimSpace(strings.TrimPrefix(msg.Content, command))
		// The locker stays allowed so they can /unlock afterwards.
		o.ids.LockGlobal(note, []string{canonical})
		o.reply(ctx, msg, "Bot locked. Use /unlock to resume.")
		return true

	case "/unlock":
		if !o.requireElevated(ctx, msg, canonical, groupID, command) {
			return true
		}
		o.ids.UnlockGlobal()
		o.reply(ctx, msg, "Bot unlocked.")
		return true
	}
	return false
}

// requireElevated gates destructive commands: the caller must hold the
// admin permission and an active elevation grant.
func (o *Orchestrator) requireElevated(ctx context.Context, msg *bus.UnifiedMessage, canonical, groupID, command string) bool {
	if !o.ids.CheckPermission(canonical, identity.PermAdmin, groupID) {
		o.replyError(ctx, msg, errs.Forbidden(identity.PermAdmin))
		return false
	}
	if !o.ids.IsElevated(canonical) {
		o.replyError(ctx, msg, errs.ElevationRequired(command))
		return false
	}
	return true
}

func (o *Orchestrator) reply(ctx context.Context, msg *bus.UnifiedMessage, text string) {
	res := o.sender.Send(ctx, bus.OutgoingMessage{
		Transport: msg.Transport,
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		Content:   text,
		Kind:      bus.KindText,
		ReplyTo:   msg.ID,
	})
	if !res.OK() {
		slog.Warn("orchestrator: reply failed", "chat", msg.ChatID)
	}
}

// replyError sends the localized user-visible message for err; the raw
// error only reaches the log, redacted.
func (o *Orchestrator) replyError(ctx context.Context, msg *bus.UnifiedMessage, err error) {
	lang := msg.Metadata["lang"]
	if lang == "" {
		lang = "en"
	}
	slog.Info("orchestrator: turn rejected",
		"transport", msg.Transport,
		"chat", msg.ChatID,
		"code", errs.CodeOf(err),
		"error", errs.Redact(err.Error()))
	o.reply(ctx, msg, errs.UserMessage(err, lang))
}

func chunkBudget(transport string) int {
	switch transport {
	case bus.TransportDiscord:
		return stream.DiscordChunkLimit
	default:
		return stream.TelegramChunkLimit
	}
}

// approxTokens estimates tokens at four characters per token, matching
// the executor's rough accounting.
func approxTokens(s string) int64 {
	n := int64(len(s) / 4)
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
