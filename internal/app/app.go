// Package app assembles the runtime: configuration in, wired
// subsystems out, with ordered startup and LIFO shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cursorbot/cursorbot/internal/adapters/apihttp"
	"github.com/cursorbot/cursorbot/internal/adapters/discord"
	"github.com/cursorbot/cursorbot/internal/adapters/googlechat"
	"github.com/cursorbot/cursorbot/internal/adapters/signal"
	"github.com/cursorbot/cursorbot/internal/adapters/telegram"
	"github.com/cursorbot/cursorbot/internal/adapters/webchat"
	"github.com/cursorbot/cursorbot/internal/audit"
	"github.com/cursorbot/cursorbot/internal/config"
	"github.com/cursorbot/cursorbot/internal/executor"
	"github.com/cursorbot/cursorbot/internal/fleet"
	"github.com/cursorbot/cursorbot/internal/gateway"
	"github.com/cursorbot/cursorbot/internal/health"
	"github.com/cursorbot/cursorbot/internal/identity"
	"github.com/cursorbot/cursorbot/internal/orchestrator"
	"github.com/cursorbot/cursorbot/internal/queue"
	"github.com/cursorbot/cursorbot/internal/ratelimit"
	"github.com/cursorbot/cursorbot/internal/router"
	"github.com/cursorbot/cursorbot/internal/sessions"
	"github.com/cursorbot/cursorbot/internal/stream"
)

// shutdownHookTimeout bounds each shutdown hook.
const shutdownHookTimeout = 10 * time.Second

// drainTimeout bounds the queue drain during graceful shutdown.
const drainTimeout = 30 * time.Second

// hook is a named shutdown step; hooks run LIFO.
type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// App owns every subsystem and their lifecycle.
type App struct {
	cfg *config.Config

	Audit    *audit.Log
	Identity *identity.Service
	Limiter  *ratelimit.Limiter
	Registry *sessions.Registry
	Router   *router.Router
	Bridge   *executor.Bridge
	Drafts   *stream.Manager
	Gateway  *gateway.Gateway
	Orch     *orchestrator.Orchestrator
	Queue    *queue.Queue
	Health   *health.Monitor
	Fleet    *fleet.Supervisor

	webchatAdapter    *webchat.Adapter
	apiAdapter        *apihttp.Adapter
	googlechatAdapter *googlechat.Adapter

	ready atomic.Bool
	hooks []hook
}

// New wires the application from config. It does not start anything.
func New(cfg *config.Config) (*App, error) {
	if findings := cfg.Validate(); config.HasRequired(findings) {
		for _, f := range findings {
			slog.Error("config: " + f.String())
		}
		return nil, fmt.Errorf("configuration has fatal problems")
	}

	a := &App{cfg: cfg}
	dataDir := cfg.DataPath()

	a.Audit = audit.New(dataDir)
	if err := a.Audit.OpenDB(filepath.Join(dataDir, "audit.db")); err != nil {
		slog.Warn("app: audit db unavailable, jsonl only", "error", err)
	}

	a.Identity = identity.New(filepath.Join(dataDir, "identity.json"), identity.Seed{
		Owners:      cfg.Identity.Owners,
		Admins:      cfg.Identity.Admins,
		Blacklist:   cfg.Identity.Blacklist,
		IPBlacklist: cfg.Identity.IPBlacklist,
		IPWhitelist: cfg.Identity.IPWhitelist,
	}, a.Audit)

	a.Limiter = ratelimit.New(limitRules(cfg.Limits), a.Audit)

	a.Registry = sessions.New(sessions.Options{
		Dir:           cfg.SessionsPath(),
		DMScope:       sessions.ParseDMScope(cfg.Sessions.DMScope),
		MainKey:       cfg.Sessions.MainKey,
		Policies:      sessions.NewPolicyTable(cfg.Sessions.ResetPolicies, cfg.Sessions.DefaultPolicy),
		SweepSchedule: cfg.Sessions.SweepSchedule,
	})

	a.Router = router.New(config.DefaultAgentID)
	a.Drafts = stream.NewManager()

	a.Bridge = executor.New(executor.Config{
		Binary:  cfg.Executor.Binary,
		Model:   cfg.Executor.Model,
		WorkDir: config.ExpandHome(cfg.Executor.Workspace),
		Timeout: time.Duration(cfg.Executor.TimeoutSec) * time.Second,
		APIKey:  cfg.Executor.APIKey,
		Extra:   cfg.Executor.ExtraArgs,
	}, a.Registry)

	a.Gateway = gateway.New()
	a.registerAdapters(cfg)

	a.Orch = orchestrator.New(orchestrator.Config{
		AgentID:       config.DefaultAgentID,
		ResetTriggers: cfg.Sessions.ResetTriggers,
		ReadOnly:      cfg.Executor.ReadOnly,
		Model:         cfg.Executor.Model,
	}, a.Identity, a.Limiter, a.Router, a.Registry, a.Bridge, a.Drafts, a.Gateway, a.Audit)
	a.Gateway.Handle(a.Orch.Handle)

	a.Queue = queue.New(queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxPending:    cfg.Queue.MaxPending,
		MinStartGap:   time.Duration(cfg.Queue.MinStartGapMS) * time.Millisecond,
	})

	a.Health = health.NewMonitor()
	if cfg.Fleet.Enabled {
		a.Fleet = fleet.New(fleet.Config{
			Strategy:      fleet.ParseStrategy(cfg.Fleet.Strategy),
			Sticky:        cfg.Fleet.StickySessions,
			StickyTTL:     time.Duration(cfg.Fleet.StickyTTLMinutes) * time.Minute,
			ProbeInterval: time.Duration(cfg.Fleet.HealthIntervalS) * time.Second,
		})
	}

	return a, nil
}

// registerAdapters builds one adapter per enabled channel.
func (a *App) registerAdapters(cfg *config.Config) {
	if cfg.Channels.Telegram.Enabled {
		a.Gateway.Register(telegram.New(telegram.Config{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			MediaDir:  filepath.Join(cfg.DataPath(), "media"),
		}, a.Gateway))
	}
	if cfg.Channels.Discord.Enabled {
		a.Gateway.Register(discord.New(discord.Config{
			Token:      cfg.Channels.Discord.Token,
			GuildAllow: cfg.Channels.Discord.AllowFrom,
		}, a.Gateway))
	}
	if cfg.Channels.Signal.Enabled {
		a.Gateway.Register(signal.New(signal.Config{
			BaseURL: cfg.Channels.Signal.URL,
			Number:  cfg.Channels.Signal.Number,
		}, a.Gateway))
	}
	if cfg.Channels.GoogleChat.Enabled {
		a.googlechatAdapter = googlechat.New(googlechat.Config{
			VerifyToken: cfg.Channels.GoogleChat.BearerToken,
			WebhookURL:  cfg.Channels.GoogleChat.WebhookURL,
		}, a.Gateway)
		a.Gateway.Register(a.googlechatAdapter)
	}
	if cfg.Channels.WebChat.Enabled {
		a.webchatAdapter = webchat.New(webchat.Config{
			Token:          cfg.Gateway.Token,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
		}, a.Gateway)
		a.Gateway.Register(a.webchatAdapter)
	}
	if cfg.Channels.API.Enabled {
		a.apiAdapter = apihttp.New(apihttp.Config{Token: cfg.Gateway.Token}, a.Gateway)
		a.Gateway.Register(a.apiAdapter)
	}
}

// Run starts everything in order, serves until ctx is cancelled, then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Background maintenance first so queues and sweeps exist before
	// traffic arrives.
	a.Queue.Start(runCtx)
	go a.Registry.RunSweeper(runCtx)
	go a.Drafts.RunJanitor(runCtx)
	go a.Health.Run(runCtx)
	if a.Fleet != nil {
		go a.Fleet.Run(runCtx)
	}
	a.pushHook("sessions", func(ctx context.Context) error {
		a.Registry.Sweep()
		return nil
	})
	a.pushHook("audit", func(ctx context.Context) error { return a.Audit.Close() })

	// Adapters start in parallel; individual failures are isolated.
	a.Gateway.Start(runCtx)
	a.registerProbes(runCtx)

	ctrl, err := a.startControlServer(runCtx)
	if err != nil {
		return err
	}

	// Config live-reload: mutable knobs only, a failed parse keeps the
	// running config.
	cfgPath := config.ResolvePath("")
	go func() {
		if err := config.Watch(runCtx, cfgPath, a.applyReload); err != nil {
			slog.Debug("app: config watch unavailable", "error", err)
		}
	}()

	a.ready.Store(true)
	slog.Info("app: ready", "transports", a.Gateway.Transports())

	<-runCtx.Done()
	a.shutdown(ctrl)
	return nil
}

// shutdown runs the graceful stop sequence: gate closes, adapters
// stop, the queue drains, hooks run LIFO, each under its own timeout.
func (a *App) shutdown(ctrl *controlServer) {
	a.ready.Store(false)
	slog.Info("app: shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownHookTimeout)
	a.Gateway.Stop(stopCtx)
	cancel()

	a.Queue.StopDrain(drainTimeout)

	for i := len(a.hooks) - 1; i >= 0; i-- {
		h := a.hooks[i]
		hctx, hcancel := context.WithTimeout(context.Background(), shutdownHookTimeout)
		if err := h.fn(hctx); err != nil {
			slog.Warn("app: shutdown hook failed", "hook", h.name, "error", err)
		}
		hcancel()
	}

	if ctrl != nil {
		ctrl.close()
	}
	slog.Info("app: stopped")
}

func (a *App) pushHook(name string, fn func(ctx context.Context) error) {
	a.hooks = append(a.hooks, hook{name: name, fn: fn})
}

// registerProbes wires the built-in health checks.
func (a *App) registerProbes(ctx context.Context) {
	for _, tag := range a.Gateway.Transports() {
		tag := tag
		a.Health.Register("adapter:"+tag, func(ctx context.Context) (bool, error) {
			return a.Gateway.AdapterUp(tag), nil
		}, health.Config{})
	}
	a.Health.Register("queue", func(ctx context.Context) (bool, error) {
		return a.Queue.PendingCount() < a.queueCapacity(), nil
	}, health.Config{})
}

func (a *App) queueCapacity() int {
	if n := a.cfg.Queue.MaxPending; n > 0 {
		return n
	}
	return 256
}

// Ready reports whether startup completed and shutdown has not begun.
func (a *App) Ready() bool { return a.ready.Load() }

// applyReload folds a changed config into the running process. Only
// limits, identity seeds and routing knobs take effect live; transports
// and the executor need a restart.
func (a *App) applyReload(next *config.Config) {
	for kind, rule := range limitRules(next.Limits) {
		a.Limiter.SetRule(kind, rule)
	}
	for _, ref := range next.Identity.Blacklist {
		a.Identity.Blacklist(config.NormalizeUserRef(ref))
	}
	slog.Info("app: config reloaded", "live", "limits, blacklist")
}

// limitRules overlays config values on the default rate-limit table.
func limitRules(lim config.LimitsConfig) map[ratelimit.Kind]ratelimit.Rule {
	rules := ratelimit.DefaultRules()
	cooldown := time.Duration(lim.CooldownSec) * time.Second

	if lim.RequestsPerMinute > 0 {
		r := rules[ratelimit.KindRequest]
		r.Capacity = lim.RequestsPerMinute
		if lim.RequestBurst > 0 {
			r.Burst = lim.RequestBurst
		}
		if cooldown > 0 {
			r.Cooldown = cooldown
		}
		rules[ratelimit.KindRequest] = r
	}
	if lim.CommandsPerMinute > 0 {
		r := rules[ratelimit.KindCommand]
		r.Capacity = lim.CommandsPerMinute
		if lim.CommandBurst > 0 {
			r.Burst = lim.CommandBurst
		}
		if cooldown > 0 {
			r.Cooldown = cooldown
		}
		rules[ratelimit.KindCommand] = r
	}
	if lim.TokensPerHour > 0 {
		r := rules[ratelimit.KindTokens]
		r.Capacity = lim.TokensPerHour
		rules[ratelimit.KindTokens] = r
	}
	return rules
}
