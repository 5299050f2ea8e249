package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Severity classifies a validation finding.
type Severity int

const (
	// Required findings abort startup with exit code 2.
	Required Severity = iota
	// Recommended findings log a warning and continue.
	Recommended
	// Optional findings only show in doctor output.
	Optional
)

func (s Severity) String() string {
	switch s {
	case Required:
		return "required"
	case Recommended:
		return "recommended"
	default:
		return "optional"
	}
}

// Finding is one validation result.
type Finding struct {
	Severity Severity
	Field    string
	Message  string
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Field, f.Message)
}

// Validate checks the config and returns all findings. Callers decide
// how to surface them; HasRequired tells whether startup must abort.
func (c *Config) Validate() []Finding {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Finding
	add := func(sev Severity, field, msg string) {
		out = append(out, Finding{Severity: sev, Field: field, Message: msg})
	}

	if c.Executor.Binary == "" {
		add(Required, "executor.binary", "executor binary not set (CURSORBOT_EXECUTOR_BIN)")
	}
	if c.Executor.TimeoutSec <= 0 {
		add(Required, "executor.timeout_sec", "must be positive")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		add(Required, "gateway.port", "must be in 1..65535")
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		add(Required, "channels.telegram.token", "telegram enabled but CURSORBOT_TELEGRAM_TOKEN unset")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		add(Required, "channels.discord.token", "discord enabled but CURSORBOT_DISCORD_TOKEN unset")
	}
	if c.Channels.Signal.Enabled {
		if c.Channels.Signal.URL == "" {
			add(Required, "channels.signal.url", "signal enabled but no daemon URL")
		}
		if c.Channels.Signal.Number == "" {
			add(Required, "channels.signal.number", "signal enabled but no account number")
		}
	}
	if (c.Channels.API.Enabled || c.Channels.WebChat.Enabled) && c.Gateway.Token == "" {
		add(Recommended, "gateway.token", "API/webchat enabled without CURSORBOT_API_TOKEN; local requests are unauthenticated")
	}

	switch c.Sessions.DMScope {
	case "", "main", "per-peer", "per-channel-peer":
	default:
		add(Required, "sessions.dm_scope", fmt.Sprintf("unknown scope %q", c.Sessions.DMScope))
	}
	for key, pol := range c.Sessions.ResetPolicies {
		if err := checkResetPolicy(pol); err != nil {
			add(Required, "sessions.reset_policies."+key, err.Error())
		}
	}
	if c.Sessions.DefaultPolicy != "" {
		if err := checkResetPolicy(c.Sessions.DefaultPolicy); err != nil {
			add(Required, "sessions.default_policy", err.Error())
		}
	}

	switch c.Fleet.Strategy {
	case "", "round_robin", "least_connections", "random", "ip_hash", "weighted":
	default:
		add(Required, "fleet.strategy", fmt.Sprintf("unknown strategy %q", c.Fleet.Strategy))
	}

	if c.Queue.MaxConcurrent <= 0 {
		add(Recommended, "queue.max_concurrent", "not set; defaulting to 4")
	}
	if len(c.Identity.Owners) == 0 && len(c.Identity.Admins) == 0 {
		add(Optional, "identity.owners", "no owners or admins configured; admin commands are unusable")
	}

	return out
}

// HasRequired reports whether any finding is fatal.
func HasRequired(fs []Finding) bool {
	for _, f := range fs {
		if f.Severity == Required {
			return true
		}
	}
	return false
}

func checkResetPolicy(pol string) error {
	switch {
	case pol == "never", pol == "manual":
		return nil
	case strings.HasPrefix(pol, "daily:"):
		h, err := strconv.Atoi(pol[len("daily:"):])
		if err != nil || h < 0 || h > 23 {
			return fmt.Errorf("daily policy hour must be 0..23, got %q", pol)
		}
		return nil
	case strings.HasPrefix(pol, "idle:"):
		m, err := strconv.Atoi(pol[len("idle:"):])
		if err != nil || m <= 0 {
			return fmt.Errorf("idle policy minutes must be positive, got %q", pol)
		}
		return nil
	default:
		return fmt.Errorf("unknown reset policy %q", pol)
	}
}
