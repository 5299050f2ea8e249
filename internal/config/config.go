// Package config holds the CursorBot runtime configuration: a JSON5
// file overlaid by environment variables. Secrets are only ever read
// from the environment and are masked in any copy that leaves the
// process.
package config

import (
	"os"
	"sync"
)

// DefaultAgentID is used when no agent is configured for a chat.
const DefaultAgentID = "default"

// Config is the root configuration object. Guarded by an internal
// RWMutex so live-reload can swap sections safely.
type Config struct {
	mu sync.RWMutex `json:"-"`

	DataDir string `json:"data_dir,omitempty"`

	Gateway  GatewayConfig  `json:"gateway,omitempty"`
	Channels ChannelsConfig `json:"channels,omitempty"`
	Sessions SessionsConfig `json:"sessions,omitempty"`
	Executor ExecutorConfig `json:"executor,omitempty"`
	Identity IdentityConfig `json:"identity,omitempty"`
	Limits   LimitsConfig   `json:"limits,omitempty"`
	Fleet    FleetConfig    `json:"fleet,omitempty"`
	Queue    QueueConfig    `json:"queue,omitempty"`
}

// GatewayConfig configures the control surface and API ingress.
type GatewayConfig struct {
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	Token          string   `json:"token,omitempty"` // bearer token for API/webchat, env only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// ChannelsConfig enables and configures transports.
type ChannelsConfig struct {
	Telegram   TelegramConfig   `json:"telegram,omitempty"`
	Discord    DiscordConfig    `json:"discord,omitempty"`
	Signal     SignalConfig     `json:"signal,omitempty"`
	GoogleChat GoogleChatConfig `json:"googlechat,omitempty"`
	WebChat    WebChatConfig    `json:"webchat,omitempty"`
	API        APIConfig        `json:"api,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"token,omitempty"` // env only
	Proxy     string   `json:"proxy,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"token,omitempty"` // env only
	AllowFrom []string `json:"allow_from,omitempty"`
}

type SignalConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	URL     string `json:"url,omitempty"`    // signal-cli REST daemon base URL
	Number  string `json:"number,omitempty"` // account phone number
}

type GoogleChatConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	WebhookPath string `json:"webhook_path,omitempty"` // inbound mount point, default /webhook/googlechat
	WebhookURL  string `json:"webhook_url,omitempty"`  // space incoming webhook for outbound posts
	BearerToken string `json:"bearer_token,omitempty"` // env only
}

type WebChatConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

type APIConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// SessionsConfig controls session scoping, reset behavior and storage.
type SessionsConfig struct {
	Storage       string   `json:"storage,omitempty"`  // snapshot directory
	DMScope       string   `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer"
	MainKey       string   `json:"main_key,omitempty"`
	ResetTriggers []string `json:"reset_triggers,omitempty"` // commands that force a new session
	SweepSchedule string   `json:"sweep_schedule,omitempty"` // cron expression, default every 10 min

	// Reset policies by "<chatKind>" or "<chatKind>:<transport>";
	// values: "never", "manual", "daily:<hour>", "idle:<minutes>".
	ResetPolicies map[string]string `json:"reset_policies,omitempty"`
	DefaultPolicy string            `json:"default_policy,omitempty"`
}

// ExecutorConfig describes the external AI executor subprocess.
type ExecutorConfig struct {
	Binary     string   `json:"binary,omitempty"`
	Model      string   `json:"model,omitempty"`
	Workspace  string   `json:"workspace,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
	ReadOnly   bool     `json:"read_only,omitempty"`
	ExtraArgs  []string `json:"extra_args,omitempty"`
	APIKey     string   `json:"api_key,omitempty"` // env only, passed to the subprocess env
}

// IdentityConfig seeds access control.
type IdentityConfig struct {
	Owners      []string `json:"owners,omitempty"`
	Admins      []string `json:"admins,omitempty"`
	Blacklist   []string `json:"blacklist,omitempty"`
	IPBlacklist []string `json:"ip_blacklist,omitempty"`
	IPWhitelist []string `json:"ip_whitelist,omitempty"`
}

// LimitsConfig overrides the built-in rate-limit rules. Zero fields
// keep the defaults.
type LimitsConfig struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	RequestBurst      int `json:"request_burst,omitempty"`
	CommandsPerMinute int `json:"commands_per_minute,omitempty"`
	CommandBurst      int `json:"command_burst,omitempty"`
	TokensPerHour     int `json:"tokens_per_hour,omitempty"`
	CooldownSec       int `json:"cooldown_sec,omitempty"`
}

// FleetConfig configures the multi-gateway supervisor (optional).
type FleetConfig struct {
	Enabled          bool   `json:"enabled,omitempty"`
	Strategy         string `json:"strategy,omitempty"` // round_robin, least_connections, random, ip_hash, weighted
	StickySessions   bool   `json:"sticky_sessions,omitempty"`
	StickyTTLMinutes int    `json:"sticky_ttl_minutes,omitempty"`
	HealthIntervalS  int    `json:"health_interval_sec,omitempty"`
}

// QueueConfig sizes the background task queue.
type QueueConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	MaxPending    int `json:"max_pending,omitempty"`
	MinStartGapMS int `json:"min_start_gap_ms,omitempty"`
}

// Default returns a Config with working defaults for a local install.
func Default() *Config {
	return &Config{
		DataDir: "~/.cursorbot",
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18990,
		},
		Sessions: SessionsConfig{
			Storage:       "~/.cursorbot/sessions",
			DMScope:       "per-channel-peer",
			MainKey:       "main",
			ResetTriggers: []string{"/new", "/reset"},
			SweepSchedule: "*/10 * * * *",
			DefaultPolicy: "idle:1440",
		},
		Executor: ExecutorConfig{
			Binary:     "cursor-agent",
			TimeoutSec: 300,
		},
		Queue: QueueConfig{
			MaxConcurrent: 4,
			MaxPending:    256,
		},
		Fleet: FleetConfig{
			Strategy:         "round_robin",
			StickyTTLMinutes: 30,
			HealthIntervalS:  15,
		},
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// DataPath returns the expanded data directory.
func (c *Config) DataPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.DataDir)
}

// SessionsPath returns the expanded session snapshot directory.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}
