package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// DefaultPath is consulted when no --config flag and no
// CURSORBOT_CONFIG variable is set.
const DefaultPath = "~/.cursorbot/config.json5"

// ResolvePath picks the config file path: explicit flag, then
// CURSORBOT_CONFIG, then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return ExpandHome(flagPath)
	}
	if p := os.Getenv("CURSORBOT_CONFIG"); p != "" {
		return ExpandHome(p)
	}
	return ExpandHome(DefaultPath)
}

// Load reads the JSON5 config at path, overlays environment variables,
// and returns the result. A missing file is not an error; the defaults
// plus environment carry a minimal install.
func Load(path string) (*Config, error) {
	// .env beside the config file, then the working directory. Values
	// already present in the environment win.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// keep defaults
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays CURSORBOT_* variables. Secrets are only accepted
// from the environment; any value that slipped into the file is
// overwritten when the variable is set.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.DataDir, "CURSORBOT_DATA_DIR")
	setStr(&c.Gateway.Host, "CURSORBOT_HOST")
	if v := os.Getenv("CURSORBOT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = p
		}
	}
	setStr(&c.Gateway.Token, "CURSORBOT_API_TOKEN")
	setStr(&c.Channels.Telegram.Token, "CURSORBOT_TELEGRAM_TOKEN")
	setStr(&c.Channels.Discord.Token, "CURSORBOT_DISCORD_TOKEN")
	setStr(&c.Channels.Signal.URL, "CURSORBOT_SIGNAL_URL")
	setStr(&c.Channels.Signal.Number, "CURSORBOT_SIGNAL_NUMBER")
	setStr(&c.Channels.GoogleChat.BearerToken, "CURSORBOT_GOOGLECHAT_TOKEN")
	setStr(&c.Executor.Binary, "CURSORBOT_EXECUTOR_BIN")
	setStr(&c.Executor.Model, "CURSORBOT_EXECUTOR_MODEL")
	setStr(&c.Executor.APIKey, "CURSORBOT_EXECUTOR_API_KEY")

	// A token in the environment implies the channel unless explicitly
	// configured off in the file.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

// MaskedCopy returns a deep-enough copy safe for logging or the
// /health/detail endpoint. Every secret field is replaced by a marker
// that preserves presence but not content.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Config{
		DataDir:  c.DataDir,
		Gateway:  c.Gateway,
		Channels: c.Channels,
		Sessions: c.Sessions,
		Executor: c.Executor,
		Identity: c.Identity,
		Limits:   c.Limits,
		Fleet:    c.Fleet,
		Queue:    c.Queue,
	}
	out.Gateway.Token = mask(c.Gateway.Token)
	out.Channels.Telegram.Token = mask(c.Channels.Telegram.Token)
	out.Channels.Discord.Token = mask(c.Channels.Discord.Token)
	out.Channels.GoogleChat.BearerToken = mask(c.Channels.GoogleChat.BearerToken)
	out.Executor.APIKey = mask(c.Executor.APIKey)
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "***"
	}
	return s[:3] + "***"
}

// DumpMasked renders the masked config as indented JSON for the doctor
// command.
func (c *Config) DumpMasked() string {
	b, err := json.MarshalIndent(c.MaskedCopy(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// EnabledTransports lists the transports the config turns on, in a
// stable order.
func (c *Config) EnabledTransports() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	if c.Channels.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if c.Channels.Discord.Enabled {
		out = append(out, "discord")
	}
	if c.Channels.Signal.Enabled {
		out = append(out, "signal")
	}
	if c.Channels.GoogleChat.Enabled {
		out = append(out, "googlechat")
	}
	if c.Channels.WebChat.Enabled {
		out = append(out, "webchat")
	}
	if c.Channels.API.Enabled {
		out = append(out, "api")
	}
	return out
}

// NormalizeUserRef lowercases and trims a configured user reference so
// list membership checks are case-insensitive.
func NormalizeUserRef(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
