package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// ErrNoToken is returned by ResolveToken when neither the environment nor
// the token command yields a bot token.
var ErrNoToken = errors.New("no telegram bot token configured")

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			TokenCommand: "pass show telegram_sase_bot_token",
		},
		Outbound: OutboundConfig{
			InactiveSeconds:   600,
			RateLimit:         "5/10",
			Schedule:          "* * * * *",
			NotificationsFile: "~/.sase/notifications/notifications.jsonl",
			ActivityFile:      "~/.sase/ace/last_activity",
			TUIPidFile:        "~/.sase/ace/tui.pid",
		},
		Inbound: InboundConfig{
			PollTimeoutSec: 30,
			LaunchCommand:  "sase run",
		},
		Store: StoreConfig{
			Backend:  BackendFile,
			StateDir: "~/.sase/telegram",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "sase-chop-telegram",
		},
	}
}

// DefaultPath is $SASE_TELEGRAM_CONFIG or ~/.sase/telegram/config.json.
func DefaultPath() string {
	if v := os.Getenv("SASE_TELEGRAM_CONFIG"); v != "" {
		return ExpandHome(v)
	}
	return ExpandHome("~/.sase/telegram/config.json")
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}

	envStr("SASE_TELEGRAM_BOT_CHAT_ID", &c.Telegram.ChatID)
	envStr("SASE_TELEGRAM_BOT_USERNAME", &c.Telegram.Username)
	envStr("SASE_TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	envStr("SASE_TELEGRAM_PROXY", &c.Telegram.Proxy)

	envInt("SASE_TELEGRAM_INACTIVE_SECONDS", &c.Outbound.InactiveSeconds)
	envStr("SASE_TELEGRAM_RATE_LIMIT", &c.Outbound.RateLimit)
	envStr("SASE_TELEGRAM_OUTBOUND_SCHEDULE", &c.Outbound.Schedule)
	envStr("SASE_TELEGRAM_NOTIFICATIONS", &c.Outbound.NotificationsFile)
	envStr("SASE_TELEGRAM_ACTIVITY_FILE", &c.Outbound.ActivityFile)
	envStr("SASE_TELEGRAM_TUI_PID_FILE", &c.Outbound.TUIPidFile)

	envInt("SASE_TELEGRAM_POLL_TIMEOUT", &c.Inbound.PollTimeoutSec)
	envStr("SASE_TELEGRAM_LAUNCH_COMMAND", &c.Inbound.LaunchCommand)

	envStr("SASE_TELEGRAM_STATE_DIR", &c.Store.StateDir)
	envStr("SASE_TELEGRAM_STORE", &c.Store.Backend)
	envInt("SASE_TELEGRAM_PENDING_RETENTION", &c.Store.PendingRetentionHours)

	// Telemetry
	envStr("SASE_TELEGRAM_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SASE_TELEGRAM_OTLP_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("SASE_TELEGRAM_OTLP_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ResolveToken returns the bot token from the environment or, failing that,
// from the first line printed by TokenCommand.
func (c *Config) ResolveToken(ctx context.Context) (string, error) {
	if c.Telegram.Token != "" {
		return c.Telegram.Token, nil
	}
	argv := strings.Fields(c.Telegram.TokenCommand)
	if len(argv) == 0 {
		return "", ErrNoToken
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("token command %q: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}

	token, _, _ := strings.Cut(stdout.String(), "\n")
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoToken
	}
	c.Telegram.Token = token
	return token, nil
}

// Save writes the config to path with owner-only permissions.
// The token never reaches disk.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 of the persisted fields, for change detection.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	return fmt.Sprintf("%x", sha256.Sum256(data))[:12]
}

// ExpandHome replaces a leading ~ with the user's home directory.
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
