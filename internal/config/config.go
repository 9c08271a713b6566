package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/ratelimit"
)

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the root configuration of the Telegram bridge.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Outbound  OutboundConfig  `json:"outbound"`
	Inbound   InboundConfig   `json:"inbound"`
	Store     StoreConfig     `json:"store"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// TelegramConfig identifies the bot and the single chat it talks to.
// Token is NEVER read from config.json (secret): it comes from env
// SASE_TELEGRAM_BOT_TOKEN or the output of TokenCommand.
type TelegramConfig struct {
	ChatID       string `json:"chat_id"`
	Username     string `json:"username,omitempty"`
	Token        string `json:"-"`
	TokenCommand string `json:"token_command,omitempty"`
	Proxy        string `json:"proxy,omitempty"` // HTTP proxy URL
}

// OutboundConfig controls when notifications are delivered.
type OutboundConfig struct {
	InactiveSeconds   int    `json:"inactive_seconds"`          // minimum idle time before sending
	RateLimit         string `json:"rate_limit"`                // "max/window_seconds"
	Schedule          string `json:"schedule,omitempty"`        // cron expression used by serve
	NotificationsFile string `json:"notifications_file"`        // JSONL notification log
	ActivityFile      string `json:"activity_file"`             // touched by the TUI on activity
	TUIPidFile        string `json:"tui_pid_file,omitempty"`    // pid of the running TUI; empty disables quit-time skipping
}

// InboundConfig controls polling and agent launches.
type InboundConfig struct {
	PollTimeoutSec int    `json:"poll_timeout_sec"`
	LaunchCommand  string `json:"launch_command"`
	LaunchDir      string `json:"launch_dir,omitempty"` // working directory of launched agents
}

// StoreConfig selects where durable state lives.
type StoreConfig struct {
	Backend               string `json:"backend"` // "file" (default) or "sqlite"
	StateDir              string `json:"state_dir"`
	PendingRetentionHours int    `json:"pending_retention_hours,omitempty"` // 0 keeps resolved actions forever
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"` // empty disables tracing
	Protocol    string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Validate checks values that cannot be fixed by defaults.
func (c *Config) Validate() error {
	if _, err := c.RateLimitSpec(); err != nil {
		return err
	}
	if c.Outbound.InactiveSeconds < 0 {
		return fmt.Errorf("inactive_seconds must not be negative, got %d", c.Outbound.InactiveSeconds)
	}
	if c.Inbound.PollTimeoutSec < 0 {
		return fmt.Errorf("poll_timeout_sec must not be negative, got %d", c.Inbound.PollTimeoutSec)
	}
	if c.Store.PendingRetentionHours < 0 {
		return fmt.Errorf("pending_retention_hours must not be negative, got %d", c.Store.PendingRetentionHours)
	}
	switch c.Store.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

// RateLimitSpec parses Outbound.RateLimit.
func (c *Config) RateLimitSpec() (ratelimit.Spec, error) {
	return ratelimit.ParseSpec(c.Outbound.RateLimit)
}

// InactivityThreshold is the idle time required before sending.
func (c *Config) InactivityThreshold() time.Duration {
	return time.Duration(c.Outbound.InactiveSeconds) * time.Second
}

// PollTimeout is the long-poll timeout for inbound updates.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Inbound.PollTimeoutSec) * time.Second
}

// Retention is how long resolved actions are kept; 0 means forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Store.PendingRetentionHours) * time.Hour
}

// StateDir returns the expanded state directory.
func (c *Config) StateDir() string {
	return ExpandHome(c.Store.StateDir)
}

// ImageDir is where photos sent from chat are saved.
func (c *Config) ImageDir() string {
	return filepath.Join(c.StateDir(), "images")
}

// SQLitePath is the database file of the sqlite backend.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.StateDir(), "state.db")
}
