package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SASE_TELEGRAM_BOT_CHAT_ID", "SASE_TELEGRAM_BOT_USERNAME", "SASE_TELEGRAM_BOT_TOKEN",
		"SASE_TELEGRAM_PROXY", "SASE_TELEGRAM_INACTIVE_SECONDS", "SASE_TELEGRAM_RATE_LIMIT",
		"SASE_TELEGRAM_OUTBOUND_SCHEDULE", "SASE_TELEGRAM_NOTIFICATIONS", "SASE_TELEGRAM_ACTIVITY_FILE",
		"SASE_TELEGRAM_TUI_PID_FILE",
		"SASE_TELEGRAM_POLL_TIMEOUT", "SASE_TELEGRAM_LAUNCH_COMMAND", "SASE_TELEGRAM_STATE_DIR",
		"SASE_TELEGRAM_STORE", "SASE_TELEGRAM_PENDING_RETENTION", "SASE_TELEGRAM_OTLP_ENDPOINT",
		"SASE_TELEGRAM_OTLP_PROTOCOL", "SASE_TELEGRAM_OTLP_INSECURE", "SASE_TELEGRAM_CONFIG",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	assert.Equal(t, 600*time.Second, cfg.InactivityThreshold())
	assert.Equal(t, 30*time.Second, cfg.PollTimeout())
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Zero(t, cfg.Retention())
	assert.Equal(t, "~/.sase/ace/tui.pid", cfg.Outbound.TUIPidFile)

	spec, err := cfg.RateLimitSpec()
	require.NoError(t, err)
	assert.Equal(t, 5, spec.MaxMessages)
	assert.Equal(t, 10*time.Second, spec.Window)
}

func TestLoad_JSON5AndEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments are allowed
		telegram: { chat_id: "111", username: "sase_bot" },
		outbound: { inactive_seconds: 60, rate_limit: "3/5", },
		store: { backend: "sqlite", state_dir: "/tmp/state" },
	}`), 0600))

	t.Setenv("SASE_TELEGRAM_BOT_CHAT_ID", "222")
	t.Setenv("SASE_TELEGRAM_INACTIVE_SECONDS", "0")
	t.Setenv("SASE_TELEGRAM_POLL_TIMEOUT", "not-a-number")
	t.Setenv("SASE_TELEGRAM_OTLP_INSECURE", "1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "222", cfg.Telegram.ChatID)
	assert.Equal(t, "sase_bot", cfg.Telegram.Username)
	assert.Zero(t, cfg.Outbound.InactiveSeconds)
	assert.Equal(t, "3/5", cfg.Outbound.RateLimit)
	assert.Equal(t, 30, cfg.Inbound.PollTimeoutSec, "unparseable env keeps the file value")
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/state/state.db", cfg.SQLitePath())
	assert.Equal(t, "/tmp/state/images", cfg.ImageDir())
	assert.True(t, cfg.Telemetry.Insecure)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{outbound: {rate_limit: "five"}}`), 0600))
	_, err := Load(bad)
	assert.ErrorContains(t, err, "invalid config")

	t.Setenv("SASE_TELEGRAM_STORE", "redis")
	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "unknown store backend")

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte(`{{{`), 0600))
	_, err = Load(garbage)
	assert.ErrorContains(t, err, "parse config")
}

func TestSave_OmitsTokenAndIsPrivate(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Telegram.ChatID = "42"
	cfg.Telegram.Token = "123:secret"

	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "42", loaded.Telegram.ChatID)
	assert.Empty(t, loaded.Telegram.Token)
	assert.Equal(t, cfg.Hash(), loaded.Hash())
}

func TestResolveToken(t *testing.T) {
	ctx := context.Background()

	t.Run("env wins", func(t *testing.T) {
		cfg := Default()
		cfg.Telegram.Token = "from-env"
		cfg.Telegram.TokenCommand = "false"
		tok, err := cfg.ResolveToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "from-env", tok)
	})

	t.Run("command first line", func(t *testing.T) {
		script := filepath.Join(t.TempDir(), "token.sh")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf '  123:abc  \\nsecond line\\n'\n"), 0700))
		cfg := Default()
		cfg.Telegram.TokenCommand = script
		tok, err := cfg.ResolveToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "123:abc", tok)
	})

	t.Run("command fails", func(t *testing.T) {
		cfg := Default()
		cfg.Telegram.TokenCommand = "false"
		_, err := cfg.ResolveToken(ctx)
		assert.Error(t, err)
	})

	t.Run("no command", func(t *testing.T) {
		cfg := Default()
		cfg.Telegram.TokenCommand = ""
		_, err := cfg.ResolveToken(ctx)
		assert.ErrorIs(t, err, ErrNoToken)
	})
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, home+"/x", ExpandHome("~/x"))
	assert.Equal(t, "/abs", ExpandHome("/abs"))
	assert.Equal(t, "", ExpandHome(""))
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("SASE_TELEGRAM_CONFIG", "/etc/sase/telegram.json")
	assert.Equal(t, "/etc/sase/telegram.json", DefaultPath())
}
