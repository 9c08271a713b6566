package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/activity"
	"github.com/sasehq/sase-chop-telegram/internal/channels/telegram"
	"github.com/sasehq/sase-chop-telegram/internal/chop"
	"github.com/sasehq/sase-chop-telegram/internal/config"
	"github.com/sasehq/sase-chop-telegram/internal/gate"
	"github.com/sasehq/sase-chop-telegram/internal/launcher"
	"github.com/sasehq/sase-chop-telegram/internal/metrics"
	"github.com/sasehq/sase-chop-telegram/internal/notify"
	"github.com/sasehq/sase-chop-telegram/internal/ratelimit"
	"github.com/sasehq/sase-chop-telegram/internal/response"
	"github.com/sasehq/sase-chop-telegram/internal/router"
	"github.com/sasehq/sase-chop-telegram/internal/store"
	"github.com/sasehq/sase-chop-telegram/internal/store/file"
	"github.com/sasehq/sase-chop-telegram/internal/store/sqlite"
	"github.com/sasehq/sase-chop-telegram/internal/tracing"
)

// app holds the components shared by the outbound, inbound and serve commands.
type app struct {
	cfg     *config.Config
	stores  *store.Stores
	client  *telegram.Client
	metrics *metrics.Metrics

	shutdownTracing func(context.Context) error
}

// openStores opens the backend selected by cfg.Store.Backend.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		return sqlite.NewStores(ctx, cfg.SQLitePath())
	default:
		return file.NewStores(cfg.StateDir())
	}
}

// newApp loads config and opens the stores. The Telegram client is created
// only when withTransport is set, so dry runs need no token.
func newApp(ctx context.Context, withTransport bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if withTransport && cfg.Telegram.ChatID == "" {
		return nil, fmt.Errorf("telegram chat id is not configured (set SASE_TELEGRAM_BOT_CHAT_ID or run onboard)")
	}

	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	stores, err := openStores(ctx, cfg)
	if err != nil {
		shutdown(ctx)
		return nil, err
	}
	a := &app{cfg: cfg, stores: stores, shutdownTracing: shutdown}

	if withTransport {
		token, err := cfg.ResolveToken(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		client, err := telegram.New(telegram.Config{Token: token, Proxy: cfg.Telegram.Proxy})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.client = client
	}
	slog.Debug("app ready", "store", cfg.Store.Backend, "state_dir", cfg.StateDir(), "config_hash", cfg.Hash())
	return a, nil
}

func (a *app) Close() {
	if err := a.stores.Close(); err != nil {
		slog.Warn("close stores", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracing(ctx); err != nil {
		slog.Warn("flush traces", "error", err)
	}
}

func (a *app) limiter() (*ratelimit.Limiter, error) {
	spec, err := a.cfg.RateLimitSpec()
	if err != nil {
		return nil, err
	}
	return ratelimit.New(a.stores.SendLog, spec), nil
}

// transport returns the client as a chop.Transport, or nil when none was
// created. A typed nil must not leak into the interface.
func (a *app) transport() chop.Transport {
	if a.client == nil {
		return nil
	}
	return a.client
}

func (a *app) outbound(dryRun bool, out io.Writer) (*chop.Outbound, error) {
	limiter, err := a.limiter()
	if err != nil {
		return nil, err
	}
	clock := activity.FileClock{Path: config.ExpandHome(a.cfg.Outbound.ActivityFile)}
	threshold := a.cfg.InactivityThreshold()
	userActive := func(now time.Time) (bool, error) {
		inactive, err := activity.Inactive(clock, now, threshold)
		return !inactive, err
	}

	source := notify.NewSource(config.ExpandHome(a.cfg.Outbound.NotificationsFile), a.cfg.StateDir())
	if pidPath := a.cfg.Outbound.TUIPidFile; pidPath != "" {
		pid := activity.PIDFile{Path: config.ExpandHome(pidPath)}
		source.WithQuitTime(func() (time.Time, bool, error) {
			return activity.QuitTime(pid, clock)
		})
	}

	return &chop.Outbound{
		ChatID:    a.cfg.Telegram.ChatID,
		Source:    source,
		Gate:      gate.New(a.stores.Pending, limiter, userActive),
		Pending:   a.stores.Pending,
		Transport: a.transport(),
		Limiter:   limiter,
		Metrics:   a.metrics,
		DryRun:    dryRun,
		Out:       out,
	}, nil
}

func (a *app) inbound(pollTimeout time.Duration) (*chop.Inbound, error) {
	l, err := launcher.NewCommand(a.cfg.Inbound.LaunchCommand, config.ExpandHome(a.cfg.Inbound.LaunchDir))
	if err != nil {
		return nil, err
	}
	return &chop.Inbound{
		ChatID:      a.cfg.Telegram.ChatID,
		Offsets:     a.stores.Offset,
		Router:      router.New(a.stores.Pending, a.stores.Feedback),
		Transport:   a.transport(),
		Sink:        response.NewSink(),
		Launcher:    l,
		ImageDir:    a.cfg.ImageDir(),
		PollTimeout: pollTimeout,
		Metrics:     a.metrics,
	}, nil
}

// pruneResolved applies the retention window; a zero window keeps everything.
func (a *app) pruneResolved(ctx context.Context, retention time.Duration) ([]string, error) {
	if retention <= 0 {
		return nil, nil
	}
	removed, err := a.stores.Pending.PruneResolved(ctx, time.Now().Add(-retention))
	if err != nil {
		return nil, fmt.Errorf("prune resolved actions: %w", err)
	}
	if len(removed) > 0 {
		slog.Info("pruned resolved actions", "count", len(removed))
	}
	return removed, nil
}
