package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sasehq/sase-chop-telegram/internal/chop"
	"github.com/sasehq/sase-chop-telegram/internal/config"
	"github.com/sasehq/sase-chop-telegram/internal/metrics"
	"github.com/sasehq/sase-chop-telegram/internal/store"
)

func serveCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run inbound polling and scheduled outbound delivery in one process",
		Long:  "Long-polls Telegram continuously and runs the outbound cycle on the configured cron schedule and whenever the notification log changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	return cmd
}

func runServe(ctx context.Context, metricsAddr string) error {
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if !gronx.New().IsValid(a.cfg.Outbound.Schedule) {
		return fmt.Errorf("invalid outbound schedule %q", a.cfg.Outbound.Schedule)
	}

	a.metrics = metrics.New()
	out, err := a.outbound(false, nil)
	if err != nil {
		return err
	}
	in, err := a.inbound(a.cfg.PollTimeout())
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	g.Go(func() error { return runInboundLoop(ctx, in) })
	g.Go(func() error { return runOutboundLoop(ctx, a, out, trigger) })
	g.Go(func() error { return runSchedule(ctx, a.cfg.Outbound.Schedule, kick) })
	g.Go(func() error {
		return watchNotifications(ctx, config.ExpandHome(a.cfg.Outbound.NotificationsFile), kick)
	})
	if metricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, metricsAddr, a.metrics.Handler()) })
	}

	slog.Info("serving", "chat_id", a.cfg.Telegram.ChatID, "schedule", a.cfg.Outbound.Schedule, "metrics", metricsAddr)
	kick()
	return g.Wait()
}

// runOutboundLoop runs one outbound cycle per trigger so cycles never overlap.
func runOutboundLoop(ctx context.Context, a *app, out *chop.Outbound, trigger <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
		}
		report, err := out.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, store.ErrStoreCorrupt):
			return err
		case err != nil:
			slog.Warn("outbound cycle failed", "error", err)
			continue
		}
		if report.Sent > 0 || report.Deferred > 0 {
			slog.Info("outbound cycle done", "sent", report.Sent, "deferred", report.Deferred)
		}
		if _, err := a.pruneResolved(ctx, a.cfg.Retention()); err != nil {
			slog.Warn("retention prune failed", "error", err)
		}
	}
}

// runSchedule calls kick at every tick of the cron expression.
func runSchedule(ctx context.Context, expr string, kick func()) error {
	for {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("outbound schedule %q: %w", expr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			kick()
		}
	}
}

// watchNotifications kicks an outbound cycle when the notification log is
// written. The parent directory is watched so log rotation is seen too.
// Without a watchable directory the schedule alone drives delivery.
func watchNotifications(ctx context.Context, path string, kick func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("file watcher unavailable, relying on schedule", "error", err)
		return nil
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		slog.Warn("cannot watch notification directory, relying on schedule", "dir", dir, "error", err)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				slog.Debug("notification log changed", "op", ev.Op.String())
				kick()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
