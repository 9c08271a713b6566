package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func outboundCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "outbound",
		Short: "Send unsent notifications to Telegram once",
		Long:  "Sends notifications that arrived since the last run, subject to the inactivity threshold and the rate limit. With --dry-run the planned messages are printed instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutbound(cmd.Context(), dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be sent without sending or recording anything")
	return cmd
}

func runOutbound(ctx context.Context, dryRun bool) error {
	a, err := newApp(ctx, !dryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.outbound(dryRun, os.Stdout)
	if err != nil {
		return err
	}
	report, err := out.RunOnce(ctx)
	if err != nil {
		return err
	}
	slog.Info("outbound cycle done", "sent", report.Sent, "deferred", report.Deferred, "dry_run", dryRun)

	if !dryRun {
		_, err = a.pruneResolved(ctx, a.cfg.Retention())
	}
	return err
}
