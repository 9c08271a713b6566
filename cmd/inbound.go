package cmd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/sasehq/sase-chop-telegram/internal/chop"
	"github.com/sasehq/sase-chop-telegram/internal/store"
)

// inboundRetryDelay is the pause after a failed poll before trying again.
const inboundRetryDelay = 5 * time.Second

func inboundCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "inbound",
		Short: "Apply Telegram button presses and replies",
		Long:  "Long-polls Telegram and applies each update: button presses resolve pending actions, replies answer open feedback prompts, other messages launch agents. With --once a single non-blocking poll is made.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			timeout := a.cfg.PollTimeout()
			if once {
				timeout = 0
			}
			in, err := a.inbound(timeout)
			if err != nil {
				return err
			}
			if once {
				n, err := in.RunOnce(cmd.Context())
				slog.Info("inbound cycle done", "handled", n)
				return err
			}
			return runInboundLoop(cmd.Context(), in)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "poll once without waiting for new updates and exit")
	return cmd
}

// runInboundLoop polls until ctx is done. Transport errors are retried after
// a pause; corrupt state stops the loop.
func runInboundLoop(ctx context.Context, in *chop.Inbound) error {
	for {
		n, err := in.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, store.ErrStoreCorrupt):
			return err
		case err != nil:
			slog.Warn("inbound cycle failed", "handled", n, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(inboundRetryDelay):
			}
		case n > 0:
			slog.Debug("inbound cycle done", "handled", n)
		}
	}
}
