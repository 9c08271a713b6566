package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sasehq/sase-chop-telegram/internal/config"
	"github.com/sasehq/sase-chop-telegram/internal/store"
)

// Version is set at build time via -ldflags "-X github.com/sasehq/sase-chop-telegram/cmd.Version=v1.0.0"
var Version = "dev"

// exitStoreCorrupt is the exit status when persisted state cannot be trusted.
const exitStoreCorrupt = 3

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sase-chop-telegram",
	Short: "Telegram bridge for sase notifications",
	Long:  "sase-chop-telegram delivers sase notifications to a Telegram chat and turns button presses and replies into response files and agent launches.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.sase/telegram/config.json or $SASE_TELEGRAM_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(outboundCmd())
	rootCmd.AddCommand(inboundCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sase-chop-telegram %s\n", Version)
		},
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return config.ExpandHome(cfgFile)
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute runs the root cobra command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, store.ErrStoreCorrupt) {
			slog.Error("state is corrupt, refusing to continue", "error", err)
			os.Exit(exitStoreCorrupt)
		}
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
