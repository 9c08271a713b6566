package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/sasehq/sase-chop-telegram/internal/config"
	"github.com/sasehq/sase-chop-telegram/internal/ratelimit"
)

func onboardCmd() *cobra.Command {
	var nonInteractive bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a config file interactively",
		Long:  "Asks for the chat id, token command, state directory and delivery policy and writes them to the config file with owner-only permissions. With --non-interactive the current defaults and SASE_TELEGRAM_* variables are written as-is.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if !nonInteractive {
				if err := runOnboardForm(cfg); err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						fmt.Println("Onboarding cancelled, nothing written.")
						return nil
					}
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Config written to %s\n", cfgPath)
			fmt.Println("Run `sase-chop-telegram doctor` to verify the bot token and state directory.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "write defaults and environment values without prompting")
	return cmd
}

func runOnboardForm(cfg *config.Config) error {
	inactive := strconv.Itoa(cfg.Outbound.InactiveSeconds)
	pollTimeout := strconv.Itoa(cfg.Inbound.PollTimeoutSec)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram chat id").
				Description("The only chat the bot talks to. Send /start to the bot and read the id from getUpdates.").
				Value(&cfg.Telegram.ChatID).
				Validate(validateChatID),
			huh.NewInput().
				Title("Bot username").
				Description("Optional, used by doctor to check the token belongs to the right bot.").
				Value(&cfg.Telegram.Username),
			huh.NewInput().
				Title("Token command").
				Description("Prints the bot token on its first line. SASE_TELEGRAM_BOT_TOKEN overrides it.").
				Value(&cfg.Telegram.TokenCommand),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Inactivity threshold (seconds)").
				Description("Notifications wait until the terminal has been idle this long.").
				Value(&inactive).
				Validate(validateNonNegative),
			huh.NewInput().
				Title("Rate limit").
				Description(`Sends per window, as "max/window_seconds".`).
				Value(&cfg.Outbound.RateLimit).
				Validate(func(s string) error {
					_, err := ratelimit.ParseSpec(s)
					return err
				}),
			huh.NewInput().
				Title("Poll timeout (seconds)").
				Value(&pollTimeout).
				Validate(validateNonNegative),
			huh.NewInput().
				Title("Agent launch command").
				Description("Run with the message text as its last argument.").
				Value(&cfg.Inbound.LaunchCommand).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("launch command is required")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("State directory").
				Value(&cfg.Store.StateDir),
			huh.NewSelect[string]().
				Title("Store backend").
				Options(
					huh.NewOption("JSON files (default)", config.BackendFile),
					huh.NewOption("SQLite database", config.BackendSQLite),
				).
				Value(&cfg.Store.Backend),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Outbound.InactiveSeconds, _ = strconv.Atoi(strings.TrimSpace(inactive))
	cfg.Inbound.PollTimeoutSec, _ = strconv.Atoi(strings.TrimSpace(pollTimeout))
	if err := os.MkdirAll(config.ExpandHome(cfg.Store.StateDir), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

func validateChatID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("chat id is required")
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("chat id must be numeric")
	}
	return nil
}

func validateNonNegative(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return errors.New("enter a whole number of seconds")
	}
	return nil
}
