package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sasehq/sase-chop-telegram/internal/activity"
	"github.com/sasehq/sase-chop-telegram/internal/channels/telegram"
	"github.com/sasehq/sase-chop-telegram/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, state and Telegram connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("sase-chop-telegram doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Telegram:")
	chatID := cfg.Telegram.ChatID
	if chatID == "" {
		chatID = "(not configured)"
	}
	fmt.Printf("    %-14s %s\n", "Chat ID:", chatID)
	checkToken(ctx, cfg)

	fmt.Println()
	fmt.Println("  State:")
	fmt.Printf("    %-14s %s (%s)\n", "Store:", cfg.StateDir(), cfg.Store.Backend)
	if stores, err := openStores(ctx, cfg); err != nil {
		fmt.Printf("    %-14s ERROR %s\n", "Open:", err)
	} else {
		if open, err := stores.Pending.ListUnresolved(ctx); err != nil {
			fmt.Printf("    %-14s ERROR %s\n", "Pending:", err)
		} else {
			fmt.Printf("    %-14s %d unresolved\n", "Pending:", len(open))
		}
		stores.Close()
	}
	checkFile("Notifications:", config.ExpandHome(cfg.Outbound.NotificationsFile))
	checkActivity(cfg)

	fmt.Println()
	fmt.Println("  Launch:")
	if argv := strings.Fields(cfg.Inbound.LaunchCommand); len(argv) > 0 {
		checkBinary(argv[0])
	} else {
		fmt.Println("    (no launch command configured)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkToken(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	token, err := cfg.ResolveToken(ctx)
	if err != nil {
		fmt.Printf("    %-14s ERROR %s\n", "Token:", err)
		return
	}
	fmt.Printf("    %-14s %s\n", "Token:", maskToken(token))

	client, err := telegram.New(telegram.Config{Token: token, Proxy: cfg.Telegram.Proxy})
	if err != nil {
		fmt.Printf("    %-14s ERROR %s\n", "Bot:", err)
		return
	}
	name, err := client.Me(ctx)
	if err != nil {
		fmt.Printf("    %-14s ERROR %s\n", "Bot:", err)
		return
	}
	fmt.Printf("    %-14s @%s\n", "Bot:", name)
	if cfg.Telegram.Username != "" && !strings.EqualFold(strings.TrimPrefix(cfg.Telegram.Username, "@"), name) {
		fmt.Printf("    %-14s configured username %q does not match\n", "Warning:", cfg.Telegram.Username)
	}
}

func checkActivity(cfg *config.Config) {
	clock := activity.FileClock{Path: config.ExpandHome(cfg.Outbound.ActivityFile)}
	secs, ok, err := clock.SecondsSinceLastActivity(time.Now())
	switch {
	case err != nil:
		fmt.Printf("    %-14s ERROR %s\n", "Activity:", err)
	case !ok:
		fmt.Printf("    %-14s no activity recorded, sends are held\n", "Activity:")
	default:
		fmt.Printf("    %-14s idle %ds (threshold %ds)\n", "Activity:", secs, cfg.Outbound.InactiveSeconds)
	}
	if cfg.Outbound.TUIPidFile == "" {
		return
	}
	running, err := activity.PIDFile{Path: config.ExpandHome(cfg.Outbound.TUIPidFile)}.Running()
	switch {
	case err != nil:
		fmt.Printf("    %-14s ERROR %s\n", "TUI:", err)
	case running:
		fmt.Printf("    %-14s running\n", "TUI:")
	default:
		fmt.Printf("    %-14s not running\n", "TUI:")
	}
}

func checkFile(label, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-14s %s (NOT FOUND)\n", label, path)
	} else {
		fmt.Printf("    %-14s %s\n", label, path)
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-14s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-14s %s\n", name+":", path)
	}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
