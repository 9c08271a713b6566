package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

func actionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Inspect and maintain pending actions",
	}
	cmd.AddCommand(actionsListCmd())
	cmd.AddCommand(actionsShowCmd())
	cmd.AddCommand(actionsPruneCmd())
	return cmd
}

func actionsListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved actions (--all includes resolved)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			var actions []*store.PendingAction
			if all {
				actions, err = a.stores.Pending.List(cmd.Context())
			} else {
				actions, err = a.stores.Pending.ListUnresolved(cmd.Context())
			}
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				fmt.Println("No pending actions.")
				return nil
			}
			printActions(os.Stdout, actions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved actions")
	return cmd
}

func actionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <action-id>",
		Short: "Print one action as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			action, err := a.stores.Pending.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(action)
		},
	}
}

func actionsPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete resolved actions older than a cutoff",
		Long:  "Deletes resolved actions created before now minus --older-than (default: the configured pending_retention_hours). Unresolved actions are never pruned.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			retention := olderThan
			if retention == 0 {
				retention = a.cfg.Retention()
			}
			if retention <= 0 {
				return fmt.Errorf("no retention configured: pass --older-than or set pending_retention_hours")
			}
			removed, err := a.pruneResolved(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d resolved action(s).\n", len(removed))
			for _, id := range removed {
				fmt.Println("  " + id)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of pruned actions (e.g. 168h)")
	return cmd
}

func printActions(w io.Writer, actions []*store.PendingAction) {
	rows := [][]string{{"ID", "TYPE", "CREATED", "STATUS", "MESSAGE", "OPTIONS"}}
	for _, a := range actions {
		status := "open"
		if a.Resolved {
			status = "resolved"
			if a.Response != nil {
				status += ": " + string(a.Response.Kind)
			}
		}
		msg := "-"
		if a.MessageID != 0 {
			msg = fmt.Sprintf("%s/%d", a.ChatID, a.MessageID)
		}
		rows = append(rows, []string{
			a.ActionID,
			string(a.NotificationType),
			a.CreatedAt.Local().Format("2006-01-02 15:04"),
			status,
			msg,
			runewidth.Truncate(strings.Join(a.Options, ", "), 40, "…"),
		})
	}
	printTable(w, rows)
}

// printTable pads columns by display width so emoji and CJK labels line up.
func printTable(w io.Writer, rows [][]string) {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			if i == len(row)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]+2))
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}
