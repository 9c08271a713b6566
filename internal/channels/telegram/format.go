package telegram

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/sasehq/sase-chop-telegram/internal/config"
	"github.com/sasehq/sase-chop-telegram/internal/notify"
)

const (
	// MaxMessageWidth keeps messages under the Bot API's 4096 character limit.
	MaxMessageWidth = 4000

	maxCallbackAnswerWidth = 200
	maxNotesWidth          = 3500
	maxPlanWidth           = 3500
	maxWorkflowPromptWidth = 1000
	maxPromptEcho          = 200
	ellipsis               = "…"

	notesCutNote = "\n\n… (see TUI for full output)"
	planCutNote  = "\n\n… (truncated, see attached)"
)

// senderErrorDigest is the sender of periodic error summaries.
const senderErrorDigest = "axe"

// workflowSenders are the senders whose notifications report a finished
// agent or workflow run.
var workflowSenders = map[string]bool{
	"crs":           true,
	"fix-hook":      true,
	"query":         true,
	"run-agent":     true,
	"user-agent":    true,
	"user-workflow": true,
}

// Message is a rendered notification: the text and the files to upload
// after it.
type Message struct {
	Text        string
	Attachments []string
}

// Truncate shortens s to at most width display cells, marking the cut.
func Truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, ellipsis)
}

// FormatNotification renders a notification. Only plans (when cut short),
// finished workflows and error digests carry attachments, and only files
// that exist.
func FormatNotification(n notify.Notification) Message {
	notes := truncateNotes(n.Content())
	switch n.Action {
	case notify.ActionPlanApproval:
		return formatPlan(n, notes)
	case notify.ActionHITL:
		return Message{Text: section("🔧 HITL Request", notes)}
	case notify.ActionUserQuestion:
		text := section("❓ Question", notes)
		if n.Question != "" {
			text += "\n\n" + n.Question
		}
		return Message{Text: text}
	}

	switch {
	case n.Sender == senderErrorDigest && len(n.Files) > 0:
		return Message{Text: section("⚠️ Error Digest", notes), Attachments: existing(n.Files)}
	case workflowSenders[n.Sender]:
		return formatWorkflow(n, notes)
	}
	return Message{Text: section("🔔 "+senderTitle(n.Sender), notes)}
}

func formatPlan(n notify.Notification, notes string) Message {
	msg := Message{Text: section("📋 Plan Review", notes)}
	if len(n.Files) == 0 {
		return msg
	}
	path := config.ExpandHome(n.Files[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return msg
	}
	plan := strings.TrimSpace(stripFrontmatter(string(data)))
	if plan == "" {
		return msg
	}
	if runewidth.StringWidth(plan) > maxPlanWidth {
		cut := runewidth.Truncate(plan, maxPlanWidth, "")
		if i := strings.LastIndexByte(cut, '\n'); i > 0 {
			cut = cut[:i]
		}
		plan = cut + planCutNote
		msg.Attachments = []string{path}
	}
	msg.Text += "\n\n" + plan
	return msg
}

func formatWorkflow(n notify.Notification, notes string) Message {
	title := "✅ Workflow Complete"
	if agent := n.ActionData["agent_name"]; agent != "" {
		title += " [" + agent + "]"
	}
	text := section(title, notes)
	if prompt := n.ActionData["prompt"]; prompt != "" {
		text += "\n\n📝 Prompt:\n" + Truncate(prompt, maxWorkflowPromptWidth)
	}
	return Message{Text: text, Attachments: existing(n.Files)}
}

// stripFrontmatter drops a leading YAML block delimited by "---" lines.
func stripFrontmatter(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return s
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[i+1:], "\n")
		}
	}
	return s
}

func truncateNotes(notes string) string {
	notes = strings.TrimSpace(notes)
	if runewidth.StringWidth(notes) <= maxNotesWidth {
		return notes
	}
	return runewidth.Truncate(notes, maxNotesWidth, "") + notesCutNote
}

func section(title, body string) string {
	if body == "" {
		return title
	}
	return title + "\n\n" + body
}

// existing expands and keeps the paths that are present on disk.
func existing(paths []string) []string {
	var out []string
	for _, p := range paths {
		p = config.ExpandHome(p)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// FormatLaunch renders the confirmation for a launched agent.
func FormatLaunch(pid int, prompt string) string {
	return fmt.Sprintf("Agent launched (PID %d)\n\n%s", pid, Truncate(prompt, maxPromptEcho))
}

func senderTitle(sender string) string {
	if sender == "" {
		return "Notification"
	}
	return sender
}
