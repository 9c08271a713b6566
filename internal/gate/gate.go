// Package gate decides which unsent notifications go out now and prepares
// their inline buttons.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sasehq/sase-chop-telegram/internal/callback"
	"github.com/sasehq/sase-chop-telegram/internal/notify"
	"github.com/sasehq/sase-chop-telegram/internal/response"
	"github.com/sasehq/sase-chop-telegram/internal/store"
	"github.com/sasehq/sase-chop-telegram/internal/tracing"
)

// previewActionID stands in for real ids when preparing a dry run.
const previewActionID = "preview"

// Decision says whether a notification is sent in this cycle.
type Decision int

const (
	DecisionSend Decision = iota + 1
	DecisionDefer
)

func (d Decision) String() string {
	switch d {
	case DecisionSend:
		return "send"
	case DecisionDefer:
		return "defer"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Defer reasons.
const (
	ReasonUserActive  = "user active"
	ReasonRateLimited = "rate limited"
)

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
}

// SendPlan pairs a notification with its buttons and the gate's decision.
type SendPlan struct {
	Notification notify.Notification
	ActionID     string
	Buttons      [][]Button
	Decision     Decision
	Reason       string
}

// Admitter is the rate limiter as seen by the gate.
type Admitter interface {
	TryAdmit(ctx context.Context, now time.Time) (bool, error)
}

// ActivityFunc reports whether the user is currently at the terminal.
type ActivityFunc func(now time.Time) (active bool, err error)

// Gate applies the activity and rate-limit policy to a batch.
type Gate struct {
	pending    store.PendingActionStore
	limiter    Admitter
	userActive ActivityFunc
	dryRun     bool
}

func New(pending store.PendingActionStore, limiter Admitter, userActive ActivityFunc) *Gate {
	return &Gate{pending: pending, limiter: limiter, userActive: userActive}
}

// DryRun returns a gate that prepares the same plans without registering
// actions or consuming rate-limit slots.
func (g *Gate) DryRun() *Gate {
	cp := *g
	cp.dryRun = true
	return &cp
}

// PrepareBatch plans notifications in order. Once one is deferred every later
// one is deferred too, so the sent prefix never skips past a held-back entry.
// Actionable notifications get their pending action registered before they
// are marked Send; Create reuses the id of an earlier attempt.
func (g *Gate) PrepareBatch(ctx context.Context, batch []notify.Notification, now time.Time) (plans []SendPlan, err error) {
	ctx, span := tracing.Start(ctx, "gate.prepare_batch", attribute.Int("batch.size", len(batch)))
	defer func() { tracing.End(span, err) }()

	plans = make([]SendPlan, 0, len(batch))
	if len(batch) == 0 {
		return plans, nil
	}

	deferReason := ""
	if !g.dryRun {
		active, err := g.userActive(now)
		if err != nil {
			return nil, fmt.Errorf("check user activity: %w", err)
		}
		if active {
			deferReason = ReasonUserActive
		}
	}

	sent := 0
	for _, n := range batch {
		plan := SendPlan{Notification: n}
		if deferReason == "" && !g.dryRun {
			ok, err := g.limiter.TryAdmit(ctx, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				deferReason = ReasonRateLimited
			}
		}
		if deferReason != "" {
			plan.Decision, plan.Reason = DecisionDefer, deferReason
			plans = append(plans, plan)
			continue
		}

		if typ, ok := n.Type(); ok && answerable(n, typ) {
			id, err := g.register(ctx, n, typ)
			if err != nil {
				return nil, err
			}
			buttons, err := Keyboard(typ, id, n.Options)
			if err != nil {
				return nil, fmt.Errorf("notification %s: %w", n.ID, err)
			}
			plan.ActionID, plan.Buttons = id, buttons
		}
		plan.Decision = DecisionSend
		plans = append(plans, plan)
		sent++
	}

	span.SetAttributes(attribute.Int("batch.send", sent))
	if deferReason != "" {
		slog.Info("notifications deferred", "count", len(batch)-sent, "reason", deferReason)
	}
	return plans, nil
}

// answerable reports whether a response to n has somewhere to go. Without it
// the notification is still delivered, as plain text.
func answerable(n notify.Notification, typ store.NotificationType) bool {
	key, err := response.DirKey(typ)
	if err == nil && n.ActionData[key] != "" {
		return true
	}
	slog.Warn("actionable notification has no response directory, sending without buttons",
		"id", n.ID, "action", n.Action, "key", key)
	return false
}

func (g *Gate) register(ctx context.Context, n notify.Notification, typ store.NotificationType) (string, error) {
	if g.dryRun {
		return previewActionID, nil
	}
	data := make(map[string]string, len(n.ActionData)+1)
	for k, v := range n.ActionData {
		data[k] = v
	}
	if n.Question != "" {
		data[response.KeyQuestion] = n.Question
	}
	id, err := g.pending.Create(ctx, store.NewAction{
		NotificationID:   n.ID,
		NotificationType: typ,
		Options:          n.Options,
		ActionData:       data,
	})
	if err != nil {
		return "", fmt.Errorf("register action for %s: %w", n.ID, err)
	}
	return id, nil
}

// Keyboard lays out the buttons for a notification type.
func Keyboard(typ store.NotificationType, actionID string, options []string) ([][]Button, error) {
	btn := func(text string, d callback.Descriptor) (Button, error) {
		data, err := callback.Encode(d)
		return Button{Text: text, Data: data}, err
	}

	var rows [][]Button
	switch typ {
	case store.NotificationPlanApproval:
		approve, err1 := btn("✅ Approve", callback.Approve(actionID))
		reject, err2 := btn("❌ Reject", callback.Reject(actionID))
		feedback, err3 := btn("💬 Feedback", callback.FeedbackPrompt(actionID))
		if err := firstErr(err1, err2, err3); err != nil {
			return nil, err
		}
		rows = [][]Button{{approve, reject}, {feedback}}

	case store.NotificationHITLRequest:
		accept, err1 := btn("✅ Accept", callback.Approve(actionID))
		reject, err2 := btn("❌ Reject", callback.Reject(actionID))
		feedback, err3 := btn("💬 Feedback", callback.FeedbackPrompt(actionID))
		if err := firstErr(err1, err2, err3); err != nil {
			return nil, err
		}
		rows = [][]Button{{accept, reject, feedback}}

	case store.NotificationUserQuestion:
		for i, label := range options {
			if i > callback.MaxOptionIndex {
				slog.Warn("too many question options, truncating", "action_id", actionID, "options", len(options))
				break
			}
			b, err := btn(label, callback.Select(actionID, i))
			if err != nil {
				return nil, err
			}
			rows = append(rows, []Button{b})
		}
		custom, err := btn("💬 Custom", callback.CustomPrompt(actionID))
		if err != nil {
			return nil, err
		}
		rows = append(rows, []Button{custom})

	default:
		return nil, fmt.Errorf("no keyboard for notification type %q", typ)
	}
	return rows, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
