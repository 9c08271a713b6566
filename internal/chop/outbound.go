package chop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/channels/telegram"
	"github.com/sasehq/sase-chop-telegram/internal/gate"
	"github.com/sasehq/sase-chop-telegram/internal/metrics"
	"github.com/sasehq/sase-chop-telegram/internal/store"
	"github.com/sasehq/sase-chop-telegram/internal/tracing"
)

// attachmentAdmitAttempts bounds how often an attachment waits for a
// rate-limit slot before it is skipped.
const attachmentAdmitAttempts = 3

// Outbound delivers unsent notifications.
type Outbound struct {
	ChatID    string
	Source    Source
	Gate      *gate.Gate
	Pending   store.PendingActionStore
	Transport Transport
	Limiter   SendLimiter
	Metrics   *metrics.Metrics

	// DryRun prints plans to Out instead of sending.
	DryRun bool
	Out    io.Writer

	Now func() time.Time
}

// OutboundReport summarizes one cycle.
type OutboundReport struct {
	Sent     int
	Deferred int
}

// RunOnce sends what the gate allows, in order. The high-water mark advances
// right after each text message so an attachment failure never causes a
// resend. A transport error stops the cycle; the pending action stays
// registered and the next cycle reuses it.
func (o *Outbound) RunOnce(ctx context.Context) (report OutboundReport, err error) {
	ctx, span := tracing.Start(ctx, "chop.outbound")
	start := time.Now()
	defer func() {
		o.Metrics.Cycle("outbound", time.Since(start).Seconds(), err)
		tracing.End(span, err)
	}()

	now := time.Now
	if o.Now != nil {
		now = o.Now
	}

	batch, err := o.Source.ListUnsent(ctx)
	if err != nil {
		return report, fmt.Errorf("list unsent notifications: %w", err)
	}
	if len(batch) == 0 {
		return report, nil
	}

	g := o.Gate
	if o.DryRun {
		g = g.DryRun()
	}
	plans, err := g.PrepareBatch(ctx, batch, now())
	if err != nil {
		return report, err
	}

	for _, p := range plans {
		if p.Decision == gate.DecisionDefer {
			report.Deferred++
			o.Metrics.Deferred(p.Reason, 1)
			slog.Debug("notification deferred", "id", p.Notification.ID, "reason", p.Reason)
			continue
		}
		if o.DryRun {
			o.printPlan(p)
			report.Sent++
			continue
		}
		if err := o.send(ctx, p, now); err != nil {
			return report, err
		}
		report.Sent++
	}
	return report, nil
}

func (o *Outbound) send(ctx context.Context, p gate.SendPlan, now func() time.Time) error {
	n := p.Notification
	msg := telegram.FormatNotification(n)
	messageID, err := o.Transport.Send(ctx, o.ChatID, msg.Text, p.Buttons)
	if err != nil {
		return fmt.Errorf("send notification %s: %w", n.ID, err)
	}
	o.Metrics.Sent("notification")
	slog.Info("notification sent", "id", n.ID, "action_id", p.ActionID, "message_id", messageID)

	if p.ActionID != "" {
		if err := o.Pending.SetMessage(ctx, p.ActionID, o.ChatID, messageID); err != nil {
			return fmt.Errorf("record message for %s: %w", p.ActionID, err)
		}
	}
	if err := o.Source.MarkSent(ctx, n); err != nil {
		return fmt.Errorf("mark %s sent: %w", n.ID, err)
	}

	for _, path := range msg.Attachments {
		if err := o.sendAttachment(ctx, path, now); err != nil {
			slog.Warn("failed to send attachment", "id", n.ID, "path", path, "error", err)
		}
	}
	return nil
}

// sendAttachment uploads path once the limiter admits it. A file that vanished
// since formatting is skipped without taking a slot.
func (o *Outbound) sendAttachment(ctx context.Context, path string, now func() time.Time) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("attachment unavailable: %w", err)
	}
	admitted := false
	for attempt := 0; attempt < attachmentAdmitAttempts; attempt++ {
		ok, err := o.Limiter.TryAdmit(ctx, now())
		if err != nil {
			return err
		}
		if ok {
			admitted = true
			break
		}
		wait, err := o.Limiter.WaitTime(ctx, now())
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	if !admitted {
		return fmt.Errorf("rate limited after %d attempts", attachmentAdmitAttempts)
	}
	if err := o.Transport.SendFile(ctx, o.ChatID, path); err != nil {
		return err
	}
	o.Metrics.Sent("attachment")
	return nil
}

func (o *Outbound) printPlan(p gate.SendPlan) {
	if o.Out == nil {
		return
	}
	msg := telegram.FormatNotification(p.Notification)
	fmt.Fprintf(o.Out, "--- Notification %s ---\n", p.Notification.ID)
	fmt.Fprintf(o.Out, "Text: %s\n", msg.Text)
	for _, row := range p.Buttons {
		for _, b := range row {
			fmt.Fprintf(o.Out, "Button: %s [%s]\n", b.Text, b.Data)
		}
	}
	for _, f := range msg.Attachments {
		fmt.Fprintf(o.Out, "Attachment: %s\n", f)
	}
	fmt.Fprintln(o.Out)
}
