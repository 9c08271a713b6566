package chop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sasehq/sase-chop-telegram/internal/channels/telegram"
	"github.com/sasehq/sase-chop-telegram/internal/launcher"
	"github.com/sasehq/sase-chop-telegram/internal/metrics"
	"github.com/sasehq/sase-chop-telegram/internal/response"
	"github.com/sasehq/sase-chop-telegram/internal/router"
	"github.com/sasehq/sase-chop-telegram/internal/store"
	"github.com/sasehq/sase-chop-telegram/internal/tracing"
)

// Inbound applies chat updates to the stores and the automation tool.
type Inbound struct {
	ChatID      string
	Offsets     store.OffsetStore
	Router      *router.Router
	Transport   Transport
	Sink        Sink
	Launcher    launcher.Launcher
	ImageDir    string
	PollTimeout time.Duration
	Metrics     *metrics.Metrics
}

// RunOnce polls one batch and handles it in arrival order. The offset is
// committed after each update is fully handled, so a crash replays at most
// the update in flight; the router makes that replay harmless. Store
// corruption aborts the cycle without committing.
func (in *Inbound) RunOnce(ctx context.Context) (handled int, err error) {
	ctx, span := tracing.Start(ctx, "chop.inbound")
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int("updates.handled", handled))
		in.Metrics.Cycle("inbound", time.Since(start).Seconds(), err)
		tracing.End(span, err)
	}()

	offset, _, err := in.Offsets.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load update offset: %w", err)
	}
	updates, err := in.Transport.PollUpdates(ctx, offset, in.PollTimeout)
	if err != nil {
		return 0, err
	}

	for _, u := range updates {
		if err := in.handle(ctx, u); err != nil {
			return handled, fmt.Errorf("update %d: %w", u.ID, err)
		}
		if err := in.Offsets.Save(ctx, u.ID+1); err != nil {
			return handled, fmt.Errorf("save update offset: %w", err)
		}
		handled++
	}
	return handled, nil
}

func (in *Inbound) handle(ctx context.Context, u router.Update) error {
	if u.Kind == 0 {
		slog.Debug("skipping unsupported update", "update_id", u.ID)
		return nil
	}
	if u.ChatID != in.ChatID {
		slog.Warn("ignoring update from unknown chat", "update_id", u.ID, "chat_id", u.ChatID, "sender", u.Sender)
		return nil
	}

	if u.Kind == router.UpdatePhoto {
		path, err := in.Transport.DownloadPhoto(ctx, u.FileID, in.ImageDir)
		if err != nil {
			slog.Warn("photo download failed", "update_id", u.ID, "error", err)
			in.reply(ctx, "Failed to download image: "+err.Error())
			return nil
		}
		u.ImagePath = path
	}

	res, err := in.Router.Route(ctx, u)
	if err != nil {
		return err
	}
	in.Metrics.Routed(res.Outcome.String())

	switch res.Outcome {
	case router.OutcomeActionResolved:
		ack := res.Ack
		if _, err := in.Sink.Write(ctx, res.Action); err != nil {
			if !errors.Is(err, response.ErrExpired) {
				return fmt.Errorf("write response for %s: %w", res.ActionID, err)
			}
			slog.Warn("request expired before it was answered", "action_id", res.ActionID)
			ack = router.AckExpired
		}
		in.acknowledge(ctx, u, ack)
		in.removeKeyboard(ctx, res.Action)

	case router.OutcomeFeedbackPromptOpened:
		in.acknowledge(ctx, u, res.Ack)
		in.removeKeyboard(ctx, res.Action)

	case router.OutcomeRoutingError:
		slog.Info("update not applied", "update_id", u.ID, "action_id", res.ActionID, "error", res.Err)
		if errors.Is(res.Err, store.ErrAlreadyResolved) && res.Action != nil && res.Action.Response != nil {
			if err := in.writeMissing(ctx, res.Action); err != nil {
				return err
			}
		}
		in.acknowledge(ctx, u, res.Ack)

	case router.OutcomeAgentLaunchRequested:
		l, err := in.Launcher.Launch(ctx, res.Text)
		if err != nil {
			slog.Error("agent launch failed", "update_id", u.ID, "error", err)
			in.reply(ctx, "Failed to launch agent: "+err.Error())
			return nil
		}
		in.reply(ctx, telegram.FormatLaunch(l.PID, res.Text))

	case router.OutcomeNoOp:
	}

	// The answered session is closed last: a replay of this update finds it
	// again and lands on the AlreadyResolved path above.
	if err := in.Router.EndSession(ctx, res.Session); err != nil {
		return err
	}
	return nil
}

// writeMissing restores a response file lost after its action was resolved,
// for example when the process died between resolve and write. An expired
// request is not an error.
func (in *Inbound) writeMissing(ctx context.Context, a *store.PendingAction) error {
	written, err := in.Sink.Write(ctx, a)
	switch {
	case errors.Is(err, response.ErrExpired):
		return nil
	case err != nil:
		return fmt.Errorf("restore response for %s: %w", a.ActionID, err)
	case written:
		slog.Info("restored missing response file", "action_id", a.ActionID)
	}
	return nil
}

// acknowledge answers a button press with a toast, or a text message with a
// reply. Failures are logged: the resolution is already durable.
func (in *Inbound) acknowledge(ctx context.Context, u router.Update, text string) {
	if text == "" {
		return
	}
	if u.Kind == router.UpdateButton {
		if err := in.Transport.AnswerCallback(ctx, u.CallbackID, text); err != nil {
			slog.Warn("answer callback failed", "update_id", u.ID, "error", err)
		}
		return
	}
	in.reply(ctx, text)
}

func (in *Inbound) reply(ctx context.Context, text string) {
	if _, err := in.Transport.Send(ctx, in.ChatID, text, nil); err != nil {
		slog.Warn("reply failed", "error", err)
	}
}

func (in *Inbound) removeKeyboard(ctx context.Context, a *store.PendingAction) {
	if a == nil || a.ChatID == "" || a.MessageID == 0 {
		return
	}
	if err := in.Transport.EditButtons(ctx, a.ChatID, a.MessageID, nil); err != nil {
		slog.Debug("remove keyboard failed", "action_id", a.ActionID, "error", err)
	}
}
