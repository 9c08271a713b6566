// Package router turns one inbound chat update into a routing outcome.
//
// Button presses resolve pending actions or open a feedback session. Text
// messages answer the open session, or become an agent launch when none is
// open. The session stays open until the caller ends it with EndSession, so a
// replayed answer finds the same session instead of launching an agent. Recoverable problems (bad payloads, unknown or already handled
// actions) are reported as OutcomeRoutingError; only store failures are
// returned as errors.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sasehq/sase-chop-telegram/internal/callback"
	"github.com/sasehq/sase-chop-telegram/internal/store"
	"github.com/sasehq/sase-chop-telegram/internal/tracing"
)

// ErrInvalidAction is returned when a button kind does not belong to the
// action's notification type, or a select index is out of range.
var ErrInvalidAction = errors.New("action not valid for this notification")

// Acknowledgements shown to the user.
const (
	AckInvalid         = "Invalid callback"
	AckExpired         = "This request has expired"
	AckAlreadyHandled  = "This action has already been handled"
	AckFeedbackPrompt  = "Send your feedback as a text message"
	AckFeedbackDone    = "Feedback received"
	AckPlanApproved    = "Plan approved"
	AckPlanRejected    = "Plan rejected"
	AckAccepted        = "Accepted"
	AckRejected        = "Rejected"
	ackSelectedPattern = "Selected: %s"
)

// UpdateKind is the closed set of inbound update shapes.
type UpdateKind int

const (
	UpdateButton UpdateKind = iota + 1
	UpdateText
	UpdatePhoto
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateButton:
		return "button"
	case UpdateText:
		return "text"
	case UpdatePhoto:
		return "photo"
	}
	return fmt.Sprintf("UpdateKind(%d)", int(k))
}

// Update is one inbound event, already converted from the transport's shape.
type Update struct {
	ID     int64
	Kind   UpdateKind
	ChatID string
	Sender string

	// Button press.
	CallbackID string
	Data       string
	MessageID  int

	// Text message, or photo caption.
	Text string

	// Photo: FileID of the largest size. The caller downloads it and sets
	// ImagePath before routing.
	FileID    string
	ImagePath string
}

// Outcome is the closed set of routing results.
type Outcome int

const (
	OutcomeNoOp Outcome = iota
	OutcomeActionResolved
	OutcomeFeedbackPromptOpened
	OutcomeAgentLaunchRequested
	OutcomeRoutingError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoOp:
		return "noop"
	case OutcomeActionResolved:
		return "action_resolved"
	case OutcomeFeedbackPromptOpened:
		return "feedback_prompt_opened"
	case OutcomeAgentLaunchRequested:
		return "agent_launch_requested"
	case OutcomeRoutingError:
		return "routing_error"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result describes what Route decided. Action is the stored record when one
// was involved (for AlreadyResolved it is the record with its original
// response). Text is the agent prompt for OutcomeAgentLaunchRequested. Ack is
// the short acknowledgement for the user, empty when none is due. Session is
// the feedback session a text message answered; the caller ends it once the
// response is durable.
type Result struct {
	Outcome  Outcome
	ActionID string
	Action   *store.PendingAction
	Response *store.Response
	Session  *store.FeedbackSession
	Text     string
	Ack      string
	Err      error
}

// Router routes updates against the pending action and feedback stores.
type Router struct {
	pending  store.PendingActionStore
	feedback store.FeedbackStore
	now      func() time.Time
}

func New(pending store.PendingActionStore, feedback store.FeedbackStore) *Router {
	return &Router{pending: pending, feedback: feedback, now: time.Now}
}

// Route handles one update. Callers must route a poll batch sequentially in
// arrival order: the text path reads the feedback session any earlier button
// press in the batch may have opened.
func (r *Router) Route(ctx context.Context, u Update) (res Result, err error) {
	ctx, span := tracing.Start(ctx, "router.route",
		attribute.String("update.kind", u.Kind.String()),
		attribute.Int64("update.id", u.ID),
	)
	defer func() {
		span.SetAttributes(attribute.String("route.outcome", res.Outcome.String()))
		if res.ActionID != "" {
			span.SetAttributes(attribute.String("action.id", res.ActionID))
		}
		tracing.End(span, err)
	}()

	switch u.Kind {
	case UpdateButton:
		return r.routeButton(ctx, u)
	case UpdateText:
		return r.routeText(ctx, u)
	case UpdatePhoto:
		return r.routePhoto(u), nil
	}
	return Result{Outcome: OutcomeNoOp}, nil
}

func (r *Router) routeButton(ctx context.Context, u Update) (Result, error) {
	d, err := callback.Decode(u.Data)
	if err != nil {
		slog.Warn("undecodable callback", "update_id", u.ID, "error", err)
		return routingError("", nil, err, AckInvalid), nil
	}

	action, err := r.pending.Get(ctx, d.ActionID)
	if errors.Is(err, store.ErrNotFound) {
		return routingError(d.ActionID, nil, err, AckExpired), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load action %s: %w", d.ActionID, err)
	}
	if action.Resolved {
		return routingError(d.ActionID, action, store.ErrAlreadyResolved, AckAlreadyHandled), nil
	}
	if !kindAllowed(action.NotificationType, d.Kind) {
		err := fmt.Errorf("%w: %s on %s", ErrInvalidAction, d.Kind, action.NotificationType)
		return routingError(d.ActionID, action, err, AckInvalid), nil
	}

	switch d.Kind {
	case callback.KindFeedbackPrompt, callback.KindCustomPrompt:
		kind := store.PromptFeedback
		if d.Kind == callback.KindCustomPrompt {
			kind = store.PromptCustom
		}
		prev, err := r.feedback.Open(ctx, d.ActionID, kind, r.now())
		if err != nil {
			return Result{}, fmt.Errorf("open feedback session for %s: %w", d.ActionID, err)
		}
		if prev != nil && prev.ActionID != d.ActionID {
			slog.Warn("feedback session superseded", "previous_action_id", prev.ActionID, "action_id", d.ActionID)
		}
		return Result{
			Outcome:  OutcomeFeedbackPromptOpened,
			ActionID: d.ActionID,
			Action:   action,
			Ack:      AckFeedbackPrompt,
		}, nil

	case callback.KindApprove, callback.KindReject, callback.KindSelect:
		resp, ack, err := buttonResponse(action, d, r.now())
		if err != nil {
			return routingError(d.ActionID, action, err, AckInvalid), nil
		}
		return r.resolve(ctx, d.ActionID, resp, ack)
	}
	return routingError(d.ActionID, action, fmt.Errorf("%w: %s", ErrInvalidAction, d.Kind), AckInvalid), nil
}

func (r *Router) routeText(ctx context.Context, u Update) (Result, error) {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return Result{Outcome: OutcomeNoOp}, nil
	}

	session, err := r.feedback.Peek(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("peek feedback session: %w", err)
	}
	if session == nil {
		if strings.HasPrefix(text, "/") {
			slog.Debug("ignoring bot command", "update_id", u.ID, "command", strings.Fields(text)[0])
			return Result{Outcome: OutcomeNoOp}, nil
		}
		return Result{Outcome: OutcomeAgentLaunchRequested, Text: text}, nil
	}

	resp := store.Response{Kind: store.ResponseText, Value: text, ResolvedAt: r.now()}
	res, err := r.resolve(ctx, session.ActionID, resp, AckFeedbackDone)
	if err != nil {
		return Result{}, err
	}
	if prev := res.Action; errors.Is(res.Err, store.ErrAlreadyResolved) && prev != nil && prev.Response != nil &&
		prev.Response.Kind == store.ResponseText && prev.Response.Value == text {
		// A replay of the answer that resolved it.
		res.Ack = AckFeedbackDone
	}
	res.Session = session
	return res, nil
}

// EndSession closes s if it is still the open session. A session opened for
// another action since s was read is left alone.
func (r *Router) EndSession(ctx context.Context, s *store.FeedbackSession) error {
	if s == nil {
		return nil
	}
	current, err := r.feedback.Peek(ctx)
	if err != nil {
		return fmt.Errorf("peek feedback session: %w", err)
	}
	if current == nil || current.ActionID != s.ActionID {
		return nil
	}
	if _, err := r.feedback.Consume(ctx); err != nil {
		return fmt.Errorf("consume feedback session: %w", err)
	}
	return nil
}

func (r *Router) routePhoto(u Update) Result {
	if u.ImagePath == "" {
		return Result{Outcome: OutcomeNoOp}
	}
	return Result{Outcome: OutcomeAgentLaunchRequested, Text: PhotoPrompt(u.ImagePath, strings.TrimSpace(u.Text))}
}

func (r *Router) resolve(ctx context.Context, actionID string, resp store.Response, ack string) (Result, error) {
	rec, err := r.pending.Resolve(ctx, actionID, resp)
	switch {
	case err == nil:
		slog.Info("action resolved", "action_id", actionID, "kind", resp.Kind, "value", resp.Value)
		return Result{
			Outcome:  OutcomeActionResolved,
			ActionID: actionID,
			Action:   rec,
			Response: rec.Response,
			Ack:      ack,
		}, nil
	case errors.Is(err, store.ErrAlreadyResolved):
		return routingError(actionID, rec, err, AckAlreadyHandled), nil
	case errors.Is(err, store.ErrNotFound):
		return routingError(actionID, nil, err, AckExpired), nil
	}
	return Result{}, fmt.Errorf("resolve %s: %w", actionID, err)
}

func routingError(actionID string, action *store.PendingAction, err error, ack string) Result {
	return Result{Outcome: OutcomeRoutingError, ActionID: actionID, Action: action, Err: err, Ack: ack}
}

// kindAllowed reports whether a button kind belongs to a notification type.
func kindAllowed(t store.NotificationType, k callback.Kind) bool {
	switch t {
	case store.NotificationPlanApproval, store.NotificationHITLRequest:
		switch k {
		case callback.KindApprove, callback.KindReject, callback.KindFeedbackPrompt:
			return true
		}
	case store.NotificationUserQuestion:
		switch k {
		case callback.KindSelect, callback.KindCustomPrompt:
			return true
		}
	}
	return false
}

func buttonResponse(a *store.PendingAction, d callback.Descriptor, now time.Time) (store.Response, string, error) {
	resp := store.Response{ResolvedAt: now}
	plan := a.NotificationType == store.NotificationPlanApproval

	switch d.Kind {
	case callback.KindApprove:
		resp.Kind, resp.Value = store.ResponseApprove, string(store.ResponseApprove)
		if plan {
			return resp, AckPlanApproved, nil
		}
		return resp, AckAccepted, nil
	case callback.KindReject:
		resp.Kind, resp.Value = store.ResponseReject, string(store.ResponseReject)
		if plan {
			return resp, AckPlanRejected, nil
		}
		return resp, AckRejected, nil
	case callback.KindSelect:
		idx := *d.OptionIndex
		if idx >= len(a.Options) {
			return store.Response{}, "", fmt.Errorf("%w: option %d of %d", ErrInvalidAction, idx, len(a.Options))
		}
		resp.Kind, resp.Value, resp.OptionIndex = store.ResponseSelect, a.Options[idx], &idx
		return resp, fmt.Sprintf(ackSelectedPattern, a.Options[idx]), nil
	}
	return store.Response{}, "", fmt.Errorf("%w: %s", ErrInvalidAction, d.Kind)
}

// PhotoPrompt builds the agent prompt for an image sent from chat.
func PhotoPrompt(imagePath, caption string) string {
	if caption != "" {
		return fmt.Sprintf("The user sent an image via Telegram with the following caption:\n\n%s\n\n"+
			"The image has been saved to: %s\nPlease read the image file and respond to the user's request.",
			caption, imagePath)
	}
	return fmt.Sprintf("The user sent an image via Telegram.\n\n"+
		"The image has been saved to: %s\nPlease read the image file and describe what you see.", imagePath)
}
