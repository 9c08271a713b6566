package store

import (
	"fmt"
	"time"
)

// NotificationType is the closed set of notification kinds that can carry
// interactive buttons.
type NotificationType string

const (
	NotificationPlanApproval NotificationType = "plan-approval"
	NotificationHITLRequest  NotificationType = "hitl-request"
	NotificationUserQuestion NotificationType = "user-question"
)

// ParseNotificationType validates a persisted or configured notification type.
func ParseNotificationType(s string) (NotificationType, error) {
	switch t := NotificationType(s); t {
	case NotificationPlanApproval, NotificationHITLRequest, NotificationUserQuestion:
		return t, nil
	}
	return "", fmt.Errorf("unknown notification type %q", s)
}

// PromptKind says which button opened a feedback session.
type PromptKind string

const (
	PromptFeedback PromptKind = "feedback"
	PromptCustom   PromptKind = "custom"
)

// ResponseKind is the shape of a resolution.
type ResponseKind string

const (
	ResponseApprove ResponseKind = "approve"
	ResponseReject  ResponseKind = "reject"
	ResponseSelect  ResponseKind = "select"
	ResponseText    ResponseKind = "text"
)

// Response is the payload stored on a Pending Action when it is resolved.
// Value is the human-level answer: the selected option label for selects,
// the typed text for feedback, or the kind name for approve/reject.
type Response struct {
	Kind        ResponseKind `json:"kind"`
	Value       string       `json:"value,omitempty"`
	OptionIndex *int         `json:"option_index,omitempty"`
	ResolvedAt  time.Time    `json:"resolved_at"`
}

// NewAction is the input to PendingActionStore.Create.
type NewAction struct {
	NotificationID   string
	NotificationType NotificationType
	Options          []string
	ActionData       map[string]string
}

// PendingAction is one outstanding item awaiting user resolution.
type PendingAction struct {
	ActionID         string            `json:"action_id"`
	NotificationID   string            `json:"notification_id"`
	NotificationType NotificationType  `json:"notification_type"`
	CreatedAt        time.Time         `json:"created_at"`
	Options          []string          `json:"options"`
	ActionData       map[string]string `json:"action_data,omitempty"`
	ChatID           string            `json:"chat_id,omitempty"`
	MessageID        int               `json:"message_id,omitempty"`
	Resolved         bool              `json:"resolved"`
	Response         *Response         `json:"response,omitempty"`
}

// Clone returns a deep copy so callers never alias store-owned slices or maps.
func (a *PendingAction) Clone() *PendingAction {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Options != nil {
		cp.Options = append([]string(nil), a.Options...)
	}
	if a.ActionData != nil {
		cp.ActionData = make(map[string]string, len(a.ActionData))
		for k, v := range a.ActionData {
			cp.ActionData[k] = v
		}
	}
	if a.Response != nil {
		r := *a.Response
		if r.OptionIndex != nil {
			idx := *r.OptionIndex
			r.OptionIndex = &idx
		}
		cp.Response = &r
	}
	return &cp
}

// FeedbackSession marks that the next text message answers ActionID.
type FeedbackSession struct {
	ActionID   string     `json:"action_id"`
	PromptKind PromptKind `json:"prompt_kind"`
	OpenedAt   time.Time  `json:"opened_at"`
}
