// Package notify reads the automation tool's notification log and tracks
// which entries have already been delivered.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

// Notification actions that expect a user response.
const (
	ActionPlanApproval = "PlanApproval"
	ActionHITL         = "HITL"
	ActionUserQuestion = "UserQuestion"
)

// Notification is one record of the notification log. Options is filled by
// the source for user questions.
type Notification struct {
	ID         string            `json:"id"`
	Timestamp  string            `json:"timestamp"`
	Sender     string            `json:"sender"`
	Notes      []string          `json:"notes"`
	Files      []string          `json:"files,omitempty"`
	Action     string            `json:"action,omitempty"`
	ActionData map[string]string `json:"action_data,omitempty"`
	Read       bool              `json:"read"`
	Dismissed  bool              `json:"dismissed"`

	Question string   `json:"-"`
	Options  []string `json:"-"`
}

// Type maps the notification's action onto the closed set of actionable
// types. ok is false for purely informational notifications.
func (n Notification) Type() (t store.NotificationType, ok bool) {
	switch n.Action {
	case ActionPlanApproval:
		return store.NotificationPlanApproval, true
	case ActionHITL:
		return store.NotificationHITLRequest, true
	case ActionUserQuestion:
		return store.NotificationUserQuestion, true
	}
	return "", false
}

// Actionable reports whether the notification gets buttons and a pending action.
func (n Notification) Actionable() bool {
	_, ok := n.Type()
	return ok
}

// Content joins the notes into the message body.
func (n Notification) Content() string {
	return strings.Join(n.Notes, "\n")
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// Time parses the ISO-8601 timestamp. Naive timestamps are local time.
func (n Notification) Time() (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, n.Timestamp, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("notification %s: unparsable timestamp %q", n.ID, n.Timestamp)
}
