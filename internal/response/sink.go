// Package response writes the answer files the automation tool polls for.
// Each notification type has its own file name, directory key and JSON shape.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sasehq/sase-chop-telegram/internal/store"
	"github.com/sasehq/sase-chop-telegram/internal/store/file"
)

// Keys of PendingAction.ActionData read by the sink.
const (
	KeyResponseDir  = "response_dir"
	KeyArtifactsDir = "artifacts_dir"
	KeyQuestion     = "question"
)

const globalNote = "Answered via Telegram"

// ErrExpired means the request's directory is gone: the automation tool has
// stopped waiting for an answer.
var ErrExpired = errors.New("request expired")

// Sink writes response files next to the request that produced them.
type Sink struct{}

// NewSink returns a Sink.
func NewSink() *Sink { return &Sink{} }

// DirKey returns the ActionData key naming the directory a response of type
// t is written to.
func DirKey(t store.NotificationType) (string, error) {
	switch t {
	case store.NotificationPlanApproval, store.NotificationUserQuestion:
		return KeyResponseDir, nil
	case store.NotificationHITLRequest:
		return KeyArtifactsDir, nil
	}
	return "", fmt.Errorf("unknown notification type %q", t)
}

func fileName(t store.NotificationType) string {
	switch t {
	case store.NotificationPlanApproval:
		return "plan_response.json"
	case store.NotificationHITLRequest:
		return "hitl_response.json"
	}
	return "question_response.json"
}

// Path returns the response file for a. An action without its directory has
// nowhere to be answered and is reported as ErrExpired.
func (s *Sink) Path(a *store.PendingAction) (string, error) {
	dirKey, err := DirKey(a.NotificationType)
	if err != nil {
		return "", fmt.Errorf("action %s: %w", a.ActionID, err)
	}
	dir := a.ActionData[dirKey]
	if dir == "" {
		return "", fmt.Errorf("action %s: missing %s: %w", a.ActionID, dirKey, ErrExpired)
	}
	return filepath.Join(dir, fileName(a.NotificationType)), nil
}

// Write persists a's response unless a response file already exists.
// written is false when the file was already there, so replays never produce
// a second answer. ErrExpired is returned when the request directory is gone.
func (s *Sink) Write(_ context.Context, a *store.PendingAction) (written bool, err error) {
	if a.Response == nil {
		return false, fmt.Errorf("action %s: no response recorded", a.ActionID)
	}
	path, err := s.Path(a)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Dir(path)); errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("action %s: %w", a.ActionID, ErrExpired)
	}
	if _, err := os.Stat(path); err == nil {
		slog.Debug("response file already present", "action_id", a.ActionID, "path", path)
		return false, nil
	}

	body, err := Body(a)
	if err != nil {
		return false, err
	}
	if err := file.WriteJSONAtomic(path, body); err != nil {
		return false, fmt.Errorf("write response for %s: %w", a.ActionID, err)
	}
	slog.Info("response written", "action_id", a.ActionID, "path", path)
	return true, nil
}

type planBody struct {
	Action   string `json:"action"`
	Feedback string `json:"feedback,omitempty"`
}

type hitlBody struct {
	Action   string `json:"action"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

type questionAnswer struct {
	Question       string   `json:"question"`
	Selected       []string `json:"selected"`
	CustomFeedback *string  `json:"custom_feedback"`
}

type questionBody struct {
	Answers    []questionAnswer `json:"answers"`
	GlobalNote string           `json:"global_note"`
}

// Body builds the JSON document for a resolved action.
func Body(a *store.PendingAction) (any, error) {
	r := a.Response
	if r == nil {
		return nil, fmt.Errorf("action %s: no response recorded", a.ActionID)
	}
	bad := func() error {
		return fmt.Errorf("action %s: %s response not valid for %s", a.ActionID, r.Kind, a.NotificationType)
	}

	switch a.NotificationType {
	case store.NotificationPlanApproval:
		switch r.Kind {
		case store.ResponseApprove:
			return planBody{Action: "approve"}, nil
		case store.ResponseReject:
			return planBody{Action: "reject"}, nil
		case store.ResponseText:
			return planBody{Action: "feedback", Feedback: r.Value}, nil
		}
		return nil, bad()

	case store.NotificationHITLRequest:
		switch r.Kind {
		case store.ResponseApprove:
			return hitlBody{Action: "accept", Approved: true}, nil
		case store.ResponseReject:
			return hitlBody{Action: "reject", Approved: false}, nil
		case store.ResponseText:
			return hitlBody{Action: "feedback", Approved: false, Feedback: r.Value}, nil
		}
		return nil, bad()

	case store.NotificationUserQuestion:
		answer := questionAnswer{Question: a.ActionData[KeyQuestion], Selected: []string{}}
		switch r.Kind {
		case store.ResponseSelect:
			answer.Selected = []string{r.Value}
		case store.ResponseText:
			text := r.Value
			answer.CustomFeedback = &text
		default:
			return nil, bad()
		}
		return questionBody{Answers: []questionAnswer{answer}, GlobalNote: globalNote}, nil
	}
	return nil, fmt.Errorf("action %s: unknown notification type %q", a.ActionID, a.NotificationType)
}
