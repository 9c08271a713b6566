package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

const (
	feedbackFile    = "awaiting_feedback.json"
	feedbackVersion = 1
)

type feedbackDoc struct {
	Version int `json:"version"`
	store.FeedbackSession
}

// FeedbackStore keeps the single open feedback session in its own file.
// No session is the absence of the file, never an empty record.
type FeedbackStore struct {
	path string
}

func NewFeedbackStore(dir string) *FeedbackStore {
	return &FeedbackStore{path: filepath.Join(dir, feedbackFile)}
}

func (s *FeedbackStore) load() (*store.FeedbackSession, error) {
	data, ok, err := readFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read feedback session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var doc feedbackDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrStoreCorrupt, s.path, err)
	}
	if doc.Version != feedbackVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", store.ErrStoreCorrupt, s.path, doc.Version)
	}
	if doc.ActionID == "" {
		return nil, fmt.Errorf("%w: %s: missing action id", store.ErrStoreCorrupt, s.path)
	}
	switch doc.PromptKind {
	case store.PromptFeedback, store.PromptCustom:
	default:
		return nil, fmt.Errorf("%w: %s: unknown prompt kind %q", store.ErrStoreCorrupt, s.path, doc.PromptKind)
	}
	sess := doc.FeedbackSession
	return &sess, nil
}

func (s *FeedbackStore) Open(ctx context.Context, actionID string, kind store.PromptKind, now time.Time) (*store.FeedbackSession, error) {
	var prev *store.FeedbackSession
	err := withLock(ctx, s.path, func() error {
		// A corrupt leftover is superseded like any other open session.
		old, err := s.load()
		if errors.Is(err, store.ErrStoreCorrupt) {
			slog.Warn("replacing corrupt feedback session", "path", s.path, "error", err)
		} else if err != nil {
			return err
		}
		prev = old
		return WriteJSONAtomic(s.path, feedbackDoc{
			Version: feedbackVersion,
			FeedbackSession: store.FeedbackSession{
				ActionID:   actionID,
				PromptKind: kind,
				OpenedAt:   now.UTC(),
			},
		})
	})
	return prev, err
}

func (s *FeedbackStore) Consume(ctx context.Context) (*store.FeedbackSession, error) {
	var out *store.FeedbackSession
	err := withLock(ctx, s.path, func() error {
		sess, err := s.load()
		if err != nil || sess == nil {
			return err
		}
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear feedback session: %w", err)
		}
		out = sess
		return nil
	})
	return out, err
}

func (s *FeedbackStore) Peek(ctx context.Context) (*store.FeedbackSession, error) {
	var out *store.FeedbackSession
	err := withLock(ctx, s.path, func() error {
		sess, err := s.load()
		out = sess
		return err
	})
	return out, err
}
