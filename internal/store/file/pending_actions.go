package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

const (
	pendingActionsFile    = "pending_actions.json"
	pendingActionsVersion = 1
)

type pendingActionsDoc struct {
	Version int                            `json:"version"`
	Actions map[string]*store.PendingAction `json:"actions"`
}

// PendingActionStore keeps pending actions in one JSON document. Every
// operation is a locked read-modify-write so the inbound and outbound
// processes can share it.
type PendingActionStore struct {
	path string
	now  func() time.Time
}

func NewPendingActionStore(dir string) *PendingActionStore {
	return &PendingActionStore{
		path: filepath.Join(dir, pendingActionsFile),
		now:  time.Now,
	}
}

// Path returns the backing file path.
func (s *PendingActionStore) Path() string { return s.path }

func (s *PendingActionStore) load() (*pendingActionsDoc, error) {
	data, ok, err := readFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read pending actions: %w", err)
	}
	doc := &pendingActionsDoc{Version: pendingActionsVersion, Actions: map[string]*store.PendingAction{}}
	if !ok || len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrStoreCorrupt, s.path, err)
	}
	if doc.Version != pendingActionsVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", store.ErrStoreCorrupt, s.path, doc.Version)
	}
	if doc.Actions == nil {
		doc.Actions = map[string]*store.PendingAction{}
	}
	for id, a := range doc.Actions {
		if a == nil || a.ActionID != id {
			return nil, fmt.Errorf("%w: %s: malformed record %q", store.ErrStoreCorrupt, s.path, id)
		}
	}
	return doc, nil
}

// mutate runs fn on the loaded document under the store lock and saves the
// result when fn reports a change.
func (s *PendingActionStore) mutate(ctx context.Context, fn func(doc *pendingActionsDoc) (changed bool, err error)) error {
	return withLock(ctx, s.path, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		changed, err := fn(doc)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return WriteJSONAtomic(s.path, doc)
	})
}

func (s *PendingActionStore) Create(ctx context.Context, in store.NewAction) (string, error) {
	var id string
	err := s.mutate(ctx, func(doc *pendingActionsDoc) (bool, error) {
		if in.NotificationID != "" {
			for _, a := range doc.Actions {
				if a.NotificationID == in.NotificationID {
					slog.Debug("pending action reused for notification",
						"action_id", a.ActionID, "notification_id", in.NotificationID)
					id = a.ActionID
					return false, nil
				}
			}
		}

		newID, err := store.NewActionID(func(candidate string) (bool, error) {
			_, taken := doc.Actions[candidate]
			return taken, nil
		})
		if err != nil {
			return false, err
		}
		id = newID

		doc.Actions[id] = &store.PendingAction{
			ActionID:         id,
			NotificationID:   in.NotificationID,
			NotificationType: in.NotificationType,
			CreatedAt:        s.now().UTC(),
			Options:          append([]string{}, in.Options...),
			ActionData:       in.ActionData,
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PendingActionStore) Get(ctx context.Context, actionID string) (*store.PendingAction, error) {
	var out *store.PendingAction
	err := withLock(ctx, s.path, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		a, ok := doc.Actions[actionID]
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrNotFound, actionID)
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

func (s *PendingActionStore) Resolve(ctx context.Context, actionID string, resp store.Response) (*store.PendingAction, error) {
	var out *store.PendingAction
	err := s.mutate(ctx, func(doc *pendingActionsDoc) (bool, error) {
		a, ok := doc.Actions[actionID]
		if !ok {
			return false, fmt.Errorf("%w: %s", store.ErrNotFound, actionID)
		}
		if a.Resolved {
			out = a.Clone()
			return false, fmt.Errorf("%w: %s", store.ErrAlreadyResolved, actionID)
		}
		if resp.ResolvedAt.IsZero() {
			resp.ResolvedAt = s.now().UTC()
		}
		a.Resolved = true
		a.Response = &resp
		out = a.Clone()
		return true, nil
	})
	return out, err
}

func (s *PendingActionStore) SetMessage(ctx context.Context, actionID, chatID string, messageID int) error {
	return s.mutate(ctx, func(doc *pendingActionsDoc) (bool, error) {
		a, ok := doc.Actions[actionID]
		if !ok {
			return false, fmt.Errorf("%w: %s", store.ErrNotFound, actionID)
		}
		a.ChatID = chatID
		a.MessageID = messageID
		return true, nil
	})
}

func (s *PendingActionStore) List(ctx context.Context) ([]*store.PendingAction, error) {
	return s.list(ctx, func(*store.PendingAction) bool { return true })
}

func (s *PendingActionStore) ListUnresolved(ctx context.Context) ([]*store.PendingAction, error) {
	return s.list(ctx, func(a *store.PendingAction) bool { return !a.Resolved })
}

func (s *PendingActionStore) list(ctx context.Context, keep func(*store.PendingAction) bool) ([]*store.PendingAction, error) {
	var out []*store.PendingAction
	err := withLock(ctx, s.path, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		for _, a := range doc.Actions {
			if keep(a) {
				out = append(out, a.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortActions(out)
	return out, nil
}

func (s *PendingActionStore) PruneResolved(ctx context.Context, cutoff time.Time) ([]string, error) {
	var removed []string
	err := s.mutate(ctx, func(doc *pendingActionsDoc) (bool, error) {
		for id, a := range doc.Actions {
			if a.Resolved && a.CreatedAt.Before(cutoff) {
				delete(doc.Actions, id)
				removed = append(removed, id)
			}
		}
		return len(removed) > 0, nil
	})
	sort.Strings(removed)
	return removed, err
}

func sortActions(actions []*store.PendingAction) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].ActionID < actions[j].ActionID
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}
