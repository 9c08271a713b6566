package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

const actionColumns = `action_id, notification_id, notification_type, created_at, options,
	action_data, chat_id, message_id, resolved, response`

// PendingActionStore keeps pending actions in the pending_actions table.
type PendingActionStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPendingActionStore(db *sql.DB) *PendingActionStore {
	return &PendingActionStore{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*store.PendingAction, error) {
	var (
		a                  store.PendingAction
		typ, options, data string
		createdAt          int64
		resolved           bool
		response           sql.NullString
	)
	if err := row.Scan(&a.ActionID, &a.NotificationID, &typ, &createdAt, &options,
		&data, &a.ChatID, &a.MessageID, &resolved, &response); err != nil {
		return nil, err
	}

	t, err := store.ParseNotificationType(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: action %s: %v", store.ErrStoreCorrupt, a.ActionID, err)
	}
	a.NotificationType = t
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.Resolved = resolved
	if err := json.Unmarshal([]byte(options), &a.Options); err != nil {
		return nil, fmt.Errorf("%w: action %s options: %v", store.ErrStoreCorrupt, a.ActionID, err)
	}
	if a.Options == nil {
		a.Options = []string{}
	}
	if err := json.Unmarshal([]byte(data), &a.ActionData); err != nil {
		return nil, fmt.Errorf("%w: action %s data: %v", store.ErrStoreCorrupt, a.ActionID, err)
	}
	if len(a.ActionData) == 0 {
		a.ActionData = nil
	}
	if response.Valid {
		var r store.Response
		if err := json.Unmarshal([]byte(response.String), &r); err != nil {
			return nil, fmt.Errorf("%w: action %s response: %v", store.ErrStoreCorrupt, a.ActionID, err)
		}
		a.Response = &r
	}
	return &a, nil
}

func getAction(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, actionID string) (*store.PendingAction, error) {
	a, err := scanAction(q.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM pending_actions WHERE action_id = ?`, actionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, actionID)
	}
	return a, err
}

func (s *PendingActionStore) Create(ctx context.Context, in store.NewAction) (string, error) {
	options, err := json.Marshal(append([]string{}, in.Options...))
	if err != nil {
		return "", fmt.Errorf("marshal options: %w", err)
	}
	data := []byte("{}")
	if len(in.ActionData) > 0 {
		if data, err = json.Marshal(in.ActionData); err != nil {
			return "", fmt.Errorf("marshal action data: %w", err)
		}
	}

	var id string
	err = inTx(ctx, s.db, func(tx *sql.Tx) error {
		if in.NotificationID != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT action_id FROM pending_actions WHERE notification_id = ?`, in.NotificationID).Scan(&id)
			if err == nil {
				slog.Debug("pending action reused for notification",
					"action_id", id, "notification_id", in.NotificationID)
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup notification: %w", err)
			}
		}

		newID, err := store.NewActionID(func(candidate string) (bool, error) {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM pending_actions WHERE action_id = ?`, candidate).Scan(&n)
			return n > 0, err
		})
		if err != nil {
			return err
		}
		id = newID

		_, err = tx.ExecContext(ctx, `INSERT INTO pending_actions
			(action_id, notification_id, notification_type, created_at, options, action_data)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, in.NotificationID, string(in.NotificationType), s.now().UTC().UnixNano(),
			string(options), string(data))
		if err != nil {
			return fmt.Errorf("insert pending action: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PendingActionStore) Get(ctx context.Context, actionID string) (*store.PendingAction, error) {
	return getAction(ctx, s.db, actionID)
}

// Resolve flips resolved with a compare-and-set so two racing resolutions
// cannot both win.
func (s *PendingActionStore) Resolve(ctx context.Context, actionID string, resp store.Response) (*store.PendingAction, error) {
	if resp.ResolvedAt.IsZero() {
		resp.ResolvedAt = s.now().UTC()
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}

	var out *store.PendingAction
	err = inTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_actions SET resolved = 1, response = ? WHERE action_id = ? AND resolved = 0`,
			string(body), actionID)
		if err != nil {
			return fmt.Errorf("resolve pending action: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve pending action: %w", err)
		}
		a, err := getAction(ctx, tx, actionID)
		if err != nil {
			return err
		}
		out = a
		if n == 0 {
			return fmt.Errorf("%w: %s", store.ErrAlreadyResolved, actionID)
		}
		return nil
	})
	return out, err
}

func (s *PendingActionStore) SetMessage(ctx context.Context, actionID, chatID string, messageID int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET chat_id = ?, message_id = ? WHERE action_id = ?`,
		chatID, messageID, actionID)
	if err != nil {
		return fmt.Errorf("set message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, actionID)
	}
	return nil
}

func (s *PendingActionStore) List(ctx context.Context) ([]*store.PendingAction, error) {
	return s.list(ctx, `SELECT `+actionColumns+` FROM pending_actions ORDER BY created_at, action_id`)
}

func (s *PendingActionStore) ListUnresolved(ctx context.Context) ([]*store.PendingAction, error) {
	return s.list(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE resolved = 0 ORDER BY created_at, action_id`)
}

func (s *PendingActionStore) list(ctx context.Context, query string) ([]*store.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	var out []*store.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PendingActionStore) PruneResolved(ctx context.Context, cutoff time.Time) ([]string, error) {
	var removed []string
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT action_id FROM pending_actions WHERE resolved = 1 AND created_at < ? ORDER BY action_id`,
			cutoff.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("select resolved actions: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM pending_actions WHERE resolved = 1 AND created_at < ?`, cutoff.UTC().UnixNano())
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
