package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

// FeedbackStore keeps the single open feedback session in a one-row table.
type FeedbackStore struct {
	db *sql.DB
}

func NewFeedbackStore(db *sql.DB) *FeedbackStore {
	return &FeedbackStore{db: db}
}

func peekSession(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (*store.FeedbackSession, error) {
	var (
		sess     store.FeedbackSession
		kind     string
		openedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT action_id, prompt_kind, opened_at FROM feedback_session WHERE id = 1`).
		Scan(&sess.ActionID, &kind, &openedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feedback session: %w", err)
	}
	switch k := store.PromptKind(kind); k {
	case store.PromptFeedback, store.PromptCustom:
		sess.PromptKind = k
	default:
		return nil, fmt.Errorf("%w: feedback session: unknown prompt kind %q", store.ErrStoreCorrupt, kind)
	}
	if sess.ActionID == "" {
		return nil, fmt.Errorf("%w: feedback session: missing action id", store.ErrStoreCorrupt)
	}
	sess.OpenedAt = time.Unix(0, openedAt).UTC()
	return &sess, nil
}

func (s *FeedbackStore) Open(ctx context.Context, actionID string, kind store.PromptKind, now time.Time) (*store.FeedbackSession, error) {
	var prev *store.FeedbackSession
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		old, err := peekSession(ctx, tx)
		if errors.Is(err, store.ErrStoreCorrupt) {
			slog.Warn("replacing corrupt feedback session", "error", err)
		} else if err != nil {
			return err
		}
		prev = old
		_, err = tx.ExecContext(ctx, `INSERT INTO feedback_session (id, action_id, prompt_kind, opened_at)
			VALUES (1, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET action_id = excluded.action_id,
				prompt_kind = excluded.prompt_kind, opened_at = excluded.opened_at`,
			actionID, string(kind), now.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("open feedback session: %w", err)
		}
		return nil
	})
	return prev, err
}

func (s *FeedbackStore) Consume(ctx context.Context) (*store.FeedbackSession, error) {
	var out *store.FeedbackSession
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		sess, err := peekSession(ctx, tx)
		if err != nil || sess == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM feedback_session WHERE id = 1`); err != nil {
			return fmt.Errorf("clear feedback session: %w", err)
		}
		out = sess
		return nil
	})
	return out, err
}

func (s *FeedbackStore) Peek(ctx context.Context) (*store.FeedbackSession, error) {
	return peekSession(ctx, s.db)
}

// OffsetStore keeps the update cursor in a one-row table.
type OffsetStore struct {
	db *sql.DB
}

func NewOffsetStore(db *sql.DB) *OffsetStore {
	return &OffsetStore{db: db}
}

func (s *OffsetStore) Load(ctx context.Context) (int64, bool, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx, `SELECT next_offset FROM update_offset WHERE id = 1`).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read update offset: %w", err)
	}
	if offset < 0 {
		slog.Warn("update offset invalid, polling from the oldest pending update", "offset", offset)
		return 0, false, nil
	}
	return offset, true, nil
}

// Save commits the cursor. It never moves the cursor backwards.
func (s *OffsetStore) Save(ctx context.Context, offset int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO update_offset (id, next_offset) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET next_offset = max(next_offset, excluded.next_offset)`, offset)
	if err != nil {
		return fmt.Errorf("save update offset: %w", err)
	}
	return nil
}

// SendLog keeps admitted send times, one row per send.
type SendLog struct {
	db *sql.DB
}

func NewSendLog(db *sql.DB) *SendLog {
	return &SendLog{db: db}
}

func (s *SendLog) Update(ctx context.Context, fn func(times []time.Time) ([]time.Time, bool)) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT sent_at FROM send_log ORDER BY sent_at`)
		if err != nil {
			return fmt.Errorf("read send log: %w", err)
		}
		var times []time.Time
		for rows.Next() {
			var ns int64
			if err := rows.Scan(&ns); err != nil {
				rows.Close()
				return fmt.Errorf("read send log: %w", err)
			}
			times = append(times, time.Unix(0, ns))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read send log: %w", err)
		}

		next, save := fn(times)
		if !save {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM send_log`); err != nil {
			return fmt.Errorf("write send log: %w", err)
		}
		for _, t := range next {
			if _, err := tx.ExecContext(ctx, `INSERT INTO send_log (sent_at) VALUES (?)`, t.UnixNano()); err != nil {
				return fmt.Errorf("write send log: %w", err)
			}
		}
		return nil
	})
}
