package file

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
)

const offsetFile = "update_offset.txt"

// OffsetStore persists the next update id to request from the Bot API.
type OffsetStore struct {
	path string
}

func NewOffsetStore(dir string) *OffsetStore {
	return &OffsetStore{path: filepath.Join(dir, offsetFile)}
}

// Load returns ok=false when no offset was ever committed. An unreadable
// cursor is dropped with a warning: re-fetching updates is safe because
// resolution is idempotent.
func (s *OffsetStore) Load(ctx context.Context) (int64, bool, error) {
	var (
		offset int64
		ok     bool
	)
	err := withLock(ctx, s.path, func() error {
		data, exists, err := readFile(s.path)
		if err != nil {
			return fmt.Errorf("read update offset: %w", err)
		}
		if !exists {
			return nil
		}
		v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil || v < 0 {
			slog.Warn("update offset unreadable, polling from the oldest pending update",
				"path", s.path, "content", strings.TrimSpace(string(data)))
			return nil
		}
		offset, ok = v, true
		return nil
	})
	return offset, ok, err
}

// Save commits the cursor. It never moves the cursor backwards.
func (s *OffsetStore) Save(ctx context.Context, offset int64) error {
	return withLock(ctx, s.path, func() error {
		data, exists, err := readFile(s.path)
		if err != nil {
			return fmt.Errorf("read update offset: %w", err)
		}
		if exists {
			if cur, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil && cur >= offset {
				return nil
			}
		}
		return WriteFileAtomic(s.path, []byte(strconv.FormatInt(offset, 10)))
	})
}
