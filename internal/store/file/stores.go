// Package file implements the durable stores as JSON/text files under one
// state directory. Each file has a sidecar ".lock" file; every read-modify-write
// holds an exclusive flock on it and replaces the data file by rename.
package file

import (
	"fmt"
	"os"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

// NewStores returns the file-backed stores rooted at dir.
func NewStores(dir string) (*store.Stores, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &store.Stores{
		Pending:  NewPendingActionStore(dir),
		Feedback: NewFeedbackStore(dir),
		Offset:   NewOffsetStore(dir),
		SendLog:  NewSendLog(dir),
		Close:    func() error { return nil },
	}, nil
}
