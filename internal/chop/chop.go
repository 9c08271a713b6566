// Package chop runs the two halves of the bridge: the outbound cycle that
// delivers notifications and the inbound cycle that applies chat updates.
// Both are single-pass and safe to run from separate processes against the
// same state directory.
package chop

import (
	"context"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/gate"
	"github.com/sasehq/sase-chop-telegram/internal/notify"
	"github.com/sasehq/sase-chop-telegram/internal/router"
	"github.com/sasehq/sase-chop-telegram/internal/store"
)

// Transport is the chat client. Implementations block until the remote side
// answers; errors are transport errors and never resolution outcomes.
type Transport interface {
	Send(ctx context.Context, chatID, text string, buttons [][]gate.Button) (messageID int, err error)
	EditButtons(ctx context.Context, chatID string, messageID int, buttons [][]gate.Button) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SendFile(ctx context.Context, chatID, path string) error
	PollUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]router.Update, error)
	DownloadPhoto(ctx context.Context, fileID, dir string) (string, error)
}

// Source lists notifications not yet delivered.
type Source interface {
	ListUnsent(ctx context.Context) ([]notify.Notification, error)
	MarkSent(ctx context.Context, n notify.Notification) error
}

// Sink writes the response file for a resolved action.
type Sink interface {
	Write(ctx context.Context, a *store.PendingAction) (written bool, err error)
}

// SendLimiter admits extra sends such as attachments.
type SendLimiter interface {
	TryAdmit(ctx context.Context, now time.Time) (bool, error)
	WaitTime(ctx context.Context, now time.Time) (time.Duration, error)
}
