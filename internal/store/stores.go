package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for an unknown action id.
	ErrNotFound = errors.New("pending action not found")

	// ErrAlreadyResolved is returned when a resolved action is resolved again.
	// The stored response is left untouched.
	ErrAlreadyResolved = errors.New("pending action already resolved")

	// ErrStoreCorrupt means persisted state could not be parsed or came from an
	// incompatible version. Pending action and feedback stores fail closed on it.
	ErrStoreCorrupt = errors.New("store corrupt")
)

// PendingActionStore is the durable action_id → PendingAction mapping.
type PendingActionStore interface {
	// Create persists a new unresolved action and returns its id. A second
	// Create for the same NotificationID returns the existing id.
	Create(ctx context.Context, in NewAction) (string, error)
	Get(ctx context.Context, actionID string) (*PendingAction, error)
	// Resolve is the single state transition point: unresolved → resolved.
	// Returns the resolved record, ErrNotFound or ErrAlreadyResolved.
	Resolve(ctx context.Context, actionID string, resp Response) (*PendingAction, error)
	// SetMessage records where the action's buttons were delivered.
	SetMessage(ctx context.Context, actionID, chatID string, messageID int) error
	ListUnresolved(ctx context.Context) ([]*PendingAction, error)
	List(ctx context.Context) ([]*PendingAction, error)
	// PruneResolved deletes resolved actions created before cutoff.
	PruneResolved(ctx context.Context, cutoff time.Time) ([]string, error)
}

// FeedbackStore holds at most one open FeedbackSession.
type FeedbackStore interface {
	// Open records a session, replacing any open one. The replaced session is
	// returned (nil when none was open).
	Open(ctx context.Context, actionID string, kind PromptKind, now time.Time) (*FeedbackSession, error)
	// Consume returns and deletes the open session, or nil.
	Consume(ctx context.Context) (*FeedbackSession, error)
	// Peek returns the open session without deleting it, or nil.
	Peek(ctx context.Context) (*FeedbackSession, error)
}

// OffsetStore persists the transport's update cursor.
type OffsetStore interface {
	// Load returns the next update id to request; ok is false on first run.
	Load(ctx context.Context) (offset int64, ok bool, err error)
	Save(ctx context.Context, offset int64) error
}

// SendLog persists the rate limiter's admitted send times.
type SendLog interface {
	// Update runs fn with the recorded times under an exclusive lock and
	// persists the returned slice when save is true.
	Update(ctx context.Context, fn func(times []time.Time) (next []time.Time, save bool)) error
}

// Stores bundles the durable state of one backend.
type Stores struct {
	Pending  PendingActionStore
	Feedback FeedbackStore
	Offset   OffsetStore
	SendLog  SendLog
	Close    func() error
}
