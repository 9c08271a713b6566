package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

func TestFeedbackStore_OpenConsumeOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewFeedbackStore(dir)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	prev, err := s.Open(ctx, "A", store.PromptFeedback, now)
	require.NoError(t, err)
	assert.Nil(t, prev)

	peeked, err := s.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, peeked)
	assert.Equal(t, "A", peeked.ActionID)

	sess, err := s.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "A", sess.ActionID)
	assert.Equal(t, store.PromptFeedback, sess.PromptKind)
	assert.True(t, now.Equal(sess.OpenedAt))

	again, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	_, err = os.Stat(filepath.Join(dir, feedbackFile))
	assert.True(t, os.IsNotExist(err), "no session must mean no file")
}

func TestFeedbackStore_OpenSupersedes(t *testing.T) {
	ctx := context.Background()
	s := NewFeedbackStore(t.TempDir())
	now := time.Now()

	_, err := s.Open(ctx, "A", store.PromptFeedback, now)
	require.NoError(t, err)
	prev, err := s.Open(ctx, "B", store.PromptCustom, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "A", prev.ActionID)

	sess, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", sess.ActionID)
	assert.Equal(t, store.PromptCustom, sess.PromptKind)
}

func TestFeedbackStore_PeekEmpty(t *testing.T) {
	sess, err := NewFeedbackStore(t.TempDir()).Peek(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestFeedbackStore_CorruptFailsClosed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// Layout written by the previous implementation.
	legacy := `{"prefix": "ab12cd34", "action_info": {"action_type": "hitl"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, feedbackFile), []byte(legacy), 0o600))
	s := NewFeedbackStore(dir)

	_, err := s.Peek(ctx)
	assert.ErrorIs(t, err, store.ErrStoreCorrupt)
	_, err = s.Consume(ctx)
	assert.ErrorIs(t, err, store.ErrStoreCorrupt)

	// Opening a new session replaces the unreadable one.
	prev, err := s.Open(ctx, "C", store.PromptFeedback, time.Now())
	require.NoError(t, err)
	assert.Nil(t, prev)
	sess, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "C", sess.ActionID)
}

func TestOffsetStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewOffsetStore(dir)

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, 101))
	off, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 101, off)

	// Never moves backwards.
	require.NoError(t, s.Save(ctx, 50))
	off, _, err = NewOffsetStore(dir).Load(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 101, off)

	require.NoError(t, os.WriteFile(filepath.Join(dir, offsetFile), []byte("garbage"), 0o600))
	_, ok, err = s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendLog_RoundTripAndFailOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewSendLog(dir)
	t0 := time.Unix(1_700_000_000, 500_000_000)

	require.NoError(t, s.Update(ctx, func(times []time.Time) ([]time.Time, bool) {
		assert.Empty(t, times)
		return []time.Time{t0, t0.Add(time.Second)}, true
	}))

	require.NoError(t, s.Update(ctx, func(times []time.Time) ([]time.Time, bool) {
		require.Len(t, times, 2)
		assert.WithinDuration(t, t0, times[0], time.Millisecond)
		assert.WithinDuration(t, t0.Add(time.Second), times[1], time.Millisecond)
		return nil, false
	}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, sendLogFile), []byte("[1, 2,"), 0o600))
	require.NoError(t, s.Update(ctx, func(times []time.Time) ([]time.Time, bool) {
		assert.Empty(t, times)
		return nil, false
	}))
}
