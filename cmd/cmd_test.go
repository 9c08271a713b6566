package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

func TestPrintActions(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	var buf bytes.Buffer
	printActions(&buf, []*store.PendingAction{
		{ActionID: "a1b2c3d4", NotificationType: store.NotificationUserQuestion, CreatedAt: created,
			Options: []string{"🔴 Red", "Blue"}},
		{ActionID: "e5f6a7b8", NotificationType: store.NotificationPlanApproval, CreatedAt: created,
			ChatID: "42", MessageID: 7, Resolved: true, Response: &store.Response{Kind: store.ResponseApprove}},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "open")
	assert.Contains(t, lines[1], "🔴 Red, Blue")
	assert.Contains(t, lines[2], "resolved: approve")
	assert.Contains(t, lines[2], "42/7")

	statusCol := strings.Index(lines[0], "STATUS")
	assert.Equal(t, statusCol, strings.Index(lines[2], "resolved"), "columns are aligned")
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "1234*****wxyz", maskToken("123456789wxyz"))
	assert.Equal(t, "***", maskToken("abc"))
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validateChatID("-100123"))
	assert.Error(t, validateChatID(""))
	assert.Error(t, validateChatID("@channel"))

	assert.NoError(t, validateNonNegative("0"))
	assert.Error(t, validateNonNegative("-1"))
	assert.Error(t, validateNonNegative("ten"))
}

func TestWatchNotifications_KicksOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notifications.jsonl")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kicks := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- watchNotifications(ctx, path, func() { kicks <- struct{}{} })
	}()

	// The watcher registers asynchronously; keep writing until it reports.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-kicks:
			break loop
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte(`{"id":"n1"}`+"\n"), 0o600))
		case <-deadline:
			t.Fatal("no kick after writing the notification log")
		}
	}

	// Other files in the directory are ignored.
	time.Sleep(200 * time.Millisecond)
	for len(kicks) > 0 {
		<-kicks
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600))
	select {
	case <-kicks:
		t.Fatal("unrelated file triggered a kick")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestRunSchedule_InvalidExpression(t *testing.T) {
	err := runSchedule(context.Background(), "not a cron", func() {})
	assert.Error(t, err)
}
