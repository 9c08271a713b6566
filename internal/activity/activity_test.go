package activity

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileClock(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1_700_000_600, 0)

	tests := []struct {
		name     string
		content  *string
		wantSecs int64
		wantOK   bool
		wantErr  bool
	}{
		{name: "missing file", content: nil},
		{name: "float seconds", content: ptr("1700000000.25"), wantSecs: 599, wantOK: true},
		{name: "rfc3339", content: ptr(time.Unix(1_700_000_500, 0).UTC().Format(time.RFC3339)), wantSecs: 100, wantOK: true},
		{name: "future is zero", content: ptr("1700009999"), wantSecs: 0, wantOK: true},
		{name: "garbage", content: ptr("soon"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if tt.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0o600))
			}
			secs, ok, err := FileClock{Path: path}.SecondsSinceLastActivity(now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantSecs, secs)
		})
	}
}

type fixedClock struct {
	secs int64
	ok   bool
}

func (f fixedClock) SecondsSinceLastActivity(time.Time) (int64, bool, error) { return f.secs, f.ok, nil }

func TestInactive(t *testing.T) {
	now := time.Now()
	got, err := Inactive(fixedClock{secs: 600, ok: true}, now, 600*time.Second)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Inactive(fixedClock{secs: 599, ok: true}, now, 600*time.Second)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = Inactive(fixedClock{}, now, 0)
	require.NoError(t, err)
	assert.False(t, got, "never-seen activity counts as present")
}

func ptr(s string) *string { return &s }

func TestPIDFile_Running(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tui.pid")
	p := PIDFile{Path: path}

	running, err := p.Running()
	require.NoError(t, err)
	assert.False(t, running, "missing file")

	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600))
	running, err = p.Running()
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o600))
	_, err = p.Running()
	assert.Error(t, err)
}

func TestQuitTime(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "tui.pid")
	clock := FileClock{Path: filepath.Join(dir, "last_activity")}
	require.NoError(t, os.WriteFile(clock.Path, []byte("1700000000"), 0o600))

	quit, ok, err := QuitTime(PIDFile{Path: pidPath}, clock)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Unix(1_700_000_000, 0), quit)

	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600))
	_, ok, err = QuitTime(PIDFile{Path: pidPath}, clock)
	require.NoError(t, err)
	assert.False(t, ok, "tui still running")
}
