// Package activity answers "how long has the user been idle" from the
// timestamp file the TUI touches on every interaction.
package activity

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Clock reports idle time.
type Clock interface {
	// SecondsSinceLastActivity returns ok=false when no activity was ever
	// recorded, in which case the user is treated as present.
	SecondsSinceLastActivity(now time.Time) (secs int64, ok bool, err error)
}

// FileClock reads the last activity time from a file holding unix seconds
// (float) or an RFC 3339 timestamp. The file's mtime is used when its content
// is empty.
type FileClock struct {
	Path string
}

func (c FileClock) SecondsSinceLastActivity(now time.Time) (int64, bool, error) {
	last, ok, err := c.LastActivity()
	if err != nil || !ok {
		return 0, ok, err
	}
	idle := now.Sub(last)
	if idle < 0 {
		idle = 0
	}
	return int64(idle / time.Second), true, nil
}

// LastActivity returns the recorded activity time.
func (c FileClock) LastActivity() (time.Time, bool, error) {
	info, err := os.Stat(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stat activity file: %w", err)
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read activity file: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return info.ModTime(), true, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false, fmt.Errorf("activity file %s: unparsable %q", c.Path, raw)
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))), true, nil
}

// Inactive reports whether the user has been idle for at least threshold.
// Unknown activity counts as active, so nothing is sent before the TUI has
// ever run.
func Inactive(c Clock, now time.Time, threshold time.Duration) (bool, error) {
	secs, ok, err := c.SecondsSinceLastActivity(now)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return time.Duration(secs)*time.Second >= threshold, nil
}

// PIDFile holds the process id of a running TUI.
type PIDFile struct {
	Path string
}

// Running reports whether the recorded process is alive. A missing or empty
// file means not running.
func (p PIDFile) Running() (bool, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pid file: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return false, nil
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return false, fmt.Errorf("pid file %s: unparsable %q", p.Path, raw)
	}
	err = syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM), nil
}

// QuitTime returns the TUI's last activity while it is not running. The TUI
// stamps the activity file on exit, so that is when it quit.
func QuitTime(pid PIDFile, c FileClock) (time.Time, bool, error) {
	running, err := pid.Running()
	if err != nil || running {
		return time.Time{}, false, err
	}
	return c.LastActivity()
}
