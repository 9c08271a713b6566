package notify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/store/file"
)

const (
	highWaterMarkFile   = "last_sent_ts"
	questionRequestFile = "question_request.json"

	maxLineBytes = 4 * 1024 * 1024
)

// QuitTimeFunc returns when the TUI last quit. ok is false while the TUI is
// running or when no quit was ever recorded.
type QuitTimeFunc func() (t time.Time, ok bool, err error)

// Source lists notifications past a persisted high-water mark.
type Source struct {
	logPath  string
	markPath string
	now      func() time.Time
	quitTime QuitTimeFunc
}

// NewSource reads the JSONL notification log at logPath and keeps its
// high-water mark in stateDir.
func NewSource(logPath, stateDir string) *Source {
	return &Source{
		logPath:  logPath,
		markPath: filepath.Join(stateDir, highWaterMarkFile),
		now:      time.Now,
	}
}

// WithQuitTime makes ListUnsent skip notifications the user already saw in
// the TUI before quitting it.
func (s *Source) WithQuitTime(fn QuitTimeFunc) *Source {
	s.quitTime = fn
	return s
}

// LogPath returns the watched notification log.
func (s *Source) LogPath() string { return s.logPath }

// mark is the delivery cursor: everything before ts is delivered, and at ts
// exactly the ids in sent are. Notifications sharing a timestamp are common
// (second resolution), so the timestamp alone cannot tell a deferred entry
// from a delivered one.
type mark struct {
	ts   time.Time
	sent map[string]bool
}

func (m mark) delivered(id string, ts time.Time) bool {
	return ts.Before(m.ts) || (ts.Equal(m.ts) && m.sent[id])
}

// ListUnsent returns unread, undismissed notifications past the mark, oldest
// first. The first run only initializes the mark so the backlog is never
// dumped on the user.
func (s *Source) ListUnsent(ctx context.Context) ([]Notification, error) {
	m, ok, err := s.loadMark()
	if err != nil {
		return nil, err
	}
	if !ok {
		slog.Info("initializing notification high-water mark", "path", s.markPath)
		return nil, s.writeMark(mark{ts: s.now()})
	}
	if m, err = s.skipSeen(m); err != nil {
		return nil, err
	}

	all, err := s.readLog(ctx)
	if err != nil {
		return nil, err
	}

	type dated struct {
		n  Notification
		ts time.Time
	}
	var unsent []dated
	for _, n := range all {
		if n.Read || n.Dismissed {
			continue
		}
		ts, err := n.Time()
		if err != nil {
			slog.Debug("skipping notification", "id", n.ID, "error", err)
			continue
		}
		if !m.delivered(n.ID, ts) {
			unsent = append(unsent, dated{n: n, ts: ts})
		}
	}
	sort.SliceStable(unsent, func(i, j int) bool { return unsent[i].ts.Before(unsent[j].ts) })

	out := make([]Notification, 0, len(unsent))
	for _, d := range unsent {
		n := d.n
		if n.Action == ActionUserQuestion {
			if dir := n.ActionData["response_dir"]; dir != "" {
				q, opts, err := LoadQuestion(dir)
				if err != nil {
					slog.Warn("question options unavailable", "id", n.ID, "error", err)
				}
				n.Question, n.Options = q, opts
			}
		}
		out = append(out, n)
	}
	return out, nil
}

// skipSeen moves the mark up to the TUI quit time when the TUI is closed.
func (s *Source) skipSeen(m mark) (mark, error) {
	if s.quitTime == nil {
		return m, nil
	}
	quit, ok, err := s.quitTime()
	if err != nil {
		return m, fmt.Errorf("read tui quit time: %w", err)
	}
	if !ok || !quit.After(m.ts) {
		return m, nil
	}
	slog.Debug("advancing high-water mark to tui quit time", "from", m.ts, "to", quit)
	m = mark{ts: quit}
	return m, s.writeMark(m)
}

// MarkSent records n as delivered. The mark never moves backwards.
func (s *Source) MarkSent(_ context.Context, n Notification) error {
	ts, err := n.Time()
	if err != nil {
		return err
	}
	m, ok, err := s.loadMark()
	if err != nil {
		return err
	}
	switch {
	case ok && m.delivered(n.ID, ts):
		return nil
	case ok && ts.Equal(m.ts):
		m.sent[n.ID] = true
	default:
		m = mark{ts: ts, sent: map[string]bool{n.ID: true}}
	}
	return s.writeMark(m)
}

func (s *Source) readLog(ctx context.Context) ([]Notification, error) {
	f, err := os.Open(s.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open notification log: %w", err)
	}
	defer f.Close()

	var out []Notification
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			slog.Warn("skipping malformed notification", "path", s.logPath, "line", line, "error", err)
			continue
		}
		out = append(out, n)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read notification log: %w", err)
	}
	return out, nil
}

// loadMark reads the mark file: the timestamp on the first line, then one
// delivered id per line.
func (s *Source) loadMark() (mark, bool, error) {
	data, err := os.ReadFile(s.markPath)
	if errors.Is(err, os.ErrNotExist) {
		return mark{}, false, nil
	}
	if err != nil {
		return mark{}, false, fmt.Errorf("read high-water mark: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	ts, err := parseMarkTime(strings.TrimSpace(lines[0]))
	if err != nil {
		return mark{}, false, fmt.Errorf("high-water mark %s: %w", s.markPath, err)
	}
	m := mark{ts: ts, sent: make(map[string]bool, len(lines)-1)}
	for _, id := range lines[1:] {
		if id = strings.TrimSpace(id); id != "" {
			m.sent[id] = true
		}
	}
	return m, true, nil
}

func parseMarkTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	// Older marks are unix seconds as a float.
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, fmt.Errorf("unparsable %q", raw)
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))), nil
}

func (s *Source) writeMark(m mark) error {
	ids := make([]string, 0, len(m.sent))
	for id := range m.sent {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	sb.WriteString(m.ts.UTC().Format(time.RFC3339Nano))
	for _, id := range ids {
		sb.WriteByte('\n')
		sb.WriteString(id)
	}
	sb.WriteByte('\n')
	return file.WriteFileAtomic(s.markPath, []byte(sb.String()))
}

type questionRequest struct {
	Questions []struct {
		Question string `json:"question"`
		Options  []struct {
			Label string `json:"label"`
		} `json:"options"`
	} `json:"questions"`
}

// LoadQuestion reads the first question and its option labels from
// dir/question_request.json.
func LoadQuestion(dir string) (question string, options []string, err error) {
	data, err := os.ReadFile(filepath.Join(dir, questionRequestFile))
	if err != nil {
		return "", nil, fmt.Errorf("read question request: %w", err)
	}
	var req questionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", nil, fmt.Errorf("parse question request: %w", err)
	}
	if len(req.Questions) == 0 {
		return "", nil, nil
	}
	q := req.Questions[0]
	for i, o := range q.Options {
		label := o.Label
		if label == "" {
			label = fmt.Sprintf("Option %d", i+1)
		}
		options = append(options, label)
	}
	return q.Question, options, nil
}
