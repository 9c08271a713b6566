package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"
)

const sendLogFile = "rate_limit.json"

// SendLog keeps admitted send times as a JSON array of unix seconds.
type SendLog struct {
	path string
}

func NewSendLog(dir string) *SendLog {
	return &SendLog{path: filepath.Join(dir, sendLogFile)}
}

func (s *SendLog) Update(ctx context.Context, fn func(times []time.Time) ([]time.Time, bool)) error {
	return withLock(ctx, s.path, func() error {
		times, err := s.load()
		if err != nil {
			return err
		}
		next, save := fn(times)
		if !save {
			return nil
		}
		raw := make([]float64, len(next))
		for i, t := range next {
			raw[i] = float64(t.UnixNano()) / float64(time.Second)
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("marshal send log: %w", err)
		}
		return WriteFileAtomic(s.path, data)
	})
}

// load fails open: a corrupt log is treated as empty, which at worst admits
// one extra window's worth of sends before the limiter catches up.
func (s *SendLog) load() ([]time.Time, error) {
	data, ok, err := readFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read send log: %w", err)
	}
	if !ok || len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("rate limit state corrupt, treating as empty", "path", s.path, "error", err)
		return nil, nil
	}
	times := make([]time.Time, 0, len(raw))
	for _, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			slog.Warn("rate limit state has invalid timestamp, treating as empty", "path", s.path, "value", v)
			return nil, nil
		}
		sec, frac := math.Modf(v)
		times = append(times, time.Unix(int64(sec), int64(frac*float64(time.Second))))
	}
	return times, nil
}
