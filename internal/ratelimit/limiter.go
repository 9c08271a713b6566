// Package ratelimit guards outbound sends with a persisted sliding window.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

const (
	DefaultMaxMessages = 5
	DefaultWindow      = 10 * time.Second
)

// Spec is a parsed "max/window_seconds" rate limit.
type Spec struct {
	MaxMessages int
	Window      time.Duration
}

func (s Spec) String() string {
	return fmt.Sprintf("%d/%s", s.MaxMessages, strconv.FormatFloat(s.Window.Seconds(), 'f', -1, 64))
}

// ParseSpec parses "N/M": at most N sends in any trailing M seconds.
// M may be fractional ("3/1.5").
func ParseSpec(v string) (Spec, error) {
	maxStr, winStr, ok := strings.Cut(strings.TrimSpace(v), "/")
	if !ok {
		return Spec{}, fmt.Errorf("rate limit %q: want max/window_seconds", v)
	}
	n, err := strconv.Atoi(strings.TrimSpace(maxStr))
	if err != nil || n <= 0 {
		return Spec{}, fmt.Errorf("rate limit %q: max must be a positive integer", v)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(winStr), 64)
	if err != nil || secs <= 0 || secs > (365*24*time.Hour).Seconds() {
		return Spec{}, fmt.Errorf("rate limit %q: window must be a positive number of seconds", v)
	}
	return Spec{MaxMessages: n, Window: time.Duration(secs * float64(time.Second))}, nil
}

// Limiter is a strict sliding-window admission check whose history lives in a
// store.SendLog, so the limit holds across process restarts and across the
// processes sharing the log. Safe for concurrent use.
type Limiter struct {
	mu   sync.Mutex
	log  store.SendLog
	spec Spec
}

func New(log store.SendLog, spec Spec) *Limiter {
	return &Limiter{log: log, spec: spec}
}

// Spec returns the configured limit.
func (l *Limiter) Spec() Spec { return l.spec }

// TryAdmit drops history at or before now-window and admits iff fewer than
// MaxMessages sends remain. A denied call leaves the persisted log untouched.
func (l *Limiter) TryAdmit(ctx context.Context, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	admitted := false
	err := l.log.Update(ctx, func(times []time.Time) ([]time.Time, bool) {
		recent := prune(times, now, l.spec.Window)
		if len(recent) >= l.spec.MaxMessages {
			return nil, false
		}
		admitted = true
		return append(recent, now), true
	})
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	return admitted, nil
}

// WaitTime returns how long until the next send would be admitted, or 0.
func (l *Limiter) WaitTime(ctx context.Context, now time.Time) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var wait time.Duration
	err := l.log.Update(ctx, func(times []time.Time) ([]time.Time, bool) {
		recent := prune(times, now, l.spec.Window)
		if len(recent) < l.spec.MaxMessages {
			return nil, false
		}
		// The send that must expire is the MaxMessages-th newest one.
		oldest := recent[len(recent)-l.spec.MaxMessages]
		wait = oldest.Add(l.spec.Window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return nil, false
	})
	if err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}
	return wait, nil
}

// prune keeps entries strictly newer than now-window, in time order.
func prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	recent := make([]time.Time, 0, len(times)+1)
	for _, t := range times {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].Before(recent[j]) })
	return recent
}
