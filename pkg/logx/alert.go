package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	maxAlertLen = 3500
	maxValueLen = 600
	maxStackLen = 900
)

// startWorkerLocked launches the delivery goroutine once. Call with s.mu held.
func (s *Service) startWorkerLocked() {
	s.worker.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.stop = cancel
		s.done = make(chan struct{})
		go s.deliver(ctx, s.done)
	})
}

func (s *Service) deliver(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.queue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendBudget)
			// Not logged: a failure here would feed back into this sink.
			_ = sender.SendAlert(sctx, text)
			cancel()
		}
	}
}

// alertSink is the zerolog writer side of alert delivery. It never blocks.
type alertSink struct{ s *Service }

func (a alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.NoLevel, p)
}

func (a alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := a.s
	s.mu.Lock()
	pass := s.sender != nil && level >= s.minLevel && level != zerolog.NoLevel && s.limiter.Allow()
	s.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case s.queue <- text:
		default:
			s.dropped.Add(1)
		}
	}
	return len(p), nil
}

// formatAlert renders a zerolog JSON line as
//
//	[LEVEL] message
//	- key=value
//
// with keys sorted. Lines that are not JSON are passed through trimmed.
func formatAlert(p []byte) string {
	p = bytes.TrimSpace(p)
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(string(p), maxAlertLen)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(rec[k])
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", clip(v, maxStackLen))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(v, maxValueLen))
	}
	return clip(b.String(), maxAlertLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
