package logx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestAlertSinkFiltersByLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}}, sender)
	defer svc.Close()

	log = log.With(String("comp", "dispatch"))
	log.Info("tick done")
	log.Error("attempt batch lost", Int("attempts", 3), Err(errors.New("disk full")))

	require.Eventually(t, func() bool { return len(sender.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := sender.all()[0]
	assert.True(t, strings.HasPrefix(msg, "[ERROR] attempt batch lost"))
	assert.Contains(t, msg, "- comp=dispatch")
	assert.Contains(t, msg, "- attempts=3")
	assert.Contains(t, msg, "- err=disk full")
}

func TestAlertSinkRateLimited(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 1}}, sender)
	defer svc.Close()

	for i := 0; i < 20; i++ {
		log.Error("boom", Int("i", i))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sender.all(), 1)
}

func TestFormatAlertRaw(t *testing.T) {
	assert.Equal(t, "plain text", formatAlert([]byte("  plain text\n")))
	long := strings.Repeat("x", 5000)
	assert.Len(t, formatAlert([]byte(long)), maxAlertLen)
}

func TestFormatAlertSortsKeys(t *testing.T) {
	line := `{"level":"warn","time":"2024-01-02T09:00:00Z","message":"campaign send failed","tick_id":"t1","campaign_id":7}`
	assert.Equal(t, "[WARN] campaign send failed\n- campaign_id=7\n- tick_id=t1", formatAlert([]byte(line)))
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, _ := New(Config{Alert: AlertConfig{Enabled: true}}, &captureSender{})
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning", zerolog.InfoLevel))
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" DEBUG ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud", zerolog.InfoLevel))
}
