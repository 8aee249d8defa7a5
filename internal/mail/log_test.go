package mail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	logx "mailsched/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

func TestLogTransportDelivers(t *testing.T) {
	t.Parallel()
	res := NewLog(nopLogger()).Send(context.Background(), testEnvelope())
	assert.True(t, res.Success)
	assert.Equal(t, "logged for 2 recipients", res.Detail)
}

func TestLogTransportHonoursCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewLog(nopLogger()).Send(ctx, testEnvelope())
	assert.False(t, res.Success)
}
