package mail

import (
	"context"
	"fmt"

	logx "mailsched/pkg/logx"
)

var _ Transport = (*Log)(nil)

// Log writes envelopes to the logger instead of sending them. It is the
// default provider for local runs.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(ctx context.Context, env Envelope) Result {
	if err := env.validate(); err != nil {
		return Failed(err)
	}
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	l.log.Info("mail logged",
		logx.String("from", env.From),
		logx.String("subject", env.Subject),
		logx.Any("to", env.To),
		logx.Int("body_len", len(env.Body)),
	)
	return Delivered(fmt.Sprintf("logged for %d recipients", len(env.To)))
}
