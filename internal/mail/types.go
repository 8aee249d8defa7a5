// Package mail delivers campaign messages through a configured provider.
//
// Transports never return errors for provider failures. Send always yields a
// Result that is either a success carrying the provider response or a failure
// carrying its description, so one failing campaign cannot abort a tick.
package mail

import (
	"context"
	"errors"
	"fmt"

	"mailsched/internal/errs"
)

// Envelope is one outgoing message addressed to a recipient list.
type Envelope struct {
	From    string
	Subject string
	Body    string
	To      []string
}

// Result is the outcome of a send.
type Result struct {
	Success bool
	// Detail is the provider response on success and the failure
	// description otherwise.
	Detail string
}

func Delivered(detail string) Result { return Result{Success: true, Detail: detail} }

// Failed wraps err as a failure result. Errors not already classified are
// marked as transport errors.
func Failed(err error) Result {
	if err == nil {
		err = errs.ErrTransport
	}
	if !errors.Is(err, errs.ErrTransport) {
		err = fmt.Errorf("%w: %w", errs.ErrTransport, err)
	}
	return Result{Success: false, Detail: err.Error()}
}

// Transport sends an envelope.
type Transport interface {
	Name() string
	Send(ctx context.Context, env Envelope) Result
}

func (e Envelope) validate() error {
	if e.From == "" {
		return errors.New("sender address is empty")
	}
	if len(e.To) == 0 {
		return errors.New("no recipients")
	}
	return nil
}
