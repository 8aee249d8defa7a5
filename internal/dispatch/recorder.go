package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailsched/internal/domain"
	"mailsched/internal/errs"
	"mailsched/internal/mail"
)

// AttemptWriter persists a batch of attempts atomically.
type AttemptWriter interface {
	InsertAttempts(ctx context.Context, attempts []domain.Attempt) error
}

// Recorder buffers the attempts of one tick. It holds at most one attempt
// per campaign and never edits a buffered attempt.
type Recorder struct {
	mu      sync.Mutex
	pending []domain.Attempt
	seen    map[int64]struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{seen: map[int64]struct{}{}}
}

// Record buffers the outcome of one send. A second record for the same
// campaign is rejected.
func (r *Recorder) Record(campaignID int64, at time.Time, res mail.Result) (domain.Attempt, error) {
	ok := res.Success
	a := domain.Attempt{
		CampaignID:   campaignID,
		LastAttempt:  at,
		IsSuccess:    &ok,
		ServerAnswer: res.Detail,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[campaignID]; dup {
		return domain.Attempt{}, fmt.Errorf("%w: campaign %d already has an attempt this tick", errs.ErrConflict, campaignID)
	}
	r.seen[campaignID] = struct{}{}
	r.pending = append(r.pending, a)
	return a, nil
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pending returns a copy of the buffered attempts.
func (r *Recorder) Pending() []domain.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Attempt(nil), r.pending...)
}

// Flush writes every buffered attempt in one call and empties the buffer.
// On failure the whole batch is dropped; it returns the batch size either way.
func (r *Recorder) Flush(ctx context.Context, w AttemptWriter) (int, error) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if err := w.InsertAttempts(ctx, batch); err != nil {
		return len(batch), err
	}
	return len(batch), nil
}
