package domain

import (
	"fmt"
	"strings"

	"mailsched/internal/errs"
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusNew      Status = "new"
	StatusLaunched Status = "launched"
	StatusFinished Status = "finished"
)

// legal lists forward transitions. Status never regresses.
var legal = map[Status][]Status{
	StatusNew:      {StatusLaunched, StatusFinished},
	StatusLaunched: {StatusFinished},
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown campaign status %q", errs.ErrInvalidParameter, raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusLaunched, StatusFinished:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool { return s == StatusFinished }

// Dispatchable reports whether the dispatch path may send for s.
func (s Status) Dispatchable() bool { return s == StatusNew || s == StatusLaunched }

// CanTransition reports whether s may move to next. Identity is allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return s.Valid()
	}
	for _, to := range legal[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Transition validates from -> to.
func Transition(from, to Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrIllegalTransition, from, to)
	}
	return nil
}

// DispatchableStatuses is the status set scanned on every tick.
func DispatchableStatuses() []Status { return []Status{StatusNew, StatusLaunched} }
