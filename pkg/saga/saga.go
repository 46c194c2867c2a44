// Package saga keeps the LIFO log of compensating actions for a long-running
// business transaction and drives their reversal.
package saga

import (
	"context"
	"fmt"
	"time"
)

// State is the lifecycle of the compensation run.
type State string

const (
	StateNone      State = "NONE"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Entry is one compensating action pushed after a forward step succeeded.
type Entry struct {
	Sequence   int64     `json:"sequence"`
	Kind       string    `json:"kind"`
	TargetRef  string    `json:"targetRef"`
	PushedAt   time.Time `json:"pushedAt"`
	Reversed   bool      `json:"reversed"`
	ReversedAt time.Time `json:"reversedAt,omitempty"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
}

// ReverseFunc performs the reversal for one entry.
//
// It may record the outcome on the running Stack itself, through
// MarkReversed or RecordFailure, typically by applying a durable event to the
// order that owns the stack. RunAll records only what the callback left
// unrecorded: a returned error that did not bump the entry's Attempts becomes
// a RecordFailure, and a nil return marks the entry reversed unless it
// already is. Either way a returned error leaves the stack StateFailed.
type ReverseFunc func(ctx context.Context, entry Entry) error

// CompensationError reports the entry that stopped a RunAll pass.
type CompensationError struct {
	Entry Entry
	Err   error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensate %s #%d (%s): %v", e.Entry.Kind, e.Entry.Sequence, e.Entry.TargetRef, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}
