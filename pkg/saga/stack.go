package saga

import (
	"context"
	"encoding/json"
	"time"
)

// Stack 补偿栈，按 sequence 倒序撤销
type Stack struct {
	entries []Entry
	nextSeq int64
	state   State
	now     func() time.Time
}

func NewStack() *Stack {
	return &Stack{nextSeq: 1, state: StateNone, now: time.Now}
}

// WithClock overrides the timestamp source used by RunAll.
func (s *Stack) WithClock(now func() time.Time) *Stack {
	if now != nil {
		s.now = now
	}
	return s
}

// Push records a new compensating action with the next sequence number.
func (s *Stack) Push(kind, targetRef string, at time.Time) Entry {
	e := Entry{
		Sequence:  s.nextSeq,
		Kind:      kind,
		TargetRef: targetRef,
		PushedAt:  at,
	}
	s.nextSeq++
	s.entries = append(s.entries, e)
	return e
}

// Top returns the outstanding entry with the highest sequence.
func (s *Stack) Top() (Entry, bool) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if !s.entries[i].Reversed {
			return s.entries[i], true
		}
	}
	return Entry{}, false
}

// Outstanding lists unreversed entries, highest sequence first.
func (s *Stack) Outstanding() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if !s.entries[i].Reversed {
			out = append(out, s.entries[i])
		}
	}
	return out
}

// Has reports whether an entry of the given kind was ever pushed.
func (s *Stack) Has(kind string) bool {
	for _, e := range s.entries {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Entries returns every entry ever pushed in ascending sequence.
func (s *Stack) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Stack) State() State {
	return s.state
}

// Begin moves the stack into the running state. A stack with nothing
// outstanding completes immediately.
func (s *Stack) Begin() {
	s.state = StateRunning
	if _, ok := s.Top(); !ok {
		s.state = StateCompleted
	}
}

// MarkReversed is idempotent; it returns false for unknown or already
// reversed sequences.
func (s *Stack) MarkReversed(seq int64, at time.Time) bool {
	i := s.index(seq)
	if i < 0 || s.entries[i].Reversed {
		return false
	}
	s.entries[i].Reversed = true
	s.entries[i].ReversedAt = at
	s.entries[i].Attempts++
	s.entries[i].LastError = ""
	if _, ok := s.Top(); !ok && s.state == StateRunning {
		s.state = StateCompleted
	}
	return true
}

// RecordFailure keeps the entry outstanding and parks the stack as failed.
func (s *Stack) RecordFailure(seq int64, reason string) {
	if i := s.index(seq); i >= 0 && !s.entries[i].Reversed {
		s.entries[i].Attempts++
		s.entries[i].LastError = reason
	}
	s.state = StateFailed
}

// RunAll reverses outstanding entries newest first. It stops at the first
// failure and can be called again to resume from that entry. See ReverseFunc
// for who records each outcome.
func (s *Stack) RunAll(ctx context.Context, reverse ReverseFunc) error {
	s.Begin()
	for {
		e, ok := s.Top()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			s.RecordFailure(e.Sequence, err.Error())
			return &CompensationError{Entry: e, Err: err}
		}
		if err := reverse(ctx, e); err != nil {
			if cur, _ := s.entry(e.Sequence); cur.Attempts == e.Attempts {
				s.RecordFailure(e.Sequence, err.Error())
			}
			s.state = StateFailed
			return &CompensationError{Entry: e, Err: err}
		}
		s.MarkReversed(e.Sequence, s.now())
	}
}

func (s *Stack) index(seq int64) int {
	for i := range s.entries {
		if s.entries[i].Sequence == seq {
			return i
		}
	}
	return -1
}

func (s *Stack) entry(seq int64) (Entry, bool) {
	if i := s.index(seq); i >= 0 {
		return s.entries[i], true
	}
	return Entry{}, false
}

type stackJSON struct {
	Entries []Entry `json:"entries"`
	NextSeq int64   `json:"nextSeq"`
	State   State   `json:"state"`
}

func (s *Stack) MarshalJSON() ([]byte, error) {
	entries := s.entries
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(stackJSON{Entries: entries, NextSeq: s.nextSeq, State: s.state})
}

func (s *Stack) UnmarshalJSON(data []byte) error {
	var raw stackJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.entries = raw.Entries
	s.nextSeq = raw.NextSeq
	if s.nextSeq < 1 {
		s.nextSeq = int64(len(raw.Entries)) + 1
	}
	s.state = raw.State
	if s.state == "" {
		s.state = StateNone
	}
	if s.now == nil {
		s.now = time.Now
	}
	return nil
}
