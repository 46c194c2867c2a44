// Package timer tracks per-order durable timers and delivers their firings.
package timer

import (
	"sort"
	"time"
)

type Purpose string

const (
	PurposeFulfillmentDeadline Purpose = "fulfillment-deadline"
	PurposePickupReminder      Purpose = "pickup-reminder"
)

type State string

const (
	StateArmed     State = "armed"
	StateCancelled State = "cancelled"
	StateFired     State = "fired"
)

type Timer struct {
	Purpose    Purpose   `json:"purpose"`
	FiresAt    time.Time `json:"firesAt"`
	Generation int64     `json:"generation"`
	State      State     `json:"state"`
}

// Set holds at most one timer per purpose for a single order. It is part of
// the order state and only changes through replayed events.
type Set struct {
	Timers  map[Purpose]Timer `json:"timers"`
	LastGen int64             `json:"lastGen"`
}

func NewSet() *Set {
	return &Set{Timers: make(map[Purpose]Timer)}
}

// Arm replaces any timer with the same purpose under a new generation.
func (s *Set) Arm(purpose Purpose, firesAt time.Time) Timer {
	if s.Timers == nil {
		s.Timers = make(map[Purpose]Timer)
	}
	s.LastGen++
	t := Timer{
		Purpose:    purpose,
		FiresAt:    firesAt,
		Generation: s.LastGen,
		State:      StateArmed,
	}
	s.Timers[purpose] = t
	return t
}

// Cancel supersedes the armed timer so a late firing is ignored.
func (s *Set) Cancel(purpose Purpose) (Timer, bool) {
	t, ok := s.Timers[purpose]
	if !ok || t.State != StateArmed {
		return Timer{}, false
	}
	t.State = StateCancelled
	s.Timers[purpose] = t
	return t, true
}

// CancelAll supersedes every armed timer and returns them.
func (s *Set) CancelAll() []Timer {
	var out []Timer
	for _, p := range s.purposes() {
		if t, ok := s.Cancel(p); ok {
			out = append(out, t)
		}
	}
	return out
}

// Valid reports whether a firing for generation would be honoured.
func (s *Set) Valid(purpose Purpose, generation int64) bool {
	t, ok := s.Timers[purpose]
	return ok && t.State == StateArmed && t.Generation == generation
}

// Fire marks the armed generation as fired. It returns true at most once per
// armed generation.
func (s *Set) Fire(purpose Purpose, generation int64) bool {
	if !s.Valid(purpose, generation) {
		return false
	}
	t := s.Timers[purpose]
	t.State = StateFired
	s.Timers[purpose] = t
	return true
}

func (s *Set) Get(purpose Purpose) (Timer, bool) {
	t, ok := s.Timers[purpose]
	return t, ok
}

// Armed lists armed timers ordered by purpose.
func (s *Set) Armed() []Timer {
	var out []Timer
	for _, p := range s.purposes() {
		if t := s.Timers[p]; t.State == StateArmed {
			out = append(out, t)
		}
	}
	return out
}

// All lists every timer ordered by purpose.
func (s *Set) All() []Timer {
	out := make([]Timer, 0, len(s.Timers))
	for _, p := range s.purposes() {
		out = append(out, s.Timers[p])
	}
	return out
}

func (s *Set) purposes() []Purpose {
	ps := make([]Purpose, 0, len(s.Timers))
	for p := range s.Timers {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}
