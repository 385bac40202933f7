package admission

import (
	"sync"
	"time"
)

// State is the mutable loop-suppression state of one listener.
//
// consecutiveBot and lastBotMessage are only touched by the receive loop
// (via Controller.Decide). lastReply is written by dispatch workers after a
// successful post and read by the receive loop, so it is guarded by mu.
type State struct {
	consecutiveBot int
	lastBotMessage time.Time

	mu        sync.Mutex
	lastReply time.Time
}

// NewState returns an empty state: no bot chain, no previous reply.
func NewState() *State {
	return &State{}
}

// RecordReply marks that this agent posted a reply at now.
// The recorded time never moves backwards.
func (s *State) RecordReply(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastReply) {
		s.lastReply = now
	}
}

// LastReply returns the time of the agent's last recorded reply.
func (s *State) LastReply() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReply
}

// ConsecutiveBot returns the current bot chain length.
func (s *State) ConsecutiveBot() int { return s.consecutiveBot }

// sinceLastReply returns the elapsed time since the last reply, or a very
// large duration when the agent has never replied.
func (s *State) sinceLastReply(now time.Time) time.Duration {
	last := s.LastReply()
	if last.IsZero() {
		return maxDuration
	}
	return now.Sub(last)
}

const maxDuration = time.Duration(1<<63 - 1)
