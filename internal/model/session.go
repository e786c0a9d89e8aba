package model

import "time"

// SessionStatus enumerates the states in §4.3.
type SessionStatus string

const (
	SessionSpawning         SessionStatus = "spawning"
	SessionRunning          SessionStatus = "running"
	SessionPaused           SessionStatus = "paused"
	SessionCompleted        SessionStatus = "completed"
	SessionCrashed          SessionStatus = "crashed"
	SessionContextExhausted SessionStatus = "context_exhausted"
)

// SessionType tags what kind of work a session is performing.
type SessionType string

const (
	SessionTypeStandard      SessionType = "standard"
	SessionTypeMergeConflict SessionType = "merge_conflict"
	SessionTypeBaseConflict  SessionType = "base_conflict"
	SessionTypeKnowledge     SessionType = "knowledge"
	SessionTypeRecovery      SessionType = "recovery"
)

// Session is one agent process instance working on one stage (§3 "Session").
type Session struct {
	ID              string
	StageID         string // empty for conflict sessions targeting the main checkout
	TerminalName    string
	WorktreePath    string
	PID             int
	Status          SessionStatus
	ExitCode        *int
	Backend         string // "native" or "pty" (matches spawner backend tags)

	ContextTokensUsed int
	ContextTokenLimit int

	Type         SessionType
	SourceBranch string // set for conflict sessions
	TargetBranch string

	CreatedAt    time.Time
	LastActiveAt time.Time
}

var sessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionSpawning: {
		SessionRunning: true,
		SessionCrashed: true,
	},
	SessionRunning: {
		SessionPaused:           true,
		SessionCompleted:        true,
		SessionCrashed:          true,
		SessionContextExhausted: true,
	},
	SessionPaused: {SessionRunning: true},
}

// CanTransitionSession reports whether from -> to is an allowed session edge.
func CanTransitionSession(from, to SessionStatus) bool {
	dests, ok := sessionTransitions[from]
	if !ok {
		return false
	}
	return dests[to]
}

// TransitionSession validates and applies a session transition in place.
func TransitionSession(s *Session, to SessionStatus) error {
	if !CanTransitionSession(s.Status, to) {
		return &ErrInvalidTransition{Entity: "session", From: string(s.Status), To: string(to)}
	}
	s.Status = to
	s.LastActiveAt = time.Now()
	return nil
}

// IsLive reports whether the session is in a non-terminal status.
func (s *Session) IsLive() bool {
	switch s.Status {
	case SessionSpawning, SessionRunning, SessionPaused:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the session has reached a terminal status.
func (s *Session) IsTerminal() bool {
	return !s.IsLive()
}

// ContextUsagePercent returns the session's context usage as a 0-100 value,
// or 0 if no limit has been recorded.
func (s *Session) ContextUsagePercent() float64 {
	if s.ContextTokenLimit <= 0 {
		return 0
	}
	return 100 * float64(s.ContextTokensUsed) / float64(s.ContextTokenLimit)
}
