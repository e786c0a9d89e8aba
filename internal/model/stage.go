// Package model defines the Stage, Session, and Worktree value types and
// their state-machine transition rules (SPEC_FULL.md §3, §4.2, §4.3).
package model

import (
	"fmt"
	"time"
)

// StageStatus enumerates every state a Stage can occupy (§4.2).
type StageStatus string

const (
	StageWaitingForDeps        StageStatus = "waiting_for_deps"
	StageQueued                StageStatus = "queued"
	StageExecuting             StageStatus = "executing"
	StageWaitingForInput       StageStatus = "waiting_for_input"
	StageNeedsHandoff          StageStatus = "needs_handoff"
	StageCompleted             StageStatus = "completed"
	StageCompletedWithFailures StageStatus = "completed_with_failures"
	StageMergeConflict         StageStatus = "merge_conflict"
	StageMergeBlocked          StageStatus = "merge_blocked"
	StageBlocked               StageStatus = "blocked"
	StageSkipped               StageStatus = "skipped"
)

// StageType tags whether a stage is normal work or a knowledge-capture stage.
type StageType string

const (
	StageTypeStandard  StageType = "standard"
	StageTypeKnowledge StageType = "knowledge"
)

// FailureRecord captures why a stage most recently failed, carrying enough
// structure to drive the next transition without parsing error strings
// (SPEC_FULL.md, error handling: "kinds carry enough data to drive
// state-machine transitions").
type FailureRecord struct {
	Kind      string // "git", "process_spawn", "acceptance", "crash", "hang"
	Message   string
	Command   string
	ExitCode  int
	Stderr    string
	Timestamp time.Time
}

// Stage is a unit of work in the plan DAG (SPEC_FULL.md §3 "Stage").
type Stage struct {
	ID          string
	Name        string
	Description string

	DependsOn     []string
	ParallelGroup string

	AcceptanceCommands []string
	SetupCommands      []string
	FileGlobs          []string

	Type       StageType
	WorkingDir string

	AutoMerge  *bool // nil = inherit plan default
	MaxRetries int
	RetryCount int

	Status          StageStatus
	Failure         *FailureRecord
	CompletedCommit string

	Merged bool
	Held   bool

	Labels map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// stageTransitions enumerates the allowed (source -> destinations) edges
// from SPEC_FULL.md §4.2, condensed into an adjacency set.
var stageTransitions = map[StageStatus]map[StageStatus]bool{
	StageWaitingForDeps: {StageQueued: true, StageSkipped: true},
	StageQueued:         {StageExecuting: true, StageSkipped: true},
	StageExecuting: {
		StageCompleted:             true,
		StageCompletedWithFailures: true,
		StageWaitingForInput:       true,
		StageNeedsHandoff:          true,
		StageBlocked:               true,
	},
	StageWaitingForInput: {StageExecuting: true},
	StageNeedsHandoff:    {StageQueued: true},
	StageCompleted: {
		StageMergeConflict: true,
		StageMergeBlocked:  true,
		StageCompleted:     true, // merged=true while remaining Completed (terminal)
	},
	StageMergeConflict: {
		StageCompleted:    true, // resolution succeeded, merged=true
		StageMergeBlocked: true,
	},
	StageCompletedWithFailures: {StageExecuting: true, StageCompleted: true},
	StageBlocked:               {StageExecuting: true, StageSkipped: true},
}

// ErrInvalidTransition is returned when a requested stage transition is not
// in the allowed adjacency set. It carries the attempted edge so callers can
// report it without re-parsing an error string (spec §4.2: "Every transition
// is checked; invalid transitions fail with a descriptive error").
type ErrInvalidTransition struct {
	Entity string
	From   string
	To     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// CanTransitionStage reports whether from -> to is an allowed stage edge.
func CanTransitionStage(from, to StageStatus) bool {
	dests, ok := stageTransitions[from]
	if !ok {
		return false
	}
	return dests[to]
}

// TransitionStage validates and applies a stage transition in place. The
// stage is left unchanged on error (spec §4.2: "invalid transitions ...
// leave state unchanged").
func TransitionStage(s *Stage, to StageStatus) error {
	if !CanTransitionStage(s.Status, to) {
		return &ErrInvalidTransition{Entity: "stage", From: string(s.Status), To: string(to)}
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	return nil
}

// IsTerminal reports whether status is one of the stage machine's terminal
// states: Completed with merged=true, or Skipped. Completed alone is not
// terminal until merged, since Completed can still move to MergeConflict.
func (s *Stage) IsTerminal() bool {
	if s.Status == StageSkipped {
		return true
	}
	return s.Status == StageCompleted && s.Merged
}

// DependenciesSatisfied reports whether every dependency in deps is
// Completed and merged (Invariant A). Skipped does not satisfy a dependency.
func DependenciesSatisfied(deps []*Stage) bool {
	for _, d := range deps {
		if d == nil || d.Status != StageCompleted || !d.Merged {
			return false
		}
	}
	return true
}
