// Package monitor implements the cooperative poll loop that observes stage
// and session state on disk and turns what it sees into events for the
// orchestrator core to react to (SPEC_FULL.md §4.8 "Monitor"). The monitor
// never mutates state; it only reads and reports.
package monitor

import (
	"context"
	"time"

	"github.com/weftio/weft/internal/merge"
	"github.com/weftio/weft/internal/model"
	"github.com/weftio/weft/internal/store"
)

// EventKind enumerates the kinds of event the monitor can emit.
type EventKind string

const (
	EventStageStatusChanged     EventKind = "stage_status_changed"
	EventSessionCrashed         EventKind = "session_crashed"
	EventSessionContextWarning  EventKind = "session_context_warning"
	EventSessionContextCritical EventKind = "session_context_critical"
	EventSessionNeedsHandoff    EventKind = "session_needs_handoff"
	EventConflictObserved       EventKind = "conflict_observed"
	EventConflictResolved       EventKind = "conflict_resolved"
	EventSessionFinished        EventKind = "session_finished"
)

// Event is one observation the monitor drained this tick.
type Event struct {
	Kind      EventKind
	StageID   string
	SessionID string
	From      model.StageStatus
	To        model.StageStatus
	Message   string
}

// ProcessAlive reports whether pid names a currently running OS process.
// Injected so tests don't depend on real process liveness.
type ProcessAlive func(pid int) bool

// WorktreeLister is the subset of worktreemgr.Manager the monitor needs to
// find every worktree's git directory for merge-in-progress detection.
type WorktreeLister interface {
	List(ctx context.Context) ([]*model.Worktree, error)
}

// Config tunes the monitor's thresholds. Context-usage thresholds mirror the
// ones the original implementation computes from a session's own
// context_tokens/context_limit fields (not the heartbeat file, which only
// carries a liveness timestamp in this port); the handoff threshold is
// distinct from the critical one so an operator sees the warning before the
// orchestrator actually requeues the stage.
type Config struct {
	ContextWarningPercent   float64
	ContextCriticalPercent  float64
	HandoffThresholdPercent float64
	HeartbeatTimeout        time.Duration
	PollInterval            time.Duration
}

// DefaultConfig returns the thresholds named in §4.8 and §4.10.
func DefaultConfig() Config {
	return Config{
		ContextWarningPercent:   75,
		ContextCriticalPercent:  90,
		HandoffThresholdPercent: 95,
		HeartbeatTimeout:        2 * time.Minute,
		PollInterval:            5 * time.Second,
	}
}

// Monitor holds the small amount of state needed to detect boundary
// crossings and avoid re-emitting the same observation every tick.
type Monitor struct {
	Store           *store.Store
	Worktrees       WorktreeLister
	ProcessAlive    ProcessAlive
	MergeInProgress func(ctx context.Context, dir string) (bool, error)
	// RepoRoot is the main checkout's path, where merge-conflict resolution
	// sessions run (never inside a stage worktree). scanConflicts can't see
	// a conflict there — its worktree-list entry carries no StageID — so
	// scanResolutions watches it directly, keyed off stages in
	// StageMergeConflict rather than off the worktree list.
	RepoRoot string
	Config   Config

	lastStageStatus      map[string]model.StageStatus
	notifiedCrash        map[string]bool
	notifiedContext      map[string]EventKind
	notifiedConflict     map[string]bool
	notifiedFinished     map[string]bool
	observedRepoConflict map[string]bool
}

// New builds a Monitor. processAlive and worktrees may be nil-valued
// interfaces only in tests that don't exercise those scans.
func New(st *store.Store, worktrees WorktreeLister, processAlive ProcessAlive, repoRoot string, cfg Config) *Monitor {
	return &Monitor{
		Store:                st,
		Worktrees:            worktrees,
		ProcessAlive:         processAlive,
		MergeInProgress:      merge.MergeInProgress,
		RepoRoot:             repoRoot,
		Config:               cfg,
		lastStageStatus:      make(map[string]model.StageStatus),
		notifiedCrash:        make(map[string]bool),
		notifiedContext:      make(map[string]EventKind),
		notifiedConflict:     make(map[string]bool),
		notifiedFinished:     make(map[string]bool),
		observedRepoConflict: make(map[string]bool),
	}
}

// Poll runs one observation tick, returning every event detected since the
// last call.
func (m *Monitor) Poll(ctx context.Context) ([]Event, error) {
	var events []Event

	stageEvents, err := m.scanStages()
	if err != nil {
		return nil, err
	}
	events = append(events, stageEvents...)

	sessionEvents, err := m.scanSessions()
	if err != nil {
		return nil, err
	}
	events = append(events, sessionEvents...)

	conflictEvents, err := m.scanConflicts(ctx)
	if err != nil {
		return nil, err
	}
	events = append(events, conflictEvents...)

	finishedEvents, err := m.scanFinishedSessions()
	if err != nil {
		return nil, err
	}
	events = append(events, finishedEvents...)

	resolutionEvents, err := m.scanResolutions(ctx)
	if err != nil {
		return nil, err
	}
	events = append(events, resolutionEvents...)

	return events, nil
}

// scanFinishedSessions reports a session that reached SessionCompleted while
// its stage is still Executing, the signal that the agent considers its work
// done and the orchestrator should run the stage's completion commit
// sequence (§4.10). Emitted once per session.
func (m *Monitor) scanFinishedSessions() ([]Event, error) {
	sessions, err := m.Store.ListSessions()
	if err != nil {
		return nil, err
	}
	var events []Event
	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.Status != model.SessionCompleted {
			continue
		}
		seen[sess.ID] = true
		if m.notifiedFinished[sess.ID] {
			continue
		}
		st, err := m.Store.LoadStage(sess.StageID)
		if err != nil || st == nil || st.Status != model.StageExecuting {
			continue
		}
		m.notifiedFinished[sess.ID] = true
		events = append(events, Event{
			Kind:      EventSessionFinished,
			StageID:   sess.StageID,
			SessionID: sess.ID,
		})
	}
	for id := range m.notifiedFinished {
		if !seen[id] {
			delete(m.notifiedFinished, id)
		}
	}
	return events, nil
}

func (m *Monitor) scanStages() ([]Event, error) {
	stages, err := m.Store.ListStages()
	if err != nil {
		return nil, err
	}
	var events []Event
	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		seen[st.ID] = true
		prev, known := m.lastStageStatus[st.ID]
		if known && prev == st.Status {
			continue
		}
		m.lastStageStatus[st.ID] = st.Status
		if !known {
			// First observation: only report it as a crossing if the stage
			// didn't start life at rest (WaitingForDeps), so a cold monitor
			// start doesn't replay the entire plan's history as events.
			if st.Status == model.StageWaitingForDeps {
				continue
			}
		}
		events = append(events, Event{
			Kind:    EventStageStatusChanged,
			StageID: st.ID,
			From:    prev,
			To:      st.Status,
		})
	}
	for id := range m.lastStageStatus {
		if !seen[id] {
			delete(m.lastStageStatus, id)
		}
	}
	return events, nil
}

func (m *Monitor) scanSessions() ([]Event, error) {
	sessions, err := m.Store.ListSessions()
	if err != nil {
		return nil, err
	}
	var events []Event
	live := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.Status != model.SessionRunning && sess.Status != model.SessionSpawning {
			continue
		}
		live[sess.ID] = true

		if m.ProcessAlive != nil && !m.ProcessAlive(sess.PID) {
			if !m.notifiedCrash[sess.ID] {
				m.notifiedCrash[sess.ID] = true
				events = append(events, Event{
					Kind:      EventSessionCrashed,
					StageID:   sess.StageID,
					SessionID: sess.ID,
					Message:   "process not found",
				})
			}
			continue
		}

		if hung, ok := m.checkHung(sess.StageID); ok && hung {
			if !m.notifiedCrash[sess.ID] {
				m.notifiedCrash[sess.ID] = true
				events = append(events, Event{
					Kind:      EventSessionCrashed,
					StageID:   sess.StageID,
					SessionID: sess.ID,
					Message:   "no heartbeat within timeout",
				})
			}
			continue
		}

		events = append(events, m.checkContext(sess)...)
	}

	for id := range m.notifiedCrash {
		if !live[id] {
			delete(m.notifiedCrash, id)
		}
	}
	for id := range m.notifiedContext {
		if !live[id] {
			delete(m.notifiedContext, id)
		}
	}
	return events, nil
}

// checkHung reports whether stageID's session has gone silent for longer
// than the configured heartbeat timeout. A missing heartbeat file (never
// checked in yet) is not treated as hung.
func (m *Monitor) checkHung(stageID string) (hung bool, ok bool) {
	age, err := m.Store.HeartbeatAge(stageID)
	if err != nil {
		return false, false
	}
	return age > m.Config.HeartbeatTimeout, true
}

func (m *Monitor) checkContext(sess *model.Session) []Event {
	pct := sess.ContextUsagePercent()
	var kind EventKind
	switch {
	case pct >= m.Config.HandoffThresholdPercent:
		return m.notifyContextOnce(sess, EventSessionNeedsHandoff)
	case pct >= m.Config.ContextCriticalPercent:
		kind = EventSessionContextCritical
	case pct >= m.Config.ContextWarningPercent:
		kind = EventSessionContextWarning
	default:
		delete(m.notifiedContext, sess.ID)
		return nil
	}
	return m.notifyContextOnce(sess, kind)
}

func (m *Monitor) notifyContextOnce(sess *model.Session, kind EventKind) []Event {
	if m.notifiedContext[sess.ID] == kind {
		return nil
	}
	m.notifiedContext[sess.ID] = kind
	return []Event{{
		Kind:      kind,
		StageID:   sess.StageID,
		SessionID: sess.ID,
	}}
}

func (m *Monitor) scanConflicts(ctx context.Context) ([]Event, error) {
	if m.Worktrees == nil {
		return nil, nil
	}
	worktrees, err := m.Worktrees.List(ctx)
	if err != nil {
		return nil, err
	}
	var events []Event
	active := make(map[string]bool, len(worktrees))
	for _, w := range worktrees {
		if w.StageID == "" {
			continue
		}
		active[w.StageID] = true
		inProgress, err := m.MergeInProgress(ctx, w.Path)
		if err != nil {
			continue
		}
		if inProgress && !m.notifiedConflict[w.StageID] {
			m.notifiedConflict[w.StageID] = true
			events = append(events, Event{
				Kind:    EventConflictObserved,
				StageID: w.StageID,
				Message: "MERGE_HEAD present",
			})
		} else if !inProgress {
			delete(m.notifiedConflict, w.StageID)
		}
	}
	for id := range m.notifiedConflict {
		if !active[id] {
			delete(m.notifiedConflict, id)
		}
	}
	return events, nil
}

// scanResolutions watches for a merge-conflict resolution session committing
// its merge in the main checkout (§4.5: detection is "MERGE_HEAD gone and no
// unmerged paths"). It only considers stages currently in StageMergeConflict,
// and only emits EventConflictResolved after having first observed that
// stage's resolution actually in progress (MERGE_HEAD present) — otherwise a
// resolution session that simply hasn't started its merge yet would read as
// "already resolved".
func (m *Monitor) scanResolutions(ctx context.Context) ([]Event, error) {
	if m.MergeInProgress == nil || m.RepoRoot == "" {
		return nil, nil
	}
	stages, err := m.Store.ListStages()
	if err != nil {
		return nil, err
	}
	var events []Event
	inConflict := make(map[string]bool)
	for _, st := range stages {
		if st.Status != model.StageMergeConflict {
			continue
		}
		inConflict[st.ID] = true

		inProgress, err := m.MergeInProgress(ctx, m.RepoRoot)
		if err != nil {
			continue
		}
		if inProgress {
			m.observedRepoConflict[st.ID] = true
			continue
		}
		if m.observedRepoConflict[st.ID] {
			delete(m.observedRepoConflict, st.ID)
			events = append(events, Event{
				Kind:    EventConflictResolved,
				StageID: st.ID,
				Message: "MERGE_HEAD cleared",
			})
		}
	}
	for id := range m.observedRepoConflict {
		if !inConflict[id] {
			delete(m.observedRepoConflict, id)
		}
	}
	return events, nil
}
