package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/weftio/weft/internal/model"
	"github.com/weftio/weft/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	root := t.TempDir()
	st := store.New(root)
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return st
}

type fakeWorktrees struct {
	worktrees []*model.Worktree
}

func (f *fakeWorktrees) List(ctx context.Context) ([]*model.Worktree, error) {
	return f.worktrees, nil
}

func alwaysAlive(int) bool { return true }
func neverAlive(int) bool  { return false }

func findKind(events []Event, kind EventKind) *Event {
	for i := range events {
		if events[i].Kind == kind {
			return &events[i]
		}
	}
	return nil
}

func TestScanStagesEmitsOnStatusChange(t *testing.T) {
	st := newTestStore(t)
	m := New(st, nil, alwaysAlive, "", DefaultConfig())

	stage := &model.Stage{ID: "build", Status: model.StageQueued}
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}

	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventStageStatusChanged); e == nil {
		t.Fatalf("expected a stage status event, got %v", events)
	}

	// Second poll with no change should be silent.
	events, err = m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventStageStatusChanged); e != nil {
		t.Errorf("expected no repeat event, got %v", e)
	}

	stage.Status = model.StageExecuting
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}
	events, err = m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	e := findKind(events, EventStageStatusChanged)
	if e == nil || e.From != model.StageQueued || e.To != model.StageExecuting {
		t.Fatalf("expected queued->executing transition event, got %v", events)
	}
}

func TestScanStagesSuppressesColdStartAtRest(t *testing.T) {
	st := newTestStore(t)
	m := New(st, nil, alwaysAlive, "", DefaultConfig())

	stage := &model.Stage{ID: "waiting", Status: model.StageWaitingForDeps}
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}
	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventStageStatusChanged); e != nil {
		t.Errorf("expected no event for a stage already at rest, got %v", e)
	}
}

func TestScanSessionsEmitsCrashedWhenProcessGone(t *testing.T) {
	st := newTestStore(t)
	m := New(st, nil, neverAlive, "", DefaultConfig())

	sess := &model.Session{ID: "sess-1", StageID: "build", PID: 99999, Status: model.SessionRunning}
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	e := findKind(events, EventSessionCrashed)
	if e == nil || e.SessionID != "sess-1" {
		t.Fatalf("expected session crashed event, got %v", events)
	}

	// Should not re-notify on the next tick.
	events, err = m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventSessionCrashed); e != nil {
		t.Errorf("expected no repeat crash event, got %v", e)
	}
}

func TestScanSessionsEmitsContextWarningThenCritical(t *testing.T) {
	st := newTestStore(t)
	m := New(st, nil, alwaysAlive, "", DefaultConfig())
	if err := st.WriteHeartbeat("build", time.Now()); err != nil {
		t.Fatal(err)
	}

	sess := &model.Session{
		ID: "sess-2", StageID: "build", PID: 1, Status: model.SessionRunning,
		ContextTokensUsed: 76, ContextTokenLimit: 100,
	}
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventSessionContextWarning); e == nil {
		t.Fatalf("expected context warning, got %v", events)
	}

	sess.ContextTokensUsed = 91
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	events, err = m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventSessionContextCritical); e == nil {
		t.Fatalf("expected context critical after crossing 90%%, got %v", events)
	}
	if e := findKind(events, EventSessionContextWarning); e != nil {
		t.Errorf("expected no duplicate warning once critical fired, got %v", e)
	}
}

func TestScanSessionsHeartbeatTimeoutTreatedAsCrash(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 10 * time.Millisecond
	m := New(st, nil, alwaysAlive, "", cfg)

	if err := st.WriteHeartbeat("build", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	sess := &model.Session{ID: "sess-3", StageID: "build", PID: 1, Status: model.SessionRunning}
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	e := findKind(events, EventSessionCrashed)
	if e == nil || e.Message == "" {
		t.Fatalf("expected a hang treated as crash, got %v", events)
	}
}

func TestScanFinishedSessionsEmitsOnceWhileStageExecuting(t *testing.T) {
	st := newTestStore(t)
	m := New(st, nil, alwaysAlive, "", DefaultConfig())

	stage := &model.Stage{ID: "build", Status: model.StageExecuting}
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}
	sess := &model.Session{ID: "sess-1", StageID: "build", PID: 1, Status: model.SessionCompleted}
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	e := findKind(events, EventSessionFinished)
	if e == nil || e.StageID != "build" || e.SessionID != "sess-1" {
		t.Fatalf("expected session finished event, got %v", events)
	}

	// Should not re-notify on the next tick.
	events, err = m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventSessionFinished); e != nil {
		t.Errorf("expected no repeat finished event, got %v", e)
	}
}

func TestScanFinishedSessionsIgnoresNonExecutingStage(t *testing.T) {
	st := newTestStore(t)
	m := New(st, nil, alwaysAlive, "", DefaultConfig())

	stage := &model.Stage{ID: "build", Status: model.StageCompleted}
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}
	sess := &model.Session{ID: "sess-1", StageID: "build", PID: 1, Status: model.SessionCompleted}
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventSessionFinished); e != nil {
		t.Errorf("expected no finished event for a non-executing stage, got %v", e)
	}
}

func TestScanConflictsDetectsMergeHead(t *testing.T) {
	st := newTestStore(t)
	wt := &fakeWorktrees{worktrees: []*model.Worktree{{StageID: "build", Path: "/tmp/whatever"}}}
	m := New(st, wt, alwaysAlive, "", DefaultConfig())
	m.MergeInProgress = func(ctx context.Context, dir string) (bool, error) {
		return dir == "/tmp/whatever", nil
	}

	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	e := findKind(events, EventConflictObserved)
	if e == nil || e.StageID != "build" {
		t.Fatalf("expected conflict observed for build, got %v", events)
	}

	// Should not re-notify while still in progress.
	events, err = m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventConflictObserved); e != nil {
		t.Errorf("expected no duplicate conflict event, got %v", e)
	}
}

func TestScanResolutionsEmitsOnceHeadClears(t *testing.T) {
	st := newTestStore(t)
	m := New(st, nil, alwaysAlive, "/repo", DefaultConfig())

	stage := &model.Stage{ID: "build", Status: model.StageMergeConflict}
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}

	inProgress := true
	m.MergeInProgress = func(ctx context.Context, dir string) (bool, error) {
		return inProgress, nil
	}

	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventConflictResolved); e != nil {
		t.Fatalf("expected no resolved event while MERGE_HEAD present, got %v", e)
	}

	inProgress = false
	events, err = m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	e := findKind(events, EventConflictResolved)
	if e == nil || e.StageID != "build" {
		t.Fatalf("expected conflict resolved event for build, got %v", events)
	}

	// Should not re-notify once the stage leaves MergeConflict.
	stage.Status = model.StageCompleted
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}
	events, err = m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventConflictResolved); e != nil {
		t.Errorf("expected no repeat resolved event, got %v", e)
	}
}

func TestScanResolutionsIgnoredWithoutRepoRoot(t *testing.T) {
	st := newTestStore(t)
	m := New(st, nil, alwaysAlive, "", DefaultConfig())

	stage := &model.Stage{ID: "build", Status: model.StageMergeConflict}
	if err := st.SaveStage(stage); err != nil {
		t.Fatal(err)
	}
	m.MergeInProgress = func(ctx context.Context, dir string) (bool, error) { return false, nil }

	events, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e := findKind(events, EventConflictResolved); e != nil {
		t.Errorf("expected no resolved event without a configured repo root, got %v", e)
	}
}
