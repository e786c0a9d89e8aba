package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/weftio/weft/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), ".work"))
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestStageSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	autoMerge := true
	now := time.Now().Round(time.Second)
	want := &model.Stage{
		ID:                 "build-api",
		Name:               "Build API",
		Description:        "Implements the REST layer.\nSecond line.",
		DependsOn:          []string{"scaffold", "schema"},
		ParallelGroup:      "backend",
		AcceptanceCommands: []string{"go build ./...", "go test ./..."},
		SetupCommands:      []string{"go mod tidy"},
		FileGlobs:          []string{"internal/api/**"},
		Type:               model.StageTypeStandard,
		WorkingDir:         "internal/api",
		AutoMerge:          &autoMerge,
		MaxRetries:         3,
		RetryCount:         1,
		Status:             model.StageExecuting,
		Merged:             false,
		Held:               false,
		Labels:             map[string]string{"owner": "team-a"},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.SaveStage(want); err != nil {
		t.Fatalf("SaveStage: %v", err)
	}
	got, err := s.LoadStage("build-api")
	if err != nil {
		t.Fatalf("LoadStage: %v", err)
	}
	if got == nil {
		t.Fatal("LoadStage returned nil")
	}
	if got.Name != want.Name || got.Description != want.Description {
		t.Errorf("name/description mismatch: %+v", got)
	}
	if len(got.DependsOn) != 2 || got.DependsOn[0] != "scaffold" {
		t.Errorf("depends_on mismatch: %v", got.DependsOn)
	}
	if len(got.AcceptanceCommands) != 2 {
		t.Errorf("acceptance commands mismatch: %v", got.AcceptanceCommands)
	}
	if got.AutoMerge == nil || *got.AutoMerge != true {
		t.Errorf("auto_merge mismatch: %v", got.AutoMerge)
	}
	if got.MaxRetries != 3 || got.RetryCount != 1 {
		t.Errorf("retry fields mismatch: %+v", got)
	}
	if got.Labels["owner"] != "team-a" {
		t.Errorf("labels mismatch: %v", got.Labels)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at mismatch: got %v want %v", got.CreatedAt, now)
	}
}

func TestStageWithFailureRoundTrip(t *testing.T) {
	s := newTestStore(t)
	st := &model.Stage{
		ID:     "flaky",
		Status: model.StageBlocked,
		Failure: &model.FailureRecord{
			Kind:      "git",
			Message:   "merge failed",
			Command:   "git merge weft/flaky",
			ExitCode:  1,
			Stderr:    "CONFLICT (content): Merge conflict in a.go",
			Timestamp: time.Now().Round(time.Second),
		},
	}
	if err := s.SaveStage(st); err != nil {
		t.Fatalf("SaveStage: %v", err)
	}
	got, err := s.LoadStage("flaky")
	if err != nil {
		t.Fatalf("LoadStage: %v", err)
	}
	if got.Failure == nil {
		t.Fatal("expected failure record to round-trip")
	}
	if got.Failure.Kind != "git" || got.Failure.ExitCode != 1 {
		t.Errorf("failure mismatch: %+v", got.Failure)
	}
	if got.Failure.Stderr != st.Failure.Stderr {
		t.Errorf("stderr mismatch: got %q want %q", got.Failure.Stderr, st.Failure.Stderr)
	}
}

func TestLoadStageMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadStage("does-not-exist")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
	}
}

func TestListStages(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"b", "a", "c"} {
		if err := s.SaveStage(&model.Stage{ID: id, Status: model.StageWaitingForDeps}); err != nil {
			t.Fatalf("SaveStage(%s): %v", id, err)
		}
	}
	stages, err := s.ListStages()
	if err != nil {
		t.Fatalf("ListStages: %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	if stages[0].ID != "a" || stages[1].ID != "b" || stages[2].ID != "c" {
		t.Errorf("expected sorted order, got %v", []string{stages[0].ID, stages[1].ID, stages[2].ID})
	}
}

func TestSessionSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	exitCode := 0
	sess := &model.Session{
		ID:                "sess-1",
		StageID:           "build-api",
		TerminalName:      "weft-build-api",
		WorktreePath:      "/repo/.worktrees/build-api",
		PID:               12345,
		Status:            model.SessionRunning,
		ExitCode:          &exitCode,
		Backend:           "pty",
		ContextTokensUsed: 1000,
		ContextTokenLimit: 200000,
		Type:              model.SessionTypeStandard,
		CreatedAt:         time.Now().Round(time.Second),
		LastActiveAt:      time.Now().Round(time.Second),
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.LoadSession("sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.PID != 12345 || got.Status != model.SessionRunning {
		t.Errorf("session mismatch: %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code mismatch: %v", got.ExitCode)
	}
	if got.ContextTokenLimit != 200000 {
		t.Errorf("context limit mismatch: %d", got.ContextTokenLimit)
	}
}

func TestRemoveSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveSession(&model.Session{ID: "sess-2", Status: model.SessionCompleted}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.RemoveSession("sess-2"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	got, err := s.LoadSession("sess-2")
	if err != nil || got != nil {
		t.Fatalf("expected removed session to load as (nil, nil), got (%v, %v)", got, err)
	}
	// removing twice is not an error
	if err := s.RemoveSession("sess-2"); err != nil {
		t.Fatalf("second RemoveSession should be a no-op: %v", err)
	}
}

func TestHeartbeatAge(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteHeartbeat("build-api", time.Now().Add(-10*time.Second)); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	age, err := s.HeartbeatAge("build-api")
	if err != nil {
		t.Fatalf("HeartbeatAge: %v", err)
	}
	if age < 9*time.Second || age > time.Minute {
		t.Errorf("unexpected heartbeat age: %v", age)
	}
}

func TestHeartbeatAgeMissingIsError(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.HeartbeatAge("never-started"); err == nil {
		t.Fatal("expected error for missing heartbeat")
	}
}

func TestMemoryAppendOnly(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendMemory("build-api", "note one"); err != nil {
		t.Fatalf("AppendMemory: %v", err)
	}
	if err := s.AppendMemory("build-api", "note two"); err != nil {
		t.Fatalf("AppendMemory: %v", err)
	}
	got, err := s.ReadMemory("build-api")
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if got != "note one\nnote two\n" {
		t.Errorf("unexpected memory contents: %q", got)
	}
}

func TestNoTmpFilesLeftBehind(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveStage(&model.Stage{ID: "a", Status: model.StageQueued}); err != nil {
		t.Fatalf("SaveStage: %v", err)
	}
	ids, err := s.ListStageIDs()
	if err != nil {
		t.Fatalf("ListStageIDs: %v", err)
	}
	for _, id := range ids {
		if id != "a" {
			t.Errorf("unexpected stray entry in stages dir: %q", id)
		}
	}
}
