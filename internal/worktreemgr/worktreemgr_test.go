package worktreemgr

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/weftio/weft/internal/model"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "weft@example.com")
	run("config", "user.name", "weft")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("writing README: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func TestGetOrCreateThenReuse(t *testing.T) {
	repo := initTestRepo(t)
	stateRoot := filepath.Join(repo, ".work")
	if err := os.MkdirAll(stateRoot, 0o750); err != nil {
		t.Fatalf("mkdir state root: %v", err)
	}
	m := New(repo, stateRoot)
	ctx := context.Background()

	wt, err := m.GetOrCreate(ctx, "build-api")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if wt.Branch != "weft/build-api" {
		t.Errorf("unexpected branch: %s", wt.Branch)
	}
	if wt.HeadSHA == "" {
		t.Error("expected non-empty HEAD sha")
	}
	if _, err := os.Lstat(filepath.Join(wt.Path, StateLinkName)); err != nil {
		t.Errorf(".work symlink missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wt.Path, SettingsFileName)); err != nil {
		t.Errorf("agent settings file missing: %v", err)
	}

	// Reuse: calling again must be idempotent, not error, and return the
	// same branch/path.
	again, err := m.GetOrCreate(ctx, "build-api")
	if err != nil {
		t.Fatalf("GetOrCreate (reuse): %v", err)
	}
	if again.Path != wt.Path || again.Branch != wt.Branch {
		t.Errorf("reuse returned different worktree: %+v vs %+v", again, wt)
	}
}

func TestListParsesPorcelain(t *testing.T) {
	repo := initTestRepo(t)
	m := New(repo, filepath.Join(repo, ".work"))
	ctx := context.Background()

	if _, err := m.GetOrCreate(ctx, "stage-a"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	worktrees, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(worktrees) < 2 { // main checkout + stage-a
		t.Fatalf("expected at least 2 worktrees, got %d", len(worktrees))
	}
	var found bool
	for _, w := range worktrees {
		if w.StageID == "stage-a" {
			found = true
		}
	}
	if !found {
		t.Error("expected stage-a worktree in list")
	}
}

func TestRemove(t *testing.T) {
	repo := initTestRepo(t)
	m := New(repo, filepath.Join(repo, ".work"))
	ctx := context.Background()

	wt, err := m.GetOrCreate(ctx, "throwaway")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := m.Remove(ctx, "throwaway", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Errorf("expected worktree dir removed, stat err = %v", err)
	}

	// Removing again must be a tolerated no-op (idempotent).
	if err := m.Remove(ctx, "throwaway", true); err != nil {
		t.Errorf("second Remove should be a no-op, got %v", err)
	}
}

func TestBranchRoundTripMatchesModel(t *testing.T) {
	if model.BranchFor("stage-a") != "weft/stage-a" {
		t.Fatalf("unexpected branch naming: %s", model.BranchFor("stage-a"))
	}
}
