package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func runOK(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

// initRepo creates a throwaway repo and returns its directory along with
// the name git assigned the initial branch (avoids hardcoding "main" vs
// "master", which depends on the test environment's init.defaultBranch).
func initRepo(t *testing.T) (dir, baseBranch string) {
	t.Helper()
	dir = t.TempDir()
	runOK(t, dir, "init")
	runOK(t, dir, "config", "user.email", "weft@example.com")
	runOK(t, dir, "config", "user.name", "weft")
	writeFile(t, dir, "README.md", "base\n")
	runOK(t, dir, "add", "README.md")
	runOK(t, dir, "commit", "-m", "initial")
	baseBranch = strings.TrimSpace(runOK(t, dir, "branch", "--show-current"))
	return dir, baseBranch
}

func TestMergeStageBranchNoBranch(t *testing.T) {
	dir, _ := initRepo(t)
	e := New()
	res, err := e.MergeStageBranch(context.Background(), dir, "ghost-stage")
	if err != nil {
		t.Fatalf("MergeStageBranch: %v", err)
	}
	if res.Kind != NoBranch {
		t.Errorf("expected NoBranch, got %s", res.Kind)
	}
}

func TestMergeStageBranchFastForward(t *testing.T) {
	dir, base := initRepo(t)
	runOK(t, dir, "checkout", "-b", "weft/stage-a")
	writeFile(t, dir, "a.txt", "a\n")
	runOK(t, dir, "add", "a.txt")
	runOK(t, dir, "commit", "-m", "add a")
	runOK(t, dir, "checkout", base)

	e := New()
	res, err := e.MergeStageBranch(context.Background(), dir, "stage-a")
	if err != nil {
		t.Fatalf("MergeStageBranch: %v", err)
	}
	if res.Kind != FastForward {
		t.Errorf("expected FastForward, got %s (%+v)", res.Kind, res)
	}
	if len(res.FilesChanged) != 1 || res.FilesChanged[0] != "a.txt" {
		t.Errorf("unexpected files changed: %v", res.FilesChanged)
	}
}

func TestMergeStageBranchAlreadyMerged(t *testing.T) {
	dir, base := initRepo(t)
	runOK(t, dir, "checkout", "-b", "weft/stage-a")
	writeFile(t, dir, "a.txt", "a\n")
	runOK(t, dir, "add", "a.txt")
	runOK(t, dir, "commit", "-m", "add a")
	runOK(t, dir, "checkout", base)

	e := New()
	ctx := context.Background()
	if _, err := e.MergeStageBranch(ctx, dir, "stage-a"); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	res, err := e.MergeStageBranch(ctx, dir, "stage-a")
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if res.Kind != AlreadyMerged {
		t.Errorf("expected AlreadyMerged, got %s", res.Kind)
	}
}

func TestMergeStageBranchSuccessNonFastForward(t *testing.T) {
	dir, base := initRepo(t)
	runOK(t, dir, "checkout", "-b", "weft/stage-a")
	writeFile(t, dir, "a.txt", "a\n")
	runOK(t, dir, "add", "a.txt")
	runOK(t, dir, "commit", "-m", "add a")

	runOK(t, dir, "checkout", base)
	writeFile(t, dir, "b.txt", "b\n")
	runOK(t, dir, "add", "b.txt")
	runOK(t, dir, "commit", "-m", "add b on main")

	e := New()
	res, err := e.MergeStageBranch(context.Background(), dir, "stage-a")
	if err != nil {
		t.Fatalf("MergeStageBranch: %v", err)
	}
	if res.Kind != Success {
		t.Errorf("expected Success, got %s", res.Kind)
	}
}

func TestMergeStageBranchConflict(t *testing.T) {
	dir, base := initRepo(t)
	runOK(t, dir, "checkout", "-b", "weft/stage-a")
	writeFile(t, dir, "README.md", "branch version\n")
	runOK(t, dir, "add", "README.md")
	runOK(t, dir, "commit", "-m", "branch edits README")

	runOK(t, dir, "checkout", base)
	writeFile(t, dir, "README.md", "main version\n")
	runOK(t, dir, "add", "README.md")
	runOK(t, dir, "commit", "-m", "main edits README")

	e := New()
	res, err := e.MergeStageBranch(context.Background(), dir, "stage-a")
	if err != nil {
		t.Fatalf("MergeStageBranch: %v", err)
	}
	if res.Kind != Conflict {
		t.Fatalf("expected Conflict, got %s", res.Kind)
	}
	if len(res.ConflictingFiles) != 1 || res.ConflictingFiles[0] != "README.md" {
		t.Errorf("unexpected conflicting files: %v", res.ConflictingFiles)
	}
	hunk, ok := res.ConflictHunks["README.md"]
	if !ok || !strings.Contains(hunk, "branch version") || !strings.Contains(hunk, "main version") {
		t.Errorf("expected a rendered hunk naming both diverged versions, got %q (ok=%v)", hunk, ok)
	}

	// The repo must still reflect the in-progress merge for the monitor to
	// detect it (§4.5, "observing that MERGE_HEAD is gone").
	inProgress, err := MergeInProgress(context.Background(), dir)
	if err != nil {
		t.Fatalf("MergeInProgress: %v", err)
	}
	if !inProgress {
		t.Error("expected MERGE_HEAD to be present after a conflicted merge")
	}

	// Clean up so t.TempDir() removal doesn't trip over unmerged state.
	runOK(t, dir, "merge", "--abort")
}

func TestMergeStashesAndRestoresUncommittedChanges(t *testing.T) {
	dir, base := initRepo(t)
	runOK(t, dir, "checkout", "-b", "weft/stage-a")
	writeFile(t, dir, "a.txt", "a\n")
	runOK(t, dir, "add", "a.txt")
	runOK(t, dir, "commit", "-m", "add a")
	runOK(t, dir, "checkout", base)

	writeFile(t, dir, "uncommitted.txt", "wip\n")

	e := New()
	if _, err := e.MergeStageBranch(context.Background(), dir, "stage-a"); err != nil {
		t.Fatalf("MergeStageBranch: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "uncommitted.txt"))
	if err != nil {
		t.Fatalf("expected uncommitted file restored after stash pop: %v", err)
	}
	if string(data) != "wip\n" {
		t.Errorf("unexpected restored content: %q", data)
	}
}

func TestCheckBaseConflictDetectsConflict(t *testing.T) {
	dir, base := initRepo(t)

	runOK(t, dir, "checkout", "-b", "weft/dep-a")
	writeFile(t, dir, "shared.txt", "dep-a version\n")
	runOK(t, dir, "add", "shared.txt")
	runOK(t, dir, "commit", "-m", "dep-a edits shared")

	runOK(t, dir, "checkout", base)
	runOK(t, dir, "checkout", "-b", "weft/dep-b")
	writeFile(t, dir, "shared.txt", "dep-b version\n")
	runOK(t, dir, "add", "shared.txt")
	runOK(t, dir, "commit", "-m", "dep-b edits shared")
	runOK(t, dir, "checkout", base)

	e := New()
	scratch := filepath.Join(dir, "..", "scratch-base")
	res, err := e.CheckBaseConflict(context.Background(), dir, scratch, "dependent", []string{"dep-a", "dep-b"})
	if err != nil {
		t.Fatalf("CheckBaseConflict: %v", err)
	}
	if res.Kind != Conflict {
		t.Fatalf("expected Conflict, got %s", res.Kind)
	}
	if len(res.ConflictingFiles) != 1 || res.ConflictingFiles[0] != "shared.txt" {
		t.Errorf("unexpected conflicting files: %v", res.ConflictingFiles)
	}
	hunk, ok := res.ConflictHunks["shared.txt"]
	if !ok || !strings.Contains(hunk, "dep-a version") || !strings.Contains(hunk, "dep-b version") {
		t.Errorf("expected a rendered hunk naming both dependency versions, got %q (ok=%v)", hunk, ok)
	}
}

func TestCheckBaseConflictSuccessWithNoOverlap(t *testing.T) {
	dir, base := initRepo(t)

	runOK(t, dir, "checkout", "-b", "weft/dep-a")
	writeFile(t, dir, "a.txt", "a\n")
	runOK(t, dir, "add", "a.txt")
	runOK(t, dir, "commit", "-m", "dep-a adds a")

	runOK(t, dir, "checkout", base)
	runOK(t, dir, "checkout", "-b", "weft/dep-b")
	writeFile(t, dir, "b.txt", "b\n")
	runOK(t, dir, "add", "b.txt")
	runOK(t, dir, "commit", "-m", "dep-b adds b")
	runOK(t, dir, "checkout", base)

	e := New()
	scratch := filepath.Join(dir, "..", "scratch-base-2")
	res, err := e.CheckBaseConflict(context.Background(), dir, scratch, "dependent", []string{"dep-a", "dep-b"})
	if err != nil {
		t.Fatalf("CheckBaseConflict: %v", err)
	}
	if res.Kind != Success {
		t.Fatalf("expected Success, got %s", res.Kind)
	}
}
