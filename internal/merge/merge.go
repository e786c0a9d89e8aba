// Package merge progressively merges completed stage branches into the
// merge-point branch, classifies the outcome, and checks whether a stage's
// dependencies merge cleanly with each other before it starts
// (SPEC_FULL.md §4.5 "Merge engine").
package merge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/weftio/weft/internal/model"
)

// ResultKind classifies the outcome of a merge attempt.
type ResultKind string

const (
	Success       ResultKind = "success"
	FastForward   ResultKind = "fast_forward"
	AlreadyMerged ResultKind = "already_merged"
	NoBranch      ResultKind = "no_branch"
	Conflict      ResultKind = "conflict"
)

// Result is the outcome of one merge attempt.
type Result struct {
	Kind             ResultKind
	FilesChanged     []string
	ConflictingFiles []string
	// ConflictHunks renders each conflicting path's "ours" vs "theirs"
	// staged blob as a compact diff, keyed by path, for signals that want
	// to show what actually diverged rather than just naming files. A path
	// missing from the map means its hunk couldn't be computed (binary
	// content, a rename, etc.) and callers should fall back to the path
	// list alone.
	ConflictHunks map[string]string
}

// Engine merges stage branches into a merge point within a single checkout
// (the main repo, for stage merges; a dedicated scratch worktree, for base
// conflict checks).
type Engine struct {
	runGit func(ctx context.Context, dir string, args ...string) (string, string, error)
}

// New returns a merge Engine.
func New() *Engine {
	return &Engine{runGit: runGit}
}

// MergeStageBranch merges stage_for(stageID) into the branch currently
// checked out at checkoutDir (the merge point). The caller is expected to
// already have checkoutDir on the configured base branch; the engine never
// switches branches itself.
//
// The checkout's uncommitted changes are stashed before merging and popped
// on every exit path, including when merge succeeds but a later bookkeeping
// step (handled by the caller) fails — the stash pop happens here,
// independent of caller-side bookkeeping outcome.
func (e *Engine) MergeStageBranch(ctx context.Context, checkoutDir, stageID string) (*Result, error) {
	branch := model.BranchFor(stageID)

	exists, err := e.branchExists(ctx, checkoutDir, branch)
	if err != nil {
		return nil, fmt.Errorf("checking branch %s: %w", branch, err)
	}
	if !exists {
		return &Result{Kind: NoBranch}, nil
	}

	stashed, err := e.stashPush(ctx, checkoutDir)
	if err != nil {
		return nil, fmt.Errorf("stashing before merge: %w", err)
	}
	defer func() {
		if stashed {
			_ = e.stashPop(ctx, checkoutDir)
		}
	}()

	stdout, stderr, mergeErr := e.runGit(ctx, checkoutDir, "merge", "--no-edit", branch)
	if mergeErr != nil {
		conflicting, confErr := e.conflictingFiles(ctx, checkoutDir)
		if confErr != nil {
			return nil, fmt.Errorf("merge %s failed (%s) and could not inspect conflicts: %w", branch, stderr, confErr)
		}
		if len(conflicting) > 0 {
			return &Result{Kind: Conflict, ConflictingFiles: conflicting, ConflictHunks: e.conflictHunks(ctx, checkoutDir, conflicting)}, nil
		}
		return nil, fmt.Errorf("git merge %s: %w (%s)", branch, mergeErr, stderr)
	}

	files, _ := e.changedFiles(ctx, checkoutDir)
	switch {
	case strings.Contains(stdout, "Already up to date"):
		return &Result{Kind: AlreadyMerged}, nil
	case strings.Contains(stdout, "Fast-forward"):
		return &Result{Kind: FastForward, FilesChanged: files}, nil
	default:
		return &Result{Kind: Success, FilesChanged: files}, nil
	}
}

// CheckBaseConflict verifies that dependencyStageIDs' branches merge
// cleanly with each other into the derived base branch for targetStageID,
// inside a scratch worktree so the check never disturbs any live checkout.
// It returns Conflict{ConflictingFiles} on the first pairwise conflict,
// Success otherwise. The scratch worktree is always removed before return.
func (e *Engine) CheckBaseConflict(ctx context.Context, repoRoot, scratchDir, targetStageID string, dependencyStageIDs []string) (*Result, error) {
	if len(dependencyStageIDs) == 0 {
		return &Result{Kind: AlreadyMerged}, nil
	}
	baseBranch := model.BaseBranchFor(targetStageID)
	firstBranch := model.BranchFor(dependencyStageIDs[0])

	if _, _, err := e.runGit(ctx, repoRoot, "branch", "-f", baseBranch, firstBranch); err != nil {
		return nil, fmt.Errorf("creating base branch %s: %w", baseBranch, err)
	}
	defer func() {
		_, _, _ = e.runGit(ctx, repoRoot, "worktree", "remove", scratchDir, "--force")
	}()

	if _, stderr, err := e.runGit(ctx, repoRoot, "worktree", "add", scratchDir, baseBranch); err != nil {
		return nil, fmt.Errorf("creating scratch worktree: %w (%s)", err, stderr)
	}

	var changed []string
	for _, depID := range dependencyStageIDs[1:] {
		depBranch := model.BranchFor(depID)
		stdout, stderr, err := e.runGit(ctx, scratchDir, "merge", "--no-edit", depBranch)
		if err != nil {
			conflicting, confErr := e.conflictingFiles(ctx, scratchDir)
			if confErr == nil && len(conflicting) > 0 {
				hunks := e.conflictHunks(ctx, scratchDir, conflicting)
				_, _, _ = e.runGit(ctx, scratchDir, "merge", "--abort")
				return &Result{Kind: Conflict, ConflictingFiles: conflicting, ConflictHunks: hunks}, nil
			}
			return nil, fmt.Errorf("merging %s into %s: %w (%s)", depBranch, baseBranch, err, stderr)
		}
		if !strings.Contains(stdout, "Already up to date") {
			files, _ := e.changedFiles(ctx, scratchDir)
			changed = append(changed, files...)
		}
	}

	if _, _, err := e.runGit(ctx, repoRoot, "branch", "-f", baseBranch, "HEAD"); err == nil {
		// best-effort: advance the persistent base ref to the merged scratch
		// state is already true since the scratch checkout's HEAD is the
		// base branch itself; nothing further to do here.
		_ = err
	}

	return &Result{Kind: Success, FilesChanged: changed}, nil
}

func (e *Engine) branchExists(ctx context.Context, dir, branch string) (bool, error) {
	_, _, err := e.runGit(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil, nil
}

func (e *Engine) stashPush(ctx context.Context, dir string) (bool, error) {
	stdout, _, err := e.runGit(ctx, dir, "stash", "push", "--include-untracked", "-m", "weft-pre-merge")
	if err != nil {
		return false, err
	}
	if strings.Contains(stdout, "No local changes to save") {
		return false, nil
	}
	return true, nil
}

func (e *Engine) stashPop(ctx context.Context, dir string) error {
	_, _, err := e.runGit(ctx, dir, "stash", "pop")
	return err
}

// conflictingFiles lists unmerged paths via the diff-unmerged filter (§4.5
// "Conflict detection on unmerged paths uses the git diff-unmerged filter").
func (e *Engine) conflictingFiles(ctx context.Context, dir string) ([]string, error) {
	stdout, _, err := e.runGit(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(stdout), nil
}

// conflictHunks renders a compact diff between each conflicting path's
// "ours" (stage 2) and "theirs" (stage 3) blobs via go-diff, so a
// resolution signal can show what actually diverged instead of just
// naming the path. Paths that can't be read as two-sided text (a rename,
// binary content) are silently omitted from the result.
func (e *Engine) conflictHunks(ctx context.Context, dir string, files []string) map[string]string {
	hunks := make(map[string]string, len(files))
	dmp := diffmatchpatch.New()
	for _, f := range files {
		ours, _, oursErr := e.runGit(ctx, dir, "show", ":2:"+f)
		theirs, _, theirsErr := e.runGit(ctx, dir, "show", ":3:"+f)
		if oursErr != nil || theirsErr != nil {
			continue
		}
		diffs := dmp.DiffMain(ours, theirs, false)
		diffs = dmp.DiffCleanupSemantic(diffs)
		hunks[f] = dmp.DiffPrettyText(diffs)
	}
	return hunks
}

func (e *Engine) changedFiles(ctx context.Context, dir string) ([]string, error) {
	stdout, _, err := e.runGit(ctx, dir, "diff", "--name-only", "ORIG_HEAD", "HEAD")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(stdout), nil
}

// MergeInProgress reports whether dir's git directory has an in-flight
// merge (MERGE_HEAD present). The monitor uses this to detect when an
// agent has resolved a conflict and exited.
func MergeInProgress(ctx context.Context, dir string) (bool, error) {
	_, _, err := runGit(ctx, dir, "rev-parse", "--verify", "--quiet", "MERGE_HEAD")
	return err == nil, nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}
