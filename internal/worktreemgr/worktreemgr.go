// Package worktreemgr creates, reuses, and removes the isolated git
// worktrees agents run in, and installs the per-worktree wiring (state-root
// symlink, hook settings) that makes a worktree behave like a first-class
// participant in the orchestrator's shared filesystem state
// (SPEC_FULL.md §4.4 "Worktree / Branch manager").
package worktreemgr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/weftio/weft/internal/model"
)

// SettingsFileName is the per-worktree agent-tool configuration file the
// manager installs so hook scripts run inside the new checkout.
const SettingsFileName = "weft-agent-settings.json"

// InstructionsFileName is the symlink name pointing agents at the
// repo-level instructions document from inside each worktree.
const InstructionsFileName = "WEFT.md"

// StateLinkName is the well-known name of the symlink every worktree
// carries back to the shared state root (§3 "Worktree", Invariant).
const StateLinkName = ".work"

// Manager creates, reuses, and tears down worktrees under <repo>/.worktrees.
type Manager struct {
	RepoRoot  string
	StateRoot string
	runGit    func(ctx context.Context, dir string, args ...string) (string, string, error)
}

// New returns a Manager rooted at repoRoot, sharing stateRoot with every
// worktree it creates.
func New(repoRoot, stateRoot string) *Manager {
	return &Manager{RepoRoot: repoRoot, StateRoot: stateRoot, runGit: runGit}
}

// worktreeDir returns the conventional checkout path for a stage.
func (m *Manager) worktreeDir(stageID string) string {
	return filepath.Join(m.RepoRoot, model.WorktreeRelDir, stageID)
}

// BaseScratchDir returns the throwaway worktree path the merge engine checks
// a stage's dependency branches out into while verifying they merge cleanly
// with each other (§4.5 "Base conflicts"). Never reused across checks: the
// caller removes it once CheckBaseConflict returns.
func (m *Manager) BaseScratchDir(stageID string) string {
	return filepath.Join(m.RepoRoot, model.WorktreeRelDir, "_base", stageID)
}

// GetOrCreate is idempotent: an existing, git-tracked worktree at the
// expected path is reused; a stale, untracked directory is pruned and
// recreated; otherwise a fresh worktree is created on branch_for(stageID),
// reusing the branch if it already exists rather than failing (§4.4).
func (m *Manager) GetOrCreate(ctx context.Context, stageID string) (*model.Worktree, error) {
	dir := m.worktreeDir(stageID)
	branch := model.BranchFor(stageID)

	tracked, err := m.isTrackedWorktree(ctx, dir)
	if err != nil {
		return nil, err
	}
	if tracked {
		return m.describe(ctx, stageID, dir, branch)
	}

	if _, statErr := os.Stat(dir); statErr == nil {
		// Path exists but git does not track it as a worktree: prune stale
		// registrations, then remove the leftover directory before recreating.
		if _, _, err := m.runGit(ctx, m.RepoRoot, "worktree", "prune"); err != nil {
			return nil, fmt.Errorf("pruning worktrees: %w", err)
		}
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("removing stale worktree dir %s: %w", dir, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return nil, fmt.Errorf("creating worktrees parent dir: %w", err)
	}

	branchExists, err := m.branchExists(ctx, branch)
	if err != nil {
		return nil, err
	}

	var args []string
	if branchExists {
		args = []string{"worktree", "add", dir, branch}
	} else {
		args = []string{"worktree", "add", dir, "-b", branch}
	}
	if _, stderr, err := m.runGit(ctx, m.RepoRoot, args...); err != nil {
		return nil, fmt.Errorf("git worktree add %s: %w (%s)", branch, err, stderr)
	}

	if err := m.install(dir); err != nil {
		return nil, fmt.Errorf("installing worktree wiring for %s: %w", stageID, err)
	}

	return m.describe(ctx, stageID, dir, branch)
}

// InstallHooks (re-)installs a worktree's wiring without touching its git
// state: used by the CLI's repair path when a worktree's settings file or
// state-root symlink has gone missing or stale.
func (m *Manager) InstallHooks(ctx context.Context, stageID string) error {
	dir := m.worktreeDir(stageID)
	tracked, err := m.isTrackedWorktree(ctx, dir)
	if err != nil {
		return err
	}
	if !tracked {
		return fmt.Errorf("no worktree for stage %s at %s", stageID, dir)
	}
	return m.install(dir)
}

// install wires a freshly created worktree: a symlink back to the shared
// state root, an agent-settings file, and a symlink to the repo-level
// instructions document, so the agent transparently shares orchestrator
// state without any extra configuration (§4.4, §3 "Worktree" invariant).
func (m *Manager) install(dir string) error {
	link := filepath.Join(dir, StateLinkName)
	if _, err := os.Lstat(link); err == nil {
		_ = os.Remove(link)
	}
	if err := os.Symlink(m.StateRoot, link); err != nil {
		return fmt.Errorf("linking %s -> %s: %w", link, m.StateRoot, err)
	}

	settingsPath := filepath.Join(dir, SettingsFileName)
	if err := os.WriteFile(settingsPath, defaultAgentSettings(), 0o640); err != nil {
		return fmt.Errorf("writing %s: %w", settingsPath, err)
	}

	instructionsSrc := filepath.Join(m.RepoRoot, InstructionsFileName)
	if _, err := os.Stat(instructionsSrc); err == nil {
		instructionsDst := filepath.Join(dir, InstructionsFileName)
		if _, err := os.Lstat(instructionsDst); err == nil {
			_ = os.Remove(instructionsDst)
		}
		if err := os.Symlink(instructionsSrc, instructionsDst); err != nil {
			return fmt.Errorf("linking instructions into %s: %w", dir, err)
		}
	}
	return nil
}

func defaultAgentSettings() []byte {
	return []byte(`{
  "hooks": {
    "enabled": true
  },
  "permissions": {
    "isolationEnforced": true
  }
}
`)
}

// Remove deletes a stage's worktree checkout, and its branch when force is
// set. NoBranch/NotFound outcomes are tolerated as no-ops (§4.4, §4.5
// "idempotent no-op").
func (m *Manager) Remove(ctx context.Context, stageID string, force bool) error {
	dir := m.worktreeDir(stageID)
	args := []string{"worktree", "remove", dir}
	if force {
		args = append(args, "--force")
	}
	if _, stderr, err := m.runGit(ctx, m.RepoRoot, args...); err != nil {
		if !strings.Contains(stderr, "is not a working tree") && !strings.Contains(stderr, "No such file") {
			return fmt.Errorf("git worktree remove %s: %w (%s)", dir, err, stderr)
		}
	}
	if force {
		branch := model.BranchFor(stageID)
		_, _, _ = m.runGit(ctx, m.RepoRoot, "branch", "-D", branch)
	}
	return nil
}

// List parses `git worktree list --porcelain` into Worktree records.
func (m *Manager) List(ctx context.Context) ([]*model.Worktree, error) {
	stdout, _, err := m.runGit(ctx, m.RepoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	return parsePorcelain(stdout), nil
}

func parsePorcelain(out string) []*model.Worktree {
	var worktrees []*model.Worktree
	var cur *model.Worktree
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				worktrees = append(worktrees, cur)
			}
			path := strings.TrimPrefix(line, "worktree ")
			cur = &model.Worktree{Path: path, Status: model.WorktreeActive}
			if id, ok := model.IDFor(filepath.Base(path)); ok {
				cur.StageID = id
			}
		case strings.HasPrefix(line, "HEAD "):
			if cur != nil {
				cur.HeadSHA = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				branch := strings.TrimPrefix(line, "branch refs/heads/")
				cur.Branch = branch
				if id, ok := model.IDFor(branch); ok {
					cur.StageID = id
				}
			}
		}
	}
	if cur != nil {
		worktrees = append(worktrees, cur)
	}
	return worktrees
}

func (m *Manager) isTrackedWorktree(ctx context.Context, dir string) (bool, error) {
	worktrees, err := m.List(ctx)
	if err != nil {
		return false, err
	}
	for _, w := range worktrees {
		if w.Path == dir {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) (bool, error) {
	_, _, err := m.runGit(ctx, m.RepoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil, nil
}

func (m *Manager) describe(ctx context.Context, stageID, dir, branch string) (*model.Worktree, error) {
	headSHA, _, err := m.runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		headSHA = ""
	}
	return &model.Worktree{
		StageID: stageID,
		Path:    dir,
		Branch:  branch,
		Status:  model.WorktreeActive,
		HeadSHA: strings.TrimSpace(headSHA),
	}, nil
}

// runGit shells out to the real git binary (per the Non-goal on
// reimplementing git internals) and returns trimmed stdout/stderr.
func runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}
