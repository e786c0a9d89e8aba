// Package isolation implements the pure allow/deny predicate every agent
// tool invocation is filtered through before it reaches the OS
// (SPEC_FULL.md §4.9 "Isolation validator").
package isolation

import (
	"fmt"
	"regexp"
)

// Reason enumerates why an operation was blocked.
type Reason string

const (
	GitDirectoryOverride Reason = "git_directory_override"
	PathTraversal        Reason = "path_traversal"
	CrossWorktreeAccess  Reason = "cross_worktree_access"
	ProtectedStateFile   Reason = "protected_state_file"
	CrossWorktreeWrite   Reason = "cross_worktree_write"
)

// Result is the outcome of validating one bash command or file path.
type Result struct {
	Blocked bool
	Reason  Reason
	// Target is the other stage's id, when Reason is CrossWorktreeAccess or
	// CrossWorktreeWrite and the offending path named one.
	Target string
}

// Allowed reports whether the operation may proceed.
func (r Result) Allowed() bool { return !r.Blocked }

var (
	gitDashCPattern       = regexp.MustCompile(`git\s+-C\s+`)
	gitWorkTreePattern    = regexp.MustCompile(`git\s+--work-tree`)
	pathTraversalPattern  = regexp.MustCompile(`\.\.[\\/]\.\.`)
	bashWorktreesPattern  = regexp.MustCompile(`\.worktrees/([^/\s]+)`)
	fileWorktreesPattern  = regexp.MustCompile(`\.worktrees/([^/]+)/`)
	protectedStatePattern = regexp.MustCompile(`\.work/(stages|sessions)/`)
)

// ValidateBashCommand checks command for isolation violations, given the
// stage currently running it. Rules are applied in order: git directory
// override, path traversal, cross-worktree access (own worktree allowed).
func ValidateBashCommand(command, currentStage string) Result {
	if gitDashCPattern.MatchString(command) || gitWorkTreePattern.MatchString(command) {
		return Result{Blocked: true, Reason: GitDirectoryOverride}
	}
	if pathTraversalPattern.MatchString(command) {
		return Result{Blocked: true, Reason: PathTraversal}
	}
	if m := bashWorktreesPattern.FindStringSubmatch(command); m != nil {
		target := m[1]
		if target != currentStage {
			return Result{Blocked: true, Reason: CrossWorktreeAccess, Target: target}
		}
	}
	return Result{}
}

// ValidateFilePath checks a file write's target path for isolation
// violations, given the stage currently writing it. Rules are applied in
// order: protected state file, path traversal, cross-worktree write (own
// worktree allowed).
func ValidateFilePath(path, currentStage string) Result {
	if protectedStatePattern.MatchString(path) {
		return Result{Blocked: true, Reason: ProtectedStateFile}
	}
	if pathTraversalPattern.MatchString(path) {
		return Result{Blocked: true, Reason: PathTraversal}
	}
	if m := fileWorktreesPattern.FindStringSubmatch(path); m != nil {
		target := m[1]
		if target != currentStage {
			return Result{Blocked: true, Reason: CrossWorktreeWrite, Target: target}
		}
	}
	return Result{}
}

// IsProtectedStatePath reports whether path falls under an
// orchestrator-managed directory an agent must never edit directly.
func IsProtectedStatePath(path string) bool {
	return protectedStatePattern.MatchString(path)
}

// HasPathTraversal reports whether s contains a "../.." traversal token.
func HasPathTraversal(s string) bool {
	return pathTraversalPattern.MatchString(s)
}

func (r Reason) description() string {
	switch r {
	case GitDirectoryOverride:
		return "Git directory override detected"
	case PathTraversal:
		return "Path traversal detected"
	case CrossWorktreeAccess:
		return "Cross-worktree access detected"
	case ProtectedStateFile:
		return "Protected state file access"
	case CrossWorktreeWrite:
		return "Cross-worktree file write"
	default:
		return "Blocked"
	}
}

func (r Reason) suggestion() string {
	switch r {
	case GitDirectoryOverride:
		return "Run git commands in the current worktree only. Use relative paths within this worktree."
	case PathTraversal:
		return "Use relative paths within this worktree. Everything you need is already there."
	case CrossWorktreeAccess:
		return "Stay in your own worktree. Your files and context are all here."
	case ProtectedStateFile:
		return "Use `weft stage complete` to complete a stage, and `weft memory` to record insights."
	case CrossWorktreeWrite:
		return "Write only to files in your own worktree. Files are merged after stage completion."
	default:
		return ""
	}
}

func (r Reason) actionDescription() string {
	switch r {
	case GitDirectoryOverride:
		return "used -C or --work-tree to access another directory"
	case PathTraversal:
		return "used ../.. to escape the worktree"
	case CrossWorktreeAccess:
		return "accessed another stage's worktree"
	case ProtectedStateFile:
		return "wrote to .work/stages/ or .work/sessions/"
	case CrossWorktreeWrite:
		return "wrote to another stage's worktree"
	default:
		return ""
	}
}

// Message renders a Blocked result as the multi-line text shown to the
// agent, naming what it tried to do, what to do instead, and the stage it
// is confined to.
func (r Result) Message(currentStage string) string {
	if !r.Blocked {
		return ""
	}
	return fmt.Sprintf(
		"\nBLOCKED: %s\n\nYou tried to: %s\nInstead, you should: %s\n\nCurrent stage: %s\n",
		r.Reason.description(), r.Reason.actionDescription(), r.Reason.suggestion(), currentStage)
}
