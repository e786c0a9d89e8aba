package model

import "strings"

// WorktreeStatus enumerates the states a Worktree passes through (§3).
type WorktreeStatus string

const (
	WorktreeCreating WorktreeStatus = "creating"
	WorktreeActive   WorktreeStatus = "active"
	WorktreeMerging  WorktreeStatus = "merging"
	WorktreeConflict WorktreeStatus = "conflict"
	WorktreeMerged   WorktreeStatus = "merged"
	WorktreeRemoved  WorktreeStatus = "removed"
)

// Worktree is an isolated git checkout for one stage (§3 "Worktree").
type Worktree struct {
	StageID string
	Path    string
	Branch  string
	Status  WorktreeStatus
	HeadSHA string
}

// BranchPrefix is the fixed short string stage and base branches are namespaced
// under (SPEC_FULL.md §6, "Branch naming convention").
const BranchPrefix = "weft"

// BaseBranchSegment names the derived base branch used to pre-merge multiple
// dependencies before a dependent stage starts (§4.5 "Base conflicts").
const BaseBranchSegment = "_base"

// BranchFor computes the stage branch name for a stage id. Must round-trip
// with IDFor (Testable Property 4).
func BranchFor(stageID string) string {
	return BranchPrefix + "/" + stageID
}

// IDFor strips the branch prefix, recovering the stage id. Returns ("", false)
// if branch does not carry the expected prefix.
func IDFor(branch string) (string, bool) {
	prefix := BranchPrefix + "/"
	if !strings.HasPrefix(branch, prefix) {
		return "", false
	}
	return strings.TrimPrefix(branch, prefix), true
}

// BaseBranchFor computes the derived base branch used to merge-check multiple
// dependencies of stageID before it starts.
func BaseBranchFor(stageID string) string {
	return BranchPrefix + "/" + BaseBranchSegment + "/" + stageID
}

// WorktreeRelDir is the directory, relative to repo root, that worktrees live
// under (§6 "Worktree layout").
const WorktreeRelDir = ".worktrees"
