package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/weftio/weft/internal/logging"
	"github.com/weftio/weft/internal/merge"
	"github.com/weftio/weft/internal/model"
	"github.com/weftio/weft/internal/signal"
	"github.com/weftio/weft/internal/spawner"
)

// StartStage drives the four-step start commit (§4.10): resolve/create the
// worktree, allocate a session record and write its signal, spawn the agent
// process, and assign the session to the stage.
//
// The Executing transition is applied first, ahead of the worktree/session/
// spawn steps, so a failure partway through can unwind through the
// already-legal Executing -> Blocked edge: the state machine has no edge
// directly out of Queued (or Blocked, on retry) into Blocked, and §7 still
// requires a start failure to land the stage on Blocked with a failure
// record. Reframed this way, "unwind the prior steps" means undo the signal
// and session side effects already performed, not reverse the status
// transition itself.
func (o *Orchestrator) StartStage(ctx context.Context, id string) error {
	st := o.Graph.Stage(id)
	if st == nil {
		return fmt.Errorf("start stage: unknown stage %q", id)
	}
	if !model.CanTransitionStage(st.Status, model.StageExecuting) {
		return fmt.Errorf("start stage %q: cannot start from status %s", id, st.Status)
	}

	if err := model.TransitionStage(st, model.StageExecuting); err != nil {
		return err
	}
	if err := o.Store.SaveStage(st); err != nil {
		return err
	}

	wt, err := o.Worktrees.GetOrCreate(ctx, id)
	if err != nil {
		return o.blockStageStart(ctx, st, "git", err)
	}

	sessionID := newSessionID()
	content, sessType := o.renderSignal(sessionID, st)
	if err := o.Store.WriteSignal(sessionID, content); err != nil {
		return o.blockStageStart(ctx, st, "process_spawn", err)
	}

	handle, err := o.spawnOrPrint(ctx, spawner.Request{
		StageID:    id,
		SessionID:  sessionID,
		Title:      fmt.Sprintf("%s: %s", id, st.Name),
		WorkingDir: wt.Path,
		ShellCmd:   agentShellCmd(sessionID),
		Backend:    o.Options.BackendType,
		StateRoot:  o.Options.StateRoot,
	}, content)
	if err != nil {
		_ = o.Store.RemoveSignal(sessionID)
		return o.blockStageStart(ctx, st, "process_spawn", err)
	}

	sess := &model.Session{
		ID:                sessionID,
		StageID:           id,
		TerminalName:      fmt.Sprintf("%s-%s", id, sessionID),
		WorktreePath:      wt.Path,
		PID:               handle.AgentPID,
		Status:            model.SessionRunning,
		Backend:           string(o.Options.BackendType),
		ContextTokenLimit: DefaultContextLimit,
		Type:              sessType,
		CreatedAt:         time.Now(),
		LastActiveAt:      time.Now(),
	}
	if err := o.Store.SaveSession(sess); err != nil {
		_ = o.Store.RemoveSignal(sessionID)
		return o.blockStageStart(ctx, st, "process_spawn", err)
	}

	o.running[id] = sessionID
	delete(o.pendingRecovery, id)
	logging.Info(ctx, "stage started", slog.String("stage_id", id), slog.String("session_id", sessionID))
	return nil
}

// agentShellCmd is the default command used to launch an agent session; the
// agent reads its instructions from the signal document at the well-known
// path for sessionID.
func agentShellCmd(sessionID string) string {
	return fmt.Sprintf("weft agent run --session %s", sessionID)
}

// spawnOrPrint launches req through o.Spawn, unless Options.ManualMode is
// set, in which case it prints the rendered signal instructions instead of
// starting a process (§4.10: "manual_mode: do not actually spawn agents;
// print instructions") and returns a handle with no PID, leaving the
// session record to describe work the operator carries out by hand.
func (o *Orchestrator) spawnOrPrint(ctx context.Context, req spawner.Request, signalContent string) (*spawner.Handle, error) {
	if o.Options.ManualMode {
		logging.Info(ctx, "manual mode: run this session yourself",
			slog.String("stage_id", req.StageID), slog.String("session_id", req.SessionID))
		fmt.Println(signalContent)
		return &spawner.Handle{}, nil
	}
	return o.Spawn(ctx, req)
}

// blockStageStart transitions an Executing stage to Blocked with a failure
// record after a start-commit step failed, and returns the original cause
// wrapped for the caller.
func (o *Orchestrator) blockStageStart(ctx context.Context, st *model.Stage, kind string, cause error) error {
	if err := model.TransitionStage(st, model.StageBlocked); err != nil {
		// Executing -> Blocked is always a legal edge; reaching this means the
		// stage moved on through some other path concurrently with the start
		// attempt. Surface the original cause either way.
		logging.Error(ctx, "blocking stage after start failure hit a state race",
			slog.String("stage_id", st.ID), slog.Any("error", err))
		return cause
	}
	st.Failure = &model.FailureRecord{Kind: kind, Message: cause.Error(), Timestamp: time.Now()}
	if err := o.Store.SaveStage(st); err != nil {
		logging.Error(ctx, "saving blocked stage failed", slog.String("stage_id", st.ID), slog.Any("error", err))
	}
	delete(o.running, st.ID)
	return fmt.Errorf("starting stage %s: %w", st.ID, cause)
}

// renderSignal picks the signal variant for a freshly started session: a
// recovery brief when the stage has a pending handoff to reference, a
// knowledge-capture brief for knowledge stages, and otherwise the standard
// task brief (or its lightweight Metrics form, when the stage carries no
// free-form description or working-directory override).
func (o *Orchestrator) renderSignal(sessionID string, st *model.Stage) (string, model.SessionType) {
	if prevSessionID, ok := o.pendingRecovery[st.ID]; ok {
		note, _ := o.Store.ReadHandoff(st.ID)
		return signal.Recovery(sessionID, st, prevSessionID, note), model.SessionTypeRecovery
	}
	if st.Type == model.StageTypeKnowledge {
		return signal.Knowledge(sessionID, st), model.SessionTypeKnowledge
	}
	if st.Description == "" && st.WorkingDir == "" {
		return signal.Metrics(sessionID, st), model.SessionTypeStandard
	}
	return signal.Standard(sessionID, st), model.SessionTypeStandard
}

// requeueHandoffs completes the second half of a handoff (§4.10:
// "transition stage to NeedsHandoff; on the next tick, requeue with a
// recovery-signal that references the previous session"): any stage still
// sitting in NeedsHandoff with a pending recovery entry moves to Queued, so
// the next StartStage call picks it up and renders a Recovery signal.
func (o *Orchestrator) requeueHandoffs() error {
	for stageID := range o.pendingRecovery {
		st := o.Graph.Stage(stageID)
		if st == nil || st.Status != model.StageNeedsHandoff {
			continue
		}
		if err := model.TransitionStage(st, model.StageQueued); err != nil {
			return fmt.Errorf("requeuing handoff for %s: %w", stageID, err)
		}
		if err := o.Store.SaveStage(st); err != nil {
			return err
		}
	}
	return nil
}

// onSessionFinished runs the completion commit sequence (§4.10) once a
// session reports it has finished its stage's work: run acceptance
// commands, and on success hand off to the merge step.
func (o *Orchestrator) onSessionFinished(ctx context.Context, stageID, sessionID string) error {
	st := o.Graph.Stage(stageID)
	if st == nil {
		return fmt.Errorf("session finished: unknown stage %q", stageID)
	}
	sess, err := o.Store.LoadSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session finished: unknown session %q", sessionID)
	}

	if err := runAcceptanceCommands(ctx, st, sess); err != nil {
		if tErr := model.TransitionStage(st, model.StageCompletedWithFailures); tErr != nil {
			return tErr
		}
		st.Failure = &model.FailureRecord{Kind: "acceptance", Message: err.Error(), Timestamp: time.Now()}
		if err := o.Store.SaveStage(st); err != nil {
			return err
		}
		delete(o.running, stageID)
		logging.Warn(ctx, "stage completed with failing acceptance commands", slog.String("stage_id", stageID))
		return nil
	}

	if err := model.TransitionStage(st, model.StageCompleted); err != nil {
		return err
	}
	if err := o.Store.SaveStage(st); err != nil {
		return err
	}
	delete(o.running, stageID)

	return o.finishCompletedStage(ctx, st, sess)
}

// runAcceptanceCommands runs a stage's configured acceptance commands in its
// session's worktree, in order, stopping at the first failure.
func runAcceptanceCommands(ctx context.Context, st *model.Stage, sess *model.Session) error {
	for _, c := range st.AcceptanceCommands {
		cmd := exec.CommandContext(ctx, "sh", "-c", c)
		cmd.Dir = sess.WorktreePath
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("acceptance command %q: %w (%s)", c, err, strings.TrimSpace(stderr.String()))
		}
	}
	return nil
}

// finishCompletedStage runs the remaining completion steps once acceptance
// has passed: attempt merge, record merged=true and completed_commit on
// success, remove the session/signal, or schedule a resolution session on
// conflict (§4.10 "StageCompleted(id)" handler, §4.5).
func (o *Orchestrator) finishCompletedStage(ctx context.Context, st *model.Stage, sess *model.Session) error {
	autoMerge := o.Options.AutoMerge
	if st.AutoMerge != nil {
		autoMerge = *st.AutoMerge
	}
	if !autoMerge {
		logging.Info(ctx, "stage completed, auto-merge disabled, leaving unmerged", slog.String("stage_id", st.ID))
		return nil
	}

	result, err := o.Merge.MergeStageBranch(ctx, o.Options.RepoRoot, st.ID)
	if err != nil {
		return fmt.Errorf("merging stage %s: %w", st.ID, err)
	}

	switch result.Kind {
	case merge.Success, merge.FastForward, merge.AlreadyMerged, merge.NoBranch:
		sha, shaErr := headSHA(ctx, o.Options.RepoRoot)
		if shaErr == nil {
			st.CompletedCommit = sha
		}
		st.Merged = true
		if err := model.TransitionStage(st, model.StageCompleted); err != nil {
			return err
		}
		if err := o.Store.SaveStage(st); err != nil {
			return err
		}
		_ = o.Store.RemoveSignal(sess.ID)
		_ = o.Store.RemoveSession(sess.ID)
		logging.Info(ctx, "stage merged", slog.String("stage_id", st.ID), slog.String("kind", string(result.Kind)))
		return nil

	case merge.Conflict:
		if err := model.TransitionStage(st, model.StageMergeConflict); err != nil {
			return err
		}
		if err := o.Store.SaveStage(st); err != nil {
			return err
		}
		return o.scheduleMergeResolution(ctx, st, result.ConflictingFiles, result.ConflictHunks)

	default:
		return fmt.Errorf("stage %s: unexpected merge result kind %q", st.ID, result.Kind)
	}
}

// scheduleMergeResolution spawns a resolution session in the main checkout
// (not a worktree), carrying a MergeResolve signal naming the conflicting
// files, as named by the MergeConflict branch in §4.10's StageCompleted
// handler.
func (o *Orchestrator) scheduleMergeResolution(ctx context.Context, st *model.Stage, conflictingFiles []string, hunks map[string]string) error {
	sessionID := newSessionID()
	branch := model.BranchFor(st.ID)
	content := signal.MergeResolve(sessionID, st.ID, branch, o.Options.TargetBranch, st, conflictingFiles, hunks)
	if err := o.Store.WriteSignal(sessionID, content); err != nil {
		return err
	}

	handle, err := o.spawnOrPrint(ctx, spawner.Request{
		StageID:    st.ID,
		SessionID:  sessionID,
		Title:      fmt.Sprintf("resolve: %s", st.ID),
		WorkingDir: o.Options.RepoRoot,
		ShellCmd:   agentShellCmd(sessionID),
		Backend:    o.Options.BackendType,
		StateRoot:  o.Options.StateRoot,
	}, content)
	if err != nil {
		_ = o.Store.RemoveSignal(sessionID)
		return fmt.Errorf("spawning merge resolution session for %s: %w", st.ID, err)
	}

	sess := &model.Session{
		ID:                sessionID,
		StageID:           st.ID,
		TerminalName:      "resolve-" + st.ID,
		WorktreePath:      o.Options.RepoRoot,
		PID:               handle.AgentPID,
		Status:            model.SessionRunning,
		Backend:           string(o.Options.BackendType),
		ContextTokenLimit: DefaultContextLimit,
		Type:              model.SessionTypeMergeConflict,
		SourceBranch:      branch,
		TargetBranch:      o.Options.TargetBranch,
		CreatedAt:         time.Now(),
		LastActiveAt:      time.Now(),
	}
	if err := o.Store.SaveSession(sess); err != nil {
		_ = o.Store.RemoveSignal(sessionID)
		return err
	}
	o.running[st.ID] = sessionID
	logging.Info(ctx, "merge resolution session scheduled", slog.String("stage_id", st.ID), slog.String("session_id", sessionID))
	return nil
}

// onConflictResolved completes a stage whose merge-conflict resolution
// session has committed its merge (monitor.EventConflictResolved): it mirrors
// finishCompletedStage's success branch, setting merged=true and transitioning
// MergeConflict -> Completed, then retires the resolution session so the
// stage stops occupying a parallelism slot and its dependents can promote
// (§4.5, §8 Scenario 2).
func (o *Orchestrator) onConflictResolved(ctx context.Context, stageID string) error {
	st := o.Graph.Stage(stageID)
	if st == nil {
		return fmt.Errorf("conflict resolved: unknown stage %q", stageID)
	}
	if st.Status != model.StageMergeConflict {
		return nil
	}

	sha, shaErr := headSHA(ctx, o.Options.RepoRoot)
	if shaErr == nil {
		st.CompletedCommit = sha
	}
	st.Merged = true
	if err := model.TransitionStage(st, model.StageCompleted); err != nil {
		return err
	}
	if err := o.Store.SaveStage(st); err != nil {
		return err
	}

	if sessionID, ok := o.running[stageID]; ok {
		_ = o.Store.RemoveSignal(sessionID)
		_ = o.Store.RemoveSession(sessionID)
		delete(o.running, stageID)
	}

	logging.Info(ctx, "merge conflict resolved", slog.String("stage_id", stageID))
	return nil
}

// readyToStart reports whether a Queued stage with more than one dependency
// is clear to start: its dependency branches must merge cleanly with each
// other into the stage's derived base branch before the stage itself spawns
// (§4.5 "Base conflicts"). A stage with zero or one dependency has nothing to
// check. The base-merge check re-runs every tick, including for a stage with
// a base-conflict session already pending: once the agent fixes the
// dependency branches directly, the next check comes back clean, the pending
// session is retired, and the stage is free to start — there is no separate
// "base conflict resolved" signal to wait on.
func (o *Orchestrator) readyToStart(ctx context.Context, st *model.Stage) (bool, error) {
	if len(st.DependsOn) <= 1 {
		return true, nil
	}

	scratchDir := o.Worktrees.BaseScratchDir(st.ID)
	result, err := o.Merge.CheckBaseConflict(ctx, o.Options.RepoRoot, scratchDir, st.ID, st.DependsOn)
	if err != nil {
		return false, fmt.Errorf("checking base conflict for %s: %w", st.ID, err)
	}

	if result.Kind == merge.Conflict {
		if _, pending := o.running[st.ID]; !pending {
			if err := o.scheduleBaseConflictResolution(ctx, st, result.ConflictingFiles, result.ConflictHunks); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if sessionID, pending := o.running[st.ID]; pending {
		_ = o.Store.RemoveSignal(sessionID)
		_ = o.Store.RemoveSession(sessionID)
		delete(o.running, st.ID)
		logging.Info(ctx, "base conflict cleared", slog.String("stage_id", st.ID))
	}
	return true, nil
}

// scheduleBaseConflictResolution spawns a base-conflict session in the main
// checkout, naming every contributing dependency branch and the derived base
// branch that failed to merge (§4.5).
func (o *Orchestrator) scheduleBaseConflictResolution(ctx context.Context, st *model.Stage, conflictingFiles []string, hunks map[string]string) error {
	sessionID := newSessionID()
	baseBranch := model.BaseBranchFor(st.ID)
	var sourceBranches []string
	for _, depID := range st.DependsOn {
		sourceBranches = append(sourceBranches, model.BranchFor(depID))
	}
	content := signal.BaseConflict(sessionID, st.ID, baseBranch, sourceBranches, conflictingFiles, hunks)
	if err := o.Store.WriteSignal(sessionID, content); err != nil {
		return err
	}

	handle, err := o.spawnOrPrint(ctx, spawner.Request{
		StageID:    st.ID,
		SessionID:  sessionID,
		Title:      fmt.Sprintf("base-conflict: %s", st.ID),
		WorkingDir: o.Options.RepoRoot,
		ShellCmd:   agentShellCmd(sessionID),
		Backend:    o.Options.BackendType,
		StateRoot:  o.Options.StateRoot,
	}, content)
	if err != nil {
		_ = o.Store.RemoveSignal(sessionID)
		return fmt.Errorf("spawning base conflict session for %s: %w", st.ID, err)
	}

	sess := &model.Session{
		ID:                sessionID,
		StageID:           st.ID,
		TerminalName:      "base-conflict-" + st.ID,
		WorktreePath:      o.Options.RepoRoot,
		PID:               handle.AgentPID,
		Status:            model.SessionRunning,
		Backend:           string(o.Options.BackendType),
		ContextTokenLimit: DefaultContextLimit,
		Type:              model.SessionTypeBaseConflict,
		TargetBranch:      baseBranch,
		CreatedAt:         time.Now(),
		LastActiveAt:      time.Now(),
	}
	if err := o.Store.SaveSession(sess); err != nil {
		_ = o.Store.RemoveSignal(sessionID)
		return err
	}
	o.running[st.ID] = sessionID
	logging.Info(ctx, "base conflict resolution session scheduled", slog.String("stage_id", st.ID), slog.String("session_id", sessionID))
	return nil
}

func headSHA(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
