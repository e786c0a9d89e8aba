package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weftio/weft/internal/logging"
	"github.com/weftio/weft/internal/model"
	"github.com/weftio/weft/internal/monitor"
)

// handleEvent applies the handler named in §4.10 for one monitor event.
func (o *Orchestrator) handleEvent(ctx context.Context, ev monitor.Event) error {
	switch ev.Kind {
	case monitor.EventSessionFinished:
		return o.onSessionFinished(ctx, ev.StageID, ev.SessionID)
	case monitor.EventSessionCrashed:
		return o.onSessionCrashed(ctx, ev.StageID, ev.SessionID)
	case monitor.EventSessionNeedsHandoff:
		return o.onSessionNeedsHandoff(ctx, ev.StageID, ev.SessionID)
	case monitor.EventSessionContextCritical:
		logging.Warn(ctx, "session approaching context exhaustion, no action taken",
			slog.String("stage_id", ev.StageID), slog.String("session_id", ev.SessionID))
		return nil
	case monitor.EventSessionContextWarning:
		logging.Info(ctx, "session context usage elevated",
			slog.String("stage_id", ev.StageID), slog.String("session_id", ev.SessionID))
		return nil
	case monitor.EventConflictObserved:
		logging.Info(ctx, "merge conflict observed in worktree", slog.String("stage_id", ev.StageID))
		return nil
	case monitor.EventConflictResolved:
		return o.onConflictResolved(ctx, ev.StageID)
	case monitor.EventStageStatusChanged:
		if ev.To == model.StageBlocked {
			logging.Warn(ctx, "stage blocked", slog.String("stage_id", ev.StageID))
		}
		return nil
	default:
		return nil
	}
}

// onSessionCrashed implements the SessionCrashed handler (§4.10): transition
// the stage to Blocked with a crash failure record, preserve the session's
// accumulated memory, and re-queue immediately when retries remain.
func (o *Orchestrator) onSessionCrashed(ctx context.Context, stageID, sessionID string) error {
	st := o.Graph.Stage(stageID)
	if st == nil {
		return fmt.Errorf("session crashed: unknown stage %q", stageID)
	}

	if err := o.Store.PreserveCrash(sessionID, stageID); err != nil {
		logging.Error(ctx, "preserving crash diagnostics failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}

	if sess, err := o.Store.LoadSession(sessionID); err == nil && sess != nil {
		if tErr := model.TransitionSession(sess, model.SessionCrashed); tErr == nil {
			_ = o.Store.SaveSession(sess)
		}
	}

	if err := model.TransitionStage(st, model.StageBlocked); err != nil {
		return err
	}
	st.Failure = &model.FailureRecord{Kind: "crash", Message: "agent process exited unexpectedly", Timestamp: time.Now()}
	if err := o.Store.SaveStage(st); err != nil {
		return err
	}
	delete(o.running, stageID)

	if st.RetryCount >= st.MaxRetries {
		logging.Warn(ctx, "stage exhausted retries after crash, remaining blocked", slog.String("stage_id", stageID))
		return nil
	}

	st.RetryCount++
	if err := o.Store.SaveStage(st); err != nil {
		return err
	}
	logging.Info(ctx, "retrying stage after crash", slog.String("stage_id", stageID), slog.Int("retry_count", st.RetryCount))
	return o.StartStage(ctx, stageID)
}

// onSessionNeedsHandoff implements the SessionNeedsHandoff handler (§4.10):
// transition the stage to NeedsHandoff and record which session to
// reference once requeueHandoffs picks it back up on a later tick.
func (o *Orchestrator) onSessionNeedsHandoff(ctx context.Context, stageID, sessionID string) error {
	st := o.Graph.Stage(stageID)
	if st == nil {
		return fmt.Errorf("session needs handoff: unknown stage %q", stageID)
	}
	if err := model.TransitionStage(st, model.StageNeedsHandoff); err != nil {
		return err
	}
	if err := o.Store.SaveStage(st); err != nil {
		return err
	}
	delete(o.running, stageID)
	o.pendingRecovery[stageID] = sessionID
	logging.Info(ctx, "stage awaiting handoff", slog.String("stage_id", stageID), slog.String("session_id", sessionID))
	return nil
}
