package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftio/weft/internal/config"
	"github.com/weftio/weft/internal/model"
	"github.com/weftio/weft/internal/store"
)

func newStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Inspect and manually drive a stage's state machine",
	}
	cmd.AddCommand(newStageTransitionCmd("ready", model.StageQueued,
		"Move a stage out of waiting-for-deps once its dependencies are satisfied"))
	cmd.AddCommand(newStageTransitionCmd("waiting", model.StageWaitingForInput,
		"Mark an executing stage as blocked on operator input"))
	cmd.AddCommand(newStageTransitionCmd("resume", model.StageExecuting,
		"Resume a stage that was waiting for input"))
	cmd.AddCommand(newStageTransitionCmd("block", model.StageBlocked,
		"Mark an executing stage as blocked"))
	cmd.AddCommand(newStageTransitionCmd("reset", model.StageExecuting,
		"Re-run a blocked or partially-failed stage"))
	cmd.AddCommand(newStageTransitionCmd("complete", model.StageCompleted,
		"Manually mark a stage complete"))
	cmd.AddCommand(newStageTransitionCmd("verify", model.StageCompleted,
		"Accept a stage that completed with failures after manual review"))
	cmd.AddCommand(newStageHoldCmd())
	cmd.AddCommand(newStageReleaseCmd())
	return cmd
}

func loadStageStore() (*store.Store, error) {
	root, err := resolveRepoRoot()
	if err != nil {
		return nil, err
	}
	return store.New(config.StateRoot(root)), nil
}

func newStageTransitionCmd(verb string, to model.StageStatus, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <stage-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadStageStore()
			if err != nil {
				return err
			}
			stageID := args[0]
			stage, err := st.LoadStage(stageID)
			if err != nil {
				return usageErrorf("unknown stage %q: %v", stageID, err)
			}

			if err := model.TransitionStage(stage, to); err != nil {
				return usageErrorf("%v", err)
			}
			if to == model.StageCompleted {
				stage.Merged = false
			}

			if err := st.SaveStage(stage); err != nil {
				return fmt.Errorf("saving stage %s: %w", stageID, err)
			}

			if verb == "complete" || verb == "verify" {
				completeRunningSession(st, stageID)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stage %s: %s\n", stageID, stage.Status)
			return nil
		},
	}
}

// completeRunningSession transitions a stage's most recently active session
// to completed when its stage is finished by hand, so the monitor's
// heartbeat check doesn't later flag it as crashed.
func completeRunningSession(st *store.Store, stageID string) {
	sessions, err := st.ListSessions()
	if err != nil {
		return
	}
	for _, sess := range sessions {
		if sess.StageID != stageID {
			continue
		}
		if model.CanTransitionSession(sess.Status, model.SessionCompleted) {
			_ = model.TransitionSession(sess, model.SessionCompleted)
			_ = st.SaveSession(sess)
		}
	}
}

func newStageHoldCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hold <stage-id>",
		Short: "Prevent the orchestrator from starting or retrying a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setStageHeld(cmd, args[0], true)
		},
	}
}

func newStageReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <stage-id>",
		Short: "Clear a hold placed on a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setStageHeld(cmd, args[0], false)
		},
	}
}

func setStageHeld(cmd *cobra.Command, stageID string, held bool) error {
	st, err := loadStageStore()
	if err != nil {
		return err
	}
	stage, err := st.LoadStage(stageID)
	if err != nil {
		return usageErrorf("unknown stage %q: %v", stageID, err)
	}
	stage.Held = held
	if err := st.SaveStage(stage); err != nil {
		return fmt.Errorf("saving stage %s: %w", stageID, err)
	}
	verb := "released"
	if held {
		verb = "held"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stage %s %s\n", stageID, verb)
	return nil
}
