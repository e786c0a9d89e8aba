package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftio/weft/internal/config"
	"github.com/weftio/weft/internal/model"
	"github.com/weftio/weft/internal/store"
)

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <stage-id>",
		Short: "Print the terminal, PID, and working directory of a stage's running session",
		Long: `There is no portable way to raise another process's terminal window
from the command line, so attach does not try. It prints the information
needed to switch to the session yourself: the terminal name the spawner
gave it, the agent PID, and the worktree it is running in.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID := args[0]
			root, err := resolveRepoRoot()
			if err != nil {
				return err
			}
			stateRoot := config.StateRoot(root)
			st := store.New(stateRoot)

			sessions, err := st.ListSessions()
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}

			var active *model.Session
			for _, sess := range sessions {
				if sess.StageID != stageID {
					continue
				}
				if sess.Status == model.SessionRunning || sess.Status == model.SessionSpawning || sess.Status == model.SessionPaused {
					active = sess
				}
			}
			if active == nil {
				return usageErrorf("no running session found for stage %q", stageID)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stage:     %s\n", stageID)
			fmt.Fprintf(cmd.OutOrStdout(), "session:   %s\n", active.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "terminal:  %s\n", active.TerminalName)
			fmt.Fprintf(cmd.OutOrStdout(), "pid:       %d\n", active.PID)
			fmt.Fprintf(cmd.OutOrStdout(), "directory: %s\n", active.WorktreePath)
			return nil
		},
	}
}
