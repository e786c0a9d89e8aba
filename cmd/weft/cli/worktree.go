package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftio/weft/internal/config"
	"github.com/weftio/weft/internal/worktreemgr"
)

func newWorktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage per-stage git worktrees",
	}
	cmd.AddCommand(newWorktreeListCmd())
	cmd.AddCommand(newWorktreeRemoveCmd())
	cmd.AddCommand(newWorktreeInstallCmd())
	return cmd
}

func loadWorktreeManager() (*worktreemgr.Manager, error) {
	root, err := resolveRepoRoot()
	if err != nil {
		return nil, err
	}
	return worktreemgr.New(root, config.StateRoot(root)), nil
}

func newWorktreeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every tracked worktree and its branch, path, and status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadWorktreeManager()
			if err != nil {
				return err
			}
			worktrees, err := mgr.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing worktrees: %w", err)
			}
			if len(worktrees) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no worktrees")
				return nil
			}
			for _, wt := range worktrees {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-10s %-30s %s\n", wt.StageID, wt.Status, wt.Branch, wt.Path)
			}
			return nil
		},
	}
}

func newWorktreeRemoveCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "remove <stage-id>",
		Short: "Remove a stage's worktree and delete its branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadWorktreeManager()
			if err != nil {
				return err
			}
			if err := mgr.Remove(cmd.Context(), args[0], force); err != nil {
				return fmt.Errorf("removing worktree for stage %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed worktree for stage %s\n", args[0])
			return nil
		},
	}
	c.Flags().BoolVar(&force, "force", false, "remove even if the worktree has uncommitted changes")
	return c
}

func newWorktreeInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <stage-id>",
		Short: "Reinstall a worktree's local wiring (settings, state-root link) without touching git state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadWorktreeManager()
			if err != nil {
				return err
			}
			if err := mgr.InstallHooks(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("installing worktree wiring for stage %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reinstalled wiring for stage %s\n", args[0])
			return nil
		},
	}
}
