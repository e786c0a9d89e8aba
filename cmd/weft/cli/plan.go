package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/weftio/weft/internal/config"
	"github.com/weftio/weft/internal/graph"
	"github.com/weftio/weft/internal/plan"
	"github.com/weftio/weft/internal/spawner"
	"github.com/weftio/weft/internal/store"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage execution plans",
	}
	cmd.AddCommand(newPlanValidateCmd())
	cmd.AddCommand(newPlanInitCmd())
	return cmd
}

func newPlanValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Parse a plan file and check its stage DAG for cycles and unknown dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			if _, err := graph.New(p.Stages); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %q: %d stages, dependency graph is valid\n", p.ID, len(p.Stages))
			return nil
		},
	}
}

func newPlanInitCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "init <plan-file>",
		Short: "Bootstrap the state root from a plan file",
		Long: `Loads a plan file, validates its dependency graph, and writes the
initial stage records into the repository's state root (.work). Run once
per plan before starting the daemon.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRepoRoot()
			if err != nil {
				return err
			}

			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			if _, err := graph.New(p.Stages); err != nil {
				return fmt.Errorf("validating plan: %w", err)
			}

			stateRoot := config.StateRoot(root)
			st := store.New(stateRoot)
			if err := st.Init(); err != nil {
				return fmt.Errorf("initializing state root: %w", err)
			}

			existing, err := st.ListStages()
			if err != nil {
				return fmt.Errorf("checking for existing stage state: %w", err)
			}
			if len(existing) > 0 && !yes {
				confirmed, err := confirmReinit(len(existing))
				if err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted, no changes made")
					return nil
				}
			}

			now := time.Now()
			for _, stage := range p.Stages {
				stage.CreatedAt = now
				stage.UpdatedAt = now
				if err := st.SaveStage(stage); err != nil {
					return fmt.Errorf("saving stage %s: %w", stage.ID, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s with %d stages from plan %q\n", stateRoot, len(p.Stages), p.ID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "overwrite existing stage state without prompting")
	return cmd
}

// confirmReinit prompts before plan init overwrites stage records already on
// disk. Without a controlling terminal (scripted/CI invocation) there's no
// one to ask, so it errors instead of hanging on a form that can never be
// answered; --yes is the scripted equivalent of answering yes here.
func confirmReinit(existingCount int) (bool, error) {
	if !spawner.HasControllingTerminal() {
		return false, fmt.Errorf("%d stage(s) already exist in this state root; re-run with --yes to overwrite non-interactively", existingCount)
	}

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%d stage(s) already exist in this state root. Overwrite?", existingCount)).
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	return confirmed, nil
}
